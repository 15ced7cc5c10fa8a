package device

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"matterhub/internal/fabric"
)

// Manager is the flat registry of all bridged devices across all plugins,
// keyed by stable key. Registration enforces global stable-key uniqueness:
// a duplicate is a plugin bug and is rejected loudly. Unregistering a device
// that is already gone is an idempotent no-op.
type Manager struct {
	devices cmap.ConcurrentMap[string, *Device]
	logger  *zap.Logger
}

// NewManager creates an empty device registry.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		devices: cmap.New[*Device](),
		logger:  logger.Named("devices"),
	}
}

// Register adds a device to the registry. The device must carry an owning
// plugin and a globally unique stable key.
func (m *Manager) Register(d *Device) error {
	if d.Plugin == "" {
		return fmt.Errorf("device %q has no owning plugin", d.StableKey)
	}
	if !m.devices.SetIfAbsent(d.StableKey, d) {
		m.logger.Error("Duplicate stable key rejected",
			zap.String("stable_key", d.StableKey),
			zap.String("plugin", d.Plugin))
		return fmt.Errorf("duplicate stable key %q (plugin %s)", d.StableKey, d.Plugin)
	}
	m.logger.Debug("Device registered",
		zap.String("stable_key", d.StableKey),
		zap.String("plugin", d.Plugin))
	return nil
}

// Unregister removes a device by stable key. Removing an already-removed
// device still reports success.
func (m *Manager) Unregister(stableKey string) {
	if _, ok := m.devices.Pop(stableKey); !ok {
		m.logger.Debug("Unregister of unknown device ignored",
			zap.String("stable_key", stableKey))
		return
	}
	m.logger.Debug("Device unregistered", zap.String("stable_key", stableKey))
}

// UnregisterAllForPlugin removes every device owned by the plugin and
// returns how many were removed.
func (m *Manager) UnregisterAllForPlugin(plugin string) int {
	removed := 0
	for _, d := range m.ForPlugin(plugin) {
		m.devices.Remove(d.StableKey)
		removed++
	}
	return removed
}

// Get returns the device with the given stable key.
func (m *Manager) Get(stableKey string) (*Device, bool) {
	return m.devices.Get(stableKey)
}

// All returns every registered device.
func (m *Manager) All() []*Device {
	out := make([]*Device, 0, m.devices.Count())
	for item := range m.devices.IterBuffered() {
		out = append(out, item.Val)
	}
	return out
}

// ForPlugin returns the devices owned by one plugin.
func (m *Manager) ForPlugin(plugin string) []*Device {
	var out []*Device
	for item := range m.devices.IterBuffered() {
		if item.Val.Plugin == plugin {
			out = append(out, item.Val)
		}
	}
	return out
}

// Count returns the number of registered devices.
func (m *Manager) Count() int {
	return m.devices.Count()
}

// first returns the first device matching pred, in no particular order.
func (m *Manager) first(pred func(*Device) bool) (*Device, bool) {
	for item := range m.devices.IterBuffered() {
		if pred(item.Val) {
			return item.Val, true
		}
	}
	return nil, false
}

// GetByName returns the first device with the given name.
func (m *Manager) GetByName(name string) (*Device, bool) {
	return m.first(func(d *Device) bool { return d.Name == name })
}

// GetByUniqueID returns the device with the given unique id.
func (m *Manager) GetByUniqueID(uniqueID string) (*Device, bool) {
	return m.first(func(d *Device) bool { return d.UniqueID == uniqueID })
}

// GetBySerialNumber returns the first device with the given serial number.
func (m *Manager) GetBySerialNumber(serial string) (*Device, bool) {
	return m.first(func(d *Device) bool { return d.SerialNumber == serial })
}

// GetByID returns the first device with the given numeric id.
func (m *Manager) GetByID(id uint64) (*Device, bool) {
	return m.first(func(d *Device) bool { return d.ID == id })
}

// GetByOriginalID returns the first device with the given original id.
func (m *Manager) GetByOriginalID(originalID string) (*Device, bool) {
	return m.first(func(d *Device) bool { return d.OriginalID == originalID })
}

// GetByNumber returns the first device materialized at the given endpoint
// number.
func (m *Manager) GetByNumber(number fabric.EndpointNumber) (*Device, bool) {
	return m.first(func(d *Device) bool { return d.Number() == number })
}

// HasName reports whether any device carries the given name.
func (m *Manager) HasName(name string) bool {
	_, ok := m.GetByName(name)
	return ok
}

// HasUniqueID reports whether any device carries the given unique id.
func (m *Manager) HasUniqueID(uniqueID string) bool {
	_, ok := m.GetByUniqueID(uniqueID)
	return ok
}
