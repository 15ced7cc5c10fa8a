package testutil

import (
	"fmt"
	"sync"

	"matterhub/internal/device"
)

// FakeHost collects registered devices without a bridge orchestrator behind
// it. Platforms under test register against it and assertions read the set
// back through the usual lookup methods.
type FakeHost struct {
	mu      sync.RWMutex
	devices map[string]*device.Device
}

// NewFakeHost creates an empty host.
func NewFakeHost() *FakeHost {
	return &FakeHost{devices: make(map[string]*device.Device)}
}

// Count returns the number of registered devices.
func (h *FakeHost) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

func (h *FakeHost) RegisterDevice(d *device.Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.devices[d.StableKey]; ok {
		return fmt.Errorf("duplicate %q", d.StableKey)
	}
	h.devices[d.StableKey] = d
	return nil
}

func (h *FakeHost) UnregisterDevice(d *device.Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.devices, d.StableKey)
	return nil
}

func (h *FakeHost) UnregisterAllDevices() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = make(map[string]*device.Device)
	return nil
}

func (h *FakeHost) GetDevices() []*device.Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*device.Device, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, d)
	}
	return out
}

func (h *FakeHost) find(pred func(*device.Device) bool) (*device.Device, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, d := range h.devices {
		if pred(d) {
			return d, true
		}
	}
	return nil, false
}

func (h *FakeHost) GetDeviceByName(name string) (*device.Device, bool) {
	return h.find(func(d *device.Device) bool { return d.Name == name })
}

func (h *FakeHost) GetDeviceByUniqueID(uniqueID string) (*device.Device, bool) {
	return h.find(func(d *device.Device) bool { return d.UniqueID == uniqueID })
}

func (h *FakeHost) GetDeviceBySerialNumber(serial string) (*device.Device, bool) {
	return h.find(func(d *device.Device) bool { return d.SerialNumber == serial })
}

func (h *FakeHost) GetDeviceByID(id uint64) (*device.Device, bool) {
	return h.find(func(d *device.Device) bool { return d.ID == id })
}

func (h *FakeHost) GetDeviceByOriginalID(originalID string) (*device.Device, bool) {
	return h.find(func(d *device.Device) bool { return d.OriginalID == originalID })
}

func (h *FakeHost) GetDeviceByNumber(number uint16) (*device.Device, bool) {
	return h.find(func(d *device.Device) bool { return uint16(d.Number()) == number })
}

func (h *FakeHost) HasDeviceName(name string) bool {
	_, ok := h.GetDeviceByName(name)
	return ok
}

func (h *FakeHost) HasDeviceUniqueID(uniqueID string) bool {
	_, ok := h.GetDeviceByUniqueID(uniqueID)
	return ok
}
