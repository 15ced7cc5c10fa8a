package bridge

import (
	"matterhub/internal/device"
	"matterhub/internal/fabric"
	"matterhub/pkg/platform"
)

// pluginHost is the per-plugin host handle given to platform instances.
// Registration funnels through the orchestrator; queries go to the shared
// device registry, scoped to the owning plugin where the surface implies it.
type pluginHost struct {
	plugin  string
	orch    *Orchestrator
	devices *device.Manager
}

// HostFor returns the host handle for one plugin.
func (o *Orchestrator) HostFor(plugin string) platform.Host {
	return &pluginHost{plugin: plugin, orch: o, devices: o.opts.Devices}
}

func (h *pluginHost) RegisterDevice(d *device.Device) error {
	return h.orch.AddBridgedEndpoint(h.plugin, d)
}

func (h *pluginHost) UnregisterDevice(d *device.Device) error {
	return h.orch.RemoveBridgedEndpoint(h.plugin, d)
}

func (h *pluginHost) UnregisterAllDevices() error {
	_, err := h.orch.RemoveAllBridgedEndpoints(h.plugin)
	return err
}

func (h *pluginHost) GetDevices() []*device.Device {
	return h.devices.ForPlugin(h.plugin)
}

func (h *pluginHost) GetDeviceByName(name string) (*device.Device, bool) {
	return h.devices.GetByName(name)
}

func (h *pluginHost) GetDeviceByUniqueID(uniqueID string) (*device.Device, bool) {
	return h.devices.GetByUniqueID(uniqueID)
}

func (h *pluginHost) GetDeviceBySerialNumber(serial string) (*device.Device, bool) {
	return h.devices.GetBySerialNumber(serial)
}

func (h *pluginHost) GetDeviceByID(id uint64) (*device.Device, bool) {
	return h.devices.GetByID(id)
}

func (h *pluginHost) GetDeviceByOriginalID(originalID string) (*device.Device, bool) {
	return h.devices.GetByOriginalID(originalID)
}

func (h *pluginHost) GetDeviceByNumber(number uint16) (*device.Device, bool) {
	return h.devices.GetByNumber(fabric.EndpointNumber(number))
}

func (h *pluginHost) HasDeviceName(name string) bool {
	return h.devices.HasName(name)
}

func (h *pluginHost) HasDeviceUniqueID(uniqueID string) bool {
	return h.devices.HasUniqueID(uniqueID)
}
