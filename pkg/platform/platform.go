// Package platform defines the capability surface between the matterhub host
// and integration plugins. Plugins register a factory with the global
// registry from init() functions, giving compile-time plugin selection behind
// a fixed lifecycle interface: the host never calls into variable-shape
// extension code.
package platform

import "matterhub/internal/device"

// Type classifies a plugin. AnyPlatform means "unknown until first load";
// the self-reported type replaces it when the plugin is instantiated.
type Type string

const (
	AnyPlatform       Type = "AnyPlatform"
	AccessoryPlatform Type = "AccessoryPlatform"
	DynamicPlatform   Type = "DynamicPlatform"
)

// Platform is the lifecycle interface every plugin must implement.
//
// OnStart is where the platform registers its devices through the host
// handle. OnConfigure runs only once the hosting Matter node is online, so
// persisted attributes are available. OnShutdown must release resources; the
// host bounds every hook with a timeout and abandons hung invocations.
type Platform interface {
	OnStart(reason string) error
	OnConfigure() error
	OnShutdown(reason string) error
}

// ActionHandler is an optional interface for platforms that accept
// frontend-originated actions.
type ActionHandler interface {
	OnAction(name, value, id string, formData map[string]interface{}) error
}

// ConfigWatcher is an optional interface for platforms that react to runtime
// config edits.
type ConfigWatcher interface {
	OnConfigChanged(config Config) error
}

// LogLevelWatcher is an optional interface for platforms that follow host
// log level changes.
type LogLevelWatcher interface {
	OnChangeLoggerLevel(level string) error
}

// Host is the handle a platform uses to publish and query its devices.
// All mutation is funneled through the bridge orchestrator; a platform never
// touches the Matter layer directly.
type Host interface {
	RegisterDevice(d *device.Device) error
	UnregisterDevice(d *device.Device) error
	UnregisterAllDevices() error

	GetDevices() []*device.Device
	GetDeviceByName(name string) (*device.Device, bool)
	GetDeviceByUniqueID(uniqueID string) (*device.Device, bool)
	GetDeviceBySerialNumber(serial string) (*device.Device, bool)
	GetDeviceByID(id uint64) (*device.Device, bool)
	GetDeviceByOriginalID(originalID string) (*device.Device, bool)
	GetDeviceByNumber(number uint16) (*device.Device, bool)

	HasDeviceName(name string) bool
	HasDeviceUniqueID(uniqueID string) bool
}

// Factory creates a new platform instance given a context. Factories are
// registered with the global registry and invoked by the plugin manager
// during load.
type Factory func(ctx *Context) (Platform, error)
