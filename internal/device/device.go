// Package device holds the bridged device model and the flat device registry
// shared by all plugins, independent of how devices are placed onto Matter
// nodes.
package device

import (
	"fmt"
	"sync"

	"matterhub/internal/fabric"
)

// Device wraps one addressable Matter entity owned by a plugin. The stable
// key is the caller-chosen, globally unique identifier that tracks the device
// across restarts; it is the join key into the endpoint-number ledger.
type Device struct {
	// StableKey is chosen by the plugin and must be globally unique.
	StableKey string

	// Descriptive identity.
	Name         string
	SerialNumber string
	UniqueID     string
	OriginalID   string
	ID           uint64

	// DeviceType is the primary Matter device type descriptor.
	DeviceType fabric.DeviceType

	// Endpoint is the composed endpoint spec, cluster servers included.
	// Opaque to the orchestration layer.
	Endpoint *fabric.EndpointSpec

	// Plugin is the name of the owning plugin. Every device has exactly
	// one owner.
	Plugin string

	// ServerMode opts the device out of aggregation; it gets a dedicated
	// node, required for device types that must not be bridged.
	ServerMode bool

	mu        sync.RWMutex
	number    fabric.EndpointNumber
	node      fabric.NodeID
	reachable bool
}

// Options carries the optional identity fields for New.
type Options struct {
	SerialNumber string
	OriginalID   string
	ID           uint64
	ServerMode   bool
}

// New composes a device for the given type and identity. The composer
// pre-populates the cluster-server set; the result is ready to be registered
// through the host handle.
func New(composer fabric.Composer, stableKey, name string, deviceType fabric.DeviceType, opts Options) (*Device, error) {
	if stableKey == "" {
		return nil, fmt.Errorf("device %q: stable key is required", name)
	}
	spec, err := composer.Compose(deviceType, fabric.ComposeOptions{
		UniqueID:     stableKey,
		Name:         name,
		SerialNumber: opts.SerialNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("compose device %q: %w", name, err)
	}

	return &Device{
		StableKey:    stableKey,
		Name:         name,
		SerialNumber: opts.SerialNumber,
		UniqueID:     stableKey,
		OriginalID:   opts.OriginalID,
		ID:           opts.ID,
		DeviceType:   deviceType,
		Endpoint:     spec,
		ServerMode:   opts.ServerMode,
		reachable:    true,
	}, nil
}

// Number returns the assigned Matter endpoint number, zero if not yet
// materialized.
func (d *Device) Number() fabric.EndpointNumber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.number
}

// Node returns the hosting node ID, empty if not yet placed.
func (d *Device) Node() fabric.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.node
}

// SetPlacement records where the device has been materialized.
func (d *Device) SetPlacement(node fabric.NodeID, number fabric.EndpointNumber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.node = node
	d.number = number
}

// Reachable reports the device's reachability flag. It is independent of the
// owning plugin's lifecycle state.
func (d *Device) Reachable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reachable
}

// SetReachable updates the reachability flag.
func (d *Device) SetReachable(reachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reachable = reachable
}
