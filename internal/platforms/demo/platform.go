// Package demo is a built-in virtual platform that registers a configurable
// set of simulated devices. It exercises the full bridging path without any
// external hub and doubles as the scenario fixture for integration tests.
package demo

import (
	"fmt"

	"go.uber.org/zap"

	"matterhub/internal/device"
	"matterhub/internal/fabric"
	"matterhub/pkg/platform"
)

// PluginName is the name the demo platform registers under.
const PluginName = "matterhub-demo"

// deviceSpec describes one virtual device from the plugin config.
type deviceSpec struct {
	Key  string
	Name string
	Kind string
}

// Platform is the demo platform instance.
type Platform struct {
	ctx     *platform.Context
	logger  *zap.Logger
	devices []*device.Device
}

// New creates a demo platform from the plugin context.
func New(ctx *platform.Context) (platform.Platform, error) {
	return &Platform{ctx: ctx, logger: ctx.Logger}, nil
}

// OnStart composes the configured virtual devices and registers them through
// the host handle.
func (p *Platform) OnStart(reason string) error {
	p.logger.Info("Starting demo platform", zap.String("reason", reason))

	for i, spec := range p.deviceSpecs() {
		dt, ok := deviceTypeFor(spec.Kind)
		if !ok {
			return fmt.Errorf("unknown demo device kind %q", spec.Kind)
		}
		dev, err := device.New(p.ctx.Composer, spec.Key, spec.Name, dt, device.Options{
			SerialNumber: fmt.Sprintf("DEMO-%04d", i+1),
			OriginalID:   spec.Kind,
			ID:           uint64(i + 1),
		})
		if err != nil {
			return err
		}
		if err := p.ctx.Host.RegisterDevice(dev); err != nil {
			return fmt.Errorf("register %q: %w", spec.Key, err)
		}
		p.devices = append(p.devices, dev)
	}

	p.logger.Info("Demo devices registered", zap.Int("count", len(p.devices)))
	return nil
}

// OnConfigure marks every device reachable once the hosting node is online.
func (p *Platform) OnConfigure() error {
	for _, dev := range p.devices {
		dev.SetReachable(true)
	}
	p.logger.Info("Demo platform configured")
	return nil
}

// OnShutdown releases the device list. Removal, when requested, is driven by
// the host.
func (p *Platform) OnShutdown(reason string) error {
	p.logger.Info("Demo platform shutting down", zap.String("reason", reason))
	p.devices = nil
	return nil
}

// OnAction flips a device's reachability, a cheap way to exercise the
// frontend action path.
func (p *Platform) OnAction(name, value, id string, formData map[string]interface{}) error {
	if name != "toggle-reachable" {
		return fmt.Errorf("unknown action %q", name)
	}
	dev, ok := p.ctx.Host.GetDeviceByUniqueID(id)
	if !ok {
		return fmt.Errorf("no device %q", id)
	}
	dev.SetReachable(!dev.Reachable())
	return nil
}

// deviceSpecs reads the configured device list, falling back to a default
// trio of light, contact sensor and outlet.
func (p *Platform) deviceSpecs() []deviceSpec {
	raw, ok := p.ctx.Config["devices"].([]interface{})
	if !ok {
		return []deviceSpec{
			{Key: "demo-light-1", Name: "Demo Light", Kind: "light"},
			{Key: "demo-contact-1", Name: "Demo Contact", Kind: "contact"},
			{Key: "demo-outlet-1", Name: "Demo Outlet", Kind: "outlet"},
		}
	}

	var specs []deviceSpec
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		spec := deviceSpec{}
		if v, ok := entry["key"].(string); ok {
			spec.Key = v
		}
		if v, ok := entry["name"].(string); ok {
			spec.Name = v
		}
		if v, ok := entry["kind"].(string); ok {
			spec.Kind = v
		}
		if spec.Key != "" {
			specs = append(specs, spec)
		}
	}
	return specs
}

func deviceTypeFor(kind string) (fabric.DeviceType, bool) {
	switch kind {
	case "light":
		return fabric.OnOffLight, true
	case "dimmable":
		return fabric.DimmableLight, true
	case "outlet":
		return fabric.OnOffOutlet, true
	case "contact":
		return fabric.ContactSensor, true
	case "temperature":
		return fabric.TemperatureSensor, true
	case "occupancy":
		return fabric.OccupancySensor, true
	}
	return fabric.DeviceType{}, false
}
