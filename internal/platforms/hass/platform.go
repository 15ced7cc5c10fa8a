package hass

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"matterhub/internal/device"
	"matterhub/internal/fabric"
	"matterhub/pkg/platform"
)

// PluginName is the name the Home Assistant platform registers under.
const PluginName = "matterhub-hass"

// Platform bridges Home Assistant entities to Matter endpoints. Each bridged
// entity becomes one device keyed by "hass:" plus its entity id, so endpoint
// numbers survive restarts as long as the entity id is stable.
type Platform struct {
	ctx    *platform.Context
	logger *zap.Logger
	client Client

	mu      sync.Mutex
	started bool
}

// New creates a Home Assistant platform from the plugin context.
func New(ctx *platform.Context) (platform.Platform, error) {
	url := ctx.Config.GetString("url", "")
	token := ctx.Config.GetString("token", "")
	if url == "" {
		return nil, fmt.Errorf("hass: url is required")
	}
	if token == "" {
		return nil, fmt.Errorf("hass: token is required")
	}

	return &Platform{
		ctx:    ctx,
		logger: ctx.Logger,
		client: NewClient(url, token, ctx.Logger),
	}, nil
}

// newWithClient wires a pre-built client, used by tests.
func newWithClient(ctx *platform.Context, client Client) *Platform {
	return &Platform{ctx: ctx, logger: ctx.Logger, client: client}
}

// OnStart connects to the hub, snapshots the entity registry and registers a
// device per bridgeable entity. The state_changed stream then keeps the set
// current.
func (p *Platform) OnStart(reason string) error {
	p.logger.Info("Starting Home Assistant platform", zap.String("reason", reason))

	p.client.OnStateChanged(p.handleStateChange)
	if err := p.client.Connect(); err != nil {
		return fmt.Errorf("connect to Home Assistant: %w", err)
	}

	states, err := p.client.GetStates()
	if err != nil {
		return fmt.Errorf("fetch entity states: %w", err)
	}

	registered := 0
	for _, state := range states {
		if err := p.registerEntity(state); err != nil {
			p.logger.Warn("Skipping entity",
				zap.String("entity_id", state.EntityID), zap.Error(err))
			continue
		}
		if p.ctx.Host.HasDeviceUniqueID(stableKey(state.EntityID)) {
			registered++
		}
	}

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	p.logger.Info("Home Assistant entities bridged",
		zap.Int("total", len(states)), zap.Int("bridged", registered))
	return nil
}

// OnConfigure syncs reachability from the last known entity states.
func (p *Platform) OnConfigure() error {
	states, err := p.client.GetStates()
	if err != nil {
		return fmt.Errorf("refresh entity states: %w", err)
	}
	for _, state := range states {
		if dev, ok := p.ctx.Host.GetDeviceByUniqueID(stableKey(state.EntityID)); ok {
			dev.SetReachable(state.State != "unavailable" && state.State != "unknown")
		}
	}
	p.logger.Info("Home Assistant platform configured")
	return nil
}

// OnShutdown disconnects from the hub.
func (p *Platform) OnShutdown(reason string) error {
	p.logger.Info("Home Assistant platform shutting down", zap.String("reason", reason))
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return p.client.Disconnect()
}

// OnAction forwards a frontend action to the hub. "toggle" flips the backing
// entity through its domain's toggle service.
func (p *Platform) OnAction(name, value, id string, formData map[string]interface{}) error {
	if name != "toggle" {
		return fmt.Errorf("unknown action %q", name)
	}
	dev, ok := p.ctx.Host.GetDeviceByUniqueID(id)
	if !ok {
		return fmt.Errorf("no device %q", id)
	}
	entityID := strings.TrimPrefix(dev.StableKey, "hass:")
	domain := entityDomain(entityID)
	return p.client.CallService(domain, "toggle", map[string]interface{}{
		"entity_id": entityID,
	})
}

// handleStateChange keeps the bridged device set in sync with the hub:
// appearing entities are registered, removed entities unregistered, and
// availability flows into the reachable flag.
func (p *Platform) handleStateChange(entityID string, oldState, newState *EntityState) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}

	key := stableKey(entityID)

	if newState == nil {
		if dev, ok := p.ctx.Host.GetDeviceByUniqueID(key); ok {
			if err := p.ctx.Host.UnregisterDevice(dev); err != nil {
				p.logger.Warn("Unregister failed",
					zap.String("entity_id", entityID), zap.Error(err))
			}
		}
		return
	}

	if dev, ok := p.ctx.Host.GetDeviceByUniqueID(key); ok {
		dev.SetReachable(newState.State != "unavailable" && newState.State != "unknown")
		return
	}

	if err := p.registerEntity(newState); err != nil {
		p.logger.Debug("Entity not bridgeable",
			zap.String("entity_id", entityID), zap.Error(err))
	}
}

// registerEntity maps a bridgeable entity to a device and registers it.
func (p *Platform) registerEntity(state *EntityState) error {
	dt, ok := deviceTypeForEntity(state)
	if !ok {
		return fmt.Errorf("domain %q not bridgeable", entityDomain(state.EntityID))
	}

	dev, err := device.New(p.ctx.Composer, stableKey(state.EntityID), state.FriendlyName(), dt, device.Options{
		OriginalID: state.EntityID,
	})
	if err != nil {
		return err
	}
	dev.SetReachable(state.State != "unavailable" && state.State != "unknown")

	if err := p.ctx.Host.RegisterDevice(dev); err != nil {
		return fmt.Errorf("register %q: %w", state.EntityID, err)
	}
	return nil
}

func stableKey(entityID string) string {
	return "hass:" + entityID
}

func entityDomain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return entityID
}

// deviceTypeForEntity maps a Home Assistant entity to a Matter device type.
// Entities without a mapping are not bridged.
func deviceTypeForEntity(state *EntityState) (fabric.DeviceType, bool) {
	switch entityDomain(state.EntityID) {
	case "light":
		if _, ok := state.Attributes["brightness"]; ok {
			return fabric.DimmableLight, true
		}
		return fabric.OnOffLight, true
	case "switch":
		return fabric.OnOffOutlet, true
	case "binary_sensor":
		switch state.Attributes["device_class"] {
		case "door", "window", "opening":
			return fabric.ContactSensor, true
		case "motion", "occupancy":
			return fabric.OccupancySensor, true
		}
		return fabric.ContactSensor, true
	case "sensor":
		if state.Attributes["device_class"] == "temperature" {
			return fabric.TemperatureSensor, true
		}
	}
	return fabric.DeviceType{}, false
}
