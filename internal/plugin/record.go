package plugin

import (
	"sync"

	"matterhub/pkg/platform"
)

// State is a plugin's lifecycle state.
type State string

const (
	StateAdded        State = "added"
	StateLoading      State = "loading"
	StateLoaded       State = "loaded"
	StateStarting     State = "starting"
	StateStarted      State = "started"
	StateConfiguring  State = "configuring"
	StateConfigured   State = "configured"
	StateShuttingDown State = "shuttingDown"
	StateRemoved      State = "removed"
	// StateError is reachable from any state; the registry entry persists
	// for a later retry or restart.
	StateError State = "error"
)

// AllStates lists every lifecycle state, for metrics labeling.
var AllStates = []string{
	string(StateAdded), string(StateLoading), string(StateLoaded),
	string(StateStarting), string(StateStarted), string(StateConfiguring),
	string(StateConfigured), string(StateShuttingDown), string(StateRemoved),
	string(StateError),
}

// Plugin is the in-memory record for one managed plugin: identity, lifecycle
// state, the loaded platform instance and its configuration document.
type Plugin struct {
	Name    string
	Path    string
	Version string
	Enabled bool

	// Schema is the plugin's config schema, best effort and consumed only
	// by the management frontend.
	Schema map[string]interface{}

	mu       sync.RWMutex
	typ      platform.Type
	config   platform.Config
	state    State
	instance platform.Platform
	lastErr  error
}

// State returns the current lifecycle state.
func (p *Plugin) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Type returns the platform type, AnyPlatform until the first load resolves
// the self-reported type.
func (p *Plugin) Type() platform.Type {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.typ
}

// Config returns the current merged config document.
func (p *Plugin) Config() platform.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Instance returns the loaded platform instance, nil when not loaded.
func (p *Plugin) Instance() platform.Platform {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.instance
}

// LastError returns the persisted error field for the record, nil when the
// plugin is healthy.
func (p *Plugin) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

func (p *Plugin) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	if s != StateError {
		p.lastErr = nil
	}
}

// fail transitions the record to Error, recording err as the user-visible
// error field.
func (p *Plugin) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateError
	p.lastErr = err
}

func (p *Plugin) setInstance(inst platform.Platform, typ platform.Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instance = inst
	if p.typ == platform.AnyPlatform && typ != "" {
		p.typ = typ
	}
}

func (p *Plugin) clearInstance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instance = nil
}

func (p *Plugin) setConfig(c platform.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = c
}
