// Package plugin manages the lifecycle of integration plugins: discovery,
// validation, loading, starting, configuring and shutdown. One plugin's
// failure never propagates to the process or to other plugins.
package plugin

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"matterhub/internal/clock"
	"matterhub/internal/device"
	"matterhub/internal/fabric"
	"matterhub/internal/metrics"
	"matterhub/internal/storage"
	"matterhub/pkg/platform"
)

// DeviceRemover removes a plugin's bridged endpoints. Implemented by the
// bridge orchestrator.
type DeviceRemover interface {
	RemoveAllBridgedEndpoints(plugin string) (int, error)
}

// HostProvider hands out per-plugin host handles. Implemented by the bridge
// orchestrator.
type HostProvider interface {
	HostFor(plugin string) platform.Host
}

// descriptor is the persisted registry entry for one plugin.
type descriptor struct {
	Name    string          `json:"name"`
	Path    string          `json:"path"`
	Type    platform.Type   `json:"type"`
	Version string          `json:"version"`
	Config  platform.Config `json:"config"`
	Enabled bool            `json:"enabled"`
}

// Options wires a Manager's collaborators.
type Options struct {
	Registry    *storage.Store
	Factories   *platform.Registry
	Devices     *device.Manager
	Hosts       HostProvider
	Remover     DeviceRemover
	Composer    fabric.Composer
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	HookTimeout time.Duration
	HostVersion string
	DataDir     string

	// OnlineCheck gates Configure: persisted attributes are only
	// available once the plugin's hosting node is online.
	OnlineCheck func(plugin string) bool
}

// DefaultHookTimeout bounds a lifecycle hook invocation. A hung hook is
// abandoned and the plugin transitions to Error so the rest of the bridge
// continues.
const DefaultHookTimeout = 30 * time.Second

// Manager owns the plugin records. Operations on different plugins run
// independently; operations on the same plugin are serialized through a
// per-plugin lock.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	plugins map[string]*Plugin
	locks   map[string]*sync.Mutex
}

// NewManager creates a plugin manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.HookTimeout == 0 {
		opts.HookTimeout = DefaultHookTimeout
	}
	return &Manager{
		opts:    opts,
		logger:  opts.Logger.Named("plugins"),
		plugins: make(map[string]*Plugin),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the serialization lock for one plugin name.
func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Get returns the record for a plugin name.
func (m *Manager) Get(name string) (*Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[name]
	return p, ok
}

// Plugins returns all managed records.
func (m *Manager) Plugins() []*Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p)
	}
	return out
}

// Add validates the plugin at path, creates an Added record and persists it.
// Malformed metadata or a duplicate name yields a ValidationError.
func (m *Manager) Add(path string) (*Plugin, error) {
	manifest, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(path, m.opts.HostVersion); err != nil {
		return nil, err
	}

	cfg := platform.Config{
		platform.KeyName:    manifest.Name,
		platform.KeyType:    string(manifest.Type),
		platform.KeyVersion: manifest.Version,
		platform.KeyDebug:   false,
	}.Merge(manifest.Defaults)

	// Layer the persisted document on top of the defaults.
	var persisted descriptor
	if ok, err := m.opts.Registry.Get(manifest.Name, &persisted); err != nil {
		return nil, fmt.Errorf("read registry entry %q: %w", manifest.Name, err)
	} else if ok {
		cfg = cfg.Merge(persisted.Config)
	}

	m.mu.Lock()
	if _, exists := m.plugins[manifest.Name]; exists {
		m.mu.Unlock()
		return nil, &ValidationError{Plugin: manifest.Name, Reason: "duplicate plugin name"}
	}
	p := &Plugin{
		Name:    manifest.Name,
		Path:    path,
		Version: manifest.Version,
		Enabled: true,
		typ:     manifest.Type,
		config:  cfg,
		state:   StateAdded,
	}
	m.plugins[manifest.Name] = p
	m.mu.Unlock()

	if err := m.persist(p); err != nil {
		m.mu.Lock()
		delete(m.plugins, manifest.Name)
		m.mu.Unlock()
		return nil, err
	}

	m.setState(p, StateAdded)
	m.logger.Info("Plugin added",
		zap.String("plugin", p.Name),
		zap.String("version", p.Version),
		zap.String("type", string(p.Type())))
	return p, nil
}

// Load resolves the plugin's factory and instantiates it with the host
// handle, a namespaced logger and the merged config. A failure isolates to
// this plugin: it transitions to Error and other plugins are unaffected.
func (m *Manager) Load(name string) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	p, ok := m.Get(name)
	if !ok {
		return &ValidationError{Plugin: name, Reason: "unknown plugin"}
	}
	switch p.State() {
	case StateAdded, StateError:
	default:
		return fmt.Errorf("plugin %s: cannot load from state %s", name, p.State())
	}
	m.setState(p, StateLoading)

	info := m.opts.Factories.Get(name)
	if info == nil {
		err := &LoadError{Plugin: name, Err: fmt.Errorf("no platform factory registered")}
		m.failPlugin(p, err)
		return err
	}

	logger := m.logger.Named(name)
	ctx := &platform.Context{
		Host:        m.opts.Hosts.HostFor(name),
		Composer:    m.opts.Composer,
		Logger:      logger,
		Config:      p.Config().Clone(),
		DataDir:     filepath.Join(m.opts.DataDir, name),
		HostVersion: m.opts.HostVersion,
	}

	inst, err := m.instantiate(info.Factory, ctx)
	if err != nil {
		lerr := &LoadError{Plugin: name, Err: err}
		m.failPlugin(p, lerr)
		return lerr
	}

	p.setInstance(inst, info.Type)
	m.setState(p, StateLoaded)
	m.logger.Info("Plugin loaded",
		zap.String("plugin", name),
		zap.String("type", string(p.Type())))
	return nil
}

// instantiate calls the factory with panic isolation.
func (m *Manager) instantiate(factory platform.Factory, ctx *platform.Context) (inst platform.Platform, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst = nil
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	return factory(ctx)
}

// Start invokes the plugin's start hook, during which the platform registers
// its devices through the host handle. A failure transitions this plugin to
// Error and does not block other plugins.
func (m *Manager) Start(name, reason string) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	p, ok := m.Get(name)
	if !ok {
		return &ValidationError{Plugin: name, Reason: "unknown plugin"}
	}
	if p.State() != StateLoaded {
		return fmt.Errorf("plugin %s: cannot start from state %s", name, p.State())
	}
	inst := p.Instance()
	m.setState(p, StateStarting)

	if err := m.invoke(p, "onStart", func() error { return inst.OnStart(reason) }); err != nil {
		m.failPlugin(p, err)
		return err
	}
	m.setState(p, StateStarted)
	m.logger.Info("Plugin started", zap.String("plugin", name), zap.String("reason", reason))
	return nil
}

// Configure invokes the configure hook. It runs only once the plugin's
// hosting node is online, because persisted attributes become available at
// that point.
func (m *Manager) Configure(name string) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	p, ok := m.Get(name)
	if !ok {
		return &ValidationError{Plugin: name, Reason: "unknown plugin"}
	}
	if p.State() != StateStarted {
		return fmt.Errorf("plugin %s: cannot configure from state %s", name, p.State())
	}
	if m.opts.OnlineCheck != nil && !m.opts.OnlineCheck(name) {
		return fmt.Errorf("plugin %s: hosting node not online yet", name)
	}
	inst := p.Instance()
	m.setState(p, StateConfiguring)

	if err := m.invoke(p, "onConfigure", func() error { return inst.OnConfigure() }); err != nil {
		m.failPlugin(p, err)
		return err
	}
	m.setState(p, StateConfigured)
	m.logger.Info("Plugin configured", zap.String("plugin", name))
	return nil
}

// Shutdown invokes the shutdown hook and removes the instance from the
// runtime. Owned devices are removed when requested or when the plugin's
// unregisterOnShutdown option is set. The persisted registry entry survives
// unless Remove is called.
func (m *Manager) Shutdown(name, reason string, removeDevices bool) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()
	return m.shutdownLocked(name, reason, removeDevices)
}

func (m *Manager) shutdownLocked(name, reason string, removeDevices bool) error {
	p, ok := m.Get(name)
	if !ok {
		return &ValidationError{Plugin: name, Reason: "unknown plugin"}
	}
	m.setState(p, StateShuttingDown)

	if inst := p.Instance(); inst != nil {
		if err := m.invoke(p, "onShutdown", func() error { return inst.OnShutdown(reason) }); err != nil {
			// Shutdown continues: the hook failure is recorded but the
			// plugin still leaves the runtime.
			m.logger.Warn("Shutdown hook failed",
				zap.String("plugin", name), zap.Error(err))
		}
	}

	if removeDevices || p.Config().UnregisterOnShutdown() {
		if removed, err := m.opts.Remover.RemoveAllBridgedEndpoints(name); err != nil {
			m.logger.Warn("Device removal incomplete",
				zap.String("plugin", name),
				zap.Int("removed", removed),
				zap.Error(err))
		} else {
			m.logger.Info("Devices removed on shutdown",
				zap.String("plugin", name), zap.Int("removed", removed))
		}
	}

	p.clearInstance()
	// Back to Added: the registry entry persists and the plugin can be
	// loaded again without re-validation.
	m.setState(p, StateAdded)
	m.logger.Info("Plugin shut down",
		zap.String("plugin", name), zap.String("reason", reason))
	return nil
}

// Remove shuts the plugin down if active, removes its devices and deletes
// the persisted registry entry.
func (m *Manager) Remove(name string) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	p, ok := m.Get(name)
	if !ok {
		return &ValidationError{Plugin: name, Reason: "unknown plugin"}
	}
	if p.Instance() != nil {
		if err := m.shutdownLocked(name, "plugin removed", true); err != nil {
			return err
		}
	} else if _, err := m.opts.Remover.RemoveAllBridgedEndpoints(name); err != nil {
		m.logger.Warn("Device removal incomplete",
			zap.String("plugin", name), zap.Error(err))
	}

	if err := m.opts.Registry.Delete(name); err != nil {
		return fmt.Errorf("delete registry entry %q: %w", name, err)
	}
	m.setState(p, StateRemoved)

	m.mu.Lock()
	delete(m.plugins, name)
	m.mu.Unlock()

	m.logger.Info("Plugin removed", zap.String("plugin", name))
	return nil
}

// ChangeLoggerLevel forwards a log level change to the loaded instance.
// No-op when the plugin is not loaded or does not watch log levels.
func (m *Manager) ChangeLoggerLevel(name, level string) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	p, ok := m.Get(name)
	if !ok {
		return nil
	}
	watcher, ok := p.Instance().(platform.LogLevelWatcher)
	if !ok {
		return nil
	}
	return m.invoke(p, "onChangeLoggerLevel", func() error {
		return watcher.OnChangeLoggerLevel(level)
	})
}

// Action forwards a frontend action to the loaded instance. No-op when the
// plugin is not loaded or does not handle actions.
func (m *Manager) Action(name, action, value, id string, formData map[string]interface{}) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	p, ok := m.Get(name)
	if !ok {
		return nil
	}
	handler, ok := p.Instance().(platform.ActionHandler)
	if !ok {
		return nil
	}
	return m.invoke(p, "onAction", func() error {
		return handler.OnAction(action, value, id, formData)
	})
}

// ConfigChanged applies a runtime config edit to the record, persists it and
// forwards it to the loaded instance when it watches config.
func (m *Manager) ConfigChanged(name string, cfg platform.Config) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	p, ok := m.Get(name)
	if !ok {
		return nil
	}
	p.setConfig(p.Config().Merge(cfg))
	if err := m.persist(p); err != nil {
		return err
	}
	watcher, ok := p.Instance().(platform.ConfigWatcher)
	if !ok {
		return nil
	}
	return m.invoke(p, "onConfigChanged", func() error {
		return watcher.OnConfigChanged(p.Config().Clone())
	})
}

// LoadPersisted recreates Added records for every persisted registry entry,
// used on process start.
func (m *Manager) LoadPersisted() error {
	for _, name := range m.opts.Registry.Keys() {
		var d descriptor
		if ok, err := m.opts.Registry.Get(name, &d); err != nil || !ok {
			m.logger.Warn("Skipping unreadable registry entry",
				zap.String("plugin", name), zap.Error(err))
			continue
		}
		m.mu.Lock()
		if _, exists := m.plugins[d.Name]; exists {
			m.mu.Unlock()
			continue
		}
		m.plugins[d.Name] = &Plugin{
			Name:    d.Name,
			Path:    d.Path,
			Version: d.Version,
			Enabled: d.Enabled,
			typ:     d.Type,
			config:  d.Config,
			state:   StateAdded,
		}
		m.mu.Unlock()
		m.logger.Info("Plugin restored from registry", zap.String("plugin", d.Name))
	}
	return nil
}

// OwnedDevices returns the stable keys currently owned by the plugin.
func (m *Manager) OwnedDevices(name string) []string {
	devices := m.opts.Devices.ForPlugin(name)
	keys := make([]string, 0, len(devices))
	for _, d := range devices {
		keys = append(keys, d.StableKey)
	}
	return keys
}

// Snapshot is a read-only view of one plugin record, safe to hand across the
// diagnostics bus.
type Snapshot struct {
	Name      string
	Version   string
	Type      platform.Type
	State     State
	Devices   int
	LastError string
}

// Snapshots returns a copy of every plugin's current state.
func (m *Manager) Snapshots() []Snapshot {
	plugins := m.Plugins()
	out := make([]Snapshot, 0, len(plugins))
	for _, p := range plugins {
		s := Snapshot{
			Name:    p.Name,
			Version: p.Version,
			Type:    p.Type(),
			State:   p.State(),
			Devices: len(m.OwnedDevices(p.Name)),
		}
		if err := p.LastError(); err != nil {
			s.LastError = err.Error()
		}
		out = append(out, s)
	}
	return out
}

// invoke runs a lifecycle hook with panic isolation, a duration bound and
// metrics. A hook that exceeds the timeout is abandoned; its goroutine may
// finish later but its result is discarded.
func (m *Manager) invoke(p *Plugin, hook string, fn func() error) error {
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn()
	}()

	var err error
	select {
	case err = <-done:
	case <-m.opts.Clock.After(m.opts.HookTimeout):
		err = ErrHookTimeout
	}
	m.opts.Metrics.ObserveHook(p.Name, hook, time.Since(start), err != nil)

	if err != nil {
		herr := &HookError{Plugin: p.Name, Hook: hook, Err: err}
		m.logger.Error("Hook failed",
			zap.String("plugin", p.Name),
			zap.String("hook", hook),
			zap.Error(err))
		return herr
	}
	return nil
}

func (m *Manager) failPlugin(p *Plugin, err error) {
	p.fail(err)
	m.opts.Metrics.PluginState(p.Name, string(StateError), AllStates)
}

func (m *Manager) setState(p *Plugin, s State) {
	p.setState(s)
	m.opts.Metrics.PluginState(p.Name, string(s), AllStates)
}

// persist writes the plugin's registry descriptor.
func (m *Manager) persist(p *Plugin) error {
	d := descriptor{
		Name:    p.Name,
		Path:    p.Path,
		Type:    p.Type(),
		Version: p.Version,
		Config:  p.Config(),
		Enabled: p.Enabled,
	}
	if err := m.opts.Registry.Put(p.Name, d); err != nil {
		return fmt.Errorf("persist plugin %q: %w", p.Name, err)
	}
	return nil
}
