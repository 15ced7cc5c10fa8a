// Package bridge translates the logical device set into physical Matter
// node and endpoint trees, keeping endpoint numbers stable across restarts.
// It owns the Fabric Service handles and the endpoint-number ledger.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"

	"matterhub/internal/device"
	"matterhub/internal/fabric"
	"matterhub/internal/ledger"
	"matterhub/internal/metrics"
)

// Mode is the bridging topology, chosen once at startup.
type Mode string

const (
	// ModeBridge exposes one node with one aggregator; every plugin's
	// devices become its children and controllers pair once.
	ModeBridge Mode = "bridge"

	// ModeChildBridge gives each plugin its own node and aggregator,
	// isolating a misbehaving plugin's Matter presence at the cost of one
	// pairing per plugin.
	ModeChildBridge Mode = "childbridge"
)

// Options wires an Orchestrator.
type Options struct {
	Mode       Mode
	Name       string
	Service    fabric.Service
	Devices    *device.Manager
	Ledger     *ledger.Ledger
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Descriptor fabric.NodeDescriptor
}

// nodeRuntime tracks one hosting node. Mutations of the same node are
// serialized through its lock; different nodes proceed independently.
type nodeRuntime struct {
	node    fabric.Node
	plugins []string

	// aggregator is the aggregator's endpoint number, zero until the
	// engine assigns it. aggReady flips as soon as the engine accepts the
	// aggregator endpoint; its number may still arrive lazily.
	aggregator fabric.EndpointNumber
	aggKey     string
	aggReady   bool

	mu      sync.Mutex
	online  bool
	closed  bool
	pending *queuepkg.Queue

	// dropped holds stable keys removed while their endpoint assignment
	// was still pending; the endpoint is unmaterialized once the engine
	// reports its number.
	dropped   map[string]struct{}
	unflushed map[string]*device.Device
}

// Orchestrator implements the three bridging topologies and the add/remove
// endpoint operations with durable endpoint-number persistence.
type Orchestrator struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	nodes       map[fabric.NodeID]*nodeRuntime
	byPlugin    map[string]*nodeRuntime
	serverNodes map[string]*nodeRuntime
	onOnline    []func(node fabric.NodeID, plugins []string)
	alarm       bool
}

// New creates an orchestrator. Call Startup to materialize the hosting
// nodes for the known plugins.
func New(opts Options) *Orchestrator {
	if opts.Name == "" {
		opts.Name = "matterhub"
	}
	return &Orchestrator{
		opts:        opts,
		logger:      opts.Logger.Named("bridge"),
		nodes:       make(map[fabric.NodeID]*nodeRuntime),
		byPlugin:    make(map[string]*nodeRuntime),
		serverNodes: make(map[string]*nodeRuntime),
	}
}

// Mode returns the configured bridging mode.
func (o *Orchestrator) Mode() Mode { return o.opts.Mode }

// OnOnline registers a callback fired when a hosting node reports online,
// with the plugins it hosts. Used to gate plugin configuration.
func (o *Orchestrator) OnOnline(cb func(node fabric.NodeID, plugins []string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onOnline = append(o.onOnline, cb)
}

// Startup creates the hosting nodes and aggregators for the given plugins
// according to the bridging mode, seeding each node with its persisted
// endpoint numbers before it can go online.
func (o *Orchestrator) Startup(plugins []string) error {
	switch o.opts.Mode {
	case ModeBridge:
		rt, err := o.createAggregatedNode(fabric.NodeID(o.opts.Name), plugins)
		if err != nil {
			return err
		}
		o.mu.Lock()
		for _, p := range plugins {
			o.byPlugin[p] = rt
		}
		o.mu.Unlock()
	case ModeChildBridge:
		for _, p := range plugins {
			if err := o.EnsurePlugin(p); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown bridging mode %q", o.opts.Mode)
	}
	return nil
}

// EnsurePlugin makes sure the plugin has a hosting node and aggregator.
// In bridge mode every plugin shares the main node, which must already
// exist.
func (o *Orchestrator) EnsurePlugin(plugin string) error {
	o.mu.Lock()
	if _, ok := o.byPlugin[plugin]; ok {
		o.mu.Unlock()
		return nil
	}
	if o.opts.Mode == ModeBridge {
		rt, ok := o.nodes[fabric.NodeID(o.opts.Name)]
		if !ok {
			o.mu.Unlock()
			return fmt.Errorf("bridge node not created yet")
		}
		rt.mu.Lock()
		rt.plugins = append(rt.plugins, plugin)
		rt.mu.Unlock()
		o.byPlugin[plugin] = rt
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	id := fabric.NodeID(o.opts.Name + "-" + plugin)
	rt, err := o.createAggregatedNode(id, []string{plugin})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.byPlugin[plugin] = rt
	o.mu.Unlock()
	return nil
}

// createAggregatedNode creates a node with one aggregator endpoint and
// starts its event pump.
func (o *Orchestrator) createAggregatedNode(id fabric.NodeID, plugins []string) (*nodeRuntime, error) {
	desc := o.opts.Descriptor
	desc.Name = string(id)
	node, err := o.opts.Service.CreateNode(id, desc)
	if err != nil {
		return nil, fmt.Errorf("create node %s: %w", id, err)
	}
	node.SetPersistedEndpointNumbers(o.opts.Ledger.NumbersForNode(id))

	rt := &nodeRuntime{
		node:      node,
		plugins:   plugins,
		pending:   queuepkg.New(16),
		dropped:   make(map[string]struct{}),
		unflushed: make(map[string]*device.Device),
	}

	// The aggregator is structural, not a bridged device; it is not
	// tracked in the ledger. Its number may arrive lazily with the rest.
	aggSpec := fabric.AggregatorSpec(string(id))
	aggNumber, err := node.AddEndpoint(0, aggSpec)
	if err != nil {
		return nil, fmt.Errorf("add aggregator on %s: %w", id, err)
	}
	rt.aggregator = aggNumber
	rt.aggKey = aggSpec.UniqueID
	rt.aggReady = true

	o.mu.Lock()
	o.nodes[id] = rt
	o.mu.Unlock()

	go o.pumpEvents(rt)
	o.logger.Info("Hosting node created",
		zap.String("node", string(id)),
		zap.Strings("plugins", plugins))
	return rt, nil
}

// pumpEvents consumes one node's lifecycle events.
func (o *Orchestrator) pumpEvents(rt *nodeRuntime) {
	for ev := range rt.node.Events() {
		switch ev.Kind {
		case fabric.EventEndpointsAssigned:
			o.handleEndpointsAssigned(rt)
		case fabric.EventOnline:
			o.handleOnline(rt)
		case fabric.EventOffline:
			rt.mu.Lock()
			rt.online = false
			rt.mu.Unlock()
			o.logger.Warn("Node offline", zap.String("node", string(rt.node.ID())))
		case fabric.EventClosed:
			rt.mu.Lock()
			rt.closed = true
			rt.mu.Unlock()
			o.logger.Info("Node closed", zap.String("node", string(rt.node.ID())))
		}
	}
}

// handleEndpointsAssigned records lazily assigned numbers for endpoints that
// were queued before the node went online, then flushes them to the ledger.
func (o *Orchestrator) handleEndpointsAssigned(rt *nodeRuntime) {
	numbers := rt.node.PersistedEndpointNumbers()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.aggregator == 0 {
		if number, ok := numbers[rt.aggKey]; ok {
			rt.aggregator = number
		}
	}

	// Endpoints removed while still pending must not materialize: the
	// engine assigned them a number anyway, so take it back out.
	for key := range rt.dropped {
		if number, ok := numbers[key]; ok && number != 0 {
			if err := rt.node.RemoveEndpoint(number); err != nil {
				o.logger.Warn("Removal of dropped pending endpoint failed",
					zap.String("stable_key", key), zap.Error(err))
			}
		}
		delete(rt.dropped, key)
	}

	for rt.pending.Len() > 0 {
		items, err := rt.pending.Get(rt.pending.Len())
		if err != nil {
			break
		}
		for _, item := range items {
			dev, ok := item.(*device.Device)
			if !ok {
				continue
			}
			number, assigned := numbers[dev.StableKey]
			// Unregistered while queued: never persist a number for an
			// ownerless device.
			if _, registered := o.opts.Devices.Get(dev.StableKey); !registered {
				if assigned && number != 0 {
					if err := rt.node.RemoveEndpoint(number); err != nil {
						o.logger.Warn("Removal of dropped pending endpoint failed",
							zap.String("stable_key", dev.StableKey), zap.Error(err))
					}
				}
				delete(rt.unflushed, dev.StableKey)
				continue
			}
			if !assigned {
				o.logger.Error("No number assigned for queued endpoint",
					zap.String("stable_key", dev.StableKey))
				rt.unflushed[dev.StableKey] = dev
				continue
			}
			dev.SetPlacement(rt.node.ID(), number)
			if err := o.opts.Ledger.Assign(dev.StableKey, rt.node.ID(), number); err != nil {
				o.opts.Metrics.LedgerWriteFailure()
				o.raiseAlarm(rt.node.ID(), err)
				rt.unflushed[dev.StableKey] = dev
				continue
			}
			delete(rt.unflushed, dev.StableKey)
		}
	}
}

// handleOnline marks the node online and notifies listeners so dependent
// plugins can be configured.
func (o *Orchestrator) handleOnline(rt *nodeRuntime) {
	rt.mu.Lock()
	rt.online = true
	hosted := make([]string, len(rt.plugins))
	copy(hosted, rt.plugins)
	rt.mu.Unlock()

	o.mu.Lock()
	callbacks := make([]func(fabric.NodeID, []string), len(o.onOnline))
	copy(callbacks, o.onOnline)
	o.mu.Unlock()

	o.logger.Info("Node online",
		zap.String("node", string(rt.node.ID())),
		zap.Strings("plugins", hosted))
	for _, cb := range callbacks {
		cb(rt.node.ID(), hosted)
	}
}

// NodeOnline reports whether the plugin's hosting node is online.
func (o *Orchestrator) NodeOnline(plugin string) bool {
	o.mu.Lock()
	rt := o.byPlugin[plugin]
	o.mu.Unlock()
	if rt == nil {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.online
}

// AddBridgedEndpoint materializes a device under its plugin's aggregator,
// persists the endpoint number and registers the device. An unknown plugin
// or missing aggregator is a recoverable, logged condition. Structural
// rejections by the fabric layer are returned as failures, never panics.
func (o *Orchestrator) AddBridgedEndpoint(plugin string, dev *device.Device) error {
	o.mu.Lock()
	rt := o.byPlugin[plugin]
	o.mu.Unlock()

	if rt == nil {
		o.logger.Warn("Endpoint add for unknown plugin deferred",
			zap.String("plugin", plugin),
			zap.String("stable_key", dev.StableKey))
		return fmt.Errorf("plugin %s: %w", plugin, ErrUnknownPlugin)
	}
	if !rt.aggReady {
		o.logger.Warn("Endpoint add before aggregator ready",
			zap.String("plugin", plugin),
			zap.String("stable_key", dev.StableKey))
		return fmt.Errorf("plugin %s: %w", plugin, ErrAggregatorNotReady)
	}

	dev.Plugin = plugin
	if dev.ServerMode {
		return o.addServerEndpoint(plugin, dev)
	}

	// Phase 1: the device becomes logically visible (and the stable key
	// uniqueness invariant is enforced) before the fabric layer is touched.
	if err := o.opts.Devices.Register(dev); err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	// Re-materialize at the previously persisted number when one exists.
	if entry, ok := o.opts.Ledger.Lookup(dev.StableKey); ok && entry.NodeID == rt.node.ID() {
		dev.Endpoint.DesiredNumber = entry.EndpointNumber
	}

	number, err := rt.node.AddEndpoint(rt.aggregator, dev.Endpoint)
	if err != nil {
		o.opts.Devices.Unregister(dev.StableKey)
		o.logger.Error("Fabric rejected endpoint",
			zap.String("plugin", plugin),
			zap.String("stable_key", dev.StableKey),
			zap.Error(err))
		return &StructuralError{Plugin: plugin, Device: dev.StableKey, Err: err}
	}
	o.opts.Metrics.SetDeviceCount(o.opts.Devices.Count())

	if number == 0 {
		// Pre-online: the engine assigns numbers lazily. Queue the
		// device and defer the ledger write until endpoints-assigned.
		dev.SetPlacement(rt.node.ID(), 0)
		if err := rt.pending.Put(dev); err != nil {
			return fmt.Errorf("queue pending endpoint %q: %w", dev.StableKey, err)
		}
		o.logger.Debug("Endpoint queued for lazy assignment",
			zap.String("plugin", plugin),
			zap.String("stable_key", dev.StableKey))
		return nil
	}

	// Phase 2: the number is durable before the operation completes.
	dev.SetPlacement(rt.node.ID(), number)
	if err := o.opts.Ledger.Assign(dev.StableKey, rt.node.ID(), number); err != nil {
		o.opts.Metrics.LedgerWriteFailure()
		o.raiseAlarm(rt.node.ID(), err)
		rt.unflushed[dev.StableKey] = dev
		return &LedgerError{Node: string(rt.node.ID()), Keys: []string{dev.StableKey}, Err: err}
	}
	o.logger.Info("Endpoint added",
		zap.String("plugin", plugin),
		zap.String("stable_key", dev.StableKey),
		zap.Uint16("endpoint", uint16(number)))
	return nil
}

// addServerEndpoint gives a device that opted out of aggregation its own
// dedicated node, required for device types that must not be bridged.
func (o *Orchestrator) addServerEndpoint(plugin string, dev *device.Device) error {
	if err := o.opts.Devices.Register(dev); err != nil {
		return err
	}

	id := fabric.NodeID(o.opts.Name + "-" + dev.StableKey)
	desc := o.opts.Descriptor
	desc.Name = dev.Name
	node, err := o.opts.Service.CreateNode(id, desc)
	if err != nil {
		o.opts.Devices.Unregister(dev.StableKey)
		return &StructuralError{Plugin: plugin, Device: dev.StableKey, Err: err}
	}
	node.SetPersistedEndpointNumbers(o.opts.Ledger.NumbersForNode(id))

	rt := &nodeRuntime{
		node:      node,
		plugins:   []string{plugin},
		pending:   queuepkg.New(1),
		dropped:   make(map[string]struct{}),
		unflushed: make(map[string]*device.Device),
	}
	o.mu.Lock()
	o.nodes[id] = rt
	o.serverNodes[dev.StableKey] = rt
	o.mu.Unlock()
	go o.pumpEvents(rt)

	if entry, ok := o.opts.Ledger.Lookup(dev.StableKey); ok && entry.NodeID == id {
		dev.Endpoint.DesiredNumber = entry.EndpointNumber
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	number, err := node.AddEndpoint(0, dev.Endpoint)
	if err != nil {
		o.opts.Devices.Unregister(dev.StableKey)
		return &StructuralError{Plugin: plugin, Device: dev.StableKey, Err: err}
	}
	if number == 0 {
		dev.SetPlacement(id, 0)
		if err := rt.pending.Put(dev); err != nil {
			return fmt.Errorf("queue pending endpoint %q: %w", dev.StableKey, err)
		}
		return nil
	}
	dev.SetPlacement(id, number)
	if err := o.opts.Ledger.Assign(dev.StableKey, id, number); err != nil {
		o.opts.Metrics.LedgerWriteFailure()
		o.raiseAlarm(id, err)
		rt.unflushed[dev.StableKey] = dev
		return &LedgerError{Node: string(id), Keys: []string{dev.StableKey}, Err: err}
	}
	o.logger.Info("Dedicated node endpoint added",
		zap.String("plugin", plugin),
		zap.String("node", string(id)),
		zap.Uint16("endpoint", uint16(number)))
	return nil
}

// RemoveBridgedEndpoint removes a device's endpoint and registration.
// Removing a device that is already gone is a logged no-op, tolerating
// shutdown races.
func (o *Orchestrator) RemoveBridgedEndpoint(plugin string, dev *device.Device) error {
	existing, ok := o.opts.Devices.Get(dev.StableKey)
	if !ok {
		o.logger.Debug("Remove of absent endpoint ignored",
			zap.String("plugin", plugin),
			zap.String("stable_key", dev.StableKey))
		return nil
	}
	if existing.Plugin != plugin {
		return fmt.Errorf("device %q is owned by plugin %s, not %s",
			dev.StableKey, existing.Plugin, plugin)
	}

	o.mu.Lock()
	rt := o.nodes[existing.Node()]
	delete(o.serverNodes, existing.StableKey)
	o.mu.Unlock()

	if rt != nil {
		rt.mu.Lock()
		if number := existing.Number(); number != 0 {
			if err := rt.node.RemoveEndpoint(number); err != nil {
				o.logger.Warn("Fabric endpoint removal failed",
					zap.String("stable_key", existing.StableKey),
					zap.Error(err))
			}
		} else {
			// Still waiting for its number: purge the queue entry and
			// remember the key so the engine-assigned endpoint is taken
			// back out on endpoints-assigned.
			o.dropPendingLocked(rt, existing.StableKey)
		}
		delete(rt.unflushed, existing.StableKey)
		rt.mu.Unlock()
	}

	if err := o.opts.Ledger.Forget(existing.StableKey); err != nil {
		o.logger.Error("Ledger forget failed",
			zap.String("stable_key", existing.StableKey),
			zap.Error(err))
	}
	o.opts.Devices.Unregister(existing.StableKey)
	o.opts.Metrics.SetDeviceCount(o.opts.Devices.Count())
	o.logger.Info("Endpoint removed",
		zap.String("plugin", plugin),
		zap.String("stable_key", existing.StableKey))
	return nil
}

// dropPendingLocked takes a not-yet-assigned endpoint out of the node's
// pending queue and records the key so a number the engine assigns anyway
// is removed on endpoints-assigned. Caller holds rt.mu.
func (o *Orchestrator) dropPendingLocked(rt *nodeRuntime, key string) {
	if n := rt.pending.Len(); n > 0 {
		items, err := rt.pending.Get(n)
		if err == nil {
			for _, item := range items {
				dev, ok := item.(*device.Device)
				if !ok || dev.StableKey == key {
					continue
				}
				if err := rt.pending.Put(dev); err != nil {
					o.logger.Error("Requeue of pending endpoint failed",
						zap.String("stable_key", dev.StableKey),
						zap.Error(err))
				}
			}
		}
	}
	rt.dropped[key] = struct{}{}
}

// RemoveAllBridgedEndpoints removes every device owned by the plugin. A
// failure on one device does not stop removal of the rest; the count of
// successful removals is reported alongside any aggregated error.
func (o *Orchestrator) RemoveAllBridgedEndpoints(plugin string) (int, error) {
	devices := o.opts.Devices.ForPlugin(plugin)
	removed := 0
	var errs []error
	for _, dev := range devices {
		if err := o.RemoveBridgedEndpoint(plugin, dev); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// AllPersisted reports whether every materialized device has a durable
// ledger entry, the invariant checked before controlled shutdown.
func (o *Orchestrator) AllPersisted() bool {
	return len(o.missingKeys()) == 0
}

func (o *Orchestrator) missingKeys() []string {
	var active []string
	for _, dev := range o.opts.Devices.All() {
		if dev.Number() != 0 {
			active = append(active, dev.StableKey)
		}
	}
	missing := o.opts.Ledger.Verify(active)

	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]struct{}, len(missing))
	for _, k := range missing {
		seen[k] = struct{}{}
	}
	for _, rt := range o.nodes {
		rt.mu.Lock()
		for k := range rt.unflushed {
			if _, ok := seen[k]; !ok {
				missing = append(missing, k)
				seen[k] = struct{}{}
			}
		}
		rt.mu.Unlock()
	}
	return missing
}

// FlushPending retries the ledger write for every device whose number is not
// durable yet.
func (o *Orchestrator) FlushPending() error {
	o.mu.Lock()
	runtimes := make([]*nodeRuntime, 0, len(o.nodes))
	for _, rt := range o.nodes {
		runtimes = append(runtimes, rt)
	}
	o.mu.Unlock()

	var errs []error
	for _, rt := range runtimes {
		rt.mu.Lock()
		for key, dev := range rt.unflushed {
			if dev.Number() == 0 {
				continue
			}
			if err := o.opts.Ledger.Assign(key, rt.node.ID(), dev.Number()); err != nil {
				o.opts.Metrics.LedgerWriteFailure()
				errs = append(errs, err)
				continue
			}
			delete(rt.unflushed, key)
		}
		rt.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Shutdown verifies the ledger invariant and closes every hosting node.
// A node with outstanding ledger writes is not closed; instead an
// operator-visible alarm is raised and a LedgerError returned, so the
// process can still exit rather than hang.
func (o *Orchestrator) Shutdown() error {
	if err := o.FlushPending(); err != nil {
		o.logger.Error("Ledger flush failed during shutdown", zap.Error(err))
	}

	missing := o.missingKeys()
	var blocked error
	if len(missing) > 0 {
		o.raiseAlarm("", fmt.Errorf("unpersisted endpoint numbers"))
		blocked = &LedgerError{Keys: missing, Err: fmt.Errorf("endpoint numbers not durable")}
	}

	o.mu.Lock()
	runtimes := make([]*nodeRuntime, 0, len(o.nodes))
	for _, rt := range o.nodes {
		runtimes = append(runtimes, rt)
	}
	o.mu.Unlock()

	for _, rt := range runtimes {
		rt.mu.Lock()
		hasUnflushed := len(rt.unflushed) > 0
		rt.mu.Unlock()
		if hasUnflushed {
			o.logger.Error("Refusing to close node with unpersisted numbers",
				zap.String("node", string(rt.node.ID())))
			continue
		}
		if err := rt.node.Close(); err != nil {
			o.logger.Warn("Node close failed",
				zap.String("node", string(rt.node.ID())),
				zap.Error(err))
		}
	}
	return blocked
}

// AlarmRaised reports whether an operator-visible ledger alarm is active.
func (o *Orchestrator) AlarmRaised() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alarm
}

func (o *Orchestrator) raiseAlarm(node fabric.NodeID, err error) {
	o.mu.Lock()
	o.alarm = true
	o.mu.Unlock()
	o.logger.Error("LEDGER ALARM: endpoint-number persistence failing; operator attention required",
		zap.String("node", string(node)),
		zap.Error(err))
}

// Snapshot is a read-only view of the bridge topology for the diagnostics
// bus.
type Snapshot struct {
	Mode    Mode
	Nodes   int
	Devices int
	Alarm   bool
}

// Snapshot returns a copy of the orchestrator's headline state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	nodes := len(o.nodes)
	alarm := o.alarm
	o.mu.Unlock()
	return Snapshot{
		Mode:    o.opts.Mode,
		Nodes:   nodes,
		Devices: o.opts.Devices.Count(),
		Alarm:   alarm,
	}
}
