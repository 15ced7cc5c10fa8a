package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matterhub/internal/bridge"
	"matterhub/internal/plugin"
	"matterhub/internal/platforms/demo"
)

// TestScenario_DemoPluginBridgeMode walks the whole startup sequence in
// bridge mode: add, load and start the demo plugin, bring the fabric online,
// and verify every device ends up with a durable endpoint number.
func TestScenario_DemoPluginBridgeMode(t *testing.T) {
	e := newEnv(t, t.TempDir(), bridge.ModeBridge)
	e.registerFactory(demo.PluginName, demo.New)

	t.Log("GIVEN: the demo plugin is added and the bridge node created")
	e.addPlugin(demo.PluginName, nil)
	require.NoError(t, e.orch.Startup([]string{demo.PluginName}))

	t.Log("WHEN: the plugin loads and starts before the fabric is online")
	e.startPlugin(demo.PluginName)

	// Devices are registered but numbers are assigned lazily.
	devs := e.devices.ForPlugin(demo.PluginName)
	require.Len(t, devs, 3)
	for _, d := range devs {
		assert.Zero(t, d.Number(), "number must be deferred pre-online")
	}

	// Configure is gated on the hosting node being online.
	err := e.mgr.Configure(demo.PluginName)
	require.Error(t, err, "configure must be refused before the node is online")

	t.Log("WHEN: the fabric engine is activated")
	e.service.Activate()
	e.waitOnline(demo.PluginName)

	t.Log("THEN: every device has a durable endpoint number")
	seen := make(map[uint16]bool)
	for _, d := range devs {
		number := e.waitPlaced(d.StableKey)
		assert.False(t, seen[uint16(number)], "endpoint numbers must be unique")
		seen[uint16(number)] = true
		assert.Equal(t, hubName, string(d.Node()), "bridge mode shares one node")
	}
	assert.True(t, e.orch.AllPersisted())

	t.Log("THEN: configure succeeds once online")
	require.NoError(t, e.mgr.Configure(demo.PluginName))
	p, ok := e.mgr.Get(demo.PluginName)
	require.True(t, ok)
	assert.Equal(t, plugin.StateConfigured, p.State())

	snap := e.orch.Snapshot()
	assert.Equal(t, bridge.ModeBridge, snap.Mode)
	assert.Equal(t, 1, snap.Nodes)
	assert.Equal(t, 3, snap.Devices)
	assert.False(t, snap.Alarm)

	t.Log("WHEN: the stack shuts down cleanly")
	e.shutdown()
	p, _ = e.mgr.Get(demo.PluginName)
	assert.Equal(t, plugin.StateAdded, p.State(), "registry entry survives shutdown")
}

// TestScenario_PluginRemoveDropsDevices verifies that removing a plugin
// releases its endpoints and its persisted registry entry.
func TestScenario_PluginRemoveDropsDevices(t *testing.T) {
	e := newEnv(t, t.TempDir(), bridge.ModeBridge)
	e.registerFactory(demo.PluginName, demo.New)

	e.addPlugin(demo.PluginName, nil)
	require.NoError(t, e.orch.Startup([]string{demo.PluginName}))
	e.startPlugin(demo.PluginName)
	e.service.Activate()
	e.waitOnline(demo.PluginName)
	e.waitPlaced("demo-light-1")

	t.Log("WHEN: the plugin is removed")
	require.NoError(t, e.mgr.Remove(demo.PluginName))

	t.Log("THEN: its devices and registry entry are gone")
	assert.Empty(t, e.devices.ForPlugin(demo.PluginName))
	_, ok := e.mgr.Get(demo.PluginName)
	assert.False(t, ok)
	// Retention keeps the ledger entry so a re-added device gets its old
	// number back.
	_, ok = e.ledger.Lookup("demo-light-1")
	assert.True(t, ok)
}
