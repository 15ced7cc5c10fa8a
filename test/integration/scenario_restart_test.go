package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matterhub/internal/bridge"
	"matterhub/internal/fabric"
	"matterhub/internal/platforms/demo"
)

// TestScenario_EndpointNumbersSurviveRestart rebuilds the whole stack over
// the same storage directory and verifies every device rematerializes at the
// endpoint number it held before.
func TestScenario_EndpointNumbersSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	t.Log("GIVEN: a first run assigns endpoint numbers")
	first := newEnv(t, dir, bridge.ModeBridge)
	first.registerFactory(demo.PluginName, demo.New)
	first.addPlugin(demo.PluginName, nil)
	require.NoError(t, first.orch.Startup([]string{demo.PluginName}))
	first.startPlugin(demo.PluginName)
	first.service.Activate()
	first.waitOnline(demo.PluginName)

	before := make(map[string]fabric.EndpointNumber)
	for _, d := range first.devices.ForPlugin(demo.PluginName) {
		before[d.StableKey] = first.waitPlaced(d.StableKey)
	}
	require.Len(t, before, 3)
	first.shutdown()

	t.Log("WHEN: a fresh process starts over the same storage")
	second := newEnv(t, dir, bridge.ModeBridge)
	second.registerFactory(demo.PluginName, demo.New)
	require.NoError(t, second.mgr.LoadPersisted())
	_, ok := second.mgr.Get(demo.PluginName)
	require.True(t, ok, "plugin record must be restored from the registry")

	require.NoError(t, second.orch.Startup([]string{demo.PluginName}))
	second.startPlugin(demo.PluginName)
	second.service.Activate()
	second.waitOnline(demo.PluginName)

	t.Log("THEN: every device holds its previous endpoint number")
	for key, number := range before {
		assert.Equal(t, number, second.waitPlaced(key),
			"endpoint number for %s changed across restart", key)
	}
	second.shutdown()
}
