package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matterhub/internal/bridge"
	"matterhub/internal/platforms/hass"
	"matterhub/pkg/platform"
	"matterhub/pkg/testutil"
)

// TestScenario_HomeAssistantBridging runs the Home Assistant platform against
// a mock hub over a real WebSocket, through the full plugin manager and
// orchestrator stack.
func TestScenario_HomeAssistantBridging(t *testing.T) {
	hub := testutil.NewMockHub("secret")
	defer hub.Close()
	hub.SetState("light.bedroom", "on", map[string]interface{}{"friendly_name": "Bedroom"})
	hub.SetState("binary_sensor.front_door", "off", map[string]interface{}{"device_class": "door"})

	e := newEnv(t, t.TempDir(), bridge.ModeBridge)
	e.registerFactory(hass.PluginName, hass.New)

	t.Log("GIVEN: the hass plugin pointed at the mock hub")
	e.addPlugin(hass.PluginName, platform.Config{
		"url":   hub.URL(),
		"token": "secret",
	})
	require.NoError(t, e.orch.Startup([]string{hass.PluginName}))
	e.startPlugin(hass.PluginName)

	t.Log("WHEN: the fabric comes online")
	e.service.Activate()
	e.waitOnline(hass.PluginName)

	t.Log("THEN: both entities are bridged with durable numbers")
	e.waitPlaced("hass:light.bedroom")
	e.waitPlaced("hass:binary_sensor.front_door")
	require.NoError(t, e.mgr.Configure(hass.PluginName))

	t.Log("WHEN: an entity goes unavailable on the hub")
	hub.SetState("light.bedroom", "unavailable", nil)
	waitFor(t, func() bool {
		dev, ok := e.devices.Get("hass:light.bedroom")
		return ok && !dev.Reachable()
	}, "reachability never followed the hub state")

	t.Log("WHEN: a new entity appears after startup")
	hub.SetState("switch.fan", "off", map[string]interface{}{"friendly_name": "Fan"})
	// Post-online adds persist synchronously as soon as the event lands.
	e.waitPlaced("hass:switch.fan")

	t.Log("WHEN: a frontend toggle action is forwarded")
	require.NoError(t, e.mgr.Action(hass.PluginName, "toggle", "", "hass:switch.fan", nil))
	waitFor(t, func() bool {
		return testutil.FindServiceCall(hub.ServiceCalls(), "switch", "toggle", "switch.fan") != nil
	}, "toggle never reached the hub")

	t.Log("WHEN: the hub removes an entity")
	hub.RemoveState("binary_sensor.front_door")
	waitFor(t, func() bool {
		_, ok := e.devices.Get("hass:binary_sensor.front_door")
		return !ok
	}, "removed entity never unregistered")

	assert.True(t, e.orch.AllPersisted())
	e.shutdown()
}
