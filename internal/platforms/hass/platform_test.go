package hass

import (
	"testing"

	"matterhub/internal/fabric"
	"matterhub/pkg/platform"
	"matterhub/pkg/testutil"
)

func seededClient() *MockClient {
	client := NewMockClient()
	client.SeedState(&EntityState{
		EntityID:   "light.bedroom",
		State:      "on",
		Attributes: map[string]interface{}{"friendly_name": "Bedroom", "brightness": float64(128)},
	})
	client.SeedState(&EntityState{
		EntityID:   "switch.heater",
		State:      "off",
		Attributes: map[string]interface{}{"friendly_name": "Heater"},
	})
	client.SeedState(&EntityState{
		EntityID:   "binary_sensor.front_door",
		State:      "off",
		Attributes: map[string]interface{}{"device_class": "door"},
	})
	// No mapping for this domain; it must not be bridged.
	client.SeedState(&EntityState{
		EntityID:   "automation.morning",
		State:      "on",
		Attributes: map[string]interface{}{},
	})
	return client
}

func startedPlatform(t *testing.T) (*Platform, *MockClient, *testutil.FakeHost) {
	t.Helper()
	host := testutil.NewFakeHost()
	client := seededClient()
	p := newWithClient(testutil.NewContext(host, platform.Config{}), client)
	if err := p.OnStart("test"); err != nil {
		t.Fatalf("OnStart failed: %v", err)
	}
	return p, client, host
}

func TestHass_NewRequiresURLAndToken(t *testing.T) {
	host := testutil.NewFakeHost()
	if _, err := New(testutil.NewContext(host, platform.Config{"token": "t"})); err == nil {
		t.Error("Expected missing url to fail")
	}
	if _, err := New(testutil.NewContext(host, platform.Config{"url": "ws://hub"})); err == nil {
		t.Error("Expected missing token to fail")
	}
	if _, err := New(testutil.NewContext(host, platform.Config{"url": "ws://hub", "token": "t"})); err != nil {
		t.Errorf("Expected valid config to pass: %v", err)
	}
}

func TestHass_StartBridgesMappableEntities(t *testing.T) {
	_, client, host := startedPlatform(t)

	if !client.IsConnected() {
		t.Error("Expected client connected after start")
	}
	if host.Count() != 3 {
		t.Fatalf("Expected 3 bridged entities, got %d", host.Count())
	}

	light, ok := host.GetDeviceByUniqueID("hass:light.bedroom")
	if !ok {
		t.Fatal("Expected bedroom light bridged")
	}
	if light.Name != "Bedroom" {
		t.Errorf("Expected friendly name, got %q", light.Name)
	}
	if light.DeviceType.ID != fabric.DimmableLight.ID {
		t.Errorf("Expected dimmable light for brightness entity, got 0x%04X", light.DeviceType.ID)
	}
	if light.OriginalID != "light.bedroom" {
		t.Errorf("Expected entity id carried as original id, got %q", light.OriginalID)
	}

	if door, ok := host.GetDeviceByUniqueID("hass:binary_sensor.front_door"); !ok {
		t.Error("Expected door sensor bridged")
	} else if door.DeviceType.ID != fabric.ContactSensor.ID {
		t.Errorf("Expected contact sensor, got 0x%04X", door.DeviceType.ID)
	}

	if host.HasDeviceUniqueID("hass:automation.morning") {
		t.Error("Unmappable domain must not be bridged")
	}
}

func TestHass_StateChangeRegistersNewEntity(t *testing.T) {
	_, client, host := startedPlatform(t)

	client.PushStateChange("switch.fan", nil, &EntityState{
		EntityID:   "switch.fan",
		State:      "off",
		Attributes: map[string]interface{}{"friendly_name": "Fan"},
	})

	if !host.HasDeviceUniqueID("hass:switch.fan") {
		t.Fatal("Expected appearing entity to be registered")
	}
}

func TestHass_StateChangeUnregistersRemovedEntity(t *testing.T) {
	_, client, host := startedPlatform(t)

	old, _ := host.GetDeviceByUniqueID("hass:switch.heater")
	if old == nil {
		t.Fatal("precondition: heater bridged")
	}

	client.PushStateChange("switch.heater", &EntityState{EntityID: "switch.heater"}, nil)

	if host.HasDeviceUniqueID("hass:switch.heater") {
		t.Error("Expected removed entity to be unregistered")
	}
}

func TestHass_StateChangeTracksReachability(t *testing.T) {
	_, client, host := startedPlatform(t)

	dev, _ := host.GetDeviceByUniqueID("hass:light.bedroom")
	if !dev.Reachable() {
		t.Fatal("precondition: reachable while on")
	}

	client.PushStateChange("light.bedroom", nil, &EntityState{
		EntityID: "light.bedroom",
		State:    "unavailable",
	})
	if dev.Reachable() {
		t.Error("Expected unavailable entity to be unreachable")
	}

	client.PushStateChange("light.bedroom", nil, &EntityState{
		EntityID: "light.bedroom",
		State:    "on",
	})
	if !dev.Reachable() {
		t.Error("Expected entity to come back reachable")
	}
}

func TestHass_IgnoresEventsBeforeStart(t *testing.T) {
	host := testutil.NewFakeHost()
	client := NewMockClient()
	p := newWithClient(testutil.NewContext(host, platform.Config{}), client)

	client.OnStateChanged(p.handleStateChange)
	client.PushStateChange("switch.fan", nil, &EntityState{
		EntityID: "switch.fan", State: "off",
	})

	if host.Count() != 0 {
		t.Error("Expected no registrations before OnStart")
	}
}

func TestHass_ConfigureSyncsReachability(t *testing.T) {
	p, client, host := startedPlatform(t)

	client.SeedState(&EntityState{EntityID: "switch.heater", State: "unavailable"})
	if err := p.OnConfigure(); err != nil {
		t.Fatalf("OnConfigure failed: %v", err)
	}

	dev, _ := host.GetDeviceByUniqueID("hass:switch.heater")
	if dev.Reachable() {
		t.Error("Expected reachability to follow refreshed state")
	}
}

func TestHass_ToggleAction(t *testing.T) {
	p, client, _ := startedPlatform(t)

	if err := p.OnAction("toggle", "", "hass:light.bedroom", nil); err != nil {
		t.Fatalf("OnAction failed: %v", err)
	}
	if len(client.ServiceCalls) != 1 || client.ServiceCalls[0] != "light.toggle" {
		t.Errorf("Expected light.toggle call, got %v", client.ServiceCalls)
	}

	if err := p.OnAction("toggle", "", "hass:absent.entity", nil); err == nil {
		t.Error("Expected unknown device to fail")
	}
	if err := p.OnAction("reboot", "", "hass:light.bedroom", nil); err == nil {
		t.Error("Expected unknown action to fail")
	}
}

func TestHass_ShutdownDisconnects(t *testing.T) {
	p, client, _ := startedPlatform(t)

	if err := p.OnShutdown("test"); err != nil {
		t.Fatalf("OnShutdown failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("Expected client disconnected")
	}
}

func TestHass_RegisteredWithGlobalRegistry(t *testing.T) {
	info := platform.Get(PluginName)
	if info == nil {
		t.Fatal("Expected hass platform in the global registry")
	}
	if info.Type != platform.DynamicPlatform {
		t.Errorf("Expected DynamicPlatform, got %s", info.Type)
	}
}
