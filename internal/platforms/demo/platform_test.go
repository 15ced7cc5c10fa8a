package demo

import (
	"testing"

	"matterhub/internal/fabric"
	"matterhub/pkg/platform"
	"matterhub/pkg/testutil"
)

func TestDemo_DefaultDevices(t *testing.T) {
	host := testutil.NewFakeHost()
	p, err := New(testutil.NewContext(host, platform.Config{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := p.OnStart("test"); err != nil {
		t.Fatalf("OnStart failed: %v", err)
	}
	if host.Count() != 3 {
		t.Fatalf("Expected 3 default devices, got %d", host.Count())
	}
	if !host.HasDeviceUniqueID("demo-light-1") {
		t.Error("Expected default light")
	}
}

func TestDemo_ConfiguredDevices(t *testing.T) {
	host := testutil.NewFakeHost()
	cfg := platform.Config{
		"devices": []interface{}{
			map[string]interface{}{"key": "temp-1", "name": "Attic", "kind": "temperature"},
			map[string]interface{}{"key": "occ-1", "name": "Hall", "kind": "occupancy"},
		},
	}
	p, _ := New(testutil.NewContext(host, cfg))

	if err := p.OnStart("test"); err != nil {
		t.Fatalf("OnStart failed: %v", err)
	}
	if host.Count() != 2 {
		t.Fatalf("Expected 2 configured devices, got %d", host.Count())
	}
	dev, ok := host.GetDeviceByUniqueID("temp-1")
	if !ok || dev.DeviceType.ID != fabric.TemperatureSensor.ID {
		t.Error("Expected temperature sensor from config")
	}
}

func TestDemo_UnknownKindFails(t *testing.T) {
	host := testutil.NewFakeHost()
	cfg := platform.Config{
		"devices": []interface{}{
			map[string]interface{}{"key": "x-1", "name": "X", "kind": "teleporter"},
		},
	}
	p, _ := New(testutil.NewContext(host, cfg))
	if err := p.OnStart("test"); err == nil {
		t.Fatal("Expected unknown kind to fail")
	}
}

func TestDemo_ToggleReachableAction(t *testing.T) {
	host := testutil.NewFakeHost()
	p, _ := New(testutil.NewContext(host, platform.Config{}))
	p.OnStart("test")

	handler, ok := p.(platform.ActionHandler)
	if !ok {
		t.Fatal("Expected demo platform to handle actions")
	}
	dev, _ := host.GetDeviceByUniqueID("demo-light-1")
	before := dev.Reachable()

	if err := handler.OnAction("toggle-reachable", "", "demo-light-1", nil); err != nil {
		t.Fatalf("OnAction failed: %v", err)
	}
	if dev.Reachable() == before {
		t.Error("Expected reachability to flip")
	}

	if err := handler.OnAction("warp", "", "demo-light-1", nil); err == nil {
		t.Error("Expected unknown action to fail")
	}
}

func TestDemo_RegisteredWithGlobalRegistry(t *testing.T) {
	info := platform.Get(PluginName)
	if info == nil {
		t.Fatal("Expected demo platform in the global registry")
	}
	if info.Type != platform.DynamicPlatform {
		t.Errorf("Expected DynamicPlatform, got %s", info.Type)
	}
}
