package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "matterhub" || cfg.Mode != "bridge" {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.HookTimeout.Std() != 30*time.Second {
		t.Errorf("Expected 30s hook timeout, got %s", cfg.HookTimeout.Std())
	}
	if cfg.ShutdownDeadline.Std() != 20*time.Second {
		t.Errorf("Expected 20s shutdown deadline, got %s", cfg.ShutdownDeadline.Std())
	}
	if !cfg.Retain() {
		t.Error("Expected retention on by default")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matterhub.yaml")
	content := `
name: myhub
mode: childbridge
storageDir: /var/lib/myhub
hookTimeout: 10s
retainEndpointNumbers: false
plugins:
  - path: /opt/plugins/matterhub-demo
    config:
      debug: true
  - path: /opt/plugins/matterhub-hass
    disabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "myhub" || cfg.Mode != "childbridge" {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.HookTimeout.Std() != 10*time.Second {
		t.Errorf("Expected 10s hook timeout, got %s", cfg.HookTimeout.Std())
	}
	if cfg.Retain() {
		t.Error("Expected retention off")
	}
	if len(cfg.Plugins) != 2 {
		t.Fatalf("Expected 2 plugin entries, got %d", len(cfg.Plugins))
	}
	if !cfg.Plugins[0].Config.GetBool("debug", false) {
		t.Error("Expected plugin config to parse")
	}
	if !cfg.Plugins[1].Disabled {
		t.Error("Expected second plugin disabled")
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matterhub.yaml")
	os.WriteFile(path, []byte("hookTimeout: soon\n"), 0o644)

	if _, err := Load(path, zap.NewNop()); err == nil {
		t.Fatal("Expected invalid duration to fail")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MATTERHUB_MODE", "childbridge")
	t.Setenv("MATTERHUB_STORAGE_DIR", "/tmp/override")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Mode != "childbridge" || cfg.StorageDir != "/tmp/override" {
		t.Errorf("Env overrides not applied: %+v", cfg)
	}
}
