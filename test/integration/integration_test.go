// Package integration exercises the full bridging stack end to end: plugin
// manager, bridge orchestrator, local fabric engine and the endpoint-number
// ledger, with real platforms registering real devices.
package integration

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"matterhub/internal/bridge"
	"matterhub/internal/device"
	"matterhub/internal/fabric"
	"matterhub/internal/ledger"
	"matterhub/internal/metrics"
	"matterhub/internal/plugin"
	"matterhub/internal/storage"
	"matterhub/pkg/platform"
)

const (
	hubName     = "testhub"
	hostVersion = "1.0.0"
)

// env is one full matterhub stack over a storage directory. Building two
// envs over the same directory simulates a process restart.
type env struct {
	t   *testing.T
	dir string

	logger    *zap.Logger
	factories *platform.Registry
	devices   *device.Manager
	ledger    *ledger.Ledger
	service   *fabric.LocalService
	orch      *bridge.Orchestrator
	mgr       *plugin.Manager
}

func newEnv(t *testing.T, dir string, mode bridge.Mode) *env {
	t.Helper()
	logger := zap.NewNop()

	registry, err := storage.OpenFile(filepath.Join(dir, "plugins.json"))
	require.NoError(t, err)
	ledgerStore, err := storage.OpenFile(filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)

	led, err := ledger.Open(ledgerStore, true, logger)
	require.NoError(t, err)
	led.SetMaxRetryElapsed(100 * time.Millisecond)

	devices := device.NewManager(logger)
	service := fabric.NewLocalService(logger)
	reg := metrics.New(prometheus.NewRegistry())

	orch := bridge.New(bridge.Options{
		Mode:    mode,
		Name:    hubName,
		Service: service,
		Devices: devices,
		Ledger:  led,
		Logger:  logger,
		Metrics: reg,
		Descriptor: fabric.NodeDescriptor{
			VendorName:  "matterhub",
			ProductName: hubName,
		},
	})

	factories := platform.NewRegistry()
	mgr := plugin.NewManager(plugin.Options{
		Registry:    registry,
		Factories:   factories,
		Devices:     devices,
		Hosts:       orch,
		Remover:     orch,
		Composer:    fabric.NewComposer(),
		Logger:      logger,
		Metrics:     reg,
		HookTimeout: 5 * time.Second,
		HostVersion: hostVersion,
		DataDir:     filepath.Join(dir, "plugins"),
		OnlineCheck: orch.NodeOnline,
	})

	return &env{
		t:         t,
		dir:       dir,
		logger:    logger,
		factories: factories,
		devices:   devices,
		ledger:    led,
		service:   service,
		orch:      orch,
		mgr:       mgr,
	}
}

// registerFactory installs a platform factory under a plugin name.
func (e *env) registerFactory(name string, factory platform.Factory) {
	err := e.factories.Register(platform.Info{
		Name:    name,
		Type:    platform.DynamicPlatform,
		Factory: factory,
	})
	require.NoError(e.t, err)
}

// addPlugin writes a manifest directory and adds the plugin, layering the
// given config on top of the manifest defaults.
func (e *env) addPlugin(name string, cfg platform.Config) {
	dir := filepath.Join(e.dir, "manifests", name)
	require.NoError(e.t, os.MkdirAll(dir, 0o755))
	manifest := fmt.Sprintf("name: %s\nversion: 1.0.0\ntype: DynamicPlatform\nentry: main.so\n", name)
	require.NoError(e.t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(manifest), 0o644))
	require.NoError(e.t, os.WriteFile(filepath.Join(dir, "main.so"), []byte{}, 0o644))

	_, err := e.mgr.Add(dir)
	require.NoError(e.t, err)
	if cfg != nil {
		require.NoError(e.t, e.mgr.ConfigChanged(name, cfg))
	}
}

// startPlugin runs the load and start hooks.
func (e *env) startPlugin(name string) {
	require.NoError(e.t, e.mgr.Load(name))
	require.NoError(e.t, e.mgr.Start(name, "integration test"))
}

// waitOnline blocks until the plugin's hosting node reports online.
func (e *env) waitOnline(name string) {
	e.t.Helper()
	waitFor(e.t, func() bool { return e.orch.NodeOnline(name) },
		fmt.Sprintf("node for %s never came online", name))
}

// waitPlaced blocks until the device behind the stable key has an endpoint
// number and a durable ledger entry.
func (e *env) waitPlaced(stableKey string) fabric.EndpointNumber {
	e.t.Helper()
	waitFor(e.t, func() bool {
		dev, ok := e.devices.Get(stableKey)
		if !ok || dev.Number() == 0 {
			return false
		}
		entry, ok := e.ledger.Lookup(stableKey)
		return ok && entry.EndpointNumber == dev.Number()
	}, fmt.Sprintf("device %s never placed durably", stableKey))

	dev, _ := e.devices.Get(stableKey)
	return dev.Number()
}

// shutdown runs the controlled shutdown sequence.
func (e *env) shutdown() {
	e.t.Helper()
	for _, p := range e.mgr.Plugins() {
		if p.Instance() != nil {
			require.NoError(e.t, e.mgr.Shutdown(p.Name, "test ending", false))
		}
	}
	require.NoError(e.t, e.orch.Shutdown())
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
