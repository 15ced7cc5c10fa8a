package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"matterhub/internal/api"
	"matterhub/internal/bridge"
	"matterhub/internal/config"
	"matterhub/internal/device"
	"matterhub/internal/diag"
	"matterhub/internal/fabric"
	"matterhub/internal/ledger"
	"matterhub/internal/metrics"
	"matterhub/internal/plugin"
	"matterhub/internal/storage"
	"matterhub/pkg/platform"

	// Built-in platforms register themselves with the global registry.
	_ "matterhub/internal/platforms/demo"
	_ "matterhub/internal/platforms/hass"
)

const version = "0.3.0"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configPath := os.Getenv("MATTERHUB_CONFIG")
	if configPath == "" {
		configPath = "matterhub.yaml"
	}
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting matterhub",
		zap.String("version", version),
		zap.String("mode", cfg.Mode),
		zap.String("storage_dir", cfg.StorageDir))

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		logger.Fatal("Failed to create storage dir", zap.Error(err))
	}

	registryStore, err := storage.OpenFile(filepath.Join(cfg.StorageDir, "plugins.json"))
	if err != nil {
		logger.Fatal("Failed to open plugin registry", zap.Error(err))
	}
	ledgerStore, err := storage.OpenFile(filepath.Join(cfg.StorageDir, "ledger.json"))
	if err != nil {
		logger.Fatal("Failed to open endpoint ledger store", zap.Error(err))
	}
	led, err := ledger.Open(ledgerStore, cfg.Retain(), logger)
	if err != nil {
		logger.Fatal("Failed to open endpoint ledger", zap.Error(err))
	}

	promRegistry := prometheus.NewRegistry()
	mtr := metrics.New(promRegistry)

	devices := device.NewManager(logger)
	service := fabric.NewLocalService(logger)
	composer := fabric.NewComposer()

	orch := bridge.New(bridge.Options{
		Mode:    bridge.Mode(cfg.Mode),
		Name:    cfg.Name,
		Service: service,
		Devices: devices,
		Ledger:  led,
		Logger:  logger,
		Metrics: mtr,
		Descriptor: fabric.NodeDescriptor{
			VendorName:  "matterhub",
			ProductName: cfg.Name,
		},
	})

	mgr := plugin.NewManager(plugin.Options{
		Registry:    registryStore,
		Factories:   platform.Default(),
		Devices:     devices,
		Hosts:       orch,
		Remover:     orch,
		Composer:    composer,
		Logger:      logger,
		Metrics:     mtr,
		HookTimeout: cfg.HookTimeout.Std(),
		HostVersion: version,
		DataDir:     filepath.Join(cfg.StorageDir, "plugins"),
		OnlineCheck: orch.NodeOnline,
	})

	if err := mgr.LoadPersisted(); err != nil {
		logger.Warn("Plugin registry restore incomplete", zap.Error(err))
	}
	addConfiguredPlugins(cfg, mgr, logger)

	var names []string
	for _, p := range mgr.Plugins() {
		if p.Enabled {
			names = append(names, p.Name)
		}
	}

	// Configure plugins as their hosting nodes come online.
	orch.OnOnline(func(node fabric.NodeID, hosted []string) {
		for _, name := range hosted {
			name := name
			go func() {
				if err := mgr.Configure(name); err != nil {
					logger.Warn("Plugin configure failed",
						zap.String("plugin", name), zap.Error(err))
				}
			}()
		}
	})

	if err := orch.Startup(names); err != nil {
		logger.Fatal("Bridge startup failed", zap.Error(err))
	}

	for _, name := range names {
		if err := mgr.Load(name); err != nil {
			logger.Error("Plugin load failed", zap.String("plugin", name), zap.Error(err))
			continue
		}
		if err := mgr.Start(name, "matterhub started"); err != nil {
			logger.Error("Plugin start failed", zap.String("plugin", name), zap.Error(err))
		}
	}

	service.Activate()

	bus := diag.NewBus()
	bus.RegisterResponder(diag.MsgPluginSnapshot, func(interface{}) (interface{}, error) {
		return mgr.Snapshots(), nil
	})
	bus.RegisterResponder(diag.MsgBridgeSnapshot, func(interface{}) (interface{}, error) {
		return orch.Snapshot(), nil
	})
	workers, err := diag.NewWorkers(bus, logger, diag.WorkerOptions{
		Interval:       cfg.DiagInterval.Std(),
		UpdateCheckURL: cfg.UpdateCheckURL,
		HostVersion:    version,
	})
	if err != nil {
		logger.Fatal("Failed to create diagnostics workers", zap.Error(err))
	}
	workers.Start()

	if addr := os.Getenv("MATTERHUB_METRICS_ADDR"); addr != "" {
		go serveMetrics(addr, promRegistry, logger)
	}

	var statusAPI *api.Server
	if addr := os.Getenv("MATTERHUB_API_ADDR"); addr != "" {
		statusAPI = api.NewServer(bus, logger, addr)
		statusAPI.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("matterhub running", zap.Strings("plugins", names))
	<-sigChan

	logger.Info("Shutting down")
	done := make(chan struct{})
	go func() {
		defer close(done)
		if statusAPI != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := statusAPI.Shutdown(ctx); err != nil {
				logger.Warn("Status API shutdown failed", zap.Error(err))
			}
			cancel()
		}
		workers.Stop()
		bus.Close()
		for _, name := range names {
			if err := mgr.Shutdown(name, "matterhub shutting down", false); err != nil {
				logger.Warn("Plugin shutdown failed",
					zap.String("plugin", name), zap.Error(err))
			}
		}
		if err := orch.Shutdown(); err != nil {
			logger.Error("Bridge shutdown reported errors", zap.Error(err))
		}
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-time.After(cfg.ShutdownDeadline.Std()):
		logger.Error("Shutdown deadline exceeded, exiting",
			zap.Duration("deadline", cfg.ShutdownDeadline.Std()))
		logger.Sync()
		os.Exit(1)
	}
}

// addConfiguredPlugins adds every enabled plugin from the config file that is
// not already in the persisted registry, then applies config overrides.
func addConfiguredPlugins(cfg *config.Config, mgr *plugin.Manager, logger *zap.Logger) {
	for _, entry := range cfg.Plugins {
		if entry.Disabled {
			continue
		}
		p, err := mgr.Add(entry.Path)
		if err != nil {
			var verr *plugin.ValidationError
			if errors.As(err, &verr) && verr.Reason == "duplicate plugin name" {
				// Already restored from the registry.
			} else {
				logger.Error("Plugin add failed",
					zap.String("path", entry.Path), zap.Error(err))
				continue
			}
		}
		if len(entry.Config) > 0 {
			name := pluginNameFor(p, entry)
			if err := mgr.ConfigChanged(name, entry.Config); err != nil {
				logger.Warn("Plugin config apply failed",
					zap.String("plugin", name), zap.Error(err))
			}
		}
	}
}

// pluginNameFor resolves the plugin name for a config entry whether or not Add
// succeeded.
func pluginNameFor(p *plugin.Plugin, entry config.PluginEntry) string {
	if p != nil {
		return p.Name
	}
	if manifest, err := plugin.ReadManifest(entry.Path); err == nil {
		return manifest.Name
	}
	return entry.Path
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics endpoint failed", zap.Error(err))
	}
}
