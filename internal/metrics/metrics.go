// Package metrics holds the Prometheus instrumentation shared by the plugin
// manager, the bridge orchestrator and the ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the bridge's collectors. A nil *Metrics is a valid no-op
// receiver so tests don't need a registry.
type Metrics struct {
	pluginState         *prometheus.GaugeVec
	devicesRegistered   prometheus.Gauge
	ledgerWriteFailures prometheus.Counter
	hookDuration        *prometheus.HistogramVec
	hookFailures        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pluginState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matterhub_plugin_state",
			Help: "Current lifecycle state per plugin (1 for the active state).",
		}, []string{"plugin", "state"}),
		devicesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matterhub_devices_registered",
			Help: "Number of devices currently registered across all plugins.",
		}),
		ledgerWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matterhub_ledger_write_failures_total",
			Help: "Endpoint-number ledger writes that failed after retries.",
		}),
		hookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matterhub_hook_duration_seconds",
			Help:    "Duration of plugin lifecycle hook invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"plugin", "hook"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterhub_hook_failures_total",
			Help: "Plugin lifecycle hooks that returned an error, panicked or timed out.",
		}, []string{"plugin", "hook"}),
	}
	reg.MustRegister(m.pluginState, m.devicesRegistered, m.ledgerWriteFailures,
		m.hookDuration, m.hookFailures)
	return m
}

// PluginState marks state as the plugin's active lifecycle state.
func (m *Metrics) PluginState(plugin, state string, allStates []string) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.pluginState.WithLabelValues(plugin, s).Set(v)
	}
}

// SetDeviceCount updates the registered-device gauge.
func (m *Metrics) SetDeviceCount(n int) {
	if m == nil {
		return
	}
	m.devicesRegistered.Set(float64(n))
}

// LedgerWriteFailure counts one failed durable ledger write.
func (m *Metrics) LedgerWriteFailure() {
	if m == nil {
		return
	}
	m.ledgerWriteFailures.Inc()
}

// ObserveHook records one hook invocation.
func (m *Metrics) ObserveHook(plugin, hook string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.hookDuration.WithLabelValues(plugin, hook).Observe(d.Seconds())
	if failed {
		m.hookFailures.WithLabelValues(plugin, hook).Inc()
	}
}
