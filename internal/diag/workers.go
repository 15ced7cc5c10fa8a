package diag

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"matterhub/internal/clock"
)

// HeapReport is one heap diagnostics sample.
type HeapReport struct {
	At                time.Time
	HeapAlloc         uint64
	HeapSys           uint64
	NumGC             uint32
	Goroutines        int
	SystemUsedPercent float64
	Plugins           int
}

// UpdateReport is the result of one update check.
type UpdateReport struct {
	At              time.Time
	CurrentVersion  string
	LatestVersion   string
	UpdateAvailable bool
}

// WorkerOptions configures the background workers.
type WorkerOptions struct {
	Interval       time.Duration
	UpdateCheckURL string
	HostVersion    string
	Clock          clock.Clock
	PoolSize       int
}

// Workers runs the periodic diagnostics jobs on an ants pool. All
// interaction with the rest of the bridge goes through the bus.
type Workers struct {
	bus    *Bus
	logger *zap.Logger
	opts   WorkerOptions
	pool   *ants.Pool
	client *http.Client

	mu         sync.Mutex
	lastHeap   HeapReport
	lastUpdate UpdateReport

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWorkers creates the workers and registers their report responders.
func NewWorkers(bus *Bus, logger *zap.Logger, opts WorkerOptions) (*Workers, error) {
	if opts.Interval == 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 2
	}
	pool, err := ants.NewPool(opts.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	w := &Workers{
		bus:    bus,
		logger: logger.Named("diag"),
		opts:   opts,
		pool:   pool,
		client: &http.Client{Timeout: 10 * time.Second},
		stop:   make(chan struct{}),
	}
	bus.RegisterResponder(MsgHeapReport, func(interface{}) (interface{}, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.lastHeap, nil
	})
	bus.RegisterResponder(MsgUpdateReport, func(interface{}) (interface{}, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.lastUpdate, nil
	})
	return w, nil
}

// Start begins the periodic sampling loop.
func (w *Workers) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stop:
				return
			case <-w.opts.Clock.After(w.opts.Interval):
				if err := w.pool.Submit(w.sampleHeap); err != nil {
					w.logger.Warn("Heap sample submit failed", zap.Error(err))
				}
				if w.opts.UpdateCheckURL != "" {
					if err := w.pool.Submit(w.checkUpdate); err != nil {
						w.logger.Warn("Update check submit failed", zap.Error(err))
					}
				}
			}
		}
	}()
}

// Stop halts the workers and releases the pool.
func (w *Workers) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.pool.Release()
}

// sampleHeap collects process and system memory stats plus a plugin-count
// snapshot fetched over the bus.
func (w *Workers) sampleHeap() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	report := HeapReport{
		At:         w.opts.Clock.Now(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		report.SystemUsedPercent = vm.UsedPercent
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if payload, err := w.bus.Request(ctx, MsgPluginSnapshot, nil); err == nil {
		switch v := reflect.ValueOf(payload); {
		case v.Kind() == reflect.Int:
			report.Plugins = int(v.Int())
		case v.Kind() == reflect.Slice:
			report.Plugins = v.Len()
		}
	}

	w.mu.Lock()
	w.lastHeap = report
	w.mu.Unlock()

	w.logger.Debug("Heap sample",
		zap.Uint64("heap_alloc", report.HeapAlloc),
		zap.Int("goroutines", report.Goroutines),
		zap.Float64("system_used_percent", report.SystemUsedPercent),
		zap.Int("plugins", report.Plugins))
}

// checkUpdate fetches the latest published version and compares it with the
// running host version.
func (w *Workers) checkUpdate() {
	resp, err := w.client.Get(w.opts.UpdateCheckURL)
	if err != nil {
		w.logger.Debug("Update check failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		w.logger.Debug("Update check read failed", zap.Error(err))
		return
	}
	latest := strings.TrimSpace(string(body))
	if latest == "" {
		return
	}

	report := UpdateReport{
		At:             w.opts.Clock.Now(),
		CurrentVersion: w.opts.HostVersion,
		LatestVersion:  latest,
	}
	current := "v" + strings.TrimPrefix(w.opts.HostVersion, "v")
	candidate := "v" + strings.TrimPrefix(latest, "v")
	if semver.IsValid(current) && semver.IsValid(candidate) {
		report.UpdateAvailable = semver.Compare(candidate, current) > 0
	}

	w.mu.Lock()
	w.lastUpdate = report
	w.mu.Unlock()

	if report.UpdateAvailable {
		w.logger.Info("Update available",
			zap.String("current", report.CurrentVersion),
			zap.String("latest", report.LatestVersion))
	}
}
