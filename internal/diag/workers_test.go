package diag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"matterhub/internal/clock"
)

func TestWorkers_HeapSampling(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	bus.RegisterResponder(MsgPluginSnapshot, func(interface{}) (interface{}, error) {
		return []string{"a", "b", "c"}, nil
	})

	clk := clock.NewMockClock(time.Now())
	workers, err := NewWorkers(bus, zap.NewNop(), WorkerOptions{
		Interval:    time.Minute,
		HostVersion: "1.0.0",
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("NewWorkers failed: %v", err)
	}
	workers.Start()
	defer workers.Stop()

	// Give the loop a moment to register its timer before advancing.
	time.Sleep(50 * time.Millisecond)
	clk.Advance(time.Minute)

	// The sample runs on the pool; poll the bus for the report.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		payload, err := bus.Request(ctx, MsgHeapReport, nil)
		cancel()
		if err == nil {
			report := payload.(HeapReport)
			if report.HeapAlloc > 0 && report.Goroutines > 0 && report.Plugins == 3 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Heap report never populated")
}

func TestWorkers_UpdateCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("2.0.0\n"))
	}))
	defer server.Close()

	bus := NewBus()
	defer bus.Close()

	clk := clock.NewMockClock(time.Now())
	workers, err := NewWorkers(bus, zap.NewNop(), WorkerOptions{
		Interval:       time.Minute,
		UpdateCheckURL: server.URL,
		HostVersion:    "1.0.0",
		Clock:          clk,
	})
	if err != nil {
		t.Fatalf("NewWorkers failed: %v", err)
	}
	workers.Start()
	defer workers.Stop()

	// Give the loop a moment to register its timer before advancing.
	time.Sleep(50 * time.Millisecond)
	clk.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		payload, err := bus.Request(ctx, MsgUpdateReport, nil)
		cancel()
		if err == nil {
			report := payload.(UpdateReport)
			if report.LatestVersion == "2.0.0" {
				if !report.UpdateAvailable {
					t.Fatal("Expected update to be flagged available")
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Update report never populated")
}
