package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"matterhub/internal/diag"
)

func newTestServer(t *testing.T) (*Server, *diag.Bus) {
	t.Helper()
	bus := diag.NewBus()
	t.Cleanup(bus.Close)
	return NewServer(bus, zap.NewNop(), ":0"), bus
}

func TestHandlePlugins(t *testing.T) {
	server, bus := newTestServer(t)
	bus.RegisterResponder(diag.MsgPluginSnapshot, func(interface{}) (interface{}, error) {
		return []map[string]interface{}{
			{"name": "matterhub-demo", "state": "configured", "devices": 3},
		}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/api/plugins", nil)
	w := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var plugins []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&plugins); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(plugins) != 1 || plugins[0]["name"] != "matterhub-demo" {
		t.Errorf("Unexpected payload: %v", plugins)
	}
}

func TestHandleBridgeUnavailable(t *testing.T) {
	server, bus := newTestServer(t)
	bus.RegisterResponder(diag.MsgBridgeSnapshot, func(interface{}) (interface{}, error) {
		return nil, errors.New("not ready")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/bridge", nil)
	w := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("Unexpected health body: %v", body)
	}

	post := httptest.NewRequest(http.MethodPost, "/health", nil)
	w = httptest.NewRecorder()
	server.server.Handler.ServeHTTP(w, post)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST, got %d", w.Code)
	}
}

func TestHandleSitemap(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var endpoints []Endpoint
	if err := json.NewDecoder(w.Body).Decode(&endpoints); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(endpoints) < 4 {
		t.Errorf("Expected the full route list, got %v", endpoints)
	}

	missing := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w = httptest.NewRecorder()
	server.server.Handler.ServeHTTP(w, missing)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", w.Code)
	}
}
