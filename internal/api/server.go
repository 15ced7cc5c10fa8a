// Package api exposes matterhub's read-only status endpoints over HTTP. All
// data flows through the diagnostics bus, so the server never reaches into
// manager internals.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"matterhub/internal/diag"
)

// Server serves the status API.
type Server struct {
	bus    *diag.Bus
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a status API server bound to addr.
func NewServer(bus *diag.Bus, logger *zap.Logger, addr string) *Server {
	s := &Server{
		bus:    bus,
		logger: logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/plugins", s.busHandler(diag.MsgPluginSnapshot))
	mux.HandleFunc("/api/bridge", s.busHandler(diag.MsgBridgeSnapshot))
	mux.HandleFunc("/api/diagnostics/heap", s.busHandler(diag.MsgHeapReport))
	mux.HandleFunc("/api/diagnostics/update", s.busHandler(diag.MsgUpdateReport))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Status API listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Status API failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// busHandler serves one diagnostics bus query as JSON.
func (s *Server) busHandler(msg diag.MessageType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		payload, err := s.bus.Request(ctx, msg, nil)
		if err != nil {
			s.logger.Warn("Bus query failed",
				zap.String("message", string(msg)), zap.Error(err))
			http.Error(w, "Unavailable", http.StatusServiceUnavailable)
			return
		}

		s.writeJSON(w, payload)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// Endpoint documents one API route for the sitemap.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, []Endpoint{
		{Path: "/", Method: "GET", Description: "This sitemap"},
		{Path: "/health", Method: "GET", Description: "Liveness check"},
		{Path: "/api/plugins", Method: "GET", Description: "Plugin lifecycle states and device counts"},
		{Path: "/api/bridge", Method: "GET", Description: "Bridge topology: mode, nodes, devices, alarm"},
		{Path: "/api/diagnostics/heap", Method: "GET", Description: "Latest heap and goroutine sample"},
		{Path: "/api/diagnostics/update", Method: "GET", Description: "Latest update-check result"},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encoding failed", zap.Error(err))
	}
}
