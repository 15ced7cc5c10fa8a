// Package testutil provides shared test fixtures for matterhub and for
// out-of-tree plugin modules: a fake host, a mock Home Assistant WebSocket
// hub, and helpers for asserting on recorded service calls.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hubConn pairs a WebSocket connection with its write mutex.
type hubConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockHub simulates the Home Assistant WebSocket API over a real socket:
// token auth, get_states, subscribe_events and call_service. States pushed
// through SetState are broadcast to every connected client as state_changed
// events, and all service calls are recorded for verification.
type MockHub struct {
	server *httptest.Server
	token  string

	statesMu sync.RWMutex
	states   map[string]*hubEntityState

	connsMu sync.Mutex
	conns   []*hubConn

	callsMu sync.Mutex
	calls   []ServiceCall
}

type hubEntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

type hubMessage struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *hubEvent       `json:"event,omitempty"`
}

type hubEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
}

type hubStateChanged struct {
	EntityID string          `json:"entity_id"`
	NewState *hubEntityState `json:"new_state"`
	OldState *hubEntityState `json:"old_state"`
}

// NewMockHub starts a hub accepting the given access token. Callers must
// Close it when done.
func NewMockHub(token string) *MockHub {
	h := &MockHub{
		token:  token,
		states: make(map[string]*hubEntityState),
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.handleWebSocket))
	return h
}

// URL returns the ws:// address clients should dial.
func (h *MockHub) URL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

// Close drops all connections and stops the server.
func (h *MockHub) Close() {
	h.connsMu.Lock()
	for _, c := range h.conns {
		c.conn.Close()
	}
	h.conns = nil
	h.connsMu.Unlock()
	h.server.Close()
}

// SetState stores an entity state and broadcasts the change to all connected
// clients.
func (h *MockHub) SetState(entityID, state string, attributes map[string]interface{}) {
	now := time.Now()
	next := &hubEntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	h.statesMu.Lock()
	prev := h.states[entityID]
	h.states[entityID] = next
	h.statesMu.Unlock()

	h.broadcastStateChange(entityID, prev, next)
}

// RemoveState deletes an entity and broadcasts a state_changed event with a
// nil new_state, the way Home Assistant reports entity removal.
func (h *MockHub) RemoveState(entityID string) {
	h.statesMu.Lock()
	prev := h.states[entityID]
	delete(h.states, entityID)
	h.statesMu.Unlock()

	if prev != nil {
		h.broadcastStateChange(entityID, prev, nil)
	}
}

// ServiceCalls returns a copy of all recorded service calls.
func (h *MockHub) ServiceCalls() []ServiceCall {
	h.callsMu.Lock()
	defer h.callsMu.Unlock()
	out := make([]ServiceCall, len(h.calls))
	copy(out, h.calls)
	return out
}

// ClearServiceCalls resets the recorded call log.
func (h *MockHub) ClearServiceCalls() {
	h.callsMu.Lock()
	defer h.callsMu.Unlock()
	h.calls = nil
}

func (h *MockHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	hc := &hubConn{conn: conn}
	defer func() {
		h.connsMu.Lock()
		for i, c := range h.conns {
			if c == hc {
				h.conns = append(h.conns[:i], h.conns[i+1:]...)
				break
			}
		}
		h.connsMu.Unlock()
		conn.Close()
	}()

	if !h.authenticate(hc) {
		return
	}

	h.connsMu.Lock()
	h.conns = append(h.conns, hc)
	h.connsMu.Unlock()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events":
			h.writeResult(hc, base.ID, nil)
		case "get_states":
			h.statesMu.RLock()
			states := make([]*hubEntityState, 0, len(h.states))
			for _, s := range h.states {
				states = append(states, s)
			}
			h.statesMu.RUnlock()
			payload, _ := json.Marshal(states)
			h.writeResult(hc, base.ID, payload)
		case "call_service":
			h.handleCallService(hc, raw)
		}
	}
}

func (h *MockHub) authenticate(hc *hubConn) bool {
	hc.write(hubMessage{Type: "auth_required"})

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := hc.conn.ReadJSON(&auth); err != nil {
		return false
	}
	if auth.AccessToken != h.token {
		hc.write(hubMessage{Type: "auth_invalid"})
		return false
	}
	hc.write(hubMessage{Type: "auth_ok"})
	return true
}

func (h *MockHub) handleCallService(hc *hubConn, raw json.RawMessage) {
	var req struct {
		ID          int                    `json:"id"`
		Domain      string                 `json:"domain"`
		Service     string                 `json:"service"`
		ServiceData map[string]interface{} `json:"service_data"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	h.callsMu.Lock()
	h.calls = append(h.calls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	h.callsMu.Unlock()

	// On/off style services flip the backing state so tests see the echo
	// arrive as a state_changed event.
	if entityID, ok := req.ServiceData["entity_id"].(string); ok && entityID != "" {
		h.statesMu.RLock()
		prev := h.states[entityID]
		h.statesMu.RUnlock()

		if prev != nil {
			switch req.Service {
			case "turn_on":
				h.SetState(entityID, "on", prev.Attributes)
			case "turn_off":
				h.SetState(entityID, "off", prev.Attributes)
			case "toggle":
				next := "on"
				if prev.State == "on" {
					next = "off"
				}
				h.SetState(entityID, next, prev.Attributes)
			}
		}
	}

	h.writeResult(hc, req.ID, nil)
}

func (h *MockHub) writeResult(hc *hubConn, id int, result json.RawMessage) {
	success := true
	hc.write(hubMessage{ID: id, Type: "result", Success: &success, Result: result})
}

func (h *MockHub) broadcastStateChange(entityID string, oldState, newState *hubEntityState) {
	data, _ := json.Marshal(hubStateChanged{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})
	msg := hubMessage{
		Type: "event",
		Event: &hubEvent{
			EventType: "state_changed",
			Data:      data,
			TimeFired: time.Now(),
		},
	}

	h.connsMu.Lock()
	conns := make([]*hubConn, len(h.conns))
	copy(conns, h.conns)
	h.connsMu.Unlock()

	for _, c := range conns {
		c.write(msg)
	}
}

func (c *hubConn) write(msg hubMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteJSON(msg)
}
