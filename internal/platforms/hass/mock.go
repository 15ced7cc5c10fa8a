package hass

import (
	"fmt"
	"sync"
)

// MockClient is an in-memory Client for tests. States are seeded directly
// and state changes pushed through PushStateChange.
type MockClient struct {
	mu        sync.Mutex
	connected bool
	states    map[string]*EntityState
	handler   StateHandler

	ConnectErr   error
	GetStatesErr error

	// ServiceCalls records CallService invocations as "domain.service".
	ServiceCalls []string
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{states: make(map[string]*EntityState)}
}

// SeedState installs an entity state visible to GetStates.
func (m *MockClient) SeedState(state *EntityState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.EntityID] = state
}

// PushStateChange delivers a state_changed event to the installed handler
// and updates the stored state.
func (m *MockClient) PushStateChange(entityID string, oldState, newState *EntityState) {
	m.mu.Lock()
	if newState == nil {
		delete(m.states, entityID)
	} else {
		m.states[entityID] = newState
	}
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		handler(entityID, oldState, newState)
	}
}

func (m *MockClient) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockClient) GetStates() ([]*EntityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetStatesErr != nil {
		return nil, m.GetStatesErr
	}
	out := make([]*EntityState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	return out, nil
}

func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ServiceCalls = append(m.ServiceCalls, fmt.Sprintf("%s.%s", domain, service))
	return nil
}

func (m *MockClient) OnStateChanged(handler StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}
