package fabric

import (
	"fmt"
	"sync"
)

// MockService implements Service for testing and for running the bridge
// without a commissioned protocol engine. Nodes assign endpoint numbers
// deterministically and honor DesiredNumber requests, matching the stability
// guarantee the real engine provides.
type MockService struct {
	mu    sync.Mutex
	nodes map[NodeID]*MockNode
}

// NewMockService creates a new mock fabric service.
func NewMockService() *MockService {
	return &MockService{nodes: make(map[NodeID]*MockNode)}
}

// CreateNode creates a mock node. Creating the same ID twice is an error.
func (s *MockService) CreateNode(id NodeID, descriptor NodeDescriptor) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; ok {
		return nil, fmt.Errorf("node %s already exists", id)
	}

	n := &MockNode{
		id:         id,
		descriptor: descriptor,
		state:      NodeCreated,
		events:     make(chan Event, 32),
		endpoints:  make(map[EndpointNumber]*EndpointSpec),
		persisted:  make(map[string]EndpointNumber),
		next:       1,
	}
	s.nodes[id] = n
	n.events <- Event{Kind: EventReady, Node: id}
	return n, nil
}

// Node returns a previously created mock node, or nil.
func (s *MockService) Node(id NodeID) *MockNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[id]
}

// MockNode implements Node with in-memory state.
type MockNode struct {
	id         NodeID
	descriptor NodeDescriptor

	mu        sync.Mutex
	state     NodeState
	events    chan Event
	endpoints map[EndpointNumber]*EndpointSpec
	pending   []*EndpointSpec
	persisted map[string]EndpointNumber
	next      EndpointNumber

	// failAdd simulates a structural rejection for a given unique id.
	failAdd map[string]error
}

// ID returns the node ID.
func (n *MockNode) ID() NodeID { return n.id }

// State returns the current lifecycle state.
func (n *MockNode) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// FailAddEndpoint makes the next AddEndpoint for uniqueID fail with err.
func (n *MockNode) FailAddEndpoint(uniqueID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAdd == nil {
		n.failAdd = make(map[string]error)
	}
	n.failAdd[uniqueID] = err
}

// AddEndpoint adds an endpoint. Duplicate unique ids within the node are
// rejected. Before the node goes online assignment is deferred and zero is
// returned, mirroring the real engine's lazy numbering.
func (n *MockNode) AddEndpoint(parent EndpointNumber, spec *EndpointSpec) (EndpointNumber, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == NodeClosed {
		return 0, fmt.Errorf("node %s is closed", n.id)
	}
	if err, ok := n.failAdd[spec.UniqueID]; ok {
		delete(n.failAdd, spec.UniqueID)
		return 0, err
	}
	for _, ep := range n.endpoints {
		if ep.UniqueID == spec.UniqueID {
			return 0, fmt.Errorf("duplicate unique id %q on node %s", spec.UniqueID, n.id)
		}
	}
	for _, ep := range n.pending {
		if ep.UniqueID == spec.UniqueID {
			return 0, fmt.Errorf("duplicate unique id %q on node %s", spec.UniqueID, n.id)
		}
	}

	if n.state == NodeCreated {
		n.pending = append(n.pending, spec)
		return 0, nil
	}

	number := n.assignLocked(spec)
	return number, nil
}

// assignLocked picks a number for spec, honoring DesiredNumber when free.
func (n *MockNode) assignLocked(spec *EndpointSpec) EndpointNumber {
	number := spec.DesiredNumber
	if number == 0 || n.endpoints[number] != nil {
		for n.endpoints[n.next] != nil {
			n.next++
		}
		number = n.next
		n.next++
	}
	n.endpoints[number] = spec
	n.persisted[spec.UniqueID] = number
	return number
}

// RemoveEndpoint removes an endpoint by number.
func (n *MockNode) RemoveEndpoint(number EndpointNumber) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[number]; !ok {
		return fmt.Errorf("endpoint %d not found on node %s", number, n.id)
	}
	delete(n.endpoints, number)
	return nil
}

// Events returns the node's lifecycle event channel.
func (n *MockNode) Events() <-chan Event { return n.events }

// PersistedEndpointNumbers returns a copy of the unique-id to number mapping.
func (n *MockNode) PersistedEndpointNumbers() map[string]EndpointNumber {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]EndpointNumber, len(n.persisted))
	for k, v := range n.persisted {
		out[k] = v
	}
	return out
}

// SetPersistedEndpointNumbers seeds the mapping, as the real engine does when
// loading persisted state before going online.
func (n *MockNode) SetPersistedEndpointNumbers(numbers map[string]EndpointNumber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, v := range numbers {
		n.persisted[k] = v
		if v >= n.next {
			n.next = v + 1
		}
	}
}

// GoOnline assigns numbers to pending endpoints, then emits
// EventEndpointsAssigned followed by EventOnline.
func (n *MockNode) GoOnline() {
	n.mu.Lock()
	for _, spec := range n.pending {
		if spec.DesiredNumber == 0 {
			if num, ok := n.persisted[spec.UniqueID]; ok {
				spec.DesiredNumber = num
			}
		}
		n.assignLocked(spec)
	}
	n.pending = nil
	n.state = NodeOnline
	n.mu.Unlock()

	n.events <- Event{Kind: EventEndpointsAssigned, Node: n.id}
	n.events <- Event{Kind: EventOnline, Node: n.id}
}

// GoOffline marks the node offline.
func (n *MockNode) GoOffline() {
	n.mu.Lock()
	n.state = NodeOffline
	n.mu.Unlock()
	n.events <- Event{Kind: EventOffline, Node: n.id}
}

// Close transitions the node to closed and emits EventClosed.
func (n *MockNode) Close() error {
	n.mu.Lock()
	if n.state == NodeClosed {
		n.mu.Unlock()
		return nil
	}
	n.state = NodeClosed
	n.mu.Unlock()

	n.events <- Event{Kind: EventClosed, Node: n.id}
	close(n.events)
	return nil
}

// EndpointCount returns the number of materialized endpoints.
func (n *MockNode) EndpointCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.endpoints)
}

// MockComposer implements Composer with stub clusters, enough for the
// orchestration layer which treats the cluster set as opaque.
type MockComposer struct{}

type mockCluster struct {
	id   uint32
	name string
}

func (c mockCluster) ID() uint32   { return c.id }
func (c mockCluster) Name() string { return c.name }

// Compose builds an endpoint spec carrying the bridged-node device type plus
// the requested device type, with placeholder cluster servers.
func (c *MockComposer) Compose(deviceType DeviceType, options ComposeOptions) (*EndpointSpec, error) {
	if options.UniqueID == "" {
		return nil, fmt.Errorf("compose: unique id is required")
	}
	return &EndpointSpec{
		UniqueID: options.UniqueID,
		Name:     options.Name,
		DeviceTypes: []DeviceType{
			deviceType,
			{ID: DeviceTypeBridgedNode, Name: "MA-bridgedNode", Revision: 3},
		},
		Clusters: []Cluster{
			mockCluster{id: 0x0039, name: "BridgedDeviceBasicInformation"},
		},
	}, nil
}
