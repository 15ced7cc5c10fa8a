package fabric

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LocalService is the in-process protocol engine used when no external Matter
// stack is attached. It implements the engine contract faithfully: endpoint
// numbers are assigned lazily before a node goes online, persisted numbers
// are honored, and EventEndpointsAssigned always precedes EventOnline.
//
// Nodes stay in the created state until Activate, so every endpoint added
// during startup goes through the deferred-assignment path exactly as it
// would against a commissioned engine.
type LocalService struct {
	logger *zap.Logger

	mu     sync.Mutex
	nodes  map[NodeID]*localNode
	active bool
}

// NewLocalService creates a local engine.
func NewLocalService(logger *zap.Logger) *LocalService {
	return &LocalService{
		logger: logger.Named("fabric"),
		nodes:  make(map[NodeID]*localNode),
	}
}

// CreateNode creates a node. After Activate, new nodes go online as soon as
// they are created.
func (s *LocalService) CreateNode(id NodeID, descriptor NodeDescriptor) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; ok {
		return nil, fmt.Errorf("node %s already exists", id)
	}

	n := &localNode{
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

	if s.active {
		go n.goOnline()
	}
	s.logger.Info("Node created", zap.String("node", string(id)))
	return n, nil
}

// Activate brings every created node online and switches the service to
// immediate activation for nodes created afterwards.
func (s *LocalService) Activate() {
	s.mu.Lock()
	s.active = true
	nodes := make([]*localNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	for _, n := range nodes {
		n.goOnline()
	}
	s.logger.Info("Fabric service activated", zap.Int("nodes", len(nodes)))
}

// localNode implements Node with in-memory endpoint state.
type localNode struct {
	id         NodeID
	descriptor NodeDescriptor

	mu        sync.Mutex
	state     NodeState
	events    chan Event
	endpoints map[EndpointNumber]*EndpointSpec
	pending   []*EndpointSpec
	persisted map[string]EndpointNumber
	next      EndpointNumber
}

func (n *localNode) ID() NodeID { return n.id }

func (n *localNode) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *localNode) AddEndpoint(parent EndpointNumber, spec *EndpointSpec) (EndpointNumber, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == NodeClosed {
		return 0, fmt.Errorf("node %s is closed", n.id)
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
	return n.assignLocked(spec), nil
}

func (n *localNode) assignLocked(spec *EndpointSpec) EndpointNumber {
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

func (n *localNode) RemoveEndpoint(number EndpointNumber) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[number]; !ok {
		return fmt.Errorf("endpoint %d not found on node %s", number, n.id)
	}
	delete(n.endpoints, number)
	return nil
}

func (n *localNode) Events() <-chan Event { return n.events }

func (n *localNode) PersistedEndpointNumbers() map[string]EndpointNumber {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]EndpointNumber, len(n.persisted))
	for k, v := range n.persisted {
		out[k] = v
	}
	return out
}

func (n *localNode) SetPersistedEndpointNumbers(numbers map[string]EndpointNumber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, v := range numbers {
		n.persisted[k] = v
		if v >= n.next {
			n.next = v + 1
		}
	}
}

// goOnline assigns numbers to pending endpoints, then emits the assignment
// event followed by online.
func (n *localNode) goOnline() {
	n.mu.Lock()
	if n.state != NodeCreated {
		n.mu.Unlock()
		return
	}
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

func (n *localNode) Close() error {
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
