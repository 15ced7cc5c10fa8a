// Package fabric defines the boundary to the external Matter protocol engine.
// The engine itself (commissioning, sessions, secure transport, attribute
// subscriptions) lives outside this repository; matterhub only depends on the
// narrow surface below: node creation, endpoint placement, lifecycle events
// and persisted endpoint numbers.
package fabric

import "fmt"

// EndpointNumber is Matter's numeric identifier for an endpoint within a node.
// Zero means "not yet assigned". Once a number has been assigned and persisted
// for a commissioned device it must keep referring to the same device forever.
type EndpointNumber uint16

// NodeID identifies one Matter server node owned by the bridge.
type NodeID string

// Matter device type identifiers used by the bridge itself. Device-level
// types (lights, sensors, ...) come from the Device Composer and are opaque
// to the orchestration layer.
const (
	DeviceTypeRootNode    uint32 = 0x0016
	DeviceTypeAggregator  uint32 = 0x000E
	DeviceTypeBridgedNode uint32 = 0x0013
)

// DeviceType describes one Matter device type carried by an endpoint.
type DeviceType struct {
	ID       uint32
	Name     string
	Revision uint8
}

// Common device-level types used by the built-in platforms.
var (
	OnOffLight        = DeviceType{ID: 0x0100, Name: "MA-onofflight", Revision: 3}
	DimmableLight     = DeviceType{ID: 0x0101, Name: "MA-dimmablelight", Revision: 3}
	OnOffOutlet       = DeviceType{ID: 0x010A, Name: "MA-onoffpluginunit", Revision: 3}
	ContactSensor     = DeviceType{ID: 0x0015, Name: "MA-contactsensor", Revision: 1}
	TemperatureSensor = DeviceType{ID: 0x0302, Name: "MA-tempsensor", Revision: 2}
	OccupancySensor   = DeviceType{ID: 0x0107, Name: "MA-occupancysensor", Revision: 4}
)

// Cluster is an opaque cluster server supplied by the Device Composer.
// The orchestrator never looks inside.
type Cluster interface {
	ID() uint32
	Name() string
}

// EndpointSpec describes one endpoint to be added to a node. The cluster set
// is pre-populated by the Device Composer.
type EndpointSpec struct {
	// UniqueID is the stable key of the device backing this endpoint.
	// The engine rejects duplicates within one node.
	UniqueID string

	Name        string
	DeviceTypes []DeviceType
	Clusters    []Cluster

	// DesiredNumber requests a specific endpoint number, used to
	// re-materialize a device at its previously persisted number.
	// Zero lets the node choose.
	DesiredNumber EndpointNumber
}

// ComposeOptions carries the descriptive identity handed to the composer.
type ComposeOptions struct {
	UniqueID     string
	Name         string
	SerialNumber string
}

// Composer builds ready endpoint specs for a device type, cluster servers
// included. Provided by the declarative per-device-type composition helpers.
type Composer interface {
	Compose(deviceType DeviceType, options ComposeOptions) (*EndpointSpec, error)
}

// NodeState tracks the lifecycle of one hosting node.
type NodeState string

const (
	NodeCreated NodeState = "created"
	NodeOnline  NodeState = "online"
	NodeOffline NodeState = "offline"
	NodeClosed  NodeState = "closed"
)

// EventKind enumerates node lifecycle events surfaced by the engine.
type EventKind int

const (
	EventReady EventKind = iota
	// EventEndpointsAssigned fires once the engine has assigned numbers to
	// endpoints that were added before the node went online. It always
	// precedes EventOnline.
	EventEndpointsAssigned
	EventOnline
	EventOffline
	EventClosed
)

// Event is one node lifecycle notification.
type Event struct {
	Kind EventKind
	Node NodeID
}

// NodeDescriptor is the basic-information identity of a node.
type NodeDescriptor struct {
	Name        string
	VendorName  string
	ProductName string
	Serial      string
}

// Node is one Matter server node handle. Endpoint numbers handed out by
// AddEndpoint are stable once assigned and persisted; EventOnline fires only
// after persisted numbers have been loaded.
type Node interface {
	ID() NodeID
	State() NodeState

	// AddEndpoint places spec under the parent endpoint (zero for the root).
	// Before the node first goes online the engine may defer assignment and
	// return zero; the final numbers arrive with EventEndpointsAssigned.
	AddEndpoint(parent EndpointNumber, spec *EndpointSpec) (EndpointNumber, error)
	RemoveEndpoint(number EndpointNumber) error

	Events() <-chan Event

	// PersistedEndpointNumbers returns the engine's unique-id to endpoint
	// number mapping, valid once EventEndpointsAssigned has fired.
	PersistedEndpointNumbers() map[string]EndpointNumber
	SetPersistedEndpointNumbers(numbers map[string]EndpointNumber)

	Close() error
}

// Service creates Matter server nodes.
type Service interface {
	CreateNode(id NodeID, descriptor NodeDescriptor) (Node, error)
}

// AggregatorSpec returns the endpoint spec for a bridge aggregator endpoint.
func AggregatorSpec(name string) *EndpointSpec {
	return &EndpointSpec{
		UniqueID: "aggregator:" + name,
		Name:     name,
		DeviceTypes: []DeviceType{
			{ID: DeviceTypeAggregator, Name: "MA-aggregator", Revision: 2},
		},
	}
}

func (e Event) String() string {
	switch e.Kind {
	case EventReady:
		return fmt.Sprintf("ready(%s)", e.Node)
	case EventEndpointsAssigned:
		return fmt.Sprintf("endpoints-assigned(%s)", e.Node)
	case EventOnline:
		return fmt.Sprintf("online(%s)", e.Node)
	case EventOffline:
		return fmt.Sprintf("offline(%s)", e.Node)
	case EventClosed:
		return fmt.Sprintf("closed(%s)", e.Node)
	}
	return fmt.Sprintf("unknown(%s)", e.Node)
}
