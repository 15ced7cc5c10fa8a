package fabric

import (
	"fmt"
	"sync"
)

// Matter cluster identifiers used by the declarative composer.
const (
	ClusterDescriptor             uint32 = 0x001D
	ClusterOnOff                  uint32 = 0x0006
	ClusterLevelControl           uint32 = 0x0008
	ClusterBooleanState           uint32 = 0x0045
	ClusterTemperatureMeasurement uint32 = 0x0402
	ClusterOccupancySensing       uint32 = 0x0406
	ClusterBridgedBasicInfo       uint32 = 0x0039
)

// attributeCluster is a minimal cluster server backed by an attribute map.
type attributeCluster struct {
	id   uint32
	name string

	mu    sync.RWMutex
	attrs map[string]interface{}
}

func newAttributeCluster(id uint32, name string, attrs map[string]interface{}) *attributeCluster {
	if attrs == nil {
		attrs = make(map[string]interface{})
	}
	return &attributeCluster{id: id, name: name, attrs: attrs}
}

func (c *attributeCluster) ID() uint32   { return c.id }
func (c *attributeCluster) Name() string { return c.name }

// Attribute returns the named attribute value.
func (c *attributeCluster) Attribute(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[name]
	return v, ok
}

// SetAttribute updates the named attribute value.
func (c *attributeCluster) SetAttribute(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[name] = value
}

// DeclarativeComposer builds endpoint specs from a per-device-type cluster
// recipe. Every composed endpoint carries the bridged-node device type and a
// BridgedDeviceBasicInformation cluster alongside the functional clusters of
// its primary type.
type DeclarativeComposer struct{}

// NewComposer creates the default composer.
func NewComposer() *DeclarativeComposer {
	return &DeclarativeComposer{}
}

// Compose builds a ready endpoint spec for the device type.
func (c *DeclarativeComposer) Compose(deviceType DeviceType, options ComposeOptions) (*EndpointSpec, error) {
	if options.UniqueID == "" {
		return nil, fmt.Errorf("compose: unique id is required")
	}
	if deviceType.ID == 0 {
		return nil, fmt.Errorf("compose %q: device type is required", options.UniqueID)
	}

	clusters := []Cluster{
		newAttributeCluster(ClusterDescriptor, "Descriptor", nil),
		newAttributeCluster(ClusterBridgedBasicInfo, "BridgedDeviceBasicInformation", map[string]interface{}{
			"nodeLabel":    options.Name,
			"uniqueId":     options.UniqueID,
			"serialNumber": options.SerialNumber,
			"reachable":    true,
		}),
	}
	clusters = append(clusters, functionalClusters(deviceType)...)

	return &EndpointSpec{
		UniqueID: options.UniqueID,
		Name:     options.Name,
		DeviceTypes: []DeviceType{
			deviceType,
			{ID: DeviceTypeBridgedNode, Name: "MA-bridgedNode", Revision: 3},
		},
		Clusters: clusters,
	}, nil
}

// functionalClusters returns the application clusters mandated by a device
// type.
func functionalClusters(dt DeviceType) []Cluster {
	switch dt.ID {
	case OnOffLight.ID, OnOffOutlet.ID:
		return []Cluster{
			newAttributeCluster(ClusterOnOff, "OnOff", map[string]interface{}{"onOff": false}),
		}
	case DimmableLight.ID:
		return []Cluster{
			newAttributeCluster(ClusterOnOff, "OnOff", map[string]interface{}{"onOff": false}),
			newAttributeCluster(ClusterLevelControl, "LevelControl", map[string]interface{}{"currentLevel": uint8(254)}),
		}
	case ContactSensor.ID:
		return []Cluster{
			newAttributeCluster(ClusterBooleanState, "BooleanState", map[string]interface{}{"stateValue": false}),
		}
	case TemperatureSensor.ID:
		return []Cluster{
			newAttributeCluster(ClusterTemperatureMeasurement, "TemperatureMeasurement", map[string]interface{}{"measuredValue": int16(0)}),
		}
	case OccupancySensor.ID:
		return []Cluster{
			newAttributeCluster(ClusterOccupancySensing, "OccupancySensing", map[string]interface{}{"occupancy": uint8(0)}),
		}
	}
	return nil
}
