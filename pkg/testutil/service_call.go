package testutil

import "time"

// ServiceCall records one call_service request received by the mock hub.
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// FilterServiceCalls returns the calls matching domain and service, in order.
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FindServiceCall returns the most recent call matching domain, service and
// entity id, or nil. An empty entityID matches any entity.
func FindServiceCall(calls []ServiceCall, domain, service, entityID string) *ServiceCall {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.Domain != domain || call.Service != service {
			continue
		}
		if entityID == "" {
			return &call
		}
		if eid, ok := call.ServiceData["entity_id"].(string); ok && eid == entityID {
			return &call
		}
	}
	return nil
}
