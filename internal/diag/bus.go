// Package diag runs background diagnostics (heap monitoring, update checks)
// on a separate execution context. Workers never call the managers directly;
// they exchange read-only snapshots over a request/response bus keyed by
// message type and correlation id, so no state is shared by reference across
// the boundary.
package diag

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MessageType keys a request to its responder.
type MessageType string

const (
	// MsgPluginSnapshot requests the plugin manager's state snapshot.
	MsgPluginSnapshot MessageType = "plugins.snapshot"
	// MsgBridgeSnapshot requests the orchestrator's topology snapshot.
	MsgBridgeSnapshot MessageType = "bridge.snapshot"
	// MsgHeapReport requests the latest heap diagnostics report.
	MsgHeapReport MessageType = "diag.heap"
	// MsgUpdateReport requests the latest update-check result.
	MsgUpdateReport MessageType = "diag.update"
)

// Request is one message on the bus.
type Request struct {
	Type          MessageType
	CorrelationID uuid.UUID
	Payload       interface{}
}

// Response answers one request, matched by correlation id.
type Response struct {
	Type          MessageType
	CorrelationID uuid.UUID
	Payload       interface{}
	Err           string
}

// Responder produces a read-only snapshot for one message type. It must
// return copies, never references into live state.
type Responder func(payload interface{}) (interface{}, error)

// Bus is the request/response broadcast channel. A single dispatch goroutine
// owns all bus state.
type Bus struct {
	requests chan busRequest

	mu         sync.RWMutex
	responders map[MessageType]Responder

	stop    chan struct{}
	stopped sync.Once
}

type busRequest struct {
	req   Request
	reply chan Response
}

// NewBus creates and starts a bus.
func NewBus() *Bus {
	b := &Bus{
		requests:   make(chan busRequest, 16),
		responders: make(map[MessageType]Responder),
		stop:       make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// RegisterResponder installs the responder for a message type, replacing any
// previous one.
func (b *Bus) RegisterResponder(t MessageType, r Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[t] = r
}

// Request sends a request and waits for its correlated response.
func (b *Bus) Request(ctx context.Context, t MessageType, payload interface{}) (interface{}, error) {
	req := busRequest{
		req: Request{
			Type:          t,
			CorrelationID: uuid.New(),
			Payload:       payload,
		},
		reply: make(chan Response, 1),
	}

	select {
	case b.requests <- req:
	case <-b.stop:
		return nil, fmt.Errorf("bus closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		if resp.Err != "" {
			return nil, fmt.Errorf("%s: %s", t, resp.Err)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the dispatch loop.
func (b *Bus) Close() {
	b.stopped.Do(func() { close(b.stop) })
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.stop:
			return
		case in := <-b.requests:
			b.mu.RLock()
			responder := b.responders[in.req.Type]
			b.mu.RUnlock()

			resp := Response{
				Type:          in.req.Type,
				CorrelationID: in.req.CorrelationID,
			}
			if responder == nil {
				resp.Err = fmt.Sprintf("no responder for %s", in.req.Type)
			} else if payload, err := responder(in.req.Payload); err != nil {
				resp.Err = err.Error()
			} else {
				resp.Payload = payload
			}
			in.reply <- resp
		}
	}
}
