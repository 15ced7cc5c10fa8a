package bridge

import (
	"errors"
	"fmt"
)

// ErrAggregatorNotReady marks an endpoint addition for a plugin whose
// aggregator has not been materialized yet. It is a recoverable, logged
// condition, not a fault.
var ErrAggregatorNotReady = errors.New("aggregator not ready")

// ErrUnknownPlugin marks an operation against a plugin the orchestrator has
// no hosting node for.
var ErrUnknownPlugin = errors.New("unknown plugin")

// StructuralError reports a Fabric Service rejection of an endpoint add or
// remove (duplicate unique id, unknown device type). It is caught at the
// boundary, logged and returned as a failure, never process-fatal.
type StructuralError struct {
	Plugin string
	Device string
	Err    error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural: plugin %s device %s: %v", e.Plugin, e.Device, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// LedgerError reports a failed durable endpoint-number write. It is the most
// severe failure class: the hosting node must not advance to Closed until the
// write succeeds or an operator raises a factory reset.
type LedgerError struct {
	Node string
	Keys []string
	Err  error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger: node %s keys %v: %v", e.Node, e.Keys, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }
