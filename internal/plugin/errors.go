package plugin

import (
	"errors"
	"fmt"
)

// ErrHookTimeout marks a lifecycle hook that exceeded its deadline. The
// pending invocation is abandoned, not waited on.
var ErrHookTimeout = errors.New("hook timed out")

// ValidationError reports malformed plugin metadata or a duplicate name.
// It is rejected synchronously and visible to the caller.
type ValidationError struct {
	Plugin string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: plugin %s: %s", e.Plugin, e.Reason)
}

// LoadError reports a module load or factory instantiation failure. It is
// isolated to the failing plugin.
type LoadError struct {
	Plugin string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s: %v", e.Plugin, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// HookError reports an error, panic or timeout inside a lifecycle hook.
// The plugin transitions to Error; the registry entry persists for a later
// retry or restart.
type HookError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %s: hook %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }
