package platform

import (
	"fmt"
	"sort"
	"sync"
)

// Priority constants for platform registration.
// Higher priority values override lower priority entries with the same name.
const (
	// PriorityDefault is the default priority. Public/reference
	// implementations should use this priority.
	PriorityDefault = 0

	// PriorityOverride is used by private implementations to override a
	// public platform with the same name at compile time.
	PriorityOverride = 100
)

// Info contains metadata about a registered platform factory.
type Info struct {
	// Name is the unique plugin name the factory serves. It must match
	// the name declared in the plugin manifest.
	Name string

	// Description is a human-readable description.
	Description string

	// Type is the self-reported platform type. It replaces AnyPlatform on
	// the plugin record once the plugin is loaded.
	Type Type

	// Priority determines which factory wins when multiple register with
	// the same name. Higher priority wins.
	Priority int

	// Factory creates new instances of the platform.
	Factory Factory
}

// Registry maps plugin names to platform factories. It supports
// priority-based override, allowing private implementations to replace
// public ones through import ordering.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Info)}
}

// Register adds a factory to the registry. If an entry with the same name
// already exists, the one with higher priority wins; on a tie the later
// registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("platform name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("platform %s: factory cannot be nil", info.Name)
	}
	if info.Type == "" {
		info.Type = AnyPlatform
	}

	if existing, ok := r.factories[info.Name]; ok && info.Priority < existing.Priority {
		return nil
	}
	r.factories[info.Name] = info
	return nil
}

// Get returns the factory info for a plugin name, or nil if none registered.
func (r *Registry) Get(name string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.factories[name]
	if !ok {
		return nil
	}
	return &info
}

// Names returns all registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clear removes all registered factories. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Info)
}

// Global registry instance.
var globalRegistry = NewRegistry()

// Register adds a factory to the global registry. This is typically called
// from init() functions in platform packages.
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// Get returns factory info from the global registry.
func Get(name string) *Info {
	return globalRegistry.Get(name)
}

// Names returns all plugin names known to the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// Default returns the global registry.
func Default() *Registry {
	return globalRegistry
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}
