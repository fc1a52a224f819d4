package hub

import (
	"sort"
	"sync"
)

// Role identifies a sub-component of a registered instance, so callers
// can look one up without knowing the instance's internal wiring.
type Role string

const (
	RoleBridge   Role = "bridge"
	RoleListener Role = "listener"
)

type registryEntry struct {
	instance   *Instance
	components map[Role]any
}

// Registry maps instance names to instances and their sub-components.
// Insert has compare-and-insert semantics, which is the hub's sole
// uniqueness enforcement: a racing duplicate start loses here before any
// subprocess exists.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Insert registers inst under name, failing with ErrAlreadyStarted if
// the name is taken.
func (r *Registry) Insert(name string, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return ErrAlreadyStarted
	}
	r.entries[name] = &registryEntry{
		instance:   inst,
		components: make(map[Role]any),
	}
	return nil
}

// SetComponent records a sub-component handle for (name, role). No-op if
// the name is not registered.
func (r *Registry) SetComponent(name string, role Role, component any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, exists := r.entries[name]; exists {
		entry.components[role] = component
	}
}

// Lookup returns the instance registered under name.
func (r *Registry) Lookup(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[name]
	if !exists {
		return nil, false
	}
	return entry.instance, true
}

// Component returns the sub-component registered under (name, role).
func (r *Registry) Component(name string, role Role) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[name]
	if !exists {
		return nil, false
	}
	component, exists := entry.components[role]
	return component, exists
}

// Remove releases name and all its component entries.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Names returns a sorted snapshot of registered instance names. It is
// not a live view; races with concurrent start/stop are expected.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
