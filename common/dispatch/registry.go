// Package dispatch holds the process-wide dispatch key registry. It is one
// of the two allowed global singletons (the other is the realtime sequence
// counter); everything else passes state explicitly.
package dispatch

import "sync"

// Registry is a first-write-wins set of dispatch keys. There is no TTL;
// callers that need expiry encode it into the key. The set clears only at
// process restart or via ClearForTests.
type Registry struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]struct{})}
}

// Register records key and reports whether this call was the first writer.
func (r *Registry) Register(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[key]; exists {
		return false
	}
	r.keys[key] = struct{}{}
	return true
}

// Registered reports whether key is present without writing it.
func (r *Registry) Registered(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.keys[key]
	return exists
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// ClearForTests empties the registry.
func (r *Registry) ClearForTests() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = make(map[string]struct{})
}

// Default is the process-wide registry shared by all providers.
var Default = NewRegistry()

// Register records key in the process-wide registry.
func Register(key string) bool {
	return Default.Register(key)
}

// ClearDispatchRegistry resets the process-wide registry. Tests only.
func ClearDispatchRegistry() {
	Default.ClearForTests()
}
