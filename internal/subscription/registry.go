// Package subscription tracks the working set of instrument keys subscribed
// upstream. The set grows monotonically within a process lifetime; there is
// no unsubscribe path. It is rebuilt from scratch on restart.
package subscription

import "sync"

// Registry is the grow-only set of subscribed instrument keys. Safe for
// concurrent use.
type Registry struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]struct{})}
}

// AddAndDiff returns the subset of candidates not already present, then
// records them all. Duplicate candidates collapse naturally; each key appears
// in exactly one call's result across the registry's lifetime.
func (r *Registry) AddAndDiff(candidates []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []string
	for _, key := range candidates {
		if key == "" {
			continue
		}
		if _, exists := r.keys[key]; exists {
			continue
		}
		r.keys[key] = struct{}{}
		added = append(added, key)
	}
	return added
}

// Snapshot returns a copy of the full subscribed set, for subscription replay
// on (re)connect.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.keys))
	for key := range r.keys {
		keys = append(keys, key)
	}
	return keys
}

// Size returns the number of subscribed keys.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
