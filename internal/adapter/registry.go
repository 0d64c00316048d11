package adapter

import (
	"sort"
	"sync"
)

// Entry is a configured provider: its adapter plus the credentials the proxy
// holds for it.
type Entry struct {
	Adapter Adapter
	// APIKey is the configured upstream key, used after federated auth.
	APIKey string
	// Keyless providers (for example a local model server) need no key
	// from loopback callers.
	Keyless bool
}

// Registry resolves configured providers by name. It is safe for
// concurrent use and can be swapped wholesale on config reload.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates a registry with the given entries.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{entries: make(map[string]Entry)}
	r.Replace(entries)
	return r
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Replace swaps all entries atomically.
func (r *Registry) Replace(entries []Entry) {
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		next[e.Adapter.Name()] = e
	}
	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
