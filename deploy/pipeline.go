package deploy

import (
	"context"
	"sort"
	"sync"
)

// Pipeline drives one store's upload -> validate -> publish -> confirm state
// machine. Implementations live under stores/.
type Pipeline interface {
	// Store returns the store this pipeline deploys to.
	Store() Store

	// Deploy runs the full state machine for one request. It never panics
	// and never returns a half-finished outcome: the result is either a
	// terminal success or a stage-tagged failure.
	Deploy(ctx context.Context, req Request) Outcome
}

// Registry holds the available pipelines, keyed by store.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[Store]Pipeline
}

// NewRegistry creates an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[Store]Pipeline)}
}

// Register adds a pipeline, replacing any existing one for the same store.
func (r *Registry) Register(p Pipeline) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Store()] = p
}

// Get returns the pipeline for the given store, or false if none is
// registered.
func (r *Registry) Get(store Store) (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[store]
	return p, ok
}

// List returns the sorted names of all registered stores.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pipelines))
	for store := range r.pipelines {
		names = append(names, string(store))
	}
	sort.Strings(names)
	return names
}
