package domainworker

import (
	"sort"
	"sync"
)

// Registry maps domain keys to workers. It is mutated at startup and read
// on every job, so lookups only take the read lock.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register makes w available under w.Domain(). Registering a domain again
// replaces the previous worker.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Domain()] = w
}

// Get returns the worker registered for domain.
func (r *Registry) Get(domain string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[domain]
	return w, ok
}

// Clear removes every registered worker.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = make(map[string]Worker)
}

// Domains returns the registered domain keys, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
