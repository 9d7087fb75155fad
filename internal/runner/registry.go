package runner

import (
	"context"
	"sort"
	"sync"
)

// Registry tracks the sessions this process is working on and how to stop
// them. Each Runner owns one, so several runners can share a process.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Register records cancel for id. It returns false if id is already running.
func (r *Registry) Register(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancels[id]; ok {
		return false
	}
	r.cancels[id] = cancel
	return true
}

// Running reports whether id is registered.
func (r *Registry) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[id]
	return ok
}

// Cancel stops the work for id. The entry stays until Remove.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelExcept stops every session other than keep and returns their ids.
func (r *Registry) CancelExcept(keep string) []string {
	r.mu.Lock()
	var stopped []string
	var cancels []context.CancelFunc
	for id, cancel := range r.cancels {
		if id != keep {
			stopped = append(stopped, id)
			cancels = append(cancels, cancel)
		}
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	sort.Strings(stopped)
	return stopped
}

// Remove forgets id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

// IDs returns the registered session ids in order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.cancels))
	for id := range r.cancels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
