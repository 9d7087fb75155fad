package lock

import (
	"sync"
)

// Gate provides per-name mutexes within one process. Goroutines of the same
// instance contend here first, so only one of them polls the shared marker
// at a time.
type Gate struct {
	locks sync.Map // name -> *sync.Mutex
}

// NewGate creates a new gate
func NewGate() *Gate {
	return &Gate{}
}

// getOrCreate returns the mutex for a name, creating one if needed
func (g *Gate) getOrCreate(name string) *sync.Mutex {
	mu, _ := g.locks.LoadOrStore(name, &sync.Mutex{})
	m, _ := mu.(*sync.Mutex)
	return m
}

// Lock blocks until the named mutex is held
func (g *Gate) Lock(name string) {
	g.getOrCreate(name).Lock()
}

// TryLock takes the named mutex if it is free
func (g *Gate) TryLock(name string) bool {
	return g.getOrCreate(name).TryLock()
}

// Unlock releases the named mutex
func (g *Gate) Unlock(name string) {
	g.getOrCreate(name).Unlock()
}

// Delete forgets the mutex for a name (call after the session is gone)
func (g *Gate) Delete(name string) {
	g.locks.Delete(name)
}
