package app

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dkeye/swarm-relay/internal/core"
	"github.com/rs/zerolog/log"
)

// Registry is the live connection set of one side of the relay.
// Fan-out always works on a Snapshot so a connection closing mid-broadcast
// never touches the set being iterated.
type Registry struct {
	module string

	mu    sync.RWMutex
	conns mapset.Set[core.Conn]

	// onChange runs under mu after every effective membership change.
	onChange func(count int)
}

func NewRegistry(module string) *Registry {
	return &Registry{
		module: module,
		conns:  mapset.NewThreadUnsafeSet[core.Conn](),
	}
}

// NewPeerRegistry returns a registry that reports every membership change
// to onChange, serialized with the change itself.
func NewPeerRegistry(onChange func(count int)) *Registry {
	r := NewRegistry("app.peers")
	r.onChange = onChange
	return r
}

func (r *Registry) Add(c core.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.conns.Add(c) {
		return false
	}
	n := r.conns.Cardinality()
	log.Info().Str("module", r.module).Str("conn", c.ID()).Int("size", n).Msg("connection added")
	if r.onChange != nil {
		r.onChange(n)
	}
	return true
}

// Remove is idempotent: close events may race with explicit removal.
func (r *Registry) Remove(c core.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.conns.Contains(c) {
		return false
	}
	r.conns.Remove(c)
	n := r.conns.Cardinality()
	log.Info().Str("module", r.module).Str("conn", c.ID()).Int("size", n).Msg("connection removed")
	if r.onChange != nil {
		r.onChange(n)
	}
	return true
}

func (r *Registry) Contains(c core.Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns.Contains(c)
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns.Cardinality()
}

func (r *Registry) Snapshot() []core.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns.ToSlice()
}

func (r *Registry) ForEach(fn func(core.Conn)) {
	for _, c := range r.Snapshot() {
		fn(c)
	}
}

// Observe runs fn with the current size while membership is frozen.
func (r *Registry) Observe(fn func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.conns.Cardinality())
}
