package cluster

import (
	"fmt"
	"slices"
	"sync"

	"github.com/arbha1erao/miniraft/raft"
)

// Server is the handle the cluster keeps for each peer. *raft.RaftServer
// implements it.
type Server interface {
	ID() string
	Start(conf *raft.RaftConfiguration)
	Kill()
	IsRunning() bool
	Role() raft.State
	State() *raft.ServerState
}

// ServerRegistry maps peer ids to server handles, iterating in insertion
// order. It is the only place handles are added, swapped or dropped.
type ServerRegistry struct {
	mu      sync.RWMutex
	order   []string
	servers map[string]Server
}

func NewServerRegistry() *ServerRegistry {
	return &ServerRegistry{servers: make(map[string]Server)}
}

// Add registers a handle under a new id.
func (r *ServerRegistry) Add(s Server) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	if _, ok := r.servers[id]; ok {
		panic(fmt.Sprintf("server %s is already registered", id))
	}
	r.order = append(r.order, id)
	r.servers[id] = s
}

// Replace installs s in place of the handle registered under the same id,
// keeping its position, and returns the old handle.
func (r *ServerRegistry) Replace(s Server) Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	old, ok := r.servers[id]
	if !ok {
		panic(fmt.Sprintf("server %s is not registered", id))
	}
	r.servers[id] = s
	return old
}

// Remove unregisters id and returns its handle.
func (r *ServerRegistry) Remove(id string) Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.servers[id]
	if !ok {
		panic(fmt.Sprintf("server %s is not registered", id))
	}
	delete(r.servers, id)
	r.order = slices.DeleteFunc(r.order, func(other string) bool { return other == id })
	return s
}

func (r *ServerRegistry) Get(id string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.servers[id]
	return s, ok
}

// MustGet panics if id is unknown.
func (r *ServerRegistry) MustGet(id string) Server {
	s, ok := r.Get(id)
	if !ok {
		panic(fmt.Sprintf("server %s is not registered", id))
	}
	return s
}

// Servers returns a snapshot of all handles in insertion order.
func (r *ServerRegistry) Servers() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make([]Server, 0, len(r.order))
	for _, id := range r.order {
		servers = append(servers, r.servers[id])
	}
	return servers
}

func (r *ServerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

func (r *ServerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}
