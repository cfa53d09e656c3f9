package sync

import (
	"hash/fnv"
	"sync"

	"github.com/taskpulse/project/internal/platform/metrics"
)

const registryShards = 32

// Registry tracks live connections by owner. It is sharded so one owner's
// churn does not serialize against the whole gateway.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu      sync.RWMutex
	byOwner map[string]map[string]*Conn
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].byOwner = make(map[string]map[string]*Conn)
	}
	return r
}

func (r *Registry) shard(ownerID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerID))
	return &r.shards[h.Sum32()%registryShards]
}

func (r *Registry) Register(c *Conn) {
	s := r.shard(c.OwnerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.byOwner[c.OwnerID]
	if !ok {
		conns = make(map[string]*Conn)
		s.byOwner[c.OwnerID] = conns
	}
	conns[c.ID] = c
	metrics.SyncConnections.Inc()
}

// Deregister removes the connection and returns it, or nil when it was
// already gone. Returning the conn lets exactly one caller win the close.
func (r *Registry) Deregister(ownerID, connID string) *Conn {
	s := r.shard(ownerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.byOwner[ownerID]
	if !ok {
		return nil
	}
	c, ok := conns[connID]
	if !ok {
		return nil
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.byOwner, ownerID)
	}
	metrics.SyncConnections.Dec()
	return c
}

// ForOwner snapshots the owner's connections outside the shard lock.
func (r *Registry) ForOwner(ownerID string) []*Conn {
	s := r.shard(ownerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := s.byOwner[ownerID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Count() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, conns := range s.byOwner {
			total += len(conns)
		}
		s.mu.RUnlock()
	}
	return total
}
