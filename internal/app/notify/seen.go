package notify

import (
	"sync"
	"time"
)

// SeenSet is a TTL window of recently handled event ids. It is a dedup
// convenience for fast redeliveries, not a durability guarantee: entries
// expire and the set is empty after a restart.
type SeenSet struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewSeenSet(ttl time.Duration) *SeenSet {
	return &SeenSet{
		TTL:     ttl,
		Now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]time.Time),
	}
}

// Add records the id and reports whether it was unseen within the TTL.
func (s *SeenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	if at, ok := s.entries[id]; ok && now.Sub(at) < s.TTL {
		return false
	}
	s.sweep(now)
	s.entries[id] = now
	return true
}

func (s *SeenSet) sweep(now time.Time) {
	for id, at := range s.entries {
		if now.Sub(at) >= s.TTL {
			delete(s.entries, id)
		}
	}
}
