package ember

import (
	"sync"
	"time"
)

// DefaultPendingTTL bounds how long an id stays in the pending set. Entries
// expire even if no path ever confirms them, so the set cannot leak.
const DefaultPendingTTL = 5 * time.Second

// PendingIDSet is the deduplication guard shared by the optimistic send path
// and the realtime path. An id is registered when a placeholder is created
// and, briefly, when the confirmed row replaces it; realtime inserts matching
// a registered id are dropped. It is the sole concurrency-control primitive
// between the two paths.
type PendingIDSet struct {
	mu  sync.Mutex
	ttl time.Duration
	ids map[string]time.Time
	now func() time.Time
}

// NewPendingIDSet creates a set with the given entry lifetime.
// ttl <= 0 falls back to DefaultPendingTTL.
func NewPendingIDSet(ttl time.Duration) *PendingIDSet {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingIDSet{
		ttl: ttl,
		ids: make(map[string]time.Time),
		now: time.Now,
	}
}

// Add registers an id, resetting its expiry if already present.
func (p *PendingIDSet) Add(id string) {
	p.mu.Lock()
	p.prune()
	p.ids[id] = p.now().Add(p.ttl)
	p.mu.Unlock()
}

// Contains reports whether the id is registered and unexpired.
func (p *PendingIDSet) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()
	_, ok := p.ids[id]
	return ok
}

// Remove drops an id before its expiry.
func (p *PendingIDSet) Remove(id string) {
	p.mu.Lock()
	delete(p.ids, id)
	p.mu.Unlock()
}

// Len returns the number of live entries.
func (p *PendingIDSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()
	return len(p.ids)
}

// prune must be called with the lock held.
func (p *PendingIDSet) prune() {
	cutoff := p.now()
	for id, expiry := range p.ids {
		if !expiry.After(cutoff) {
			delete(p.ids, id)
		}
	}
}
