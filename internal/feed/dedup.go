package feed

import (
	"sync"
	"time"
)

// dedup remembers command ids for a ttl so a command published twice, or
// delivered to a re-subscribed listener, is applied once.
type dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newDedup(ttl time.Duration) *dedup {
	return &dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// seenBefore records id and reports whether it was already recorded within
// the ttl. Expired entries are swept on the way.
func (d *dedup) seenBefore(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}
