package feed

import (
	"sync"
	"time"
)

// Dedup suppresses trade events already seen within a TTL window. The
// activity stream is at-least-once and replays recent history after a
// reconnect, so the same transaction hash can arrive repeatedly.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time // trade id -> first seen
	ttl  time.Duration
}

// NewDedup creates a Dedup with the given suppression window.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen records tradeID and reports whether it was already present within the
// TTL window.
func (d *Dedup) Seen(tradeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if first, ok := d.seen[tradeID]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[tradeID] = now
	return false
}

// Cleanup evicts expired entries. Called periodically by the feed loop to
// keep the map bounded.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, first := range d.seen {
		if now.Sub(first) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len returns the number of tracked ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
