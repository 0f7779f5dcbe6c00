// Package dedup filters webhook events that the platform delivers more
// than once. The filter is process-local and best-effort: entries live in
// memory for a fixed TTL and a restart forgets everything seen before it.
package dedup

import (
	"sync"
	"time"
)

const DefaultTTL = 10 * time.Minute

type Deduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

func New(ttl time.Duration) *Deduplicator {
	return NewWithClock(ttl, time.Now)
}

// NewWithClock injects the time source, letting tests drive the TTL
// window without sleeping.
func NewWithClock(ttl time.Duration, now func() time.Time) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{
		ttl:  ttl,
		now:  now,
		seen: make(map[string]time.Time),
	}
}

// Seen reports whether eventID was already observed within the TTL
// window and records it if not. Expired entries are purged on every call,
// which bounds the map by the TTL. An empty id can never be deduplicated
// and is always let through.
func (d *Deduplicator) Seen(eventID string) bool {
	if eventID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-d.ttl)
	for id, firstSeen := range d.seen {
		if firstSeen.Before(cutoff) {
			delete(d.seen, id)
		}
	}

	if _, ok := d.seen[eventID]; ok {
		return true
	}
	d.seen[eventID] = now
	return false
}
