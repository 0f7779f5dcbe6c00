package dedup

import (
	"testing"
	"time"
)

func TestSeenWithinTTL(t *testing.T) {
	t.Parallel()

	current := time.Unix(1000, 0)
	d := NewWithClock(10*time.Minute, func() time.Time { return current })

	if d.Seen("evt-1") {
		t.Fatal("first sighting must not be duplicate")
	}
	current = current.Add(5 * time.Minute)
	if !d.Seen("evt-1") {
		t.Fatal("second sighting within TTL must be duplicate")
	}
}

func TestSeenAfterTTLExpiry(t *testing.T) {
	t.Parallel()

	current := time.Unix(1000, 0)
	d := NewWithClock(10*time.Minute, func() time.Time { return current })

	if d.Seen("evt-2") {
		t.Fatal("first sighting must not be duplicate")
	}
	current = current.Add(11 * time.Minute)
	if d.Seen("evt-2") {
		t.Fatal("sighting after TTL expiry must not be duplicate")
	}
}

func TestSeenEmptyID(t *testing.T) {
	t.Parallel()

	d := New(10 * time.Minute)
	if d.Seen("") {
		t.Fatal("empty id must never be duplicate")
	}
	if d.Seen("") {
		t.Fatal("empty id must never be duplicate, even repeated")
	}
}

func TestPurgeRemovesExpiredEntries(t *testing.T) {
	t.Parallel()

	current := time.Unix(1000, 0)
	d := NewWithClock(time.Minute, func() time.Time { return current })

	d.Seen("a")
	d.Seen("b")
	current = current.Add(2 * time.Minute)
	d.Seen("c")

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.seen) != 1 {
		t.Fatalf("expected only fresh entry to survive purge, got %d", len(d.seen))
	}
	if _, ok := d.seen["c"]; !ok {
		t.Fatal("fresh entry missing after purge")
	}
}
