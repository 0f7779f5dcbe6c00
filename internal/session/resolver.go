// Package session derives the agent session key for a conversation. The
// key is stable for a (conversation, reset suffix) pair; issuing a reset
// is the only way to move a conversation onto a fresh key.
package session

import (
	"fmt"
	"sync"
	"time"
)

const keyPrefix = "feishu:"

type Resolver struct {
	mu       sync.Mutex
	now      func() time.Time
	suffixes map[string]string
}

func NewResolver() *Resolver {
	return NewResolverWithClock(time.Now)
}

func NewResolverWithClock(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		now:      now,
		suffixes: make(map[string]string),
	}
}

// ResolveKey returns the effective session key for a conversation:
// the base key plus the stored reset suffix, if one exists.
func (r *Resolver) ResolveKey(conversationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keyPrefix + conversationID + r.suffixes[conversationID]
}

// ApplyReset generates a fresh time-based suffix for the conversation,
// replacing any prior suffix, and returns it. Suffix collisions are
// irrelevant: any change to the suffix yields a new session key.
func (r *Resolver) ApplyReset(conversationID string) string {
	suffix := fmt.Sprintf("-r%d", r.now().UnixMilli())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.suffixes[conversationID] = suffix
	return suffix
}

// CurrentKey is a non-mutating read of the effective key, used for
// status reporting.
func (r *Resolver) CurrentKey(conversationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keyPrefix + conversationID + r.suffixes[conversationID]
}
