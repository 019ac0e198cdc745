package httpapi

import (
	"sync"
	"time"
)

// pinTracker records advisory conversation pins from POST
// /conversations/register with a TTL, modeled on the teacher's
// webhook.rateLimiter: one mutex guarding a map, independent expiry per key.
// A pin is advisory only: its expiry is recorded and reported back to the
// caller, and the Router does not consult it.
type pinTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	pinned  map[string]time.Time
}

func newPinTracker(ttl time.Duration) *pinTracker {
	return &pinTracker{
		ttl:    ttl,
		pinned: make(map[string]time.Time),
	}
}

// Pin records key as pinned until now+ttl, returning the expiry.
func (p *pinTracker) Pin(key string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	expiry := time.Now().Add(p.ttl)
	p.pinned[key] = expiry
	p.gc()
	return expiry
}

// gc drops expired entries. Called with mu held.
func (p *pinTracker) gc() {
	now := time.Now()
	for k, exp := range p.pinned {
		if now.After(exp) {
			delete(p.pinned, k)
		}
	}
}
