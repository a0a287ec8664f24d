package order

import (
	"context"
	"sync"
	"time"

	"bfx_trader/internal/core"
)

// idemEntry is one idempotency slot. While the owner is in flight the done
// channel is open; waiters block on it and then read the shared outcome.
type idemEntry struct {
	done      chan struct{}
	result    *core.OrderResult
	err       error
	expiresAt time.Time
}

// idemCache deduplicates submissions by client order id. Concurrent
// duplicates latch onto the in-flight attempt and observe the same result;
// later duplicates replay the cached terminal result until the TTL lapses.
type idemCache struct {
	clock core.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*idemEntry
}

func newIdemCache(clk core.Clock, ttl time.Duration) *idemCache {
	return &idemCache{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]*idemEntry),
	}
}

// begin claims the slot for key. The second return is true when the caller
// owns the submission and must call complete; otherwise the returned entry
// is an earlier attempt to wait on.
func (c *idemCache) begin(key string) (*idemEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.entries[key]; ok {
		select {
		case <-e.done:
			if now.Before(e.expiresAt) {
				return e, false
			}
			// Terminal result expired; the slot is free again.
		default:
			return e, false // in flight
		}
	}

	e := &idemEntry{done: make(chan struct{})}
	c.entries[key] = e
	return e, true
}

// complete publishes the terminal outcome and starts the TTL.
func (c *idemCache) complete(key string, e *idemEntry, result *core.OrderResult, err error) {
	c.mu.Lock()
	e.result = result
	e.err = err
	e.expiresAt = c.clock.Now().Add(c.ttl)
	c.mu.Unlock()
	close(e.done)
}

// abandon releases the slot without caching, used when the owner never
// reached a terminal outcome (e.g. context canceled before submit).
func (c *idemCache) abandon(key string, e *idemEntry) {
	c.mu.Lock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
	e.err = context.Canceled
	c.mu.Unlock()
	close(e.done)
}

// wait blocks until the entry's owner finishes or ctx is done.
func (e *idemEntry) wait(ctx context.Context) (*core.OrderResult, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sweep drops expired terminal entries. Called opportunistically.
func (c *idemCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for k, e := range c.entries {
		select {
		case <-e.done:
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		default:
		}
	}
}

// size reports the number of live entries.
func (c *idemCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
