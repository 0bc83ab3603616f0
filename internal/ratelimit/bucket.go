// Package ratelimit implements the admission-side state shared by every
// request: the per-connection and global token buckets, the fairness
// registry that reapportions the global rate across active connections, and
// the process-wide backpressure pause triggered by upstream rate limiting.
package ratelimit

import (
	"sync"
	"time"

	"github.com/nullwire-labs/ratelimitproxy/internal/clock"
)

// Bucket is a token bucket with an additional pause overlay: Take can be
// suspended for a duration via Pause. Tokens that would have accrued during
// the pause are forfeited (see refill).
//
// All operations are safe for concurrent use; each Bucket owns its own mutex.
type Bucket struct {
	clk clock.Clock

	mu          sync.Mutex
	rate        float64 // tokens per second
	capacity    float64
	tokens      float64
	lastRefill  time.Time
	pausedUntil time.Time
}

// NewBucket constructs a Bucket starting full, with the given rate
// (tokens/sec, must be > 0) and capacity (>= 1).
func NewBucket(clk clock.Clock, rate, capacity float64) *Bucket {
	if rate <= 0 {
		rate = minPositiveRate
	}
	if capacity < 1 {
		capacity = 1
	}
	now := clk.Now()
	return &Bucket{
		clk:        clk,
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: now,
	}
}

// minPositiveRate is used in place of zero/negative rates so take() always
// reports a well-defined (very long) wait instead of dividing by zero.
const minPositiveRate = 1e-9

// refill advances tokens for elapsed time since lastRefill, capped at
// capacity. Must be called with mu held.
//
// If a pause is in effect, refill skips accrual: lastRefill is still moved
// forward to now, so tokens that would have accrued *during* the pause are
// forfeited, not queued up for later.
func (b *Bucket) refill(now time.Time) {
	if now.Before(b.pausedUntil) {
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
}

// Take attempts to consume cost tokens (cost defaults to 1 via TakeOne).
// Returns (true, 0) on success, or (false, waitSeconds) when the bucket
// cannot currently satisfy the request — either because it is paused or
// because too few tokens have accrued.
func (b *Bucket) Take(cost float64) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.refill(now)

	if remaining := b.pausedUntil.Sub(now); remaining > 0 {
		return false, remaining.Seconds()
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}

	wait := (cost - b.tokens) / b.rate
	return false, wait
}

// TakeOne is Take(1), the common case in the admission loop.
func (b *Bucket) TakeOne() (bool, float64) {
	return b.Take(1)
}

// SetRateCapacity refills at the old rate up to now, then replaces rate and
// capacity. rate must be > 0; capacity must be >= 1. If tokens exceed the
// new capacity they are clamped down to it.
func (b *Bucket) SetRateCapacity(rate, capacity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.refill(now)

	if rate <= 0 {
		rate = minPositiveRate
	}
	if capacity < 1 {
		capacity = 1
	}
	b.rate = rate
	b.capacity = capacity
	if b.tokens > capacity {
		b.tokens = capacity
	}
}

// Pause extends pausedUntil to max(pausedUntil, now+seconds). It never
// shrinks an existing pause, and a non-positive seconds value is a no-op.
func (b *Bucket) Pause(seconds float64) {
	if seconds <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	candidate := now.Add(time.Duration(seconds * float64(time.Second)))
	if candidate.After(b.pausedUntil) {
		b.pausedUntil = candidate
	}
}

// fill resets the bucket to a full allowance at its current capacity. The
// registry calls it when a connection is first apportioned, or reactivated
// after a quench, so a new caller starts with its whole burst available
// rather than the single dormant token it was inserted with.
func (b *Bucket) fill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = b.clk.Now()
}

// Snapshot returns the bucket's configured rate, current token count (after
// a refill-as-of-now), and capacity — used by the /__status diagnostic
// endpoint and by tests asserting invariants.
func (b *Bucket) Snapshot() (rate, tokens, capacity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.refill(now)
	return b.rate, b.tokens, b.capacity
}
