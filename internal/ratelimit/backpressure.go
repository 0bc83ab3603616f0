package ratelimit

import (
	"sync"
	"time"

	"github.com/nullwire-labs/ratelimitproxy/internal/clock"
)

// Backpressure is the process-wide pause deadline extended whenever the
// upstream signals rate limiting (429/503). Every admission path consults
// Remaining immediately before issuing an upstream call.
//
// pausedUntil is monotonically non-decreasing except across process
// restarts: Pause only ever extends it, never shortens it.
type Backpressure struct {
	clk clock.Clock

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewBackpressure constructs an unpaused Backpressure coordinator.
func NewBackpressure(clk clock.Clock) *Backpressure {
	return &Backpressure{clk: clk}
}

// Remaining returns the number of seconds still paused, or 0 if not paused.
func (b *Backpressure) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.pausedUntil.Sub(b.clk.Now()).Seconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Pause extends the pause to max(pausedUntil, now+seconds). A non-positive
// seconds is a no-op.
func (b *Backpressure) Pause(seconds float64) {
	if seconds <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	candidate := b.clk.Now().Add(time.Duration(seconds * float64(time.Second)))
	if candidate.After(b.pausedUntil) {
		b.pausedUntil = candidate
	}
}
