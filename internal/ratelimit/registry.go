package ratelimit

import (
	"sync"
	"time"

	"github.com/nullwire-labs/ratelimitproxy/internal/clock"
)

// quenchedRate is the "effectively zero" rate given to inactive connections:
// positive enough to keep Bucket's math well-defined, small enough that
// TakeOne() always reports a very long wait.
const quenchedRate = 1e-6

// Connection is one logical client multiplexed onto the shared upstream
// quota. It owns a dedicated Bucket, reapportioned by Registry.Rebalance.
type Connection struct {
	ID       string
	Bucket   *Bucket
	lastSeen time.Time

	// apportioned tracks whether the connection currently holds a real share
	// of the global rate. It flips false on quench so a reactivated
	// connection starts over with a full allowance, like a brand-new caller.
	apportioned bool
}

// Registry is the process-wide population of active logical connections
// plus the single global bucket enforcing the aggregate outbound rate.
//
// Registry.Rebalance is the only operation that changes a connection's
// rate/capacity; callers must Touch then Rebalance before calling Take on a
// connection's bucket.
type Registry struct {
	clk clock.Clock

	mu          sync.RWMutex
	connections map[string]*Connection
	global      *Bucket

	limitPerMinute     float64
	activeWindow       time.Duration
	burstWindow        time.Duration
	idleEvictThreshold time.Duration
}

// Config carries the environment-driven tunables that shape fairness
// behavior.
type Config struct {
	LimitPerMinute     float64
	GlobalCapacity     float64
	ActiveWindow       time.Duration
	BurstWindow        time.Duration
	IdleEvictThreshold time.Duration
}

// NewRegistry constructs a Registry with a global bucket rated at
// LimitPerMinute/60 and capacity GlobalCapacity (floored at 1).
func NewRegistry(clk clock.Clock, cfg Config) *Registry {
	capacity := cfg.GlobalCapacity
	if capacity < 1 {
		capacity = 1
	}
	return &Registry{
		clk:                clk,
		connections:        make(map[string]*Connection),
		global:             NewBucket(clk, cfg.LimitPerMinute/60, capacity),
		limitPerMinute:     cfg.LimitPerMinute,
		activeWindow:       cfg.ActiveWindow,
		burstWindow:        cfg.BurstWindow,
		idleEvictThreshold: cfg.IdleEvictThreshold,
	}
}

// GlobalBucket returns the shared global bucket.
func (r *Registry) GlobalBucket() *Bucket {
	return r.global
}

// Touch marks id as seen at the current instant, inserting a freshly
// constructed dormant connection if absent. It has no visible effect on
// rate/capacity until the next Rebalance.
func (r *Registry) Touch(id string) {
	now := r.clk.Now()

	r.mu.RLock()
	conn, ok := r.connections[id]
	r.mu.RUnlock()
	if ok {
		r.mu.Lock()
		conn.lastSeen = now
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.connections[id]; ok {
		conn.lastSeen = now
		return
	}
	r.connections[id] = &Connection{
		ID:       id,
		Bucket:   NewBucket(r.clk, quenchedRate, 1),
		lastSeen: now,
	}
}

// Bucket returns the connection's bucket. Callers must have previously
// called Touch for id; returns nil otherwise.
func (r *Registry) Bucket(id string) *Bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	if !ok {
		return nil
	}
	return conn.Bucket
}

// Rebalance computes the active set (connections seen within ActiveWindow),
// reapportions the global per-connection rate equally among them, quenches
// inactive connections to a near-zero rate, and evicts connections idle
// longer than IdleEvictThreshold. Returns the active connection count and
// the rate assigned to each active connection.
func (r *Registry) Rebalance() (active int, ratePerConnection float64) {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.connections {
		if now.Sub(conn.lastSeen) > r.idleEvictThreshold {
			delete(r.connections, id)
		}
	}

	activeIDs := make([]string, 0, len(r.connections))
	for id, conn := range r.connections {
		if now.Sub(conn.lastSeen) <= r.activeWindow {
			activeIDs = append(activeIDs, id)
		}
	}

	n := len(activeIDs)
	if n == 0 {
		n = 1
	}
	rate := (r.limitPerMinute / 60) / float64(n)
	capacity := rate * r.burstWindow.Seconds()
	if capacity < 1 {
		capacity = 1
	}

	activeSet := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		activeSet[id] = struct{}{}
		conn := r.connections[id]
		conn.Bucket.SetRateCapacity(rate, capacity)
		if !conn.apportioned {
			conn.Bucket.fill()
			conn.apportioned = true
		}
	}
	for id, conn := range r.connections {
		if _, ok := activeSet[id]; !ok {
			conn.Bucket.SetRateCapacity(quenchedRate, 1)
			conn.apportioned = false
		}
	}

	return len(activeIDs), rate
}

// CallerSnapshot is one entry of the /__status diagnostic payload: the
// connection's currently configured rate and its current token count.
type CallerSnapshot struct {
	GeneralLimit float64
	Tokens       float64
}

// Snapshot returns the number of tracked connections and, per connection id,
// its (generalLimit, currentTokens) pair — the shape the /__status
// diagnostic endpoint exposes.
func (r *Registry) Snapshot() (count int, callers map[string]CallerSnapshot) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	callers = make(map[string]CallerSnapshot, len(r.connections))
	for id, conn := range r.connections {
		rate, tokens, _ := conn.Bucket.Snapshot()
		callers[id] = CallerSnapshot{GeneralLimit: rate, Tokens: tokens}
	}
	return len(r.connections), callers
}
