package ratelimit

import (
	"testing"
	"time"

	"github.com/nullwire-labs/ratelimitproxy/internal/clock"
)

func TestBucket_TakeWithinCapacity(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBucket(clk, 10, 5)

	for i := 0; i < 5; i++ {
		ok, wait := b.TakeOne()
		if !ok {
			t.Fatalf("take %d: expected success, got wait=%v", i, wait)
		}
		if wait != 0 {
			t.Errorf("take %d: expected wait=0 on success, got %v", i, wait)
		}
	}

	ok, wait := b.TakeOne()
	if ok {
		t.Fatal("expected 6th take to fail once capacity is exhausted")
	}
	if wait <= 0 {
		t.Errorf("expected positive wait once exhausted, got %v", wait)
	}
}

func TestBucket_RefillOverTime(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBucket(clk, 1, 1) // 1 token/sec, capacity 1

	ok, _ := b.TakeOne()
	if !ok {
		t.Fatal("expected initial take to succeed (bucket starts full)")
	}

	ok, _ = b.TakeOne()
	if ok {
		t.Fatal("expected immediate second take to fail")
	}

	clk.Advance(1100 * time.Millisecond)

	ok, _ = b.TakeOne()
	if !ok {
		t.Fatal("expected take to succeed after refill window elapses")
	}
}

func TestBucket_TokensNeverExceedCapacity(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBucket(clk, 100, 3)

	clk.Advance(10 * time.Second) // would refill far past capacity
	_, _, capacity := b.Snapshot()
	rate, tokens, _ := b.Snapshot()
	_ = rate
	if tokens > capacity {
		t.Errorf("tokens %v exceeded capacity %v", tokens, capacity)
	}
	if tokens < 0 {
		t.Errorf("tokens went negative: %v", tokens)
	}
}

func TestBucket_PauseBlocksTakeAndForfeitsRefill(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBucket(clk, 1, 5) // 1 token/sec, capacity 5

	for i := 0; i < 5; i++ {
		if ok, _ := b.TakeOne(); !ok {
			t.Fatalf("drain take %d failed", i)
		}
	}

	b.Pause(4)
	clk.Advance(2 * time.Second)

	// A take mid-pause fails with the remaining pause as its wait, and
	// forfeits the 2 tokens that would have accrued up to this point.
	ok, wait := b.TakeOne()
	if ok {
		t.Fatal("expected take to fail while paused")
	}
	if wait < 1.9 || wait > 2.1 {
		t.Errorf("expected ~2s of pause remaining, got %v", wait)
	}

	clk.Advance(3 * time.Second) // pause ended 1s ago

	ok, _ = b.TakeOne()
	if !ok {
		t.Fatal("expected take to succeed once pause has elapsed and bucket refilled")
	}

	// 3s elapsed since the forfeiting mid-pause take, minus the one token
	// just consumed. Without forfeiture this would read 4.
	_, tokens, _ := b.Snapshot()
	if tokens < 1.9 || tokens > 2.1 {
		t.Errorf("expected forfeited accrual to leave ~2 tokens, got %v", tokens)
	}
}

func TestBucket_PauseNeverShrinks(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBucket(clk, 1, 1)

	b.Pause(5)
	_, wait1 := b.TakeOne()

	b.Pause(1) // shorter pause must not shrink the existing one
	_, wait2 := b.TakeOne()

	if wait2 < wait1-0.01 {
		t.Errorf("shorter pause shrank remaining wait: %v -> %v", wait1, wait2)
	}
}

func TestBucket_SetRateCapacityRefillsFirstThenClamps(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBucket(clk, 10, 10)

	for i := 0; i < 10; i++ {
		b.TakeOne()
	}

	clk.Advance(500 * time.Millisecond) // 5 tokens accrue at old rate
	b.SetRateCapacity(1, 2)             // then clamp down to capacity 2

	_, tokens, capacity := b.Snapshot()
	if capacity != 2 {
		t.Errorf("expected capacity 2, got %v", capacity)
	}
	if tokens > 2 {
		t.Errorf("expected tokens clamped to new capacity, got %v", tokens)
	}
}

func TestBucket_NonPositiveRateAndCapacityAreCoerced(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBucket(clk, -1, 0)

	rate, tokens, capacity := b.Snapshot()
	if rate <= 0 {
		t.Errorf("expected rate coerced to a positive value, got %v", rate)
	}
	if capacity < 1 {
		t.Errorf("expected capacity floored at 1, got %v", capacity)
	}
	if tokens < 0 || tokens > capacity {
		t.Errorf("tokens %v out of [0, capacity] range", tokens)
	}
}
