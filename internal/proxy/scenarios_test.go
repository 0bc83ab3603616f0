package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nullwire-labs/ratelimitproxy/internal/clock"
	"github.com/nullwire-labs/ratelimitproxy/internal/mockupstream"
)

// These scenario tests exercise complete end-to-end request lifecycles
// against a real upstream test server, the way an operator would
// characterize the proxy's behavior under a handful of representative
// traffic shapes before shipping a config change.

func TestScenario_SingleCallerBurstAllSucceed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	clk := clock.NewFake(time.Now())
	cfg := testConfig(upstream.URL)
	cfg.LimitPerMinute = 200
	cfg.GlobalCap = 200
	// A single active connection should be able to burst its full share of
	// the global rate; size the burst window so the lone connection's
	// capacity matches the global cap rather than an artificially small
	// fraction of it.
	cfg.BurstWindow = 60 * time.Second
	engine := NewEngine(cfg, clk)

	for i := 0; i < 200; i++ {
		req := httptest.NewRequest(http.MethodGet, "/hello", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
}

func TestScenario_TwoCallerFairness(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	clk := clock.NewFake(time.Now())
	cfg := testConfig(upstream.URL)
	cfg.LimitPerMinute = 200
	cfg.GlobalCap = 200
	cfg.BurstWindow = 60 * time.Second
	engine := NewEngine(cfg, clk)

	const perCaller = 60
	var wg sync.WaitGroup
	results := make([]int, 2*perCaller)

	run := func(callerIdx int, id string) {
		defer wg.Done()
		for i := 0; i < perCaller; i++ {
			req := httptest.NewRequest(http.MethodGet, "/hello", nil)
			req.Header.Set("X-Connection-Id", id)
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, req)
			results[callerIdx*perCaller+i] = rec.Code
		}
	}

	wg.Add(2)
	go run(0, "caller-a")
	go run(1, "caller-b")
	wg.Wait()

	for i, code := range results {
		if code != http.StatusOK {
			t.Fatalf("request %d: got %d, expected both callers to complete within their fair share", i, code)
		}
	}
}

func TestScenario_Upstream429OnceWithinDeadlineSucceeds(t *testing.T) {
	script := mockupstream.NewScript(
		mockupstream.ScriptedResponse{Status: http.StatusTooManyRequests, RetryAfter: "2"},
		mockupstream.ScriptedResponse{Status: http.StatusOK},
	)
	upstream := httptest.NewServer(script.Handler())
	defer upstream.Close()

	clk := clock.NewFake(time.Now())
	cfg := testConfig(upstream.URL)
	engine := NewEngine(cfg, clk)

	done := make(chan struct{})
	go advanceUntil(clk, done)
	defer close(done)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.Header.Set("Prefer", "wait=5")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Retry-Attempts") != "1" {
		t.Fatalf("expected X-Retry-Attempts=1, got %q", rec.Header().Get("X-Retry-Attempts"))
	}
}

func TestScenario_Upstream429PastDeadlineSurfacesUpstreamResponse(t *testing.T) {
	script := mockupstream.NewScript(
		mockupstream.ScriptedResponse{Status: http.StatusTooManyRequests, RetryAfter: "2"},
		mockupstream.ScriptedResponse{Status: http.StatusOK},
	)
	upstream := httptest.NewServer(script.Handler())
	defer upstream.Close()

	clk := clock.NewFake(time.Now())
	cfg := testConfig(upstream.URL)
	engine := NewEngine(cfg, clk)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.Header.Set("Prefer", "wait=1")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the upstream 429 to be surfaced once the deadline can't absorb the retry, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Upstream-Retry-After"); got != "2.000" {
		t.Fatalf("expected X-Upstream-Retry-After=2.000, got %q", got)
	}
	if script.Calls() != 1 {
		t.Fatalf("expected upstream called exactly once, got %d", script.Calls())
	}
}

func TestScenario_Transient5xxRecoversAfterTwoRetries(t *testing.T) {
	script := mockupstream.NewScript(
		mockupstream.ScriptedResponse{Status: http.StatusBadGateway},
		mockupstream.ScriptedResponse{Status: http.StatusBadGateway},
		mockupstream.ScriptedResponse{Status: http.StatusOK},
	)
	upstream := httptest.NewServer(script.Handler())
	defer upstream.Close()

	clk := clock.NewFake(time.Now())
	cfg := testConfig(upstream.URL)
	engine := NewEngine(cfg, clk)

	done := make(chan struct{})
	go advanceUntil(clk, done)
	defer close(done)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.Header.Set("Prefer", "wait=10")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected eventual 200 after transient errors clear, got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Retry-Attempts") != "2" {
		t.Fatalf("expected X-Retry-Attempts=2, got %q", rec.Header().Get("X-Retry-Attempts"))
	}
	if script.Calls() != 3 {
		t.Fatalf("expected upstream called 3 times, got %d", script.Calls())
	}
}

func TestScenario_LocalRateLimitWithNoBudgetSynthesizes429(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	clk := clock.NewFake(time.Now())
	cfg := testConfig(upstream.URL)
	cfg.LimitPerMinute = 60
	cfg.GlobalCap = 1
	engine := NewEngine(cfg, clk)

	// Exhaust the global bucket's single token.
	exhaust := httptest.NewRequest(http.MethodGet, "/hello", nil)
	engine.ServeHTTP(httptest.NewRecorder(), exhaust)

	// No Prefer header at all: any positive wait must fail locally.
	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected local 429, got %d", rec.Code)
	}
	if got := rec.Body.String(); !strings.Contains(got, `"detail":"rate_limited_local"`) {
		t.Fatalf("unexpected body: %s", got)
	}
	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("expected a Retry-After header")
	}
	var seconds int
	if _, err := fmt.Sscanf(retryAfter, "%d", &seconds); err != nil || seconds < 1 {
		t.Fatalf("expected Retry-After >= 1, got %q", retryAfter)
	}
}
