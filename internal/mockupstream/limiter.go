// Package mockupstream provides a scriptable upstream HTTP server used by
// the proxy's scenario tests and by the standalone mockupstream CLI: a
// sliding-window rate limiter exposing RateLimit-* and Retry-After
// headers, plus an optional scripted response queue for deterministic
// retry scenarios.
package mockupstream

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Window is one sliding-window bucket, e.g. {Limit: 200, Period: time.Minute}.
type Window struct {
	Limit  int
	Period time.Duration
}

// SlidingWindowLimiter tracks, per client key, a request timestamp deque for
// each configured Window.
type SlidingWindowLimiter struct {
	windows []Window

	mu    sync.Mutex
	store map[string][][]time.Time
}

// NewSlidingWindowLimiter constructs a limiter over the given windows.
func NewSlidingWindowLimiter(windows ...Window) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		windows: windows,
		store:   make(map[string][][]time.Time),
	}
}

func (l *SlidingWindowLimiter) headerLimit() string {
	parts := make([]string, len(l.windows))
	for i, w := range l.windows {
		parts[i] = fmt.Sprintf("%d;w=%d", w.Limit, int(w.Period.Seconds()))
	}
	return strings.Join(parts, ", ")
}

// CheckAndCommit evaluates every window for key at now, admitting the
// request only if none are exhausted, and returns the RateLimit-* (and, on
// rejection, Retry-After) headers to attach to the response.
func (l *SlidingWindowLimiter) CheckAndCommit(key string, now time.Time) (allowed bool, headers map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deques, ok := l.store[key]
	if !ok {
		deques = make([][]time.Time, len(l.windows))
		l.store[key] = deques
	}

	remaining := make([]int, len(l.windows))
	resets := make([]int, len(l.windows))

	for i, w := range l.windows {
		cutoff := now.Add(-w.Period)
		q := deques[i]
		start := 0
		for start < len(q) && !q[start].After(cutoff) {
			start++
		}
		q = q[start:]
		deques[i] = q

		remaining[i] = w.Limit - len(q)
		if len(q) == 0 {
			resets[i] = 0
		} else {
			resets[i] = int((w.Period - now.Sub(q[0])).Seconds() + 0.999)
		}
	}
	l.store[key] = deques

	maxBlockedReset := -1
	for i, rem := range remaining {
		if rem <= 0 && resets[i] > maxBlockedReset {
			maxBlockedReset = resets[i]
		}
	}
	if maxBlockedReset >= 0 {
		return false, map[string]string{
			"RateLimit-Limit":     l.headerLimit(),
			"RateLimit-Remaining": "0",
			"RateLimit-Reset":     strconv.Itoa(maxBlockedReset),
			"Retry-After":         strconv.Itoa(maxBlockedReset),
		}
	}

	for i := range l.windows {
		deques[i] = append(deques[i], now)
	}
	l.store[key] = deques

	remainingAfter := make([]int, len(l.windows))
	resetsAfter := make([]int, len(l.windows))
	worst := 0
	for i, w := range l.windows {
		q := deques[i]
		remainingAfter[i] = w.Limit - len(q)
		if len(q) == 0 {
			resetsAfter[i] = 0
		} else {
			resetsAfter[i] = int((w.Period - now.Sub(q[0])).Seconds() + 0.999)
		}
		if remainingAfter[i] < remainingAfter[worst] {
			worst = i
		}
	}

	return true, map[string]string{
		"RateLimit-Limit":     l.headerLimit(),
		"RateLimit-Remaining": strconv.Itoa(remainingAfter[worst]),
		"RateLimit-Reset":     strconv.Itoa(resetsAfter[worst]),
	}
}

// ClientKey derives the sliding-window limiter's client identity from a
// request: an explicit X-Mock-Key wins, then the first X-Forwarded-For hop,
// then the remote address.
func ClientKey(r *http.Request) string {
	if key := r.Header.Get("X-Mock-Key"); key != "" {
		return "key:" + key
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return "ip:" + strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	return "ip:" + r.RemoteAddr
}
