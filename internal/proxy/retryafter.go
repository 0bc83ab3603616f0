package proxy

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// retryAfterHeaders is the precedence order checked for a rate-limited
// upstream response: first numeric-or-HTTP-date value wins.
var retryAfterHeaders = []string{
	"Retry-After",
	"RateLimit-Reset",
	"X-RateLimit-Reset",
	"X-Rate-Limit-Reset",
}

// parseRetryAfterSeconds inspects h for the first of retryAfterHeaders that
// parses as either an integer/float (seconds) or an HTTP-date, returning its
// value in seconds; negative numbers and past dates yield 0. Reports
// ok=false if none were present or
// parseable, in which case the caller falls back to computeFallbackRetry.
func parseRetryAfterSeconds(h http.Header, now time.Time) (seconds float64, ok bool) {
	for _, name := range retryAfterHeaders {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if f < 0 {
				f = 0
			}
			return f, true
		}
		if t, err := http.ParseTime(v); err == nil {
			delta := t.Sub(now).Seconds()
			if delta < 0 {
				delta = 0
			}
			return delta, true
		}
	}
	return 0, false
}

// FallbackConfig carries the FALLBACK_429_SECONDS / FALLBACK_503_SECONDS /
// RETRY_JITTER_PCT environment knobs.
type FallbackConfig struct {
	Base429    float64
	Base503    float64
	JitterPct  float64
	RandSource *rand.Rand
}

// computeFallbackRetry computes the RateLimited-branch fallback wait when
// no Retry-After-shaped header is present: for 429 the base
// grows as base*(1+0.5*min(attempt,10)); for 503 it grows as
// base*2^min(attempt,6). A ±jitterPct multiplicative jitter is applied and
// the final value clamped to [0, 300] seconds.
func computeFallbackRetry(statusCode int, attempt int, cfg FallbackConfig) float64 {
	var base, backoff float64
	switch statusCode {
	case http.StatusServiceUnavailable:
		base = cfg.Base503
		backoff = base * math.Pow(2, float64(minInt(attempt, 6)))
	default: // 429 and any other rate-limited code use the 429 shape
		base = cfg.Base429
		backoff = base * (1 + 0.5*float64(minInt(attempt, 10)))
	}

	r := cfg.RandSource
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}
	jitter := 1 + (r.Float64()*2-1)*cfg.JitterPct
	backoff *= jitter

	if backoff < 0 {
		backoff = 0
	}
	if backoff > 300 {
		backoff = 300
	}
	return backoff
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
