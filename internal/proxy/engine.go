// Package proxy implements the admission and retry engine: the request
// lifecycle that wires the ratelimit package's TokenBucket/Registry/
// Backpressure primitives to an upstream HTTP call.
package proxy

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nullwire-labs/ratelimitproxy/internal/clock"
	"github.com/nullwire-labs/ratelimitproxy/internal/ratelimit"
)

// Engine is the per-process admission and retry engine. It owns the three
// process-wide singletons (Registry, Backpressure, outbound HTTP client)
// and is stateless across requests beyond them, threading a single struct
// through every handler instead of relying on package-level globals.
type Engine struct {
	cfg Config
	clk clock.Clock

	registry     *ratelimit.Registry
	backpressure *ratelimit.Backpressure

	httpClient *http.Client
	rng        *rand.Rand
}

// NewEngine constructs an Engine from cfg, using clk as the sole monotonic
// time source for every wait/deadline/backoff computation.
func NewEngine(cfg Config, clk clock.Clock) *Engine {
	registry := ratelimit.NewRegistry(clk, ratelimit.Config{
		LimitPerMinute:     cfg.LimitPerMinute,
		GlobalCapacity:     cfg.GlobalCap,
		ActiveWindow:       cfg.ActiveWindow,
		BurstWindow:        cfg.BurstWindow,
		IdleEvictThreshold: IdleEvictThreshold(),
	})

	return &Engine{
		cfg:          cfg,
		clk:          clk,
		registry:     registry,
		backpressure: ratelimit.NewBackpressure(clk),
		httpClient:   newOutboundClient(cfg),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Registry exposes the fairness registry for the diagnostic endpoint.
func (e *Engine) Registry() *ratelimit.Registry { return e.registry }

// RunEviction periodically rebalances the registry so idle connections are
// quenched and eventually evicted even when no traffic arrives to trigger a
// rebalance on the request path. Blocks until ctx is cancelled.
func (e *Engine) RunEviction(ctx context.Context, interval time.Duration) error {
	for {
		if err := e.clk.Sleep(ctx, interval); err != nil {
			return nil
		}
		active, _ := e.registry.Rebalance()
		log.Debug().Int("active_connections", active).Msg("background rebalance")
	}
}

// ServeHTTP implements the full admission, forwarding, and retry lifecycle
// for one inbound request.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Ctx(r.Context()).Error().Interface("panic", rec).Msg("internal error handling request")
			writeJSONError(w, http.StatusInternalServerError, "internal_error", GetRequestID(r.Context()))
		}
	}()

	bodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_body", GetRequestID(r.Context()))
		return
	}

	// Identify & register the connection.
	connID := connectionID(r)
	e.registry.Touch(connID)
	active, ratePerConnection := e.registry.Rebalance()

	// Determine the retry deadline, if any.
	deadline, hasDeadline := parseDeadline(r, e.clk.Now(), e.cfg.PreferWaitDefault)

	requestID := GetRequestID(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}
	globalBucket := e.registry.GlobalBucket()
	connBucket := e.registry.Bucket(connID)

	retryAttempts := 0
	transientBackoff := newTransientBackoff(e.clk)
	needsAdmission := true

	for {
		if needsAdmission {
			if !e.admitLocal(w, r, globalBucket, connBucket, deadline, hasDeadline, active, ratePerConnection, requestID) {
				return
			}
			needsAdmission = false
		}

		resp, err := e.forwardOnce(r, bodyBytes, requestID)
		if err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Msg("upstream unreachable")
			writeJSONError(w, http.StatusBadGateway, "upstream_unreachable", requestID)
			return
		}

		switch classify(resp.StatusCode) {
		case outcomeTerminal:
			e.writeProxied(w, resp, retryAttempts, active, ratePerConnection, globalBucket)
			return

		case outcomeRateLimited:
			now := e.clk.Now()
			// HTTP-date values are measured against wall-clock time.
			ra, ok := parseRetryAfterSeconds(resp.Header, time.Now())
			if !ok {
				ra = computeFallbackRetry(resp.StatusCode, retryAttempts, FallbackConfig{
					Base429:    e.cfg.Fallback429Seconds,
					Base503:    e.cfg.Fallback503Seconds,
					JitterPct:  e.cfg.RetryJitterPct,
					RandSource: e.rng,
				})
			}
			e.backpressure.Pause(ra)

			if hasDeadline && !now.Add(secondsToDuration(ra)).After(deadline) {
				resp.Body.Close()
				if err := e.clk.Sleep(r.Context(), secondsToDuration(ra)); err != nil {
					writeJSONError(w, http.StatusBadGateway, "upstream_unreachable", requestID)
					return
				}
				retryAttempts++
				needsAdmission = true // a rate-limited retry must re-acquire a local token before forwarding again
				continue
			}

			e.writeUpstreamRateLimited(w, resp, ra, retryAttempts, active, ratePerConnection, globalBucket)
			return

		case outcomeTransientError:
			now := e.clk.Now()
			wait := transientBackoff.NextBackOff()
			if wait > maxTransientWait {
				wait = maxTransientWait
			}

			if hasDeadline && !now.Add(wait).After(deadline) {
				resp.Body.Close()
				if err := e.clk.Sleep(r.Context(), wait); err != nil {
					writeJSONError(w, http.StatusBadGateway, "upstream_unreachable", requestID)
					return
				}
				retryAttempts++
				// transient 5xx retries re-forward directly; no fresh token required.
				continue
			}

			e.writeProxied(w, resp, retryAttempts, active, ratePerConnection, globalBucket)
			return
		}
	}
}

// admitLocal runs the local admission loop against the global and
// per-connection buckets. Returns true once both admit the request;
// returns false after writing a synthesized local 429 response (deadline
// exhausted).
func (e *Engine) admitLocal(
	w http.ResponseWriter,
	r *http.Request,
	globalBucket, connBucket *ratelimit.Bucket,
	deadline time.Time,
	hasDeadline bool,
	active int,
	ratePerConnection float64,
	requestID string,
) bool {
	attempts := 0
	for {
		attempts++
		// An active backpressure pause holds the request back before any
		// token is taken.
		pause := e.backpressure.Remaining()
		var waitG, waitC float64
		if pause <= 0 {
			okG, wG := globalBucket.TakeOne()
			okC, wC := connBucket.TakeOne()
			if okG && okC {
				return true
			}
			waitG, waitC = wG, wC
		}

		wait := maxFloat(waitG, waitC, pause)
		now := e.clk.Now()

		if hasDeadline && !now.Add(secondsToDuration(wait)).After(deadline) {
			if err := e.clk.Sleep(r.Context(), secondsToDuration(wait)); err != nil {
				writeJSONError(w, http.StatusBadGateway, "upstream_unreachable", requestID)
				return false
			}
			continue
		}

		writeLocalRateLimited(w, wait, attempts, active, ratePerConnection, requestID)
		return false
	}
}

// forwardOnce forwards the request upstream, stripping hop-by-hop headers
// and injecting X-Request-Id.
func (e *Engine) forwardOnce(r *http.Request, body []byte, requestID string) (*http.Response, error) {
	url := e.cfg.UpstreamBaseURL + r.URL.RequestURI()

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyHeaders(outReq.Header, r.Header)
	outReq.Header.Set("X-Request-Id", requestID)

	return e.httpClient.Do(outReq)
}

// writeProxied passes an upstream response through unchanged except for the
// stripped hop-by-hop set and the diagnostic headers attached to every
// response (Terminal branch, and TransientError once retries are
// exhausted).
func (e *Engine) writeProxied(w http.ResponseWriter, resp *http.Response, retryAttempts, active int, ratePerConnection float64, globalBucket *ratelimit.Bucket) {
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	e.setDiagnosticHeaders(w, retryAttempts, active, ratePerConnection, globalBucket)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// writeUpstreamRateLimited surfaces an upstream 429/503 after the retry
// budget is exhausted.
func (e *Engine) writeUpstreamRateLimited(w http.ResponseWriter, resp *http.Response, retryAfter float64, retryAttempts, active int, ratePerConnection float64, globalBucket *ratelimit.Bucket) {
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Upstream-Retry-After", formatFloat(retryAfter))
	e.setDiagnosticHeaders(w, retryAttempts, active, ratePerConnection, globalBucket)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (e *Engine) setDiagnosticHeaders(w http.ResponseWriter, retryAttempts, active int, ratePerConnection float64, globalBucket *ratelimit.Bucket) {
	h := w.Header()
	h.Set("X-Retry-Attempts", strconv.Itoa(retryAttempts))
	h.Set("X-Active-Connections", strconv.Itoa(active))
	h.Set("X-Rate-Per-Connection", formatFloat(ratePerConnection))

	rate, tokens, _ := globalBucket.Snapshot()
	h.Set("X-RateLimit-Remaining-Global", formatFloat(tokens))
	h.Set("X-RateLimit-Rate-Global", formatFloat(rate))
}

func maxFloat(values ...float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
