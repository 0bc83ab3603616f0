package proxy

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// CorrelationMiddleware reads X-Request-Id off the incoming request,
// generating one if absent, and attaches it to both the response headers
// and the request-scoped zerolog context, so the same id is echoed on the
// response and forwarded on the outbound call.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-Id", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		logger := log.With().Str("request_id", requestID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request id stashed by CorrelationMiddleware.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// connectionID derives the logical connection identity: prefer the
// explicit X-Connection-Id header, falling back to
// client_ip + "|" + user_agent.
func connectionID(r *http.Request) string {
	if id := r.Header.Get("X-Connection-Id"); id != "" {
		return id
	}
	ip := clientIP(r)
	ua := r.Header.Get("User-Agent")
	if ua == "" {
		ua = "na"
	}
	return ip + "|" + ua
}

// clientIP extracts the caller's address, preferring X-Forwarded-For's
// first hop (when present) over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
