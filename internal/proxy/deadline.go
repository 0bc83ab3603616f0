package proxy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// parseDeadline parses a `Prefer: wait=<seconds>` header (case-insensitive,
// trimmed). If the header is absent entirely, or carries no wait= token,
// there is no retry budget (hasDeadline=false). If a wait= token is present
// but its value is empty, negative, or non-numeric, fall back to defaultWait
// (typically 0) rather than treating the request as budget-less.
func parseDeadline(r *http.Request, now time.Time, defaultWait time.Duration) (deadline time.Time, hasDeadline bool) {
	raw := strings.TrimSpace(r.Header.Get("Prefer"))
	if raw == "" {
		return time.Time{}, false
	}

	waitValue, found := extractWaitParam(raw)
	if !found {
		return time.Time{}, false
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(waitValue), 64)
	if err != nil || seconds < 0 {
		seconds = defaultWait.Seconds()
	}
	return now.Add(secondsToDuration(seconds)), true
}

// extractWaitParam finds a "wait=<value>" token (case-insensitive) within a
// Prefer header value, which may carry multiple comma-separated preferences,
// each with optional ;-separated parameters (e.g. "wait=5, respond-async").
func extractWaitParam(header string) (string, bool) {
	for _, part := range strings.Split(header, ",") {
		for _, kv := range strings.Split(part, ";") {
			kv = strings.TrimSpace(kv)
			lower := strings.ToLower(kv)
			if strings.HasPrefix(lower, "wait=") {
				return kv[len("wait="):], true
			}
		}
	}
	return "", false
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}
