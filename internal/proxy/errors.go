package proxy

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
)

// errorResponse is the body shape used for every synthesized error
// response: a "detail" field plus the request's correlation id when one is
// available.
type errorResponse struct {
	Detail        string `json:"detail"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, detail, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Detail: detail, CorrelationID: correlationID})
}

// localRateLimitedBody is the literal body shape returned for a
// synthesized local 429.
type localRateLimitedBody struct {
	Detail        string  `json:"detail"`
	WaitRequiredS float64 `json:"wait_required_s"`
	Attempts      int     `json:"attempts"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

func writeLocalRateLimited(w http.ResponseWriter, wait float64, attempts, active int, ratePerConnection float64, correlationID string) {
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait))))
	w.Header().Set("X-Wait-Required", formatFloat(wait))
	w.Header().Set("X-Active-Connections", strconv.Itoa(active))
	w.Header().Set("X-Rate-Per-Connection", formatFloat(ratePerConnection))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(localRateLimitedBody{
		Detail:        "rate_limited_local",
		WaitRequiredS: wait,
		Attempts:      attempts,
		CorrelationID: correlationID,
	})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}
