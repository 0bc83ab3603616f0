package proxy

import (
	"encoding/json"
	"net/http"
)

// callerStatus is the two-element [general_limit, current_tokens] pair the
// /__status endpoint returns per caller.
type callerStatus [2]float64

type statusBody struct {
	NCallers int                     `json:"n_callers"`
	Callers  map[string]callerStatus `json:"callers"`
}

// StatusHandler serves the /__status diagnostic endpoint, reporting every
// tracked connection's general limit and current token balance.
func (e *Engine) StatusHandler(w http.ResponseWriter, r *http.Request) {
	count, callers := e.registry.Snapshot()

	body := statusBody{
		NCallers: count,
		Callers:  make(map[string]callerStatus, len(callers)),
	}
	for id, snap := range callers {
		body.Callers[id] = callerStatus{snap.GeneralLimit, snap.Tokens}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
