package ratelimithttp

import (
	"encoding/json"
	"net/http"
)

// StateSource is implemented by *ratelimit.Client
type StateSource interface {
	ActiveActors() int
	PendingAlarms() int
	Limits() (maxRequests, windowMs int64)
}

type stateResponse struct {
	ActiveActors  int            `json:"active_actors"`
	PendingAlarms int            `json:"pending_alarms"`
	Policy        policyResponse `json:"policy"`
}

// StateHandler dumps limiter runtime state for the admin listener
func StateHandler(src StateSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max, windowMs := src.Limits()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(stateResponse{
			ActiveActors:  src.ActiveActors(),
			PendingAlarms: src.PendingAlarms(),
			Policy:        policyResponse{MaxRequests: max, WindowMs: windowMs},
		})
	})
}
