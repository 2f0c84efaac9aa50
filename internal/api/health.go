package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/shadow-agent/internal/session"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string        `json:"status"`
	DeviceID      string        `json:"device_id"`
	Session       session.State `json:"session"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`

	// History is "ok" or the error from the report history store; empty
	// when history is not recorded.
	History string `json:"history,omitempty"`
}

// handleHealth reports "ok" while the session is up and history (if
// recorded) is healthy, and "degraded" otherwise. The status code is 200
// in both cases: the agent is alive and keeps accumulating changes while
// offline.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.agent.State()
	resp := HealthResponse{
		Status:        "ok",
		DeviceID:      s.agent.ID(),
		Session:       state,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if state != session.StateConnected {
		resp.Status = "degraded"
	}
	if s.history != nil {
		resp.History = "ok"
		if err := s.history.HealthCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.History = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
