package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/shadow-agent/internal/command"
	"github.com/nerrad567/shadow-agent/internal/device"
	"github.com/nerrad567/shadow-agent/internal/outbox"
)

// SystemMetrics represents the complete metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	Device        device.Stats   `json:"device"`
	Outbox        *outbox.Stats  `json:"outbox,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// handleMetrics returns runtime, session, sync and command statistics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Device: s.agent.Stats(),
	}

	if s.outbox != nil {
		st, err := s.outbox.Stats(r.Context())
		if err != nil {
			s.logger.Error("reading outbox stats", "error", err)
		} else {
			metrics.Outbox = &st
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

// handleInflight lists command invocations that have not been answered.
func (s *Server) handleInflight(w http.ResponseWriter, _ *http.Request) {
	inflight := s.agent.Inflight()
	if inflight == nil {
		inflight = []command.Invocation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": inflight,
		"count":    len(inflight),
	})
}
