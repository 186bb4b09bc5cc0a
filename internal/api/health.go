package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information. These are set via -ldflags at build time:
//
//	go build -ldflags "-X api.Version=1.4.0 -X api.GitCommit=abc1234 -X api.BuildTime=2026-08-01T12:00:00Z"
//
// If not set, defaults are used.
var (
	Version   = "dev"     // Semantic version (e.g., "1.4.0")
	GitCommit = "unknown" // Git commit SHA
	BuildTime = "unknown" // ISO 8601 build timestamp
)

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (e.g. Ping, SELECT 1).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // human-readable error when status is "error"
}

// ReadinessResponse is the structured JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive is a lightweight liveness probe — confirms the process is alive.
// Always returns 200. Used by orchestrators (Docker, Kubernetes) for liveness checks.
// Includes version and build information for operational visibility.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

// HandleHealthReady checks registered dependencies and returns 200 if all are
// healthy, or 503 if any is down. Each check runs with a 2s timeout.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]CheckResult)

	if s.DBHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		if err := s.DBHealth.HealthCheck(ctx); err != nil {
			checks["postgres"] = CheckResult{Status: "error", Error: err.Error()}
		} else {
			checks["postgres"] = CheckResult{Status: "ok"}
		}
		cancel()
	}

	allOK := true
	for _, res := range checks {
		if res.Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

// HandleHealth is the backward-compatible health endpoint.
// Aliases to the liveness probe (always 200).
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.HandleHealthLive(w, r)
}

// HandleMetrics returns basic application metrics in Prometheus text exposition format.
// This is a lightweight implementation suitable for scraping by Prometheus.
func (s *Server) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP burrowd_info Build information about burrowd.\n")
	fmt.Fprintf(w, "# TYPE burrowd_info gauge\n")
	fmt.Fprintf(w, "burrowd_info{version=%q,git_commit=%q,go_version=%q} 1\n", Version, GitCommit, runtime.Version())

	fmt.Fprintf(w, "# HELP burrowd_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE burrowd_goroutines gauge\n")
	fmt.Fprintf(w, "burrowd_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP burrowd_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE burrowd_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "burrowd_memory_alloc_bytes %d\n", memStats.Alloc)

	fmt.Fprintf(w, "# HELP burrowd_memory_sys_bytes Total memory obtained from the OS in bytes.\n")
	fmt.Fprintf(w, "# TYPE burrowd_memory_sys_bytes gauge\n")
	fmt.Fprintf(w, "burrowd_memory_sys_bytes %d\n", memStats.Sys)

	fmt.Fprintf(w, "# HELP burrowd_gc_completed_total Total number of completed GC cycles.\n")
	fmt.Fprintf(w, "# TYPE burrowd_gc_completed_total counter\n")
	fmt.Fprintf(w, "burrowd_gc_completed_total %d\n", memStats.NumGC)

	if s.SSELimiter != nil {
		fmt.Fprintf(w, "# HELP burrowd_sse_connections_active Current number of active SSE connections.\n")
		fmt.Fprintf(w, "# TYPE burrowd_sse_connections_active gauge\n")
		fmt.Fprintf(w, "burrowd_sse_connections_active %d\n", s.SSELimiter.GlobalCount())
	}
}
