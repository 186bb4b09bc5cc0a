package api

import (
	"encoding/json"
	"net/http"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// AllocateRunnerRequest is the JSON body for POST /api/v1/runners.
type AllocateRunnerRequest struct {
	ImageID        string            `json:"image_id"`
	UserID         string            `json:"user_id"`
	SessionMinutes int               `json:"session_minutes"`
	EnvData        map[string]string `json:"env_data,omitempty"`
	Async          bool              `json:"async,omitempty"`
}

// StateReportRequest is the JSON body for POST /api/v1/runners/{runnerID}/state.
type StateReportRequest struct {
	State string `json:"state"`
}

// ExtendSessionRequest is the JSON body for POST /api/v1/runners/{runnerID}/extend.
type ExtendSessionRequest struct {
	Minutes int `json:"minutes"`
}

// AttachTerminalRequest is the JSON body for POST /api/v1/runners/attach.
type AttachTerminalRequest struct {
	TerminalToken string `json:"terminal_token"`
}

// MountRunnerRoutes registers runner endpoints on the router.
func MountRunnerRoutes(r chi.Router, srv *Server) {
	if srv.AllocRateLimit != nil {
		// Allocation can launch cloud instances, so it gets its own budget.
		arl, amw := RateLimit(*srv.AllocRateLimit)
		srv.AllocRateLimiterStop = arl.Stop
		r.With(amw).Post("/runners", srv.HandleAllocateRunner)
	} else {
		r.Post("/runners", srv.HandleAllocateRunner)
	}
	r.Get("/runners", srv.HandleListRunners)
	r.Get("/runners/{runnerID}", srv.HandleGetRunner)
	r.Get("/runners/{runnerID}/history", srv.HandleRunnerHistory)
	r.Post("/runners/{runnerID}/state", srv.HandleReportState)
	r.Post("/runners/{runnerID}/extend", srv.HandleExtendSession)
	r.Delete("/runners/{runnerID}", srv.HandleTerminateRunner)
	r.Post("/runners/attach", srv.HandleAttachTerminal)
}

// HandleAllocateRunner hands a runner to the user: an existing live one, a
// warm pool claim, or a cold launch. Synchronous requests block until the
// runner is reachable; async requests return the lifecycle token right away
// so the client can follow progress on the events stream.
func (s *Server) HandleAllocateRunner(w http.ResponseWriter, r *http.Request) {
	var req AllocateRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.ImageID == "" || req.UserID == "" {
		errorJSON(w, "image_id and user_id are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	imageID, err := uuid.Parse(req.ImageID)
	if err != nil {
		errorJSON(w, "image_id must be a valid UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	// The connection's address wins over any client-supplied value: ingress
	// is opened for this IP, so it must be the one the traffic comes from.
	userIP := headerClientIP(r)
	if userIP == "" {
		userIP = req.EnvData["user_ip"]
	}

	res, err := s.Allocator.Allocate(r.Context(), AllocateRequest{
		ImageID:        imageID,
		UserID:         req.UserID,
		UserIP:         userIP,
		SessionMinutes: req.SessionMinutes,
		EnvData:        req.EnvData,
		Async:          req.Async,
	})
	if err != nil {
		domainError(w, err)
		return
	}

	if req.Async {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"lifecycle_token": res.LifecycleToken,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runner_id":       res.Runner.ID.String(),
		"url":             res.Runner.URL(),
		"state":           res.Runner.State,
		"lifecycle_token": res.LifecycleToken,
		"reused":          res.Reused,
	})
}

// HandleListRunners returns runners filtered by state, image, and user.
func (s *Server) HandleListRunners(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	filter := RunnerFilter{
		State:  domain.RunnerState(r.URL.Query().Get("state")),
		UserID: r.URL.Query().Get("user_id"),
		Limit:  limit,
		Offset: offset,
	}
	if v := r.URL.Query().Get("image_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			errorJSON(w, "image_id must be a valid UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.ImageID = id
	}

	runners, err := s.Runners.ListRunners(r.Context(), filter)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": runners})
}

// HandleGetRunner returns a single runner by ID.
func (s *Server) HandleGetRunner(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "runnerID")
	if !ok {
		return
	}

	runner, err := s.Runners.GetRunner(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}

// HandleRunnerHistory returns the runner's append-only history log.
func (s *Server) HandleRunnerHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "runnerID")
	if !ok {
		return
	}

	if _, err := s.Runners.GetRunner(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	history, err := s.Runners.ListHistory(r.Context(), id)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// HandleReportState accepts an externally observed state for a runner, for
// example the in-VM agent reporting "active" when the user connects.
// Only the externally reportable subset of states is accepted, and the move
// must be legal from the runner's current state.
func (s *Server) HandleReportState(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "runnerID")
	if !ok {
		return
	}

	var req StateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	target := domain.RunnerState(req.State)
	if !domain.Reportable(req.State) {
		errorJSON(w, "state "+req.State+" cannot be reported externally", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	runner, err := s.Runners.GetRunner(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}

	if !domain.CanTransition(runner.State, target) {
		errorJSON(w, "cannot move runner from "+string(runner.State)+" to "+string(target), "CONFLICT", http.StatusConflict)
		return
	}

	if err := s.Runners.TransitionState(r.Context(), id, runner.State, target); err != nil {
		domainError(w, err)
		return
	}

	// History and client notification are observations, not preconditions.
	_ = s.Runners.AppendHistory(r.Context(), id, "state_reported", map[string]string{
		"from": string(runner.State),
		"to":   string(target),
	}, "external_report")
	if s.Events != nil {
		s.Events.Emit(runner.LifecycleToken, newSessionStatusEvent(string(target)))
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"runner_id": id.String(),
		"state":     string(target),
	})
}

// HandleExtendSession moves the runner's session deadline forward.
// The total session length is capped; requests past the cap are rejected.
func (s *Server) HandleExtendSession(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "runnerID")
	if !ok {
		return
	}

	var req ExtendSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Minutes <= 0 {
		errorJSON(w, "minutes must be positive", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	runner, err := s.Allocator.ExtendSession(r.Context(), id, req.Minutes)
	if err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runner_id":   runner.ID.String(),
		"session_end": runner.SessionEnd,
	})
}

// HandleTerminateRunner starts the teardown pipeline for a runner.
// Termination is idempotent: repeated calls for the same runner are no-ops.
func (s *Server) HandleTerminateRunner(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "runnerID")
	if !ok {
		return
	}

	if _, err := s.Runners.GetRunner(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	if err := s.Terminator.Terminate(r.Context(), id, "user_request"); err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"runner_id": id.String(),
		"state":     string(domain.StateTerminating),
	})
}

// HandleAttachTerminal exchanges a terminal token for connection details.
// The token is single-purpose: it authorizes shell access to one runner.
func (s *Server) HandleAttachTerminal(w http.ResponseWriter, r *http.Request) {
	var req AttachTerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.TerminalToken == "" {
		errorJSON(w, "terminal_token is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	runner, err := s.Allocator.AttachTerminal(r.Context(), req.TerminalToken)
	if err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runner_id": runner.ID.String(),
		"ip":        runner.IP,
		"url":       runner.URL(),
		"state":     runner.State,
	})
}
