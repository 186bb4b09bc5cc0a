package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return sendJSON(t, router, http.MethodPost, path, body)
}

func putJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return sendJSON(t, router, http.MethodPut, path, body)
}

func sendJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

// --- Allocate ---

func TestAllocateRunner_Sync_ReturnsRunnerDetails(t *testing.T) {
	env := newTestServer()
	imageID := uuid.New()
	runnerID := uuid.New()
	env.allocator.allocateRes = &api.AllocateResult{
		Runner: &domain.Runner{
			ID:             runnerID,
			ImageID:        imageID,
			State:          domain.StateAwaitingClient,
			IP:             "203.0.113.10",
			LifecycleToken: "lt-abc",
		},
		LifecycleToken: "lt-abc",
	}
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners", api.AllocateRunnerRequest{
		ImageID: imageID.String(),
		UserID:  "user-1",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, runnerID.String(), body["runner_id"])
	assert.Equal(t, "http://203.0.113.10:3000", body["url"])
	assert.Equal(t, "awaiting_client", body["state"])
	assert.Equal(t, "lt-abc", body["lifecycle_token"])
	assert.Equal(t, false, body["reused"])
}

func TestAllocateRunner_Async_ReturnsLifecycleToken(t *testing.T) {
	env := newTestServer()
	env.allocator.allocateRes = &api.AllocateResult{LifecycleToken: "lt-async"}
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners", api.AllocateRunnerRequest{
		ImageID: uuid.New().String(),
		UserID:  "user-1",
		Async:   true,
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "lt-async", body["lifecycle_token"])
	assert.NotContains(t, body, "runner_id")
}

func TestAllocateRunner_MissingFields_Returns400(t *testing.T) {
	env := newTestServer()
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners", api.AllocateRunnerRequest{UserID: "user-1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, env.allocator.allocateReq)
}

func TestAllocateRunner_InvalidImageID_Returns400(t *testing.T) {
	env := newTestServer()
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners", api.AllocateRunnerRequest{
		ImageID: "not-a-uuid",
		UserID:  "user-1",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllocateRunner_ForwardedForWinsOverEnvData(t *testing.T) {
	env := newTestServer()
	env.allocator.allocateRes = &api.AllocateResult{
		Runner:         &domain.Runner{ID: uuid.New()},
		LifecycleToken: "lt",
	}
	router := api.NewRouter(env.srv)

	data, err := json.Marshal(api.AllocateRunnerRequest{
		ImageID: uuid.New().String(),
		UserID:  "user-1",
		EnvData: map[string]string{"user_ip": "10.0.0.1"},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runners", bytes.NewReader(data))
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.1.2.3")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.allocator.allocateReq)
	assert.Equal(t, "198.51.100.4", env.allocator.allocateReq.UserIP)
}

func TestAllocateRunner_InactiveImage_Returns400(t *testing.T) {
	env := newTestServer()
	env.allocator.allocateErr = domain.ErrInvalidRequest
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners", api.AllocateRunnerRequest{
		ImageID: uuid.New().String(),
		UserID:  "user-1",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- List / Get ---

func TestListRunners_FilterByState(t *testing.T) {
	env := newTestServer()
	env.seedRunner(domain.Runner{State: domain.StateReady})
	env.seedRunner(domain.Runner{State: domain.StateActive})
	env.seedRunner(domain.Runner{State: domain.StateReady})
	router := api.NewRouter(env.srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runners?state=ready", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	runners := body["runners"].([]interface{})
	assert.Len(t, runners, 2)
}

func TestGetRunner_NotFound_Returns404(t *testing.T) {
	env := newTestServer()
	router := api.NewRouter(env.srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runners/"+uuid.NewString(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "NOT_FOUND", errObj["code"])
}

func TestGetRunner_Exists_ReturnsRunner(t *testing.T) {
	env := newTestServer()
	r := env.seedRunner(domain.Runner{State: domain.StateActive, IP: "203.0.113.9"})
	router := api.NewRouter(env.srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runners/"+r.ID.String(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, "203.0.113.9", body["ip"])
}

func TestRunnerHistory_ReturnsEntries(t *testing.T) {
	env := newTestServer()
	r := env.seedRunner(domain.Runner{State: domain.StateReady})
	require.NoError(t, env.runners.AppendHistory(t.Context(), r.ID, "ready", nil, "readiness"))
	router := api.NewRouter(env.srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runners/"+r.ID.String()+"/history", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	history := body["history"].([]interface{})
	require.Len(t, history, 1)
	entry := history[0].(map[string]interface{})
	assert.Equal(t, "ready", entry["event_name"])
}

// --- State reports ---

func TestReportState_NonReportableState_Returns400(t *testing.T) {
	env := newTestServer()
	r := env.seedRunner(domain.Runner{State: domain.StateClosed})
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners/"+r.ID.String()+"/state",
		api.StateReportRequest{State: "terminated"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportState_IllegalTransition_Returns409(t *testing.T) {
	env := newTestServer()
	r := env.seedRunner(domain.Runner{State: domain.StateRunnerStarting})
	router := api.NewRouter(env.srv)

	// runner_starting cannot jump straight to active.
	rec := postJSON(t, router, "/api/v1/runners/"+r.ID.String()+"/state",
		api.StateReportRequest{State: "active"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	got, err := env.runners.GetRunner(t.Context(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunnerStarting, got.State)
}

func TestReportState_LegalTransition_UpdatesAndNotifies(t *testing.T) {
	env := newTestServer()
	r := env.seedRunner(domain.Runner{
		State:          domain.StateAwaitingClient,
		LifecycleToken: "lt-report",
	})
	ch, cancel := env.srv.Events.Subscribe("lt-report")
	defer cancel()
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners/"+r.ID.String()+"/state",
		api.StateReportRequest{State: "active"})

	assert.Equal(t, http.StatusOK, rec.Code)
	got, err := env.runners.GetRunner(t.Context(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)

	history, err := env.runners.ListHistory(t.Context(), r.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "state_reported", history[0].EventName)
	assert.Equal(t, "external_report", history[0].CreatedBy)

	select {
	case ev := <-ch:
		assert.Contains(t, ev.Message, "active")
	case <-time.After(time.Second):
		t.Fatal("expected a session status event")
	}
}

func TestReportState_CaseSensitive(t *testing.T) {
	env := newTestServer()
	r := env.seedRunner(domain.Runner{State: domain.StateAwaitingClient})
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners/"+r.ID.String()+"/state",
		api.StateReportRequest{State: "Active"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Extend / Terminate / Attach ---

func TestExtendSession_NonPositiveMinutes_Returns400(t *testing.T) {
	env := newTestServer()
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners/"+uuid.NewString()+"/extend",
		api.ExtendSessionRequest{Minutes: 0})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtendSession_ReturnsNewSessionEnd(t *testing.T) {
	env := newTestServer()
	end := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	env.allocator.extendRunner = &domain.Runner{ID: uuid.New(), SessionEnd: &end}
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners/"+uuid.NewString()+"/extend",
		api.ExtendSessionRequest{Minutes: 30})

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["session_end"], "2026-08-26T15:00:00")
}

func TestExtendSession_PastCap_Returns400(t *testing.T) {
	env := newTestServer()
	env.allocator.extendErr = domain.ErrInvalidRequest
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners/"+uuid.NewString()+"/extend",
		api.ExtendSessionRequest{Minutes: 400})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTerminateRunner_StartsTeardown(t *testing.T) {
	env := newTestServer()
	r := env.seedRunner(domain.Runner{State: domain.StateActive})
	router := api.NewRouter(env.srv)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/runners/"+r.ID.String(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "terminating", body["state"])
	assert.Equal(t, "user_request", env.terminator.terminateBy)
}

func TestTerminateRunner_UnknownRunner_Returns404(t *testing.T) {
	env := newTestServer()
	router := api.NewRouter(env.srv)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/runners/"+uuid.NewString(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.terminator.calls)
}

func TestAttachTerminal_MissingToken_Returns400(t *testing.T) {
	env := newTestServer()
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners/attach", api.AttachTerminalRequest{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachTerminal_ReturnsConnectionDetails(t *testing.T) {
	env := newTestServer()
	env.allocator.attachRunner = &domain.Runner{
		ID:    uuid.New(),
		IP:    "203.0.113.20",
		State: domain.StateActive,
	}
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners/attach",
		api.AttachTerminalRequest{TerminalToken: "tt-1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "203.0.113.20", body["ip"])
	assert.Equal(t, "http://203.0.113.20:3000", body["url"])
	assert.Equal(t, "tt-1", env.allocator.attachToken)
}

func TestAttachTerminal_UnknownToken_Returns404(t *testing.T) {
	env := newTestServer()
	env.allocator.attachErr = domain.ErrNotFound
	router := api.NewRouter(env.srv)

	rec := postJSON(t, router, "/api/v1/runners/attach",
		api.AttachTerminalRequest{TerminalToken: "tt-unknown"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
