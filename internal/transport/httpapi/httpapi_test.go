package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orchestrator/internal/arbitration"
	"orchestrator/internal/orchestrator"
	"orchestrator/internal/pool"
)

func newTestServer() *Server {
	orch := orchestrator.New(orchestrator.Config{
		Pool: pool.Config{
			MaxWorkers:   2,
			Backpressure: pool.BackpressureConfig{SaturationRatio: 0.8, QueueDepth: 10, CooldownMs: 2000},
			Retry:        pool.RetryConfig{BaseDelayMs: 100, MaxDelayMs: 1000, MaxAttempts: 3},
		},
		Arbitration: arbitration.DefaultConfig,
	}, orchestrator.Dependencies{Now: time.Now})
	return New(orch, nil, 2000)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(b)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitTask_ReturnsTaskID(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/v1/tasks", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["taskId"])
}

func TestAssignTask_NoWorkers_Queues(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/v1/tasks", nil)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	taskID := body["taskId"]

	rec = doJSON(t, s, http.MethodPost, "/v1/tasks/"+taskID+"/assign", assignRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestArbitrate_Unanimous(t *testing.T) {
	s := newTestServer()
	req := arbitrateRequest{Pleadings: []arbitration.PleadingDecision{
		{WorkerID: "w1", Decision: arbitration.Approve, Confidence: 0.9},
		{WorkerID: "w2", Decision: arbitration.Approve, Confidence: 0.8},
		{WorkerID: "w3", Decision: arbitration.Approve, Confidence: 0.85},
	}}
	rec := doJSON(t, s, http.MethodPost, "/v1/arbitration", req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestArbitrate_InsufficientParticipants_Returns400(t *testing.T) {
	s := newTestServer()
	req := arbitrateRequest{Pleadings: []arbitration.PleadingDecision{
		{WorkerID: "w1", Decision: arbitration.Approve, Confidence: 0.9},
	}}
	rec := doJSON(t, s, http.MethodPost, "/v1/arbitration", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskStatus_ReturnsStateAndHistory(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/v1/tasks", nil)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	taskID := body["taskId"]

	rec = doJSON(t, s, http.MethodGet, "/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "pending", status["State"])
}

func TestCancelTask_IsIdempotent(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/v1/tasks", nil)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	taskID := body["taskId"]

	rec = doJSON(t, s, http.MethodPost, "/v1/tasks/"+taskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var first map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.True(t, first["cancelled"])

	rec = doJSON(t, s, http.MethodPost, "/v1/tasks/"+taskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var second map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.False(t, second["cancelled"])
}

func TestRegisterWorker_ThenAssign(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/v1/workers/w1/register", registerRequest{
		Capabilities:      map[string]string{"gpu": "true"},
		InitialHealth:     "healthy",
		InitialSaturation: 0.0,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/tasks", nil)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	taskID := body["taskId"]

	rec = doJSON(t, s, http.MethodPost, "/v1/tasks/"+taskID+"/assign", assignRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerControl_HeartbeatHealthDeregister(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/v1/workers/w1/register", registerRequest{
		Capabilities:      map[string]string{"gpu": "true"},
		InitialHealth:     "healthy",
		InitialSaturation: 0.0,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/workers/w1/heartbeat", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/workers/w1/health", updateHealthRequest{Health: "degraded", Saturation: 0.5})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/workers/w1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Heartbeating a now-deregistered worker is a not-found error.
	rec = doJSON(t, s, http.MethodPost, "/v1/workers/w1/heartbeat", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
