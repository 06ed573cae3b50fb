package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/config"
	"github.com/set-night/taskescrow/internal/consensus"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/set-night/taskescrow/internal/ledger"
	"github.com/set-night/taskescrow/internal/repository"
	"github.com/set-night/taskescrow/internal/retry"
	"github.com/set-night/taskescrow/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	handler http.Handler
	server  *Server
	ledger  *ledger.Memory
}

// advance moves the server clock used for deadline checks.
func (a *testAPI) advance(d time.Duration) {
	a.server.api.now = func() time.Time { return time.Now().UTC().Add(d) }
}

func newTestAPI(t *testing.T, health HealthFunc) *testAPI {
	t.Helper()
	store := repository.NewMemory()
	gw := ledger.NewMemory()
	rep := service.NewReputationService(store, service.DefaultReputationDeltas())
	retryCfg := &retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	machine := service.NewTaskMachine(store, gw, rep, consensus.Default(), retryCfg, nil)
	svc := service.NewSettlementService(store, machine, rep, service.Settings{FeeRate: decimal.RequireFromString("0.15")})

	cfg := &config.Config{HTTPAddr: ":0", AllowedOrigins: []string{"*"}}
	srv := NewServer(cfg, svc, health)
	return &testAPI{handler: srv.Handler(), server: srv, ledger: gw}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) createTask(t *testing.T, numWorkers int) taskResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"client_id":         "client-1",
		"category":          "labeling",
		"instructions":      "label the images",
		"payout_per_worker": "10",
		"num_workers":       numWorkers,
		"deadline":          time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[taskResponse](t, rec)
}

func TestServer_FullLifecycle(t *testing.T) {
	api := newTestAPI(t, nil)

	task := api.createTask(t, 1)
	assert.Equal(t, "DRAFT", task.Status)
	assert.True(t, task.TotalPayout.Equal(decimal.RequireFromString("11.5")))

	rec := api.do(t, http.MethodPost, "/api/tasks/"+task.ID.String()+"/fund", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	funded := decode[taskResponse](t, rec)
	assert.Equal(t, "FUNDED", funded.Status)
	require.NotNil(t, funded.Escrow)
	assert.True(t, funded.Escrow.AmountHeld.Equal(decimal.RequireFromString("11.5")))

	rec = api.do(t, http.MethodPost, "/api/assignments", map[string]any{"worker_id": "w1", "categories": []string{"labeling"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ASSIGNED", decode[taskResponse](t, rec).Status)

	rec = api.do(t, http.MethodPost, "/api/tasks/"+task.ID.String()+"/start", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "IN_PROGRESS", decode[slotResponse](t, rec).Status)

	rec = api.do(t, http.MethodPost, "/api/tasks/"+task.ID.String()+"/submissions", map[string]any{"worker_id": "w1", "content": "cat, dog"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decode[submissionResponse](t, rec)
	assert.Equal(t, "SUBMITTED", sub.Status)

	var last evaluationResponse
	for i, evaluator := range []string{"e1", "e2", "e3"} {
		rec = api.do(t, http.MethodPost, "/api/submissions/"+sub.ID.String()+"/evaluations", map[string]any{"evaluator_id": evaluator, "is_correct": true})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		last = decode[evaluationResponse](t, rec)
		assert.Equal(t, i == 2, last.Settled)
	}
	assert.Equal(t, "APPROVED", last.Status)
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.Approved)

	rec = api.do(t, http.MethodGet, "/api/tasks/"+task.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	final := decode[taskResponse](t, rec)
	assert.Equal(t, "APPROVED", final.Status)
	require.NotNil(t, final.Escrow)
	assert.NotNil(t, final.Escrow.ReleasedAt)
	require.Len(t, final.Slots, 1)
	assert.Equal(t, "APPROVED", final.Slots[0].Status)

	rec = api.do(t, http.MethodGet, "/api/reputation/w1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[reputationResponse](t, rec).Score.Equal(decimal.NewFromInt(2)))

	rec = api.do(t, http.MethodGet, "/api/tasks/"+task.ID.String()+"/submissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]submissionResponse](t, rec), 1)
}

func TestServer_EvaluateSettledReturnsStoredResult(t *testing.T) {
	api := newTestAPI(t, nil)
	task := api.createTask(t, 1)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/tasks/"+task.ID.String()+"/fund", nil).Code)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/assignments", map[string]any{"worker_id": "w1"}).Code)
	rec := api.do(t, http.MethodPost, "/api/tasks/"+task.ID.String()+"/submissions", map[string]any{"worker_id": "w1", "content": "done"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sub := decode[submissionResponse](t, rec)

	for _, evaluator := range []string{"e1", "e2", "e3"} {
		rec = api.do(t, http.MethodPost, "/api/submissions/"+sub.ID.String()+"/evaluations", map[string]any{"evaluator_id": evaluator, "is_correct": false})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodPost, "/api/submissions/"+sub.ID.String()+"/evaluations", map[string]any{"evaluator_id": "e4", "is_correct": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorResponse](t, rec)
	require.NotNil(t, body.Result)
	assert.False(t, body.Result.Approved)

	rec = api.do(t, http.MethodGet, "/api/tasks/"+task.ID.String(), nil)
	final := decode[taskResponse](t, rec)
	assert.Equal(t, "REJECTED", final.Status)
	require.NotNil(t, final.Escrow)
	assert.NotNil(t, final.Escrow.RefundedAt)
}

func TestServer_ErrorMapping(t *testing.T) {
	api := newTestAPI(t, nil)
	task := api.createTask(t, 1)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed id", http.MethodGet, "/api/tasks/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/api/tasks/" + uuid.NewString(), nil, http.StatusNotFound},
		{"invalid task", http.MethodPost, "/api/tasks", map[string]any{"category": "x", "instructions": "y", "payout_per_worker": "0", "num_workers": 1}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/assignments", "not an object", http.StatusBadRequest},
		{"missing worker", http.MethodPost, "/api/assignments", map[string]any{}, http.StatusBadRequest},
		{"submit on draft", http.MethodPost, "/api/tasks/" + task.ID.String() + "/submissions", map[string]any{"worker_id": "w1", "content": "x"}, http.StatusNotFound},
		{"missing vote", http.MethodPost, "/api/submissions/" + uuid.NewString() + "/evaluations", map[string]any{"evaluator_id": "e1"}, http.StatusBadRequest},
		{"unknown submission", http.MethodGet, "/api/submissions/" + uuid.NewString(), nil, http.StatusNotFound},
		{"expire before deadline", http.MethodPost, "/api/tasks/" + task.ID.String() + "/expire", nil, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_NoAssignableTask(t *testing.T) {
	api := newTestAPI(t, nil)
	rec := api.do(t, http.MethodPost, "/api/assignments", map[string]any{"worker_id": "w1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_LedgerFailure(t *testing.T) {
	api := newTestAPI(t, nil)
	task := api.createTask(t, 2)
	api.ledger.FailNext(domain.LedgerOpFund, &ledger.PermanentError{Err: errors.New("declined")})

	rec := api.do(t, http.MethodPost, "/api/tasks/"+task.ID.String()+"/fund", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/tasks/"+task.ID.String(), nil)
	got := decode[taskResponse](t, rec)
	assert.Equal(t, "DRAFT", got.Status)
	assert.Nil(t, got.Escrow)
}

func TestServer_CancelAndExpire(t *testing.T) {
	api := newTestAPI(t, nil)

	draft := api.createTask(t, 1)
	rec := api.do(t, http.MethodPost, "/api/tasks/"+draft.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decode[taskResponse](t, rec).Status)

	funded := api.createTask(t, 1)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/tasks/"+funded.ID.String()+"/fund", nil).Code)
	api.advance(2 * time.Hour)
	rec = api.do(t, http.MethodPost, "/api/tasks/"+funded.ID.String()+"/expire", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	expired := decode[taskResponse](t, rec)
	assert.Equal(t, "REFUNDED", expired.Status)
	require.NotNil(t, expired.Escrow)
	assert.NotNil(t, expired.Escrow.RefundedAt)
	assert.Equal(t, 1, api.ledger.Calls(domain.LedgerOpRefund))
}

func TestServer_ExpireIgnoresCallerClock(t *testing.T) {
	api := newTestAPI(t, nil)
	task := api.createTask(t, 1)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/tasks/"+task.ID.String()+"/fund", nil).Code)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/assignments", map[string]any{"worker_id": "w1"}).Code)

	later := time.Now().Add(48 * time.Hour).UTC()
	rec := api.do(t, http.MethodPost, "/api/tasks/"+task.ID.String()+"/expire", map[string]any{"now": later})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/tasks/"+task.ID.String(), nil)
	assert.Equal(t, "ASSIGNED", decode[taskResponse](t, rec).Status)
	assert.Zero(t, api.ledger.Calls(domain.LedgerOpRefund))
}

func TestServer_Health(t *testing.T) {
	api := newTestAPI(t, nil)
	rec := api.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestAPI(t, func(context.Context) error { return fmt.Errorf("dial: refused") })
	rec = down.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestServer_Metrics(t *testing.T) {
	api := newTestAPI(t, nil)
	api.do(t, http.MethodGet, "/healthz", nil)
	rec := api.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskescrow_api_http_requests_total")
}
