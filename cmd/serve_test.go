package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/discovery"
	"github.com/sells-group/sourcing-cli/internal/store"
)

func newTestServer(t *testing.T, balance int) (*server, *store.MemoryStore) {
	t.Helper()
	reg, err := cost.NewRegistry(nil)
	require.NoError(t, err)

	var guard *budget.Guard
	if balance >= 0 {
		guard = budget.NewGuard(reg, nil, budget.Config{CriticalThreshold: 10, WarningThreshold: 100})
		guard.Reconcile(balance)
	}
	st := store.NewMemory()
	return &server{
		registry: reg,
		guard:    guard,
		jobs:     st,
		defaults: discovery.Config{}.WithDefaults(),
	}, st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, 500)
	rr := do(t, s.routes([]string{"*"}), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, 500)
	h := s.routes([]string{"*"})

	// Reserve once so the budget series are present.
	_, err := s.guard.Reserve(cost.ActionProductLookup)
	require.NoError(t, err)

	rr := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "sourcing_budget_balance_tokens 499")
}

func TestBudgetEndpoint(t *testing.T) {
	s, _ := newTestServer(t, 500)
	rr := do(t, s.routes([]string{"*"}), http.MethodGet, "/budget", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Status  budget.Status `json:"status"`
		Actions []cost.Action `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 500, body.Status.Balance)
	assert.Equal(t, budget.LevelOK, body.Status.Level)
	assert.NotEmpty(t, body.Actions)
}

func TestBudgetEndpoint_NoGuard(t *testing.T) {
	s, _ := newTestServer(t, -1)
	rr := do(t, s.routes([]string{"*"}), http.MethodGet, "/budget", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestEstimateEndpoint(t *testing.T) {
	s, _ := newTestServer(t, 500)
	h := s.routes([]string{"*"})

	// Two finder pages of 50 capped at 60 items: 2*10 + 60*1.
	rr := do(t, h, http.MethodPost, "/estimate", `{"selection":{"rootCategory":1},"max_pages":2,"max_items":60}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body estimateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 80, body.TokensEstimated)
	require.NotNil(t, body.Affordable)
	assert.True(t, *body.Affordable)
	assert.Equal(t, 500, *body.Balance)

	// Seeds only: no finder pages.
	rr = do(t, h, http.MethodPost, "/estimate", `{"identifiers":["A"],"max_items":495}`)
	require.Equal(t, http.StatusOK, rr.Code)
	body = estimateResponse{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.TokensEstimated)
	assert.True(t, *body.Affordable)
}

func TestEstimateEndpoint_Unaffordable(t *testing.T) {
	s, _ := newTestServer(t, 50)
	rr := do(t, s.routes([]string{"*"}), http.MethodPost, "/estimate", `{"selection":{"rootCategory":1},"max_pages":1}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var body estimateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 60, body.TokensEstimated)
	assert.False(t, *body.Affordable)
}

func TestEstimateEndpoint_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, 500)
	h := s.routes([]string{"*"})

	rr := do(t, h, http.MethodPost, "/estimate", "{bad json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/estimate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "selection or identifiers")
}

func TestJobsEndpoints(t *testing.T) {
	s, st := newTestServer(t, 500)
	h := s.routes([]string{"*"})
	ctx := context.Background()

	rr := do(t, h, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	job := &discovery.Job{
		ID:             "job-1",
		Status:         discovery.StatusPending,
		ConfigSnapshot: json.RawMessage(`{}`),
		CreatedAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.Create(ctx, job))
	require.NoError(t, st.AppendResults(ctx, job.ID, []discovery.ItemResult{
		{JobID: job.ID, Identifier: "A1", Selected: true, CreatedAt: job.CreatedAt},
		{JobID: job.ID, Identifier: "A2", CreatedAt: job.CreatedAt},
	}))

	rr = do(t, h, http.MethodGet, "/jobs/job-1?selected=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Job     discovery.Job          `json:"job"`
		Results []discovery.ItemResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "job-1", body.Job.ID)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "A1", body.Results[0].Identifier)

	rr = do(t, h, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, 500)
	h := s.routes([]string{"https://ops.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/estimate", bytes.NewReader(nil))
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://ops.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
