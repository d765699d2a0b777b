package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeforge/internal/adapters"
	"routeforge/internal/api"
	"routeforge/internal/audit"
	"routeforge/internal/ledger"
	"routeforge/internal/optimize"
	"routeforge/internal/orchestrator"
	"routeforge/internal/planner"
	"routeforge/internal/registry"
	"routeforge/internal/router"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := router.NewBandit(router.DefaultConfig(), store, nil)
	reg := registry.New(store, nil, nil)
	svc := api.New(api.Deps{
		Planner:      planner.New(store, reg, planner.DefaultConfig(), nil),
		Registry:     reg,
		Router:       rt,
		Orchestrator: orchestrator.New(store, reg, rt, adapters.NewSet(adapters.NewMockBackend("")), orchestrator.DefaultConfig(), nil),
		Auditor:      audit.New(store, audit.DefaultThresholds(), nil),
		Optimizer:    optimize.New(store, rt, router.DefaultPolicy(), optimize.DefaultConfig(), nil),
	}, nil)
	return New(svc, "127.0.0.1:0", nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	do(t, s, http.MethodPost, "/v1/ops/analyze_performance", `{}`)
	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "routeforge_api_operations_total")
}

func TestOperationRoundTrip(t *testing.T) {
	s := newServer(t)

	rec := do(t, s, http.MethodPost, "/v1/ops/submit_goal", `{"goal":"deploy service"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var submitted struct {
		OK     bool `json:"ok"`
		Result struct {
			Plan  ledger.Plan   `json:"plan"`
			Steps []ledger.Step `json:"steps"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.True(t, submitted.OK)
	assert.NotEmpty(t, submitted.Result.Steps)

	rec = do(t, s, http.MethodPost, "/v1/ops/dry_run", `{"plan_id":"`+submitted.Result.Plan.ID+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestErrorStatuses(t *testing.T) {
	s := newServer(t)
	cases := []struct {
		path, body string
		status     int
		code       string
	}{
		{"/v1/ops/dry_run", `{"plan_id":"missing"}`, http.StatusNotFound, api.CodeNotFound},
		{"/v1/ops/submit_goal", `{"goal":""}`, http.StatusBadRequest, api.CodeInvalidArgument},
		{"/v1/ops/route_infer", `{"capability":"unbound"}`, http.StatusUnprocessableEntity, api.CodeNoRouteAvailable},
		{"/v1/ops/no_such_op", `{}`, http.StatusNotFound, api.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			var resp api.Response[json.RawMessage]
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.OK)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestListOperations(t *testing.T) {
	rec := do(t, newServer(t), http.MethodGet, "/v1/ops", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ops []OperationInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
	assert.Len(t, ops, 16)
}
