package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybeam/paybeam/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockEscrow struct {
	expired   int
	err       error
	lastLimit int
}

func (m *mockEscrow) ExpireOverdue(_ context.Context, limit int) (int, error) {
	m.lastLimit = limit
	return m.expired, m.err
}

type mockReconciler struct {
	result *reconciliation.Result
	err    error
}

func (m *mockReconciler) Reconcile(context.Context) (*reconciliation.Result, error) {
	return m.result, m.err
}

type mockStats map[string]interface{}

func (m mockStats) Stats() map[string]interface{} { return m }

func serve(h *Handler, method, path string) *httptest.ResponseRecorder {
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestExpireOverdue(t *testing.T) {
	esc := &mockEscrow{expired: 3}
	h := NewHandler().WithEscrowService(esc)

	w := serve(h, http.MethodPost, "/v1/admin/invoices/expire-overdue?limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"expiredCount":3}`, w.Body.String())
	assert.Equal(t, 10, esc.lastLimit)

	w = serve(h, http.MethodPost, "/v1/admin/invoices/expire-overdue?limit=999999")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, esc.lastLimit, "out-of-range limit falls back to default")

	esc.err = errors.New("db down")
	w = serve(h, http.MethodPost, "/v1/admin/invoices/expire-overdue")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTriggerReconciliation(t *testing.T) {
	rec := &mockReconciler{result: &reconciliation.Result{Match: false, Held: 100, EscrowBalance: 90, Diff: -10}}
	h := NewHandler().WithReconciler(rec)

	w := serve(h, http.MethodPost, "/v1/admin/reconcile")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Result reconciliation.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Result.Match)
	assert.Equal(t, int64(-10), body.Result.Diff)

	rec.err = errors.New("boom")
	w = serve(h, http.MethodPost, "/v1/admin/reconcile")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRealtimeStats(t *testing.T) {
	h := NewHandler().WithRealtime(mockStats{"clients": 2})

	w := serve(h, http.MethodGet, "/v1/admin/realtime")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"realtime":{"clients":2}}`, w.Body.String())
}

func TestUnconfigured(t *testing.T) {
	h := NewHandler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/admin/invoices/expire-overdue"},
		{http.MethodPost, "/v1/admin/reconcile"},
		{http.MethodGet, "/v1/admin/realtime"},
	} {
		w := serve(h, tc.method, tc.path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}
