package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybeam/paybeam/internal/clock"
	"github.com/paybeam/paybeam/internal/config"
	"github.com/paybeam/paybeam/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	escrowAddr = "0x00000000000000000000000000000000000e5c20"
	assetAddr  = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
	merchant   = "0x1111111111111111111111111111111111111111"
	payerA     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	payerB     = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	merchantKey = "sk_merchant_test"
	payerAKey   = "sk_payer_a_test"
	payerBKey   = "sk_payer_b_test"
	adminSecret = "s3cret"
)

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "json",
		EscrowAddress:       escrowAddr,
		EscrowAsset:         assetAddr,
		ExpirySweepInterval: time.Hour,
		ReconcileInterval:   time.Hour,
		AdminSecret:         adminSecret,
		APIKeys: map[string]string{
			merchantKey: merchant,
			payerAKey:   payerA,
			payerBKey:   payerB,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := New(cfg, WithClock(clk), WithLogger(logging.Discard()), WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.readLimiter.Stop()
		s.writeLimiter.Stop()
	})
	return s, clk
}

func do(t *testing.T, s *Server, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func balanceOf(t *testing.T, s *Server, key, addr string) float64 {
	t.Helper()
	w := do(t, s, http.MethodGet, "/v1/accounts/"+addr+"/balance", key, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)["balance"].(map[string]interface{})["available"].(float64)
}

func fund(t *testing.T, s *Server, addr string, amount int64) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/v1/dev/deposits", merchantKey, gin.H{"account": addr, "amount": amount})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	// Timer is not started outside Run, so the registry reports degraded.
	w := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decode(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, body["checks"])
	assert.Contains(t, body, "realtime")
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", decode(t, w)["status"])
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(t, s, http.MethodGet, "/health/ready", "", nil)
	// Still not ready: the expiry timer is not running.
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	do(t, s, http.MethodGet, "/health/live", "", nil)

	w := do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestPlatformEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/v1/platform", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	platform := decode(t, w)["platform"].(map[string]interface{})
	assert.Equal(t, escrowAddr, platform["escrowAddress"])
	assert.Equal(t, assetAddr, platform["asset"])
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-1234")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "lb-1234", w.Header().Get("X-Request-ID"))

	w = do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"create invoice", http.MethodPost, "/v1/invoices"},
		{"pay invoice", http.MethodPost, "/v1/invoices/inv-1/payments"},
		{"expire invoice", http.MethodPost, "/v1/invoices/inv-1/expire"},
		{"refund", http.MethodPost, "/v1/invoices/inv-1/refunds"},
		{"balance", http.MethodGet, "/v1/accounts/" + payerA + "/balance"},
		{"deposit", http.MethodPost, "/v1/dev/deposits"},
		{"list keys", http.MethodGet, "/v1/auth/keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, "", gin.H{})
			assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
		})
	}
}

func TestBalanceRequiresOwnership(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/v1/accounts/"+payerA+"/balance", payerBKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDevDepositsDisabledInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.APIKeys = nil
	s, _ := newTestServer(t, cfg)

	w := do(t, s, http.MethodPost, "/v1/dev/deposits", "", gin.H{"account": payerA, "amount": 10})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDevDepositRejectsEscrowAccount(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := do(t, s, http.MethodPost, "/v1/dev/deposits", merchantKey, gin.H{"account": escrowAddr, "amount": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestAdminIssuesKey(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/keys",
		bytes.NewBufferString(`{"identity":"`+payerA+`","name":"ops"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+merchantKey)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/keys",
		bytes.NewBufferString(`{"identity":"`+payerA+`","name":"ops"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+merchantKey)
	req.Header.Set("X-Admin-Secret", adminSecret)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	issued := decode(t, w)["apiKey"].(string)
	w = do(t, s, http.MethodGet, "/v1/auth/me", issued, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// Two payers overpay a 100-unit invoice: it settles, the merchant receives
// exactly 100, the excess returns to the second payer, and later payments fail.
func TestInvoiceSettlementFlow(t *testing.T) {
	s, clk := newTestServer(t, testConfig())
	fund(t, s, payerA, 60)
	fund(t, s, payerB, 50)

	w := do(t, s, http.MethodPost, "/v1/invoices", merchantKey, gin.H{
		"id":          "INV1",
		"totalAmount": 100,
		"dueDate":     clk.Now().Add(24 * time.Hour),
		"memo":        "order-42",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Only the merchant may create its invoices
	w = do(t, s, http.MethodPost, "/v1/invoices", payerAKey, gin.H{
		"id":          "INV2",
		"totalAmount": 100,
		"dueDate":     clk.Now().Add(time.Hour),
		"merchant":    merchant,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodPost, "/v1/invoices/INV1/payments", payerAKey, gin.H{"amount": 60, "reference": "pay-a"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["settled"])

	w = do(t, s, http.MethodPost, "/v1/invoices/INV1/payments", payerBKey, gin.H{"amount": 50, "reference": "pay-b"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["settled"])

	assert.Equal(t, float64(0), balanceOf(t, s, payerAKey, payerA))
	assert.Equal(t, float64(10), balanceOf(t, s, payerBKey, payerB))
	assert.Equal(t, float64(100), balanceOf(t, s, merchantKey, merchant))

	w = do(t, s, http.MethodGet, "/v1/invoices/INV1/verify", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["paid"])

	w = do(t, s, http.MethodGet, "/v1/memos/order-42/invoice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "settled", decode(t, w)["invoice"].(map[string]interface{})["status"])

	fund(t, s, payerA, 5)
	w = do(t, s, http.MethodPost, "/v1/invoices/INV1/payments", payerAKey, gin.H{"amount": 5, "reference": "pay-late"})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/merchants/"+merchant+"/invoices", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

// A partial payment on an overdue invoice is refundable after expiry, and a
// second refund succeeds without moving funds.
func TestInvoiceExpiryRefundFlow(t *testing.T) {
	s, clk := newTestServer(t, testConfig())
	fund(t, s, payerA, 60)

	w := do(t, s, http.MethodPost, "/v1/invoices", merchantKey, gin.H{
		"id":          "INV-EXP",
		"totalAmount": 100,
		"dueDate":     clk.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/invoices/INV-EXP/payments", payerAKey, gin.H{"amount": 60, "reference": "pay-a"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Not yet due
	w = do(t, s, http.MethodPost, "/v1/invoices/INV-EXP/expire", payerAKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["expired"])

	clk.Advance(2 * time.Hour)

	w = do(t, s, http.MethodPost, "/v1/invoices/INV-EXP/expire", payerAKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["expired"])

	w = do(t, s, http.MethodPost, "/v1/invoices/INV-EXP/refunds", payerAKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["refunded"])
	assert.Equal(t, float64(60), balanceOf(t, s, payerAKey, payerA))

	w = do(t, s, http.MethodPost, "/v1/invoices/INV-EXP/refunds", payerAKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["refunded"])
	assert.Equal(t, float64(60), balanceOf(t, s, payerAKey, payerA))

	// A payer cannot refund on behalf of someone else
	w = do(t, s, http.MethodPost, "/v1/invoices/INV-EXP/refunds", payerBKey, gin.H{"payer": payerA})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminReconcileAfterPayments(t *testing.T) {
	s, clk := newTestServer(t, testConfig())
	fund(t, s, payerA, 100)

	w := do(t, s, http.MethodPost, "/v1/invoices", merchantKey, gin.H{
		"id":          "INV-R",
		"totalAmount": 100,
		"dueDate":     clk.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, s, http.MethodPost, "/v1/invoices/INV-R/payments", payerAKey, gin.H{"amount": 40, "reference": "r1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/reconcile", nil)
	req.Header.Set("X-Admin-Secret", adminSecret)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode(t, rec)["result"].(map[string]interface{})
	assert.Equal(t, true, result["match"])
	assert.Equal(t, float64(40), result["held"])
	assert.Equal(t, float64(40), result["escrowBalance"])

	// Overdue sweep through the admin surface
	clk.Advance(2 * time.Hour)
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/invoices/expire-overdue", nil)
	req.Header.Set("X-Admin-Secret", adminSecret)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["expiredCount"])
}

func TestWriteRateLimit(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	var limited bool
	for i := 0; i < 50; i++ {
		w := do(t, s, http.MethodGet, "/v1/auth/keys", payerAKey, nil)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
			break
		}
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.True(t, limited, "write limiter should reject a burst from one identity")
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:***@db:5432/paybeam",
		maskDSN("postgres://user:hunter2@db:5432/paybeam"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
