// Package admin provides admin-only endpoints for inspecting and repairing
// escrow state.
package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/paybeam/paybeam/internal/reconciliation"
)

// EscrowService abstracts escrow operations for admin handlers.
type EscrowService interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// Reconciler runs an escrow balance reconciliation.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconciliation.Result, error)
}

// StatsProvider reports realtime delivery statistics.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	escrow     EscrowService
	reconciler Reconciler
	realtime   StatsProvider
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithEscrowService sets the escrow service for forced expiry sweeps.
func (h *Handler) WithEscrowService(svc EscrowService) *Handler {
	h.escrow = svc
	return h
}

// WithReconciler sets the reconciler for on-demand reconciliation.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithRealtime sets the source of websocket delivery stats.
func (h *Handler) WithRealtime(p StatsProvider) *Handler {
	h.realtime = p
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/invoices/expire-overdue", h.expireOverdue)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/realtime", h.realtimeStats)
}

// expireOverdue runs an expiry sweep now instead of waiting for the timer.
func (h *Handler) expireOverdue(c *gin.Context) {
	if h.escrow == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	expired, err := h.escrow.ExpireOverdue(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "expiry sweep failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"expiredCount": expired})
}

// triggerReconciliation runs an on-demand escrow reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	result, err := h.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"realtime": h.realtime.Stats()})
}
