package escrow

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paybeam/paybeam/internal/logging"
	"github.com/paybeam/paybeam/internal/validation"
)

// Handler provides HTTP endpoints for invoice operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new invoice handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/invoices/:id", h.GetInvoice)
	r.GET("/invoices/:id/verify", h.VerifyPayment)
	r.GET("/memos/:memo/invoice", h.GetInvoiceByMemo)
	r.GET("/merchants/:address/invoices", h.ListInvoices)
}

// RegisterProtectedRoutes sets up protected (auth-required) invoice routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/invoices", h.CreateInvoice)
	r.POST("/invoices/:id/payments", h.RecordPayment)
	r.POST("/invoices/:id/expire", h.ExpireInvoice)
	r.POST("/invoices/:id/refunds", h.RefundPayment)
}

// callerIdentity returns the authenticated identity set by the auth middleware.
func callerIdentity(c *gin.Context) string {
	return strings.ToLower(c.GetString("authIdentity"))
}

// CreateInvoice handles POST /v1/invoices
func (h *Handler) CreateInvoice(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	caller := callerIdentity(c)
	if req.Merchant == "" {
		req.Merchant = caller
	}

	checks := []func() *validation.ValidationError{
		validation.ValidIdentifier("id", req.ID),
		validation.ValidAddress("merchant", req.Merchant),
		validation.MaxLength("memo", req.Memo, validation.MaxMemoLength),
	}
	for i, sp := range req.Splits {
		checks = append(checks, validation.ValidAddress(fmt.Sprintf("splits[%d].recipient", i), sp.Recipient))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if caller == "" || !strings.EqualFold(caller, req.Merchant) {
		writeError(c, ErrUnauthorized, "Authenticated identity must be the merchant")
		return
	}

	req.Memo = validation.SanitizeString(req.Memo, validation.MaxMemoLength)
	inv, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// GetInvoice handles GET /v1/invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// GetInvoiceByMemo handles GET /v1/memos/:memo/invoice
func (h *Handler) GetInvoiceByMemo(c *gin.Context) {
	inv, err := h.service.GetByMemo(c.Request.Context(), c.Param("memo"))
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// VerifyPayment handles GET /v1/invoices/:id/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	id := c.Param("id")
	paid, err := h.service.VerifyPayment(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoiceId": id, "paid": paid})
}

// ListInvoices handles GET /v1/merchants/:address/invoices
func (h *Handler) ListInvoices(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid address (0x + 40 hex chars)",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	invoices, err := h.service.ListByMerchant(c.Request.Context(), address, limit)
	if err != nil {
		writeError(c, err, "")
		return
	}
	if invoices == nil {
		invoices = []*Invoice{}
	}

	c.JSON(http.StatusOK, gin.H{
		"invoices": invoices,
		"count":    len(invoices),
	})
}

// RecordPayment handles POST /v1/invoices/:id/payments
func (h *Handler) RecordPayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.InvoiceID = c.Param("id")

	caller := callerIdentity(c)
	if req.Payer == "" {
		req.Payer = caller
	}

	if errs := validation.Validate(
		validation.ValidAddress("payer", req.Payer),
		validation.ValidIdentifier("reference", req.Reference),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if caller == "" || !strings.EqualFold(caller, req.Payer) {
		writeError(c, ErrUnauthorized, "Authenticated identity must be the payer")
		return
	}

	ctx := logging.WithInvoiceID(c.Request.Context(), req.InvoiceID)
	inv, err := h.service.RecordPayment(ctx, req)
	if err != nil {
		writeError(c, err, "")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoice": inv,
		"settled": inv.Status == StatusSettled,
	})
}

// ExpireInvoice handles POST /v1/invoices/:id/expire
func (h *Handler) ExpireInvoice(c *gin.Context) {
	id := c.Param("id")
	ctx := logging.WithInvoiceID(c.Request.Context(), id)

	expired, err := h.service.Expire(ctx, id)
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoiceId": id, "expired": expired})
}

// RefundRequest names the payer to refund. Defaults to the caller.
type RefundRequest struct {
	Payer string `json:"payer"`
}

// RefundPayment handles POST /v1/invoices/:id/refunds
func (h *Handler) RefundPayment(c *gin.Context) {
	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	caller := callerIdentity(c)
	if req.Payer == "" {
		req.Payer = caller
	}
	if caller == "" || !strings.EqualFold(caller, req.Payer) {
		writeError(c, ErrUnauthorized, "Authenticated identity must be the payer")
		return
	}

	id := c.Param("id")
	ctx := logging.WithInvoiceID(c.Request.Context(), id)
	refunded, err := h.service.Refund(ctx, id, req.Payer)
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoiceId": id, "payer": strings.ToLower(req.Payer), "refunded": refunded})
}

// writeError maps service errors to HTTP status codes and error bodies.
func writeError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrInvoiceNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrDuplicateInvoice):
		status, code = http.StatusConflict, "duplicate_invoice"
	case errors.Is(err, ErrDuplicateMemo):
		status, code = http.StatusConflict, "duplicate_memo"
	case errors.Is(err, ErrDuplicatePayment):
		status, code = http.StatusConflict, "duplicate_payment"
	case errors.Is(err, ErrAlreadySettled):
		status, code = http.StatusConflict, "already_settled"
	case errors.Is(err, ErrInvoiceExpired):
		status, code = http.StatusConflict, "invoice_expired"
	case errors.Is(err, ErrPartialRelease):
		status, code = http.StatusInternalServerError, "payout_incomplete"
	case errors.Is(err, ErrInvoiceBusy):
		status, code = http.StatusConflict, "invoice_busy"
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidDueDate):
		status, code = http.StatusBadRequest, "invalid_due_date"
	case errors.Is(err, ErrInvalidInvoice):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrTransferFailed):
		status, code = http.StatusPaymentRequired, "transfer_failed"
	}
	if message == "" {
		message = err.Error()
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
