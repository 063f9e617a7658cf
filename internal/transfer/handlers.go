package transfer

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/paybeam/paybeam/internal/idgen"
	"github.com/paybeam/paybeam/internal/validation"
)

// Handler provides HTTP endpoints for account balances.
type Handler struct {
	ledger *Ledger
	asset  string
	escrow string
	logger *slog.Logger
}

// NewHandler creates a balance handler for the escrow asset.
func NewHandler(ledger *Ledger, asset string, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, asset: asset, logger: logger}
}

// WithEscrowAccount names the escrow holding account. The faucet refuses to
// credit it, since its balance must equal the payments held for invoices.
func (h *Handler) WithEscrowAccount(addr string) *Handler {
	h.escrow = validation.NormalizeAddress(addr)
	return h
}

// RegisterRoutes sets up read routes. Callers guard them with ownership checks.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/transfers", h.GetHistory)
}

// RegisterDevRoutes sets up the development-only deposit faucet.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/dev/deposits", h.Deposit)
}

// GetBalance handles GET /accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := validation.NormalizeAddress(c.Param("address"))

	bal, err := h.ledger.Balance(c.Request.Context(), h.asset, address)
	if err != nil {
		h.logger.Error("failed to read balance", "account", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /accounts/:address/transfers
func (h *Handler) GetHistory(c *gin.Context) {
	address := validation.NormalizeAddress(c.Param("address"))

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve transfer history",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// DepositRequest credits an account in development mode.
type DepositRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
}

// Deposit handles POST /dev/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("account", req.Account),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	account := validation.NormalizeAddress(req.Account)
	if h.escrow != "" && account == h.escrow {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "account: the escrow account cannot be funded directly",
		})
		return
	}
	ref := idgen.WithPrefix("faucet_")
	if err := h.ledger.Deposit(c.Request.Context(), h.asset, account, req.Amount, ref); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidTransfer) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":   "deposit_error",
			"message": err.Error(),
		})
		return
	}

	h.logger.Info("dev deposit credited", "account", account, "amount", req.Amount, "reference", ref)

	bal, err := h.ledger.Balance(c.Request.Context(), h.asset, account)
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{"status": "credited"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "credited", "balance": bal})
}
