package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/paybeam/paybeam/internal/amount"
	"github.com/paybeam/paybeam/internal/clock"
	"github.com/paybeam/paybeam/internal/escrow"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	clock  clock.Clock
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client, clock: clock.System{}}
}

// WithClock sets the clock used to resolve relative due dates.
func (h *Handlers) WithClock(c clock.Clock) *Handlers {
	h.clock = c
	return h
}

// HandleCreateInvoice creates an invoice owned by the configured identity.
func (h *Handlers) HandleCreateInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}
	total, err := parseAmount(req.GetString("total_amount", ""))
	if err != nil {
		return mcp.NewToolResultError("total_amount: " + err.Error()), nil
	}
	due, err := h.resolveDueDate(req.GetString("due_date", ""), req.GetString("due_in", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	splits, err := parseSplits(req.GetString("splits", ""))
	if err != nil {
		return mcp.NewToolResultError("splits: " + err.Error()), nil
	}

	raw, err := h.client.CreateInvoice(ctx, CreateInvoiceParams{
		ID:          id,
		TotalAmount: total,
		DueDate:     due,
		Memo:        req.GetString("memo", ""),
		Splits:      splits,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create invoice: %v", err)), nil
	}

	inv, err := parseInvoice(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}
	return mcp.NewToolResultText("Invoice created.\n\n" + formatInvoice(inv)), nil
}

// HandlePayInvoice pays toward an invoice.
func (h *Handlers) HandlePayInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}
	value, err := parseAmount(req.GetString("amount", ""))
	if err != nil {
		return mcp.NewToolResultError("amount: " + err.Error()), nil
	}

	raw, err := h.client.PayInvoice(ctx, id, value, req.GetString("reference", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment failed: %v", err)), nil
	}

	inv, err := parseInvoice(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}

	var sb strings.Builder
	accepted := inv.Payments.Amount(strings.ToLower(h.client.cfg.Identity))
	if inv.Status == escrow.StatusSettled {
		sb.WriteString("Payment accepted. The invoice is now paid in full and the merchant has been paid.\n")
		if len(inv.Receipts) > 0 {
			if last := inv.Receipts[len(inv.Receipts)-1]; last.Returned > 0 {
				fmt.Fprintf(&sb, "Excess of %d was returned to you.\n", last.Returned)
			}
		}
	} else {
		outstanding, err := inv.Outstanding()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read invoice totals: %v", err)), nil
		}
		fmt.Fprintf(&sb, "Payment accepted. Outstanding: %d\n", outstanding)
	}
	fmt.Fprintf(&sb, "Your total contribution: %d\n\n", accepted)
	sb.WriteString(formatInvoice(inv))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetInvoice looks up an invoice by ID.
func (h *Handlers) HandleGetInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}
	raw, err := h.client.GetInvoice(ctx, id)
	return h.invoiceResult(raw, err)
}

// HandleGetInvoiceByMemo looks up an invoice by memo.
func (h *Handlers) HandleGetInvoiceByMemo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	memo := req.GetString("memo", "")
	if memo == "" {
		return mcp.NewToolResultError("memo is required"), nil
	}
	raw, err := h.client.GetInvoiceByMemo(ctx, memo)
	return h.invoiceResult(raw, err)
}

func (h *Handlers) invoiceResult(raw json.RawMessage, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "not_found" {
			return mcp.NewToolResultText("No invoice found."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get invoice: %v", err)), nil
	}
	inv, err := parseInvoice(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}
	return mcp.NewToolResultText(formatInvoice(inv)), nil
}

// HandleVerifyPayment reports whether an invoice is settled.
func (h *Handlers) HandleVerifyPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}
	raw, err := h.client.VerifyPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify payment: %v", err)), nil
	}
	var resp struct {
		Paid bool `json:"paid"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.Paid {
		return mcp.NewToolResultText(fmt.Sprintf("Invoice %s is paid.", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Invoice %s is not paid.", id)), nil
}

// HandleExpireInvoice expires an overdue invoice.
func (h *Handlers) HandleExpireInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}
	raw, err := h.client.ExpireInvoice(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Expire failed: %v", err)), nil
	}
	var resp struct {
		Expired bool `json:"expired"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.Expired {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Invoice %s expired. Payers can now reclaim their contributions with refund_payment.", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Invoice %s was not expired: it is either not yet due or no longer open.", id)), nil
}

// HandleRefundPayment reclaims the caller's contribution to an expired invoice.
func (h *Handlers) HandleRefundPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}
	raw, err := h.client.RefundPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}
	var resp struct {
		Refunded bool `json:"refunded"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.Refunded {
		return mcp.NewToolResultText(fmt.Sprintf("Your contribution to invoice %s has been returned to your balance.", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Nothing refunded for invoice %s: it has not expired yet.", id)), nil
}

// HandleListInvoices lists a merchant's invoices.
func (h *Handlers) HandleListInvoices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListInvoices(ctx, req.GetString("merchant", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list invoices: %v", err)), nil
	}
	var resp struct {
		Invoices []*escrow.Invoice `json:"invoices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoices: %v", err)), nil
	}
	if len(resp.Invoices) == 0 {
		return mcp.NewToolResultText("No invoices found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d invoice(s):\n\n", len(resp.Invoices))
	for i, inv := range resp.Invoices {
		fmt.Fprintf(&sb, "%d. %s [%s] %d/%d due %s\n",
			i+1, inv.ID, inv.Status, paid(inv), inv.TotalAmount, inv.DueDate.Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckBalance returns the caller's available balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	var resp struct {
		Balance struct {
			Account   string `json:"account"`
			Asset     string `json:"asset"`
			Available int64  `json:"available"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Balance for %s:\n  Asset:     %s\n  Available: %d\n",
		resp.Balance.Account, resp.Balance.Asset, resp.Balance.Available)), nil
}

// --- Parsing and formatting helpers ---

func parseAmount(s string) (int64, error) {
	v, err := amount.Parse(s)
	switch {
	case errors.Is(err, amount.ErrMalformed) && strings.TrimSpace(s) == "":
		return 0, errors.New("required")
	case errors.Is(err, amount.ErrMalformed):
		return 0, fmt.Errorf("must be an integer in base units, got %q", s)
	case err != nil:
		return 0, err
	}
	if err := amount.Positive(v); err != nil {
		return 0, errors.New("must be positive")
	}
	return v, nil
}

// parseSplits reads "addr:amount,addr:amount". Totals are checked by the API.
func parseSplits(s string) ([]escrow.Split, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []escrow.Split
	for _, part := range strings.Split(s, ",") {
		recipient, raw, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || strings.TrimSpace(recipient) == "" {
			return nil, fmt.Errorf("expected address:amount, got %q", part)
		}
		v, err := parseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", strings.TrimSpace(recipient), err)
		}
		out = append(out, escrow.Split{Recipient: strings.TrimSpace(recipient), Amount: v})
	}
	return out, nil
}

func (h *Handlers) resolveDueDate(dueDate, dueIn string) (time.Time, error) {
	switch {
	case dueDate != "":
		t, err := time.Parse(time.RFC3339, dueDate)
		if err != nil {
			return time.Time{}, fmt.Errorf("due_date must be RFC3339: %v", err)
		}
		return t, nil
	case dueIn != "":
		d, err := time.ParseDuration(dueIn)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("due_in must be a positive duration like '72h'")
		}
		return h.clock.Now().Add(d).UTC(), nil
	default:
		return time.Time{}, errors.New("one of due_date or due_in is required")
	}
}

// paid sums the payment ledger; an overflowing ledger is reported as zero.
func paid(inv *escrow.Invoice) int64 {
	total, err := inv.Paid()
	if err != nil {
		return 0
	}
	return total
}

func parseInvoice(raw json.RawMessage) (*escrow.Invoice, error) {
	var resp struct {
		Invoice *escrow.Invoice `json:"invoice"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Invoice == nil {
		return nil, fmt.Errorf("no invoice in response: %s", string(raw))
	}
	return resp.Invoice, nil
}

func formatInvoice(inv *escrow.Invoice) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Invoice %s\n", inv.ID)
	fmt.Fprintf(&sb, "  Status:   %s\n", inv.Status)
	fmt.Fprintf(&sb, "  Merchant: %s\n", inv.Merchant)
	fmt.Fprintf(&sb, "  Total:    %d\n", inv.TotalAmount)
	fmt.Fprintf(&sb, "  Paid:     %d\n", paid(inv))
	if !inv.Status.IsTerminal() {
		if outstanding, err := inv.Outstanding(); err == nil {
			fmt.Fprintf(&sb, "  Left:     %d\n", outstanding)
		}
	}
	fmt.Fprintf(&sb, "  Due:      %s\n", inv.DueDate.Format(time.RFC3339))
	if inv.Memo != "" {
		fmt.Fprintf(&sb, "  Memo:     %s\n", inv.Memo)
	}
	if len(inv.Splits) > 0 {
		sb.WriteString("  Payouts:\n")
		for _, p := range inv.Payouts() {
			fmt.Fprintf(&sb, "    %s: %d\n", p.Recipient, p.Amount)
		}
	}
	if len(inv.Payments) > 0 {
		payers := make([]string, 0, len(inv.Payments))
		for p := range inv.Payments {
			payers = append(payers, p)
		}
		sort.Strings(payers)
		sb.WriteString("  Payments:\n")
		for _, p := range payers {
			fmt.Fprintf(&sb, "    %s: %d\n", p, inv.Payments[p])
		}
	}
	return sb.String()
}
