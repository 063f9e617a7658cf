package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/paybeam/paybeam/internal/escrow"
)

// Config holds the configuration for connecting to the paybeam API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string // API key, e.g. "sk_..."
	Identity string // The address the API key authenticates as
}

// Client is a thin HTTP client for the paybeam API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Code)
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// CreateInvoiceParams is the body of POST /v1/invoices.
type CreateInvoiceParams struct {
	ID          string         `json:"id"`
	TotalAmount int64          `json:"totalAmount"`
	DueDate     time.Time      `json:"dueDate"`
	Memo        string         `json:"memo,omitempty"`
	Splits      []escrow.Split `json:"splits,omitempty"`
}

// CreateInvoice creates an invoice with the configured identity as merchant.
func (c *Client) CreateInvoice(ctx context.Context, p CreateInvoiceParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/invoices", nil, p)
}

// PayInvoice records a payment from the configured identity.
func (c *Client) PayInvoice(ctx context.Context, invoiceID string, amount int64, reference string) (json.RawMessage, error) {
	body := map[string]any{"amount": amount}
	if reference != "" {
		body["reference"] = reference
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(invoiceID)+"/payments", nil, body)
}

// GetInvoice fetches an invoice by ID.
func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(invoiceID), nil, nil)
}

// GetInvoiceByMemo fetches an invoice by memo.
func (c *Client) GetInvoiceByMemo(ctx context.Context, memo string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/memos/"+url.PathEscape(memo)+"/invoice", nil, nil)
}

// VerifyPayment reports whether an invoice is settled.
func (c *Client) VerifyPayment(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(invoiceID)+"/verify", nil, nil)
}

// ExpireInvoice requests expiry of an overdue invoice.
func (c *Client) ExpireInvoice(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(invoiceID)+"/expire", nil, nil)
}

// RefundPayment reclaims the configured identity's contribution.
func (c *Client) RefundPayment(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(invoiceID)+"/refunds", nil, nil)
}

// ListInvoices lists a merchant's invoices.
func (c *Client) ListInvoices(ctx context.Context, merchant string, limit int) (json.RawMessage, error) {
	if merchant == "" {
		merchant = c.cfg.Identity
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/merchants/"+url.PathEscape(merchant)+"/invoices", q, nil)
}

// GetBalance returns the configured identity's balance.
func (c *Client) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(c.cfg.Identity)+"/balance", nil, nil)
}
