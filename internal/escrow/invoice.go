package escrow

import (
	"time"

	"github.com/paybeam/paybeam/internal/amount"
)

// Status represents the lifecycle state of an invoice.
type Status string

const (
	StatusOpen    Status = "open"    // Accepting payments
	StatusSettled Status = "settled" // Fully paid, total released to merchant
	StatusExpired Status = "expired" // Due date passed unpaid, payers may refund
)

// transitions is the allowed transition chart. Settled and expired are terminal.
var transitions = map[Status][]Status{
	StatusOpen: {StatusSettled, StatusExpired},
}

// CanTransition reports whether the chart allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Receipt kinds.
const (
	ReceiptPayment = "payment"
	ReceiptRefund  = "refund"
)

// Receipt records a single payment or refund against an invoice.
type Receipt struct {
	Kind      string    `json:"kind"`
	Payer     string    `json:"payer"`
	Amount    int64     `json:"amount"`             // transferred by the payer (or back, for refunds)
	Accepted  int64     `json:"accepted"`           // credited to the payment ledger
	Returned  int64     `json:"returned,omitempty"` // overpayment sent back immediately
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Split is one payout share of a settled invoice.
type Split struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}

// maxSplits caps the payout recipients of one invoice.
const maxSplits = 20

// Claim operations.
const (
	ClaimPayment = "payment"
	ClaimRefund  = "refund"
)

// Claim marks an invoice whose funds are being moved. It is committed with a
// version check before the first transfer and cleared by the commit that
// records the outcome, so at most one process moves funds for an invoice.
// A claim that outlives its operation names the transfer that needs checking.
type Claim struct {
	Token     string    `json:"token"`
	Operation string    `json:"operation"`
	Payer     string    `json:"payer"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Invoice is a payment request held in escrow until fully paid.
type Invoice struct {
	ID          string     `json:"id"`
	Memo        string     `json:"memo,omitempty"`
	TotalAmount int64      `json:"totalAmount"`
	DueDate     time.Time  `json:"dueDate"`
	Merchant    string     `json:"merchant"`
	Splits      []Split    `json:"splits,omitempty"`
	Asset       string     `json:"asset"`
	Status      Status     `json:"status"`
	Payments    Ledger     `json:"payments"`
	Receipts    []Receipt  `json:"receipts"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
	ExpiredAt   *time.Time `json:"expiredAt,omitempty"`
	Claim       *Claim     `json:"claim,omitempty"`
}

// Paid returns the sum of accepted payments.
func (inv *Invoice) Paid() (int64, error) {
	return inv.Payments.Total()
}

// Outstanding returns how much is still needed to settle. Never negative.
func (inv *Invoice) Outstanding() (int64, error) {
	paid, err := inv.Paid()
	if err != nil {
		return 0, err
	}
	if paid >= inv.TotalAmount {
		return 0, nil
	}
	return amount.Sub(inv.TotalAmount, paid)
}

// Payouts lists who is paid on release: the splits when set, otherwise the
// merchant for the whole total.
func (inv *Invoice) Payouts() []Split {
	if len(inv.Splits) == 0 {
		return []Split{{Recipient: inv.Merchant, Amount: inv.TotalAmount}}
	}
	out := make([]Split, len(inv.Splits))
	copy(out, inv.Splits)
	return out
}

// IsOverdue reports whether now is strictly past the due date.
func (inv *Invoice) IsOverdue(now time.Time) bool {
	return now.After(inv.DueDate)
}

// HasReference reports whether a payment with ref was already recorded.
func (inv *Invoice) HasReference(ref string) bool {
	for _, r := range inv.Receipts {
		if r.Kind == ReceiptPayment && r.Reference == ref {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (inv *Invoice) Clone() *Invoice {
	cp := *inv
	cp.Payments = inv.Payments.Clone()
	if inv.Receipts != nil {
		cp.Receipts = make([]Receipt, len(inv.Receipts))
		copy(cp.Receipts, inv.Receipts)
	}
	if inv.SettledAt != nil {
		t := *inv.SettledAt
		cp.SettledAt = &t
	}
	if inv.ExpiredAt != nil {
		t := *inv.ExpiredAt
		cp.ExpiredAt = &t
	}
	if inv.Splits != nil {
		cp.Splits = make([]Split, len(inv.Splits))
		copy(cp.Splits, inv.Splits)
	}
	if inv.Claim != nil {
		c := *inv.Claim
		cp.Claim = &c
	}
	return &cp
}
