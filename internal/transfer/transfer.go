// Package transfer moves token balances between identities.
//
// It is the value-moving collaborator of the escrow engine: payers fund the
// escrow holding identity, and the escrow pays merchants or refunds payers.
// Every Transfer is all-or-nothing. A returned error means nothing moved.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paybeam/paybeam/internal/amount"
	"github.com/paybeam/paybeam/internal/idgen"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransfer   = errors.New("invalid transfer")
)

// Entry kinds.
const (
	KindTransfer = "transfer"
	KindDeposit  = "deposit"
)

// Transfer describes a single movement of Amount units of Asset.
type Transfer struct {
	Asset     string `json:"asset"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// Service executes transfers. Implementations must be all-or-nothing.
type Service interface {
	Transfer(ctx context.Context, t Transfer) error
}

// Entry is a recorded balance movement.
type Entry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Asset     string    `json:"asset"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Balance is an identity's holding of one asset.
type Balance struct {
	Account   string    `json:"account"`
	Asset     string    `json:"asset"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances and entries. Apply must debit entry.From and credit
// entry.To atomically, failing with ErrInsufficientFunds without side effects.
// A deposit entry has an empty From and only credits.
type Store interface {
	Balance(ctx context.Context, asset, account string) (*Balance, error)
	Apply(ctx context.Context, entry *Entry) error
	History(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Ledger validates transfers and applies them to a Store.
type Ledger struct {
	store Store
}

// NewLedger creates a ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Transfer moves t.Amount from t.From to t.To.
func (l *Ledger) Transfer(ctx context.Context, t Transfer) error {
	done := observeOp(KindTransfer)
	t = normalize(t)
	if err := t.validate(); err != nil {
		done(err)
		return err
	}

	err := l.store.Apply(ctx, &Entry{
		ID:        idgen.WithPrefix("tx_"),
		Kind:      KindTransfer,
		Asset:     t.Asset,
		From:      t.From,
		To:        t.To,
		Amount:    t.Amount,
		Reference: t.Reference,
		CreatedAt: time.Now().UTC(),
	})
	done(err)
	return err
}

// Deposit credits account with newly arrived funds (on-chain deposit or dev faucet).
func (l *Ledger) Deposit(ctx context.Context, asset, account string, value int64, reference string) error {
	done := observeOp(KindDeposit)
	if err := amount.Positive(value); err != nil {
		done(err)
		return fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	if asset == "" || account == "" {
		done(ErrInvalidTransfer)
		return fmt.Errorf("%w: asset and account are required", ErrInvalidTransfer)
	}

	err := l.store.Apply(ctx, &Entry{
		ID:        idgen.WithPrefix("dep_"),
		Kind:      KindDeposit,
		Asset:     strings.ToLower(asset),
		To:        strings.ToLower(account),
		Amount:    value,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	})
	done(err)
	return err
}

// Balance returns account's balance of asset. Unknown accounts have zero.
func (l *Ledger) Balance(ctx context.Context, asset, account string) (*Balance, error) {
	return l.store.Balance(ctx, strings.ToLower(asset), strings.ToLower(account))
}

// History returns the most recent entries touching account.
func (l *Ledger) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, strings.ToLower(account), limit)
}

func normalize(t Transfer) Transfer {
	t.Asset = strings.ToLower(strings.TrimSpace(t.Asset))
	t.From = strings.ToLower(strings.TrimSpace(t.From))
	t.To = strings.ToLower(strings.TrimSpace(t.To))
	return t
}

func (t Transfer) validate() error {
	if err := amount.Positive(t.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	if t.Asset == "" || t.From == "" || t.To == "" {
		return fmt.Errorf("%w: asset, from and to are required", ErrInvalidTransfer)
	}
	if t.From == t.To {
		return fmt.Errorf("%w: from and to must differ", ErrInvalidTransfer)
	}
	return nil
}

var _ Service = (*Ledger)(nil)
