// Package reconciliation checks that the escrow account's ledger balance
// equals the funds held for unsettled invoices.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paybeam/paybeam/internal/amount"
	"github.com/paybeam/paybeam/internal/clock"
	"github.com/paybeam/paybeam/internal/transfer"
)

// HeldSummer totals the payment ledgers of invoices that are not settled.
type HeldSummer interface {
	SumHeld(ctx context.Context) (held int64, invoices int, err error)
}

// BalanceReader reads ledger balances.
type BalanceReader interface {
	Balance(ctx context.Context, asset, account string) (*transfer.Balance, error)
}

// Result holds the outcome of one reconciliation run.
type Result struct {
	Match          bool      `json:"match"`
	EscrowBalance  int64     `json:"escrowBalance"`
	Held           int64     `json:"held"`
	HeldInvoices   int       `json:"heldInvoices"`
	Diff           int64     `json:"diff"`
	DurationMs     int64     `json:"durationMs"`
	Timestamp      time.Time `json:"timestamp"`
	ConsecutiveBad int       `json:"consecutiveMismatches"`
}

// Service compares the escrow account balance against held invoice payments.
type Service struct {
	held       HeldSummer
	balances   BalanceReader
	escrowAddr string
	asset      string
	clock      clock.Clock
	logger     *slog.Logger

	mu          sync.Mutex // serializes runs
	consecutive int
}

// NewService creates a reconciliation service.
func NewService(held HeldSummer, balances BalanceReader, escrowAddr, asset string, logger *slog.Logger) *Service {
	return &Service{
		held:       held,
		balances:   balances,
		escrowAddr: escrowAddr,
		asset:      asset,
		clock:      clock.System{},
		logger:     logger,
	}
}

// WithClock sets the time source for result timestamps.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// Reconcile runs one check. A payment in flight can show a transient diff
// between its transfer and its commit; a mismatch seen on two consecutive
// runs is logged as CRITICAL.
func (s *Service) Reconcile(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	held, count, err := s.held.SumHeld(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to sum held payments: %w", err)
	}

	bal, err := s.balances.Balance(ctx, s.asset, s.escrowAddr)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to read escrow balance: %w", err)
	}

	diff, err := amount.Sub(bal.Available, held)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to compute diff: %w", err)
	}

	result := &Result{
		Match:         diff == 0,
		EscrowBalance: bal.Available,
		Held:          held,
		HeldInvoices:  count,
		Diff:          diff,
		DurationMs:    time.Since(start).Milliseconds(),
		Timestamp:     s.clock.Now(),
	}

	reconcileDiff.Set(float64(diff))
	reconcileHeldInvoices.Set(float64(count))

	if result.Match {
		s.consecutive = 0
		return result, nil
	}

	reconcileMismatches.Inc()
	s.consecutive++
	result.ConsecutiveBad = s.consecutive

	attrs := []any{
		"escrow_address", s.escrowAddr,
		"escrow_balance", bal.Available,
		"held", held,
		"diff", diff,
		"consecutive", s.consecutive,
	}
	if s.consecutive >= 2 {
		s.logger.Error("CRITICAL: escrow balance does not match held payments", attrs...)
	} else {
		s.logger.Warn("escrow balance mismatch, rechecking next run", attrs...)
	}
	return result, nil
}
