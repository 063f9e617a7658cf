// Package escrow holds invoice payments in trust until the invoice is fully paid.
//
// Flow:
//  1. Merchant creates an invoice (total, due date, optional memo)
//  2. Payers pay: funds moved payer → escrow, accepted amount recorded per payer
//  3. The payment that reaches the total settles the invoice: any excess goes
//     back to that payer, then exactly the total is released to the merchant
//  4. Due date passes first → invoice expires, each payer may refund
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/paybeam/paybeam/internal/amount"
	"github.com/paybeam/paybeam/internal/clock"
	"github.com/paybeam/paybeam/internal/idgen"
	"github.com/paybeam/paybeam/internal/metrics"
	"github.com/paybeam/paybeam/internal/retry"
	"github.com/paybeam/paybeam/internal/syncutil"
	"github.com/paybeam/paybeam/internal/traces"
)

var (
	ErrDuplicateInvoice  = errors.New("invoice id already exists")
	ErrDuplicateMemo     = errors.New("memo already used by another invoice")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidDueDate    = errors.New("due date must be in the future")
	ErrInvalidInvoice    = errors.New("invalid invoice request")
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrAlreadySettled    = errors.New("invoice already settled")
	ErrInvoiceExpired    = errors.New("invoice expired")
	ErrDuplicatePayment  = errors.New("payment reference already recorded")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrUnauthorized      = errors.New("not authorized for this invoice operation")
	ErrVersionConflict   = errors.New("invoice was modified concurrently")
	ErrInvalidTransition = errors.New("invalid invoice status transition")
	ErrInvoiceBusy       = errors.New("invoice has a transfer in progress")
	ErrPartialRelease    = errors.New("invoice payout partially completed")
)

// staleClaimAfter is how long a claim may stand before it is reported as
// needing manual resolution.
const staleClaimAfter = 5 * time.Minute

// Store persists invoices. Implementations index memos atomically with the
// record and return copies, never shared pointers.
type Store interface {
	// Create inserts a new invoice. Fails with ErrDuplicateInvoice or ErrDuplicateMemo.
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	GetByMemo(ctx context.Context, memo string) (*Invoice, error)
	// Update commits inv if the stored version still equals inv.Version, then
	// bumps inv.Version. Fails with ErrVersionConflict otherwise.
	Update(ctx context.Context, inv *Invoice) error
	ListByMerchant(ctx context.Context, merchant string, limit int) ([]*Invoice, error)
	// ListOverdue returns open invoices whose due date is before the given time.
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Invoice, error)
}

// CreateRequest contains the parameters for creating an invoice.
type CreateRequest struct {
	ID          string    `json:"id" binding:"required"`
	TotalAmount int64     `json:"totalAmount" binding:"required"`
	DueDate     time.Time `json:"dueDate" binding:"required"`
	Merchant    string    `json:"merchant"`
	Memo        string    `json:"memo"`
	Splits      []Split   `json:"splits"` // optional; must sum to TotalAmount
}

// PaymentRequest contains the parameters for paying an invoice.
type PaymentRequest struct {
	InvoiceID string `json:"-"`
	Payer     string `json:"payer"`
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Service implements the invoice escrow state machine.
type Service struct {
	store    Store
	releaser *Releaser
	clock    clock.Clock
	locks    *syncutil.KeyedMutex
	events   EventSink
	commit   retry.Policy
	logger   *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, releaser *Releaser, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		releaser: releaser,
		clock:    clock.System{},
		locks:    syncutil.NewKeyedMutex(),
		events:   noopSink{},
		commit:   retry.DefaultPolicy,
		logger:   logger,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithEvents adds a sink for committed lifecycle events.
func (s *Service) WithEvents(sink EventSink) *Service {
	if sink == nil {
		sink = noopSink{}
	}
	s.events = sink
	return s
}

// WithCommitPolicy sets the retry policy used to persist state after funds moved.
func (s *Service) WithCommitPolicy(p retry.Policy) *Service {
	s.commit = p
	return s
}

// Create validates and stores a new open invoice with an empty ledger.
func (s *Service) Create(ctx context.Context, req CreateRequest) (inv *Invoice, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.InvoiceID(req.ID), traces.Merchant(req.Merchant), traces.Amount(req.TotalAmount))
	defer func() { traces.Fail(span, err); span.End() }()

	id := normalizeID(req.ID)
	merchant := strings.ToLower(strings.TrimSpace(req.Merchant))
	memo := strings.TrimSpace(req.Memo)

	if id == "" || merchant == "" {
		return nil, fmt.Errorf("%w: id and merchant are required", ErrInvalidInvoice)
	}
	if merchant == s.releaser.EscrowAddress() {
		return nil, fmt.Errorf("%w: merchant cannot be the escrow account", ErrInvalidInvoice)
	}
	if err := amount.Positive(req.TotalAmount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	splits, err := s.normalizeSplits(req.Splits, req.TotalAmount)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock.Now()
	if !req.DueDate.After(now) {
		return nil, ErrInvalidDueDate
	}

	inv = &Invoice{
		ID:          id,
		Memo:        memo,
		TotalAmount: req.TotalAmount,
		DueDate:     req.DueDate.UTC(),
		Merchant:    merchant,
		Splits:      splits,
		Asset:       s.releaser.Asset(),
		Status:      StatusOpen,
		Payments:    Ledger{},
		Receipts:    []Receipt{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, inv); err != nil {
		return nil, err
	}

	metrics.InvoicesCreatedTotal.Inc()
	s.logger.Info("invoice created",
		"invoiceId", inv.ID, "merchant", inv.Merchant, "total", inv.TotalAmount, "dueDate", inv.DueDate)
	s.events.Publish(ctx, newEvent(EventInvoiceCreated, inv, now))
	return inv.Clone(), nil
}

// RecordPayment transfers a payment into escrow and credits it to the invoice.
// A payment that reaches the total settles the invoice in the same call.
func (s *Service) RecordPayment(ctx context.Context, req PaymentRequest) (inv *Invoice, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RecordPayment",
		traces.InvoiceID(req.InvoiceID), traces.Payer(req.Payer), traces.Amount(req.Amount))
	defer func() {
		traces.Fail(span, err)
		span.End()
		metrics.PaymentsTotal.WithLabelValues(paymentOutcome(inv, err)).Inc()
	}()

	id := normalizeID(req.InvoiceID)
	payer := strings.ToLower(strings.TrimSpace(req.Payer))
	if payer == "" {
		return nil, fmt.Errorf("%w: payer is required", ErrInvalidInvoice)
	}
	if err := amount.Positive(req.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		ref = idgen.WithPrefix("pay_")
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	switch {
	case current.Status == StatusSettled:
		return nil, ErrAlreadySettled
	case current.Status == StatusExpired, current.IsOverdue(now):
		return nil, ErrInvoiceExpired
	case current.Status != StatusOpen:
		return nil, fmt.Errorf("%w: status %s", ErrInvalidTransition, current.Status)
	}
	if err := s.checkClaim(current, now); err != nil {
		return nil, err
	}
	if current.HasReference(ref) {
		return nil, ErrDuplicatePayment
	}

	paid, err := current.Paid()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	newSum, err := amount.Add(paid, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	settling := newSum >= current.TotalAmount
	var excess int64
	if settling {
		excess = newSum - current.TotalAmount
	}
	accepted := req.Amount - excess

	claimed, err := s.claim(ctx, current, ClaimPayment, payer, req.Amount, ref, now)
	if err != nil {
		return nil, err
	}

	next := claimed.Clone()
	next.Claim = nil
	if err := next.Payments.Credit(payer, accepted); err != nil {
		s.unclaim(ctx, claimed)
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	next.Receipts = append(next.Receipts, Receipt{
		Kind:      ReceiptPayment,
		Payer:     payer,
		Amount:    req.Amount,
		Accepted:  accepted,
		Returned:  excess,
		Reference: ref,
		CreatedAt: now,
	})
	next.UpdatedAt = now
	if settling {
		next.Status = StatusSettled
		next.SettledAt = &now
	}

	// Money only moves under the claim. The ledger is committed once every leg succeeded.
	if err := s.releaser.Collect(ctx, current, payer, req.Amount, ref); err != nil {
		s.unclaim(ctx, claimed)
		return nil, err
	}

	if settling {
		if excess > 0 {
			if err := s.releaser.ReturnExcess(ctx, next, payer, excess, ref); err != nil {
				s.compensate(ctx, claimed, payer, req.Amount, ref)
				return nil, err
			}
			metrics.RefundsTotal.WithLabelValues("overpayment").Inc()
		}
		if err := s.releaser.Release(ctx, next); err != nil {
			if errors.Is(err, ErrPartialRelease) {
				s.logger.Error("CRITICAL: invoice payout partially completed",
					"invoiceId", next.ID, "payer", payer, "reference", ref,
					"claim", claimed.Claim.Token, "error", err)
				return nil, err
			}
			s.compensate(ctx, claimed, payer, accepted, ref)
			return nil, err
		}
	}

	if err := s.persist(ctx, next); err != nil {
		if !settling {
			// Nothing left escrow yet, so the payment can be undone cleanly.
			s.compensate(ctx, claimed, payer, req.Amount, ref)
			return nil, fmt.Errorf("failed to record payment: %w", err)
		}
		s.logger.Error("CRITICAL: invoice settled and released but state update failed",
			"invoiceId", next.ID, "merchant", next.Merchant, "total", next.TotalAmount,
			"payer", payer, "reference", ref, "claim", claimed.Claim.Token, "error", err)
		return nil, fmt.Errorf("failed to update invoice after release (requires manual resolution): %w", err)
	}

	s.logger.Info("payment recorded",
		"invoiceId", next.ID, "payer", payer, "amount", req.Amount,
		"accepted", accepted, "returned", excess, "reference", ref, "status", next.Status)

	ev := newEvent(EventPaymentReceived, next, now)
	ev.Payer, ev.Amount, ev.Reference = payer, accepted, ref
	s.events.Publish(ctx, ev)

	if settling {
		metrics.InvoicesSettledTotal.Inc()
		metrics.SettlementDuration.Observe(now.Sub(next.CreatedAt).Seconds())
		paidEv := newEvent(EventInvoicePaid, next, now)
		paidEv.Amount = next.TotalAmount
		s.events.Publish(ctx, paidEv)
	}

	return next.Clone(), nil
}

// Expire moves an overdue open invoice to expired. It returns false without
// error when the invoice is settled, already expired, or not yet past due.
func (s *Service) Expire(ctx context.Context, id string) (bool, error) {
	return s.expire(ctx, id, "request")
}

func (s *Service) expire(ctx context.Context, id, trigger string) (expired bool, err error) {
	id = normalizeID(id)
	ctx, span := traces.StartSpan(ctx, "escrow.Expire", traces.InvoiceID(id))
	defer func() { traces.Fail(span, err); span.End() }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	if !current.Status.CanTransition(StatusExpired) || !current.IsOverdue(now) {
		return false, nil
	}
	if err := s.checkClaim(current, now); err != nil {
		return false, err
	}

	next := current.Clone()
	next.Status = StatusExpired
	next.ExpiredAt = &now
	next.UpdatedAt = now

	if err := s.store.Update(ctx, next); err != nil {
		return false, fmt.Errorf("failed to expire invoice: %w", err)
	}

	metrics.InvoicesExpiredTotal.WithLabelValues(trigger).Inc()
	paid, _ := next.Paid()
	s.logger.Info("invoice expired", "invoiceId", id, "trigger", trigger, "collected", paid)
	ev := newEvent(EventInvoiceExpired, next, now)
	ev.Amount = paid
	s.events.Publish(ctx, ev)
	return true, nil
}

// Refund returns payer's recorded amount from an expired invoice. It returns
// false without error unless the invoice is expired. A payer with nothing
// recorded gets true and no transfer.
func (s *Service) Refund(ctx context.Context, id, payer string) (refunded bool, err error) {
	id = normalizeID(id)
	payer = strings.ToLower(strings.TrimSpace(payer))
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.InvoiceID(id), traces.Payer(payer))
	defer func() { traces.Fail(span, err); span.End() }()

	if payer == "" {
		return false, fmt.Errorf("%w: payer is required", ErrInvalidInvoice)
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if current.Status != StatusExpired {
		return false, nil
	}

	prior := current.Payments.Amount(payer)
	if prior == 0 {
		return true, nil
	}

	now := s.clock.Now()
	if err := s.checkClaim(current, now); err != nil {
		return false, err
	}
	ref := "refund:" + id + ":" + payer
	claimed, err := s.claim(ctx, current, ClaimRefund, payer, prior, ref, now)
	if err != nil {
		return false, err
	}

	next := claimed.Clone()
	next.Claim = nil
	next.Payments.Zero(payer)
	next.Receipts = append(next.Receipts, Receipt{
		Kind:      ReceiptRefund,
		Payer:     payer,
		Amount:    prior,
		Reference: ref,
		CreatedAt: now,
	})
	next.UpdatedAt = now

	if err := s.releaser.Refund(ctx, next, payer, prior); err != nil {
		s.unclaim(ctx, claimed)
		return false, err
	}

	if err := s.persist(ctx, next); err != nil {
		s.logger.Error("CRITICAL: refund transferred but ledger update failed",
			"invoiceId", id, "payer", payer, "amount", prior, "claim", claimed.Claim.Token, "error", err)
		return false, fmt.Errorf("failed to update invoice after refund (requires manual resolution): %w", err)
	}

	metrics.RefundsTotal.WithLabelValues("expiry").Inc()
	s.logger.Info("payment refunded", "invoiceId", id, "payer", payer, "amount", prior)
	ev := newEvent(EventPaymentRefunded, next, now)
	ev.Payer, ev.Amount = payer, prior
	s.events.Publish(ctx, ev)
	return true, nil
}

// Get returns an invoice by ID.
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	return s.store.Get(ctx, normalizeID(id))
}

// GetByMemo returns the invoice carrying memo.
func (s *Service) GetByMemo(ctx context.Context, memo string) (*Invoice, error) {
	memo = strings.TrimSpace(memo)
	if memo == "" {
		return nil, ErrInvoiceNotFound
	}
	return s.store.GetByMemo(ctx, memo)
}

// VerifyPayment reports whether the invoice has been paid in full.
func (s *Service) VerifyPayment(ctx context.Context, id string) (bool, error) {
	inv, err := s.store.Get(ctx, normalizeID(id))
	if err != nil {
		return false, err
	}
	return inv.Status == StatusSettled, nil
}

// ListByMerchant returns a merchant's invoices, newest first.
func (s *Service) ListByMerchant(ctx context.Context, merchant string, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByMerchant(ctx, strings.ToLower(merchant), limit)
}

// ExpireOverdue expires up to limit open invoices past their due date and
// returns how many were expired.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.store.ListOverdue(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, inv := range overdue {
		ok, err := s.expire(ctx, inv.ID, "sweeper")
		if err != nil {
			s.logger.Warn("failed to expire overdue invoice", "invoiceId", inv.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// persist commits next after funds moved, retrying transient store failures.
func (s *Service) persist(ctx context.Context, next *Invoice) error {
	return retry.Do(ctx, s.commit, func(ctx context.Context) error {
		err := s.store.Update(ctx, next)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrInvoiceNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

// claim commits a claim on current before any funds move. If another writer
// committed since current was read, nothing moves and ErrInvoiceBusy is returned.
func (s *Service) claim(ctx context.Context, current *Invoice, op, payer string, value int64, ref string, now time.Time) (*Invoice, error) {
	claimed := current.Clone()
	claimed.Claim = &Claim{
		Token:     idgen.WithPrefix("clm_"),
		Operation: op,
		Payer:     payer,
		Amount:    value,
		Reference: ref,
		CreatedAt: now,
	}
	claimed.UpdatedAt = now
	if err := s.store.Update(ctx, claimed); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvoiceBusy, err)
		}
		return nil, fmt.Errorf("failed to claim invoice: %w", err)
	}
	return claimed, nil
}

// unclaim drops a claim whose operation left no funds in flight.
func (s *Service) unclaim(ctx context.Context, claimed *Invoice) {
	next := claimed.Clone()
	next.Claim = nil
	if err := s.persist(ctx, next); err != nil {
		s.logger.Error("failed to release invoice claim",
			"invoiceId", claimed.ID, "claim", claimed.Claim.Token, "error", err)
	}
}

// checkClaim rejects work on an invoice whose funds are being moved elsewhere.
func (s *Service) checkClaim(inv *Invoice, now time.Time) error {
	if inv.Claim == nil {
		return nil
	}
	if now.Sub(inv.Claim.CreatedAt) > staleClaimAfter {
		s.logger.Error("CRITICAL: stale invoice claim requires manual resolution",
			"invoiceId", inv.ID, "claim", inv.Claim.Token, "operation", inv.Claim.Operation,
			"payer", inv.Claim.Payer, "amount", inv.Claim.Amount, "reference", inv.Claim.Reference,
			"since", inv.Claim.CreatedAt)
	}
	return ErrInvoiceBusy
}

// compensate returns funds collected from payer after a later leg failed and
// drops the claim. If the return fails the claim stays so the invoice cannot move on.
func (s *Service) compensate(ctx context.Context, claimed *Invoice, payer string, value int64, ref string) {
	if value > 0 {
		if err := s.releaser.Compensate(ctx, claimed, payer, value, ref); err != nil {
			s.logger.Error("CRITICAL: payment collected but compensation failed",
				"invoiceId", claimed.ID, "payer", payer, "amount", value, "reference", ref, "error", err)
			return
		}
		s.logger.Warn("payment compensated after failed settlement leg",
			"invoiceId", claimed.ID, "payer", payer, "amount", value, "reference", ref)
	}
	s.unclaim(ctx, claimed)
}

// normalizeSplits validates payout shares: distinct non-escrow recipients,
// positive amounts, summing exactly to total.
func (s *Service) normalizeSplits(in []Split, total int64) ([]Split, error) {
	if len(in) == 0 {
		return nil, nil
	}
	if len(in) > maxSplits {
		return nil, fmt.Errorf("%w: at most %d split recipients", ErrInvalidInvoice, maxSplits)
	}

	out := make([]Split, 0, len(in))
	seen := make(map[string]bool, len(in))
	values := make([]int64, 0, len(in))
	for _, sp := range in {
		recipient := strings.ToLower(strings.TrimSpace(sp.Recipient))
		switch {
		case recipient == "":
			return nil, fmt.Errorf("%w: split recipient is required", ErrInvalidInvoice)
		case recipient == s.releaser.EscrowAddress():
			return nil, fmt.Errorf("%w: split recipient cannot be the escrow account", ErrInvalidInvoice)
		case seen[recipient]:
			return nil, fmt.Errorf("%w: duplicate split recipient %s", ErrInvalidInvoice, recipient)
		}
		if err := amount.Positive(sp.Amount); err != nil {
			return nil, fmt.Errorf("%w: split for %s: %v", ErrInvalidAmount, recipient, err)
		}
		seen[recipient] = true
		out = append(out, Split{Recipient: recipient, Amount: sp.Amount})
		values = append(values, sp.Amount)
	}

	sum, err := amount.Sum(values...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if sum != total {
		return nil, fmt.Errorf("%w: splits sum to %d, total is %d", ErrInvalidAmount, sum, total)
	}
	return out, nil
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

func paymentOutcome(inv *Invoice, err error) string {
	switch {
	case err == nil && inv != nil && inv.Status == StatusSettled:
		return "settled"
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrInvoiceExpired):
		return "rejected_status"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrInvoiceBusy):
		return "busy"
	default:
		return "rejected"
	}
}
