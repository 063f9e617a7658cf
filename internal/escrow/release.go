package escrow

import (
	"context"
	"fmt"

	"github.com/paybeam/paybeam/internal/metrics"
	"github.com/paybeam/paybeam/internal/transfer"
)

// Transfer legs, used as metric labels and reference prefixes.
const (
	legInbound      = "inbound"
	legExcess       = "excess"
	legRelease      = "release"
	legRefund       = "refund"
	legCompensation = "compensation"
)

// Releaser moves funds out of (and into) the escrow holding identity.
// It is the only component that talks to the transfer service.
type Releaser struct {
	transfers transfer.Service
	escrow    string
	asset     string
}

// NewReleaser creates a releaser for escrowAddr holding asset.
func NewReleaser(transfers transfer.Service, escrowAddr, asset string) *Releaser {
	return &Releaser{transfers: transfers, escrow: escrowAddr, asset: asset}
}

// EscrowAddress returns the holding identity.
func (r *Releaser) EscrowAddress() string { return r.escrow }

// Asset returns the token identity passed on every transfer.
func (r *Releaser) Asset() string { return r.asset }

// Collect moves a payment from payer into escrow.
func (r *Releaser) Collect(ctx context.Context, inv *Invoice, payer string, value int64, ref string) error {
	return r.move(ctx, legInbound, payer, r.escrow, value, "pay:"+inv.ID+":"+ref)
}

// ReturnExcess sends the overpaid part of a settling payment back to its payer.
func (r *Releaser) ReturnExcess(ctx context.Context, inv *Invoice, payer string, value int64, ref string) error {
	return r.move(ctx, legExcess, r.escrow, payer, value, "excess:"+inv.ID+":"+ref)
}

// Release pays exactly TotalAmount out to the invoice's payouts. The invoice
// must already be in the settled state. If a leg fails, earlier legs are
// taken back; when that also fails the error wraps ErrPartialRelease.
func (r *Releaser) Release(ctx context.Context, inv *Invoice) error {
	if inv.Status != StatusSettled {
		return fmt.Errorf("%w: release requires settled invoice, got %s", ErrInvalidTransition, inv.Status)
	}

	payouts := inv.Payouts()
	if len(payouts) == 1 {
		return r.move(ctx, legRelease, r.escrow, payouts[0].Recipient, payouts[0].Amount, "release:"+inv.ID)
	}

	for i, p := range payouts {
		err := r.move(ctx, legRelease, r.escrow, p.Recipient, p.Amount, "release:"+inv.ID+":"+p.Recipient)
		if err == nil {
			continue
		}
		for _, done := range payouts[:i] {
			if rerr := r.move(ctx, legCompensation, done.Recipient, r.escrow, done.Amount, "unrelease:"+inv.ID+":"+done.Recipient); rerr != nil {
				return fmt.Errorf("%w: %w (taking back %d from %s: %v)", ErrPartialRelease, err, done.Amount, done.Recipient, rerr)
			}
		}
		return err
	}
	return nil
}

// Refund returns a payer's recorded amount after expiry.
func (r *Releaser) Refund(ctx context.Context, inv *Invoice, payer string, value int64) error {
	return r.move(ctx, legRefund, r.escrow, payer, value, "refund:"+inv.ID+":"+payer)
}

// Compensate reverses funds already collected from payer when a later leg failed.
func (r *Releaser) Compensate(ctx context.Context, inv *Invoice, payer string, value int64, ref string) error {
	return r.move(ctx, legCompensation, r.escrow, payer, value, "pay:"+inv.ID+":"+ref)
}

func (r *Releaser) move(ctx context.Context, leg, from, to string, value int64, ref string) error {
	err := r.transfers.Transfer(ctx, transfer.Transfer{
		Asset:     r.asset,
		From:      from,
		To:        to,
		Amount:    value,
		Reference: ref,
	})
	if err != nil {
		metrics.TransferFailuresTotal.WithLabelValues(leg).Inc()
		return fmt.Errorf("%w: %s transfer of %d: %v", ErrTransferFailed, leg, value, err)
	}
	return nil
}
