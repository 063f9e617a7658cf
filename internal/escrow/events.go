package escrow

import (
	"context"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventInvoiceCreated  EventType = "invoice.created"
	EventPaymentReceived EventType = "payment.received"
	EventInvoicePaid     EventType = "invoice.paid"
	EventInvoiceExpired  EventType = "invoice.expired"
	EventPaymentRefunded EventType = "payment.refunded"
)

// Event is emitted after a state change has been committed.
type Event struct {
	Type      EventType `json:"type"`
	InvoiceID string    `json:"invoiceId"`
	Memo      string    `json:"memo,omitempty"`
	Merchant  string    `json:"merchant"`
	Payer     string    `json:"payer,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives committed lifecycle events. Publish must not block.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

type noopSink struct{}

func (noopSink) Publish(context.Context, Event) {}

func newEvent(t EventType, inv *Invoice, at time.Time) Event {
	return Event{
		Type:      t,
		InvoiceID: inv.ID,
		Memo:      inv.Memo,
		Merchant:  inv.Merchant,
		Status:    inv.Status,
		Timestamp: at,
	}
}
