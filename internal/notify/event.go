// Package notify delivers engine events to merchants.
package notify

import (
	"context"
	"time"
)

type EventType string

const (
	EventInvoicePaid               EventType = "invoice.paid"
	EventInvoiceExpired            EventType = "invoice.expired"
	EventLegCompleted              EventType = "leg.completed"
	EventLegFailed                 EventType = "leg.failed"
	EventReservationPartialFailure EventType = "reservation.partial_failure"
	// EventSettlementConflict means a leg settled against a reservation that
	// had already left active; its output needs manual reconciliation.
	EventSettlementConflict EventType = "reservation.settlement_conflict"
)

type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	InvoiceID  string         `json:"invoice_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier accepts events for delivery. Implementations own retries and
// signing; Notify must not block the caller on network I/O.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
