package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"flowmint/internal/notify"
)

func emit(ctx context.Context, n notify.Notifier, typ notify.EventType, invoiceID string, at time.Time, data map[string]any) {
	if n == nil {
		return
	}
	n.Notify(ctx, notify.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		InvoiceID:  invoiceID,
		Data:       data,
		OccurredAt: at,
	})
}
