// Package venue defines the execution venue that quotes and builds conversions.
package venue

import (
	"context"
	"time"

	"flowmint/internal/models"
)

type QuoteRequest struct {
	InputAsset   string
	OutputAsset  string
	Amount       models.Amount
	ToleranceBps int
}

type Quote struct {
	ExpectedOutput models.Amount
	Route          models.Route
	PriceImpactBps int
	ExpiresAt      *time.Time
}

// Venue errors must be classifiable by retry.Classify: either typed
// *apperr.Error values or errors exposing HTTPStatus().
type Venue interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
	// BuildTransaction returns the unsigned transaction bytes for route.
	BuildTransaction(ctx context.Context, route models.Route, payer string) ([]byte, error)
}
