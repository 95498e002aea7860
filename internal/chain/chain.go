// Package chain defines the settlement chain client used by the leg executor.
package chain

import (
	"context"
	"time"

	"flowmint/internal/models"
)

type ConfirmRequest struct {
	TxRef   string
	Timeout time.Duration
	// Mint and Owner select the token balance whose change is reported as
	// Receipt.OutputAmount. Both are optional.
	Mint  string
	Owner string
}

type Receipt struct {
	TxRef     string
	Confirmed bool
	Slot      uint64
	// OutputAmount is nil when the client cannot derive it.
	OutputAmount *models.Amount
	// Err is the on-chain failure reason for a landed but failed transaction.
	Err string
}

type Client interface {
	Name() string
	Submit(ctx context.Context, signedTx []byte) (string, error)
	Confirm(ctx context.Context, req ConfirmRequest) (*Receipt, error)
}

// TransactionSigner adds the engine's signature to a venue-built transaction.
type TransactionSigner interface {
	SignTransaction(ctx context.Context, unsigned []byte) ([]byte, error)
}
