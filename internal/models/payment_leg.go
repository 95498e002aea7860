package models

import (
	"time"

	"gorm.io/datatypes"
)

type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegExecuting LegStatus = "executing"
	LegCompleted LegStatus = "completed"
	LegFailed    LegStatus = "failed"
	LegSkipped   LegStatus = "skipped"
	LegCancelled LegStatus = "cancelled"
)

// PaymentLeg is one atomic conversion within a reservation.
// (reservation_id, leg_index) is unique.
type PaymentLeg struct {
	ID            string `gorm:"type:varchar(64);primaryKey" json:"id"`
	ReservationID string `gorm:"type:varchar(64);not null;uniqueIndex:uq_payment_legs_reservation_index,priority:1" json:"reservation_id"`
	InvoiceID     string `gorm:"type:varchar(64);not null;index" json:"invoice_id"`
	LegIndex      int    `gorm:"not null;uniqueIndex:uq_payment_legs_reservation_index,priority:2" json:"leg_index"`

	SourceAsset    string                    `gorm:"type:varchar(64);not null" json:"source_asset"`
	InputAmount    Amount                    `gorm:"type:numeric(78,0);not null" json:"input_amount"`
	ExpectedOutput Amount                    `gorm:"type:numeric(78,0);not null" json:"expected_output"`
	ActualOutput   *Amount                   `gorm:"type:numeric(78,0)" json:"actual_output,omitempty"`
	Route          datatypes.JSONType[Route] `gorm:"type:jsonb" json:"route"`
	HopCount       int                       `gorm:"not null;default:1" json:"hop_count"`
	PriceImpactBps int                       `gorm:"not null;default:0" json:"price_impact_bps"`

	ToleranceBps        int        `gorm:"not null;default:0" json:"tolerance_bps"`
	RealizedSlippageBps *int       `json:"realized_slippage_bps,omitempty"`
	RequiresArtifact    bool       `gorm:"not null;default:false" json:"requires_artifact"`
	QuoteExpiresAt      *time.Time `gorm:"type:timestamptz" json:"quote_expires_at,omitempty"`

	Status       LegStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	TxRef        *string   `gorm:"type:varchar(200)" json:"tx_ref,omitempty"`
	ErrorCode    *string   `gorm:"type:varchar(60)" json:"error_code,omitempty"`
	ErrorMessage *string   `gorm:"type:text" json:"error_message,omitempty"`

	RetryCount   int `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int `gorm:"not null;default:3" json:"max_retries"`
	RequoteCount int `gorm:"not null;default:0" json:"requote_count"`

	StartedAt   *time.Time `gorm:"type:timestamptz" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamptz" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (PaymentLeg) TableName() string {
	return "payment_legs"
}

// Executable reports whether the leg may be (re)started.
func (l *PaymentLeg) Executable() bool {
	if l == nil {
		return false
	}
	switch l.Status {
	case LegPending:
		return true
	case LegFailed:
		return l.RetryCount < l.MaxRetries
	}
	return false
}
