package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type ReservationStatus string

const (
	ReservationActive         ReservationStatus = "active"
	ReservationCompleted      ReservationStatus = "completed"
	ReservationExpired        ReservationStatus = "expired"
	ReservationFailed         ReservationStatus = "failed"
	ReservationCancelled      ReservationStatus = "cancelled"
	ReservationPartialFailure ReservationStatus = "partial-failure"
)

// Strategy is the payer's optimization goal for a plan.
type Strategy string

const (
	StrategyMinRisk     Strategy = "min-risk"
	StrategyMinSlippage Strategy = "min-slippage"
	StrategyMinFailure  Strategy = "min-failure"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyMinRisk, StrategyMinSlippage, StrategyMinFailure:
		return true
	}
	return false
}

// InvoiceReservation is one payer's exclusive claim on an invoice's multi-leg
// plan. At most one active row exists per invoice.
type InvoiceReservation struct {
	ID        string `gorm:"type:varchar(64);primaryKey" json:"id"`
	InvoiceID string `gorm:"type:varchar(64);not null;index" json:"invoice_id"`
	Payer     string `gorm:"type:varchar(100);not null" json:"payer"`

	Strategy Strategy                 `gorm:"type:varchar(20);not null" json:"strategy"`
	Plan     datatypes.JSONType[Plan] `gorm:"type:jsonb;not null" json:"plan"`

	TotalLegs           int    `gorm:"not null" json:"total_legs"`
	CompletedLegs       int    `gorm:"not null;default:0" json:"completed_legs"`
	SettlementCollected Amount `gorm:"type:numeric(78,0);not null;default:0" json:"settlement_collected"`

	Status    ReservationStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	ExpiresAt time.Time         `gorm:"type:timestamptz;not null;index" json:"expires_at"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (InvoiceReservation) TableName() string {
	return "invoice_reservations"
}

// Plan is the payer's multi-leg conversion plan.
type Plan struct {
	Version     int          `json:"version"`
	Strategy    Strategy     `json:"strategy"`
	SettleAsset string       `json:"settle_asset"`
	Legs        []PlannedLeg `json:"legs" validate:"required,min=1,max=16,dive"`
}

type PlannedLeg struct {
	Index            int        `json:"index" validate:"gte=0"`
	SourceAsset      string     `json:"source_asset" validate:"required,max=64"`
	InputAmount      Amount     `json:"input_amount"`
	ExpectedOutput   Amount     `json:"expected_output"`
	Route            Route      `json:"route"`
	ToleranceBps     int        `json:"tolerance_bps" validate:"gte=0,lte=5000"`
	PriceImpactBps   int        `json:"price_impact_bps" validate:"gte=0,lte=10000"`
	RequiresArtifact bool       `json:"requires_artifact"`
	QuoteExpiresAt   *time.Time `json:"quote_expires_at,omitempty"`
}

// Route is the venue's description of how a leg converts its input.
type Route struct {
	Venue string     `json:"venue" validate:"required,max=40"`
	Hops  []RouteHop `json:"hops" validate:"required,min=1,dive"`
	// Quote is the venue's opaque quote, replayed when building the transaction.
	Quote []byte `json:"quote,omitempty"`
}

type RouteHop struct {
	Pool        string `json:"pool" validate:"required"`
	InputAsset  string `json:"input_asset" validate:"required"`
	OutputAsset string `json:"output_asset" validate:"required"`
}

func (r Route) HopCount() int {
	return len(r.Hops)
}

// Assets lists every asset touched along the route, in order, without repeats.
func (r Route) Assets() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(r.Hops)+1)
	add := func(a string) {
		if a == "" {
			return
		}
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	for _, h := range r.Hops {
		add(h.InputAsset)
		add(h.OutputAsset)
	}
	return out
}

// Label identifies the route for circuit isolation.
func (r Route) Label() string {
	pools := make([]string, 0, len(r.Hops))
	for _, h := range r.Hops {
		pools = append(pools, h.Pool)
	}
	return fmt.Sprintf("%s/%s", r.Venue, strings.Join(pools, ">"))
}
