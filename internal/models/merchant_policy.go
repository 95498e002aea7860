package models

import (
	"time"

	"gorm.io/datatypes"
)

// Default slippage bounds, in basis points.
const (
	DefaultSlippageBps          = 100
	DefaultProtectedSlippageBps = 50
	DefaultMaxPriceImpactBps    = 300
	DefaultMaxHops              = 4
	MaxSlippageBps              = 5000
)

// MerchantPolicy constrains how payments to a merchant may be executed.
type MerchantPolicy struct {
	ID         string `gorm:"type:varchar(64);primaryKey" json:"id"`
	MerchantID string `gorm:"type:varchar(100);not null;uniqueIndex" json:"merchant_id"`

	MaxSlippageBps       int  `gorm:"not null" json:"max_slippage_bps" validate:"gte=0,lte=5000"`
	ProtectedMode        bool `gorm:"not null;default:false" json:"protected_mode"`
	ProtectedSlippageBps int  `gorm:"not null" json:"protected_slippage_bps" validate:"gte=0,lte=5000"`
	MaxPriceImpactBps    int  `gorm:"not null" json:"max_price_impact_bps" validate:"gte=0,lte=10000"`
	MaxHops              int  `gorm:"not null" json:"max_hops" validate:"gte=1,lte=16"`

	AllowedAssets datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"allowed_assets"`
	DeniedAssets  datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"denied_assets"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (MerchantPolicy) TableName() string {
	return "merchant_policies"
}

// DefaultPolicy is applied when a merchant has not configured one.
func DefaultPolicy(merchantID string) MerchantPolicy {
	return MerchantPolicy{
		MerchantID:           merchantID,
		MaxSlippageBps:       DefaultSlippageBps,
		ProtectedSlippageBps: DefaultProtectedSlippageBps,
		MaxPriceImpactBps:    DefaultMaxPriceImpactBps,
		MaxHops:              DefaultMaxHops,
	}
}

// EffectiveSlippageBps is the bound applied to legs, honoring protected mode.
func (p MerchantPolicy) EffectiveSlippageBps() int {
	bound := p.MaxSlippageBps
	if p.ProtectedMode && p.ProtectedSlippageBps > 0 && p.ProtectedSlippageBps < bound {
		bound = p.ProtectedSlippageBps
	}
	if bound > MaxSlippageBps {
		bound = MaxSlippageBps
	}
	return bound
}
