package models

import "time"

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoiceReserved  InvoiceStatus = "reserved"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceExpired   InvoiceStatus = "expired"
	InvoiceFailed    InvoiceStatus = "failed"
	InvoiceRefunded  InvoiceStatus = "refunded"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Terminal statuses never move back to pending or reserved.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoicePaid, InvoiceExpired, InvoiceFailed, InvoiceRefunded, InvoiceCancelled:
		return true
	}
	return false
}

// MaxMemoBytes bounds the free-form memo carried with an invoice.
const MaxMemoBytes = 64

// Known USDC mints used as settlement assets.
const (
	USDCMainnetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetMint  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Invoice is a merchant's request for a fixed amount of a settlement asset.
// Amount is immutable after creation.
type Invoice struct {
	ID         string  `gorm:"type:varchar(64);primaryKey" json:"id"`
	MerchantID string  `gorm:"type:varchar(100);not null;index" json:"merchant_id"`
	OrderID    *string `gorm:"type:varchar(200);index" json:"order_id,omitempty"`

	SettleAsset string  `gorm:"type:varchar(64);not null" json:"settle_asset"`
	Amount      Amount  `gorm:"type:numeric(78,0);not null" json:"amount"`
	PolicyID    *string `gorm:"type:varchar(64)" json:"policy_id,omitempty"`

	Status         InvoiceStatus `gorm:"type:varchar(20);not null;index;default:'pending'" json:"status"`
	IdempotencyKey *string       `gorm:"type:varchar(200);uniqueIndex" json:"idempotency_key,omitempty"`

	PayerPublicKey *string    `gorm:"type:varchar(100)" json:"payer_public_key,omitempty"`
	ReservedUntil  *time.Time `gorm:"type:timestamptz" json:"reserved_until,omitempty"`
	ExpiresAt      time.Time  `gorm:"type:timestamptz;not null;index" json:"expires_at"`

	PaidAt          *time.Time `gorm:"type:timestamptz" json:"paid_at,omitempty"`
	SettlementTxRef *string    `gorm:"type:varchar(200)" json:"settlement_tx_ref,omitempty"`
	FailureReason   *string    `gorm:"type:text" json:"failure_reason,omitempty"`
	Memo            *string    `gorm:"type:varchar(64)" json:"memo,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}

// HeldBy reports whether payer holds an unexpired reservation at now.
func (i *Invoice) HeldBy(payer string, now time.Time) bool {
	if i == nil || i.PayerPublicKey == nil || i.ReservedUntil == nil {
		return false
	}
	return *i.PayerPublicKey == payer && i.ReservedUntil.After(now)
}

// HeldByOther reports whether someone other than payer holds an unexpired reservation.
func (i *Invoice) HeldByOther(payer string, now time.Time) bool {
	if i == nil || i.PayerPublicKey == nil || i.ReservedUntil == nil {
		return false
	}
	return *i.PayerPublicKey != payer && i.ReservedUntil.After(now)
}
