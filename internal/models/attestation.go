package models

import (
	"time"

	"gorm.io/datatypes"
)

// AttestationPayloadVersion is bumped whenever the canonical payload changes shape.
const AttestationPayloadVersion = 1

// Attestation binds a paid invoice to its planned and actual execution.
// Payload holds the exact bytes that were signed; it is never re-encoded.
type Attestation struct {
	ID             string `gorm:"type:varchar(64);primaryKey" json:"id"`
	InvoiceID      string `gorm:"type:varchar(64);not null;uniqueIndex" json:"invoice_id"`
	ReservationID  string `gorm:"type:varchar(64);not null;index" json:"reservation_id"`
	PayloadVersion int    `gorm:"not null" json:"payload_version"`
	PolicyHash     string `gorm:"type:varchar(80);not null" json:"policy_hash"`

	Planned datatypes.JSONType[PlannedExecution] `gorm:"type:jsonb;not null" json:"planned"`
	Actual  datatypes.JSONType[ActualExecution]  `gorm:"type:jsonb;not null" json:"actual"`
	Payload []byte                               `gorm:"type:bytea;not null" json:"payload"`

	MerkleRoot string                               `gorm:"type:varchar(80);not null" json:"merkle_root"`
	LeafHashes datatypes.JSONSlice[string]          `gorm:"type:jsonb;not null" json:"leaf_hashes"`
	Proofs     datatypes.JSONType[map[int][]string] `gorm:"type:jsonb;not null" json:"proofs"`

	SignerScheme    string  `gorm:"type:varchar(20);not null" json:"signer_scheme"`
	SignerPublicKey string  `gorm:"type:varchar(200);not null" json:"signer_public_key"`
	Signature       string  `gorm:"type:varchar(200);not null" json:"signature"`
	VerificationURL *string `gorm:"type:text" json:"verification_url,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index" json:"created_at"`
}

func (Attestation) TableName() string {
	return "attestations"
}

// AttestationPayload is the canonical document that gets signed.
type AttestationPayload struct {
	Version       int              `json:"version"`
	InvoiceID     string           `json:"invoice_id"`
	ReservationID string           `json:"reservation_id"`
	MerchantID    string           `json:"merchant_id"`
	Payer         string           `json:"payer"`
	SettleAsset   string           `json:"settle_asset"`
	Amount        Amount           `json:"amount"`
	PolicyHash    string           `json:"policy_hash"`
	Planned       PlannedExecution `json:"planned"`
	Actual        ActualExecution  `json:"actual"`
	MerkleRoot    string           `json:"merkle_root"`
	IssuedAt      time.Time        `json:"issued_at"`
}

type PlannedExecution struct {
	Strategy            Strategy           `json:"strategy"`
	TotalExpectedOutput Amount             `json:"total_expected_output"`
	Legs                []PlannedLegRecord `json:"legs"`
	Risk                RiskAssessment     `json:"risk"`
}

type PlannedLegRecord struct {
	LegIndex       int      `json:"leg_index"`
	SourceAsset    string   `json:"source_asset"`
	InputAmount    Amount   `json:"input_amount"`
	ExpectedOutput Amount   `json:"expected_output"`
	ToleranceBps   int      `json:"tolerance_bps"`
	PriceImpactBps int      `json:"price_impact_bps"`
	HopCount       int      `json:"hop_count"`
	Assets         []string `json:"assets"`
}

type ActualExecution struct {
	TotalOutput  Amount            `json:"total_output"`
	SettlementTx string            `json:"settlement_tx"`
	Legs         []ActualLegRecord `json:"legs"`
}

// ActualLegRecord is the Merkle leaf content for one leg.
type ActualLegRecord struct {
	LegIndex            int     `json:"leg_index"`
	SourceAsset         string  `json:"source_asset"`
	InputAmount         Amount  `json:"input_amount"`
	ExpectedOutput      Amount  `json:"expected_output"`
	ActualOutput        Amount  `json:"actual_output"`
	RealizedSlippageBps int     `json:"realized_slippage_bps"`
	TxRef               string  `json:"tx_ref"`
	RetryCount          int     `json:"retry_count"`
	Route               string  `json:"route"`
	CompletedAt         *string `json:"completed_at,omitempty"`
}

// RiskAssessment summarizes route complexity for a planned execution.
type RiskAssessment struct {
	Complexity string   `json:"complexity"`
	MaxHops    int      `json:"max_hops"`
	Warnings   []string `json:"warnings"`
}
