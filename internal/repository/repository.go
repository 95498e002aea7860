package repository

import (
	"context"
	"errors"
	"time"

	"flowmint/internal/models"
)

var (
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("repository: duplicate record")
	// ErrNotFound is returned by conditional writes whose target row is missing.
	ErrNotFound = errors.New("repository: record not found")
	// ErrSettlementUnresolved is returned when an invoice still carries funds
	// from an earlier reservation that nobody has resolved.
	ErrSettlementUnresolved = errors.New("repository: invoice has an unresolved settlement")
	// ErrLegNotExecuting is returned by SettleLeg when the leg left executing.
	ErrLegNotExecuting = errors.New("repository: leg is not executing")
)

// InvoiceRepository covers the invoice lifecycle. Every state change is a
// conditional write evaluated by the store, never read-then-write.
type InvoiceRepository interface {
	// CreateInvoiceIfAbsent inserts item unless an invoice with the same
	// idempotency key exists, in which case the existing row is returned.
	CreateInvoiceIfAbsent(ctx context.Context, item *models.Invoice) (*models.Invoice, bool, error)
	GetInvoice(ctx context.Context, id string) (*models.Invoice, error)
	ListInvoices(ctx context.Context, params ListInvoicesParams) ([]models.Invoice, error)
	CountInvoices(ctx context.Context, params ListInvoicesParams) (int64, error)

	// ReserveIfAvailable claims the invoice for payer until the given time when
	// it is payable at now, not held by another payer and has no unresolved
	// settlement.
	ReserveIfAvailable(ctx context.Context, invoiceID, payer string, now, until time.Time) (bool, error)
	// ExtendHold moves reserved_until forward for the current holder only.
	ExtendHold(ctx context.Context, invoiceID, payer string, now, until time.Time) (bool, error)
	// MarkInvoicePaid records the settlement reference once; later calls are no-ops.
	MarkInvoicePaid(ctx context.Context, invoiceID, txRef string, paidAt time.Time) (bool, error)
	// TransitionInvoice moves an invoice from one of the given statuses to another.
	TransitionInvoice(ctx context.Context, invoiceID string, from []models.InvoiceStatus, to models.InvoiceStatus, reason *string) (bool, error)
	// ExpireInvoices expires payable invoices past expires_at that have no
	// reservation in flight and returns them.
	ExpireInvoices(ctx context.Context, now time.Time) ([]models.Invoice, error)
	SettlementTotals(ctx context.Context) ([]AssetTotal, error)
}

type ReservationRepository interface {
	// CreateReservationWithLegs stores a reservation and its legs atomically.
	// ErrDuplicate means another active reservation or a repeated leg index;
	// ErrSettlementUnresolved means an earlier reservation moved funds.
	CreateReservationWithLegs(ctx context.Context, item *models.InvoiceReservation, legs []models.PaymentLeg) error
	GetReservation(ctx context.Context, id string) (*models.InvoiceReservation, error)
	GetActiveReservationByInvoice(ctx context.Context, invoiceID string) (*models.InvoiceReservation, error)
	ListReservationsByInvoice(ctx context.Context, invoiceID string) ([]models.InvoiceReservation, error)
	// SettleLeg stores leg, which must still be executing in the store, and
	// counts amount on its reservation in one transaction. The leg is counted
	// whatever the reservation status. Only an active reservation changes
	// status: halt moves it to partial-failure, otherwise the last leg
	// completes it.
	SettleLeg(ctx context.Context, leg *models.PaymentLeg, amount models.Amount, halt bool) (*Settlement, error)
	TransitionReservation(ctx context.Context, id string, from []models.ReservationStatus, to models.ReservationStatus) (bool, error)
	ExtendReservationExpiry(ctx context.Context, id string, until time.Time) (bool, error)
	// ExpireReservations moves active reservations past expires_at to expired.
	ExpireReservations(ctx context.Context, now time.Time) ([]models.InvoiceReservation, error)
}

type LegRepository interface {
	// SaveLeg inserts a leg. ErrDuplicate on a repeated (reservation_id, leg_index).
	SaveLeg(ctx context.Context, item *models.PaymentLeg) error
	GetLeg(ctx context.Context, reservationID string, legIndex int) (*models.PaymentLeg, error)
	ListLegs(ctx context.Context, reservationID string) ([]models.PaymentLeg, error)
	// StartLeg moves an executable leg to executing. Restarting a failed leg
	// consumes one of its retries.
	StartLeg(ctx context.Context, legID string, startedAt time.Time) (bool, error)
	UpdateLeg(ctx context.Context, item *models.PaymentLeg) error
}

type AttestationRepository interface {
	// CreateAttestation inserts item. ErrDuplicate when the invoice already has one.
	CreateAttestation(ctx context.Context, item *models.Attestation) error
	GetAttestation(ctx context.Context, id string) (*models.Attestation, error)
	GetAttestationByInvoice(ctx context.Context, invoiceID string) (*models.Attestation, error)
}

type PolicyRepository interface {
	UpsertMerchantPolicy(ctx context.Context, item *models.MerchantPolicy) error
	GetMerchantPolicy(ctx context.Context, merchantID string) (*models.MerchantPolicy, error)
	GetMerchantPolicyByID(ctx context.Context, id string) (*models.MerchantPolicy, error)
}

type SettingsRepository interface {
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	ListSystemSettings(ctx context.Context, params ListSystemSettingsParams) ([]models.SystemSetting, error)
}

// Repository is the full store used by the engine. Getters return nil, nil
// when the row does not exist.
type Repository interface {
	InvoiceRepository
	ReservationRepository
	LegRepository
	AttestationRepository
	PolicyRepository
	SettingsRepository
}

type ListInvoicesParams struct {
	Limit      int
	Offset     int
	MerchantID *string
	Status     *string
	OrderBy    string
	Asc        *bool
}

type ListSystemSettingsParams struct {
	Limit   int
	Offset  int
	Prefix  *string
	OrderBy string
	Asc     *bool
}

type AssetTotal struct {
	SettleAsset  string        `json:"settle_asset"`
	PaidInvoices int64         `json:"paid_invoices"`
	Volume       models.Amount `json:"volume"`
}

// PayableInvoiceStatuses are the statuses a payer may reserve or pay from.
var PayableInvoiceStatuses = []models.InvoiceStatus{models.InvoicePending, models.InvoiceReserved}

// InFlightReservationStatuses block invoice expiry.
var InFlightReservationStatuses = []models.ReservationStatus{models.ReservationActive, models.ReservationPartialFailure}

// Settlement is the outcome of SettleLeg.
type Settlement struct {
	Reservation models.InvoiceReservation
	// WasActive is false when the leg was counted on a reservation that had
	// already been cancelled, expired or failed.
	WasActive bool
}

// SettlementUnresolved reports whether r left active after moving funds, or
// stopped in partial-failure. Such a reservation bars new ones on its invoice
// until the invoice is cancelled.
func SettlementUnresolved(r models.InvoiceReservation) bool {
	if r.Status == models.ReservationActive {
		return false
	}
	return r.Status == models.ReservationPartialFailure || r.CompletedLegs > 0
}
