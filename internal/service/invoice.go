package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"flowmint/internal/apperr"
	"flowmint/internal/lock"
	"flowmint/internal/metrics"
	"flowmint/internal/models"
	"flowmint/internal/notify"
	"flowmint/internal/repository"
)

const (
	defaultReservationTTL = 5 * time.Minute
	defaultInvoiceExpiry  = 30 * time.Minute
	maxInvoiceExpiry      = 7 * 24 * time.Hour
	planVersion           = 1
)

// InvoiceService owns invoice and reservation state. Each transition is a
// conditional write in the repository; reads only explain a refused write.
type InvoiceService struct {
	Repo repository.Repository
	// Locker is shared with the leg executor so cancellation never races a
	// leg in flight.
	Locker   lock.Locker
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Validate *validator.Validate

	ReservationTTL time.Duration
	DefaultExpiry  time.Duration
	MaxExpiry      time.Duration
	Now            func() time.Time
}

func (s *InvoiceService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *InvoiceService) ttl() time.Duration {
	if s.ReservationTTL > 0 {
		return s.ReservationTTL
	}
	return defaultReservationTTL
}

type CreateInvoiceParams struct {
	MerchantID       string        `json:"merchant_id" validate:"required,max=100"`
	OrderID          *string       `json:"order_id,omitempty" validate:"omitempty,max=200"`
	SettleAsset      string        `json:"settle_asset" validate:"required,max=64"`
	Amount           models.Amount `json:"amount" swaggertype:"string"`
	PolicyID         *string       `json:"policy_id,omitempty" validate:"omitempty,max=64"`
	IdempotencyKey   *string       `json:"idempotency_key,omitempty" validate:"omitempty,max=200"`
	Memo             *string       `json:"memo,omitempty"`
	ExpiresInSeconds int           `json:"expires_in_seconds,omitempty" validate:"gte=0"`
}

// CreateInvoice stores a new invoice. A repeated idempotency key returns the
// invoice created first, unchanged.
func (s *InvoiceService) CreateInvoice(ctx context.Context, params CreateInvoiceParams) (*models.Invoice, error) {
	params.MerchantID = strings.TrimSpace(params.MerchantID)
	params.SettleAsset = strings.TrimSpace(params.SettleAsset)
	if err := validatorOrDefault(s.Validate).Struct(params); err != nil {
		return nil, validationError(err)
	}
	if params.Amount.Sign() <= 0 {
		return nil, apperr.Validation("", "amount must be positive", "amount")
	}
	if params.Memo != nil && len(*params.Memo) > models.MaxMemoBytes {
		return nil, apperr.Validation("", fmt.Sprintf("memo exceeds %d bytes", models.MaxMemoBytes), "memo")
	}
	params.IdempotencyKey = trimmedOrNil(params.IdempotencyKey)

	expiry := s.DefaultExpiry
	if expiry <= 0 {
		expiry = defaultInvoiceExpiry
	}
	if params.ExpiresInSeconds > 0 {
		expiry = time.Duration(params.ExpiresInSeconds) * time.Second
	}
	maxExpiry := s.MaxExpiry
	if maxExpiry <= 0 {
		maxExpiry = maxInvoiceExpiry
	}
	if expiry > maxExpiry {
		return nil, apperr.Validation("", fmt.Sprintf("expiry exceeds %s", maxExpiry), "expires_in_seconds")
	}

	now := s.now()
	item := &models.Invoice{
		ID:             uuid.NewString(),
		MerchantID:     params.MerchantID,
		OrderID:        trimmedOrNil(params.OrderID),
		SettleAsset:    params.SettleAsset,
		Amount:         params.Amount,
		PolicyID:       trimmedOrNil(params.PolicyID),
		Status:         models.InvoicePending,
		IdempotencyKey: params.IdempotencyKey,
		ExpiresAt:      now.Add(expiry),
		Memo:           params.Memo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	out, created, err := s.Repo.CreateInvoiceIfAbsent(ctx, item)
	if err != nil {
		return nil, err
	}
	if created && s.Logger != nil {
		s.Logger.Info("invoice created",
			zap.String("invoice_id", out.ID),
			zap.String("merchant_id", out.MerchantID),
			zap.String("amount", out.Amount.String()),
			zap.String("settle_asset", out.SettleAsset),
		)
	}
	return out, nil
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func (s *InvoiceService) Get(ctx context.Context, id string) (*models.Invoice, error) {
	inv, err := s.Repo.GetInvoice(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, apperr.NotFound(apperr.CodeInvoiceNotFound, "invoice not found")
	}
	return inv, nil
}

func (s *InvoiceService) List(ctx context.Context, params repository.ListInvoicesParams) ([]models.Invoice, int64, error) {
	items, err := s.Repo.ListInvoices(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.Repo.CountInvoices(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// checkPayable applies the reservation rules without writing.
func checkPayable(inv *models.Invoice, payer string, now time.Time) error {
	switch inv.Status {
	case models.InvoicePaid:
		return apperr.Conflict(apperr.CodeInvoicePaid, "invoice is already paid")
	case models.InvoiceCancelled:
		return apperr.Conflict(apperr.CodeInvoiceCancelled, "invoice is cancelled")
	case models.InvoiceExpired:
		return apperr.Conflict(apperr.CodeInvoiceExpired, "invoice has expired")
	}
	if inv.Status.Terminal() {
		return apperr.Conflict(apperr.CodeInvoiceTerminal, fmt.Sprintf("invoice is %s", inv.Status))
	}
	if inv.ExpiresAt.Before(now) {
		return apperr.Conflict(apperr.CodeInvoiceExpired, "invoice has expired")
	}
	if inv.HeldByOther(payer, now) {
		return apperr.Conflict(apperr.CodeReservedByAnotherPayer, "invoice is reserved by another payer")
	}
	return nil
}

func (s *InvoiceService) holdUntil(inv *models.Invoice, now time.Time) time.Time {
	until := now.Add(s.ttl())
	if inv.ExpiresAt.Before(until) {
		until = inv.ExpiresAt
	}
	return until
}

// ReserveForPayer gives payer an exclusive hold on the invoice for the
// reservation TTL. Under concurrent attempts exactly one payer wins.
func (s *InvoiceService) ReserveForPayer(ctx context.Context, invoiceID, payer string) (*models.Invoice, error) {
	payer = strings.TrimSpace(payer)
	if payer == "" {
		return nil, apperr.Validation("", "payer is required", "payer")
	}
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := checkPayable(inv, payer, now); err != nil {
		s.Metrics.Reservation("rejected")
		return nil, err
	}
	if err := s.checkSettlementResolved(ctx, inv.ID); err != nil {
		s.Metrics.Reservation("rejected")
		return nil, err
	}
	ok, err := s.Repo.ReserveIfAvailable(ctx, inv.ID, payer, now, s.holdUntil(inv, now))
	if err != nil {
		return nil, err
	}
	if !ok {
		s.Metrics.Reservation("rejected")
		return nil, s.explainRefusal(ctx, inv.ID, payer, now, apperr.CodeReservedByAnotherPayer)
	}
	s.Metrics.Reservation("reserved")
	return s.Get(ctx, inv.ID)
}

// explainRefusal turns a refused conditional write into the matching error.
func (s *InvoiceService) explainRefusal(ctx context.Context, invoiceID, payer string, now time.Time, fallback string) error {
	current, err := s.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	if err := checkPayable(current, payer, now); err != nil {
		return err
	}
	if err := s.checkSettlementResolved(ctx, invoiceID); err != nil {
		return err
	}
	if fallback == apperr.CodeNotReservationHolder {
		return apperr.Conflict(fallback, "payer does not hold the reservation")
	}
	return apperr.Conflict(fallback, "invoice is reserved by another payer")
}

// checkSettlementResolved refuses an invoice whose earlier reservation moved
// funds without finishing. The merchant resolves it by cancelling the invoice.
func (s *InvoiceService) checkSettlementResolved(ctx context.Context, invoiceID string) error {
	items, err := s.Repo.ListReservationsByInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	for _, r := range items {
		if repository.SettlementUnresolved(r) {
			return unresolvedSettlement(r)
		}
	}
	return nil
}

func unresolvedSettlement(r models.InvoiceReservation) error {
	return &apperr.Error{
		Kind:     apperr.KindConflict,
		Code:     apperr.CodeSettlementUnresolved,
		Message:  fmt.Sprintf("reservation %s is %s with %d/%d legs settled; cancel the invoice to resolve it", r.ID, r.Status, r.CompletedLegs, r.TotalLegs),
		Resource: r.ID,
	}
}

// ExtendReservation pushes the current holder's hold, and its active
// reservation, forward by the reservation TTL.
func (s *InvoiceService) ExtendReservation(ctx context.Context, invoiceID, payer string) (*models.Invoice, error) {
	payer = strings.TrimSpace(payer)
	if payer == "" {
		return nil, apperr.Validation("", "payer is required", "payer")
	}
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := checkPayable(inv, payer, now); err != nil {
		return nil, err
	}
	if !inv.HeldBy(payer, now) {
		return nil, apperr.Conflict(apperr.CodeNotReservationHolder, "payer does not hold the reservation")
	}
	until := s.holdUntil(inv, now)
	ok, err := s.Repo.ExtendHold(ctx, inv.ID, payer, now, until)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.explainRefusal(ctx, inv.ID, payer, now, apperr.CodeNotReservationHolder)
	}
	res, err := s.Repo.GetActiveReservationByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if res != nil && res.Payer == payer {
		if _, err := s.Repo.ExtendReservationExpiry(ctx, res.ID, until); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, inv.ID)
}

type PayableCheck struct {
	Payable bool            `json:"payable"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Invoice *models.Invoice `json:"invoice"`
}

// ValidatePayable reports whether payer could reserve the invoice now.
func (s *InvoiceService) ValidatePayable(ctx context.Context, invoiceID, payer string) (*PayableCheck, error) {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	out := &PayableCheck{Payable: true, Invoice: inv}
	err = checkPayable(inv, strings.TrimSpace(payer), s.now())
	if err == nil {
		err = s.checkSettlementResolved(ctx, inv.ID)
		if err != nil && !apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
	}
	if err != nil {
		out.Payable = false
		out.Code, out.Message = apperr.Describe(err)
	}
	return out, nil
}

// MarkPaid settles the invoice. Repeated calls keep the first reference.
func (s *InvoiceService) MarkPaid(ctx context.Context, invoiceID, txRef string) (*models.Invoice, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return nil, apperr.Validation("", "transaction reference is required", "tx_ref")
	}
	now := s.now()
	ok, err := s.Repo.MarkInvoicePaid(ctx, invoiceID, txRef, now)
	if err != nil {
		return nil, err
	}
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if inv.Status == models.InvoicePaid {
			return inv, nil
		}
		return nil, apperr.Conflict(apperr.CodeInvoiceTerminal, fmt.Sprintf("invoice is %s", inv.Status))
	}
	s.Metrics.InvoicePaid(inv.SettleAsset)
	emit(ctx, s.Notifier, notify.EventInvoicePaid, inv.ID, now, map[string]any{
		"tx_ref":       txRef,
		"amount":       inv.Amount.String(),
		"settle_asset": inv.SettleAsset,
	})
	if s.Logger != nil {
		s.Logger.Info("invoice paid", zap.String("invoice_id", inv.ID), zap.String("tx_ref", txRef))
	}
	return inv, nil
}

// CancelInvoice cancels an unpaid invoice. An active reservation is cancelled
// with it unless a leg has settled or is executing. Cancelling is also how a
// merchant closes an invoice left with an unresolved settlement.
func (s *InvoiceService) CancelInvoice(ctx context.Context, invoiceID string, reason string) (*models.Invoice, error) {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	res, err := s.Repo.GetActiveReservationByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		if err := s.cancelReservation(ctx, res.ID); err != nil {
			return nil, err
		}
	}
	var why *string
	if r := strings.TrimSpace(reason); r != "" {
		why = &r
	}
	ok, err := s.Repo.TransitionInvoice(ctx, inv.ID, repository.PayableInvoiceStatuses, models.InvoiceCancelled, why)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.refusedTransition(ctx, inv.ID)
	}
	return s.Get(ctx, inv.ID)
}

// cancelReservation cancels an active reservation while holding the same lock
// the leg executor takes, so no leg can settle against it mid-cancel.
func (s *InvoiceService) cancelReservation(ctx context.Context, reservationID string) error {
	if s.Locker != nil {
		release, err := s.Locker.TryAcquire(ctx, "reservation:"+reservationID, defaultLockTTL)
		if errors.Is(err, lock.ErrHeld) {
			return apperr.Conflict(apperr.CodeLegBusy, "a leg of this reservation is executing")
		}
		if err != nil {
			return apperr.Transient("", "reservation lock unavailable", err)
		}
		defer release()
	}
	res, err := s.Repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if res == nil || res.Status != models.ReservationActive {
		return nil
	}
	if res.CompletedLegs > 0 {
		return apperr.Conflict(apperr.CodeInvoiceTerminal, "invoice has settled legs and cannot be cancelled")
	}
	legs, err := s.Repo.ListLegs(ctx, res.ID)
	if err != nil {
		return err
	}
	for _, leg := range legs {
		if leg.Status == models.LegExecuting {
			return apperr.Conflict(apperr.CodeLegBusy, fmt.Sprintf("leg %d is executing", leg.LegIndex))
		}
	}
	_, err = s.Repo.TransitionReservation(ctx, res.ID, []models.ReservationStatus{models.ReservationActive}, models.ReservationCancelled)
	return err
}

// MarkFailed records an unrecoverable payment failure.
func (s *InvoiceService) MarkFailed(ctx context.Context, invoiceID string, reason string) (*models.Invoice, error) {
	why := strings.TrimSpace(reason)
	ok, err := s.Repo.TransitionInvoice(ctx, invoiceID, repository.PayableInvoiceStatuses, models.InvoiceFailed, &why)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.refusedTransition(ctx, invoiceID)
	}
	return s.Get(ctx, invoiceID)
}

func (s *InvoiceService) refusedTransition(ctx context.Context, invoiceID string) error {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	switch inv.Status {
	case models.InvoicePaid:
		return apperr.Conflict(apperr.CodeInvoicePaid, "invoice is already paid")
	case models.InvoiceCancelled:
		return apperr.Conflict(apperr.CodeInvoiceCancelled, "invoice is cancelled")
	case models.InvoiceExpired:
		return apperr.Conflict(apperr.CodeInvoiceExpired, "invoice has expired")
	}
	return apperr.Conflict(apperr.CodeInvoiceTerminal, fmt.Sprintf("invoice is %s", inv.Status))
}

type PlanRequest struct {
	Strategy models.Strategy     `json:"strategy" validate:"required,oneof=min-risk min-slippage min-failure"`
	Legs     []models.PlannedLeg `json:"legs" validate:"required,min=1,max=16,dive"`
}

type ReservationView struct {
	Reservation *models.InvoiceReservation `json:"reservation"`
	Legs        []models.PaymentLeg        `json:"legs"`
	Risk        models.RiskAssessment      `json:"risk"`
	PolicyHash  string                     `json:"policy_hash,omitempty"`
}

// SubmitPlan turns the holder's multi-leg plan into an active reservation
// with one pending leg per planned conversion.
func (s *InvoiceService) SubmitPlan(ctx context.Context, invoiceID, payer string, req PlanRequest) (*ReservationView, error) {
	payer = strings.TrimSpace(payer)
	if payer == "" {
		return nil, apperr.Validation("", "payer is required", "payer")
	}
	if err := validatorOrDefault(s.Validate).Struct(req); err != nil {
		return nil, validationError(err)
	}
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := checkPayable(inv, payer, now); err != nil {
		return nil, err
	}
	if !inv.HeldBy(payer, now) {
		return nil, apperr.Conflict(apperr.CodeNotReservationHolder, "reserve the invoice before submitting a plan")
	}
	if err := s.checkSettlementResolved(ctx, inv.ID); err != nil {
		return nil, err
	}

	plan := models.Plan{Version: planVersion, Strategy: req.Strategy, SettleAsset: inv.SettleAsset, Legs: req.Legs}
	if err := checkPlanShape(plan, inv.Amount); err != nil {
		return nil, err
	}
	policy, err := policyFor(ctx, s.Repo, inv.MerchantID, inv.PolicyID)
	if err != nil {
		return nil, err
	}
	if v := ValidateAgainstPolicy(plan, policy); !v.Valid {
		return nil, v.Err()
	}

	profile := ProfileFor(req.Strategy)
	res := &models.InvoiceReservation{
		ID:                  uuid.NewString(),
		InvoiceID:           inv.ID,
		Payer:               payer,
		Strategy:            req.Strategy,
		Plan:                datatypes.NewJSONType(plan),
		TotalLegs:           len(plan.Legs),
		SettlementCollected: models.NewAmount(0),
		Status:              models.ReservationActive,
		ExpiresAt:           *inv.ReservedUntil,
	}
	// The first attempt is not a retry.
	maxRetries := profile.Strategy.MaxAttempts - 1
	legs := make([]models.PaymentLeg, 0, len(plan.Legs))
	for _, pl := range plan.Legs {
		legs = append(legs, models.PaymentLeg{
			ID:               uuid.NewString(),
			ReservationID:    res.ID,
			InvoiceID:        inv.ID,
			LegIndex:         pl.Index,
			SourceAsset:      pl.SourceAsset,
			InputAmount:      pl.InputAmount,
			ExpectedOutput:   pl.ExpectedOutput,
			Route:            datatypes.NewJSONType(pl.Route),
			HopCount:         pl.Route.HopCount(),
			PriceImpactBps:   pl.PriceImpactBps,
			ToleranceBps:     pl.ToleranceBps,
			RequiresArtifact: pl.RequiresArtifact,
			QuoteExpiresAt:   pl.QuoteExpiresAt,
			Status:           models.LegPending,
			MaxRetries:       maxRetries,
		})
	}
	if err := s.Repo.CreateReservationWithLegs(ctx, res, legs); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Conflict(apperr.CodeReservationExists, "invoice already has an active reservation")
		}
		if errors.Is(err, repository.ErrSettlementUnresolved) {
			return nil, apperr.Conflict(apperr.CodeSettlementUnresolved, "invoice has an unresolved settlement; cancel the invoice to resolve it")
		}
		return nil, err
	}
	if s.Logger != nil {
		s.Logger.Info("plan submitted",
			zap.String("invoice_id", inv.ID),
			zap.String("reservation_id", res.ID),
			zap.String("strategy", string(req.Strategy)),
			zap.Int("legs", len(legs)),
		)
	}
	return &ReservationView{Reservation: res, Legs: legs, Risk: AssessRisk(plan), PolicyHash: HashPolicy(policy)}, nil
}

// checkPlanShape validates what the struct tags cannot: contiguous indices,
// connected routes ending in the settlement asset and enough expected output.
func checkPlanShape(plan models.Plan, amount models.Amount) error {
	total := models.NewAmount(0)
	for i, leg := range plan.Legs {
		field := fmt.Sprintf("legs[%d]", i)
		if leg.Index != i {
			return apperr.Validation("", fmt.Sprintf("leg at position %d has index %d", i, leg.Index), field+".index")
		}
		if leg.InputAmount.Sign() <= 0 {
			return apperr.Validation("", fmt.Sprintf("leg %d input amount must be positive", i), field+".input_amount")
		}
		if leg.ExpectedOutput.Sign() <= 0 {
			return apperr.Validation("", fmt.Sprintf("leg %d expected output must be positive", i), field+".expected_output")
		}
		hops := leg.Route.Hops
		if hops[0].InputAsset != leg.SourceAsset {
			return apperr.Validation("", fmt.Sprintf("leg %d route starts at %s, not %s", i, hops[0].InputAsset, leg.SourceAsset), field+".route")
		}
		for h := 1; h < len(hops); h++ {
			if hops[h].InputAsset != hops[h-1].OutputAsset {
				return apperr.Validation("", fmt.Sprintf("leg %d route hop %d is disconnected", i, h), field+".route")
			}
		}
		if last := hops[len(hops)-1].OutputAsset; last != plan.SettleAsset {
			return apperr.Validation("", fmt.Sprintf("leg %d route ends at %s, not %s", i, last, plan.SettleAsset), field+".route")
		}
		total = total.Add(leg.ExpectedOutput)
	}
	if total.Cmp(amount) < 0 {
		return apperr.Validation("", fmt.Sprintf("expected output %s is below the invoice amount %s", total, amount), "legs")
	}
	return nil
}

func (s *InvoiceService) GetReservation(ctx context.Context, reservationID string) (*ReservationView, error) {
	res, err := s.Repo.GetReservation(ctx, strings.TrimSpace(reservationID))
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperr.NotFound(apperr.CodeReservationNotFound, "reservation not found")
	}
	legs, err := s.Repo.ListLegs(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	return &ReservationView{Reservation: res, Legs: legs, Risk: AssessRisk(res.Plan.Data())}, nil
}

type SweepResult struct {
	Reservations int `json:"reservations"`
	Invoices     int `json:"invoices"`
}

// SweepExpired expires active reservations and payable invoices whose expiry
// is before now. Rows that completed concurrently are left untouched.
func (s *InvoiceService) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	var out SweepResult
	reservations, err := s.Repo.ExpireReservations(ctx, now)
	if err != nil {
		return out, err
	}
	out.Reservations = len(reservations)
	s.Metrics.Expired("reservation", out.Reservations)

	invoices, err := s.Repo.ExpireInvoices(ctx, now)
	if err != nil {
		return out, err
	}
	out.Invoices = len(invoices)
	s.Metrics.Expired("invoice", out.Invoices)
	for _, inv := range invoices {
		emit(ctx, s.Notifier, notify.EventInvoiceExpired, inv.ID, now, map[string]any{
			"expires_at": inv.ExpiresAt,
		})
	}
	if s.Logger != nil && (out.Reservations > 0 || out.Invoices > 0) {
		s.Logger.Info("expiry sweep",
			zap.Int("reservations", out.Reservations),
			zap.Int("invoices", out.Invoices),
		)
	}
	return out, nil
}

func (s *InvoiceService) Stats(ctx context.Context) ([]repository.AssetTotal, error) {
	return s.Repo.SettlementTotals(ctx)
}
