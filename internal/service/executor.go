package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"flowmint/internal/apperr"
	"flowmint/internal/chain"
	"flowmint/internal/circuit"
	"flowmint/internal/lock"
	"flowmint/internal/metrics"
	"flowmint/internal/models"
	"flowmint/internal/notify"
	"flowmint/internal/repository"
	"flowmint/internal/retry"
	"flowmint/internal/venue"
)

var tracer = otel.Tracer("flowmint.executor")

// Leg execution outcomes reported to callers.
const (
	LegResultCompleted = "completed"
	LegResultRetrying  = "retrying"
	LegResultFailed    = "failed"
	LegResultBlocked   = "blocked"
)

const (
	defaultConfirmTimeout = 60 * time.Second
	defaultLockTTL        = 2 * time.Minute
)

// Profile maps a payer strategy onto retry behavior.
type Profile struct {
	Strategy retry.Strategy
	// StrictRisk forbids tolerance widening on stale quotes.
	StrictRisk bool
}

func ProfileFor(s models.Strategy) Profile {
	switch s {
	case models.StrategyMinSlippage:
		return Profile{Strategy: retry.Fast, StrictRisk: true}
	case models.StrategyMinFailure:
		return Profile{Strategy: retry.Cautious}
	default:
		return Profile{Strategy: retry.Cautious, StrictRisk: true}
	}
}

type LegResult struct {
	ReservationID     string                   `json:"reservation_id"`
	LegIndex          int                      `json:"leg_index"`
	Status            string                   `json:"status"`
	TxRef             string                   `json:"tx_ref,omitempty"`
	ErrorCode         string                   `json:"error_code,omitempty"`
	ErrorMessage      string                   `json:"error_message,omitempty"`
	RetryCount        int                      `json:"retry_count"`
	MaxRetries        int                      `json:"max_retries"`
	Requotes          int                      `json:"requotes"`
	ToleranceBps      int                      `json:"tolerance_bps"`
	RetryAfterMs      int64                    `json:"retry_after_ms,omitempty"`
	ReservationStatus models.ReservationStatus `json:"reservation_status"`
	InvoiceStatus     models.InvoiceStatus     `json:"invoice_status,omitempty"`
	AttestationID     string                   `json:"attestation_id,omitempty"`
}

// LegExecutor runs one leg of a reservation at a time, in index order.
// Upstream failures never escape ExecuteLeg: they are classified, persisted
// on the leg and reported in the LegResult.
type LegExecutor struct {
	Repo         repository.Repository
	Invoices     *InvoiceService
	Attestations *AttestationService
	Venue        venue.Venue
	Chain        chain.Client
	TxSigner     chain.TransactionSigner
	Circuits     *circuit.Registry
	Locker       lock.Locker
	Settings     *SystemSettingsService
	Notifier     notify.Notifier
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	RetryPolicy    retry.Policy
	ConfirmTimeout time.Duration
	LockTTL        time.Duration
	Now            func() time.Time
}

func (e *LegExecutor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *LegExecutor) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// ExecuteLeg runs leg legIndex of the reservation. Precondition failures are
// returned as errors; execution outcomes, including upstream failures, are
// returned in the result.
func (e *LegExecutor) ExecuteLeg(ctx context.Context, reservationID string, legIndex int, artifact []byte) (*LegResult, error) {
	ctx, span := tracer.Start(ctx, "leg.Execute",
		trace.WithAttributes(
			attribute.String("reservation_id", reservationID),
			attribute.Int("leg_index", legIndex),
			attribute.Bool("artifact", len(artifact) > 0),
		),
	)
	defer span.End()

	out, err := e.execute(ctx, reservationID, legIndex, artifact)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("status", out.Status), attribute.String("error_code", out.ErrorCode))
	if out.Status == LegResultCompleted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, out.ErrorCode)
	}
	return out, nil
}

func (e *LegExecutor) execute(ctx context.Context, reservationID string, legIndex int, artifact []byte) (*LegResult, error) {
	if e.Settings != nil && !e.Settings.IsEnabled(ctx, FeatureLegExecution, true) {
		return nil, apperr.Transient(apperr.CodeExecutionDisabled, "leg execution is disabled", nil)
	}
	reservationID = strings.TrimSpace(reservationID)
	if e.Locker != nil {
		ttl := e.LockTTL
		if ttl <= 0 {
			ttl = defaultLockTTL
		}
		release, err := e.Locker.TryAcquire(ctx, "reservation:"+reservationID, ttl)
		if errors.Is(err, lock.ErrHeld) {
			return nil, apperr.Conflict(apperr.CodeLegBusy, "another leg of this reservation is executing")
		}
		if err != nil {
			return nil, apperr.Transient("", "reservation lock unavailable", err)
		}
		defer release()
	}

	res, err := e.Repo.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperr.NotFound(apperr.CodeReservationNotFound, "reservation not found")
	}
	now := e.now()
	if res.Status != models.ReservationActive {
		return nil, apperr.Conflict(apperr.CodeReservationInactive, fmt.Sprintf("reservation is %s", res.Status))
	}
	if res.ExpiresAt.Before(now) {
		return nil, apperr.Conflict(apperr.CodeReservationExpired, "reservation has expired")
	}
	inv, err := e.Repo.GetInvoice(ctx, res.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, apperr.NotFound(apperr.CodeInvoiceNotFound, "invoice not found")
	}
	legs, err := e.Repo.ListLegs(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	var leg *models.PaymentLeg
	for i := range legs {
		if legs[i].LegIndex == legIndex {
			leg = &legs[i]
			break
		}
		if legs[i].LegIndex < legIndex && legs[i].Status != models.LegCompleted {
			return nil, apperr.Conflict(apperr.CodeLegOutOfOrder, fmt.Sprintf("leg %d must complete first", legs[i].LegIndex))
		}
	}
	if leg == nil {
		return nil, apperr.NotFound(apperr.CodeLegNotFound, fmt.Sprintf("leg %d not found", legIndex))
	}
	if !leg.Executable() {
		return nil, apperr.Conflict(apperr.CodeLegNotExecutable, fmt.Sprintf("leg %d is %s with %d/%d retries used", leg.LegIndex, leg.Status, leg.RetryCount, leg.MaxRetries))
	}

	prev := restorePoint{status: leg.Status, retries: leg.RetryCount, code: leg.ErrorCode, message: leg.ErrorMessage}
	ok, err := e.Repo.StartLeg(ctx, leg.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict(apperr.CodeLegBusy, "leg is already executing")
	}
	if leg.Status == models.LegFailed {
		leg.RetryCount++
	}
	leg.Status = models.LegExecuting
	leg.StartedAt = &now

	// Persist the outcome even if the caller goes away mid-execution.
	persistCtx := context.WithoutCancel(ctx)

	// The sweep may have expired the reservation between the read above and
	// StartLeg; once the leg is executing it no longer can.
	current, err := e.Repo.GetReservation(ctx, res.ID)
	if err != nil || current == nil || current.Status != models.ReservationActive {
		prev.apply(leg)
		if uerr := e.Repo.UpdateLeg(persistCtx, leg); uerr != nil {
			e.log().Error("restore leg after lost reservation", zap.String("leg_id", leg.ID), zap.Error(uerr))
		}
		if err != nil {
			return nil, err
		}
		return nil, apperr.Conflict(apperr.CodeReservationInactive, "reservation is no longer active")
	}

	if leg.RequiresArtifact && len(artifact) == 0 {
		return e.revert(persistCtx, res, leg, prev, apperr.Validation(apperr.CodeMissingArtifact, "leg requires a pre-signed artifact"), now)
	}

	policy, err := policyFor(ctx, e.Repo, inv.MerchantID, inv.PolicyID)
	if err != nil {
		return e.revert(persistCtx, res, leg, prev, apperr.Transient("", "policy lookup failed", err), now)
	}
	profile := ProfileFor(res.Strategy)

	receipt, err := e.attempt(ctx, res, inv, leg, policy, artifact)
	switch {
	case err == nil:
	case apperr.IsKind(err, apperr.KindCircuitOpen), errors.Is(err, context.Canceled):
		return e.revert(persistCtx, res, leg, prev, err, now)
	default:
		return e.retryOrFail(persistCtx, res, inv, leg, policy, profile, err, now)
	}
	return e.complete(persistCtx, res, inv, leg, receipt, now)
}

// guard runs op under the named circuit when circuits are configured.
func (e *LegExecutor) guard(ctx context.Context, t circuit.ResourceType, name string, op func(context.Context) error) error {
	if e.Circuits == nil {
		return op(ctx)
	}
	return e.Circuits.Execute(ctx, t, name, op)
}

// attempt drives the leg through quote, build, sign, submit and confirm.
// A previously submitted transaction that timed out in confirmation is
// confirmed again instead of being resubmitted.
func (e *LegExecutor) attempt(ctx context.Context, res *models.InvoiceReservation, inv *models.Invoice, leg *models.PaymentLeg, policy models.MerchantPolicy, artifact []byte) (*chain.Receipt, error) {
	if e.Chain == nil {
		return nil, apperr.Transient("", "no settlement chain configured", nil)
	}
	lastCode := ""
	if leg.ErrorCode != nil {
		lastCode = *leg.ErrorCode
	}
	if leg.TxRef == nil || lastCode != apperr.CodeConfirmationTimeout {
		signed := artifact
		if len(signed) == 0 {
			var err error
			if signed, err = e.prepare(ctx, res, inv, leg, policy, lastCode); err != nil {
				return nil, err
			}
		}
		var txRef string
		err := e.guard(ctx, circuit.ResourceEndpoint, e.Chain.Name(), func(ctx context.Context) error {
			var err error
			txRef, err = e.Chain.Submit(ctx, signed)
			return err
		})
		if err != nil {
			return nil, err
		}
		leg.TxRef = &txRef
		if err := e.Repo.UpdateLeg(context.WithoutCancel(ctx), leg); err != nil {
			e.log().Warn("persist submitted tx ref failed", zap.String("leg_id", leg.ID), zap.Error(err))
		}
	}
	return e.confirm(ctx, res, inv, leg)
}

// prepare requotes when needed, then builds and signs the venue transaction.
func (e *LegExecutor) prepare(ctx context.Context, res *models.InvoiceReservation, inv *models.Invoice, leg *models.PaymentLeg, policy models.MerchantPolicy, lastCode string) ([]byte, error) {
	if e.Venue == nil {
		return nil, apperr.Transient("", "no execution venue configured", nil)
	}
	route := leg.Route.Data()
	now := e.now()
	stale := lastCode == apperr.CodeStaleQuote || len(route.Quote) == 0 ||
		(leg.QuoteExpiresAt != nil && leg.QuoteExpiresAt.Before(now))
	if stale {
		var q *venue.Quote
		err := e.guard(ctx, circuit.ResourceVenue, e.Venue.Name(), func(ctx context.Context) error {
			return e.guard(ctx, circuit.ResourceRoute, route.Label(), func(ctx context.Context) error {
				var err error
				q, err = e.Venue.Quote(ctx, venue.QuoteRequest{
					InputAsset:   leg.SourceAsset,
					OutputAsset:  inv.SettleAsset,
					Amount:       leg.InputAmount,
					ToleranceBps: leg.ToleranceBps,
				})
				return err
			})
		})
		if err != nil {
			return nil, err
		}
		check := models.Plan{SettleAsset: inv.SettleAsset, Legs: []models.PlannedLeg{{
			Index:          leg.LegIndex,
			SourceAsset:    leg.SourceAsset,
			Route:          q.Route,
			ToleranceBps:   leg.ToleranceBps,
			PriceImpactBps: q.PriceImpactBps,
		}}}
		if v := ValidateAgainstPolicy(check, policy); !v.Valid {
			return nil, v.Err()
		}
		route = q.Route
		leg.Route = datatypes.NewJSONType(q.Route)
		leg.HopCount = q.Route.HopCount()
		leg.ExpectedOutput = q.ExpectedOutput
		leg.PriceImpactBps = q.PriceImpactBps
		leg.QuoteExpiresAt = q.ExpiresAt
	}

	var unsigned []byte
	err := e.guard(ctx, circuit.ResourceVenue, e.Venue.Name(), func(ctx context.Context) error {
		return e.guard(ctx, circuit.ResourceRoute, route.Label(), func(ctx context.Context) error {
			var err error
			unsigned, err = e.Venue.BuildTransaction(ctx, route, res.Payer)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if e.TxSigner == nil {
		return unsigned, nil
	}
	signed, err := e.TxSigner.SignTransaction(ctx, unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign leg transaction: %w", err)
	}
	return signed, nil
}

func (e *LegExecutor) confirm(ctx context.Context, res *models.InvoiceReservation, inv *models.Invoice, leg *models.PaymentLeg) (*chain.Receipt, error) {
	timeout := e.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	var receipt *chain.Receipt
	err := e.guard(ctx, circuit.ResourceEndpoint, e.Chain.Name(), func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var err error
		receipt, err = e.Chain.Confirm(cctx, chain.ConfirmRequest{
			TxRef:   *leg.TxRef,
			Timeout: timeout,
			Mint:    inv.SettleAsset,
			Owner:   res.Payer,
		})
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return apperr.Transient(apperr.CodeConfirmationTimeout, "transaction not confirmed in time", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if receipt == nil || !receipt.Confirmed {
		return nil, apperr.Transient(apperr.CodeConfirmationTimeout, "transaction not confirmed in time", nil)
	}
	if receipt.Err != "" {
		leg.TxRef = nil
		if strings.Contains(strings.ToLower(receipt.Err), "slippage") {
			return nil, apperr.StaleQuote("transaction failed on chain: "+receipt.Err, nil)
		}
		return nil, apperr.Transient(apperr.CodeExecutionFailed, "transaction failed on chain: "+receipt.Err, nil)
	}
	return receipt, nil
}

// restorePoint is the leg state before StartLeg. The stored error code is
// kept so the next attempt still knows to requote or re-confirm.
type restorePoint struct {
	status  models.LegStatus
	retries int
	code    *string
	message *string
}

func (p restorePoint) apply(leg *models.PaymentLeg) {
	leg.Status = p.status
	leg.RetryCount = p.retries
	leg.ErrorCode = p.code
	leg.ErrorMessage = p.message
}

// revert puts the leg back to its previous state without consuming a retry.
func (e *LegExecutor) revert(ctx context.Context, res *models.InvoiceReservation, leg *models.PaymentLeg, prev restorePoint, cause error, now time.Time) (*LegResult, error) {
	code, msg := apperr.Describe(cause)
	if errors.Is(cause, context.Canceled) {
		code, msg = apperr.CodeExecutionFailed, "execution cancelled"
	}
	prev.apply(leg)
	if err := e.Repo.UpdateLeg(ctx, leg); err != nil {
		return nil, err
	}
	e.Metrics.LegOutcome(LegResultBlocked, code, e.now().Sub(now))
	e.log().Warn("leg blocked",
		zap.String("reservation_id", res.ID),
		zap.Int("leg_index", leg.LegIndex),
		zap.String("code", code),
		zap.String("reason", msg),
	)
	out := e.result(res, leg, LegResultBlocked)
	out.ErrorCode, out.ErrorMessage = code, msg
	var ae *apperr.Error
	if errors.As(cause, &ae) && ae.Resource != "" && e.Circuits != nil {
		for _, st := range e.Circuits.Snapshot() {
			if st.ID != ae.Resource || st.State != circuit.StateOpen {
				continue
			}
			if wait := st.LastStateChange.Add(st.Config.Timeout).Sub(e.now()); wait > 0 {
				out.RetryAfterMs = wait.Milliseconds()
			}
		}
	}
	return out, nil
}

func (e *LegExecutor) retryOrFail(ctx context.Context, res *models.InvoiceReservation, inv *models.Invoice, leg *models.PaymentLeg, policy models.MerchantPolicy, profile Profile, cause error, now time.Time) (*LegResult, error) {
	p := e.RetryPolicy
	p.StrictRisk = p.StrictRisk || profile.StrictRisk
	if bound := policy.EffectiveSlippageBps(); p.MaxToleranceBps <= 0 || bound < p.MaxToleranceBps {
		p.MaxToleranceBps = bound
	}
	// RetryCount retries have run, so this was attempt RetryCount+1.
	st := retry.State{Attempts: leg.RetryCount, Requotes: leg.RequoteCount, ToleranceBps: leg.ToleranceBps}
	for i := 0; i < leg.RequoteCount; i++ {
		st.Errors = append(st.Errors, retry.Classified{Category: retry.CategoryStalePrice})
	}
	strategy := profile.Strategy
	strategy.MaxAttempts = leg.MaxRetries + 1
	c := retry.Classify(cause)
	d := p.ShouldRetry(c, &st, strategy)
	if !d.Retry {
		return e.fail(ctx, res, inv, leg, cause, now)
	}

	code, msg := apperr.Describe(cause)
	if code == "" || code == apperr.CodeExecutionFailed {
		code = c.Code
	}
	leg.Status = models.LegFailed
	leg.RequoteCount = st.Requotes
	leg.ToleranceBps = d.ToleranceBps
	leg.ErrorCode = &code
	leg.ErrorMessage = &msg
	if err := e.Repo.UpdateLeg(ctx, leg); err != nil {
		return nil, err
	}
	e.Metrics.LegRetry(d.Requote)
	e.Metrics.LegOutcome(LegResultRetrying, code, e.now().Sub(now))
	e.log().Info("leg will retry",
		zap.String("reservation_id", res.ID),
		zap.Int("leg_index", leg.LegIndex),
		zap.String("code", code),
		zap.Int("retry_count", leg.RetryCount),
		zap.String("reason", d.Reason),
	)
	out := e.result(res, leg, LegResultRetrying)
	out.ErrorCode, out.ErrorMessage = code, msg
	out.RetryAfterMs = d.DelayMs()
	return out, nil
}

// fail marks the leg failed for good. It uses up the leg's retries and moves
// the reservation to partial-failure; the invoice fails only when no leg has
// settled. Settled legs are never rolled back.
func (e *LegExecutor) fail(ctx context.Context, res *models.InvoiceReservation, inv *models.Invoice, leg *models.PaymentLeg, cause error, now time.Time) (*LegResult, error) {
	code, msg := apperr.Describe(cause)
	leg.Status = models.LegFailed
	leg.ErrorCode = &code
	leg.ErrorMessage = &msg
	leg.RetryCount = leg.MaxRetries
	if err := e.Repo.UpdateLeg(ctx, leg); err != nil {
		return nil, err
	}
	e.Metrics.LegOutcome(LegResultFailed, code, e.now().Sub(now))
	e.log().Warn("leg failed",
		zap.String("reservation_id", res.ID),
		zap.Int("leg_index", leg.LegIndex),
		zap.String("code", code),
		zap.String("reason", msg),
	)
	emit(ctx, e.Notifier, notify.EventLegFailed, inv.ID, e.now(), map[string]any{
		"reservation_id": res.ID,
		"leg_index":      leg.LegIndex,
		"error_code":     code,
	})

	out := e.result(res, leg, LegResultFailed)
	out.ErrorCode, out.ErrorMessage = code, msg

	moved, err := e.Repo.TransitionReservation(ctx, res.ID, []models.ReservationStatus{models.ReservationActive}, models.ReservationPartialFailure)
	if err != nil {
		return nil, err
	}
	if moved {
		res.Status = models.ReservationPartialFailure
		out.ReservationStatus = res.Status
		e.emitPartialFailure(ctx, res, inv)
	}
	if res.CompletedLegs == 0 && e.Invoices != nil {
		if failed, err := e.Invoices.MarkFailed(ctx, inv.ID, fmt.Sprintf("leg %d: %s", leg.LegIndex, msg)); err == nil {
			out.InvoiceStatus = failed.Status
		} else {
			e.log().Warn("mark invoice failed", zap.String("invoice_id", inv.ID), zap.Error(err))
		}
	}
	return out, nil
}

func (e *LegExecutor) emitPartialFailure(ctx context.Context, res *models.InvoiceReservation, inv *models.Invoice) {
	emit(ctx, e.Notifier, notify.EventReservationPartialFailure, inv.ID, e.now(), map[string]any{
		"reservation_id": res.ID,
		"completed_legs": res.CompletedLegs,
		"total_legs":     res.TotalLegs,
		"collected":      res.SettlementCollected.String(),
	})
}

// complete records a confirmed transfer. The output is always counted since
// the transfer is final on chain. Slippage beyond tolerance is flagged on the
// settled leg and halts the reservation in partial-failure.
func (e *LegExecutor) complete(ctx context.Context, res *models.InvoiceReservation, inv *models.Invoice, leg *models.PaymentLeg, receipt *chain.Receipt, now time.Time) (*LegResult, error) {
	actual := leg.ExpectedOutput
	if receipt.OutputAmount != nil {
		actual = *receipt.OutputAmount
	}
	slip := realizedSlippageBps(leg.ExpectedOutput, actual)
	done := e.now()
	leg.ActualOutput = &actual
	leg.RealizedSlippageBps = &slip
	leg.Status = models.LegCompleted
	leg.CompletedAt = &done
	leg.ErrorCode = nil
	leg.ErrorMessage = nil
	breach := slip > leg.ToleranceBps
	if breach {
		code := apperr.CodeSlippageExceeded
		msg := fmt.Sprintf("realized slippage %d bps exceeds tolerance %d bps", slip, leg.ToleranceBps)
		leg.ErrorCode, leg.ErrorMessage = &code, &msg
	}

	settled, err := e.Repo.SettleLeg(ctx, leg, actual, breach)
	if err != nil {
		e.log().Error("record settled leg",
			zap.String("reservation_id", res.ID),
			zap.Int("leg_index", leg.LegIndex),
			zap.String("tx_ref", *leg.TxRef),
			zap.String("actual_output", actual.String()),
			zap.Error(err),
		)
		return nil, err
	}
	res = &settled.Reservation

	outcomeCode := ""
	if leg.ErrorCode != nil {
		outcomeCode = *leg.ErrorCode
	}
	e.Metrics.RealizedSlippage(slip)
	e.Metrics.LegOutcome(LegResultCompleted, outcomeCode, done.Sub(now))
	emit(ctx, e.Notifier, notify.EventLegCompleted, inv.ID, done, map[string]any{
		"reservation_id": res.ID,
		"leg_index":      leg.LegIndex,
		"tx_ref":         *leg.TxRef,
		"actual_output":  actual.String(),
		"slippage_bps":   slip,
	})

	out := e.result(res, leg, LegResultCompleted)
	if breach {
		out.ErrorCode, out.ErrorMessage = *leg.ErrorCode, *leg.ErrorMessage
		e.log().Warn("leg settled beyond slippage tolerance",
			zap.String("reservation_id", res.ID),
			zap.Int("leg_index", leg.LegIndex),
			zap.Int("slippage_bps", slip),
			zap.Int("tolerance_bps", leg.ToleranceBps),
		)
		if settled.WasActive {
			e.emitPartialFailure(ctx, res, inv)
		}
	}
	if !settled.WasActive {
		msg := fmt.Sprintf("leg %d settled after the reservation became %s", leg.LegIndex, res.Status)
		out.ErrorCode, out.ErrorMessage = apperr.CodeSettlementConflict, msg
		e.log().Error("leg settled on inactive reservation",
			zap.String("reservation_id", res.ID),
			zap.String("invoice_id", inv.ID),
			zap.Int("leg_index", leg.LegIndex),
			zap.String("reservation_status", string(res.Status)),
			zap.String("tx_ref", *leg.TxRef),
			zap.String("actual_output", actual.String()),
		)
		emit(ctx, e.Notifier, notify.EventSettlementConflict, inv.ID, done, map[string]any{
			"reservation_id":     res.ID,
			"leg_index":          leg.LegIndex,
			"reservation_status": string(res.Status),
			"tx_ref":             *leg.TxRef,
			"actual_output":      actual.String(),
			"collected":          res.SettlementCollected.String(),
		})
		return out, nil
	}
	if res.Status != models.ReservationCompleted {
		return out, nil
	}

	if e.Attestations != nil {
		if att, err := e.Attestations.CreateAttestation(ctx, res.ID); err != nil {
			e.log().Error("create attestation", zap.String("reservation_id", res.ID), zap.Error(err))
		} else {
			out.AttestationID = att.ID
		}
	}
	if e.Invoices != nil {
		paid, err := e.Invoices.MarkPaid(ctx, inv.ID, *leg.TxRef)
		if err != nil {
			return nil, err
		}
		out.InvoiceStatus = paid.Status
	}
	return out, nil
}

// realizedSlippageBps is (expected - actual) * 10000 / expected, floored at 0.
func realizedSlippageBps(expected, actual models.Amount) int {
	if expected.Sign() <= 0 || actual.Cmp(expected) >= 0 {
		return 0
	}
	diff := new(big.Int).Sub(expected.Big(), actual.Big())
	diff.Mul(diff, big.NewInt(10_000))
	diff.Quo(diff, expected.Big())
	if !diff.IsInt64() || diff.Int64() > 10_000 {
		return 10_000
	}
	return int(diff.Int64())
}

func (e *LegExecutor) result(res *models.InvoiceReservation, leg *models.PaymentLeg, status string) *LegResult {
	out := &LegResult{
		ReservationID:     res.ID,
		LegIndex:          leg.LegIndex,
		Status:            status,
		RetryCount:        leg.RetryCount,
		MaxRetries:        leg.MaxRetries,
		Requotes:          leg.RequoteCount,
		ToleranceBps:      leg.ToleranceBps,
		ReservationStatus: res.Status,
	}
	if leg.TxRef != nil {
		out.TxRef = *leg.TxRef
	}
	return out
}
