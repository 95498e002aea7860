package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"flowmint/internal/apperr"
	"flowmint/internal/merkle"
	"flowmint/internal/models"
	"flowmint/internal/repository/memory"
)

// settled runs the two-leg scenario to completion and returns the attestation.
func settled(t *testing.T, e *testEngine) *models.Attestation {
	t.Helper()
	ctx := context.Background()
	_, view := e.reservedPlan(t, twoLegPlan(models.StrategyMinRisk))
	var last *LegResult
	for _, idx := range []int{0, 1} {
		got, err := e.exec.ExecuteLeg(ctx, view.Reservation.ID, idx, nil)
		if err != nil || got.Status != LegResultCompleted {
			t.Fatalf("leg %d: err=%v result=%+v", idx, err, got)
		}
		last = got
	}
	att, err := e.attest.Get(ctx, last.AttestationID)
	if err != nil {
		t.Fatalf("get attestation: %v", err)
	}
	return att
}

func hasCode(errs []VerificationError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestAttestationRecordsPlannedAndActual(t *testing.T) {
	e := newTestEngine(t)
	att := settled(t, e)

	var payload models.AttestationPayload
	if err := json.Unmarshal(att.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Version != models.AttestationPayloadVersion || payload.Payer != testPayer {
		t.Fatalf("payload version=%d payer=%s", payload.Version, payload.Payer)
	}
	if payload.Planned.TotalExpectedOutput.String() != "2000000" || payload.Actual.TotalOutput.String() != "2000000" {
		t.Fatalf("planned=%s actual=%s", payload.Planned.TotalExpectedOutput, payload.Actual.TotalOutput)
	}
	if payload.Actual.SettlementTx != "sig-2" {
		t.Fatalf("settlement tx=%s want=sig-2", payload.Actual.SettlementTx)
	}
	if payload.Planned.Risk.Complexity != ComplexityLow {
		t.Fatalf("complexity=%s want=low", payload.Planned.Risk.Complexity)
	}
	if len(att.LeafHashes) != 2 || len(att.Proofs.Data()) != 2 {
		t.Fatalf("leaves=%d proofs=%d", len(att.LeafHashes), len(att.Proofs.Data()))
	}
	if att.VerificationURL == nil || !strings.HasSuffix(*att.VerificationURL, "/api/v1/attestations/"+att.ID+"/verify") {
		t.Fatalf("verification url=%v", att.VerificationURL)
	}
	if err := VerifySignature(att.SignerScheme, att.SignerPublicKey, att.Payload, att.Signature); err != nil {
		t.Fatalf("signature: %v", err)
	}
}

func TestCreateAttestationIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	att := settled(t, e)
	again, err := e.attest.CreateAttestation(context.Background(), att.ReservationID)
	if err != nil {
		t.Fatalf("again: %v", err)
	}
	if again.ID != att.ID {
		t.Fatalf("id=%s want=%s", again.ID, att.ID)
	}
}

func TestCreateAttestationRequiresCompletedReservation(t *testing.T) {
	e := newTestEngine(t)
	_, view := e.reservedPlan(t, twoLegPlan(models.StrategyMinRisk))
	_, err := e.attest.CreateAttestation(context.Background(), view.Reservation.ID)
	wantCode(t, err, apperr.CodeReservationInactive)
}

func TestVerifyAttestationReportsUnpaidInvoice(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	att := settled(t, e)
	ok, err := e.repo.TransitionInvoice(ctx, att.InvoiceID, []models.InvoiceStatus{models.InvoicePaid}, models.InvoiceRefunded, nil)
	if err != nil || !ok {
		t.Fatalf("refund: ok=%v err=%v", ok, err)
	}

	got, err := e.attest.VerifyAttestation(ctx, att.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Valid || !hasCode(got.Errors, apperr.CodeInvoiceNotPaid) {
		t.Fatalf("result=%+v want INVOICE_NOT_PAID", got)
	}
	if hasCode(got.Errors, apperr.CodeSignatureInvalid) {
		t.Fatalf("signature flagged on a refunded invoice: %+v", got.Errors)
	}
}

func TestVerifyAttestationRejectsUntrustedSigner(t *testing.T) {
	e := newTestEngine(t)
	att := settled(t, e)
	other, err := NewSigner(SchemeEd25519, "")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	verifier := &AttestationService{Repo: e.repo, Signer: other}

	got, err := verifier.VerifyAttestation(context.Background(), att.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Valid || !hasCode(got.Errors, apperr.CodeUntrustedSigner) {
		t.Fatalf("result=%+v want UNTRUSTED_SIGNER", got)
	}
}

func TestVerifyAttestationIsReadOnly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	att := settled(t, e)
	before, _ := e.repo.GetInvoice(ctx, att.InvoiceID)
	for i := 0; i < 3; i++ {
		if _, err := e.attest.VerifyAttestation(ctx, att.ID); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}
	after, _ := e.repo.GetInvoice(ctx, att.InvoiceID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Fatalf("verification changed the invoice")
	}
}

func TestLegProofDetectsTamperedRecord(t *testing.T) {
	e := newTestEngine(t)
	att := settled(t, e)

	var payload models.AttestationPayload
	if err := json.Unmarshal(att.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	proof, err := merkle.DecodeProof(att.Proofs.Data()[1])
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	root := merkle.ComputeRoot([][]byte{
		merkle.LeafHash(mustJSON(payload.Actual.Legs[0])),
		merkle.LeafHash(mustJSON(payload.Actual.Legs[1])),
	})

	honest := merkle.LeafHash(mustJSON(payload.Actual.Legs[1]))
	if !merkle.VerifyProof(honest, proof, root) {
		t.Fatalf("honest leg rejected")
	}
	tampered := payload.Actual.Legs[1]
	tampered.ActualOutput = models.NewAmount(2_000_000)
	if merkle.VerifyProof(merkle.LeafHash(mustJSON(tampered)), proof, root) {
		t.Fatalf("tampered leg accepted")
	}
}

func TestVerifyLegProofUnknownLeg(t *testing.T) {
	e := newTestEngine(t)
	att := settled(t, e)
	_, err := e.attest.VerifyLegProof(context.Background(), att.ID, 7)
	wantCode(t, err, apperr.CodeLegNotFound)
}

func TestVerifyLegProofChecksSignature(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	att := settled(t, e)

	var payload models.AttestationPayload
	if err := json.Unmarshal(att.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	// Same legs and proofs, different signed document.
	payload.Payer = otherPayer
	forged := *att
	forged.ID = "att-forged"
	forged.InvoiceID = "inv-forged"
	forged.Payload = mustJSON(payload)
	if err := e.repo.CreateAttestation(ctx, &forged); err != nil {
		t.Fatalf("store forged: %v", err)
	}

	got, err := e.attest.VerifyLegProof(ctx, forged.ID, 1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Valid || !hasCode(got.Errors, apperr.CodeSignatureInvalid) {
		t.Fatalf("result=%+v want SIGNATURE_INVALID", got)
	}
	if hasCode(got.Errors, apperr.CodeMerkleMismatch) {
		t.Fatalf("merkle flagged for untouched legs: %+v", got.Errors)
	}

	other, err := NewSigner(SchemeEd25519, "")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	verifier := &AttestationService{Repo: e.repo, Signer: other}
	got, err = verifier.VerifyLegProof(ctx, att.ID, 0)
	if err != nil {
		t.Fatalf("verify honest: %v", err)
	}
	if got.Valid || !hasCode(got.Errors, apperr.CodeUntrustedSigner) {
		t.Fatalf("result=%+v want UNTRUSTED_SIGNER", got)
	}
}

// ctxRepo fails reads once the caller's context is done.
type ctxRepo struct {
	*memory.Store
}

func (r ctxRepo) GetAttestation(ctx context.Context, id string) (*models.Attestation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Store.GetAttestation(ctx, id)
}

func TestVerifySurvivesCancelledCaller(t *testing.T) {
	e := newTestEngine(t)
	att := settled(t, e)
	svc := &AttestationService{Repo: ctxRepo{Store: e.repo}, Signer: e.attest.Signer}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := svc.VerifyAttestation(ctx, att.ID)
	if err != nil || !got.Valid {
		t.Fatalf("verify err=%v result=%+v", err, got)
	}
	proof, err := svc.VerifyLegProof(ctx, att.ID, 0)
	if err != nil || !proof.Valid {
		t.Fatalf("leg proof err=%v result=%+v", err, proof)
	}
}
