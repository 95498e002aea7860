package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"flowmint/internal/apperr"
	"flowmint/internal/merkle"
	"flowmint/internal/metrics"
	"flowmint/internal/models"
	"flowmint/internal/repository"
)

// AttestationService issues and verifies signed records of how an invoice was
// settled. Verification never writes.
type AttestationService struct {
	Repo    repository.Repository
	Signer  Signer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// VerifyBaseURL prefixes the verification link embedded in attestations.
	VerifyBaseURL string
	Now           func() time.Time

	group singleflight.Group
}

type VerificationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type VerificationResult struct {
	AttestationID string              `json:"attestation_id"`
	LegIndex      *int                `json:"leg_index,omitempty"`
	Valid         bool                `json:"valid"`
	Errors        []VerificationError `json:"errors"`
	MerkleRoot    string              `json:"merkle_root,omitempty"`
}

func (r *VerificationResult) fail(code, format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, VerificationError{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (s *AttestationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *AttestationService) Get(ctx context.Context, id string) (*models.Attestation, error) {
	item, err := s.Repo.GetAttestation(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.NotFound(apperr.CodeAttestationNotFound, "attestation not found")
	}
	return item, nil
}

func (s *AttestationService) GetByInvoice(ctx context.Context, invoiceID string) (*models.Attestation, error) {
	item, err := s.Repo.GetAttestationByInvoice(ctx, strings.TrimSpace(invoiceID))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.NotFound(apperr.CodeAttestationNotFound, "invoice has no attestation")
	}
	return item, nil
}

// CreateAttestation records the completed reservation's plan against what was
// executed. An invoice has at most one attestation; repeated calls return it.
func (s *AttestationService) CreateAttestation(ctx context.Context, reservationID string) (*models.Attestation, error) {
	if s == nil || s.Repo == nil || s.Signer == nil {
		return nil, apperr.Transient("", "attestation service not configured", nil)
	}
	res, err := s.Repo.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperr.NotFound(apperr.CodeReservationNotFound, "reservation not found")
	}
	if existing, err := s.Repo.GetAttestationByInvoice(ctx, res.InvoiceID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	if res.Status != models.ReservationCompleted {
		return nil, apperr.Conflict(apperr.CodeReservationInactive, fmt.Sprintf("reservation is %s, not completed", res.Status))
	}
	inv, err := s.Repo.GetInvoice(ctx, res.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, apperr.NotFound(apperr.CodeInvoiceNotFound, "invoice not found")
	}
	legs, err := s.Repo.ListLegs(ctx, res.ID)
	if err != nil {
		return nil, err
	}

	plan := res.Plan.Data()
	policy, err := policyFor(ctx, s.Repo, inv.MerchantID, inv.PolicyID)
	if err != nil {
		return nil, err
	}
	if v := ValidateAgainstPolicy(plan, policy); !v.Valid {
		s.Metrics.Attestation("policy_violation")
		return nil, v.Err()
	}

	planned := plannedExecution(plan)
	actual, leaves, err := actualExecution(legs)
	if err != nil {
		return nil, err
	}
	root := merkle.ComputeRoot(leaves)
	leafHex := make([]string, 0, len(leaves))
	proofs := make(map[int][]string, len(leaves))
	for i, leaf := range leaves {
		leafHex = append(leafHex, hex.EncodeToString(leaf))
		proof, err := merkle.ComputeProof(leaves, i)
		if err != nil {
			return nil, err
		}
		proofs[actual.Legs[i].LegIndex] = merkle.EncodeProof(proof)
	}

	payload := models.AttestationPayload{
		Version:       models.AttestationPayloadVersion,
		InvoiceID:     inv.ID,
		ReservationID: res.ID,
		MerchantID:    inv.MerchantID,
		Payer:         res.Payer,
		SettleAsset:   inv.SettleAsset,
		Amount:        inv.Amount,
		PolicyHash:    HashPolicy(policy),
		Planned:       planned,
		Actual:        actual,
		MerkleRoot:    hex.EncodeToString(root),
		IssuedAt:      s.now(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sig, err := s.Signer.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}

	item := &models.Attestation{
		ID:              uuid.NewString(),
		InvoiceID:       inv.ID,
		ReservationID:   res.ID,
		PayloadVersion:  payload.Version,
		PolicyHash:      payload.PolicyHash,
		Planned:         datatypes.NewJSONType(planned),
		Actual:          datatypes.NewJSONType(actual),
		Payload:         raw,
		MerkleRoot:      payload.MerkleRoot,
		LeafHashes:      datatypes.JSONSlice[string](leafHex),
		Proofs:          datatypes.NewJSONType(proofs),
		SignerScheme:    s.Signer.Scheme(),
		SignerPublicKey: s.Signer.PublicKey(),
		Signature:       sig,
		CreatedAt:       payload.IssuedAt,
	}
	if base := strings.TrimRight(strings.TrimSpace(s.VerifyBaseURL), "/"); base != "" {
		u := base + "/api/v1/attestations/" + item.ID + "/verify"
		item.VerificationURL = &u
	}

	if err := s.Repo.CreateAttestation(ctx, item); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return s.Repo.GetAttestationByInvoice(ctx, inv.ID)
		}
		return nil, err
	}
	s.Metrics.Attestation("created")
	if s.Logger != nil {
		s.Logger.Info("attestation created",
			zap.String("attestation_id", item.ID),
			zap.String("invoice_id", inv.ID),
			zap.String("merkle_root", item.MerkleRoot),
		)
	}
	return item, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func plannedExecution(plan models.Plan) models.PlannedExecution {
	out := models.PlannedExecution{
		Strategy: plan.Strategy,
		Legs:     make([]models.PlannedLegRecord, 0, len(plan.Legs)),
		Risk:     AssessRisk(plan),
	}
	total := models.NewAmount(0)
	for _, leg := range plan.Legs {
		total = total.Add(leg.ExpectedOutput)
		out.Legs = append(out.Legs, models.PlannedLegRecord{
			LegIndex:       leg.Index,
			SourceAsset:    leg.SourceAsset,
			InputAmount:    leg.InputAmount,
			ExpectedOutput: leg.ExpectedOutput,
			ToleranceBps:   leg.ToleranceBps,
			PriceImpactBps: leg.PriceImpactBps,
			HopCount:       leg.Route.HopCount(),
			Assets:         leg.Route.Assets(),
		})
	}
	out.TotalExpectedOutput = total
	return out
}

// actualExecution builds the executed record and its Merkle leaves in leg order.
func actualExecution(legs []models.PaymentLeg) (models.ActualExecution, [][]byte, error) {
	out := models.ActualExecution{Legs: make([]models.ActualLegRecord, 0, len(legs))}
	leaves := make([][]byte, 0, len(legs))
	total := models.NewAmount(0)
	for _, leg := range legs {
		if leg.Status != models.LegCompleted {
			return out, nil, apperr.Conflict(apperr.CodeLegNotExecutable, fmt.Sprintf("leg %d is %s", leg.LegIndex, leg.Status))
		}
		rec := actualLegRecord(leg)
		total = total.Add(rec.ActualOutput)
		out.Legs = append(out.Legs, rec)
		out.SettlementTx = rec.TxRef
		leaves = append(leaves, merkle.LeafHash(mustJSON(rec)))
	}
	if len(leaves) == 0 {
		return out, nil, merkle.ErrEmptyTree
	}
	out.TotalOutput = total
	return out, leaves, nil
}

func actualLegRecord(leg models.PaymentLeg) models.ActualLegRecord {
	rec := models.ActualLegRecord{
		LegIndex:       leg.LegIndex,
		SourceAsset:    leg.SourceAsset,
		InputAmount:    leg.InputAmount,
		ExpectedOutput: leg.ExpectedOutput,
		ActualOutput:   leg.ExpectedOutput,
		RetryCount:     leg.RetryCount,
		Route:          leg.Route.Data().Label(),
	}
	if leg.ActualOutput != nil {
		rec.ActualOutput = *leg.ActualOutput
	}
	if leg.RealizedSlippageBps != nil {
		rec.RealizedSlippageBps = *leg.RealizedSlippageBps
	}
	if leg.TxRef != nil {
		rec.TxRef = *leg.TxRef
	}
	if leg.CompletedAt != nil {
		ts := leg.CompletedAt.UTC().Format(time.RFC3339Nano)
		rec.CompletedAt = &ts
	}
	return rec
}

// VerifyAttestation re-checks the signature over the stored payload bytes,
// the payload version, the signer, the invoice status and the Merkle root.
// Concurrent calls for one id share a single evaluation.
func (s *AttestationService) VerifyAttestation(ctx context.Context, id string) (*VerificationResult, error) {
	id = strings.TrimSpace(id)
	// The shared evaluation must not die with whichever caller started it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do("attestation:"+id, func() (any, error) {
		return s.verify(shared, id)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*VerificationResult)
	res.Errors = append([]VerificationError(nil), res.Errors...)
	s.Metrics.Verification("attestation", res.Valid)
	return &res, nil
}

func (s *AttestationService) verify(ctx context.Context, id string) (*VerificationResult, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &VerificationResult{AttestationID: a.ID, Valid: true, Errors: []VerificationError{}, MerkleRoot: a.MerkleRoot}
	s.checkSignature(out, a)

	var payload models.AttestationPayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		out.fail(apperr.CodePayloadVersion, "payload is not decodable: %v", err)
		return out, nil
	}
	if payload.Version != models.AttestationPayloadVersion || a.PayloadVersion != payload.Version {
		out.fail(apperr.CodePayloadVersion, "payload version %d, supported %d", payload.Version, models.AttestationPayloadVersion)
	}
	if payload.InvoiceID != a.InvoiceID {
		out.fail(apperr.CodeSignatureInvalid, "payload invoice %s does not match record %s", payload.InvoiceID, a.InvoiceID)
	}

	inv, err := s.Repo.GetInvoice(ctx, payload.InvoiceID)
	if err != nil {
		return nil, err
	}
	switch {
	case inv == nil:
		out.fail(apperr.CodeInvoiceNotFound, "invoice %s not found", payload.InvoiceID)
	case inv.Status != models.InvoicePaid:
		out.fail(apperr.CodeInvoiceNotPaid, "invoice %s is %s", inv.ID, inv.Status)
	}

	leaves := make([][]byte, 0, len(payload.Actual.Legs))
	for _, rec := range payload.Actual.Legs {
		leaves = append(leaves, merkle.LeafHash(mustJSON(rec)))
	}
	if len(leaves) == 0 {
		out.fail(apperr.CodeMerkleMismatch, "payload has no executed legs")
		return out, nil
	}
	root := hex.EncodeToString(merkle.ComputeRoot(leaves))
	if root != payload.MerkleRoot || root != a.MerkleRoot {
		out.fail(apperr.CodeMerkleMismatch, "recomputed root %s does not match %s", root, a.MerkleRoot)
	}
	return out, nil
}

// checkSignature verifies the signature over the stored payload bytes and
// that the engine key made it.
func (s *AttestationService) checkSignature(out *VerificationResult, a *models.Attestation) {
	if err := VerifySignature(a.SignerScheme, a.SignerPublicKey, a.Payload, a.Signature); err != nil {
		out.fail(apperr.CodeSignatureInvalid, "%v", err)
	}
	if s.Signer != nil && (a.SignerScheme != s.Signer.Scheme() || a.SignerPublicKey != s.Signer.PublicKey()) {
		out.fail(apperr.CodeUntrustedSigner, "signed by %s key %s, not the engine key", a.SignerScheme, a.SignerPublicKey)
	}
}

// VerifyLegProof checks the attestation signature and the stored inclusion
// proof of one leg against the attested Merkle root.
func (s *AttestationService) VerifyLegProof(ctx context.Context, id string, legIndex int) (*VerificationResult, error) {
	id = strings.TrimSpace(id)
	key := fmt.Sprintf("leg:%s:%d", id, legIndex)
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.verifyLeg(shared, id, legIndex)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*VerificationResult)
	res.Errors = append([]VerificationError(nil), res.Errors...)
	s.Metrics.Verification("leg", res.Valid)
	return &res, nil
}

func (s *AttestationService) verifyLeg(ctx context.Context, id string, legIndex int) (*VerificationResult, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	idx := legIndex
	out := &VerificationResult{AttestationID: a.ID, LegIndex: &idx, Valid: true, Errors: []VerificationError{}, MerkleRoot: a.MerkleRoot}
	s.checkSignature(out, a)

	var payload models.AttestationPayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		out.fail(apperr.CodePayloadVersion, "payload is not decodable: %v", err)
		return out, nil
	}
	var rec *models.ActualLegRecord
	for i := range payload.Actual.Legs {
		if payload.Actual.Legs[i].LegIndex == legIndex {
			rec = &payload.Actual.Legs[i]
			break
		}
	}
	if rec == nil {
		return nil, apperr.NotFound(apperr.CodeLegNotFound, fmt.Sprintf("attestation has no leg %d", legIndex))
	}
	encoded, ok := a.Proofs.Data()[legIndex]
	if !ok {
		out.fail(apperr.CodeMerkleMismatch, "no proof stored for leg %d", legIndex)
		return out, nil
	}
	proof, err := merkle.DecodeProof(encoded)
	if err != nil {
		out.fail(apperr.CodeMerkleMismatch, "proof is not decodable: %v", err)
		return out, nil
	}
	root, err := hex.DecodeString(a.MerkleRoot)
	if err != nil {
		out.fail(apperr.CodeMerkleMismatch, "root is not decodable: %v", err)
		return out, nil
	}
	leaf := merkle.LeafHash(mustJSON(*rec))
	if !merkle.VerifyProof(leaf, proof, root) {
		out.fail(apperr.CodeMerkleMismatch, "leg %d is not included under root %s", legIndex, a.MerkleRoot)
	}
	if pos := legPosition(payload.Actual.Legs, legIndex); pos >= 0 && pos < len(a.LeafHashes) {
		if stored, err := hex.DecodeString(a.LeafHashes[pos]); err != nil || !bytes.Equal(stored, leaf) {
			out.fail(apperr.CodeMerkleMismatch, "leg %d leaf hash differs from the stored leaf", legIndex)
		}
	}
	return out, nil
}

func legPosition(legs []models.ActualLegRecord, legIndex int) int {
	for i, l := range legs {
		if l.LegIndex == legIndex {
			return i
		}
	}
	return -1
}
