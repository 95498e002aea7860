package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowmint/internal/apperr"
	"flowmint/internal/models"
	"flowmint/internal/repository"
)

// Route complexity tiers by hop count.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"

	mevHopThreshold        = 4
	priceImpactWarnBps     = 100
	policyHashPrefix       = "sha256:"
	policyCanonicalVersion = 1
)

// PolicyViolation names one breached limit.
type PolicyViolation struct {
	Field    string `json:"field"`
	LegIndex int    `json:"leg_index"`
	Limit    string `json:"limit"`
	Actual   string `json:"actual"`
	Message  string `json:"message"`
}

type PolicyValidation struct {
	Valid      bool              `json:"valid"`
	Violations []PolicyViolation `json:"violations"`
}

// Fields lists the distinct violated fields in first-seen order.
func (v PolicyValidation) Fields() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(v.Violations))
	for _, it := range v.Violations {
		if _, ok := seen[it.Field]; ok {
			continue
		}
		seen[it.Field] = struct{}{}
		out = append(out, it.Field)
	}
	return out
}

func (v PolicyValidation) Err() error {
	if v.Valid {
		return nil
	}
	msgs := make([]string, 0, len(v.Violations))
	for _, it := range v.Violations {
		msgs = append(msgs, it.Message)
	}
	return apperr.Policy(strings.Join(msgs, "; "), v.Fields()...)
}

type canonicalPolicy struct {
	Version              int      `json:"v"`
	MerchantID           string   `json:"merchant_id"`
	MaxSlippageBps       int      `json:"max_slippage_bps"`
	ProtectedMode        bool     `json:"protected_mode"`
	ProtectedSlippageBps int      `json:"protected_slippage_bps"`
	MaxPriceImpactBps    int      `json:"max_price_impact_bps"`
	MaxHops              int      `json:"max_hops"`
	AllowedAssets        []string `json:"allowed_assets"`
	DeniedAssets         []string `json:"denied_assets"`
}

// HashPolicy returns a deterministic digest of the policy limits. Asset lists
// are de-duplicated and sorted, so their order never changes the hash.
func HashPolicy(p models.MerchantPolicy) string {
	c := canonicalPolicy{
		Version:              policyCanonicalVersion,
		MerchantID:           p.MerchantID,
		MaxSlippageBps:       p.MaxSlippageBps,
		ProtectedMode:        p.ProtectedMode,
		ProtectedSlippageBps: p.ProtectedSlippageBps,
		MaxPriceImpactBps:    p.MaxPriceImpactBps,
		MaxHops:              p.MaxHops,
		AllowedAssets:        sortedUnique(p.AllowedAssets),
		DeniedAssets:         sortedUnique(p.DeniedAssets),
	}
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return policyHashPrefix + hex.EncodeToString(sum[:])
}

func sortedUnique(items []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}

// ValidateAgainstPolicy checks every leg of plan and reports every violation.
func ValidateAgainstPolicy(plan models.Plan, policy models.MerchantPolicy) PolicyValidation {
	slippage := policy.EffectiveSlippageBps()
	allowed := toSet(policy.AllowedAssets)
	denied := toSet(policy.DeniedAssets)

	var out []PolicyViolation
	for _, leg := range plan.Legs {
		if leg.ToleranceBps > slippage {
			out = append(out, PolicyViolation{
				Field:    "slippage_bps",
				LegIndex: leg.Index,
				Limit:    fmt.Sprintf("%d", slippage),
				Actual:   fmt.Sprintf("%d", leg.ToleranceBps),
				Message:  fmt.Sprintf("leg %d: slippage tolerance %d bps exceeds %d bps", leg.Index, leg.ToleranceBps, slippage),
			})
		}
		if policy.MaxPriceImpactBps > 0 && leg.PriceImpactBps > policy.MaxPriceImpactBps {
			out = append(out, PolicyViolation{
				Field:    "price_impact_bps",
				LegIndex: leg.Index,
				Limit:    fmt.Sprintf("%d", policy.MaxPriceImpactBps),
				Actual:   fmt.Sprintf("%d", leg.PriceImpactBps),
				Message:  fmt.Sprintf("leg %d: price impact %d bps exceeds %d bps", leg.Index, leg.PriceImpactBps, policy.MaxPriceImpactBps),
			})
		}
		if hops := leg.Route.HopCount(); policy.MaxHops > 0 && hops > policy.MaxHops {
			out = append(out, PolicyViolation{
				Field:    "max_hops",
				LegIndex: leg.Index,
				Limit:    fmt.Sprintf("%d", policy.MaxHops),
				Actual:   fmt.Sprintf("%d", hops),
				Message:  fmt.Sprintf("leg %d: route has %d hops, limit %d", leg.Index, hops, policy.MaxHops),
			})
		}
		assets := append([]string{leg.SourceAsset}, leg.Route.Assets()...)
		for _, asset := range sortedUnique(assets) {
			if _, ok := denied[asset]; ok {
				out = append(out, PolicyViolation{
					Field:    "denied_assets",
					LegIndex: leg.Index,
					Actual:   asset,
					Message:  fmt.Sprintf("leg %d: asset %s is denied", leg.Index, asset),
				})
			}
			if len(allowed) > 0 && asset != plan.SettleAsset {
				if _, ok := allowed[asset]; !ok {
					out = append(out, PolicyViolation{
						Field:    "allowed_assets",
						LegIndex: leg.Index,
						Actual:   asset,
						Message:  fmt.Sprintf("leg %d: asset %s is not allowed", leg.Index, asset),
					})
				}
			}
		}
	}
	return PolicyValidation{Valid: len(out) == 0, Violations: out}
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out[it] = struct{}{}
		}
	}
	return out
}

// AssessRisk tiers the plan by its longest route and flags MEV exposure.
func AssessRisk(plan models.Plan) models.RiskAssessment {
	maxHops := 0
	warnings := []string{}
	for _, leg := range plan.Legs {
		hops := leg.Route.HopCount()
		if hops > maxHops {
			maxHops = hops
		}
		if hops >= mevHopThreshold {
			warnings = append(warnings, fmt.Sprintf("leg %d: %d-hop route has elevated MEV exposure", leg.Index, hops))
		}
		if leg.PriceImpactBps >= priceImpactWarnBps {
			pct := decimal.NewFromInt(int64(leg.PriceImpactBps)).Div(decimal.NewFromInt(100))
			warnings = append(warnings, fmt.Sprintf("leg %d: price impact %s%%", leg.Index, pct.StringFixed(2)))
		}
	}
	complexity := ComplexityLow
	switch {
	case maxHops >= mevHopThreshold:
		complexity = ComplexityHigh
	case maxHops >= 2:
		complexity = ComplexityMedium
	}
	return models.RiskAssessment{Complexity: complexity, MaxHops: maxHops, Warnings: warnings}
}

// PolicyService manages merchant policies.
type PolicyService struct {
	Repo     repository.PolicyRepository
	Validate *validator.Validate
}

// Get returns the merchant's stored policy or the defaults.
func (s *PolicyService) Get(ctx context.Context, merchantID string) (models.MerchantPolicy, error) {
	if s == nil {
		return models.DefaultPolicy(merchantID), nil
	}
	return policyFor(ctx, s.Repo, merchantID, nil)
}

func (s *PolicyService) Upsert(ctx context.Context, item models.MerchantPolicy) (*models.MerchantPolicy, error) {
	if s == nil || s.Repo == nil {
		return nil, apperr.Transient("", "policy store unavailable", nil)
	}
	item.MerchantID = strings.TrimSpace(item.MerchantID)
	if item.MerchantID == "" {
		return nil, apperr.Validation("", "merchant id is required", "merchant_id")
	}
	if item.MaxHops == 0 {
		item.MaxHops = models.DefaultMaxHops
	}
	if err := validatorOrDefault(s.Validate).Struct(item); err != nil {
		return nil, validationError(err)
	}
	if item.ProtectedSlippageBps == 0 {
		item.ProtectedSlippageBps = models.DefaultProtectedSlippageBps
	}
	item.AllowedAssets = sortedUnique(item.AllowedAssets)
	item.DeniedAssets = sortedUnique(item.DeniedAssets)
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.UpdatedAt = time.Now().UTC()
	if err := s.Repo.UpsertMerchantPolicy(ctx, &item); err != nil {
		return nil, err
	}
	return s.Repo.GetMerchantPolicy(ctx, item.MerchantID)
}

func policyFor(ctx context.Context, repo repository.PolicyRepository, merchantID string, policyID *string) (models.MerchantPolicy, error) {
	if repo == nil {
		return models.DefaultPolicy(merchantID), nil
	}
	if policyID != nil && strings.TrimSpace(*policyID) != "" {
		p, err := repo.GetMerchantPolicyByID(ctx, strings.TrimSpace(*policyID))
		if err != nil {
			return models.MerchantPolicy{}, err
		}
		if p != nil {
			return *p, nil
		}
	}
	p, err := repo.GetMerchantPolicy(ctx, merchantID)
	if err != nil {
		return models.MerchantPolicy{}, err
	}
	if p == nil {
		return models.DefaultPolicy(merchantID), nil
	}
	return *p, nil
}
