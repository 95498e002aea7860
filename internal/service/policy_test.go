package service

import (
	"context"
	"strings"
	"testing"

	"flowmint/internal/apperr"
	"flowmint/internal/models"
	"flowmint/internal/repository/memory"
)

func hopRoute(assets ...string) models.Route {
	r := models.Route{Venue: "fakevenue"}
	for i := 0; i+1 < len(assets); i++ {
		r.Hops = append(r.Hops, models.RouteHop{Pool: "p" + assets[i][:2], InputAsset: assets[i], OutputAsset: assets[i+1]})
	}
	return r
}

func TestValidateAgainstPolicyReportsEveryViolation(t *testing.T) {
	policy := models.DefaultPolicy(testMerchant)
	policy.MaxHops = 2
	policy.MaxPriceImpactBps = 100
	policy.DeniedAssets = []string{"SHADY"}

	plan := models.Plan{
		SettleAsset: settleUSDC,
		Legs: []models.PlannedLeg{{
			Index:          0,
			SourceAsset:    assetSOL,
			Route:          hopRoute(assetSOL, "SHADY", assetBONK, settleUSDC),
			ToleranceBps:   250,
			PriceImpactBps: 150,
		}},
	}
	got := ValidateAgainstPolicy(plan, policy)
	if got.Valid {
		t.Fatalf("plan accepted")
	}
	fields := strings.Join(got.Fields(), ",")
	for _, want := range []string{"slippage_bps", "price_impact_bps", "max_hops", "denied_assets"} {
		if !strings.Contains(fields, want) {
			t.Fatalf("fields=%s missing %s", fields, want)
		}
	}
	if !apperr.IsKind(got.Err(), apperr.KindPolicy) {
		t.Fatalf("err kind=%s want policy", apperr.KindOf(got.Err()))
	}
}

func TestValidateAgainstPolicyAllowList(t *testing.T) {
	policy := models.DefaultPolicy(testMerchant)
	policy.AllowedAssets = []string{assetSOL}
	plan := models.Plan{SettleAsset: settleUSDC, Legs: []models.PlannedLeg{
		{Index: 0, SourceAsset: assetSOL, Route: hopRoute(assetSOL, settleUSDC), ToleranceBps: 50},
		{Index: 1, SourceAsset: assetBONK, Route: hopRoute(assetBONK, settleUSDC), ToleranceBps: 50},
	}}
	got := ValidateAgainstPolicy(plan, policy)
	if got.Valid || len(got.Violations) != 1 || got.Violations[0].LegIndex != 1 {
		t.Fatalf("violations=%+v want only leg 1", got.Violations)
	}
}

func TestProtectedModeTightensSlippage(t *testing.T) {
	policy := models.DefaultPolicy(testMerchant)
	plan := models.Plan{SettleAsset: settleUSDC, Legs: []models.PlannedLeg{
		{Index: 0, SourceAsset: assetSOL, Route: hopRoute(assetSOL, settleUSDC), ToleranceBps: 80},
	}}
	if !ValidateAgainstPolicy(plan, policy).Valid {
		t.Fatalf("80 bps rejected under default 100 bps bound")
	}
	policy.ProtectedMode = true
	if ValidateAgainstPolicy(plan, policy).Valid {
		t.Fatalf("80 bps accepted under protected 50 bps bound")
	}
}

func TestHashPolicyIgnoresListOrder(t *testing.T) {
	a := models.DefaultPolicy(testMerchant)
	a.AllowedAssets = []string{assetSOL, assetBONK, settleUSDC}
	a.DeniedAssets = []string{"X", "Y"}
	b := models.DefaultPolicy(testMerchant)
	b.AllowedAssets = []string{settleUSDC, assetBONK, assetSOL, assetSOL}
	b.DeniedAssets = []string{"Y", "X"}
	if HashPolicy(a) != HashPolicy(b) {
		t.Fatalf("hash depends on list order")
	}
	b.MaxHops = 3
	if HashPolicy(a) == HashPolicy(b) {
		t.Fatalf("hash ignores max_hops")
	}
	if !strings.HasPrefix(HashPolicy(a), "sha256:") {
		t.Fatalf("hash=%s", HashPolicy(a))
	}
}

func TestAssessRiskTiers(t *testing.T) {
	cases := []struct {
		route    models.Route
		want     string
		warnings int
	}{
		{hopRoute(assetSOL, settleUSDC), ComplexityLow, 0},
		{hopRoute(assetSOL, assetBONK, settleUSDC), ComplexityMedium, 0},
		{hopRoute(assetSOL, "A1", "B1", "C1", settleUSDC), ComplexityHigh, 1},
	}
	for _, tc := range cases {
		plan := models.Plan{Legs: []models.PlannedLeg{{Index: 0, Route: tc.route}}}
		got := AssessRisk(plan)
		if got.Complexity != tc.want || len(got.Warnings) != tc.warnings {
			t.Fatalf("hops=%d complexity=%s warnings=%v want=%s/%d", tc.route.HopCount(), got.Complexity, got.Warnings, tc.want, tc.warnings)
		}
	}
}

func TestPolicyServiceUpsertAndDefaults(t *testing.T) {
	ctx := context.Background()
	svc := &PolicyService{Repo: memory.New()}

	got, err := svc.Get(ctx, testMerchant)
	if err != nil || got.MaxSlippageBps != models.DefaultSlippageBps {
		t.Fatalf("default policy=%+v err=%v", got, err)
	}
	saved, err := svc.Upsert(ctx, models.MerchantPolicy{
		MerchantID:     testMerchant,
		MaxSlippageBps: 75,
		DeniedAssets:   []string{"Z", "A", "Z"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if saved.MaxHops != models.DefaultMaxHops || strings.Join(saved.DeniedAssets, ",") != "A,Z" {
		t.Fatalf("saved=%+v", saved)
	}
	_, err = svc.Upsert(ctx, models.MerchantPolicy{MerchantID: testMerchant, MaxSlippageBps: 9000})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err=%v want validation", err)
	}
}
