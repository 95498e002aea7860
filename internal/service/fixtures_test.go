package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"flowmint/internal/apperr"
	"flowmint/internal/chain"
	"flowmint/internal/circuit"
	"flowmint/internal/lock"
	"flowmint/internal/models"
	"flowmint/internal/notify"
	"flowmint/internal/repository/memory"
	"flowmint/internal/retry"
	"flowmint/internal/venue"
)

const (
	testMerchant = "merchant-1"
	testPayer    = "PayerPubkey111111111111111111111111111111111"
	otherPayer   = "PayerPubkey222222222222222222222222222222222"
	assetSOL     = "So11111111111111111111111111111111111111112"
	assetBONK    = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	settleUSDC   = models.USDCMainnetMint
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, evt notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) count(typ notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

type fakeVenue struct {
	mu        sync.Mutex
	quoteErrs []error
	buildErrs []error
	quotes    int
	builds    int
	// requoted output per source asset; defaults to the quoted input.
	outputs map[string]models.Amount
}

func (v *fakeVenue) Name() string { return "fakevenue" }

func (v *fakeVenue) Quote(_ context.Context, req venue.QuoteRequest) (*venue.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quotes++
	if err := pop(&v.quoteErrs); err != nil {
		return nil, err
	}
	out, ok := v.outputs[req.InputAsset]
	if !ok {
		out = req.Amount
	}
	route := directRoute(req.InputAsset, req.OutputAsset)
	route.Quote = []byte(fmt.Sprintf("requote-%d", v.quotes))
	return &venue.Quote{ExpectedOutput: out, Route: route, PriceImpactBps: 5}, nil
}

func (v *fakeVenue) BuildTransaction(_ context.Context, route models.Route, payer string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.builds++
	if err := pop(&v.buildErrs); err != nil {
		return nil, err
	}
	return []byte("tx:" + route.Hops[0].InputAsset + ":" + payer), nil
}

type fakeChain struct {
	mu          sync.Mutex
	submitErrs  []error
	confirmErrs []error
	// receiptErrs are on-chain failure reasons returned by successive confirms.
	receiptErrs []string
	output      *models.Amount
	submitted   [][]byte
	confirms    int
}

func (c *fakeChain) Name() string { return "fakechain" }

func (c *fakeChain) Submit(_ context.Context, tx []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.submitErrs); err != nil {
		return "", err
	}
	c.submitted = append(c.submitted, append([]byte(nil), tx...))
	return fmt.Sprintf("sig-%d", len(c.submitted)), nil
}

func (c *fakeChain) Confirm(_ context.Context, req chain.ConfirmRequest) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms++
	if err := pop(&c.confirmErrs); err != nil {
		return nil, err
	}
	r := &chain.Receipt{TxRef: req.TxRef, Confirmed: true, Slot: uint64(100 + c.confirms), OutputAmount: c.output}
	if len(c.receiptErrs) > 0 {
		r.Err = c.receiptErrs[0]
		c.receiptErrs = c.receiptErrs[1:]
	}
	return r, nil
}

type testEngine struct {
	repo     *memory.Store
	clock    *testClock
	events   *recorder
	venue    *fakeVenue
	chain    *fakeChain
	circuits *circuit.Registry
	locker   *lock.MemoryLocker
	invoices *InvoiceService
	attest   *AttestationService
	exec     *LegExecutor
	settings *SystemSettingsService
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	signer, err := NewSigner(SchemeEd25519, "")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	e := &testEngine{
		repo:   memory.New(),
		clock:  newTestClock(),
		events: &recorder{},
		venue:  &fakeVenue{},
		chain:  &fakeChain{},
		locker: lock.NewMemoryLocker(),
	}
	e.circuits = circuit.NewRegistry(nil, nil)
	e.circuits.Now = e.clock.Now
	e.settings = &SystemSettingsService{Repo: e.repo}
	e.invoices = &InvoiceService{
		Repo:           e.repo,
		Locker:         e.locker,
		Notifier:       e.events,
		ReservationTTL: 5 * time.Minute,
		Now:            e.clock.Now,
	}
	e.attest = &AttestationService{
		Repo:          e.repo,
		Signer:        signer,
		VerifyBaseURL: "https://pay.example.com",
		Now:           e.clock.Now,
	}
	e.exec = &LegExecutor{
		Repo:           e.repo,
		Invoices:       e.invoices,
		Attestations:   e.attest,
		Venue:          e.venue,
		Chain:          e.chain,
		Circuits:       e.circuits,
		Locker:         e.locker,
		Settings:       e.settings,
		Notifier:       e.events,
		RetryPolicy:    retry.Policy{MaxToleranceBps: 300, ToleranceStepBps: 50},
		ConfirmTimeout: time.Second,
		Now:            e.clock.Now,
	}
	return e
}

func directRoute(in, out string) models.Route {
	return models.Route{
		Venue: "fakevenue",
		Hops:  []models.RouteHop{{Pool: "pool-" + in[:4], InputAsset: in, OutputAsset: out}},
		Quote: []byte("quote-" + in[:4]),
	}
}

// twoLegPlan pays 2,000,000 USDC units with 1 SOL and 1,000,000 BONK units.
func twoLegPlan(strategy models.Strategy) PlanRequest {
	return PlanRequest{
		Strategy: strategy,
		Legs: []models.PlannedLeg{
			{
				Index:          0,
				SourceAsset:    assetSOL,
				InputAmount:    models.NewAmount(1_000_000_000),
				ExpectedOutput: models.NewAmount(1_000_000),
				Route:          directRoute(assetSOL, settleUSDC),
				ToleranceBps:   50,
				PriceImpactBps: 10,
			},
			{
				Index:          1,
				SourceAsset:    assetBONK,
				InputAmount:    models.NewAmount(1_000_000),
				ExpectedOutput: models.NewAmount(1_000_000),
				Route:          directRoute(assetBONK, settleUSDC),
				ToleranceBps:   50,
				PriceImpactBps: 20,
			},
		},
	}
}

func (e *testEngine) createInvoice(t *testing.T) *models.Invoice {
	t.Helper()
	inv, err := e.invoices.CreateInvoice(context.Background(), CreateInvoiceParams{
		MerchantID:  testMerchant,
		SettleAsset: settleUSDC,
		Amount:      models.NewAmount(2_000_000),
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

// reservedPlan creates an invoice, reserves it for testPayer and submits req.
func (e *testEngine) reservedPlan(t *testing.T, req PlanRequest) (*models.Invoice, *ReservationView) {
	t.Helper()
	ctx := context.Background()
	inv := e.createInvoice(t)
	if _, err := e.invoices.ReserveForPayer(ctx, inv.ID, testPayer); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	view, err := e.invoices.SubmitPlan(ctx, inv.ID, testPayer, req)
	if err != nil {
		t.Fatalf("submit plan: %v", err)
	}
	return inv, view
}

func (e *testEngine) leg(t *testing.T, reservationID string, index int) *models.PaymentLeg {
	t.Helper()
	leg, err := e.repo.GetLeg(context.Background(), reservationID, index)
	if err != nil || leg == nil {
		t.Fatalf("get leg %d: %v", index, err)
	}
	return leg
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("err=%v want apperr code %s", err, code)
	}
	if ae.Code != code {
		t.Fatalf("code=%s want=%s (%v)", ae.Code, code, err)
	}
}
