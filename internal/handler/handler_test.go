package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmint/internal/auth"
	"flowmint/internal/chain"
	"flowmint/internal/circuit"
	"flowmint/internal/lock"
	"flowmint/internal/models"
	"flowmint/internal/repository/memory"
	"flowmint/internal/retry"
	"flowmint/internal/service"
	"flowmint/internal/venue"
)

const (
	merchantID = "m-1"
	payerA     = "PayerPubkey111111111111111111111111111111111"
	payerB     = "PayerPubkey222222222222222222222222222222222"
	assetSOL   = "So11111111111111111111111111111111111111112"
	assetBONK  = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

type stubVenue struct{}

func (stubVenue) Name() string { return "stubvenue" }

func (stubVenue) Quote(_ context.Context, req venue.QuoteRequest) (*venue.Quote, error) {
	return &venue.Quote{ExpectedOutput: req.Amount, Route: route(req.InputAsset), PriceImpactBps: 5}, nil
}

func (stubVenue) BuildTransaction(_ context.Context, r models.Route, payer string) ([]byte, error) {
	return []byte("tx:" + r.Hops[0].InputAsset + ":" + payer), nil
}

type stubChain struct {
	mu sync.Mutex
	n  int
}

func (*stubChain) Name() string { return "stubchain" }

func (c *stubChain) Submit(context.Context, []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("sig-%d", c.n), nil
}

func (c *stubChain) Confirm(_ context.Context, req chain.ConfirmRequest) (*chain.Receipt, error) {
	return &chain.Receipt{TxRef: req.TxRef, Confirmed: true, Slot: 42}, nil
}

func route(input string) models.Route {
	return models.Route{
		Venue: "stubvenue",
		Hops:  []models.RouteHop{{Pool: "pool-" + input[:4], InputAsset: input, OutputAsset: models.USDCMainnetMint}},
		Quote: []byte("quote-" + input[:4]),
	}
}

type testServer struct {
	engine   *gin.Engine
	circuits *circuit.Registry
	jwt      auth.JWT
	merchant string
	operator string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := memory.New()
	signer, err := service.NewSigner(service.SchemeEd25519, "")
	require.NoError(t, err)

	settings := &service.SystemSettingsService{Repo: repo}
	locker := lock.NewMemoryLocker()
	invoices := &service.InvoiceService{Repo: repo, Locker: locker, ReservationTTL: 5 * time.Minute}
	attestations := &service.AttestationService{Repo: repo, Signer: signer, VerifyBaseURL: "https://pay.example.com"}
	circuits := circuit.NewRegistry(nil, nil)
	executor := &service.LegExecutor{
		Repo:           repo,
		Invoices:       invoices,
		Attestations:   attestations,
		Venue:          stubVenue{},
		Chain:          &stubChain{},
		Circuits:       circuits,
		Locker:         locker,
		Settings:       settings,
		RetryPolicy:    retry.DefaultPolicy(),
		ConfirmTimeout: time.Second,
	}

	j := auth.JWT{Secret: []byte("test-secret"), TokenTTL: time.Hour}
	merchantAuth := auth.Middleware(j, auth.RoleMerchant, auth.RoleOperator)
	operatorAuth := auth.Middleware(j, auth.RoleOperator)

	engine := gin.New()
	engine.UseRawPath = true
	(&HealthHandler{InMemory: true}).Register(engine)
	(&InvoiceHandler{Invoices: invoices, Attestations: attestations, MerchantAuth: merchantAuth}).Register(engine)
	(&ReservationHandler{Invoices: invoices, Executor: executor}).Register(engine)
	(&AttestationHandler{Attestations: attestations}).Register(engine)
	(&PolicyHandler{Policies: &service.PolicyService{Repo: repo}, MerchantAuth: merchantAuth}).Register(engine)
	(&OperationsHandler{Circuits: circuits, Invoices: invoices, Settings: settings, OperatorAuth: operatorAuth}).Register(engine)

	merchant, _, err := j.Sign(auth.Claims{MerchantID: merchantID, Role: auth.RoleMerchant})
	require.NoError(t, err)
	operator, _, err := j.Sign(auth.Claims{Role: auth.RoleOperator})
	require.NoError(t, err)
	return &testServer{engine: engine, circuits: circuits, jwt: j, merchant: merchant, operator: operator}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (s *testServer) createInvoice(t *testing.T) models.Invoice {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/v1/invoices", s.merchant, map[string]any{
		"settle_asset": models.USDCMainnetMint,
		"amount":       "2000000",
	})
	require.Equal(t, http.StatusCreated, status, env.Message)
	return decode[models.Invoice](t, env)
}

func twoLegs() []models.PlannedLeg {
	return []models.PlannedLeg{
		{
			Index:          0,
			SourceAsset:    assetSOL,
			InputAmount:    models.NewAmount(1_000_000_000),
			ExpectedOutput: models.NewAmount(1_000_000),
			Route:          route(assetSOL),
			ToleranceBps:   50,
			PriceImpactBps: 10,
		},
		{
			Index:          1,
			SourceAsset:    assetBONK,
			InputAmount:    models.NewAmount(1_000_000),
			ExpectedOutput: models.NewAmount(1_000_000),
			Route:          route(assetBONK),
			ToleranceBps:   50,
			PriceImpactBps: 20,
		},
	}
}

func TestPaymentFlow(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice(t)
	assert.Equal(t, merchantID, inv.MerchantID)
	assert.Equal(t, models.InvoicePending, inv.Status)

	status, env := s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/reserve", "", map[string]any{"payer": payerA})
	require.Equal(t, http.StatusOK, status, env.Message)

	status, env = s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/plan", "", map[string]any{
		"payer":    payerA,
		"strategy": models.StrategyMinFailure,
		"legs":     twoLegs(),
	})
	require.Equal(t, http.StatusCreated, status, env.Message)
	view := decode[service.ReservationView](t, env)
	require.NotNil(t, view.Reservation)
	require.Len(t, view.Legs, 2)
	resID := view.Reservation.ID

	var last service.LegResult
	for i := 0; i < 2; i++ {
		status, env = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/reservations/%s/legs/%d/execute", resID, i), "", nil)
		require.Equal(t, http.StatusOK, status, env.Message)
		last = decode[service.LegResult](t, env)
		require.Equal(t, service.LegResultCompleted, last.Status, last.ErrorMessage)
	}
	assert.Equal(t, models.InvoicePaid, last.InvoiceStatus)
	require.NotEmpty(t, last.AttestationID)

	status, env = s.do(t, http.MethodGet, "/api/v1/reservations/"+resID, "", nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[service.ReservationView](t, env)
	assert.Equal(t, 2, got.Reservation.CompletedLegs)

	status, env = s.do(t, http.MethodGet, "/api/v1/invoices/"+inv.ID+"/attestation", "", nil)
	require.Equal(t, http.StatusOK, status)
	att := decode[models.Attestation](t, env)
	assert.Equal(t, last.AttestationID, att.ID)

	status, env = s.do(t, http.MethodGet, "/api/v1/attestations/"+att.ID+"/verify", "", nil)
	require.Equal(t, http.StatusOK, status)
	check := decode[service.VerificationResult](t, env)
	assert.True(t, check.Valid, "%+v", check.Errors)

	status, env = s.do(t, http.MethodGet, "/api/v1/attestations/"+att.ID+"/verify?leg=1", "", nil)
	require.Equal(t, http.StatusOK, status)
	legCheck := decode[service.VerificationResult](t, env)
	assert.True(t, legCheck.Valid)
	require.NotNil(t, legCheck.LegIndex)
	assert.Equal(t, 1, *legCheck.LegIndex)

	status, env = s.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), models.USDCMainnetMint)
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice(t)

	status, env := s.do(t, http.MethodGet, "/api/v1/invoices/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "INVOICE_NOT_FOUND", env.Meta["error_code"])

	status, env = s.do(t, http.MethodPost, "/api/v1/invoices", s.merchant, map[string]any{"settle_asset": models.USDCMainnetMint})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", env.Meta["kind"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/reserve", "", map[string]any{"payer": payerA})
	require.Equal(t, http.StatusOK, status)
	status, env = s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/reserve", "", map[string]any{"payer": payerB})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "RESERVED_BY_ANOTHER_PAYER", env.Meta["error_code"])

	status, env = s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/reserve", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", env.Meta["error_code"])

	status, env = s.do(t, http.MethodPost, "/api/v1/reservations/r-1/legs/x/execute", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodGet, "/api/v1/attestations/a-1/verify?leg=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMerchantScoping(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodPost, "/api/v1/invoices", "", map[string]any{
		"settle_asset": models.USDCMainnetMint,
		"amount":       "10",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/invoices", s.merchant, map[string]any{
		"merchant_id":  "m-2",
		"settle_asset": models.USDCMainnetMint,
		"amount":       "10",
	})
	assert.Equal(t, http.StatusForbidden, status)

	other, _, err := s.jwt.Sign(auth.Claims{MerchantID: "m-2", Role: auth.RoleMerchant})
	require.NoError(t, err)
	inv := s.createInvoice(t)
	status, env := s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/cancel", other, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "INVOICE_NOT_FOUND", env.Meta["error_code"])

	status, env = s.do(t, http.MethodGet, "/api/v1/invoices", other, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, env.Meta["total"])

	status, env = s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/cancel", s.merchant, map[string]any{"reason": "order voided"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.InvoiceCancelled, decode[models.Invoice](t, env).Status)
}

func TestPolicyEndpoints(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodGet, "/api/v1/policies/"+merchantID, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"hash":"sha256:`)

	body := map[string]any{"max_slippage_bps": 100, "max_price_impact_bps": 300, "max_hops": 3}
	status, _ = s.do(t, http.MethodPut, "/api/v1/policies/m-2", s.merchant, body)
	assert.Equal(t, http.StatusForbidden, status)

	status, env = s.do(t, http.MethodPut, "/api/v1/policies/"+merchantID, s.merchant, body)
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.Contains(t, string(env.Data), `"max_slippage_bps":100`)

	status, _ = s.do(t, http.MethodPut, "/api/v1/policies/m-2", s.operator, body)
	assert.Equal(t, http.StatusOK, status)
}

func TestOperationsEndpoints(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 10; i++ {
		s.circuits.RecordFailure(circuit.ResourceRoute, "jupiter/poolA", "timeout")
	}

	status, env := s.do(t, http.MethodGet, "/api/v1/circuits?state=open", "", nil)
	require.Equal(t, http.StatusOK, status)
	open := decode[[]circuit.Stats](t, env)
	require.Len(t, open, 1)
	assert.Equal(t, "route:jupiter/poolA", open[0].ID)

	path := "/api/v1/circuits/route:jupiter%2FpoolA/reset"
	status, _ = s.do(t, http.MethodPost, path, s.merchant, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = s.do(t, http.MethodPost, path, s.operator, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, s.circuits.IsAllowed(circuit.ResourceRoute, "jupiter/poolA"))

	status, _ = s.do(t, http.MethodPost, "/api/v1/circuits/venue:missing/reset", s.operator, nil)
	assert.Equal(t, http.StatusNotFound, status)

	sw := "/api/v1/system-settings/switches/" + service.FeatureLegExecution
	status, _ = s.do(t, http.MethodPut, sw, s.operator, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, status)
	status, env = s.do(t, http.MethodGet, sw, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"enabled":false`)

	status, _ = s.do(t, http.MethodPut, sw, s.operator, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = s.do(t, http.MethodGet, "/api/v1/system-settings/switches/feature.unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = s.do(t, http.MethodPut, "/api/v1/system-settings/switches/feature.unknown", s.operator, map[string]any{"enabled": true})
	assert.Equal(t, http.StatusNotFound, status)

	status, env = s.do(t, http.MethodGet, "/api/v1/system-settings/switches", "", nil)
	require.Equal(t, http.StatusOK, status)
	switches := decode[[]service.Switch](t, env)
	require.Len(t, switches, len(service.DefaultFeatureSwitches()))
	for _, sw := range switches {
		assert.Equal(t, sw.Name != service.FeatureLegExecution, sw.Enabled, sw.Name)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, status)
}
