// Package jupiter implements venue.Venue over the Jupiter swap aggregator API.
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"flowmint/internal/apperr"
	"flowmint/internal/models"
	"flowmint/internal/venue"
)

const (
	DefaultBaseURL  = "https://quote-api.jup.ag/v6"
	defaultQuoteTTL = 30 * time.Second
	venueName       = "jupiter"
)

type Client struct {
	host       string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	quoteTTL   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// RatePerSecond caps outbound calls; zero disables limiting.
	RatePerSecond float64
	Burst         int
	QuoteTTL      time.Duration
	Logger        *zap.Logger
}

// APIError is a non-2xx response from Jupiter.
type APIError struct {
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("jupiter API error (%d) %s: %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("jupiter API error (%d): %s", e.Status, e.Body)
}

func (e *APIError) HTTPStatus() int {
	return e.Status
}

func NewClient(opts Options) *Client {
	host := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if host == "" {
		host = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	ttl := opts.QuoteTTL
	if ttl <= 0 {
		ttl = defaultQuoteTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		host:       host,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		limiter:    limiter,
		quoteTTL:   ttl,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *Client) Name() string { return venueName }

func (c *Client) Quote(ctx context.Context, req venue.QuoteRequest) (*venue.Quote, error) {
	if strings.TrimSpace(req.InputAsset) == "" || strings.TrimSpace(req.OutputAsset) == "" {
		return nil, apperr.Validation(apperr.CodeRouteNotFound, "input and output assets are required")
	}
	if req.Amount.Sign() <= 0 {
		return nil, apperr.Validation(apperr.CodeRouteNotFound, "quote amount must be positive", "amount")
	}
	query := url.Values{}
	query.Set("inputMint", req.InputAsset)
	query.Set("outputMint", req.OutputAsset)
	query.Set("amount", req.Amount.String())
	query.Set("slippageBps", fmt.Sprintf("%d", req.ToleranceBps))
	query.Set("swapMode", "ExactIn")

	body, err := c.doRequest(ctx, http.MethodGet, "/quote", query, nil)
	if err != nil {
		return nil, err
	}
	var raw quoteResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if len(raw.RoutePlan) == 0 {
		return nil, apperr.Validation(apperr.CodeRouteNotFound, fmt.Sprintf("no route from %s to %s", req.InputAsset, req.OutputAsset))
	}
	out, err := models.ParseAmount(raw.OutAmount)
	if err != nil {
		return nil, fmt.Errorf("decode quote outAmount: %w", err)
	}

	route := models.Route{Venue: venueName, Quote: body}
	for _, step := range raw.RoutePlan {
		pool := step.SwapInfo.AmmKey
		if pool == "" {
			pool = step.SwapInfo.Label
		}
		route.Hops = append(route.Hops, models.RouteHop{
			Pool:        pool,
			InputAsset:  step.SwapInfo.InputMint,
			OutputAsset: step.SwapInfo.OutputMint,
		})
	}
	expires := c.now().UTC().Add(c.quoteTTL)
	return &venue.Quote{
		ExpectedOutput: out,
		Route:          route,
		PriceImpactBps: priceImpactBps(raw.PriceImpactPct),
		ExpiresAt:      &expires,
	}, nil
}

// BuildTransaction replays the stored quote against /swap and returns the
// decoded unsigned transaction.
func (c *Client) BuildTransaction(ctx context.Context, route models.Route, payer string) ([]byte, error) {
	if len(route.Quote) == 0 {
		return nil, apperr.StaleQuote("route carries no quote", nil)
	}
	if strings.TrimSpace(payer) == "" {
		return nil, apperr.Validation("", "payer public key is required", "payer")
	}
	reqBody, err := json.Marshal(swapRequest{
		QuoteResponse:           json.RawMessage(route.Quote),
		UserPublicKey:           payer,
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
	})
	if err != nil {
		return nil, err
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/swap", nil, reqBody)
	if err != nil {
		return nil, err
	}
	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode swap: %w", err)
	}
	if resp.SwapTransaction == "" {
		return nil, fmt.Errorf("jupiter returned an empty swap transaction")
	}
	tx, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	return tx, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("jupiter request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: string(body)}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			apiErr.Code = er.ErrorCode
			if er.Error != "" {
				apiErr.Body = er.Error
			}
		}
		return nil, apiErr
	}
	return body, nil
}

// priceImpactBps converts Jupiter's fractional priceImpactPct (0.0012 = 0.12%)
// into basis points, rounding up.
func priceImpactBps(pct string) int {
	d, err := decimal.NewFromString(strings.TrimSpace(pct))
	if err != nil {
		return 0
	}
	bps := d.Abs().Mul(decimal.NewFromInt(10000)).Ceil()
	if bps.GreaterThan(decimal.NewFromInt(10000)) {
		return 10000
	}
	return int(bps.IntPart())
}
