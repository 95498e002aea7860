package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"flowmint/internal/retry"
)

const (
	SignatureHeader = "X-FlowMint-Signature"
	EventHeader     = "X-FlowMint-Event"
)

// WebhookNotifier posts events as JSON to a single merchant endpoint from a
// background worker. Deliveries are rate limited and retried with backoff.
type WebhookNotifier struct {
	URL      string
	Secret   string
	HTTP     *http.Client
	Limiter  *rate.Limiter
	Policy   retry.Policy
	Strategy retry.Strategy
	Logger   *zap.Logger
	// Enabled gates delivery at send time; nil means always on.
	Enabled func(ctx context.Context) bool

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

type WebhookOptions struct {
	URL       string
	Secret    string
	Rate      float64
	Burst     int
	Timeout   time.Duration
	QueueSize int
	Logger    *zap.Logger
}

func NewWebhookNotifier(opts WebhookOptions) *WebhookNotifier {
	if opts.Rate <= 0 {
		opts.Rate = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &WebhookNotifier{
		URL:      opts.URL,
		Secret:   opts.Secret,
		HTTP:     &http.Client{Timeout: opts.Timeout},
		Limiter:  rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		Policy:   retry.Policy{JitterFraction: 0.1},
		Strategy: retry.Cautious,
		Logger:   opts.Logger,
		queue:    make(chan Event, opts.QueueSize),
	}
}

// Start runs the delivery worker until ctx is done or Close is called.
func (w *WebhookNotifier) Start(ctx context.Context) {
	if w == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-w.queue:
				if !ok {
					return
				}
				w.deliver(ctx, evt)
			}
		}
	}()
}

// Close stops accepting events and waits for queued ones to drain.
func (w *WebhookNotifier) Close() {
	if w == nil {
		return
	}
	w.once.Do(func() { close(w.queue) })
	w.wg.Wait()
}

func (w *WebhookNotifier) Notify(ctx context.Context, evt Event) {
	if w == nil || w.URL == "" {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	defer func() {
		// Notify after Close is a no-op.
		_ = recover()
	}()
	select {
	case w.queue <- evt:
	default:
		if w.Logger != nil {
			w.Logger.Warn("webhook queue full, event dropped",
				zap.String("event", string(evt.Type)),
				zap.String("invoice_id", evt.InvoiceID),
			)
		}
	}
}

func (w *WebhookNotifier) deliver(ctx context.Context, evt Event) {
	if w.Enabled != nil && !w.Enabled(ctx) {
		return
	}
	st, err := w.Policy.Do(ctx, w.Strategy, func(ctx context.Context, attempt int) error {
		if w.Limiter != nil {
			if err := w.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return w.Send(ctx, evt)
	})
	if err != nil && w.Logger != nil {
		w.Logger.Warn("webhook delivery failed",
			zap.String("event", string(evt.Type)),
			zap.String("invoice_id", evt.InvoiceID),
			zap.Int("attempts", st.Attempts),
			zap.Error(err),
		)
	}
}

// Send posts one event synchronously.
func (w *WebhookNotifier) Send(ctx context.Context, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := w.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(evt.Type))
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.Secret, b))
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type httpError struct {
	StatusCode int
}

func (e *httpError) Error() string {
	return "webhook http status " + http.StatusText(e.StatusCode)
}

func (e *httpError) HTTPStatus() int {
	return e.StatusCode
}
