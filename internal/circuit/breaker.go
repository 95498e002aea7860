package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"flowmint/internal/apperr"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

type ResourceType string

const (
	ResourceVenue    ResourceType = "venue"
	ResourceEndpoint ResourceType = "endpoint"
	ResourceToken    ResourceType = "token"
	ResourceRoute    ResourceType = "route"
)

type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// SuccessThreshold is the trial success count that closes a half-open circuit.
	SuccessThreshold int `mapstructure:"success_threshold"`
	// Timeout is how long the circuit stays open before admitting a trial.
	Timeout time.Duration `mapstructure:"timeout"`
	// MonitoringWindow bounds the samples used for the failure rate.
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
	// FailureRateThreshold in [0,1]; zero disables rate tripping.
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold"`
	// MinimumRequests is the window sample count required before the rate applies.
	MinimumRequests int `mapstructure:"minimum_requests"`
}

// DefaultConfig returns per-type defaults. Endpoints trip and recover faster
// than venues.
func DefaultConfig(t ResourceType) Config {
	switch t {
	case ResourceEndpoint:
		return Config{
			FailureThreshold:     3,
			SuccessThreshold:     1,
			Timeout:              15 * time.Second,
			MonitoringWindow:     30 * time.Second,
			FailureRateThreshold: 0.5,
			MinimumRequests:      6,
		}
	case ResourceToken, ResourceRoute:
		return Config{
			FailureThreshold:     4,
			SuccessThreshold:     2,
			Timeout:              20 * time.Second,
			MonitoringWindow:     60 * time.Second,
			FailureRateThreshold: 0.6,
			MinimumRequests:      10,
		}
	default:
		return Config{
			FailureThreshold:     5,
			SuccessThreshold:     2,
			Timeout:              30 * time.Second,
			MonitoringWindow:     60 * time.Second,
			FailureRateThreshold: 0.5,
			MinimumRequests:      10,
		}
	}
}

func (c Config) withDefaults(t ResourceType) Config {
	d := DefaultConfig(t)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = d.MonitoringWindow
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = d.MinimumRequests
	}
	return c
}

type Stats struct {
	ID                   string       `json:"id"`
	Type                 ResourceType `json:"type"`
	Name                 string       `json:"name"`
	State                State        `json:"state"`
	WindowFailures       int          `json:"window_failures"`
	WindowSuccesses      int          `json:"window_successes"`
	FailureRate          float64      `json:"failure_rate"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	TotalRejections      int64        `json:"total_rejections"`
	LastFailure          string       `json:"last_failure,omitempty"`
	LastStateChange      time.Time    `json:"last_state_change"`
	Config               Config       `json:"config"`
}

type StateChange struct {
	ID     string
	Type   ResourceType
	Name   string
	From   State
	To     State
	At     time.Time
	Reason string
}

type sample struct {
	at     time.Time
	failed bool
}

// Breaker is the fault-isolation state machine for one resource.
type Breaker struct {
	id     string
	typ    ResourceType
	name   string
	config Config
	now    func() time.Time
	notify func(StateChange)

	mu                   sync.Mutex
	state                State
	window               []sample
	consecutiveFailures  int
	consecutiveSuccesses int
	trialInFlight        bool
	lastStateChange      time.Time
	lastFailure          string
	rejections           int64
}

func newBreaker(t ResourceType, name string, cfg Config, now func() time.Time, notify func(StateChange)) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		id:              ID(t, name),
		typ:             t,
		name:            name,
		config:          cfg.withDefaults(t),
		now:             now,
		notify:          notify,
		state:           StateClosed,
		lastStateChange: now(),
	}
}

// ID is the composite circuit key.
func ID(t ResourceType, name string) string {
	return string(t) + ":" + name
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. Once the open timeout has elapsed
// it admits exactly one trial and moves to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var change *StateChange
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.lastStateChange) >= b.config.Timeout {
			change = b.transitionLocked(StateHalfOpen, "open timeout elapsed")
			b.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}
	if !allowed {
		b.rejections++
	}
	b.mu.Unlock()
	b.emit(change)
	return allowed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	now := b.now()
	b.record(now, false)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	var change *StateChange
	if b.state == StateHalfOpen {
		b.trialInFlight = false
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			change = b.transitionLocked(StateClosed, "trial succeeded")
			b.window = nil
		}
	}
	b.mu.Unlock()
	b.emit(change)
}

func (b *Breaker) RecordFailure(detail string) {
	b.mu.Lock()
	now := b.now()
	b.record(now, true)
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.lastFailure = detail
	var change *StateChange
	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			change = b.transitionLocked(StateOpen, "consecutive failures")
		} else if rate, n := b.failureRateLocked(now); b.config.FailureRateThreshold > 0 &&
			n >= b.config.MinimumRequests && rate >= b.config.FailureRateThreshold {
			change = b.transitionLocked(StateOpen, "failure rate")
		}
	case StateHalfOpen:
		b.trialInFlight = false
		change = b.transitionLocked(StateOpen, "trial failed")
	}
	b.mu.Unlock()
	b.emit(change)
}

// release frees a half-open trial slot without recording an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// Execute runs op if the circuit allows it and records the outcome. Caller
// cancellations, input errors and nested open circuits do not count against
// the resource.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !b.Allow() {
		return apperr.CircuitOpen(b.id)
	}
	err := op(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled), apperr.IsKind(err, apperr.KindCircuitOpen):
		b.release()
	case apperr.IsKind(err, apperr.KindValidation), apperr.IsKind(err, apperr.KindPolicy):
		b.RecordSuccess()
	default:
		b.RecordFailure(err.Error())
	}
	return err
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	var change *StateChange
	if b.state != StateClosed {
		change = b.transitionLocked(StateClosed, "reset")
	}
	b.window = nil
	b.trialInFlight = false
	b.lastFailure = ""
	b.rejections = 0
	b.mu.Unlock()
	b.emit(change)
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.pruneLocked(now)
	failures := 0
	for _, s := range b.window {
		if s.failed {
			failures++
		}
	}
	rate, _ := b.failureRateLocked(now)
	return Stats{
		ID:                   b.id,
		Type:                 b.typ,
		Name:                 b.name,
		State:                b.state,
		WindowFailures:       failures,
		WindowSuccesses:      len(b.window) - failures,
		FailureRate:          rate,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalRejections:      b.rejections,
		LastFailure:          b.lastFailure,
		LastStateChange:      b.lastStateChange,
		Config:               b.config,
	}
}

func (b *Breaker) record(now time.Time, failed bool) {
	b.window = append(b.window, sample{at: now, failed: failed})
	b.pruneLocked(now)
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringWindow)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) failureRateLocked(now time.Time) (float64, int) {
	b.pruneLocked(now)
	if len(b.window) == 0 {
		return 0, 0
	}
	failures := 0
	for _, s := range b.window {
		if s.failed {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window)), len(b.window)
}

func (b *Breaker) transitionLocked(to State, reason string) *StateChange {
	from := b.state
	b.state = to
	b.lastStateChange = b.now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	return &StateChange{
		ID:     b.id,
		Type:   b.typ,
		Name:   b.name,
		From:   from,
		To:     to,
		At:     b.lastStateChange,
		Reason: reason,
	}
}

func (b *Breaker) emit(change *StateChange) {
	if change == nil || b.notify == nil {
		return
	}
	b.notify(*change)
}
