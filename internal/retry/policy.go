package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Strategy is a named backoff profile.
type Strategy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var (
	Fast = Strategy{
		Name:        "fast",
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
	Cautious = Strategy{
		Name:        "cautious",
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    15 * time.Second,
	}
)

// AbsoluteMaxToleranceBps caps any widened tolerance regardless of config.
const AbsoluteMaxToleranceBps = 5000

// State is the per-operation retry bookkeeping.
type State struct {
	Attempts     int          `json:"attempts"`
	Requotes     int          `json:"requotes"`
	Errors       []Classified `json:"errors"`
	ToleranceBps int          `json:"tolerance_bps"`
}

func (s *State) staleCount() int {
	n := 0
	for _, e := range s.Errors {
		if e.Category == CategoryStalePrice {
			n++
		}
	}
	return n
}

type Decision struct {
	Retry   bool          `json:"retry"`
	Delay   time.Duration `json:"delay"`
	Reason  string        `json:"reason"`
	Requote bool          `json:"requote"`
	// ToleranceBps is the tolerance to use on the next attempt.
	ToleranceBps int `json:"tolerance_bps"`
	// Widened is set when ToleranceBps grew relative to the previous attempt.
	Widened bool `json:"widened"`
}

func (d Decision) DelayMs() int64 {
	return d.Delay.Milliseconds()
}

type Policy struct {
	// MaxToleranceBps is the ceiling for widened tolerance.
	MaxToleranceBps int
	// ToleranceStepBps is added per widening.
	ToleranceStepBps int
	// StrictRisk disables tolerance widening.
	StrictRisk bool
	// JitterFraction in [0,1) randomizes delays by +/- that fraction.
	JitterFraction float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxToleranceBps:  300,
		ToleranceStepBps: 50,
	}
}

// ShouldRetry records the failure in st and decides whether to try again.
func (p Policy) ShouldRetry(c Classified, st *State, s Strategy) Decision {
	if st == nil {
		st = &State{}
	}
	st.Attempts++
	st.Errors = append(st.Errors, c)
	d := Decision{ToleranceBps: st.ToleranceBps}

	if !c.Retryable {
		d.Reason = fmt.Sprintf("%s errors are not retried", c.Category)
		return d
	}
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = Fast.MaxAttempts
	}
	if st.Attempts >= maxAttempts {
		d.Reason = fmt.Sprintf("attempts exhausted (%d/%d)", st.Attempts, maxAttempts)
		return d
	}

	d.Retry = true
	d.Delay = p.backoff(st.Attempts, s)
	d.Reason = "retry after " + string(c.Category)
	if c.Category == CategoryRateLimited && d.Delay < 2*s.BaseDelay {
		d.Delay = 2 * s.BaseDelay
	}

	if c.RequiresRequote {
		d.Requote = true
		st.Requotes++
		d.Reason = "requote after stale price"
		if st.staleCount() >= 2 && !p.StrictRisk {
			next := p.widen(st.ToleranceBps)
			if next > st.ToleranceBps {
				d.ToleranceBps = next
				d.Widened = true
				st.ToleranceBps = next
				d.Reason = fmt.Sprintf("requote with tolerance widened to %d bps", next)
			} else {
				d.Reason = "requote at tolerance ceiling"
			}
		}
	}
	return d
}

func (p Policy) widen(current int) int {
	ceiling := p.MaxToleranceBps
	if ceiling <= 0 || ceiling > AbsoluteMaxToleranceBps {
		ceiling = AbsoluteMaxToleranceBps
	}
	step := p.ToleranceStepBps
	if step <= 0 {
		step = 50
	}
	if current >= ceiling {
		return current
	}
	next := current + step
	if next > ceiling {
		next = ceiling
	}
	return next
}

// Backoff returns base*2^(attempt-1) capped at the strategy's MaxDelay.
func (p Policy) backoff(attempt int, s Strategy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := s.BaseDelay
	if base <= 0 {
		base = Fast.BaseDelay
	}
	maxDelay := s.MaxDelay
	if maxDelay <= 0 {
		maxDelay = Fast.MaxDelay
	}
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if p.JitterFraction > 0 && p.JitterFraction < 1 {
		jitter := (rand.Float64()*2 - 1) * p.JitterFraction
		delay = time.Duration(float64(delay) * (1 + jitter))
	}
	return delay
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, the policy stops retrying, or ctx is done.
func (p Policy) Do(ctx context.Context, s Strategy, op func(ctx context.Context, attempt int) error) (State, error) {
	var st State
	for {
		err := op(ctx, st.Attempts+1)
		if err == nil {
			return st, nil
		}
		d := p.ShouldRetry(Classify(err), &st, s)
		if !d.Retry {
			return st, err
		}
		if serr := Sleep(ctx, d.Delay); serr != nil {
			return st, serr
		}
	}
}
