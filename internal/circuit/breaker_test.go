package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flowmint/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clock *fakeClock, cfg Config) *Registry {
	r := NewRegistry(nil, map[ResourceType]Config{ResourceVenue: cfg})
	r.Now = clock.Now
	return r
}

func TestConsecutiveFailuresOpenCircuit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock, Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: 10 * time.Second})

	for i := 0; i < 2; i++ {
		r.RecordFailure(ResourceVenue, "jupiter", "boom")
	}
	if got := r.Get(ResourceVenue, "jupiter").State(); got != StateClosed {
		t.Fatalf("state=%s want=closed", got)
	}
	r.RecordFailure(ResourceVenue, "jupiter", "boom")
	if got := r.Get(ResourceVenue, "jupiter").State(); got != StateOpen {
		t.Fatalf("state=%s want=open", got)
	}
	if r.IsAllowed(ResourceVenue, "jupiter") {
		t.Fatalf("open circuit allowed a call before timeout")
	}
}

func TestSingleTrialAfterTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock, Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 10 * time.Second})
	r.RecordFailure(ResourceVenue, "jupiter", "a")
	r.RecordFailure(ResourceVenue, "jupiter", "b")

	clock.Advance(10 * time.Second)
	if !r.IsAllowed(ResourceVenue, "jupiter") {
		t.Fatalf("trial not admitted after timeout")
	}
	if got := r.Get(ResourceVenue, "jupiter").State(); got != StateHalfOpen {
		t.Fatalf("state=%s want=half-open", got)
	}
	for i := 0; i < 3; i++ {
		if r.IsAllowed(ResourceVenue, "jupiter") {
			t.Fatalf("second call admitted while trial outstanding")
		}
	}
	r.RecordSuccess(ResourceVenue, "jupiter")
	if got := r.Get(ResourceVenue, "jupiter").State(); got != StateClosed {
		t.Fatalf("state=%s want=closed", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock, Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})
	r.RecordFailure(ResourceVenue, "v", "x")
	clock.Advance(time.Second)
	if !r.IsAllowed(ResourceVenue, "v") {
		t.Fatalf("trial not admitted")
	}
	r.RecordSuccess(ResourceVenue, "v")
	if got := r.Get(ResourceVenue, "v").State(); got != StateHalfOpen {
		t.Fatalf("state=%s want=half-open until success threshold", got)
	}
	if !r.IsAllowed(ResourceVenue, "v") {
		t.Fatalf("next trial not admitted")
	}
	r.RecordFailure(ResourceVenue, "v", "y")
	if got := r.Get(ResourceVenue, "v").State(); got != StateOpen {
		t.Fatalf("state=%s want=open", got)
	}
}

func TestFailureRateUsesSlidingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock, Config{
		FailureThreshold:     100,
		SuccessThreshold:     1,
		Timeout:              time.Second,
		MonitoringWindow:     10 * time.Second,
		FailureRateThreshold: 0.5,
		MinimumRequests:      4,
	})
	// Old failures age out of the window.
	for i := 0; i < 3; i++ {
		r.RecordFailure(ResourceVenue, "v", "old")
	}
	for i := 0; i < 3; i++ {
		r.RecordSuccess(ResourceVenue, "v")
	}
	clock.Advance(11 * time.Second)
	r.RecordSuccess(ResourceVenue, "v")
	r.RecordSuccess(ResourceVenue, "v")
	r.RecordFailure(ResourceVenue, "v", "new")
	if got := r.Get(ResourceVenue, "v").State(); got != StateClosed {
		t.Fatalf("state=%s want=closed (1/3 in window)", got)
	}
	r.RecordFailure(ResourceVenue, "v", "new")
	if got := r.Get(ResourceVenue, "v").State(); got != StateOpen {
		t.Fatalf("state=%s want=open (2/4 in window)", got)
	}
}

func TestExecuteFailsFastWhenOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	upstream := errors.New("upstream 502")
	err := r.Execute(context.Background(), ResourceVenue, "v", func(context.Context) error { return upstream })
	if !errors.Is(err, upstream) {
		t.Fatalf("err=%v want=%v", err, upstream)
	}
	called := false
	err = r.Execute(context.Background(), ResourceVenue, "v", func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("operation invoked while circuit open")
	}
	if !apperr.IsKind(err, apperr.KindCircuitOpen) {
		t.Fatalf("err=%v want circuit-open", err)
	}
}

func TestExecuteIgnoresValidationErrors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	_ = r.Execute(context.Background(), ResourceVenue, "v", func(context.Context) error {
		return apperr.Validation("", "bad mint")
	})
	if got := r.Get(ResourceVenue, "v").State(); got != StateClosed {
		t.Fatalf("state=%s want=closed", got)
	}
}

func TestPerTypeDefaults(t *testing.T) {
	venue := DefaultConfig(ResourceVenue)
	endpoint := DefaultConfig(ResourceEndpoint)
	if endpoint.FailureThreshold >= venue.FailureThreshold {
		t.Fatalf("endpoint threshold=%d should be below venue=%d", endpoint.FailureThreshold, venue.FailureThreshold)
	}
	if endpoint.Timeout >= venue.Timeout {
		t.Fatalf("endpoint timeout=%s should be below venue=%s", endpoint.Timeout, venue.Timeout)
	}
}

func TestRegistryResetAndSnapshot(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	var changes []StateChange
	r.OnStateChange = func(c StateChange) { changes = append(changes, c) }

	r.RecordFailure(ResourceVenue, "b", "x")
	r.RecordSuccess(ResourceEndpoint, "a")
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != "endpoint:a" || snap[1].ID != "venue:b" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap[1].State != StateOpen {
		t.Fatalf("state=%s want=open", snap[1].State)
	}
	if !r.Reset("venue:b") {
		t.Fatalf("reset known circuit=false")
	}
	if r.Reset("venue:missing") {
		t.Fatalf("reset unknown circuit=true")
	}
	if got := r.Get(ResourceVenue, "b").State(); got != StateClosed {
		t.Fatalf("state=%s want=closed", got)
	}
	if len(changes) != 2 || changes[0].To != StateOpen || changes[1].To != StateClosed {
		t.Fatalf("changes=%+v", changes)
	}
	r.ResetAll()
	if len(r.Snapshot()) != 0 {
		t.Fatalf("ResetAll left circuits behind")
	}
}
