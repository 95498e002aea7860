package circuit

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry owns every circuit in the process, keyed by "type:name".
// Breakers are created lazily on first use.
type Registry struct {
	Logger *zap.Logger
	// Configs overrides DefaultConfig per resource type.
	Configs map[ResourceType]Config
	// Now is the clock used by newly created breakers.
	Now func() time.Time
	// OnStateChange is invoked after every transition, outside breaker locks.
	OnStateChange func(StateChange)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(logger *zap.Logger, configs map[ResourceType]Config) *Registry {
	return &Registry{
		Logger:   logger,
		Configs:  configs,
		breakers: map[string]*Breaker{},
	}
}

func (r *Registry) Get(t ResourceType, name string) *Breaker {
	id := ID(t, name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.breakers == nil {
		r.breakers = map[string]*Breaker{}
	}
	if b, ok := r.breakers[id]; ok {
		return b
	}
	cfg := DefaultConfig(t)
	if override, ok := r.Configs[t]; ok {
		cfg = override
	}
	b := newBreaker(t, name, cfg, r.Now, r.handleChange)
	r.breakers[id] = b
	return b
}

func (r *Registry) IsAllowed(t ResourceType, name string) bool {
	return r.Get(t, name).Allow()
}

func (r *Registry) RecordSuccess(t ResourceType, name string) {
	r.Get(t, name).RecordSuccess()
}

func (r *Registry) RecordFailure(t ResourceType, name string, detail string) {
	r.Get(t, name).RecordFailure(detail)
}

func (r *Registry) Execute(ctx context.Context, t ResourceType, name string, op func(context.Context) error) error {
	return r.Get(t, name).Execute(ctx, op)
}

// Snapshot lists every known circuit ordered by id.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	items := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		items = append(items, b)
	}
	r.mu.Unlock()
	out := make([]Stats, 0, len(items))
	for _, b := range items {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset closes the circuit with the given id. It reports false for unknown ids.
func (r *Registry) Reset(id string) bool {
	r.mu.Lock()
	b, ok := r.breakers[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll drops every circuit. Used by tests and operators.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	r.breakers = map[string]*Breaker{}
	r.mu.Unlock()
}

func (r *Registry) handleChange(change StateChange) {
	if r.Logger != nil {
		r.Logger.Info("circuit state change",
			zap.String("circuit", change.ID),
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)),
			zap.String("reason", change.Reason),
		)
	}
	if r.OnStateChange != nil {
		r.OnStateChange(change)
	}
}
