package resilience

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// BreakerRegistry owns one CircuitBreaker per endpoint label. Breakers are
// created lazily on first use and live as long as the registry.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	settings BreakerSettings
	disabled bool
	logger   *slog.Logger
}

// NewBreakerRegistry creates a registry whose breakers share settings.
func NewBreakerRegistry(settings BreakerSettings, logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		settings: settings,
		logger:   logger,
	}
}

// NewDisabledRegistry returns a registry whose Get always yields nil, so
// calls pass straight through.
func NewDisabledRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*CircuitBreaker), disabled: true}
}

// Get returns the breaker for label, creating it on first use.
func (r *BreakerRegistry) Get(label string) *CircuitBreaker {
	if r == nil || r.disabled {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[label]; ok {
		return b
	}
	b := NewCircuitBreaker(label, r.settings, r.logger)
	r.breakers[label] = b
	return b
}

// BreakerStatus is a snapshot of one breaker.
type BreakerStatus struct {
	Label               string        `json:"label"`
	State               string        `json:"state"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	Remaining           time.Duration `json:"remaining"`
}

// Snapshot reports every breaker created so far, sorted by label.
func (r *BreakerRegistry) Snapshot() []BreakerStatus {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, BreakerStatus{
			Label:               b.Label(),
			State:               b.State(),
			ConsecutiveFailures: b.ConsecutiveFailures(),
			Remaining:           b.Remaining(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Policy combines the breaker registry with retry options. Every remote
// call in the process goes through a Policy.
type Policy struct {
	Breakers *BreakerRegistry
	Retry    RetryOptions
}

// Protect runs op under label's breaker, retrying per the policy. When no
// predicate is configured IsRetryable is used, so open circuits are never
// retried. A nil policy runs op once.
func Protect[T any](ctx context.Context, p *Policy, label string, op func(context.Context) (T, error)) (T, error) {
	if p == nil {
		return op(ctx)
	}
	opts := p.Retry
	opts.Label = label
	if opts.Retryable == nil {
		opts.Retryable = IsRetryable
	}
	breaker := p.Breakers.Get(label)
	return Retry(ctx, opts, func(ctx context.Context) (T, error) {
		return Call(breaker, func() (T, error) { return op(ctx) })
	})
}
