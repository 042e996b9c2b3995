package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// Default breaker settings.
const (
	DefaultFailureThreshold uint32        = 5
	DefaultCooldown         time.Duration = 30 * time.Second
)

// BreakerSettings configures one circuit breaker.
type BreakerSettings struct {
	FailureThreshold uint32        // consecutive failures that open the circuit
	Cooldown         time.Duration // time spent open before a probe is allowed
	// OnStateChange is called after every transition, in addition to logging.
	OnStateChange func(label, from, to string)
}

// CircuitOpenError is returned while a circuit refuses calls. It matches
// domain.ErrCircuitOpen with errors.Is.
type CircuitOpenError struct {
	Label     string
	Remaining time.Duration // cooldown left; 0 while a half-open probe is in flight
}

func (e *CircuitOpenError) Error() string {
	if e.Remaining <= 0 {
		return fmt.Sprintf("circuit %q open: probe in progress", e.Label)
	}
	return fmt.Sprintf("circuit %q open: retry in %s", e.Label, e.Remaining.Round(time.Millisecond))
}

// Is reports whether target is domain.ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool { return target == domain.ErrCircuitOpen }

// CircuitBreaker guards calls to one remote endpoint. Closed passes calls
// through and counts consecutive failures; at the threshold it opens and
// fails fast. After the cooldown the next call becomes a single probe: its
// success closes the circuit, its failure reopens it.
type CircuitBreaker struct {
	label    string
	cooldown time.Duration
	cb       *gobreaker.CircuitBreaker[any]

	mu       sync.Mutex
	openedAt time.Time
}

// NewCircuitBreaker creates a breaker for label. Zero settings use defaults.
func NewCircuitBreaker(label string, s BreakerSettings, logger *slog.Logger) *CircuitBreaker {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	cooldown := s.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	b := &CircuitBreaker{label: label, cooldown: cooldown}
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        label,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
			if logger != nil {
				logger.Warn("circuit breaker state change",
					"label", name,
					"from", from.String(),
					"to", to.String(),
				)
			}
			if s.OnStateChange != nil {
				s.OnStateChange(name, from.String(), to.String())
			}
		},
		IsSuccessful: func(err error) bool { return !tripsBreaker(err) },
	})
	return b
}

// Label returns the endpoint label this breaker guards.
func (b *CircuitBreaker) Label() string { return b.label }

// State returns "closed", "open" or "half-open".
func (b *CircuitBreaker) State() string { return b.cb.State().String() }

// ConsecutiveFailures returns the current failure streak.
func (b *CircuitBreaker) ConsecutiveFailures() uint32 { return b.cb.Counts().ConsecutiveFailures }

// Remaining returns the cooldown left while open.
func (b *CircuitBreaker) Remaining() time.Duration {
	b.mu.Lock()
	opened := b.openedAt
	b.mu.Unlock()
	if opened.IsZero() || b.cb.State() != gobreaker.StateOpen {
		return 0
	}
	left := b.cooldown - time.Since(opened)
	if left < 0 {
		return 0
	}
	return left
}

// Execute runs op through the breaker.
func (b *CircuitBreaker) Execute(op func() error) error {
	_, err := Call(b, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

func (b *CircuitBreaker) openError() error {
	return &CircuitOpenError{Label: b.label, Remaining: b.Remaining()}
}

// Call runs op through b. A nil breaker runs op directly.
func Call[T any](b *CircuitBreaker, op func() (T, error)) (T, error) {
	if b == nil {
		return op()
	}
	var zero T
	res, err := b.cb.Execute(func() (any, error) {
		v, err := op()
		return v, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, b.openError()
		}
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// tripsBreaker reports whether err counts against the endpoint. A caller
// cancelling or a request the endpoint rejected as invalid says nothing
// about its health.
func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Category != CategoryPermanent
}
