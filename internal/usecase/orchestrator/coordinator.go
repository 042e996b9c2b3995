// Package orchestrator implements the coordination primitives an
// orchestrating agent uses to drive other agents: assign-and-collect over
// peer threads and round-robin debate over a shared debate thread. Both
// observe completion only by polling thread history for done/blocked
// envelopes.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// Config holds the polling knobs. Zero values take the defaults.
type Config struct {
	PollInterval  time.Duration // default 5s
	AssignTimeout time.Duration // default 5m
	TurnTimeout   time.Duration // default 3m
	PollLimit     int           // messages fetched per poll, default 50
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.AssignTimeout <= 0 {
		c.AssignTimeout = 5 * time.Minute
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 3 * time.Minute
	}
	if c.PollLimit <= 0 {
		c.PollLimit = 50
	}
	return c
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLedger records every assign and debate outcome in l.
func WithLedger(l domain.CoordinationLedger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithEventBus publishes a finished event for every assign and debate call.
func WithEventBus(bus domain.EventBus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// Coordinator runs the orchestration primitives against a bridge.
type Coordinator struct {
	bridge domain.NetworkBridge
	cfg    Config
	ledger domain.CoordinationLedger
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Coordinator.
func New(bridge domain.NetworkBridge, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		bridge: bridge,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// errPollTimeout marks a wait that ran out of time without a lifecycle
// envelope.
var errPollTimeout = fmt.Errorf("%w: no done or blocked reply", domain.ErrTimeout)

// waitSpec describes what awaitLifecycle looks for.
type waitSpec struct {
	threadID string
	from     string    // only envelopes sent by this agent count
	afterID  string    // stop scanning at this message id (the dispatch)
	since    time.Time // ignore messages older than this
	timeout  time.Duration
}

// awaitLifecycle polls the thread every PollInterval until a done or blocked
// envelope from w.from appears after the dispatch, or the timeout elapses.
// Poll failures are logged and retried on the next tick.
func (c *Coordinator) awaitLifecycle(ctx context.Context, w waitSpec) (domain.ThreadMessage, domain.ProtocolMessage, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.ThreadMessage{}, domain.ProtocolMessage{}, ctx.Err()
		case <-deadline.C:
			return domain.ThreadMessage{}, domain.ProtocolMessage{}, errPollTimeout
		case <-ticker.C:
		}

		page, err := c.bridge.GetThreadMessages(ctx, w.threadID, domain.ThreadQuery{Limit: c.cfg.PollLimit})
		if err != nil {
			c.logger.Debug("poll thread history failed", "thread_id", w.threadID, "error", err)
			continue
		}
		if msg, env, ok := scanLifecycle(page.Messages, w); ok {
			return msg, env, nil
		}
	}
}

// scanLifecycle walks msgs newest to oldest and returns the first terminal
// envelope sent by w.from. Scanning stops at the dispatch message.
func scanLifecycle(msgs []domain.ThreadMessage, w waitSpec) (domain.ThreadMessage, domain.ProtocolMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if w.afterID != "" && m.ID == w.afterID {
			break
		}
		if !w.since.IsZero() && m.Timestamp.Before(w.since) {
			break
		}
		if m.From != w.from {
			continue
		}
		if env, ok := domain.FindLifecycle(m.Payload); ok {
			return m, env, true
		}
	}
	return domain.ThreadMessage{}, domain.ProtocolMessage{}, false
}

// blockedReason renders a blocked envelope, appending the raw error when
// it adds information.
func blockedReason(env domain.ProtocolMessage) string {
	reason := env.Text
	if detail := env.ErrorDetail(); detail != "" && detail != reason {
		if reason == "" {
			return detail
		}
		reason += " (" + detail + ")"
	}
	return reason
}

func (c *Coordinator) record(ctx context.Context, rec domain.CoordinationRecord) {
	if c.ledger != nil {
		if err := c.ledger.Record(ctx, rec); err != nil {
			c.logger.Warn("record coordination outcome", "kind", rec.Kind, "thread_id", rec.ThreadID, "error", err)
		}
	}
	if c.bus != nil {
		eventType := domain.EventAssignFinished
		if rec.Kind == domain.KindDebate {
			eventType = domain.EventDebateFinished
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			c.logger.Warn("marshal coordination event", "error", err)
			return
		}
		c.bus.Publish(ctx, domain.Event{
			Type:      eventType,
			Timestamp: c.now(),
			ThreadID:  rec.ThreadID,
			Payload:   payload,
		})
	}
}
