package eventbus

import (
	"context"
	"log/slog"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// LogSink returns a handler that writes every event to logger. Problems
// log at warn and coordination results at info; task chatter stays at debug.
func LogSink(logger *slog.Logger) domain.EventHandler {
	return func(ctx context.Context, e domain.Event) {
		level := slog.LevelDebug
		switch e.Type {
		case domain.EventTaskFailed, domain.EventToolLimitReached, domain.EventBreakerChanged:
			level = slog.LevelWarn
		case domain.EventAssignFinished, domain.EventDebateFinished, domain.EventCheckpointWritten:
			level = slog.LevelInfo
		}
		attrs := []any{"event", string(e.Type)}
		if e.AgentID != "" {
			attrs = append(attrs, "agent_id", e.AgentID)
		}
		if e.ThreadID != "" {
			attrs = append(attrs, "thread_id", e.ThreadID)
		}
		if len(e.Payload) > 0 {
			attrs = append(attrs, "payload", string(e.Payload))
		}
		logger.Log(ctx, level, "event", attrs...)
	}
}
