package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// publishEvent publishes a domain event on bus when one is configured.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, agentID, threadID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		AgentID:   agentID,
		ThreadID:  threadID,
		Payload:   raw,
	})
}
