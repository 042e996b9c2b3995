package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// DefaultThread is the thread used when a request names none.
const DefaultThread = "main"

// AskRequest is a question for one of the hosted agents.
type AskRequest struct {
	From     string // defaults to "user"
	ThreadID string // defaults to DefaultThread
	Text     string // may start with @agent
	Timeout  time.Duration
}

// AskResponse is the agent's answer.
type AskResponse struct {
	AgentID   string    `json:"agent_id"`
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Broker sends questions from outside the agent mesh, such as the CLI,
// to the routed agent and waits for its reply.
type Broker struct {
	bridge domain.NetworkBridge
	router *PrefixRouter
	logger *slog.Logger
}

// NewBroker creates a Broker.
func NewBroker(bridge domain.NetworkBridge, router *PrefixRouter, logger *slog.Logger) *Broker {
	return &Broker{bridge: bridge, router: router, logger: logger}
}

// Ask routes req to an agent and returns its reply.
func (b *Broker) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	agentID, body, err := b.router.Route(req.Text)
	if err != nil {
		return nil, fmt.Errorf("broker: route: %w", err)
	}
	if body == "" {
		return nil, fmt.Errorf("%w: empty message for %s", domain.ErrInvalidInput, agentID)
	}
	from := req.From
	if from == "" {
		from = "user"
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = DefaultThread
	}

	b.logger.Info("asking agent", "from", from, "agent_id", agentID, "thread_id", threadID)
	reply, err := b.bridge.Request(ctx, domain.OutboundMessage{
		From:     from,
		To:       agentID,
		ThreadID: threadID,
		Payload:  domain.NewChat(body),
		Timeout:  req.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: agent %q: %w", agentID, err)
	}
	return &AskResponse{
		AgentID:   agentID,
		ThreadID:  threadID,
		MessageID: reply.ID,
		Content:   reply.Text(),
		Timestamp: reply.Timestamp,
	}, nil
}
