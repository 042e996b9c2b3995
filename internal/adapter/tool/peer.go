package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
)

const defaultAskTimeout = 2 * time.Minute

// ListAgentsTool lists the agents currently online on the bridge.
type ListAgentsTool struct {
	logger *slog.Logger
}

// NewListAgentsTool creates the list_agents tool.
func NewListAgentsTool(logger *slog.Logger) *ListAgentsTool {
	return &ListAgentsTool{logger: logger}
}

func (t *ListAgentsTool) Name() string        { return "list_agents" }
func (t *ListAgentsTool) Description() string { return "List the other agents that are online right now." }

func (t *ListAgentsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

// Execute implements domain.Tool.
func (t *ListAgentsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_agents", t.logger, params,
		func(ctx context.Context, span trace.Span, _ struct{}) (any, error) {
			ec, err := execContext(ctx)
			if err != nil {
				return nil, err
			}
			if ec.Bridge == nil {
				return nil, fmt.Errorf("%w: no network bridge", domain.ErrInvalidInput)
			}
			agents, err := ec.Bridge.ListOnlineAgents(ctx)
			if err != nil {
				return nil, domain.WrapOp("list agents", err)
			}
			sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

			var b strings.Builder
			for _, a := range agents {
				if a.ID == ec.AgentID {
					continue
				}
				fmt.Fprintf(&b, "- %s (%s)", a.ID, a.Name)
				if len(a.Capabilities) > 0 {
					fmt.Fprintf(&b, ": %s", strings.Join(a.Capabilities, ", "))
				}
				b.WriteByte('\n')
			}
			span.SetAttributes(tracer.IntAttr("tool.online_agents", len(agents)))
			if b.Len() == 0 {
				return "No other agents are online.", nil
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	)
}

// AskAgentTool sends a question to another agent and waits for its reply.
type AskAgentTool struct {
	logger *slog.Logger
}

// NewAskAgentTool creates the ask_agent tool.
func NewAskAgentTool(logger *slog.Logger) *AskAgentTool {
	return &AskAgentTool{logger: logger}
}

func (t *AskAgentTool) Name() string { return "ask_agent" }
func (t *AskAgentTool) Description() string {
	return "Ask another agent a question on a private thread and wait for its answer."
}

func (t *AskAgentTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "description": "Agent to ask"},
				"message": {"type": "string", "description": "The question"},
				"round": {"type": "integer", "minimum": 1, "description": "Conversation round with this agent (default 1)"},
				"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
			},
			"required": ["agent_id", "message"]
		}`),
	}
}

type askParams struct {
	AgentID        string `json:"agent_id"`
	Message        string `json:"message"`
	Round          int    `json:"round"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Execute implements domain.Tool.
func (t *AskAgentTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.ask_agent", t.logger, params,
		func(ctx context.Context, span trace.Span, p askParams) (any, error) {
			ec, err := execContext(ctx)
			if err != nil {
				return nil, err
			}
			if err := ValidateAll(
				RequireField("agent_id", p.AgentID),
				RequireField("message", p.Message),
			); err != nil {
				return nil, err
			}
			if p.AgentID == ec.AgentID {
				return nil, fmt.Errorf("cannot ask yourself")
			}
			if ec.Bridge == nil {
				return nil, fmt.Errorf("%w: no network bridge", domain.ErrInvalidInput)
			}

			timeout := defaultAskTimeout
			if p.TimeoutSeconds > 0 {
				timeout = time.Duration(p.TimeoutSeconds) * time.Second
			}
			threadID := domain.PeerThreadID(ec.ThreadID, ec.AgentID, p.AgentID, p.Round)
			span.SetAttributes(
				tracer.StringAttr("tool.target_agent", p.AgentID),
				tracer.StringAttr("tool.peer_thread", threadID),
			)

			reply, err := ec.Bridge.Request(ctx, domain.OutboundMessage{
				From:     ec.AgentID,
				To:       p.AgentID,
				ThreadID: threadID,
				Payload:  domain.NewChat(p.Message),
				Timeout:  timeout,
			})
			if errors.Is(err, domain.ErrDeliveryTimeout) {
				return nil, fmt.Errorf("%s did not answer within %v", p.AgentID, timeout)
			}
			if err != nil {
				return nil, domain.WrapOp("ask "+p.AgentID, err)
			}
			return reply.Text(), nil
		},
	)
}

var (
	_ domain.Tool = (*ListAgentsTool)(nil)
	_ domain.Tool = (*AskAgentTool)(nil)
)
