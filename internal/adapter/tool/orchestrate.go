package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
	"github.com/OGODEVO/ex-machina/internal/usecase/orchestrator"
)

const maxAssignments = 8

// Coordinator is the subset of the orchestrator the coordination tools use.
type Coordinator interface {
	AssignTasks(ctx context.Context, from, mainThreadID string, assignments []orchestrator.Assignment) []orchestrator.AssignmentResult
	FacilitateDebate(ctx context.Context, req orchestrator.DebateRequest) (*orchestrator.DebateResult, error)
}

// AssignTasksTool fans work out to other agents and collects their results.
type AssignTasksTool struct {
	coord  Coordinator
	logger *slog.Logger
}

// NewAssignTasksTool creates the assign_tasks tool.
func NewAssignTasksTool(coord Coordinator, logger *slog.Logger) *AssignTasksTool {
	return &AssignTasksTool{coord: coord, logger: logger}
}

func (t *AssignTasksTool) Name() string { return "assign_tasks" }
func (t *AssignTasksTool) Description() string {
	return "Assign tasks to other agents in parallel and wait for all of them to report done, blocked or time out."
}

func (t *AssignTasksTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"assignments": {
					"type": "array",
					"minItems": 1,
					"maxItems": 8,
					"items": {
						"type": "object",
						"properties": {
							"agent_id": {"type": "string", "description": "Agent to assign the task to"},
							"instructions": {"type": "string", "description": "What the agent should do"},
							"round": {"type": "integer", "minimum": 1, "description": "Conversation round with this agent (default 1)"}
						},
						"required": ["agent_id", "instructions"]
					}
				}
			},
			"required": ["assignments"]
		}`),
	}
}

type assignParams struct {
	Assignments []orchestrator.Assignment `json:"assignments"`
}

// Execute implements domain.Tool.
func (t *AssignTasksTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.assign_tasks", t.logger, params,
		func(ctx context.Context, span trace.Span, p assignParams) (any, error) {
			ec, err := execContext(ctx)
			if err != nil {
				return nil, err
			}
			if err := RequireField("thread_id", ec.ThreadID); err != nil {
				return nil, err
			}
			if err := ValidateRange("assignments", len(p.Assignments), 1, maxAssignments); err != nil {
				return nil, err
			}
			for i, a := range p.Assignments {
				if err := ValidateAll(
					RequireField(fmt.Sprintf("assignments[%d].agent_id", i), a.AgentID),
					RequireField(fmt.Sprintf("assignments[%d].instructions", i), a.Instructions),
				); err != nil {
					return nil, err
				}
				if a.AgentID == ec.AgentID {
					return nil, fmt.Errorf("assignments[%d]: cannot assign a task to yourself", i)
				}
			}
			span.SetAttributes(tracer.IntAttr("tool.assignments", len(p.Assignments)))

			// Each assignment is bounded by its own timeout, not the caller's task.
			defer ec.HoldDeadline()()
			results := t.coord.AssignTasks(ctx, ec.AgentID, ec.ThreadID, p.Assignments)
			return orchestrator.FormatResults(results), nil
		},
	)
}

// DebateTool runs a round-robin debate between agents.
type DebateTool struct {
	coord  Coordinator
	logger *slog.Logger
}

// NewDebateTool creates the facilitate_debate tool.
func NewDebateTool(coord Coordinator, logger *slog.Logger) *DebateTool {
	return &DebateTool{coord: coord, logger: logger}
}

func (t *DebateTool) Name() string { return "facilitate_debate" }
func (t *DebateTool) Description() string {
	return "Moderate a round-robin debate between 2-4 agents on a topic and return the Markdown transcript."
}

func (t *DebateTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"topic": {"type": "string", "description": "The question or motion to debate"},
				"agents": {"type": "array", "items": {"type": "string"}, "minItems": 2, "maxItems": 4, "description": "Participants in speaking order"},
				"rounds": {"type": "integer", "minimum": 1, "maximum": 5, "description": "Number of rounds (default 2)"}
			},
			"required": ["topic", "agents"]
		}`),
	}
}

type debateParams struct {
	Topic  string   `json:"topic"`
	Agents []string `json:"agents"`
	Rounds int      `json:"rounds"`
}

// Execute implements domain.Tool.
func (t *DebateTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.facilitate_debate", t.logger, params,
		func(ctx context.Context, span trace.Span, p debateParams) (any, error) {
			ec, err := execContext(ctx)
			if err != nil {
				return nil, err
			}
			if p.Rounds == 0 {
				p.Rounds = 2
			}
			span.SetAttributes(
				tracer.IntAttr("tool.debaters", len(p.Agents)),
				tracer.IntAttr("tool.rounds", p.Rounds),
			)

			defer ec.HoldDeadline()()
			res, err := t.coord.FacilitateDebate(ctx, orchestrator.DebateRequest{
				From:     ec.AgentID,
				ThreadID: ec.ThreadID,
				Topic:    p.Topic,
				Agents:   p.Agents,
				Rounds:   p.Rounds,
			})
			if err != nil {
				if res != nil && res.Transcript != "" {
					return res.Transcript + "\n" + err.Error(), nil
				}
				return nil, err
			}
			return res.Transcript, nil
		},
	)
}

var (
	_ domain.Tool = (*AssignTasksTool)(nil)
	_ domain.Tool = (*DebateTool)(nil)
)
