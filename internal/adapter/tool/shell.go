package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
)

const maxShellOutput = 16 * 1024

// ShellConfig configures the shell tool.
type ShellConfig struct {
	AllowedCommands  []string // standard permission allowlist
	ReadOnlyCommands []string // restricted permission allowlist
	WorkDir          string
	// Permissions maps agent id to its shell permission level. Agents not
	// listed have no shell access.
	Permissions map[string]domain.ShellPermission
}

// ShellTool executes commands with a permission level resolved from the
// calling agent.
type ShellTool struct {
	backend     ShellBackend
	allowed     map[string]bool
	readOnly    map[string]bool
	workDir     string
	permissions map[string]domain.ShellPermission
	logger      *slog.Logger
}

// NewShellTool creates a shell tool backed by backend.
func NewShellTool(backend ShellBackend, cfg ShellConfig, logger *slog.Logger) *ShellTool {
	perms := make(map[string]domain.ShellPermission, len(cfg.Permissions))
	for id, p := range cfg.Permissions {
		perms[id] = p
	}
	return &ShellTool{
		backend:     backend,
		allowed:     toSet(cfg.AllowedCommands),
		readOnly:    toSet(cfg.ReadOnlyCommands),
		workDir:     cfg.WorkDir,
		permissions: perms,
		logger:      logger,
	}
}

func (t *ShellTool) Name() string { return "shell" }
func (t *ShellTool) Description() string {
	return "Run a command. What may run depends on the calling agent's shell permission level."
}

func (t *ShellTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Executable to run"},
				"args": {"type": "array", "items": {"type": "string"}, "description": "Arguments, passed verbatim"}
			},
			"required": ["command"]
		}`),
	}
}

type shellParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Execute implements domain.Tool.
func (t *ShellTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.shell", t.logger, params,
		func(ctx context.Context, span trace.Span, p shellParams) (any, error) {
			if err := RequireField("command", p.Command); err != nil {
				return nil, err
			}
			agentID := ""
			if ec, ok := domain.ExecutionFromContext(ctx); ok {
				agentID = ec.AgentID
			}
			perm := t.permissions[agentID]
			span.SetAttributes(
				tracer.StringAttr("tool.command", filepath.Base(p.Command)),
				tracer.StringAttr("tool.shell_permission", string(perm)),
			)

			if err := t.authorize(perm, p.Command); err != nil {
				return nil, err
			}

			stdout, stderr, err := t.backend.Execute(ctx, p.Command, p.Args, t.workDir)
			output := stdout
			if stderr != "" {
				output += "\nSTDERR:\n" + stderr
			}
			output = truncateText(output, maxShellOutput)

			if err != nil {
				t.logger.Debug("shell command failed", "agent_id", agentID, "command", p.Command, "error", err)
				return nil, fmt.Errorf("command failed: %w\n%s", err, output)
			}
			t.logger.Debug("shell command completed", "agent_id", agentID, "command", p.Command)
			if output == "" {
				return "(no output)", nil
			}
			return output, nil
		},
	)
}

// authorize checks command against the allowlist for perm. Only the base
// name is compared so absolute paths cannot bypass the list.
func (t *ShellTool) authorize(perm domain.ShellPermission, command string) error {
	base := filepath.Base(command)
	switch perm {
	case domain.ShellFull:
		return nil
	case domain.ShellStandard:
		if t.allowed[base] || t.readOnly[base] {
			return nil
		}
	case domain.ShellRestricted:
		if t.readOnly[base] {
			return nil
		}
	default:
		return domain.NewDomainError("ShellTool.authorize", domain.ErrShellDenied, "agent has no shell permission")
	}
	return domain.NewDomainError("ShellTool.authorize", domain.ErrCommandNotAllowed,
		fmt.Sprintf("command %q not allowed at %s permission", base, perm))
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}
