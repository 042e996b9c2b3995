package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
)

// Registry holds named tools and executes model-requested calls against
// them. Tools are registered at startup and never removed.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// Register adds a tool wrapped with schema validation. Duplicate names and
// schemas that fail to compile are rejected.
func (r *Registry) Register(t domain.Tool) error {
	name := t.Name()
	if name == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "tool name is empty")
	}
	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, fmt.Sprintf("tool %q", name))
	}
	r.tools[name] = wrapped
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns all tool schemas for LLM function-calling, sorted by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Subset returns a registry view holding only the named tools. Unknown
// names are skipped with a warning. An empty list returns r itself.
func (r *Registry) Subset(names []string) *Registry {
	if len(names) == 0 {
		return r
	}
	sub := &Registry{tools: make(map[string]domain.Tool, len(names)), logger: r.logger}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			r.logger.Warn("tool not registered, skipping", "tool", n)
			continue
		}
		sub.tools[n] = t
	}
	return sub
}

// Execute runs one tool call and always returns a string for the
// conversation. Unknown tools, bad arguments, errors and panics are all
// rendered as "Error: ..." so a failing tool never aborts the agent loop.
func (r *Registry) Execute(ctx context.Context, call domain.ToolCall) (out string) {
	ctx, span := tracer.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked",
				"tool", call.Name,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err := fmt.Errorf("tool %q panicked: %v", call.Name, rec)
			tracer.RecordError(span, err)
			out = "Error: " + err.Error()
		}
	}()

	t, err := r.Get(call.Name)
	if err != nil {
		tracer.RecordError(span, err)
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		tracer.RecordError(span, domain.ErrInvalidInput)
		return fmt.Sprintf("Error: invalid JSON arguments for %q", call.Name)
	}

	result, err := t.Execute(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", call.Name, "error", err)
		tracer.RecordError(span, err)
		return "Error: " + err.Error()
	}
	if result == nil {
		tracer.SetOK(span)
		return ""
	}
	if result.IsError {
		r.logger.Debug("tool returned error result", "tool", call.Name, "content", result.Content)
		tracer.RecordError(span, fmt.Errorf("%s", result.Content))
		return "Error: " + result.Content
	}
	tracer.SetOK(span)
	return result.Content
}

var _ domain.ToolExecutor = (*Registry)(nil)
