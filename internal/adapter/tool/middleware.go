package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
	"github.com/OGODEVO/ex-machina/internal/usecase/resilience"
)

// Execute is the standard tool pipeline: parse params, start a span, run
// the handler, format the result.
//
// The handler may return a *domain.ToolResult (returned as-is), a string
// (plain text result) or any other value (JSON-marshaled). A handler error
// becomes an error ToolResult marked retryable when the error is transient.
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName)
	defer span.End()

	if ec, ok := domain.ExecutionFromContext(ctx); ok {
		span.SetAttributes(
			tracer.StringAttr("agent.id", ec.AgentID),
			tracer.StringAttr("thread.id", ec.ThreadID),
		)
	}

	p, bad := ParseParams[P](rawParams)
	if bad != nil {
		tracer.RecordError(span, fmt.Errorf("%s", bad.Content))
		return bad, nil
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)

		retryable := resilience.IsRetryable(err)
		content := err.Error()
		if retryable {
			content += " (transient error, may succeed on retry)"
		}
		return &domain.ToolResult{IsError: true, IsRetryable: retryable, Content: content}, nil
	}
	return formatResult(span, result)
}

func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return &domain.ToolResult{Content: v}, nil
	default:
		res, err := JSONResult(result)
		if err != nil {
			tracer.RecordError(span, err)
			return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("failed to format response: %v", err)}, nil
		}
		tracer.SetOK(span)
		return res, nil
	}
}

// ParseParams unmarshals rawParams into P. On failure it returns an error
// ToolResult suitable for returning directly.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return p, &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid params: %v", err)}
	}
	return p, nil
}

// ErrResult creates an error ToolResult for validation failures that
// should reach the model without being logged.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	return &domain.ToolResult{IsError: true, Content: fmt.Sprintf(format, args...)}, nil
}

// JSONResult marshals v as indented JSON into a success ToolResult.
func JSONResult(v any) (*domain.ToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &domain.ToolResult{Content: string(data)}, nil
}

// TextResult creates a plain text success ToolResult.
func TextResult(s string) *domain.ToolResult {
	return &domain.ToolResult{Content: s}
}

// BadAction returns an error for an unknown action listing the valid ones.
func BadAction(got string, valid ...string) error {
	return fmt.Errorf("unknown action %q (want: %s)", got, strings.Join(valid, ", "))
}

// execContext returns the invoking task's context or an error when the
// tool is called outside an agent task.
func execContext(ctx context.Context) (domain.ExecContext, error) {
	ec, ok := domain.ExecutionFromContext(ctx)
	if !ok || ec.AgentID == "" {
		return domain.ExecContext{}, fmt.Errorf("%w: no agent execution context", domain.ErrInvalidInput)
	}
	return ec, nil
}
