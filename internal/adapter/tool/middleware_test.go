package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

type greetParams struct {
	Name string `json:"name"`
}

func TestExecuteResultShapes(t *testing.T) {
	tests := []struct {
		name    string
		handler func(context.Context, trace.Span, greetParams) (any, error)
		want    string
		isError bool
	}{
		{
			name: "string",
			handler: func(_ context.Context, _ trace.Span, p greetParams) (any, error) {
				return "hello " + p.Name, nil
			},
			want: "hello alice",
		},
		{
			name: "json",
			handler: func(_ context.Context, _ trace.Span, p greetParams) (any, error) {
				return map[string]string{"greeting": "hi " + p.Name}, nil
			},
			want: `"greeting": "hi alice"`,
		},
		{
			name: "tool result passthrough",
			handler: func(context.Context, trace.Span, greetParams) (any, error) {
				return &domain.ToolResult{Content: "custom", IsError: true}, nil
			},
			want:    "custom",
			isError: true,
		},
		{
			name: "handler error",
			handler: func(context.Context, trace.Span, greetParams) (any, error) {
				return nil, errors.New("bad things")
			},
			want:    "bad things",
			isError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Execute(context.Background(), "test.tool", nopLogger(), json.RawMessage(`{"name":"alice"}`), tt.handler)
			if err != nil {
				t.Fatalf("Execute returned error: %v", err)
			}
			if res.IsError != tt.isError {
				t.Errorf("IsError = %v, want %v", res.IsError, tt.isError)
			}
			if !strings.Contains(res.Content, tt.want) {
				t.Errorf("content %q missing %q", res.Content, tt.want)
			}
		})
	}
}

func TestExecuteMarksTransientErrorsRetryable(t *testing.T) {
	res, _ := Execute(context.Background(), "test.tool", nopLogger(), json.RawMessage(`{}`),
		func(context.Context, trace.Span, greetParams) (any, error) {
			return nil, fmt.Errorf("upstream: %w", domain.ErrRateLimit)
		},
	)
	if !res.IsError || !res.IsRetryable {
		t.Fatalf("want retryable error result, got %+v", res)
	}
	if !strings.Contains(res.Content, "may succeed on retry") {
		t.Errorf("content = %q", res.Content)
	}

	res, _ = Execute(context.Background(), "test.tool", nopLogger(), json.RawMessage(`{}`),
		func(context.Context, trace.Span, greetParams) (any, error) {
			return nil, domain.ErrCircuitOpen
		},
	)
	if res.IsRetryable {
		t.Error("open circuit must not be marked retryable")
	}
}

func TestExecuteInvalidParams(t *testing.T) {
	called := false
	res, err := Execute(context.Background(), "test.tool", nopLogger(), json.RawMessage(`{"name": 5}`),
		func(context.Context, trace.Span, greetParams) (any, error) {
			called = true
			return "unreachable", nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("handler must not run on invalid params")
	}
	if !res.IsError || !strings.HasPrefix(res.Content, "invalid params") {
		t.Errorf("got %+v", res)
	}
}

func TestExecContext(t *testing.T) {
	if _, err := execContext(context.Background()); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("missing context: got %v", err)
	}
	ec, err := execContext(agentCtx("alpha", "t1", nil))
	if err != nil {
		t.Fatal(err)
	}
	if ec.AgentID != "alpha" || ec.ThreadID != "t1" {
		t.Errorf("got %+v", ec)
	}
}

func TestBadAction(t *testing.T) {
	err := BadAction("fly", "read", "write")
	if err.Error() != `unknown action "fly" (want: read, write)` {
		t.Errorf("got %q", err)
	}
}
