package domain

import "context"

type ctxKey string

const execCtxKey ctxKey = "exec_context"

// ExecContext is what a tool knows about the task invoking it.
type ExecContext struct {
	AgentID  string
	ThreadID string
	Bridge   NetworkBridge
	Reply    ReplyFunc // nil when the task cannot be replied to
	// Hold pauses the task deadline until the returned func is called.
	// nil when the task has no deadline.
	Hold func() (release func())
}

// HoldDeadline pauses the task deadline carried by ec. The returned func
// resumes it and is safe to call when ec has no deadline.
func (ec ExecContext) HoldDeadline() func() {
	if ec.Hold == nil {
		return func() {}
	}
	return ec.Hold()
}

// ContextWithExecution returns a new context carrying ec.
func ContextWithExecution(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, execCtxKey, ec)
}

// ExecutionFromContext extracts the execution context.
// ok is false when the call did not originate from an agent task.
func ExecutionFromContext(ctx context.Context) (ExecContext, bool) {
	ec, ok := ctx.Value(execCtxKey).(ExecContext)
	return ec, ok
}
