package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
)

const (
	defaultMaxToolRounds = 10
	// genericFailureReply is what the sender sees when a task fails.
	genericFailureReply = "Sorry, I ran into an error while processing that request."
)

// ErrAgentClosed is returned by Enqueue after Close.
var ErrAgentClosed = errors.New("agent closed")

// AgentConfig holds the processing-loop knobs.
type AgentConfig struct {
	MaxToolRounds int
	TaskTimeout   time.Duration // 0 means no per-task deadline
}

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	Identity       domain.AgentIdentity
	LLM            domain.LLMProvider
	Tools          domain.ToolExecutor
	Bridge         domain.NetworkBridge
	ContextBuilder *ContextBuilder
	Logger         *slog.Logger
	Bus            domain.EventBus // optional, nil = no events
	Config         AgentConfig
}

// Agent runs tasks for one identity. Inbound messages are queued and
// drained by a single goroutine, so at most one task is in flight.
type Agent struct {
	deps   AgentDeps
	logger *slog.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	queue    []domain.InboundMessage
	draining bool
	closed   bool
	baseCtx  context.Context

	processed atomic.Int64
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.Config.MaxToolRounds <= 0 {
		deps.Config.MaxToolRounds = defaultMaxToolRounds
	}
	if deps.ContextBuilder == nil {
		deps.ContextBuilder = NewContextBuilder(deps.Identity, 0, 0)
	}
	a := &Agent{
		deps:    deps,
		logger:  deps.Logger.With("agent_id", deps.Identity.ID),
		baseCtx: context.Background(),
	}
	a.idle = sync.NewCond(&a.mu)
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.deps.Identity.ID }

// Identity returns the agent identity.
func (a *Agent) Identity() domain.AgentIdentity { return a.deps.Identity }

// Start announces the agent on the bridge and queues its inbox. Tasks run
// under ctx; cancelling it unsubscribes. The returned func unsubscribes
// without waiting for queued work.
func (a *Agent) Start(ctx context.Context) (func(), error) {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	unsub, err := a.deps.Bridge.SubscribeInbox(ctx, a.deps.Identity.Presence(), a.HandleInbox)
	if err != nil {
		return nil, domain.WrapOp("Agent.Start", err)
	}
	a.logger.Info("agent started", "endpoint", a.deps.Identity.Route.Endpoint, "model", a.deps.Identity.Route.Model)
	return unsub, nil
}

// HandleInbox is the bridge inbox handler. Lifecycle results and
// checkpoints are observations for coordinators, not tasks, and are not
// queued.
func (a *Agent) HandleInbox(_ context.Context, msg domain.InboundMessage) {
	env := msg.Envelope()
	if env.Type.Terminal() || env.Type == domain.TypeCheckpoint || env.Type == domain.TypeProgress {
		a.logger.Debug("observed lifecycle message", "thread_id", msg.ThreadID, "from", msg.From, "type", string(env.Type))
		return
	}
	if err := a.Enqueue(msg); err != nil {
		a.logger.Warn("dropping message", "thread_id", msg.ThreadID, "from", msg.From, "error", err)
	}
}

// Enqueue appends msg to the queue and starts draining when idle.
func (a *Agent) Enqueue(msg domain.InboundMessage) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAgentClosed
	}
	a.queue = append(a.queue, msg)
	pending := len(a.queue)
	start := !a.draining
	a.draining = true
	ctx := a.baseCtx
	a.mu.Unlock()

	a.publish(ctx, domain.EventTaskEnqueued, msg.ThreadID, map[string]any{"from": msg.From, "pending": pending})
	if start {
		go a.drain()
	}
	return nil
}

// Wait blocks until the queue is empty and no task is running.
func (a *Agent) Wait() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.draining {
		a.idle.Wait()
	}
}

// Close stops accepting work and waits for queued tasks to finish.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.Wait()
}

// Status returns a snapshot of the agent.
func (a *Agent) Status() domain.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.AgentStatus{
		ID:        a.deps.Identity.ID,
		Name:      a.deps.Identity.DisplayName(),
		Endpoint:  a.deps.Identity.Route.Endpoint,
		Model:     a.deps.Identity.Route.Model,
		Draining:  a.draining,
		Pending:   len(a.queue),
		Processed: a.processed.Load(),
	}
}

func (a *Agent) drain() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.draining = false
			a.idle.Broadcast()
			a.mu.Unlock()
			return
		}
		msg := a.queue[0]
		a.queue[0] = domain.InboundMessage{}
		a.queue = a.queue[1:]
		ctx := a.baseCtx
		a.mu.Unlock()

		a.process(ctx, msg)
		a.processed.Add(1)
	}
}

// process runs one task to completion. Failures never escape: the sender
// gets a generic reply and the queue moves on.
func (a *Agent) process(ctx context.Context, msg domain.InboundMessage) {
	var hold func() func()
	if a.deps.Config.TaskTimeout > 0 {
		var clock *taskClock
		ctx, clock = newTaskClock(ctx, a.deps.Config.TaskTimeout)
		defer clock.Stop()
		hold = clock.Hold
	}
	ctx, span := tracer.StartSpan(ctx, "agent.process_task",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", a.deps.Identity.ID),
			tracer.StringAttr("thread.id", msg.ThreadID),
		),
	)
	defer span.End()

	logger := a.logger.With("thread_id", msg.ThreadID, "from", msg.From, "message_id", msg.ID)
	env := msg.Envelope()
	start := time.Now()
	a.publish(ctx, domain.EventTaskStarted, msg.ThreadID, map[string]any{"from": msg.From, "type": string(env.Type)})

	text, err := a.runSafely(ctx, msg, hold)
	if err != nil && errors.Is(context.Cause(ctx), errTaskDeadline) {
		err = fmt.Errorf("%w: %w", errTaskDeadline, err)
	}
	// Outcomes are delivered even when the task deadline has passed.
	outCtx := context.WithoutCancel(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Error("task failed", "error", err, "duration", time.Since(start))
		a.publish(outCtx, domain.EventTaskFailed, msg.ThreadID, map[string]any{"error": err.Error()})
		a.reply(outCtx, logger, msg, domain.NewChat(genericFailureReply))
		a.acknowledge(outCtx, logger, msg, env, domain.NewBlocked(failureReason(err), err))
		return
	}

	a.reply(outCtx, logger, msg, domain.NewChat(text))
	a.acknowledge(outCtx, logger, msg, env, domain.NewDone(text, nil))
	tracer.SetOK(span)
	logger.Info("task completed", "duration", time.Since(start))
	a.publish(ctx, domain.EventTaskCompleted, msg.ThreadID, map[string]any{"from": msg.From, "duration_ms": time.Since(start).Milliseconds()})
}

func (a *Agent) runSafely(ctx context.Context, msg domain.InboundMessage, hold func() func()) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing task: %v", r)
		}
	}()
	return a.runTask(ctx, msg, hold)
}

// runTask builds the prompt and runs the bounded tool loop. hold, when set,
// pauses the task deadline and is handed to tools.
func (a *Agent) runTask(ctx context.Context, msg domain.InboundMessage, hold func() func()) (string, error) {
	history := a.history(ctx, msg)
	req := a.deps.ContextBuilder.Build(history, msg, a.deps.Tools.Schemas())

	toolCtx := domain.ContextWithExecution(ctx, domain.ExecContext{
		AgentID:  a.deps.Identity.ID,
		ThreadID: msg.ThreadID,
		Bridge:   a.deps.Bridge,
		Reply:    msg.Reply,
		Hold:     hold,
	})

	var partial []string
	for round := 0; round < a.deps.Config.MaxToolRounds; round++ {
		resp, err := a.callLLM(ctx, req, round)
		if err != nil {
			return "", err
		}
		reply := resp.Message
		if len(reply.ToolCalls) == 0 {
			return strings.TrimSpace(reply.Content), nil
		}

		reply.Role = domain.RoleAssistant
		req.Messages = append(req.Messages, reply)

		// Calls run in parallel; results keep the order the model asked for.
		results := make([]string, len(reply.ToolCalls))
		var wg sync.WaitGroup
		for i, call := range reply.ToolCalls {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = a.deps.Tools.Execute(toolCtx, call)
			}()
		}
		wg.Wait()

		for i, call := range reply.ToolCalls {
			req.Messages = append(req.Messages, domain.Message{
				Role:       domain.RoleTool,
				Name:       call.Name,
				Content:    results[i],
				ToolCallID: call.ID,
				Timestamp:  time.Now(),
			})
			partial = append(partial, fmt.Sprintf("- %s: %s", call.Name, results[i]))
			a.publish(ctx, domain.EventToolCallCompleted, msg.ThreadID, map[string]any{
				"tool":  call.Name,
				"error": strings.HasPrefix(results[i], "Error:"),
			})
		}
	}

	a.logger.Warn("tool-call limit reached", "thread_id", msg.ThreadID, "rounds", a.deps.Config.MaxToolRounds)
	a.publish(ctx, domain.EventToolLimitReached, msg.ThreadID, map[string]any{"rounds": a.deps.Config.MaxToolRounds})
	return toolLimitText(a.deps.Config.MaxToolRounds, partial), nil
}

func toolLimitText(rounds int, partial []string) string {
	text := fmt.Sprintf("Tool-call limit reached (%d rounds). Partial results:\n", rounds)
	if len(partial) == 0 {
		return text + "(none)"
	}
	return text + strings.Join(partial, "\n")
}

func (a *Agent) callLLM(ctx context.Context, req domain.ChatRequest, round int) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.llm_call",
		trace.WithAttributes(
			tracer.StringAttr("llm.endpoint", a.deps.LLM.Name()),
			tracer.IntAttr("round", round),
		),
	)
	defer span.End()

	resp, err := a.deps.LLM.Chat(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Agent.llm_call", err)
	}
	a.logger.Debug("llm response",
		"round", round,
		"tool_calls", len(resp.Message.ToolCalls),
		"tokens", resp.Usage.TotalTokens,
	)
	tracer.SetOK(span)
	return resp, nil
}

// maxHistoryPages bounds how far back history pages past messages that
// arrived after the current one.
const maxHistoryPages = 4

// history fetches the thread messages leading up to msg. When messages
// that arrived after msg fill the newest page, older pages are read until
// a full window precedes it. Failures are logged and the task continues
// without history.
func (a *Agent) history(ctx context.Context, msg domain.InboundMessage) []domain.ThreadMessage {
	if msg.ThreadID == "" {
		return nil
	}
	window := a.deps.ContextBuilder.Window()
	var out []domain.ThreadMessage
	q := domain.ThreadQuery{Limit: window + 1}
	for range maxHistoryPages {
		page, err := a.deps.Bridge.GetThreadMessages(ctx, msg.ThreadID, q)
		if err != nil {
			a.logger.Warn("history fetch failed", "thread_id", msg.ThreadID, "error", err)
			return out
		}
		out = append(append([]domain.ThreadMessage(nil), page.Messages...), out...)
		if page.NextCursor == "" || priorCount(out, msg) >= window {
			return out
		}
		q.Cursor = page.NextCursor
	}
	return out
}

// priorCount counts the messages in chronological msgs that precede msg.
// It is 0 until msg, or something older than it, has been seen.
func priorCount(msgs []domain.ThreadMessage, msg domain.InboundMessage) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if msg.ID != "" && m.ID == msg.ID {
			return i
		}
		if !msg.Timestamp.IsZero() && !m.Timestamp.After(msg.Timestamp) {
			return i + 1
		}
	}
	return 0
}

// reply answers the sender. A sender that is not waiting is not an error.
func (a *Agent) reply(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, env domain.ProtocolMessage) {
	if msg.Reply == nil {
		return
	}
	err := msg.Reply(ctx, env)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNoReplyDestination):
		logger.Debug("sender is not waiting for a reply")
	default:
		logger.Warn("reply failed", "error", err)
	}
}

// acknowledge reports the outcome of an assignment addressed to this agent
// back to the assigner on the same thread.
func (a *Agent) acknowledge(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, in, out domain.ProtocolMessage) {
	if in.Type != domain.TypeAssign || in.Assignee != a.deps.Identity.ID || msg.From == "" {
		return
	}
	_, err := a.deps.Bridge.Send(ctx, domain.OutboundMessage{
		From:     a.deps.Identity.ID,
		To:       msg.From,
		ThreadID: msg.ThreadID,
		Payload:  out,
	})
	if err != nil {
		logger.Warn("assignment acknowledgement failed", "type", string(out.Type), "error", err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "task timed out"
	case errors.Is(err, domain.ErrCircuitOpen):
		return "model endpoint unavailable"
	default:
		return "task failed"
	}
}

func (a *Agent) publish(ctx context.Context, eventType domain.EventType, threadID string, payload any) {
	publishEvent(a.deps.Bus, ctx, eventType, a.deps.Identity.ID, threadID, payload)
}
