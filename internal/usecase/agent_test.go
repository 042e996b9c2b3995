package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OGODEVO/ex-machina/internal/adapter/bridge"
	"github.com/OGODEVO/ex-machina/internal/domain"
)

// inboxRecorder captures deliveries to a non-agent participant.
type inboxRecorder struct {
	got chan domain.InboundMessage
}

func newInboxRecorder() *inboxRecorder {
	return &inboxRecorder{got: make(chan domain.InboundMessage, 16)}
}

func (r *inboxRecorder) handle(_ context.Context, msg domain.InboundMessage) { r.got <- msg }

func (r *inboxRecorder) next(t *testing.T) domain.InboundMessage {
	t.Helper()
	select {
	case m := <-r.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("nothing delivered")
		return domain.InboundMessage{}
	}
}

func newTestAgent(t *testing.T, b domain.NetworkBridge, llm *mockLLM, tools *mockTools, cfg AgentConfig) *Agent {
	t.Helper()
	if tools == nil {
		tools = &mockTools{results: map[string]string{"lookup": "found"}}
	}
	identity := domain.AgentIdentity{
		ID:           "analyst",
		Name:         "Analyst",
		SystemPrompt: "You analyse.",
		Route:        domain.ModelRoute{Endpoint: "local", Model: "qwen"},
	}
	return NewAgent(AgentDeps{
		Identity:       identity,
		LLM:            llm,
		Tools:          tools,
		Bridge:         b,
		ContextBuilder: NewContextBuilder(identity, 10, 0),
		Logger:         newTestLogger(),
		Config:         cfg,
	})
}

func startAgent(t *testing.T, a *Agent) {
	t.Helper()
	unsub, err := a.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		unsub()
		a.Close()
	})
}

func TestAgentAnswersRequest(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	llm := &mockLLM{responses: []domain.ChatResponse{textResponse("  Q3 revenue grew 12%.  ")}}
	startAgent(t, newTestAgent(t, b, llm, nil, AgentConfig{}))

	reply, err := b.Request(context.Background(), domain.OutboundMessage{
		From:     "lead",
		To:       "analyst",
		ThreadID: "t1",
		Payload:  domain.NewChat("how was Q3?"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Q3 revenue grew 12%.", reply.Text())
	assert.Equal(t, "analyst", reply.From)

	calls := llm.calls()
	require.Len(t, calls, 1)
	last := calls[0].Messages[len(calls[0].Messages)-1]
	assert.Equal(t, "lead: how was Q3?", last.Content)
}

func TestAgentProcessesOneAtATimeInOrder(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	var order []string

	llm := &mockLLM{}
	llm.hook = func(req domain.ChatRequest) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, req.Messages[len(req.Messages)-1].Content)
		mu.Unlock()
	}
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	a := newTestAgent(t, b, llm, nil, AgentConfig{})

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, a.Enqueue(domain.InboundMessage{
			ID:      text,
			From:    "lead",
			Payload: domain.NewChat(text).Marshal(),
		}))
	}
	a.Wait()

	assert.Equal(t, []string{"lead: one", "lead: two", "lead: three"}, order)
	assert.Equal(t, int32(1), maxInFlight.Load())
	st := a.Status()
	assert.Equal(t, int64(3), st.Processed)
	assert.False(t, st.Draining)
	assert.Zero(t, st.Pending)
}

func TestAgentToolLoop(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolResponse(
			domain.ToolCall{ID: "c1", Name: "lookup", Arguments: []byte(`{}`)},
			domain.ToolCall{ID: "c2", Name: "missing", Arguments: []byte(`{}`)},
		),
		textResponse("all done"),
	}}
	tools := &mockTools{results: map[string]string{"lookup": "found"}}
	startAgent(t, newTestAgent(t, b, llm, tools, AgentConfig{}))

	reply, err := b.Request(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat("dig in"),
	})
	require.NoError(t, err)
	assert.Equal(t, "all done", reply.Text())

	calls := llm.calls()
	require.Len(t, calls, 2)
	second := calls[1].Messages
	require.GreaterOrEqual(t, len(second), 3)
	toolMsgs := second[len(second)-2:]
	assert.Equal(t, domain.RoleTool, toolMsgs[0].Role)
	assert.Equal(t, "c1", toolMsgs[0].ToolCallID)
	assert.Equal(t, "found", toolMsgs[0].Content)
	assert.Equal(t, "c2", toolMsgs[1].ToolCallID)
	assert.True(t, strings.HasPrefix(toolMsgs[1].Content, "Error:"))

	tools.mu.Lock()
	defer tools.mu.Unlock()
	require.NotEmpty(t, tools.ctxs)
	assert.Equal(t, "analyst", tools.ctxs[0].AgentID)
	assert.Equal(t, "t1", tools.ctxs[0].ThreadID)
	assert.NotNil(t, tools.ctxs[0].Bridge)
}

func TestAgentToolLimitFallback(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	loop := toolResponse(domain.ToolCall{ID: "c", Name: "lookup", Arguments: []byte(`{}`)})
	llm := &mockLLM{responses: []domain.ChatResponse{loop, loop, textResponse("never reached")}}
	startAgent(t, newTestAgent(t, b, llm, nil, AgentConfig{MaxToolRounds: 2}))

	reply, err := b.Request(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat("loop forever"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Tool-call limit reached (2 rounds). Partial results:\n- lookup: found\n- lookup: found", reply.Text())
	assert.Len(t, llm.calls(), 2)
}

func TestAgentToolLimitDefaultsToTenRounds(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	loop := toolResponse(domain.ToolCall{ID: "c", Name: "lookup", Arguments: []byte(`{}`)})
	responses := make([]domain.ChatResponse, 0, 12)
	for range 11 {
		responses = append(responses, loop)
	}
	llm := &mockLLM{responses: append(responses, textResponse("never reached"))}
	startAgent(t, newTestAgent(t, b, llm, nil, AgentConfig{}))

	reply, err := b.Request(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat("loop forever"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply.Text(), "Tool-call limit reached (10 rounds). Partial results:\n"))
	assert.Equal(t, 10, strings.Count(reply.Text(), "- lookup: found"))
	assert.Len(t, llm.calls(), 10)
}

func TestAgentFailureRepliesGenerically(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	llm := &mockLLM{
		errs:      []error{errors.New("connection refused")},
		responses: []domain.ChatResponse{{}, textResponse("recovered")},
	}
	startAgent(t, newTestAgent(t, b, llm, nil, AgentConfig{}))

	reply, err := b.Request(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat("first"),
	})
	require.NoError(t, err)
	assert.Equal(t, genericFailureReply, reply.Text())
	assert.NotContains(t, reply.Text(), "connection refused")

	// The queue keeps going after a failure.
	reply, err = b.Request(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat("second"),
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Text())
}

func TestAgentRecoversPanics(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	var calls atomic.Int32
	llm := &mockLLM{responses: []domain.ChatResponse{{}, textResponse("fine")}}
	llm.hook = func(domain.ChatRequest) {
		if calls.Add(1) == 1 {
			panic("model adapter bug")
		}
	}
	startAgent(t, newTestAgent(t, b, llm, nil, AgentConfig{}))

	reply, err := b.Request(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat("boom"),
	})
	require.NoError(t, err)
	assert.Equal(t, genericFailureReply, reply.Text())

	reply, err = b.Request(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat("again"),
	})
	require.NoError(t, err)
	assert.Equal(t, "fine", reply.Text())
}

func TestAgentTaskTimeout(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	llm := &mockLLM{errs: []error{context.DeadlineExceeded}}
	lead := newInboxRecorder()
	_, err := b.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "lead"}, lead.handle)
	require.NoError(t, err)
	startAgent(t, newTestAgent(t, b, llm, nil, AgentConfig{TaskTimeout: time.Second}))

	_, err = b.Send(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewAssign("analyst", "slow task"),
	})
	require.NoError(t, err)

	env := lead.next(t).Envelope()
	assert.Equal(t, domain.TypeBlocked, env.Type)
	assert.Equal(t, "task timed out", env.Text)
}

func TestAgentAcknowledgesAssignments(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	llm := &mockLLM{
		responses: []domain.ChatResponse{textResponse("summary ready"), {}},
		errs:      []error{nil, errors.New("endpoint exploded")},
	}
	lead := newInboxRecorder()
	_, err := b.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "lead"}, lead.handle)
	require.NoError(t, err)
	startAgent(t, newTestAgent(t, b, llm, nil, AgentConfig{}))

	_, err = b.Send(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "sub-1", Payload: domain.NewAssign("analyst", "summarise"),
	})
	require.NoError(t, err)

	done := lead.next(t)
	assert.Equal(t, "sub-1", done.ThreadID)
	assert.Equal(t, "analyst", done.From)
	env := done.Envelope()
	assert.Equal(t, domain.TypeDone, env.Type)
	assert.Equal(t, "summary ready", env.Text)

	_, err = b.Send(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "sub-2", Payload: domain.NewAssign("analyst", "again"),
	})
	require.NoError(t, err)

	env = lead.next(t).Envelope()
	assert.Equal(t, domain.TypeBlocked, env.Type)
	assert.Equal(t, "task failed", env.Text)
	assert.Contains(t, env.ErrorDetail(), "endpoint exploded")
}

func TestAgentSkipsAssignmentsForOthers(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	llm := &mockLLM{responses: []domain.ChatResponse{textResponse("ok")}}
	a := newTestAgent(t, b, llm, nil, AgentConfig{})

	require.NoError(t, a.Enqueue(domain.InboundMessage{
		From:     "lead",
		ThreadID: "t1",
		Payload:  domain.NewAssign("someone-else", "not yours").Marshal(),
	}))
	a.Wait()

	page, err := b.GetThreadMessages(context.Background(), "t1", domain.ThreadQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Messages, "no acknowledgement expected")
}

func TestAgentIgnoresLifecycleMessages(t *testing.T) {
	llm := &mockLLM{}
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	a := newTestAgent(t, b, llm, nil, AgentConfig{})

	for _, env := range []domain.ProtocolMessage{
		domain.NewDone("result", nil),
		domain.NewBlocked("stuck", nil),
		domain.NewProgress("halfway"),
		domain.NewCheckpoint(1, 3, "summary"),
	} {
		a.HandleInbox(context.Background(), domain.InboundMessage{From: "peer", Payload: env.Marshal()})
	}
	a.Wait()

	assert.Empty(t, llm.calls())
	assert.Zero(t, a.Status().Processed)
}

func TestAgentHistoryExcludesCurrentMessage(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	llm := &mockLLM{responses: []domain.ChatResponse{textResponse("a1"), textResponse("a2")}}
	startAgent(t, newTestAgent(t, b, llm, nil, AgentConfig{}))

	for _, text := range []string{"first question", "second question"} {
		_, err := b.Request(context.Background(), domain.OutboundMessage{
			From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat(text),
		})
		require.NoError(t, err)
	}

	calls := llm.calls()
	require.Len(t, calls, 2)
	msgs := calls[1].Messages
	require.Len(t, msgs, 3)
	history := msgs[1].Content
	assert.Contains(t, history, "lead: first question")
	assert.Contains(t, history, "analyst: a1")
	assert.NotContains(t, history, "second question")
	assert.Equal(t, "lead: second question", msgs[2].Content)
}

func TestAgentHistoryExcludesLaterMessages(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	release := make(chan struct{})
	var first sync.Once
	llm := &mockLLM{}
	llm.hook = func(domain.ChatRequest) {
		first.Do(func() { <-release })
	}
	a := newTestAgent(t, b, llm, nil, AgentConfig{})
	startAgent(t, a)

	for _, text := range []string{"task one", "task two", "task three"} {
		_, err := b.Send(context.Background(), domain.OutboundMessage{
			From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat(text),
		})
		require.NoError(t, err)
	}
	close(release)
	require.Eventually(t, func() bool { return a.Status().Processed == 3 }, 2*time.Second, 5*time.Millisecond)

	calls := llm.calls()
	require.Len(t, calls, 3)
	second := calls[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "Recent messages in this thread:\nlead: task one\n", second[1].Content)
	assert.Equal(t, "lead: task two", second[2].Content)

	third := calls[2].Messages
	assert.Contains(t, third[1].Content, "lead: task one\nlead: task two\n")
}

func TestAgentSendWithoutReplyDestination(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	llm := &mockLLM{responses: []domain.ChatResponse{textResponse("noted")}}
	a := newTestAgent(t, b, llm, nil, AgentConfig{})
	startAgent(t, a)

	_, err := b.Send(context.Background(), domain.OutboundMessage{
		From: "lead", To: "analyst", ThreadID: "t1", Payload: domain.NewChat("fyi"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.Status().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Wait()
	page, err := b.GetThreadMessages(context.Background(), "t1", domain.ThreadQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1, "sender did not wait, so nothing is appended")
}

func TestAgentCloseRejectsWork(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	a := newTestAgent(t, b, &mockLLM{}, nil, AgentConfig{})
	a.Close()

	err := a.Enqueue(domain.InboundMessage{Payload: domain.NewChat("late").Marshal()})
	assert.ErrorIs(t, err, ErrAgentClosed)
}

func TestAgentStartDuplicate(t *testing.T) {
	b := bridge.NewMemory(bridge.MemoryConfig{}, newTestLogger())
	defer b.Close()
	startAgent(t, newTestAgent(t, b, &mockLLM{}, nil, AgentConfig{}))

	_, err := newTestAgent(t, b, &mockLLM{}, nil, AgentConfig{}).Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}
