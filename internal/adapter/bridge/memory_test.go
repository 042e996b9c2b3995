package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector records inbox deliveries for assertions.
type collector struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
	got  chan domain.InboundMessage
}

func newCollector() *collector {
	return &collector{got: make(chan domain.InboundMessage, 64)}
}

func (c *collector) handle(_ context.Context, msg domain.InboundMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- msg
}

func (c *collector) next(t *testing.T) domain.InboundMessage {
	t.Helper()
	select {
	case m := <-c.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return domain.InboundMessage{}
	}
}

func TestMemorySendDeliversInOrder(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()

	c := newCollector()
	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "bob"}, c.handle)
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three"} {
		ack, err := m.Send(context.Background(), domain.OutboundMessage{
			From: "alice", To: "bob", ThreadID: "main", Payload: domain.NewChat(text),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, ack.MessageID)
	}

	for _, want := range []string{"one", "two", "three"} {
		msg := c.next(t)
		assert.Equal(t, want, msg.Envelope().Text)
		assert.Equal(t, "alice", msg.From)
		assert.Equal(t, "main", msg.ThreadID)
	}

	page, err := m.GetThreadMessages(context.Background(), "main", domain.ThreadQuery{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "three", page.Messages[2].Text())
}

func TestMemorySendReplyHasNoDestination(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()

	c := newCollector()
	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "bob"}, c.handle)
	require.NoError(t, err)

	_, err = m.Send(context.Background(), domain.OutboundMessage{From: "alice", To: "bob", ThreadID: "t", Payload: domain.NewChat("hi")})
	require.NoError(t, err)

	msg := c.next(t)
	err = msg.Reply(context.Background(), domain.NewChat("back"))
	assert.ErrorIs(t, err, domain.ErrNoReplyDestination)
}

func TestMemorySendOffline(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()

	_, err := m.Send(context.Background(), domain.OutboundMessage{From: "a", To: "ghost", ThreadID: "t", Payload: domain.NewChat("x")})
	assert.ErrorIs(t, err, domain.ErrAgentOffline)

	// Nothing is appended for undeliverable messages.
	page, _ := m.GetThreadMessages(context.Background(), "t", domain.ThreadQuery{})
	assert.Empty(t, page.Messages)
}

func TestMemorySendValidatesEnvelope(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()
	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "bob"}, func(context.Context, domain.InboundMessage) {})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), domain.OutboundMessage{
		From: "a", To: "bob", ThreadID: "t", Payload: domain.ProtocolMessage{Type: domain.TypeAssign, Text: "x"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.Send(context.Background(), domain.OutboundMessage{From: "a", To: "bob", Payload: domain.NewChat("x")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMemoryRequestReply(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()

	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "calc"}, func(ctx context.Context, msg domain.InboundMessage) {
		if err := msg.Reply(ctx, domain.NewChat("4")); err != nil {
			t.Errorf("reply: %v", err)
		}
		if err := msg.Reply(ctx, domain.NewChat("5")); !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("second reply: %v", err)
		}
	})
	require.NoError(t, err)

	reply, err := m.Request(context.Background(), domain.OutboundMessage{From: "me", To: "calc", ThreadID: "math", Payload: domain.NewChat("2+2")})
	require.NoError(t, err)
	assert.Equal(t, "4", reply.Text())
	assert.Equal(t, "calc", reply.From)
	assert.Equal(t, "me", reply.To)

	page, _ := m.GetThreadMessages(context.Background(), "math", domain.ThreadQuery{})
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "2+2", page.Messages[0].Text())
}

func TestMemoryRequestTimeout(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()

	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "mute"}, func(context.Context, domain.InboundMessage) {})
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Request(context.Background(), domain.OutboundMessage{
		From: "me", To: "mute", ThreadID: "t", Payload: domain.NewChat("?"), Timeout: 30 * time.Millisecond,
	})
	assert.ErrorIs(t, err, domain.ErrDeliveryTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemorySubscribeDuplicateAndUnsubscribe(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()

	noop := func(context.Context, domain.InboundMessage) {}
	unsub, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "a", Name: "A"}, noop)
	require.NoError(t, err)

	_, err = m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "a"}, noop)
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = m.SubscribeInbox(ctx, domain.OnlineAgent{ID: "b"}, noop)
	require.NoError(t, err)

	agents, _ := m.ListOnlineAgents(context.Background())
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].ID)
	assert.Equal(t, "b", agents[1].ID)

	unsub()
	cancel()
	assert.Eventually(t, func() bool {
		agents, _ := m.ListOnlineAgents(context.Background())
		return len(agents) == 0
	}, time.Second, 5*time.Millisecond)

	// The id can be reused once released.
	_, err = m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "a"}, noop)
	assert.NoError(t, err)
}

func TestMemoryHandlerPanicDoesNotStopInbox(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()

	got := make(chan string, 2)
	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "x"}, func(_ context.Context, msg domain.InboundMessage) {
		if msg.Envelope().Text == "boom" {
			panic("boom")
		}
		got <- msg.Envelope().Text
	})
	require.NoError(t, err)

	for _, text := range []string{"boom", "ok"} {
		_, err := m.Send(context.Background(), domain.OutboundMessage{From: "y", To: "x", ThreadID: "t", Payload: domain.NewChat(text)})
		require.NoError(t, err)
	}
	select {
	case text := <-got:
		assert.Equal(t, "ok", text)
	case <-time.After(2 * time.Second):
		t.Fatal("inbox stopped after panic")
	}
}

func TestMemoryPaging(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()
	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "b"}, func(context.Context, domain.InboundMessage) {})
	require.NoError(t, err)

	for i := range 5 {
		_, err := m.Send(context.Background(), domain.OutboundMessage{From: "a", To: "b", ThreadID: "t", Payload: domain.NewChat(string(rune('A' + i)))})
		require.NoError(t, err)
	}

	page, err := m.GetThreadMessages(context.Background(), "t", domain.ThreadQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "E"}, texts(page.Messages))
	require.NotEmpty(t, page.NextCursor)

	page, err = m.GetThreadMessages(context.Background(), "t", domain.ThreadQuery{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, texts(page.Messages))

	page, err = m.GetThreadMessages(context.Background(), "t", domain.ThreadQuery{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, texts(page.Messages))
	assert.Empty(t, page.NextCursor)

	_, err = m.GetThreadMessages(context.Background(), "t", domain.ThreadQuery{Cursor: "nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	page, err = m.GetThreadMessages(context.Background(), "unknown", domain.ThreadQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func texts(msgs []domain.ThreadMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}

func TestMemoryCompactionSignal(t *testing.T) {
	m := NewMemory(MemoryConfig{CompactEvery: 3, KeepTail: 1}, nopLogger())
	defer m.Close()

	signals := make(chan domain.CompactionSignal, 4)
	unsub := m.SubscribeSystem(func(_ context.Context, sig domain.CompactionSignal) { signals <- sig })
	defer unsub()

	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "b"}, func(context.Context, domain.InboundMessage) {})
	require.NoError(t, err)
	send := func(p domain.ProtocolMessage) {
		t.Helper()
		_, err := m.Send(context.Background(), domain.OutboundMessage{From: "a", To: "b", ThreadID: "long", Payload: p})
		require.NoError(t, err)
	}

	send(domain.NewChat("1"))
	send(domain.NewChat("2"))
	select {
	case sig := <-signals:
		t.Fatalf("premature signal %+v", sig)
	case <-time.After(20 * time.Millisecond):
	}

	send(domain.NewChat("3"))
	var sig domain.CompactionSignal
	select {
	case sig = <-signals:
	case <-time.After(time.Second):
		t.Fatal("no compaction signal")
	}
	assert.Equal(t, domain.CompactionSignal{ThreadID: "long", MessageCount: 3, LatestCheckpointEnd: 0, KeepTailMessages: 1}, sig)

	st, err := m.ThreadStatus(context.Background(), "long")
	require.NoError(t, err)
	assert.True(t, st.NeedsCompaction)

	from, to, ok := sig.Range()
	require.True(t, ok)
	send(domain.NewCheckpoint(from, to, "summary of 1-2"))

	st, err = m.ThreadStatus(context.Background(), "long")
	require.NoError(t, err)
	assert.Equal(t, 4, st.MessageCount)
	assert.Equal(t, 2, st.LatestCheckpointEnd)
	assert.False(t, st.NeedsCompaction)

	_, err = m.ThreadStatus(context.Background(), "absent")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryListThreads(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	m.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "b"}, func(context.Context, domain.InboundMessage) {})
	require.NoError(t, err)
	for _, thread := range []string{"old", "new"} {
		_, err := m.Send(context.Background(), domain.OutboundMessage{From: "a", To: "b", ThreadID: thread, Payload: domain.NewChat("x")})
		require.NoError(t, err)
	}

	threads, err := m.ListThreads(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "new", threads[0].ID)
	assert.Equal(t, []string{"a", "b"}, threads[0].Participants)
	assert.Equal(t, 1, threads[1].MessageCount)
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	_, err := m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "b"}, func(context.Context, domain.InboundMessage) {})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "c"}, func(context.Context, domain.InboundMessage) {})
	assert.ErrorIs(t, err, domain.ErrBridgeClosed)

	agents, _ := m.ListOnlineAgents(context.Background())
	assert.Empty(t, agents)
}

func TestMemorySendWithoutRecipientOnlyAppends(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nopLogger())
	defer m.Close()

	ack, err := m.Send(context.Background(), domain.OutboundMessage{From: "summarizer", ThreadID: "t", Payload: domain.NewCheckpoint(1, 4, "s")})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.MessageID)

	st, err := m.ThreadStatus(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, 1, st.MessageCount)
	// A checkpoint cannot cover messages the thread does not have.
	assert.Equal(t, 1, st.LatestCheckpointEnd)
}
