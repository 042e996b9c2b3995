// Package bridge provides domain.NetworkBridge implementations: an
// in-process transport for local mode and tests, and a WebSocket client
// for a remote messaging service.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

const (
	defaultRequestTimeout = 2 * time.Minute
	defaultPageLimit      = 50
	inboxBuffer           = 256
)

// MemoryConfig configures the in-process bridge.
type MemoryConfig struct {
	RequestTimeout time.Duration // default wait for Request replies
	// CompactEvery emits a compaction signal once a thread has grown this
	// many messages past its latest checkpoint. 0 disables signals.
	CompactEvery int
	KeepTail     int // messages left out of each checkpoint
}

type threadLog struct {
	messages      []domain.ThreadMessage
	participants  map[string]bool
	checkpointEnd int // 1-based index of the last summarised message
	signaledAt    int // message count at the last compaction signal
}

type inbox struct {
	agent   domain.OnlineAgent
	handler domain.InboxHandler
	ctx     context.Context
	ch      chan domain.InboundMessage
	done    chan struct{}
	once    sync.Once
}

func (ib *inbox) stop() { ib.once.Do(func() { close(ib.done) }) }

// run hands queued messages to the handler one at a time until stopped.
func (ib *inbox) run(logger *slog.Logger) {
	for {
		select {
		case <-ib.done:
			return
		case in := <-ib.ch:
			func() {
				defer recoverHandler(logger, "inbox")
				ib.handler(ib.ctx, in)
			}()
		}
	}
}

func recoverHandler(logger *slog.Logger, kind string) {
	if r := recover(); r != nil {
		logger.Error("bridge handler panicked", "handler", kind, "panic", r)
	}
}

// Memory is an in-process NetworkBridge. Threads live in memory, each
// subscribed agent has an ordered inbox drained by one goroutine, and
// Request correlates replies through the delivered message's Reply func.
type Memory struct {
	cfg    MemoryConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	threads  map[string]*threadLog
	inboxes  map[string]*inbox
	system   map[int]domain.SystemHandler
	nextSub  int
	closed   bool
	inflight sync.WaitGroup
}

// NewMemory creates an in-process bridge.
func NewMemory(cfg MemoryConfig, logger *slog.Logger) *Memory {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.KeepTail < 0 {
		cfg.KeepTail = 0
	}
	return &Memory{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		threads: make(map[string]*threadLog),
		inboxes: make(map[string]*inbox),
		system:  make(map[int]domain.SystemHandler),
	}
}

// Send appends msg to its thread and delivers it to the recipient's inbox.
// The recipient's Reply returns domain.ErrNoReplyDestination. An empty To
// appends to the thread without delivering.
func (m *Memory) Send(ctx context.Context, msg domain.OutboundMessage) (*domain.Ack, error) {
	var stored domain.ThreadMessage
	var err error
	if msg.To == "" {
		stored, err = m.appendMessage(msg)
	} else {
		noReply := func(context.Context, domain.ProtocolMessage) error { return domain.ErrNoReplyDestination }
		stored, err = m.deliver(ctx, msg, noReply)
	}
	if err != nil {
		return nil, err
	}
	return &domain.Ack{MessageID: stored.ID, Timestamp: stored.Timestamp}, nil
}

// Request delivers msg and waits for the recipient to call Reply. A reply
// that arrives after the timeout is still appended to the thread.
func (m *Memory) Request(ctx context.Context, msg domain.OutboundMessage) (*domain.ThreadMessage, error) {
	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}

	replies := make(chan domain.ThreadMessage, 1)
	var once sync.Once
	reply := func(rctx context.Context, env domain.ProtocolMessage) error {
		answered := false
		once.Do(func() { answered = true })
		if !answered {
			return fmt.Errorf("%w: request already answered", domain.ErrDuplicate)
		}
		stored, err := m.appendMessage(domain.OutboundMessage{
			From:     msg.To,
			To:       msg.From,
			ThreadID: msg.ThreadID,
			Payload:  env,
		})
		if err != nil {
			return err
		}
		replies <- stored
		return nil
	}

	if _, err := m.deliver(ctx, msg, reply); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-replies:
		return &r, nil
	case <-timer.C:
		return nil, domain.NewDomainError("Memory.Request", domain.ErrDeliveryTimeout,
			fmt.Sprintf("%s did not reply within %v", msg.To, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) deliver(ctx context.Context, msg domain.OutboundMessage, reply domain.ReplyFunc) (domain.ThreadMessage, error) {
	m.mu.Lock()
	ib, online := m.inboxes[msg.To]
	m.mu.Unlock()
	if !online {
		return domain.ThreadMessage{}, domain.NewDomainError("Memory.Send", domain.ErrAgentOffline, msg.To)
	}

	stored, err := m.appendMessage(msg)
	if err != nil {
		return domain.ThreadMessage{}, err
	}

	in := domain.InboundMessage{
		ID:        stored.ID,
		ThreadID:  stored.ThreadID,
		From:      stored.From,
		To:        stored.To,
		Payload:   stored.Payload,
		Timestamp: stored.Timestamp,
		Reply:     reply,
	}
	select {
	case ib.ch <- in:
		return stored, nil
	case <-ib.done:
		return domain.ThreadMessage{}, domain.NewDomainError("Memory.Send", domain.ErrAgentOffline, msg.To)
	case <-ctx.Done():
		return domain.ThreadMessage{}, ctx.Err()
	}
}

// appendMessage stores msg on its thread and fires a compaction signal
// when the thread crosses the threshold.
func (m *Memory) appendMessage(msg domain.OutboundMessage) (domain.ThreadMessage, error) {
	if msg.ThreadID == "" {
		return domain.ThreadMessage{}, fmt.Errorf("%w: thread id is required", domain.ErrInvalidInput)
	}
	if err := msg.Payload.Validate(); err != nil {
		return domain.ThreadMessage{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ThreadMessage{}, domain.ErrBridgeClosed
	}
	t, ok := m.threads[msg.ThreadID]
	if !ok {
		t = &threadLog{participants: make(map[string]bool)}
		m.threads[msg.ThreadID] = t
	}
	stored := domain.ThreadMessage{
		ID:        domain.NewID(),
		ThreadID:  msg.ThreadID,
		From:      msg.From,
		To:        msg.To,
		Payload:   msg.Payload.Marshal(),
		Timestamp: m.now(),
	}
	t.messages = append(t.messages, stored)
	t.participants[msg.From] = true
	if msg.To != "" {
		t.participants[msg.To] = true
	}
	if _, to, ok := msg.Payload.CheckpointRange(); ok && to > t.checkpointEnd {
		t.checkpointEnd = min(to, len(t.messages))
		t.signaledAt = len(t.messages)
	}

	var sig *domain.CompactionSignal
	var handlers []domain.SystemHandler
	count := len(t.messages)
	if m.cfg.CompactEvery > 0 && count-t.checkpointEnd >= m.cfg.CompactEvery && count-t.signaledAt >= m.cfg.CompactEvery {
		t.signaledAt = count
		sig = &domain.CompactionSignal{
			ThreadID:            msg.ThreadID,
			MessageCount:        count,
			LatestCheckpointEnd: t.checkpointEnd,
			KeepTailMessages:    m.cfg.KeepTail,
		}
		for _, h := range m.system {
			handlers = append(handlers, h)
		}
	}
	if sig != nil {
		m.inflight.Add(len(handlers))
	}
	m.mu.Unlock()

	if sig != nil {
		m.logger.Debug("compaction signal", "thread_id", sig.ThreadID, "message_count", sig.MessageCount)
		for _, h := range handlers {
			go func() {
				defer m.inflight.Done()
				defer recoverHandler(m.logger, "system")
				h(context.Background(), *sig)
			}()
		}
	}
	return stored, nil
}

// SubscribeInbox registers agent as online. Messages are handed to handler
// one at a time in arrival order. Cancelling ctx unsubscribes.
func (m *Memory) SubscribeInbox(ctx context.Context, agent domain.OnlineAgent, handler domain.InboxHandler) (func(), error) {
	if agent.ID == "" {
		return nil, fmt.Errorf("%w: agent id is required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrBridgeClosed
	}
	if _, exists := m.inboxes[agent.ID]; exists {
		m.mu.Unlock()
		return nil, domain.NewDomainError("Memory.SubscribeInbox", domain.ErrDuplicate, agent.ID)
	}
	ib := &inbox{
		agent:   agent,
		handler: handler,
		ctx:     ctx,
		ch:      make(chan domain.InboundMessage, inboxBuffer),
		done:    make(chan struct{}),
	}
	m.inboxes[agent.ID] = ib
	m.inflight.Add(1)
	m.mu.Unlock()

	go m.drainInbox(ib)
	m.logger.Info("agent online", "agent_id", agent.ID)

	unsubscribe := func() {
		m.mu.Lock()
		if m.inboxes[agent.ID] == ib {
			delete(m.inboxes, agent.ID)
		}
		m.mu.Unlock()
		ib.stop()
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}, nil
}

func (m *Memory) drainInbox(ib *inbox) {
	defer m.inflight.Done()
	ib.run(m.logger)
}

// SubscribeSystem registers a compaction signal handler.
func (m *Memory) SubscribeSystem(handler domain.SystemHandler) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.system[id] = handler
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.system, id)
		m.mu.Unlock()
	}
}

// ListOnlineAgents returns subscribed agents sorted by id.
func (m *Memory) ListOnlineAgents(context.Context) ([]domain.OnlineAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OnlineAgent, 0, len(m.inboxes))
	for _, ib := range m.inboxes {
		out = append(out, ib.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListThreads returns every known thread, most recently updated first.
func (m *Memory) ListThreads(context.Context) ([]domain.ThreadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ThreadInfo, 0, len(m.threads))
	for id, t := range m.threads {
		info := domain.ThreadInfo{ID: id, MessageCount: len(t.messages)}
		if n := len(t.messages); n > 0 {
			info.UpdatedAt = t.messages[n-1].Timestamp
		}
		for p := range t.participants {
			info.Participants = append(info.Participants, p)
		}
		sort.Strings(info.Participants)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetThreadMessages returns the newest q.Limit messages before q.Cursor in
// chronological order. Unknown threads yield an empty page.
func (m *Memory) GetThreadMessages(_ context.Context, threadID string, q domain.ThreadQuery) (*domain.ThreadPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return &domain.ThreadPage{}, nil
	}

	end := len(t.messages)
	if q.Cursor != "" {
		c, err := strconv.Atoi(q.Cursor)
		if err != nil || c < 0 || c > len(t.messages) {
			return nil, fmt.Errorf("%w: bad cursor %q", domain.ErrInvalidInput, q.Cursor)
		}
		end = c
	}
	start := max(0, end-limit)

	page := &domain.ThreadPage{Messages: append([]domain.ThreadMessage(nil), t.messages[start:end]...)}
	if start > 0 {
		page.NextCursor = strconv.Itoa(start)
	}
	return page, nil
}

// ThreadStatus reports message accounting for a thread.
func (m *Memory) ThreadStatus(_ context.Context, threadID string) (*domain.ThreadStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil, domain.NewDomainError("Memory.ThreadStatus", domain.ErrNotFound, threadID)
	}
	st := &domain.ThreadStatus{
		ThreadID:            threadID,
		MessageCount:        len(t.messages),
		LatestCheckpointEnd: t.checkpointEnd,
		NeedsCompaction:     m.cfg.CompactEvery > 0 && len(t.messages)-t.checkpointEnd >= m.cfg.CompactEvery,
	}
	if n := len(t.messages); n > 0 {
		st.UpdatedAt = t.messages[n-1].Timestamp
	}
	return st, nil
}

// Close stops every inbox and waits for in-flight handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	inboxes := make([]*inbox, 0, len(m.inboxes))
	for id, ib := range m.inboxes {
		inboxes = append(inboxes, ib)
		delete(m.inboxes, id)
	}
	m.mu.Unlock()

	for _, ib := range inboxes {
		ib.stop()
	}
	m.inflight.Wait()
	return nil
}

var _ domain.NetworkBridge = (*Memory)(nil)
