package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

const (
	defaultDialTimeout = 10 * time.Second
	readLimit          = 4 << 20
	// callSlack is added to Request timeouts so the service can answer
	// with its own timeout error first.
	callSlack = 5 * time.Second
)

// Wire methods.
const (
	methodSend        = "send"
	methodRequest     = "request"
	methodReply       = "reply"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodListAgents  = "list_agents"
	methodListThreads = "list_threads"
	methodGetMessages = "get_messages"
	methodStatus      = "thread_status"
)

// Pushed event names.
const (
	eventInbox  = "inbox"
	eventSystem = "system"
)

// WebSocketConfig configures the remote bridge client.
type WebSocketConfig struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	DialTimeout    time.Duration
}

// rpcRequest is a client-to-service call.
type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// rpcError is the error member of a response frame.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// frame is anything the service writes: a response carries ID, a pushed
// event carries Event.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// inboxEvent is the data of an "inbox" event. ReplyToken is set when the
// sender is waiting in Request.
type inboxEvent struct {
	domain.InboundMessage
	ReplyToken string `json:"reply_token,omitempty"`
}

type messageParams struct {
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	ThreadID  string                 `json:"thread_id"`
	Payload   domain.ProtocolMessage `json:"payload"`
	TimeoutMS int64                  `json:"timeout_ms,omitempty"`
}

type replyParams struct {
	Token   string                 `json:"token"`
	Payload domain.ProtocolMessage `json:"payload"`
}

type subscribeParams struct {
	Agent domain.OnlineAgent `json:"agent"`
}

type threadParams struct {
	ThreadID string `json:"thread_id"`
	Limit    int    `json:"limit,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

// WebSocket is a NetworkBridge client for a remote messaging service.
// All calls share one connection; responses are matched by request id.
type WebSocket struct {
	conn   *websocket.Conn
	cfg    WebSocketConfig
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan frame
	inboxes  map[string]*inbox
	system   map[int]domain.SystemHandler
	nextSub  int
	closed   bool

	done     chan struct{}
	readDone chan struct{}
	cancel   context.CancelFunc
}

// DialWebSocket connects to the messaging service at cfg.URL.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig, logger *slog.Logger) (*WebSocket, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: bridge url is required", domain.ErrInvalidInput)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancelDial()

	opts := &websocket.DialOptions{}
	if cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
	}
	conn, _, err := websocket.Dial(dialCtx, cfg.URL, opts)
	if err != nil {
		return nil, domain.WrapOp("bridge.dial", err)
	}
	conn.SetReadLimit(readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	ws := &WebSocket{
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]chan frame),
		inboxes:  make(map[string]*inbox),
		system:   make(map[int]domain.SystemHandler),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		cancel:   cancel,
	}
	go ws.readLoop(readCtx)
	logger.Info("bridge connected", "url", cfg.URL)
	return ws, nil
}

func (w *WebSocket) readLoop(ctx context.Context) {
	defer close(w.readDone)
	for {
		var f frame
		if err := wsjson.Read(ctx, w.conn, &f); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				w.logger.Warn("bridge connection lost", "error", err)
			}
			w.shutdown()
			return
		}
		if f.Event != "" {
			w.handleEvent(f)
			continue
		}
		w.mu.Lock()
		ch, ok := w.pending[f.ID]
		w.mu.Unlock()
		if !ok {
			w.logger.Debug("bridge response without caller", "id", f.ID)
			continue
		}
		select {
		case ch <- f:
		default:
			w.logger.Warn("duplicate bridge response dropped", "id", f.ID)
		}
	}
}

func (w *WebSocket) handleEvent(f frame) {
	switch f.Event {
	case eventInbox:
		var ev inboxEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			w.logger.Warn("bad inbox event", "error", err)
			return
		}
		w.mu.Lock()
		ib, ok := w.inboxes[ev.To]
		w.mu.Unlock()
		if !ok {
			w.logger.Debug("inbox event for unknown agent", "agent_id", ev.To)
			return
		}
		in := ev.InboundMessage
		in.Reply = w.replyFunc(ev.ReplyToken)
		select {
		case ib.ch <- in:
		case <-ib.done:
		default:
			w.logger.Warn("inbox full, dropping message", "agent_id", ev.To, "message_id", ev.ID)
		}

	case eventSystem:
		var sig domain.CompactionSignal
		if err := json.Unmarshal(f.Data, &sig); err != nil {
			w.logger.Warn("bad system event", "error", err)
			return
		}
		w.mu.Lock()
		handlers := make([]domain.SystemHandler, 0, len(w.system))
		for _, h := range w.system {
			handlers = append(handlers, h)
		}
		w.mu.Unlock()
		for _, h := range handlers {
			go func() {
				defer recoverHandler(w.logger, "system")
				h(context.Background(), sig)
			}()
		}

	default:
		w.logger.Debug("unknown bridge event", "event", f.Event)
	}
}

func (w *WebSocket) replyFunc(token string) domain.ReplyFunc {
	if token == "" {
		return func(context.Context, domain.ProtocolMessage) error { return domain.ErrNoReplyDestination }
	}
	return func(ctx context.Context, msg domain.ProtocolMessage) error {
		return w.call(ctx, methodReply, replyParams{Token: token, Payload: msg}, nil, w.cfg.RequestTimeout)
	}
}

// call writes one request and waits for its response.
func (w *WebSocket) call(ctx context.Context, method string, params, out any, timeout time.Duration) error {
	id := domain.NewID()
	ch := make(chan frame, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return domain.ErrBridgeClosed
	}
	w.pending[id] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	w.writeMu.Lock()
	err := wsjson.Write(ctx, w.conn, rpcRequest{ID: id, Method: method, Params: params})
	w.writeMu.Unlock()
	if err != nil {
		if w.isClosed() {
			return domain.ErrBridgeClosed
		}
		return domain.WrapOp("bridge."+method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		if f.Error != nil {
			return wireError(method, f.Error)
		}
		if out == nil || len(f.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(f.Result, out); err != nil {
			return domain.WrapOp("bridge."+method, err)
		}
		return nil
	case <-timer.C:
		return domain.NewDomainError("bridge."+method, domain.ErrDeliveryTimeout, fmt.Sprintf("no response within %v", timeout))
	case <-w.done:
		return domain.ErrBridgeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wireError maps a service error code onto the domain sentinels. Codes are
// matched case-insensitively and a bare TIMEOUT means delivery timed out.
func wireError(method string, e *rpcError) error {
	code := domain.ErrorCode(strings.ToUpper(strings.TrimSpace(e.Code)))
	sentinel := domain.ErrorFromCode(code)
	if code == domain.CodeTimeout {
		sentinel = domain.ErrDeliveryTimeout
	}
	if sentinel == nil {
		return fmt.Errorf("bridge.%s: %s: %s", method, e.Code, e.Message)
	}
	return domain.NewDomainError("bridge."+method, sentinel, e.Message)
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Send delivers msg without waiting for a reply.
func (w *WebSocket) Send(ctx context.Context, msg domain.OutboundMessage) (*domain.Ack, error) {
	if err := msg.Payload.Validate(); err != nil {
		return nil, err
	}
	var ack domain.Ack
	if err := w.call(ctx, methodSend, toParams(msg, 0), &ack, w.cfg.RequestTimeout); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Request delivers msg and waits for the recipient's reply.
func (w *WebSocket) Request(ctx context.Context, msg domain.OutboundMessage) (*domain.ThreadMessage, error) {
	if err := msg.Payload.Validate(); err != nil {
		return nil, err
	}
	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = w.cfg.RequestTimeout
	}
	var reply domain.ThreadMessage
	if err := w.call(ctx, methodRequest, toParams(msg, timeout), &reply, timeout+callSlack); err != nil {
		return nil, err
	}
	return &reply, nil
}

func toParams(msg domain.OutboundMessage, timeout time.Duration) messageParams {
	return messageParams{
		From:      msg.From,
		To:        msg.To,
		ThreadID:  msg.ThreadID,
		Payload:   msg.Payload,
		TimeoutMS: timeout.Milliseconds(),
	}
}

// SubscribeInbox announces agent to the service and routes its inbox
// events to handler in arrival order.
func (w *WebSocket) SubscribeInbox(ctx context.Context, agent domain.OnlineAgent, handler domain.InboxHandler) (func(), error) {
	if agent.ID == "" {
		return nil, fmt.Errorf("%w: agent id is required", domain.ErrInvalidInput)
	}
	ib := &inbox{
		agent:   agent,
		handler: handler,
		ctx:     ctx,
		ch:      make(chan domain.InboundMessage, inboxBuffer),
		done:    make(chan struct{}),
	}
	w.mu.Lock()
	if _, exists := w.inboxes[agent.ID]; exists {
		w.mu.Unlock()
		return nil, domain.NewDomainError("bridge.subscribe", domain.ErrDuplicate, agent.ID)
	}
	w.inboxes[agent.ID] = ib
	w.mu.Unlock()

	release := func() {
		w.mu.Lock()
		if w.inboxes[agent.ID] == ib {
			delete(w.inboxes, agent.ID)
		}
		w.mu.Unlock()
		ib.stop()
	}
	if err := w.call(ctx, methodSubscribe, subscribeParams{Agent: agent}, nil, w.cfg.RequestTimeout); err != nil {
		release()
		return nil, err
	}
	go ib.run(w.logger)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			release()
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DialTimeout)
			defer cancel()
			if err := w.call(ctx, methodUnsubscribe, subscribeParams{Agent: agent}, nil, w.cfg.DialTimeout); err != nil && !errors.Is(err, domain.ErrBridgeClosed) {
				w.logger.Warn("unsubscribe failed", "agent_id", agent.ID, "error", err)
			}
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}, nil
}

// SubscribeSystem registers a compaction signal handler.
func (w *WebSocket) SubscribeSystem(handler domain.SystemHandler) func() {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.system[id] = handler
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.system, id)
		w.mu.Unlock()
	}
}

func (w *WebSocket) ListOnlineAgents(ctx context.Context) ([]domain.OnlineAgent, error) {
	var agents []domain.OnlineAgent
	if err := w.call(ctx, methodListAgents, nil, &agents, w.cfg.RequestTimeout); err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (w *WebSocket) ListThreads(ctx context.Context) ([]domain.ThreadInfo, error) {
	var threads []domain.ThreadInfo
	if err := w.call(ctx, methodListThreads, nil, &threads, w.cfg.RequestTimeout); err != nil {
		return nil, err
	}
	return threads, nil
}

func (w *WebSocket) GetThreadMessages(ctx context.Context, threadID string, q domain.ThreadQuery) (*domain.ThreadPage, error) {
	var page domain.ThreadPage
	params := threadParams{ThreadID: threadID, Limit: q.Limit, Cursor: q.Cursor}
	if err := w.call(ctx, methodGetMessages, params, &page, w.cfg.RequestTimeout); err != nil {
		return nil, err
	}
	return &page, nil
}

func (w *WebSocket) ThreadStatus(ctx context.Context, threadID string) (*domain.ThreadStatus, error) {
	var st domain.ThreadStatus
	if err := w.call(ctx, methodStatus, threadParams{ThreadID: threadID}, &st, w.cfg.RequestTimeout); err != nil {
		return nil, err
	}
	return &st, nil
}

// shutdown marks the client closed and releases waiters. Safe to call
// more than once.
func (w *WebSocket) shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	inboxes := make([]*inbox, 0, len(w.inboxes))
	for id, ib := range w.inboxes {
		inboxes = append(inboxes, ib)
		delete(w.inboxes, id)
	}
	w.mu.Unlock()

	close(w.done)
	for _, ib := range inboxes {
		ib.stop()
	}
}

// Close closes the connection. Calls still waiting fail with
// domain.ErrBridgeClosed.
func (w *WebSocket) Close() error {
	w.shutdown()
	err := w.conn.Close(websocket.StatusNormalClosure, "client closing")
	w.cancel()
	<-w.readDone
	if err != nil {
		w.logger.Debug("bridge close", "error", err)
	}
	return nil
}

var _ domain.NetworkBridge = (*WebSocket)(nil)
