package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// fakeService is a minimal messaging service speaking the bridge wire
// protocol on one connection. Everything runs on the connection's read
// goroutine, so no locking is needed.
type fakeService struct {
	t     *testing.T
	token string
}

type serverFrame struct {
	ID     string    `json:"id,omitempty"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
	Event  string    `json:"event,omitempty"`
	Data   any       `json:"data,omitempty"`
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Errorf("accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	write := func(f serverFrame) {
		if err := wsjson.Write(ctx, conn, f); err != nil {
			s.t.Logf("server write: %v", err)
		}
	}
	fail := func(id, code, msg string) {
		write(serverFrame{ID: id, Error: &rpcError{Code: code, Message: msg}})
	}

	waiting := map[string]string{} // reply token -> request id
	var seq int
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		raw, _ := json.Marshal(req.Params)

		switch req.Method {
		case methodSubscribe:
			var p subscribeParams
			_ = json.Unmarshal(raw, &p)
			write(serverFrame{ID: req.ID, Result: map[string]any{}})
			write(serverFrame{Event: eventSystem, Data: domain.CompactionSignal{ThreadID: "t", MessageCount: 120, KeepTailMessages: 20}})

		case methodUnsubscribe:
			write(serverFrame{ID: req.ID, Result: map[string]any{}})

		case methodSend:
			var p messageParams
			_ = json.Unmarshal(raw, &p)
			if p.To == "ghost" {
				fail(req.ID, "AGENT_OFFLINE", "ghost is not connected")
				continue
			}
			seq++
			id := "srv-" + string(rune('0'+seq))
			write(serverFrame{ID: req.ID, Result: domain.Ack{MessageID: id, Timestamp: time.Now()}})
			write(serverFrame{Event: eventInbox, Data: map[string]any{
				"id": id, "thread_id": p.ThreadID, "from": p.From, "to": p.To, "payload": p.Payload,
			}})

		case methodRequest:
			var p messageParams
			_ = json.Unmarshal(raw, &p)
			switch p.To {
			case "slow":
				fail(req.ID, "timeout", "slow did not reply")
			case "hang":
			case "stutter":
				for range 3 {
					write(serverFrame{ID: req.ID, Result: domain.ThreadMessage{ID: "srv-dup", From: "stutter", Payload: domain.NewChat("again").Marshal()}})
				}
			default:
				token := "tok-" + req.ID
				waiting[token] = req.ID
				write(serverFrame{Event: eventInbox, Data: map[string]any{
					"id": "srv-req", "thread_id": p.ThreadID, "from": p.From, "to": p.To,
					"payload": p.Payload, "reply_token": token,
				}})
			}

		case methodReply:
			var p replyParams
			_ = json.Unmarshal(raw, &p)
			reqID, ok := waiting[p.Token]
			if !ok {
				fail(req.ID, "no_reply_destination", "unknown token")
				continue
			}
			delete(waiting, p.Token)
			write(serverFrame{ID: req.ID, Result: map[string]any{}})
			write(serverFrame{ID: reqID, Result: domain.ThreadMessage{ID: "srv-reply", From: "echo", Payload: p.Payload.Marshal()}})

		case methodListAgents:
			write(serverFrame{ID: req.ID, Result: []domain.OnlineAgent{{ID: "zed"}, {ID: "amy"}}})

		case methodListThreads:
			write(serverFrame{ID: req.ID, Result: []domain.ThreadInfo{{ID: "main", MessageCount: 3}}})

		case methodGetMessages:
			var p threadParams
			_ = json.Unmarshal(raw, &p)
			write(serverFrame{ID: req.ID, Result: domain.ThreadPage{
				Messages:   []domain.ThreadMessage{{ID: "1", ThreadID: p.ThreadID, Payload: domain.NewChat("hi").Marshal()}},
				NextCursor: p.Cursor + "x",
			}})

		case methodStatus:
			var p threadParams
			_ = json.Unmarshal(raw, &p)
			if p.ThreadID != "main" {
				fail(req.ID, "NOT_FOUND", p.ThreadID)
				continue
			}
			write(serverFrame{ID: req.ID, Result: domain.ThreadStatus{ThreadID: "main", MessageCount: 3, LatestCheckpointEnd: 1}})

		default:
			fail(req.ID, "METHOD_NOT_FOUND", req.Method)
		}
	}
}

func dialFake(t *testing.T, svc *fakeService) *WebSocket {
	t.Helper()
	svc.t = t
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	ws, err := DialWebSocket(context.Background(), WebSocketConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:          svc.token,
		RequestTimeout: 2 * time.Second,
		DialTimeout:    2 * time.Second,
	}, nopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocketSendAndInbox(t *testing.T) {
	ws := dialFake(t, &fakeService{token: "s3cret"})

	c := newCollector()
	unsub, err := ws.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "bob"}, c.handle)
	require.NoError(t, err)
	defer unsub()

	ack, err := ws.Send(context.Background(), domain.OutboundMessage{From: "alice", To: "bob", ThreadID: "main", Payload: domain.NewChat("hello")})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", ack.MessageID)

	msg := c.next(t)
	assert.Equal(t, "hello", msg.Envelope().Text)
	assert.Equal(t, "alice", msg.From)
	assert.ErrorIs(t, msg.Reply(context.Background(), domain.NewChat("x")), domain.ErrNoReplyDestination)
}

func TestWebSocketRequestRoundTrip(t *testing.T) {
	ws := dialFake(t, &fakeService{})

	_, err := ws.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "echo"}, func(ctx context.Context, msg domain.InboundMessage) {
		if err := msg.Reply(ctx, domain.NewChat("echo: "+msg.Envelope().Text)); err != nil {
			t.Errorf("reply: %v", err)
		}
	})
	require.NoError(t, err)

	reply, err := ws.Request(context.Background(), domain.OutboundMessage{From: "me", To: "echo", ThreadID: "t", Payload: domain.NewChat("ping")})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", reply.Text())
	assert.Equal(t, "echo", reply.From)
}

func TestWebSocketErrorCodes(t *testing.T) {
	ws := dialFake(t, &fakeService{})

	_, err := ws.Send(context.Background(), domain.OutboundMessage{From: "a", To: "ghost", ThreadID: "t", Payload: domain.NewChat("x")})
	assert.ErrorIs(t, err, domain.ErrAgentOffline)

	_, err = ws.Request(context.Background(), domain.OutboundMessage{From: "a", To: "slow", ThreadID: "t", Payload: domain.NewChat("x")})
	assert.ErrorIs(t, err, domain.ErrDeliveryTimeout)

	err = ws.replyFunc("stale")(context.Background(), domain.NewChat("late"))
	assert.ErrorIs(t, err, domain.ErrNoReplyDestination)

	_, err = ws.ThreadStatus(context.Background(), "absent")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = ws.call(context.Background(), "bogus", nil, nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "METHOD_NOT_FOUND")

	_, err = ws.Send(context.Background(), domain.OutboundMessage{From: "a", To: "b", ThreadID: "t", Payload: domain.ProtocolMessage{Type: "shout"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestWireError(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"no_reply_destination", domain.ErrNoReplyDestination},
		{"NO_REPLY_DESTINATION", domain.ErrNoReplyDestination},
		{"timeout", domain.ErrDeliveryTimeout},
		{"DELIVERY_TIMEOUT", domain.ErrDeliveryTimeout},
		{"agent_offline", domain.ErrAgentOffline},
		{"invalid_input", domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.ErrorIs(t, wireError("send", &rpcError{Code: tt.code, Message: "m"}), tt.want)
		})
	}
}

func TestWebSocketQueries(t *testing.T) {
	ws := dialFake(t, &fakeService{})

	agents, err := ws.ListOnlineAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "amy", agents[0].ID)

	threads, err := ws.ListThreads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.ThreadInfo{{ID: "main", MessageCount: 3}}, threads)

	page, err := ws.GetThreadMessages(context.Background(), "main", domain.ThreadQuery{Limit: 10, Cursor: "c"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi", page.Messages[0].Text())
	assert.Equal(t, "cx", page.NextCursor)

	st, err := ws.ThreadStatus(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, 1, st.LatestCheckpointEnd)
}

func TestWebSocketSystemEvents(t *testing.T) {
	ws := dialFake(t, &fakeService{})

	signals := make(chan domain.CompactionSignal, 1)
	ws.SubscribeSystem(func(_ context.Context, sig domain.CompactionSignal) { signals <- sig })

	_, err := ws.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "x"}, func(context.Context, domain.InboundMessage) {})
	require.NoError(t, err)

	select {
	case sig := <-signals:
		assert.Equal(t, 120, sig.MessageCount)
		assert.Equal(t, 20, sig.KeepTailMessages)
	case <-time.After(2 * time.Second):
		t.Fatal("no system event")
	}
}

func TestWebSocketDuplicateSubscribe(t *testing.T) {
	ws := dialFake(t, &fakeService{})
	noop := func(context.Context, domain.InboundMessage) {}

	_, err := ws.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "x"}, noop)
	require.NoError(t, err)
	_, err = ws.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "x"}, noop)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestWebSocketCloseFailsPendingCalls(t *testing.T) {
	ws := dialFake(t, &fakeService{})

	errc := make(chan error, 1)
	go func() {
		_, err := ws.Request(context.Background(), domain.OutboundMessage{From: "a", To: "hang", ThreadID: "t", Payload: domain.NewChat("x")})
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ws.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrBridgeClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not released")
	}

	_, err := ws.ListThreads(context.Background())
	assert.ErrorIs(t, err, domain.ErrBridgeClosed)
}

func TestWebSocketCallTimeout(t *testing.T) {
	ws := dialFake(t, &fakeService{})

	params := messageParams{From: "a", To: "hang", ThreadID: "t", Payload: domain.NewChat("x")}
	err := ws.call(context.Background(), methodRequest, params, nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrDeliveryTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ws.Request(ctx, domain.OutboundMessage{From: "a", To: "hang", ThreadID: "t", Payload: domain.NewChat("x")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocketDuplicateResponsesDoNotStallReader(t *testing.T) {
	ws := dialFake(t, &fakeService{})

	got, err := ws.Request(context.Background(), domain.OutboundMessage{From: "a", To: "stutter", ThreadID: "t", Payload: domain.NewChat("x")})
	require.NoError(t, err)
	assert.Equal(t, "again", got.Text())

	threads, err := ws.ListThreads(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "main", threads[0].ID)
}

func TestDialWebSocketErrors(t *testing.T) {
	_, err := DialWebSocket(context.Background(), WebSocketConfig{}, nopLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	svc := &fakeService{token: "right", t: t}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	_, err = DialWebSocket(context.Background(), WebSocketConfig{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token: "wrong",
	}, nopLogger())
	assert.Error(t, err)
}
