package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ReplyFunc answers the message it was delivered with. It returns
// ErrNoReplyDestination when the sender did not wait for a reply.
type ReplyFunc func(ctx context.Context, msg ProtocolMessage) error

// InboundMessage is a message delivered to an agent's inbox.
type InboundMessage struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Reply     ReplyFunc       `json:"-"`
}

// Envelope decodes the payload. Payloads that are not envelopes are
// treated as chat text.
func (m InboundMessage) Envelope() ProtocolMessage {
	if msg, ok := DecodeEnvelope(m.Payload); ok {
		return msg
	}
	return NewChat(PayloadText(m.Payload))
}

// OutboundMessage is a message handed to the bridge for delivery.
// Timeout applies to Request only; zero uses the bridge default.
type OutboundMessage struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	ThreadID string          `json:"thread_id"`
	Payload  ProtocolMessage `json:"payload"`
	Timeout  time.Duration   `json:"-"`
}

// Ack confirms a message was appended to its thread.
type Ack struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// InboxHandler receives messages addressed to one agent. It must not block
// for long; agents enqueue and return.
type InboxHandler func(ctx context.Context, msg InboundMessage)

// SystemHandler receives transport system events.
type SystemHandler func(ctx context.Context, sig CompactionSignal)

// NetworkBridge is the contract with the messaging collaborator that
// transports, persists and accounts for agent threads.
type NetworkBridge interface {
	// Send delivers fire-and-forget. The recipient cannot reply.
	Send(ctx context.Context, msg OutboundMessage) (*Ack, error)
	// Request delivers and waits for the recipient's reply.
	Request(ctx context.Context, msg OutboundMessage) (*ThreadMessage, error)
	// SubscribeInbox announces agent as online and routes its messages to handler.
	SubscribeInbox(ctx context.Context, agent OnlineAgent, handler InboxHandler) (func(), error)
	// SubscribeSystem registers a handler for compaction signals.
	SubscribeSystem(handler SystemHandler) func()
	ListOnlineAgents(ctx context.Context) ([]OnlineAgent, error)
	ListThreads(ctx context.Context) ([]ThreadInfo, error)
	GetThreadMessages(ctx context.Context, threadID string, q ThreadQuery) (*ThreadPage, error)
	ThreadStatus(ctx context.Context, threadID string) (*ThreadStatus, error)
	Close() error
}
