package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MessageType is the closed set of envelope types exchanged between agents.
type MessageType string

const (
	TypeAssign     MessageType = "assign"
	TypeProgress   MessageType = "progress"
	TypeBlocked    MessageType = "blocked"
	TypeDone       MessageType = "done"
	TypeReview     MessageType = "review"
	TypeChat       MessageType = "chat"
	TypeCheckpoint MessageType = "checkpoint"
)

// Valid reports whether t is one of the known envelope types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeAssign, TypeProgress, TypeBlocked, TypeDone, TypeReview, TypeChat, TypeCheckpoint:
		return true
	}
	return false
}

// Terminal reports whether t ends a task lifecycle.
func (t MessageType) Terminal() bool {
	return t == TypeDone || t == TypeBlocked
}

// Metadata keys used by the constructors.
const (
	MetaError          = "error"
	MetaCheckpointFrom = "from"
	MetaCheckpointTo   = "to"
)

// ProtocolMessage is the task-lifecycle envelope carried in every payload.
type ProtocolMessage struct {
	Type     MessageType    `json:"type"`
	Text     string         `json:"text"`
	Assignee string         `json:"assignee,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewChat builds a plain conversational envelope.
func NewChat(text string) ProtocolMessage {
	return ProtocolMessage{Type: TypeChat, Text: text}
}

// NewAssign builds a task assignment for assignee.
func NewAssign(assignee, instructions string) ProtocolMessage {
	return ProtocolMessage{Type: TypeAssign, Text: instructions, Assignee: assignee}
}

// NewProgress builds an interim status update.
func NewProgress(text string) ProtocolMessage {
	return ProtocolMessage{Type: TypeProgress, Text: text}
}

// NewReview builds a review request or review result.
func NewReview(text string) ProtocolMessage {
	return ProtocolMessage{Type: TypeReview, Text: text}
}

// NewDone builds a completion envelope. metadata may be nil.
func NewDone(result string, metadata map[string]any) ProtocolMessage {
	return ProtocolMessage{Type: TypeDone, Text: result, Metadata: metadata}
}

// NewBlocked builds a blocked envelope. The raw error text, if any, is kept
// under metadata.error.
func NewBlocked(reason string, rawErr error) ProtocolMessage {
	msg := ProtocolMessage{Type: TypeBlocked, Text: reason}
	if rawErr != nil {
		msg.Metadata = map[string]any{MetaError: rawErr.Error()}
	}
	return msg
}

// NewCheckpoint builds a summary covering thread messages from..to.
func NewCheckpoint(from, to int, summary string) ProtocolMessage {
	return ProtocolMessage{
		Type: TypeCheckpoint,
		Text: summary,
		Metadata: map[string]any{
			MetaCheckpointFrom: from,
			MetaCheckpointTo:   to,
		},
	}
}

// Validate checks the envelope invariants.
func (m ProtocolMessage) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, m.Type)
	}
	if m.Type == TypeAssign && strings.TrimSpace(m.Assignee) == "" {
		return fmt.Errorf("%w: assign message requires an assignee", ErrInvalidInput)
	}
	return nil
}

// ErrorDetail returns metadata.error when present.
func (m ProtocolMessage) ErrorDetail() string {
	if s, ok := m.Metadata[MetaError].(string); ok {
		return s
	}
	return ""
}

// CheckpointRange returns the covered range of a checkpoint envelope.
func (m ProtocolMessage) CheckpointRange() (from, to int, ok bool) {
	if m.Type != TypeCheckpoint {
		return 0, 0, false
	}
	f, okF := asInt(m.Metadata[MetaCheckpointFrom])
	t, okT := asInt(m.Metadata[MetaCheckpointTo])
	return f, t, okF && okT
}

// Marshal encodes the envelope as a payload.
func (m ProtocolMessage) Marshal() json.RawMessage {
	data, err := json.Marshal(m)
	if err != nil {
		// Metadata holding unencodable values is a programming error.
		data, _ = json.Marshal(ProtocolMessage{Type: m.Type, Text: m.Text, Assignee: m.Assignee})
	}
	return data
}

// IsProtocolMessage reports whether v looks like an envelope: a string type
// and a string text. It accepts ProtocolMessage values, decoded JSON maps,
// and raw JSON.
func IsProtocolMessage(v any) bool {
	switch x := v.(type) {
	case ProtocolMessage:
		return x.Type != ""
	case *ProtocolMessage:
		return x != nil && x.Type != ""
	case map[string]any:
		_, ok := envelopeFromMap(x)
		return ok
	case json.RawMessage:
		return IsProtocolMessage([]byte(x))
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(x, &m); err != nil {
			return false
		}
		return IsProtocolMessage(m)
	}
	return false
}

// wrapperKeys are the known envelope wrappers used by transports and
// older peers, tried in order by the explicit decoder.
var wrapperKeys = []string{"payload", "message", "content", "data"}

const maxWrapDepth = 4

// DecodeEnvelope decodes raw as an envelope using the known shapes only:
// a bare envelope, an envelope under one of the wrapper keys, or either of
// those encoded as a JSON string.
func DecodeEnvelope(raw json.RawMessage) (ProtocolMessage, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ProtocolMessage{}, false
	}
	return decodeKnown(v, 0)
}

func decodeKnown(v any, depth int) (ProtocolMessage, bool) {
	if depth > maxWrapDepth {
		return ProtocolMessage{}, false
	}
	switch x := v.(type) {
	case string:
		inner, ok := parseJSONString(x)
		if !ok {
			return ProtocolMessage{}, false
		}
		return decodeKnown(inner, depth+1)
	case map[string]any:
		if msg, ok := envelopeFromMap(x); ok {
			return msg, true
		}
		for _, key := range wrapperKeys {
			if inner, ok := x[key]; ok {
				if msg, ok := decodeKnown(inner, depth+1); ok {
					return msg, true
				}
			}
		}
	}
	return ProtocolMessage{}, false
}

// FindLifecycle locates a done or blocked envelope in raw. The explicit
// decoder runs first; when it fails, the whole value is searched
// structurally and the first terminal envelope found wins.
func FindLifecycle(raw json.RawMessage) (ProtocolMessage, bool) {
	if msg, ok := DecodeEnvelope(raw); ok {
		if msg.Type.Terminal() {
			return msg, true
		}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ProtocolMessage{}, false
	}
	return searchTerminal(v, 0)
}

const maxSearchDepth = 16

func searchTerminal(v any, depth int) (ProtocolMessage, bool) {
	if depth > maxSearchDepth {
		return ProtocolMessage{}, false
	}
	switch x := v.(type) {
	case map[string]any:
		if msg, ok := envelopeFromMap(x); ok && msg.Type.Terminal() {
			return msg, true
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if msg, ok := searchTerminal(x[k], depth+1); ok {
				return msg, true
			}
		}
	case []any:
		for _, item := range x {
			if msg, ok := searchTerminal(item, depth+1); ok {
				return msg, true
			}
		}
	case string:
		if inner, ok := parseJSONString(x); ok {
			return searchTerminal(inner, depth+1)
		}
	}
	return ProtocolMessage{}, false
}

// PayloadText renders a payload for prompts and transcripts: the envelope
// text when it decodes, the string itself for JSON strings, or the raw bytes.
func PayloadText(raw json.RawMessage) string {
	if msg, ok := DecodeEnvelope(raw); ok {
		return msg.Text
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func envelopeFromMap(m map[string]any) (ProtocolMessage, bool) {
	typ, ok := m["type"].(string)
	if !ok {
		return ProtocolMessage{}, false
	}
	text, ok := m["text"].(string)
	if !ok {
		return ProtocolMessage{}, false
	}
	msg := ProtocolMessage{Type: MessageType(typ), Text: text}
	if a, ok := m["assignee"].(string); ok {
		msg.Assignee = a
	}
	if md, ok := m["metadata"].(map[string]any); ok {
		msg.Metadata = md
	}
	return msg, true
}

func parseJSONString(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
