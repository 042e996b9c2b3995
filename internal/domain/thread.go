package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ThreadMessage is one entry of a thread's ordered log.
type ThreadMessage struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Text renders the payload for prompts and transcripts.
func (m ThreadMessage) Text() string { return PayloadText(m.Payload) }

// ThreadQuery pages backwards through a thread. Limit <= 0 lets the
// transport choose; Cursor is the NextCursor of a previous page.
type ThreadQuery struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// ThreadPage holds the newest Limit messages before the cursor in
// chronological order. NextCursor is empty when no older messages remain.
type ThreadPage struct {
	Messages   []ThreadMessage `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ThreadInfo summarises a thread known to the transport.
type ThreadInfo struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants,omitempty"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ThreadStatus is the transport's accounting for one thread.
type ThreadStatus struct {
	ThreadID            string    `json:"thread_id"`
	MessageCount        int       `json:"message_count"`
	LatestCheckpointEnd int       `json:"latest_checkpoint_end"`
	NeedsCompaction     bool      `json:"needs_compaction"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CompactionSignal asks an agent to summarise an over-long thread. Messages
// after LatestCheckpointEnd, except the last KeepTailMessages, should be
// folded into a checkpoint.
type CompactionSignal struct {
	ThreadID            string `json:"thread_id"`
	MessageCount        int    `json:"message_count"`
	LatestCheckpointEnd int    `json:"latest_checkpoint_end"`
	KeepTailMessages    int    `json:"keep_tail_messages"`
}

// Range returns the 1-based inclusive span of messages to summarise.
// ok is false when nothing needs compaction.
func (s CompactionSignal) Range() (from, to int, ok bool) {
	from = s.LatestCheckpointEnd + 1
	to = s.MessageCount - s.KeepTailMessages
	return from, to, to >= from
}

// PeerThreadID derives the private thread between agents a and b under a
// main thread. The result does not depend on argument order. round <= 0 is
// treated as 1.
func PeerThreadID(main, a, b string, round int) string {
	if round <= 0 {
		round = 1
	}
	pair := []string{a, b}
	sort.Strings(pair)
	return main + "::" + strings.Join(pair, "_") + "::r" + strconv.Itoa(round)
}

// DebateThreadID derives the shared thread for a debate among agents.
func DebateThreadID(main string, agents []string) string {
	sorted := append([]string(nil), agents...)
	sort.Strings(sorted)
	return main + "::debate::" + strings.Join(sorted, "_")
}
