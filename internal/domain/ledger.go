package domain

import (
	"context"
	"time"
)

// CoordinationKind names the orchestrator primitive that produced a record.
type CoordinationKind string

const (
	KindAssign CoordinationKind = "assign"
	KindDebate CoordinationKind = "debate"
)

// Entry statuses.
const (
	StatusDone     = "done"
	StatusBlocked  = "blocked"
	StatusTimedOut = "timed_out"
	StatusFailed   = "failed"
)

// CoordinationEntry is one participant's outcome (an assignment or a debate turn).
type CoordinationEntry struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Text    string `json:"text"`
}

// CoordinationRecord is the persisted outcome of one orchestrator call.
type CoordinationRecord struct {
	ID         string              `json:"id"`
	Kind       CoordinationKind    `json:"kind"`
	ThreadID   string              `json:"thread_id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Outcome    string              `json:"outcome"`
	Entries    []CoordinationEntry `json:"entries"`
}

// CoordinationLedger stores coordination outcomes for later inspection.
type CoordinationLedger interface {
	Record(ctx context.Context, rec CoordinationRecord) error
	Recent(ctx context.Context, limit int) ([]CoordinationRecord, error)
	Close() error
}
