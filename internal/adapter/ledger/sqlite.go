// Package ledger persists orchestrator outcomes.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

const defaultRecent = 20

// SQLite implements domain.CoordinationLedger on a SQLite file.
type SQLite struct {
	db *sql.DB
}

var _ domain.CoordinationLedger = (*SQLite)(nil)

// OpenSQLite opens (or creates) the ledger at dbPath and runs the schema
// migration.
func OpenSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			thread_id   TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			outcome     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
		CREATE TABLE IF NOT EXISTS entries (
			run_id   TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
			seq      INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			status   TEXT NOT NULL,
			text     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, seq)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Record stores rec and its entries in one transaction. An empty ID is
// filled with a new ULID; zero timestamps default to now.
func (s *SQLite) Record(ctx context.Context, rec domain.CoordinationRecord) error {
	if rec.Kind == "" {
		return fmt.Errorf("%w: record kind is required", domain.ErrInvalidInput)
	}
	if rec.ID == "" {
		rec.ID = domain.NewID()
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO runs (id, kind, thread_id, started_at, finished_at, outcome) VALUES (?, ?, ?, ?, ?, ?)",
		rec.ID, string(rec.Kind), rec.ThreadID,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rec.ID, err)
	}
	for i, e := range rec.Entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entries (run_id, seq, agent_id, status, text) VALUES (?, ?, ?, ?, ?)",
			rec.ID, i, e.AgentID, e.Status, e.Text,
		); err != nil {
			return fmt.Errorf("insert entry %d of run %s: %w", i, rec.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns the newest limit records, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]domain.CoordinationRecord, error) {
	if limit <= 0 {
		limit = defaultRecent
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, thread_id, started_at, finished_at, outcome FROM runs ORDER BY started_at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var recs []domain.CoordinationRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range recs {
		entries, err := s.entries(ctx, recs[i].ID)
		if err != nil {
			return nil, err
		}
		recs[i].Entries = entries
	}
	return recs, nil
}

// Get returns one record by id, or domain.ErrNotFound.
func (s *SQLite) Get(ctx context.Context, id string) (*domain.CoordinationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, kind, thread_id, started_at, finished_at, outcome FROM runs WHERE id = ?", id,
	)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Entries, err = s.entries(ctx, id); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLite) entries(ctx context.Context, runID string) ([]domain.CoordinationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent_id, status, text FROM entries WHERE run_id = ? ORDER BY seq", runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.CoordinationEntry
	for rows.Next() {
		var e domain.CoordinationEntry
		if err := rows.Scan(&e.AgentID, &e.Status, &e.Text); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.CoordinationRecord, error) {
	var rec domain.CoordinationRecord
	var kind, started, finished string
	if err := row.Scan(&rec.ID, &kind, &rec.ThreadID, &started, &finished, &rec.Outcome); err != nil {
		return rec, err
	}
	rec.Kind = domain.CoordinationKind(kind)
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	return rec, nil
}
