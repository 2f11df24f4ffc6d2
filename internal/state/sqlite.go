package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/cua/internal/types"
)

// SQLiteEventStore keeps every session's events in one SQLite database.
type SQLiteEventStore struct {
	db *sql.DB
}

// NewSQLiteEventStore opens (and migrates) the database at dsn. Use
// ":memory:" for a throwaway store.
func NewSQLiteEventStore(dsn string) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	// One connection serializes writers, which also keeps seq assignment atomic.
	db.SetMaxOpenConns(1)

	if err := migrateEvents(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return &SQLiteEventStore{db: db}, nil
}

func migrateEvents(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			source TEXT,
			at TEXT NOT NULL,
			payload TEXT NOT NULL,
			UNIQUE (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS events_session ON events (session_id, seq);
	`)
	return err
}

// Close closes the database.
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

// Append stores event, assigning the next sequence number of its session.
func (s *SQLiteEventStore) Append(ctx context.Context, event *types.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, string(event.SessionID),
	).Scan(&last); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	event.Seq = last + 1

	payload := event.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, run_id, seq, type, source, at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(event.ID), string(event.SessionID), string(event.RunID), event.Seq,
		event.Type, event.Source, event.At.UTC().Format(time.RFC3339Nano), string(payload),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// Tail returns the last limit events of the session in ascending order;
// limit <= 0 returns all of them.
func (s *SQLiteEventStore) Tail(ctx context.Context, sessionID types.SessionID, limit int) ([]*types.Event, error) {
	query := `SELECT id, session_id, run_id, seq, type, source, at, payload FROM (
		SELECT * FROM events WHERE session_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, string(sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var (
			e                types.Event
			id, sid, run, at string
			source, payload  sql.NullString
		)
		if err := rows.Scan(&id, &sid, &run, &e.Seq, &e.Type, &source, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ID = types.EventID(id)
		e.SessionID = types.SessionID(sid)
		e.RunID = types.RunID(run)
		e.Source = source.String
		e.Payload = json.RawMessage(payload.String)
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Count returns the number of events for the session.
func (s *SQLiteEventStore) Count(ctx context.Context, sessionID types.SessionID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, string(sessionID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Delete removes every event of the session.
func (s *SQLiteEventStore) Delete(ctx context.Context, sessionID types.SessionID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, string(sessionID)); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}
