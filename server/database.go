package server

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Tool call outcomes as stored in the audit log.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
)

// AuditStore persists sessions, routed tool calls and catalog diagnostics
// in sqlite. All methods are safe for concurrent use.
type AuditStore struct {
	db *sql.DB
}

// ToolCallRecord is one routed (or rejected) tools/call.
type ToolCallRecord struct {
	SessionID string
	Tool      string
	Backend   string
	Outcome   string
	Error     string
	Duration  time.Duration
	At        time.Time
}

// SessionRecord is one client session.
type SessionRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Requests  int
}

// OpenAuditStore opens a file database, or a private in-memory one when
// path is empty.
func OpenAuditStore(path string) (*AuditStore, error) {
	db, err := initializeDB(path)
	if err != nil {
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

func initializeDB(dbPath string) (*sql.DB, error) {
	dsn := "file:" + dbPath
	if dbPath == "" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	if err := initDBSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init database schema: %w", err)
	}

	return db, nil
}

func initDBSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		requests INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		tool TEXT NOT NULL,
		backend TEXT,
		outcome TEXT NOT NULL,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
	CREATE TABLE IF NOT EXISTS diagnostics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		tool TEXT,
		backend TEXT,
		shadowed_backend TEXT,
		detail TEXT,
		at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *AuditStore) Close() error {
	return s.db.Close()
}

func (s *AuditStore) StartSession(id string) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, started_at) VALUES (?, ?)`, id, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

func (s *AuditStore) EndSession(id string, requests int) error {
	_, err := s.db.Exec(`UPDATE sessions SET ended_at = ?, requests = ? WHERE id = ?`, time.Now().UnixMilli(), requests, id)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	return nil
}

func (s *AuditStore) Session(id string) (*SessionRecord, error) {
	var (
		rec     SessionRecord
		started int64
		ended   sql.NullInt64
	)
	err := s.db.QueryRow(`SELECT id, started_at, ended_at, requests FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &started, &ended, &rec.Requests)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	rec.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		rec.EndedAt = time.UnixMilli(ended.Int64)
	}
	return &rec, nil
}

func (s *AuditStore) RecordToolCall(rec ToolCallRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO tool_calls (session_id, tool, backend, outcome, error, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Tool, rec.Backend, rec.Outcome, rec.Error, rec.Duration.Milliseconds(), rec.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

// ToolCalls returns the calls of one session in insertion order.
func (s *AuditStore) ToolCalls(sessionID string) ([]ToolCallRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, tool, backend, outcome, error, duration_ms, at
		FROM tool_calls
		WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var (
			rec     ToolCallRecord
			backend sql.NullString
			errText sql.NullString
			ms, at  int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.Tool, &backend, &rec.Outcome, &errText, &ms, &at); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		rec.Backend = backend.String
		rec.Error = errText.String
		rec.Duration = time.Duration(ms) * time.Millisecond
		rec.At = time.UnixMilli(at)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tool calls: %w", err)
	}
	return out, nil
}

func (s *AuditStore) RecordDiagnostic(d Diagnostic) error {
	_, err := s.db.Exec(`
		INSERT INTO diagnostics (kind, tool, backend, shadowed_backend, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.Kind, d.Tool, d.Backend, d.Shadowed, d.Detail, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record diagnostic: %w", err)
	}
	return nil
}

func (s *AuditStore) Diagnostics() ([]Diagnostic, error) {
	rows, err := s.db.Query(`SELECT kind, tool, backend, shadowed_backend, detail FROM diagnostics ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []Diagnostic
	for rows.Next() {
		var (
			d                               Diagnostic
			tool, backend, shadowed, detail sql.NullString
		)
		if err := rows.Scan(&d.Kind, &tool, &backend, &shadowed, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		d.Tool, d.Backend, d.Shadowed, d.Detail = tool.String, backend.String, shadowed.String, detail.String
		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diagnostics: %w", err)
	}
	return out, nil
}
