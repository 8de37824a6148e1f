// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists the request ledger and conversation sessions with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Fixed-width so string comparison in SQL matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is its own database.
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS requests (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			channel      TEXT NOT NULL,
			session_id   TEXT,
			prompt       TEXT NOT NULL,
			status       TEXT NOT NULL,
			message      TEXT NOT NULL DEFAULT '',
			reasoning    TEXT NOT NULL DEFAULT '',
			tool_calls   TEXT NOT NULL DEFAULT '[]',
			error_kind   TEXT,
			error_detail TEXT,
			anomalies    INTEGER NOT NULL DEFAULT 0,
			submitted_at TEXT NOT NULL,
			finished_at  TEXT NOT NULL,

			CHECK (status IN ('completed', 'failed', 'timed_out'))
		);

		CREATE INDEX IF NOT EXISTS idx_requests_agent ON requests(agent_id);
		CREATE INDEX IF NOT EXISTS idx_requests_submitted ON requests(submitted_at DESC);
		CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(session_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			channel    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS turns (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			request_id TEXT,
			agent_id   TEXT NOT NULL,
			prompt     TEXT NOT NULL,
			response   TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "requests",
			column: "route_reason",
			apply:  `ALTER TABLE requests ADD COLUMN route_reason TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// SaveRequest records a finished request.
// Returns ErrDuplicateRequest if the id was already recorded.
func (s *SQLiteStore) SaveRequest(ctx context.Context, rec *RequestRecord) error {
	toolCalls := rec.ToolCalls
	if toolCalls == "" {
		toolCalls = "[]"
	}

	query := `
		INSERT INTO requests (
			id, agent_id, channel, session_id, route_reason, prompt, status, message,
			reasoning, tool_calls, error_kind, error_detail, anomalies, submitted_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.AgentID,
		rec.Channel,
		nullString(rec.SessionID),
		rec.RouteReason,
		rec.Prompt,
		rec.Status,
		rec.Message,
		rec.Reasoning,
		toolCalls,
		nullString(rec.ErrorKind),
		nullString(rec.ErrorDetail),
		rec.Anomalies,
		formatTime(rec.SubmittedAt),
		formatTime(rec.FinishedAt),
	)
	if err != nil {
		if isConstraintViolation(err) && strings.Contains(err.Error(), "requests.id") {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("inserting request: %w", err)
	}

	s.logger.Debug("recorded request", "id", rec.ID, "agent_id", rec.AgentID, "status", rec.Status)
	return nil
}

const requestColumns = `
	id, agent_id, channel, session_id, route_reason, prompt, status, message,
	reasoning, tool_calls, error_kind, error_detail, anomalies, submitted_at, finished_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*RequestRecord, error) {
	var rec RequestRecord
	var sessionID, errKind, errDetail sql.NullString
	var submitted, finished string

	if err := row.Scan(
		&rec.ID,
		&rec.AgentID,
		&rec.Channel,
		&sessionID,
		&rec.RouteReason,
		&rec.Prompt,
		&rec.Status,
		&rec.Message,
		&rec.Reasoning,
		&rec.ToolCalls,
		&errKind,
		&errDetail,
		&rec.Anomalies,
		&submitted,
		&finished,
	); err != nil {
		return nil, err
	}

	rec.SessionID = sessionID.String
	rec.ErrorKind = errKind.String
	rec.ErrorDetail = errDetail.String

	var err error
	if rec.SubmittedAt, err = parseTime("submitted_at", submitted); err != nil {
		return nil, err
	}
	if rec.FinishedAt, err = parseTime("finished_at", finished); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRequest retrieves a request record by id.
// Returns ErrNotFound if the request doesn't exist.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	rec, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying request: %w", err)
	}
	return rec, nil
}

// ListRequests returns the most recent requests first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListRequests(ctx context.Context, limit int) ([]*RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests ORDER BY submitted_at DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var out []*RequestRecord
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating requests: %w", err)
	}
	return out, nil
}

// TouchSession creates the session or bumps its updated_at.
// The agent of an existing session is left unchanged.
func (s *SQLiteStore) TouchSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (id, agent_id, channel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.AgentID,
		sess.Channel,
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

const sessionQuery = `
	SELECT s.id, s.agent_id, s.channel, s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
	FROM sessions s
`

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var created, updated string
	if err := row.Scan(&sess.ID, &sess.AgentID, &sess.Channel, &created, &updated, &sess.TurnCount); err != nil {
		return nil, err
	}

	var err error
	if sess.CreatedAt, err = parseTime("created_at", created); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession retrieves a session by id.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sessionQuery+` WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions updated at or after updatedSince, most recent first.
func (s *SQLiteStore) ListSessions(ctx context.Context, updatedSince time.Time, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		sessionQuery+` WHERE s.updated_at >= ? ORDER BY s.updated_at DESC LIMIT ?`,
		formatTime(updatedSince),
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

// SetSessionAgent hands a session over to another agent.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) SetSessionAgent(ctx context.Context, id, agentID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_id = ?, updated_at = ? WHERE id = ?`,
		agentID, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("updating session agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("session handed off", "id", id, "agent_id", agentID)
	return nil
}

// DeleteSessionsBefore removes sessions idle since before cutoff, with their turns.
func (s *SQLiteStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// AppendTurn adds a turn to an existing session.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *Turn) error {
	query := `
		INSERT INTO turns (id, session_id, request_id, agent_id, prompt, response, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		turn.ID,
		turn.SessionID,
		nullString(turn.RequestID),
		turn.AgentID,
		turn.Prompt,
		turn.Response,
		turn.Status,
		formatTime(turn.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrNotFound
		}
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

// RecentTurns returns the last n turns of a session, oldest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]*Turn, error) {
	query := `
		SELECT id, session_id, request_id, agent_id, prompt, response, status, created_at
		FROM (
			SELECT * FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		)
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, clampLimit(n))
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var out []*Turn
	for rows.Next() {
		var turn Turn
		var requestID sql.NullString
		var created string
		if err := rows.Scan(
			&turn.ID,
			&turn.SessionID,
			&requestID,
			&turn.AgentID,
			&turn.Prompt,
			&turn.Response,
			&turn.Status,
			&created,
		); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turn.RequestID = requestID.String
		if turn.CreatedAt, err = parseTime("created_at", created); err != nil {
			return nil, err
		}
		out = append(out, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
