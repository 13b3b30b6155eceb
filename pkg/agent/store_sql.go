package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session id resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose external
	// id is already taken.
	ErrSessionExists = errors.New("session already exists")

	// ErrVersionConflict is returned when a save loses the optimistic-lock
	// race against a concurrent writer.
	ErrVersionConflict = errors.New("session version conflict")
)

// saveRetries bounds refetch-then-save attempts on version conflicts.
const saveRetries = 3

// SessionStore persists sessions with optimistic versioning.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id int64) (*Session, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Session, error)

	// Save writes the row iff the version still matches, then bumps the
	// in-memory version.
	Save(ctx context.Context, s *Session) error

	// Update reloads the row by primary id, applies mutate, and saves,
	// retrying on version conflicts. This is the write path shared state
	// must use: the loop and the HTTP handlers never save a row they have
	// held across I/O.
	Update(ctx context.Context, id int64, mutate func(*Session)) (*Session, error)
}

// SQLSessionStore implements SessionStore on database/sql, speaking sqlite
// or postgres.
type SQLSessionStore struct {
	db     *sql.DB
	driver string
}

func NewSQLSessionStore(db *sql.DB, driver string) *SQLSessionStore {
	return &SQLSessionStore{db: db, driver: driver}
}

// insertReturningID runs an already-bound INSERT and hands back the generated
// id. lib/pq never implements LastInsertId, so the postgres path appends
// RETURNING and reads the id from the row instead.
func (s *SQLSessionStore) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.driver == "postgres" {
		var id int64
		err := s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLSessionStore) bind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InitSchema creates the agent_sessions table when it does not exist.
func (s *SQLSessionStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id BIGINT,
			session_id VARCHAR(64) NOT NULL,
			task_description TEXT NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
			current_plan TEXT,
			context_window TEXT,
			iteration_count INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error_message TEXT,
			create_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			update_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			version INTEGER NOT NULL DEFAULT 0,
			CONSTRAINT uq_session_id UNIQUE (session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_status ON agent_sessions(status)`,
	}
	for _, stmt := range stmts {
		if s.driver == "postgres" {
			stmt = strings.Replace(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY", 1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sessions schema: %w", err)
		}
	}
	return nil
}

func (s *SQLSessionStore) Create(ctx context.Context, sess *Session) error {
	if sess.Status == "" {
		sess.Status = StatusPending
	}
	now := time.Now()
	query := s.bind(
		`INSERT INTO agent_sessions (user_id, session_id, task_description, status, current_plan,
			context_window, iteration_count, result, error_message, create_time, update_time, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`)
	args := []any{
		nullableID(sess.UserID), sess.SessionID, sess.TaskDescription, string(sess.Status),
		sess.CurrentPlan, sess.ContextWindow, sess.IterationCount, sess.Result, sess.ErrorMessage,
		now, now,
	}

	id, err := s.insertReturningID(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	sess.ID = id
	sess.CreateTime = now
	sess.UpdateTime = now
	sess.Version = 0
	return nil
}

const sessionColumns = `id, COALESCE(user_id, 0), session_id, task_description, status,
	COALESCE(current_plan, ''), COALESCE(context_window, ''), iteration_count,
	COALESCE(result, ''), COALESCE(error_message, ''), create_time, update_time, version`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var status string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.SessionID, &sess.TaskDescription, &status,
		&sess.CurrentPlan, &sess.ContextWindow, &sess.IterationCount,
		&sess.Result, &sess.ErrorMessage, &sess.CreateTime, &sess.UpdateTime, &sess.Version); err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	return &sess, nil
}

func (s *SQLSessionStore) GetByID(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLSessionStore) GetBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE session_id = ?`), sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLSessionStore) Save(ctx context.Context, sess *Session) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE agent_sessions
		 SET user_id = ?, task_description = ?, status = ?, current_plan = ?, context_window = ?,
		     iteration_count = ?, result = ?, error_message = ?, update_time = ?, version = version + 1
		 WHERE id = ? AND version = ?`),
		nullableID(sess.UserID), sess.TaskDescription, string(sess.Status), sess.CurrentPlan,
		sess.ContextWindow, sess.IterationCount, sess.Result, sess.ErrorMessage, now,
		sess.ID, sess.Version)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n == 0 {
		if _, err := s.GetByID(ctx, sess.ID); errors.Is(err, ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return ErrVersionConflict
	}
	sess.Version++
	sess.UpdateTime = now
	return nil
}

func (s *SQLSessionStore) Update(ctx context.Context, id int64, mutate func(*Session)) (*Session, error) {
	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		sess, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		mutate(sess)
		if err := s.Save(ctx, sess); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return sess, nil
	}
	return nil, lastErr
}

// nullableID maps the ≤0 anonymous convention onto a SQL NULL.
func nullableID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
