package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a tool descriptor does not exist.
var ErrNotFound = errors.New("tool not found")

// Store is the persistence surface for tool descriptors.
type Store interface {
	Create(ctx context.Context, d *Descriptor) error
	GetByName(ctx context.Context, name string) (*Descriptor, error)
	ListActive(ctx context.Context) ([]Descriptor, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
}

// SQLStore implements Store on database/sql, speaking sqlite or postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// insertReturningID runs an already-bound INSERT and hands back the generated
// id. lib/pq never implements LastInsertId, so the postgres path appends
// RETURNING and reads the id from the row instead.
func (s *SQLStore) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
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

// bind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) bind(query string) string {
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

// InitSchema creates the agent_tools table when it does not exist.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_tools (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool_name VARCHAR(128) NOT NULL,
			tool_description TEXT NOT NULL,
			input_schema TEXT NOT NULL,
			tool_type VARCHAR(32) NOT NULL,
			script_content TEXT,
			entry_point VARCHAR(256),
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT uq_tool_name UNIQUE (tool_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tools_active ON agent_tools(is_active)`,
	}
	for _, stmt := range stmts {
		if s.driver == "postgres" {
			stmt = strings.Replace(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY", 1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init tools schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, d *Descriptor) error {
	if d.Kind == "" {
		d.Kind = KindNative
	}
	d.Active = true
	id, err := s.insertReturningID(ctx, s.bind(
		`INSERT INTO agent_tools (tool_name, tool_description, input_schema, tool_type, script_content, entry_point, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		d.Name, d.Description, d.InputSchema, string(d.Kind), d.Script, d.EntryPoint, d.Active)
	if err != nil {
		return fmt.Errorf("create tool: %w", err)
	}
	d.ID = id
	return nil
}

const toolColumns = `id, tool_name, tool_description, input_schema, tool_type,
	COALESCE(script_content, ''), COALESCE(entry_point, ''), is_active`

func scanTool(row interface{ Scan(...any) error }) (*Descriptor, error) {
	var d Descriptor
	var kind string
	if err := row.Scan(&d.ID, &d.Name, &d.Description, &d.InputSchema, &kind,
		&d.Script, &d.EntryPoint, &d.Active); err != nil {
		return nil, err
	}
	d.Kind = Kind(kind)
	return &d, nil
}

func (s *SQLStore) GetByName(ctx context.Context, name string) (*Descriptor, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT `+toolColumns+` FROM agent_tools WHERE tool_name = ?`), name)
	d, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool: %w", err)
	}
	return d, nil
}

func (s *SQLStore) ListActive(ctx context.Context) ([]Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT `+toolColumns+` FROM agent_tools WHERE is_active = ? ORDER BY id`), true)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		d, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE agent_tools SET is_active = ? WHERE id = ?`), active, id)
	if err != nil {
		return fmt.Errorf("set tool active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.bind(
		`DELETE FROM agent_tools WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
