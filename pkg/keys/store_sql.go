package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/openloop-ai/openloop/pkg/vector"
)

// ErrNotFound is returned when a key or model does not exist or is not owned
// by the given user.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface for user keys and embedding models.
type Store interface {
	CreateKey(ctx context.Context, key *APIKey) error
	ListKeys(ctx context.Context, userID int64) ([]APIKey, error)
	ActiveKeys(ctx context.Context, userID int64) ([]APIKey, error)
	DefaultKey(ctx context.Context, userID int64, provider string, purpose Purpose) (*APIKey, error)
	SetDefaultKey(ctx context.Context, userID, keyID int64) error
	DeleteKey(ctx context.Context, userID, keyID int64) error

	CreateEmbeddingModel(ctx context.Context, m *EmbeddingModel) error
	ListEmbeddingModels(ctx context.Context, userID int64) ([]EmbeddingModel, error)
	DefaultEmbeddingModel(ctx context.Context, userID int64) (*EmbeddingModel, error)
	SetDefaultEmbeddingModel(ctx context.Context, userID, modelID int64) error
	DeleteEmbeddingModel(ctx context.Context, userID, modelID int64) error
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

// InitSchema creates the tables when they do not exist.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_api_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id BIGINT NOT NULL,
			provider VARCHAR(64) NOT NULL,
			purpose VARCHAR(32) NOT NULL DEFAULT 'LLM',
			label VARCHAR(128),
			key_value VARCHAR(512) NOT NULL,
			base_url VARCHAR(512),
			model VARCHAR(128),
			is_default BOOLEAN NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_api_keys_user ON user_api_keys(user_id)`,
		`CREATE TABLE IF NOT EXISTS user_embedding_models (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id BIGINT NOT NULL,
			name VARCHAR(128) NOT NULL,
			provider VARCHAR(32) NOT NULL,
			model_name VARCHAR(128) NOT NULL,
			api_key VARCHAR(512),
			base_url VARCHAR(512) NOT NULL,
			dimension INTEGER NOT NULL,
			collection_name VARCHAR(128) NOT NULL,
			max_tokens INTEGER NOT NULL DEFAULT 8192,
			is_default BOOLEAN NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_embedding_models_user ON user_embedding_models(user_id)`,
	}
	if s.driver == "postgres" {
		stmts[0] = strings.Replace(stmts[0], "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY", 1)
		stmts[2] = strings.Replace(stmts[2], "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY", 1)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init keys schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) CreateKey(ctx context.Context, key *APIKey) error {
	if key.Purpose == "" {
		key.Purpose = PurposeLLM
	}
	key.Active = true

	id, err := s.insertReturningID(ctx, s.bind(
		`INSERT INTO user_api_keys
			(user_id, provider, purpose, label, key_value, base_url, model, is_default, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		key.UserID, key.Provider, key.Purpose, key.Label, key.KeyValue,
		key.BaseURL, key.Model, key.Default, key.Active)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	key.ID = id
	if key.Default {
		return s.SetDefaultKey(ctx, key.UserID, key.ID)
	}
	return nil
}

const keyColumns = `id, user_id, provider, purpose, label, key_value,
	COALESCE(base_url, ''), COALESCE(model, ''), is_default, is_active, created_at`

func scanKey(row interface{ Scan(...any) error }) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.UserID, &k.Provider, &k.Purpose, &k.Label, &k.KeyValue,
		&k.BaseURL, &k.Model, &k.Default, &k.Active, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLStore) queryKeys(ctx context.Context, where string, args ...any) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT `+keyColumns+` FROM user_api_keys WHERE `+where+` ORDER BY is_default DESC, id`),
		args...)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListKeys(ctx context.Context, userID int64) ([]APIKey, error) {
	return s.queryKeys(ctx, `user_id = ?`, userID)
}

func (s *SQLStore) ActiveKeys(ctx context.Context, userID int64) ([]APIKey, error) {
	return s.queryKeys(ctx, `user_id = ? AND is_active = ?`, userID, true)
}

func (s *SQLStore) DefaultKey(ctx context.Context, userID int64, provider string, purpose Purpose) (*APIKey, error) {
	keys, err := s.queryKeys(ctx,
		`user_id = ? AND provider = ? AND purpose = ? AND is_default = ? AND is_active = ?`,
		userID, provider, purpose, true, true)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	return &keys[0], nil
}

// SetDefaultKey marks one key as the default for its (user, provider,
// purpose) slot, clearing any prior default in the same slot. Idempotent.
func (s *SQLStore) SetDefaultKey(ctx context.Context, userID, keyID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var provider string
	var purpose Purpose
	err = tx.QueryRowContext(ctx,
		s.bind(`SELECT provider, purpose FROM user_api_keys WHERE id = ? AND user_id = ?`),
		keyID, userID).Scan(&provider, &purpose)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load api key: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.bind(
		`UPDATE user_api_keys SET is_default = ?
		WHERE user_id = ? AND provider = ? AND purpose = ?`),
		false, userID, provider, purpose); err != nil {
		return fmt.Errorf("clear default slot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.bind(
		`UPDATE user_api_keys SET is_default = ? WHERE id = ?`), true, keyID); err != nil {
		return fmt.Errorf("set default key: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteKey(ctx context.Context, userID, keyID int64) error {
	res, err := s.db.ExecContext(ctx,
		s.bind(`DELETE FROM user_api_keys WHERE id = ? AND user_id = ?`), keyID, userID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateEmbeddingModel(ctx context.Context, m *EmbeddingModel) error {
	if m.CollectionName == "" {
		m.CollectionName = vector.MemoryCollectionName(m.ModelName, m.Dimension)
	}
	if m.MaxTokens <= 0 {
		m.MaxTokens = 8192
	}
	m.Active = true

	id, err := s.insertReturningID(ctx, s.bind(
		`INSERT INTO user_embedding_models
			(user_id, name, provider, model_name, api_key, base_url, dimension,
			 collection_name, max_tokens, is_default, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.UserID, m.Name, m.Provider, m.ModelName, m.APIKey, m.BaseURL,
		m.Dimension, m.CollectionName, m.MaxTokens, m.Default, m.Active)
	if err != nil {
		return fmt.Errorf("insert embedding model: %w", err)
	}
	m.ID = id
	if m.Default {
		return s.SetDefaultEmbeddingModel(ctx, m.UserID, m.ID)
	}
	return nil
}

const embeddingColumns = `id, user_id, name, provider, model_name,
	COALESCE(api_key, ''), base_url, dimension, collection_name, max_tokens,
	is_default, is_active, created_at`

func (s *SQLStore) queryEmbeddingModels(ctx context.Context, where string, args ...any) ([]EmbeddingModel, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT `+embeddingColumns+` FROM user_embedding_models WHERE `+where+` ORDER BY is_default DESC, id`),
		args...)
	if err != nil {
		return nil, fmt.Errorf("query embedding models: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingModel
	for rows.Next() {
		var m EmbeddingModel
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.Provider, &m.ModelName,
			&m.APIKey, &m.BaseURL, &m.Dimension, &m.CollectionName, &m.MaxTokens,
			&m.Default, &m.Active, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListEmbeddingModels(ctx context.Context, userID int64) ([]EmbeddingModel, error) {
	return s.queryEmbeddingModels(ctx, `user_id = ?`, userID)
}

func (s *SQLStore) DefaultEmbeddingModel(ctx context.Context, userID int64) (*EmbeddingModel, error) {
	models, err := s.queryEmbeddingModels(ctx,
		`user_id = ? AND is_default = ? AND is_active = ?`, userID, true, true)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, ErrNotFound
	}
	return &models[0], nil
}

// SetDefaultEmbeddingModel marks one model as the user's default, clearing
// the prior one. A user has at most one default embedding model.
func (s *SQLStore) SetDefaultEmbeddingModel(ctx context.Context, userID, modelID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		s.bind(`SELECT 1 FROM user_embedding_models WHERE id = ? AND user_id = ?`),
		modelID, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load embedding model: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.bind(
		`UPDATE user_embedding_models SET is_default = ? WHERE user_id = ?`),
		false, userID); err != nil {
		return fmt.Errorf("clear default model: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.bind(
		`UPDATE user_embedding_models SET is_default = ? WHERE id = ?`), true, modelID); err != nil {
		return fmt.Errorf("set default model: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteEmbeddingModel(ctx context.Context, userID, modelID int64) error {
	res, err := s.db.ExecContext(ctx,
		s.bind(`DELETE FROM user_embedding_models WHERE id = ? AND user_id = ?`), modelID, userID)
	if err != nil {
		return fmt.Errorf("delete embedding model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
