package keys

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewSQLStore(db, "sqlite")
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestCreateAndListKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key := &APIKey{UserID: 1, Provider: "openai", KeyValue: "sk-1", Label: "work"}
	require.NoError(t, s.CreateKey(ctx, key))
	assert.NotZero(t, key.ID)
	assert.Equal(t, PurposeLLM, key.Purpose)

	keys, err := s.ListKeys(ctx, 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "openai", keys[0].Provider)
	assert.True(t, keys[0].Active)

	keys, err = s.ListKeys(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSetDefaultKeyClearsSlot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := &APIKey{UserID: 1, Provider: "openai", KeyValue: "sk-1", Default: true}
	require.NoError(t, s.CreateKey(ctx, first))
	second := &APIKey{UserID: 1, Provider: "openai", KeyValue: "sk-2"}
	require.NoError(t, s.CreateKey(ctx, second))
	// A different slot keeps its own default.
	other := &APIKey{UserID: 1, Provider: "deepseek", KeyValue: "sk-3", Default: true}
	require.NoError(t, s.CreateKey(ctx, other))

	require.NoError(t, s.SetDefaultKey(ctx, 1, second.ID))

	keys, err := s.ListKeys(ctx, 1)
	require.NoError(t, err)

	defaults := map[int64]bool{}
	for _, k := range keys {
		defaults[k.ID] = k.Default
	}
	assert.False(t, defaults[first.ID])
	assert.True(t, defaults[second.ID])
	assert.True(t, defaults[other.ID])

	// Idempotent.
	require.NoError(t, s.SetDefaultKey(ctx, 1, second.ID))
	got, err := s.DefaultKey(ctx, 1, "openai", PurposeLLM)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestSetDefaultKeyUnknownID(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.SetDefaultKey(context.Background(), 1, 999), ErrNotFound)
}

func TestDeleteKeyScopedToOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key := &APIKey{UserID: 1, Provider: "openai", KeyValue: "sk-1"}
	require.NoError(t, s.CreateKey(ctx, key))

	assert.ErrorIs(t, s.DeleteKey(ctx, 2, key.ID), ErrNotFound)
	require.NoError(t, s.DeleteKey(ctx, 1, key.ID))
	assert.ErrorIs(t, s.DeleteKey(ctx, 1, key.ID), ErrNotFound)
}

func TestEmbeddingModelDerivesCollectionName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := &EmbeddingModel{
		UserID: 1, Name: "small", Provider: "openai",
		ModelName: "text-embedding-3-small", BaseURL: "https://api.openai.com/v1",
		Dimension: 1536, Default: true,
	}
	require.NoError(t, s.CreateEmbeddingModel(ctx, m))
	assert.Equal(t, "memories_text_embedding_3_small_1536", m.CollectionName)
	assert.Equal(t, 8192, m.MaxTokens)

	got, err := s.DefaultEmbeddingModel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
}

func TestSetDefaultEmbeddingModelSingleDefault(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := &EmbeddingModel{UserID: 1, Name: "a", Provider: "openai",
		ModelName: "text-embedding-3-small", BaseURL: "u", Dimension: 1536, Default: true}
	require.NoError(t, s.CreateEmbeddingModel(ctx, first))
	second := &EmbeddingModel{UserID: 1, Name: "b", Provider: "ollama",
		ModelName: "nomic-embed-text", BaseURL: "u", Dimension: 768}
	require.NoError(t, s.CreateEmbeddingModel(ctx, second))

	require.NoError(t, s.SetDefaultEmbeddingModel(ctx, 1, second.ID))

	models, err := s.ListEmbeddingModels(ctx, 1)
	require.NoError(t, err)
	var defaults int
	for _, m := range models {
		if m.Default {
			defaults++
			assert.Equal(t, second.ID, m.ID)
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestResolverFallsBackToProviderDefaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := NewResolver(s)

	require.NoError(t, s.CreateKey(ctx, &APIKey{
		UserID: 1, Provider: "deepseek", KeyValue: "sk-user", Default: true,
	}))

	cfg, ok, err := r.ResolveDefaultLLM(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deepseek", cfg.Name)
	assert.Equal(t, "https://api.deepseek.com/v1", cfg.BaseURL)
	assert.Equal(t, "deepseek-chat", cfg.Model)
	assert.Equal(t, "sk-user", cfg.APIKey)
}

func TestResolverPrefersDefaultKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := NewResolver(s)

	require.NoError(t, s.CreateKey(ctx, &APIKey{UserID: 1, Provider: "openai", KeyValue: "sk-a"}))
	require.NoError(t, s.CreateKey(ctx, &APIKey{UserID: 1, Provider: "qwen", KeyValue: "sk-b", Default: true}))

	cfg, ok, err := r.ResolveDefaultLLM(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "qwen", cfg.Name)
}

func TestResolverAnonymousUser(t *testing.T) {
	r := NewResolver(newTestStore(t))

	_, ok, err := r.ResolveDefaultLLM(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = r.ResolveDefaultEmbedding(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolverEmbeddingOllamaToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := NewResolver(s)

	require.NoError(t, s.CreateEmbeddingModel(ctx, &EmbeddingModel{
		UserID: 1, Name: "local", Provider: "ollama",
		ModelName: "nomic-embed-text", BaseURL: "http://localhost:11434/v1",
		Dimension: 768, Default: true,
	}))

	resolved, ok, err := r.ResolveDefaultEmbedding(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ollama", resolved.Config.APIKey)
	assert.Equal(t, "memories_nomic_embed_text_768", resolved.CollectionName)
	assert.Equal(t, 768, resolved.Dimension)
}

// The postgres driver has no LastInsertId, so inserts read the generated id
// back with RETURNING. sqlite accepts both $n placeholders and RETURNING,
// which lets the postgres statement path run against the test database.
func TestCreateOnPostgresReadsGeneratedID(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, NewSQLStore(db, "sqlite").InitSchema(ctx))

	s := NewSQLStore(db, "postgres")

	key := &APIKey{UserID: 1, Provider: "openai", KeyValue: "sk-1"}
	require.NoError(t, s.CreateKey(ctx, key))
	assert.NotZero(t, key.ID)
	require.NoError(t, s.SetDefaultKey(ctx, 1, key.ID))

	model := &EmbeddingModel{UserID: 1, Name: "mine", Provider: "openai",
		ModelName: "text-embedding-3-small", Dimension: 1536}
	require.NoError(t, s.CreateEmbeddingModel(ctx, model))
	assert.NotZero(t, model.ID)
	require.NoError(t, s.SetDefaultEmbeddingModel(ctx, 1, model.ID))
}
