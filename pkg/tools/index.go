package tools

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/openloop-ai/openloop/pkg/embedder"
	"github.com/openloop-ai/openloop/pkg/keys"
	"github.com/openloop-ai/openloop/pkg/logger"
	"github.com/openloop-ai/openloop/pkg/vector"
)

const (
	// maxToolTextLen caps the text embedded per tool.
	maxToolTextLen = 3500

	maxIndexTopK = 50
)

// Index is the vector index over tool descriptors: semantic tool retrieval
// by user intent. Search uses the querying user's embedding model, the same
// one their memories use, so the system embedding key is never touched on
// behalf of a user without their own config.
//
// One collection per dimension; each is populated lazily the first time a
// search for that dimension runs in this process.
type Index struct {
	store       vector.Store
	registry    *Registry
	resolver    *keys.Resolver
	newEmbedder func(embedder.Config) embedder.Embedder

	group     singleflight.Group
	mu        sync.Mutex
	populated map[int]bool
}

type IndexOption func(*Index)

// WithIndexEmbedderFactory replaces how per-user embedding clients are
// built, mainly for tests.
func WithIndexEmbedderFactory(fn func(embedder.Config) embedder.Embedder) IndexOption {
	return func(ix *Index) {
		ix.newEmbedder = fn
	}
}

// NewIndex builds the tool index. store may be nil when the vector DB is
// disabled; every search then returns empty and the loop falls back to all
// tools.
func NewIndex(store vector.Store, registry *Registry, resolver *keys.Resolver, opts ...IndexOption) *Index {
	ix := &Index{
		store:       store,
		registry:    registry,
		resolver:    resolver,
		newEmbedder: func(cfg embedder.Config) embedder.Embedder { return embedder.New(cfg) },
		populated:   make(map[int]bool),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// SearchRelevantTools returns up to topK tool ids ordered by relevance to
// the query. Best effort: any failure is logged and reported as an empty
// result so the caller degrades to the full tool list.
func (ix *Index) SearchRelevantTools(ctx context.Context, query string, topK int, userID int64) []string {
	if ix.store == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	if ix.resolver == nil || userID <= 0 {
		return nil
	}
	resolved, ok, err := ix.resolver.ResolveDefaultEmbedding(ctx, userID)
	if err != nil {
		logger.Warn("tool index embedding resolution failed", "userId", userID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	dim := resolved.Dimension
	if err := ix.store.EnsureToolIndexCollection(ctx, dim); err != nil {
		logger.Warn("tool index collection unavailable", "dim", dim, "error", err)
		return nil
	}

	client := ix.newEmbedder(resolved.Config)
	if err := ix.populateOnce(ctx, client, dim); err != nil {
		logger.Warn("tool index population failed", "dim", dim, "error", err)
		return nil
	}

	vec, err := client.Embed(ctx, query)
	if err != nil {
		logger.Warn("tool index query embedding failed", "error", err)
		return nil
	}
	if topK > maxIndexTopK {
		topK = maxIndexTopK
	}
	hits, err := ix.store.Search(ctx, vector.ToolIndexCollectionName(dim), vec, topK, "", []string{vector.FieldToolID})
	if err != nil {
		logger.Warn("tool index search failed", "error", err)
		return nil
	}

	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		if id, _ := hit.Fields[vector.FieldToolID].(string); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// populateOnce indexes all tools for a dimension the first time it is seen.
// Concurrent searches for the same dimension share one population pass.
func (ix *Index) populateOnce(ctx context.Context, client embedder.Embedder, dim int) error {
	ix.mu.Lock()
	done := ix.populated[dim]
	ix.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := ix.group.Do(strconv.Itoa(dim), func() (any, error) {
		ix.mu.Lock()
		done := ix.populated[dim]
		ix.mu.Unlock()
		if done {
			return nil, nil
		}
		if err := ix.indexAll(ctx, client, dim); err != nil {
			return nil, err
		}
		ix.mu.Lock()
		ix.populated[dim] = true
		ix.mu.Unlock()
		return nil, nil
	})
	return err
}

func (ix *Index) indexAll(ctx context.Context, client embedder.Embedder, dim int) error {
	for _, b := range Builtins() {
		ix.upsert(ctx, client, dim, b.Name, b.Name, b.Description, schemaSummary(b))
	}
	if ix.registry == nil {
		return nil
	}
	active, err := ix.registry.ActiveDescriptors(ctx)
	if err != nil {
		return err
	}
	for i := range active {
		d := &active[i]
		ix.upsert(ctx, client, dim, d.Name, d.Name, d.Description, schemaSummary(*d))
	}
	logger.Info("tool index populated", "dim", dim, "tools", len(active)+len(Builtins()))
	return nil
}

// upsert embeds one tool and replaces its row. Per-tool failures are logged
// and skipped so one bad tool never blocks the rest of the index.
func (ix *Index) upsert(ctx context.Context, client embedder.Embedder, dim int, toolID, name, description, schemaText string) {
	text := name + "\n" + description + "\n" + schemaText
	if len(text) > maxToolTextLen {
		text = text[:maxToolTextLen]
	}
	vec, err := client.Embed(ctx, text)
	if err != nil {
		logger.Warn("tool index embed failed", "tool", toolID, "error", err)
		return
	}

	collection := vector.ToolIndexCollectionName(dim)
	if err := ix.store.DeleteByFilter(ctx, collection, vector.Eq(vector.FieldToolID, toolID)); err != nil {
		logger.Warn("tool index delete failed", "tool", toolID, "error", err)
	}
	row := vector.Row{
		vector.FieldToolID:      toolID,
		vector.FieldToolName:    name,
		vector.FieldDescription: clip(description, 2040),
		vector.FieldSchemaText:  clip(schemaText, 4090),
		vector.FieldEmbedding:   vec,
	}
	if err := ix.store.Insert(ctx, collection, row); err != nil {
		logger.Warn("tool index insert failed", "tool", toolID, "error", err)
	}
}

// schemaSummary keeps the embedded schema text bounded.
func schemaSummary(d Descriptor) string {
	if len(d.InputSchema) > 2000 {
		return d.InputSchema[:2000] + "..."
	}
	return d.InputSchema
}

func clip(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
