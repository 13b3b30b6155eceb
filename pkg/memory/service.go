package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openloop-ai/openloop/pkg/embedder"
	"github.com/openloop-ai/openloop/pkg/keys"
	"github.com/openloop-ai/openloop/pkg/logger"
	"github.com/openloop-ai/openloop/pkg/vector"
)

// maxStoreLength caps stored content below the collection's varchar capacity.
const maxStoreLength = 4000

var (
	allFields    = []string{vector.FieldID, vector.FieldSessionID, vector.FieldContent, vector.FieldMemoryType, vector.FieldImportance, vector.FieldCreateTimeMs}
	recallFields = []string{vector.FieldContent, vector.FieldMemoryType, vector.FieldSessionID, vector.FieldImportance}
)

// Service stores and recalls long-term memories. Every call that takes a
// user id resolves that user's embedding model first; users without one share
// the system embedder and the default collection.
//
// When constructed without a vector store the service degrades to no-ops:
// stores are skipped and recalls return nothing, so the agent loop keeps
// running without long-term memory.
type Service struct {
	store            vector.Store
	system           embedder.Embedder
	systemCollection string
	resolver         *keys.Resolver
	minScore         float64
	newEmbedder      func(embedder.Config) embedder.Embedder
	now              func() time.Time
}

type Option func(*Service)

// WithMinScore suppresses recall hits scoring below the threshold.
func WithMinScore(threshold float64) Option {
	return func(s *Service) {
		s.minScore = threshold
	}
}

// WithEmbedderFactory replaces how per-user embedding clients are built,
// mainly for tests.
func WithEmbedderFactory(fn func(embedder.Config) embedder.Embedder) Option {
	return func(s *Service) {
		s.newEmbedder = fn
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService builds the memory service. store may be nil to run degraded;
// resolver may be nil when per-user embedding models are not wired.
func NewService(store vector.Store, system embedder.Embedder, systemCollection string, resolver *keys.Resolver, opts ...Option) *Service {
	s := &Service{
		store:            store,
		system:           system,
		systemCollection: systemCollection,
		resolver:         resolver,
		newEmbedder:      func(cfg embedder.Config) embedder.Embedder { return embedder.New(cfg) },
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		logger.Warn("vector store not available, long-term memory disabled")
	}
	return s
}

// Available reports whether long-term memory is operational.
func (s *Service) Available() bool { return s.store != nil }

// resolveContext picks the embedder and collection for a user, ensuring the
// collection exists.
func (s *Service) resolveContext(ctx context.Context, userID int64) (embedder.Embedder, string, error) {
	if s.resolver != nil && userID > 0 {
		resolved, ok, err := s.resolver.ResolveDefaultEmbedding(ctx, userID)
		if err != nil {
			return nil, "", err
		}
		if ok {
			if err := s.store.EnsureCollection(ctx, resolved.CollectionName, resolved.Dimension); err != nil {
				return nil, "", err
			}
			return s.newEmbedder(resolved.Config), resolved.CollectionName, nil
		}
	}
	if err := s.store.EnsureCollection(ctx, s.systemCollection, s.system.Dim()); err != nil {
		return nil, "", err
	}
	return s.system, s.systemCollection, nil
}

// Remember embeds content and stores it. Content longer than the storage cap
// is truncated.
func (s *Service) Remember(ctx context.Context, sessionID, content string, typ Type, importance float32, userID int64) error {
	if !s.Available() {
		return nil
	}

	emb, collection, err := s.resolveContext(ctx, userID)
	if err != nil {
		return err
	}
	vec, err := emb.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed memory content: %w", err)
	}

	row := vector.Row{
		vector.FieldSessionID:    sessionID,
		vector.FieldContent:      truncate(content, maxStoreLength),
		vector.FieldMemoryType:   string(typ),
		vector.FieldImportance:   importance,
		vector.FieldCreateTimeMs: s.now().UnixMilli(),
		vector.FieldEmbedding:    vec,
	}
	if err := s.store.Insert(ctx, collection, row); err != nil {
		return err
	}

	logger.Debug("stored memory", "type", typ, "sessionId", sessionID,
		"importance", importance, "collection", collection)
	return nil
}

// Recall searches the user's collection, returning hits at or above the
// minimum score in descending score order.
func (s *Service) Recall(ctx context.Context, query string, topK int, userID int64) ([]Record, error) {
	return s.recall(ctx, query, topK, "", userID)
}

// RecallFromSession restricts recall to memories created by one session.
func (s *Service) RecallFromSession(ctx context.Context, query, sessionID string, topK int, userID int64) ([]Record, error) {
	return s.recall(ctx, query, topK, vector.Eq(vector.FieldSessionID, sessionID), userID)
}

// RecallSemantic returns the user's semantic memories regardless of session,
// used to build the user profile in the system prompt.
func (s *Service) RecallSemantic(ctx context.Context, query string, topK int, userID int64) ([]Record, error) {
	if userID <= 0 {
		return nil, nil
	}
	return s.recall(ctx, query, topK, vector.Eq(vector.FieldMemoryType, string(TypeSemantic)), userID)
}

func (s *Service) recall(ctx context.Context, query string, topK int, filter string, userID int64) ([]Record, error) {
	if !s.Available() {
		return nil, nil
	}

	emb, collection, err := s.resolveContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	vec, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed recall query: %w", err)
	}

	hits, err := s.store.Search(ctx, collection, vec, topK, filter, recallFields)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, hit := range hits {
		score := float64(hit.Score)
		if score < s.minScore {
			continue
		}
		records = append(records, Record{
			Content:       asString(hit.Fields[vector.FieldContent]),
			Type:          ParseType(asString(hit.Fields[vector.FieldMemoryType])),
			SourceSession: asString(hit.Fields[vector.FieldSessionID]),
			Importance:    asFloat32(hit.Fields[vector.FieldImportance]),
			Score:         score,
		})
	}
	return records, nil
}

// Search is recall for the browsing API: item shape, no score threshold.
func (s *Service) Search(ctx context.Context, query string, topK int, userID int64) ([]Item, error) {
	if !s.Available() {
		return nil, nil
	}

	emb, collection, err := s.resolveContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	vec, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}

	hits, err := s.store.Search(ctx, collection, vec, topK, "", allFields)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(hits))
	for _, hit := range hits {
		item := toItem(hit.ID, hit.Fields)
		score := float64(hit.Score)
		item.Score = &score
		items = append(items, item)
	}
	return items, nil
}

// List browses memories with optional filters and pagination. Rows are
// fetched up to a cap, sorted newest-first in memory, then sliced; the
// vector store itself does not order scalar queries.
func (s *Service) List(ctx context.Context, typ Type, sessionID, keyword string, offset, limit int, userID int64) ([]Item, error) {
	if !s.Available() {
		return nil, nil
	}

	_, collection, err := s.resolveContext(ctx, userID)
	if err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}
	pageSize := limit
	if pageSize > 100 {
		pageSize = 100
	}
	fetchLimit := offset + pageSize
	if fetchLimit > 1000 {
		fetchLimit = 1000
	}

	rows, err := s.store.Query(ctx, collection, buildFilter(typ, sessionID, keyword), allFields, 0, fetchLimit)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, toItem(row[vector.FieldID], row))
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].createTimeMs > items[j].createTimeMs
	})

	if offset >= len(items) {
		return nil, nil
	}
	items = items[offset:]
	if len(items) > pageSize {
		items = items[:pageSize]
	}
	return items, nil
}

// Count returns the number of memories matching the optional filters.
func (s *Service) Count(ctx context.Context, typ Type, sessionID string, userID int64) (int64, error) {
	if !s.Available() {
		return 0, nil
	}
	_, collection, err := s.resolveContext(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.store.Count(ctx, collection, buildFilter(typ, sessionID, ""))
}

// DeleteByID removes one memory from the user's collection.
func (s *Service) DeleteByID(ctx context.Context, id int64, userID int64) error {
	if !s.Available() {
		return nil
	}
	_, collection, err := s.resolveContext(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteByIDs(ctx, collection, []int64{id}); err != nil {
		return err
	}
	logger.Info("deleted memory", "id", id)
	return nil
}

// DeleteBySession removes every memory a session created.
func (s *Service) DeleteBySession(ctx context.Context, sessionID string, userID int64) error {
	if !s.Available() {
		return nil
	}
	_, collection, err := s.resolveContext(ctx, userID)
	if err != nil {
		return err
	}
	return s.store.DeleteByFilter(ctx, collection, vector.Eq(vector.FieldSessionID, sessionID))
}

// DeleteByType removes every memory of one type.
func (s *Service) DeleteByType(ctx context.Context, typ Type, userID int64) error {
	if !s.Available() {
		return nil
	}
	_, collection, err := s.resolveContext(ctx, userID)
	if err != nil {
		return err
	}
	return s.store.DeleteByFilter(ctx, collection, vector.Eq(vector.FieldMemoryType, string(typ)))
}

// FormatForPrompt renders recall hits as a prompt block. Empty input yields
// an empty string.
func (s *Service) FormatForPrompt(records []Record) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant memories from past experience:\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- [%s] %s (relevance: %.2f)\n", r.Type, r.Content, r.Score)
	}
	return b.String()
}

func buildFilter(typ Type, sessionID, keyword string) string {
	var parts []string
	if typ != "" {
		parts = append(parts, vector.Eq(vector.FieldMemoryType, string(typ)))
	}
	if strings.TrimSpace(sessionID) != "" {
		parts = append(parts, vector.Eq(vector.FieldSessionID, sessionID))
	}
	if strings.TrimSpace(keyword) != "" {
		parts = append(parts, vector.Like(vector.FieldContent, keyword))
	}
	return vector.And(parts...)
}

func toItem(id any, fields map[string]any) Item {
	ms := asInt64(fields[vector.FieldCreateTimeMs])
	return Item{
		ID:           asInt64(id),
		SessionID:    asString(fields[vector.FieldSessionID]),
		Content:      asString(fields[vector.FieldContent]),
		Type:         ParseType(asString(fields[vector.FieldMemoryType])),
		Importance:   asFloat32(fields[vector.FieldImportance]),
		CreateTime:   formatCreateTime(ms),
		createTimeMs: ms,
	}
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat32(v any) float32 {
	switch n := v.(type) {
	case float32:
		return n
	case float64:
		return float32(n)
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
