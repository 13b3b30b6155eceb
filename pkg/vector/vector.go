// Package vector abstracts an ANN-capable vector database with scalar
// filtering. The production implementation targets Milvus; an in-memory
// implementation backs tests and deployments running without a vector DB.
package vector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Memory collection field names. Every memory collection shares this schema.
const (
	FieldID           = "id"
	FieldSessionID    = "session_id"
	FieldContent      = "content"
	FieldMemoryType   = "memory_type"
	FieldImportance   = "importance"
	FieldCreateTimeMs = "create_time_ms"
	FieldEmbedding    = "embedding"
)

// Tool index collection field names.
const (
	FieldToolID      = "tool_id"
	FieldToolName    = "tool_name"
	FieldDescription = "description"
	FieldSchemaText  = "schema_text"
)

// MaxContentLength is the varchar capacity of the content field.
const MaxContentLength = 4096

// ErrDimensionMismatch is returned when a vector's length does not match the
// collection dimension. Cross-model mixing in one collection is forbidden.
var ErrDimensionMismatch = errors.New("vector dimension does not match collection")

// Row is one record's scalar fields plus its dense vector.
type Row map[string]any

// Hit is one ANN search result.
type Hit struct {
	// ID is the primary key. int64 for memory collections, string for the
	// tool index.
	ID any
	// Score is the inner-product similarity, larger is closer.
	Score float32
	// Fields holds the requested output fields.
	Fields map[string]any
}

// Store is the vector database surface the memory service and tool index
// program against.
//
// Filter expressions use the Milvus subset the services need:
// `field == "literal"`, `field like "%sub%"`, joined with ` and `.
type Store interface {
	// EnsureCollection idempotently creates a memory collection with the
	// shared schema and indexes.
	EnsureCollection(ctx context.Context, name string, dim int) error

	// EnsureToolIndexCollection idempotently creates the tool index
	// collection for one dimension.
	EnsureToolIndexCollection(ctx context.Context, dim int) error

	// Insert stores one row. The row's vector length must match the
	// collection dimension.
	Insert(ctx context.Context, collection string, row Row) error

	// Search runs ANN search, returning up to k hits ordered by descending
	// score. An empty filter matches everything.
	Search(ctx context.Context, collection string, vec []float32, k int, filter string, outputs []string) ([]Hit, error)

	// Query runs a scalar filter without vectors.
	Query(ctx context.Context, collection, filter string, outputs []string, offset, limit int) ([]Row, error)

	// Count returns the number of rows matching the filter.
	Count(ctx context.Context, collection, filter string) (int64, error)

	// DeleteByIDs removes rows by numeric primary key.
	DeleteByIDs(ctx context.Context, collection string, ids []int64) error

	// DeleteByFilter removes every row matching the filter.
	DeleteByFilter(ctx context.Context, collection, filter string) error
}

// toolIndexCollectionPrefix is completed by the dimension, one collection per
// dimension so differently-sized embeddings never share an index.
const toolIndexCollectionPrefix = "agent_tools_index_"

// ToolIndexCollectionName returns the tool index collection for a dimension.
func ToolIndexCollectionName(dim int) string {
	return fmt.Sprintf("%s%d", toolIndexCollectionPrefix, dim)
}

var collectionSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// MemoryCollectionName derives the collection routing a model and dimension,
// e.g. "memories_text_embedding_3_small_1536".
func MemoryCollectionName(model string, dim int) string {
	sanitized := collectionSanitizer.ReplaceAllString(strings.ToLower(model), "_")
	sanitized = strings.Trim(sanitized, "_")
	return fmt.Sprintf("memories_%s_%d", sanitized, dim)
}

// Eq builds a `field == "literal"` filter term.
func Eq(field, literal string) string {
	return fmt.Sprintf(`%s == %q`, field, literal)
}

// Like builds a `field like "%sub%"` substring filter term.
func Like(field, substring string) string {
	return fmt.Sprintf(`%s like "%%%s%%"`, field, substring)
}

// And joins non-empty filter terms with " and ".
func And(terms ...string) string {
	kept := terms[:0:0]
	for _, t := range terms {
		if t != "" {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, " and ")
}
