package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/openloop-ai/openloop/pkg/logger"
)

// HNSW build and search parameters shared by every collection.
const (
	hnswM              = 16
	hnswEfConstruction = 256
	hnswEfSearch       = 64
)

// Milvus implements Store against a Milvus deployment.
//
// Collection existence is cached per process so the hot remember/recall path
// does not pay a round-trip per call.
type Milvus struct {
	client client.Client

	mu   sync.Mutex
	dims map[string]int
}

// NewMilvus connects to the Milvus endpoint at address ("host:port").
func NewMilvus(ctx context.Context, address string) (*Milvus, error) {
	c, err := client.NewClient(ctx, client.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("connect milvus at %s: %w", address, err)
	}
	return &Milvus{client: c, dims: map[string]int{}}, nil
}

// Close releases the underlying connection.
func (m *Milvus) Close() error {
	return m.client.Close()
}

func (m *Milvus) cachedDim(name string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dim, ok := m.dims[name]
	return dim, ok
}

func (m *Milvus) cacheDim(name string, dim int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dims[name] = dim
}

func (m *Milvus) EnsureCollection(ctx context.Context, name string, dim int) error {
	if _, ok := m.cachedDim(name); ok {
		return nil
	}

	exists, err := m.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		m.cacheDim(name, dim)
		return nil
	}

	logger.Info("creating memory collection", "collection", name, "dim", dim)

	schema := entity.NewSchema().WithName(name).
		WithField(entity.NewField().WithName(FieldID).
			WithDataType(entity.FieldTypeInt64).WithIsPrimaryKey(true).WithIsAutoID(true)).
		WithField(entity.NewField().WithName(FieldSessionID).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
		WithField(entity.NewField().WithName(FieldContent).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(MaxContentLength)).
		WithField(entity.NewField().WithName(FieldMemoryType).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(32)).
		WithField(entity.NewField().WithName(FieldImportance).
			WithDataType(entity.FieldTypeFloat)).
		WithField(entity.NewField().WithName(FieldCreateTimeMs).
			WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(FieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}

	hnsw, err := entity.NewIndexHNSW(entity.IP, hnswM, hnswEfConstruction)
	if err != nil {
		return fmt.Errorf("build hnsw index params: %w", err)
	}
	if err := m.client.CreateIndex(ctx, name, FieldEmbedding, hnsw, false); err != nil {
		return fmt.Errorf("create vector index on %s: %w", name, err)
	}
	trie := entity.NewGenericIndex("session_id_trie", entity.Trie, nil)
	if err := m.client.CreateIndex(ctx, name, FieldSessionID, trie, false); err != nil {
		return fmt.Errorf("create session index on %s: %w", name, err)
	}
	if err := m.client.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("load collection %s: %w", name, err)
	}

	m.cacheDim(name, dim)
	return nil
}

func (m *Milvus) EnsureToolIndexCollection(ctx context.Context, dim int) error {
	name := ToolIndexCollectionName(dim)
	if _, ok := m.cachedDim(name); ok {
		return nil
	}

	exists, err := m.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		m.cacheDim(name, dim)
		return nil
	}

	logger.Info("creating tool index collection", "collection", name, "dim", dim)

	schema := entity.NewSchema().WithName(name).
		WithField(entity.NewField().WithName(FieldToolID).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(128).WithIsPrimaryKey(true)).
		WithField(entity.NewField().WithName(FieldToolName).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(256)).
		WithField(entity.NewField().WithName(FieldDescription).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(2048)).
		WithField(entity.NewField().WithName(FieldSchemaText).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(4096)).
		WithField(entity.NewField().WithName(FieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}

	hnsw, err := entity.NewIndexHNSW(entity.IP, hnswM, hnswEfConstruction)
	if err != nil {
		return fmt.Errorf("build hnsw index params: %w", err)
	}
	if err := m.client.CreateIndex(ctx, name, FieldEmbedding, hnsw, false); err != nil {
		return fmt.Errorf("create vector index on %s: %w", name, err)
	}
	if err := m.client.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("load collection %s: %w", name, err)
	}

	m.cacheDim(name, dim)
	return nil
}

func (m *Milvus) Insert(ctx context.Context, collection string, row Row) error {
	dim, ok := m.cachedDim(collection)
	if !ok {
		return fmt.Errorf("collection %s has not been ensured", collection)
	}

	columns := make([]entity.Column, 0, len(row))
	for field, value := range row {
		switch v := value.(type) {
		case string:
			columns = append(columns, entity.NewColumnVarChar(field, []string{v}))
		case int64:
			columns = append(columns, entity.NewColumnInt64(field, []int64{v}))
		case float32:
			columns = append(columns, entity.NewColumnFloat(field, []float32{v}))
		case float64:
			columns = append(columns, entity.NewColumnFloat(field, []float32{float32(v)}))
		case []float32:
			if len(v) != dim {
				return fmt.Errorf("%w: collection %s expects %d, got %d",
					ErrDimensionMismatch, collection, dim, len(v))
			}
			columns = append(columns, entity.NewColumnFloatVector(field, dim, [][]float32{v}))
		default:
			return fmt.Errorf("unsupported field type %T for %s", value, field)
		}
	}

	if _, err := m.client.Insert(ctx, collection, "", columns...); err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

func (m *Milvus) Search(ctx context.Context, collection string, vec []float32, k int, filter string, outputs []string) ([]Hit, error) {
	if dim, ok := m.cachedDim(collection); ok && len(vec) != dim {
		return nil, fmt.Errorf("%w: collection %s expects %d, got %d",
			ErrDimensionMismatch, collection, dim, len(vec))
	}

	sp, err := entity.NewIndexHNSWSearchParam(hnswEfSearch)
	if err != nil {
		return nil, fmt.Errorf("build search params: %w", err)
	}

	results, err := m.client.Search(ctx, collection, nil, filter, outputs,
		[]entity.Vector{entity.FloatVector(vec)}, FieldEmbedding, entity.IP, k, sp)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	var hits []Hit
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			id, err := result.IDs.Get(i)
			if err != nil {
				return nil, fmt.Errorf("read search id: %w", err)
			}
			fields := make(map[string]any, len(result.Fields))
			for _, col := range result.Fields {
				v, err := col.Get(i)
				if err != nil {
					return nil, fmt.Errorf("read field %s: %w", col.Name(), err)
				}
				fields[col.Name()] = v
			}
			hits = append(hits, Hit{ID: id, Score: result.Scores[i], Fields: fields})
		}
	}
	return hits, nil
}

func (m *Milvus) Query(ctx context.Context, collection, filter string, outputs []string, offset, limit int) ([]Row, error) {
	rs, err := m.client.Query(ctx, collection, nil, filter, outputs,
		client.WithOffset(int64(offset)), client.WithLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	n := 0
	for _, col := range rs {
		if col.Len() > n {
			n = col.Len()
		}
	}

	rows := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		row := Row{}
		for _, col := range rs {
			if i >= col.Len() {
				continue
			}
			v, err := col.Get(i)
			if err != nil {
				return nil, fmt.Errorf("read field %s: %w", col.Name(), err)
			}
			row[col.Name()] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *Milvus) Count(ctx context.Context, collection, filter string) (int64, error) {
	rs, err := m.client.Query(ctx, collection, nil, filter, []string{"count(*)"})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	col := rs.GetColumn("count(*)")
	if col == nil || col.Len() == 0 {
		return 0, fmt.Errorf("count %s: empty result", collection)
	}
	v, err := col.Get(0)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("count %s: unexpected type %T", collection, v)
	}
	return n, nil
}

func (m *Milvus) DeleteByIDs(ctx context.Context, collection string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	expr := fmt.Sprintf("%s in [%s]", FieldID, strings.Join(parts, ", "))
	return m.DeleteByFilter(ctx, collection, expr)
}

func (m *Milvus) DeleteByFilter(ctx context.Context, collection, filter string) error {
	if err := m.client.Delete(ctx, collection, "", filter); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}
