package vector

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// InMemory implements Store without an external database. It backs tests and
// deployments that run with the vector database disabled; data does not
// survive a restart.
type InMemory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	nextID      int64
}

type memCollection struct {
	dim       int
	toolIndex bool
	rows      []Row
}

func NewInMemory() *InMemory {
	return &InMemory{collections: map[string]*memCollection{}}
}

func (s *InMemory) EnsureCollection(_ context.Context, name string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = &memCollection{dim: dim}
	}
	return nil
}

func (s *InMemory) EnsureToolIndexCollection(_ context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := ToolIndexCollectionName(dim)
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = &memCollection{dim: dim, toolIndex: true}
	}
	return nil
}

func (s *InMemory) collection(name string) (*memCollection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s has not been ensured", name)
	}
	return c, nil
}

func (s *InMemory) Insert(_ context.Context, collection string, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	vec, _ := row[FieldEmbedding].([]float32)
	if len(vec) != c.dim {
		return fmt.Errorf("%w: collection %s expects %d, got %d",
			ErrDimensionMismatch, collection, c.dim, len(vec))
	}

	stored := Row{}
	for k, v := range row {
		stored[k] = v
	}
	if !c.toolIndex {
		s.nextID++
		stored[FieldID] = s.nextID
	}
	c.rows = append(c.rows, stored)
	return nil
}

func (s *InMemory) Search(_ context.Context, collection string, vec []float32, k int, filter string, outputs []string) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(vec) != c.dim {
		return nil, fmt.Errorf("%w: collection %s expects %d, got %d",
			ErrDimensionMismatch, collection, c.dim, len(vec))
	}

	var hits []Hit
	for _, row := range c.rows {
		if !matchFilter(row, filter) {
			continue
		}
		stored := row[FieldEmbedding].([]float32)
		hits = append(hits, Hit{
			ID:     primaryKey(row, c.toolIndex),
			Score:  innerProduct(vec, stored),
			Fields: project(row, outputs),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *InMemory) Query(_ context.Context, collection, filter string, outputs []string, offset, limit int) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	var matched []Row
	for _, row := range c.rows {
		if matchFilter(row, filter) {
			matched = append(matched, project(row, outputs))
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *InMemory) Count(_ context.Context, collection, filter string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, row := range c.rows {
		if matchFilter(row, filter) {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) DeleteByIDs(_ context.Context, collection string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := c.rows[:0]
	for _, row := range c.rows {
		if id, ok := row[FieldID].(int64); ok && drop[id] {
			continue
		}
		kept = append(kept, row)
	}
	c.rows = kept
	return nil
}

func (s *InMemory) DeleteByFilter(_ context.Context, collection, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	kept := c.rows[:0]
	for _, row := range c.rows {
		if matchFilter(row, filter) {
			continue
		}
		kept = append(kept, row)
	}
	c.rows = kept
	return nil
}

func primaryKey(row Row, toolIndex bool) any {
	if toolIndex {
		return row[FieldToolID]
	}
	return row[FieldID]
}

func innerProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// project copies the requested output fields, or all scalar fields when no
// outputs are named. The embedding itself is never returned.
func project(row Row, outputs []string) map[string]any {
	out := map[string]any{}
	if len(outputs) == 0 {
		for k, v := range row {
			if k != FieldEmbedding {
				out[k] = v
			}
		}
		return out
	}
	for _, name := range outputs {
		if v, ok := row[name]; ok && name != FieldEmbedding {
			out[name] = v
		}
	}
	return out
}

// Filter evaluation for the expression subset the services emit.
var (
	eqTerm   = regexp.MustCompile(`^(\w+)\s*==\s*"(.*)"$`)
	likeTerm = regexp.MustCompile(`^(\w+)\s+like\s+"%(.*)%"$`)
	inTerm   = regexp.MustCompile(`^(\w+)\s+in\s+\[(.*)\]$`)
)

func matchFilter(row Row, filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	for _, term := range strings.Split(filter, " and ") {
		if !matchTerm(row, strings.TrimSpace(term)) {
			return false
		}
	}
	return true
}

func matchTerm(row Row, term string) bool {
	if m := eqTerm.FindStringSubmatch(term); m != nil {
		return fieldString(row, m[1]) == m[2]
	}
	if m := likeTerm.FindStringSubmatch(term); m != nil {
		return strings.Contains(fieldString(row, m[1]), m[2])
	}
	if m := inTerm.FindStringSubmatch(term); m != nil {
		id, ok := row[m[1]].(int64)
		if !ok {
			return false
		}
		for _, part := range strings.Split(m[2], ",") {
			if v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil && v == id {
				return true
			}
		}
		return false
	}
	return false
}

func fieldString(row Row, field string) string {
	v, ok := row[field]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
