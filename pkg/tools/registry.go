package tools

import (
	"context"
	"errors"

	"github.com/openloop-ai/openloop/pkg/llm"
	"github.com/openloop-ai/openloop/pkg/logger"
)

// Registry resolves the tool definitions sent to the model. Built-ins are
// injected on every load; user-registered descriptors come from the store.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Lookup returns the descriptor for name, checking built-ins first.
func (r *Registry) Lookup(ctx context.Context, name string) (*Descriptor, error) {
	for _, b := range Builtins() {
		if b.Name == name {
			d := b
			return &d, nil
		}
	}
	if r.store == nil {
		return nil, ErrNotFound
	}
	return r.store.GetByName(ctx, name)
}

// All returns built-ins plus every active descriptor as chat-API tools.
func (r *Registry) All(ctx context.Context) []llm.Tool {
	var out []llm.Tool
	for _, b := range Builtins() {
		out = append(out, b.Definition())
	}
	if r.store == nil {
		return out
	}
	active, err := r.store.ListActive(ctx)
	if err != nil {
		logger.Warn("listing active tools failed, using built-ins only", "error", err)
		return out
	}
	for i := range active {
		out = append(out, active[i].Definition())
	}
	return out
}

// Select resolves tool ids from the index into definitions, preserving
// score order and dropping duplicates and unknown ids. An empty id list
// falls back to All.
func (r *Registry) Select(ctx context.Context, ids []string) []llm.Tool {
	if len(ids) == 0 {
		return r.All(ctx)
	}
	var out []llm.Tool
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		d, err := r.Lookup(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn("tool lookup failed", "tool", id, "error", err)
			continue
		}
		out = append(out, d.Definition())
	}
	if len(out) == 0 {
		return r.All(ctx)
	}
	return out
}

// ActiveDescriptors returns the stored active descriptors, or nil when no
// store is wired.
func (r *Registry) ActiveDescriptors(ctx context.Context) ([]Descriptor, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListActive(ctx)
}
