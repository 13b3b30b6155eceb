package keys

import (
	"context"
	"errors"
	"sort"

	"github.com/openloop-ai/openloop/pkg/config"
	"github.com/openloop-ai/openloop/pkg/embedder"
	"github.com/openloop-ai/openloop/pkg/logger"
)

// Resolver materializes stored keys into provider configurations. A miss is
// not an error: callers fall back to the system-level config.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveDefaultLLM finds the user's default LLM key across all providers,
// preferring keys flagged default over merely active ones.
func (r *Resolver) ResolveDefaultLLM(ctx context.Context, userID int64) (config.ProviderConfig, bool, error) {
	if userID <= 0 {
		return config.ProviderConfig{}, false, nil
	}

	active, err := r.store.ActiveKeys(ctx, userID)
	if err != nil {
		return config.ProviderConfig{}, false, err
	}

	var llmKeys []APIKey
	for _, k := range active {
		if k.Purpose == PurposeLLM {
			llmKeys = append(llmKeys, k)
		}
	}
	if len(llmKeys) == 0 {
		return config.ProviderConfig{}, false, nil
	}
	sort.SliceStable(llmKeys, func(i, j int) bool {
		return llmKeys[i].Default && !llmKeys[j].Default
	})
	return r.toProviderConfig(llmKeys[0]), true, nil
}

// Resolve finds the user's default key for one (provider, purpose) slot.
func (r *Resolver) Resolve(ctx context.Context, userID int64, provider string, purpose Purpose) (config.ProviderConfig, bool, error) {
	if userID <= 0 {
		return config.ProviderConfig{}, false, nil
	}
	key, err := r.store.DefaultKey(ctx, userID, provider, purpose)
	if errors.Is(err, ErrNotFound) {
		return config.ProviderConfig{}, false, nil
	}
	if err != nil {
		return config.ProviderConfig{}, false, err
	}
	return r.toProviderConfig(*key), true, nil
}

// ResolvedEmbedding carries the embedding endpoint config plus the collection
// routing derived from it.
type ResolvedEmbedding struct {
	Config         embedder.Config
	CollectionName string
	Dimension      int
}

// ResolveDefaultEmbedding finds the user's default embedding model.
func (r *Resolver) ResolveDefaultEmbedding(ctx context.Context, userID int64) (ResolvedEmbedding, bool, error) {
	if userID <= 0 {
		return ResolvedEmbedding{}, false, nil
	}
	m, err := r.store.DefaultEmbeddingModel(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ResolvedEmbedding{}, false, nil
	}
	if err != nil {
		return ResolvedEmbedding{}, false, err
	}

	apiKey := m.APIKey
	if apiKey == "" {
		// Local endpoints such as Ollama still expect a bearer token.
		apiKey = "ollama"
	}

	logger.Debug("resolved user embedding model",
		"userId", userID, "model", m.ModelName, "dim", m.Dimension, "collection", m.CollectionName)

	return ResolvedEmbedding{
		Config: embedder.Config{
			BaseURL:        m.BaseURL,
			APIKey:         apiKey,
			Model:          m.ModelName,
			Dimensions:     m.Dimension,
			MaxInputTokens: m.MaxTokens,
			TimeoutSeconds: 30,
		},
		CollectionName: m.CollectionName,
		Dimension:      m.Dimension,
	}, true, nil
}

func (r *Resolver) toProviderConfig(key APIKey) config.ProviderConfig {
	baseURL := key.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL(key.Provider)
	}
	model := key.Model
	if model == "" {
		model = DefaultModel(key.Provider)
	}

	logger.Debug("resolved user api key",
		"userId", key.UserID, "provider", key.Provider, "model", model)

	return config.ProviderConfig{
		Name:           key.Provider,
		BaseURL:        baseURL,
		APIKey:         key.KeyValue,
		Model:          model,
		TimeoutSeconds: 120,
	}
}
