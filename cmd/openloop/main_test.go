package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openloop-ai/openloop/pkg/config"
)

func TestSystemMemoryCollectionPrefersConfiguredName(t *testing.T) {
	cfg := &config.Config{}
	cfg.Milvus.CollectionName = "agent_memories"
	cfg.Embedding.Model = "text-embedding-3-small"
	cfg.Embedding.Dimensions = 1536

	assert.Equal(t, "agent_memories", systemMemoryCollection(cfg))
}

func TestSystemMemoryCollectionDerivesFromModelWhenBlank(t *testing.T) {
	cfg := &config.Config{}
	cfg.Embedding.Model = "text-embedding-3-small"
	cfg.Embedding.Dimensions = 1536

	assert.Equal(t, "memories_text_embedding_3_small_1536", systemMemoryCollection(cfg))
}
