// Package keys stores user-owned provider credentials and embedding model
// configs, and resolves them into provider configurations. A user with no
// stored keys falls back to the system-level config.
package keys

import (
	"strings"
	"time"
)

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Purpose is what a stored key is used for.
type Purpose string

const (
	PurposeLLM       Purpose = "LLM"
	PurposeEmbedding Purpose = "EMBEDDING"
	PurposeVectorDB  Purpose = "VECTOR_DB"
	PurposeOther     Purpose = "OTHER"
)

// APIKey is one user-owned credential for a third-party provider. A user can
// hold many: several providers, several purposes, several keys per slot.
type APIKey struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Provider  string    `json:"provider"`
	Purpose   Purpose   `json:"purpose"`
	Label     string    `json:"label,omitempty"`
	KeyValue  string    `json:"-"`
	BaseURL   string    `json:"baseUrl,omitempty"`
	Model     string    `json:"model,omitempty"`
	Default   bool      `json:"default"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// EmbeddingModel is a user-configured embedding endpoint. Every
// (model, dimension) pair routes to its own vector collection; vectors from
// different models are never mixed.
type EmbeddingModel struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"userId"`
	Name           string    `json:"name"`
	Provider       string    `json:"provider"`
	ModelName      string    `json:"modelName"`
	APIKey         string    `json:"-"`
	BaseURL        string    `json:"baseUrl"`
	Dimension      int       `json:"dimension"`
	CollectionName string    `json:"collectionName"`
	MaxTokens      int       `json:"maxTokens"`
	Default        bool      `json:"default"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Per-provider fallbacks applied when a stored key omits base URL or model.

func DefaultBaseURL(provider string) string {
	switch normalize(provider) {
	case "openai":
		return "https://api.openai.com/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "anthropic":
		return "https://api.anthropic.com/v1"
	case "moonshot":
		return "https://api.moonshot.cn/v1"
	case "zhipu":
		return "https://open.bigmodel.cn/api/paas/v4"
	case "qwen":
		return "https://dashscope.aliyuncs.com/compatible-mode/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

func DefaultModel(provider string) string {
	switch normalize(provider) {
	case "openai":
		return "gpt-4o"
	case "deepseek":
		return "deepseek-chat"
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "moonshot":
		return "moonshot-v1-8k"
	case "zhipu":
		return "glm-4"
	case "qwen":
		return "qwen-plus"
	default:
		return "gpt-4o"
	}
}
