// Package config defines the runtime configuration tree and its loading
// pipeline: YAML file, ${ENV} expansion, defaults, validation.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Milvus    MilvusConfig    `yaml:"milvus"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Agent     AgentConfig     `yaml:"agent"`
	LogLevel  string          `yaml:"logLevel"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects the relational store holding sessions, tool
// descriptors, user keys and embedding model configs.
type DatabaseConfig struct {
	// Driver: "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN: file path for sqlite, connection string for postgres.
	DSN string `yaml:"dsn"`
}

type MilvusConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	CollectionName string `yaml:"collectionName"`
	VectorDim      int    `yaml:"vectorDimensions"`
}

func (m MilvusConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// ProviderConfig describes one OpenAI-compatible chat endpoint.
type ProviderConfig struct {
	Name           string `yaml:"name"`
	BaseURL        string `yaml:"baseUrl"`
	APIKey         string `yaml:"apiKey"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

type LLMConfig struct {
	Primary  ProviderConfig `yaml:"primary"`
	Fallback ProviderConfig `yaml:"fallback"`
}

// EmbeddingConfig is the system-default embedding endpoint, used when a user
// has no embedding model of their own.
type EmbeddingConfig struct {
	BaseURL        string `yaml:"baseUrl"`
	APIKey         string `yaml:"apiKey"`
	Model          string `yaml:"model"`
	Dimensions     int    `yaml:"dimensions"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// AgentConfig carries the loop's tunables.
type AgentConfig struct {
	MaxContextMessages   int     `yaml:"maxContextMessages"`
	MaxIterations        int     `yaml:"maxIterations"`
	TopKTools            int     `yaml:"topKTools"`
	StoreMemoryPrefixLen int     `yaml:"storeMemoryPrefixLen"`
	ResumePollMs         int     `yaml:"resumePollMs"`
	RecallMinScore       float64 `yaml:"recallMinScore"`
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment. A .env file next to the working directory is honored first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := expandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})
}

func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "openloop.db"
	}
	if c.Milvus.Host == "" {
		c.Milvus.Host = "localhost"
	}
	if c.Milvus.Port == 0 {
		c.Milvus.Port = 19530
	}
	if c.Milvus.CollectionName == "" {
		c.Milvus.CollectionName = "agent_memories"
	}
	if c.Milvus.VectorDim == 0 {
		c.Milvus.VectorDim = 1536
	}
	if c.LLM.Primary.TimeoutSeconds == 0 {
		c.LLM.Primary.TimeoutSeconds = 120
	}
	if c.LLM.Fallback.TimeoutSeconds == 0 {
		c.LLM.Fallback.TimeoutSeconds = 120
	}
	if c.Embedding.TimeoutSeconds == 0 {
		c.Embedding.TimeoutSeconds = 30
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = c.Milvus.VectorDim
	}
	if c.Agent.MaxContextMessages == 0 {
		c.Agent.MaxContextMessages = 50
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 30
	}
	if c.Agent.TopKTools == 0 {
		c.Agent.TopKTools = 12
	}
	if c.Agent.StoreMemoryPrefixLen == 0 {
		c.Agent.StoreMemoryPrefixLen = 15
	}
	if c.Agent.ResumePollMs == 0 {
		c.Agent.ResumePollMs = 2000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q (supported: sqlite, postgres)", c.Database.Driver)
	}
	if c.LLM.Primary.BaseURL == "" {
		return fmt.Errorf("llm.primary.baseUrl is required")
	}
	if c.LLM.Primary.Model == "" {
		return fmt.Errorf("llm.primary.model is required")
	}
	if c.LLM.Fallback.BaseURL == "" {
		return fmt.Errorf("llm.fallback.baseUrl is required")
	}
	if c.LLM.Fallback.Model == "" {
		return fmt.Errorf("llm.fallback.model is required")
	}
	if c.Agent.MaxContextMessages < 2 {
		return fmt.Errorf("agent.maxContextMessages must be at least 2")
	}
	if c.Agent.RecallMinScore < 0 || c.Agent.RecallMinScore > 1 {
		return fmt.Errorf("agent.recallMinScore must be within [0,1]")
	}
	return nil
}
