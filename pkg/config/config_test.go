package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
llm:
  primary:
    name: openai
    baseUrl: https://api.openai.com/v1
    apiKey: ${OPENLOOP_TEST_KEY}
    model: gpt-4o
  fallback:
    name: deepseek
    baseUrl: https://api.deepseek.com/v1
    apiKey: fallback-key
    model: deepseek-chat
milvus:
  host: milvus.internal
  port: 19531
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("OPENLOOP_TEST_KEY", "sk-from-env")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.LLM.Primary.APIKey)
	assert.Equal(t, "milvus.internal:19531", cfg.Milvus.Address())

	// Defaults
	assert.Equal(t, 50, cfg.Agent.MaxContextMessages)
	assert.Equal(t, 30, cfg.Agent.MaxIterations)
	assert.Equal(t, 12, cfg.Agent.TopKTools)
	assert.Equal(t, 15, cfg.Agent.StoreMemoryPrefixLen)
	assert.Equal(t, 2000, cfg.Agent.ResumePollMs)
	assert.Equal(t, 120, cfg.LLM.Primary.TimeoutSeconds)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadRejectsMissingPrimary(t *testing.T) {
	_, err := Load(writeConfig(t, `
llm:
  fallback:
    baseUrl: https://api.deepseek.com/v1
    model: deepseek-chat
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.primary.baseUrl")
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	_, err := Load(writeConfig(t, sampleYAML+`
database:
  driver: oracle
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
