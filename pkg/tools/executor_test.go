package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloop-ai/openloop/pkg/memory"
	"github.com/openloop-ai/openloop/pkg/vector"
)

// keywordEmbedder embeds by keyword so similarity in tests is predictable.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "weather"):
		return []float32{1, 0, 0, 0}, nil
	case strings.Contains(lower, "recall_memory"):
		return []float32{0, 1, 0, 0}, nil
	case strings.Contains(lower, "store_memory"):
		return []float32{0, 0, 1, 0}, nil
	case strings.Contains(lower, "java"):
		return []float32{0, 0, 0, 1}, nil
	default:
		return []float32{0.5, 0.5, 0, 0}, nil
	}
}

func (keywordEmbedder) Dim() int          { return 4 }
func (keywordEmbedder) ModelName() string { return "stub-embed" }

func newTestExecutor(t *testing.T, memOpts ...memory.Option) (*Executor, *memory.Service) {
	t.Helper()
	store := newTestStore(t)
	require.NoError(t, store.Create(context.Background(), &Descriptor{
		Name:        "weather",
		Description: "Look up current weather for a city.",
		InputSchema: `{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`,
		Kind:        KindNative,
		EntryPoint:  "weatherHandler",
	}))
	require.NoError(t, store.Create(context.Background(), &Descriptor{
		Name:        "scrape",
		Description: "Scrape a page.",
		InputSchema: `{"type":"object"}`,
		Kind:        KindPython,
		Script:      "print('hi')",
		EntryPoint:  "scrape.py",
	}))

	svc := memory.NewService(vector.NewInMemory(), keywordEmbedder{}, "memories_stub_embed_4", nil, memOpts...)
	return NewExecutor(NewRegistry(store), svc), svc
}

func TestExecuteUnknownTool(t *testing.T) {
	exec, _ := newTestExecutor(t)
	out := exec.Execute(context.Background(), "nope", "{}", "s1", 0)
	assert.Equal(t, "[ToolError] Unknown tool: nope", out)
}

func TestStoreThenRecallMemory(t *testing.T) {
	ctx := context.Background()
	exec, _ := newTestExecutor(t)

	out := exec.Execute(ctx, ToolStoreMemory,
		`{"content":"用户是 Java 开发者","memory_type":"SEMANTIC","importance":0.9}`, "s1", 0)
	assert.Equal(t, "Memory stored successfully.", out)

	out = exec.Execute(ctx, ToolRecallMemory, `{"query":"java developer"}`, "s1", 0)
	assert.Contains(t, out, "## Relevant memories from past experience:")
	assert.Contains(t, out, "用户是 Java 开发者")
}

func TestStoreMemoryDedup(t *testing.T) {
	ctx := context.Background()
	exec, svc := newTestExecutor(t)

	out := exec.Execute(ctx, ToolStoreMemory, `{"content":"用户是 Java 开发者"}`, "s1", 0)
	assert.Equal(t, "Memory stored successfully.", out)

	// Same content modulo whitespace and case normalization.
	out = exec.Execute(ctx, ToolStoreMemory, `{"content":"  用户是 Java 开发者  "}`, "s1", 0)
	assert.Equal(t, "Memory already stored previously; skipping duplicate. Reply to the user now.", out)

	n, err := svc.Count(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Another session has its own dedup set.
	out = exec.Execute(ctx, ToolStoreMemory, `{"content":"用户是 Java 开发者"}`, "s2", 0)
	assert.Equal(t, "Memory stored successfully.", out)
}

func TestStoreMemorySameTopicPrefix(t *testing.T) {
	ctx := context.Background()
	exec, _ := newTestExecutor(t)

	out := exec.Execute(ctx, ToolStoreMemory,
		`{"content":"the user prefers tabs over spaces"}`, "s1", 0)
	assert.Equal(t, "Memory stored successfully.", out)

	// First 15 runes match the stored entry.
	out = exec.Execute(ctx, ToolStoreMemory,
		`{"content":"the user prefers dark editor themes"}`, "s1", 0)
	assert.Equal(t, "Already stored similar content. Reply to the user in natural language now.", out)
}

func TestStoreMemoryRejectsEmptyContent(t *testing.T) {
	exec, _ := newTestExecutor(t)
	out := exec.Execute(context.Background(), ToolStoreMemory, `{"content":"   "}`, "s1", 0)
	assert.Equal(t, "[ToolError] store_memory called with empty content; skipping.", out)
}

func TestRecallMemoryRequiresQuery(t *testing.T) {
	exec, _ := newTestExecutor(t)
	out := exec.Execute(context.Background(), ToolRecallMemory, `{"query":""}`, "s1", 0)
	assert.True(t, strings.HasPrefix(out, "[ToolError] recall_memory requires a non-empty 'query'"))
}

func TestRecallMemoryNoHits(t *testing.T) {
	exec, _ := newTestExecutor(t)
	out := exec.Execute(context.Background(), ToolRecallMemory, `{"query":"anything"}`, "s1", 0)
	assert.Equal(t, "No relevant memories found for this query. You can answer from general knowledge or say you don't recall.", out)
}

func TestRecallMemoryFallsBackToSearch(t *testing.T) {
	ctx := context.Background()
	exec, svc := newTestExecutor(t, memory.WithMinScore(0.99))

	require.NoError(t, svc.Remember(ctx, "s0", "用户是 Java 开发者", memory.TypeSemantic, 0.9, 0))

	// Threshold recall finds nothing; the browse search path still does.
	out := exec.Execute(ctx, ToolRecallMemory, `{"query":"weather"}`, "s1", 0)
	assert.Contains(t, out, "用户是 Java 开发者")
}

func TestForgetSessionClearsDedup(t *testing.T) {
	ctx := context.Background()
	exec, _ := newTestExecutor(t)

	exec.Execute(ctx, ToolStoreMemory, `{"content":"the user prefers tabs over spaces"}`, "s1", 0)
	exec.ForgetSession("s1")

	out := exec.Execute(ctx, ToolStoreMemory, `{"content":"the user prefers tabs over spaces"}`, "s1", 0)
	assert.Equal(t, "Memory stored successfully.", out)
}

func TestNativeToolDispatch(t *testing.T) {
	ctx := context.Background()
	exec, _ := newTestExecutor(t)

	// No handler registered yet.
	out := exec.Execute(ctx, "weather", `{"city":"Oslo"}`, "s1", 0)
	assert.Equal(t, `[STUB] Native tool 'weather' would execute here. args={"city":"Oslo"}`, out)

	exec.RegisterHandler("weatherHandler", func(_ context.Context, arguments string) (string, error) {
		assert.JSONEq(t, `{"city":"Oslo"}`, arguments)
		return "Sunny, 21C", nil
	})
	out = exec.Execute(ctx, "weather", `{"city":"Oslo"}`, "s1", 0)
	assert.Equal(t, "Sunny, 21C", out)

	exec.RegisterHandler("weatherHandler", func(context.Context, string) (string, error) {
		return "", errors.New("upstream down")
	})
	out = exec.Execute(ctx, "weather", `{"city":"Oslo"}`, "s1", 0)
	assert.Equal(t, "[ToolError] weather failed: upstream down", out)
}

func TestArgumentValidation(t *testing.T) {
	ctx := context.Background()
	exec, _ := newTestExecutor(t)

	out := exec.Execute(ctx, "weather", `{}`, "s1", 0)
	assert.True(t, strings.HasPrefix(out, "[ToolError] weather arguments do not match the schema"), out)

	out = exec.Execute(ctx, "weather", `{"city":`, "s1", 0)
	assert.True(t, strings.HasPrefix(out, "[ToolError] weather called with invalid JSON arguments"), out)
}

func TestScriptToolReturnsStub(t *testing.T) {
	exec, _ := newTestExecutor(t)
	out := exec.Execute(context.Background(), "scrape", `{"url":"https://example.com"}`, "s1", 0)
	assert.Equal(t, `[STUB] Script tool 'scrape' (PYTHON_SCRIPT) would execute here. args={"url":"https://example.com"}`, out)
}
