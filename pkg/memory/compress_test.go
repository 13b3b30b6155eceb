package memory

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloop-ai/openloop/pkg/config"
	"github.com/openloop-ai/openloop/pkg/keys"
	"github.com/openloop-ai/openloop/pkg/llm"
)

type fakeChatter struct {
	reply string
	err   error
}

func (f *fakeChatter) Chat(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: llm.AssistantMessage(f.reply)}},
	}, nil
}

func (f *fakeChatter) StreamChat(ctx context.Context, req *llm.ChatRequest, onToken func(string)) (*llm.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func newCompressFixture(t *testing.T, reply string) (*Compressor, *Service) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	keyStore := keys.NewSQLStore(db, "sqlite")
	require.NoError(t, keyStore.InitSchema(context.Background()))
	require.NoError(t, keyStore.CreateKey(context.Background(), &keys.APIKey{
		UserID: 7, Provider: "openai", KeyValue: "sk-user", Default: true,
	}))
	resolver := keys.NewResolver(keyStore)

	svc, _ := newTestService(t)
	chat := &fakeChatter{reply: reply}
	comp := NewCompressor(svc, resolver,
		func(config.ProviderConfig) llm.Chatter { return chat })
	return comp, svc
}

func TestPrepareEmptyWhenNoMemories(t *testing.T) {
	comp, _ := newCompressFixture(t, "[]")

	result := comp.Prepare(context.Background(), 7)
	assert.Empty(t, result.Current)
	assert.Empty(t, result.Proposed)
	assert.Empty(t, result.Error)
}

func TestPrepareRequiresUser(t *testing.T) {
	comp, _ := newCompressFixture(t, "[]")
	result := comp.Prepare(context.Background(), 0)
	assert.Equal(t, "未登录", result.Error)
}

func TestPrepareParsesProposalAndStripsFence(t *testing.T) {
	ctx := context.Background()
	comp, svc := newCompressFixture(t,
		"```json\n[{\"content\":\"merged fact\",\"memory_type\":\"SEMANTIC\",\"importance\":0.85}]\n```")

	require.NoError(t, svc.Remember(ctx, "s1", "likes go", TypeSemantic, 0.9, 0))
	require.NoError(t, svc.Remember(ctx, "s1", "ran tests", TypeEpisodic, 0.4, 0))

	result := comp.Prepare(ctx, 7)
	require.Empty(t, result.Error)
	assert.Len(t, result.Current, 2)
	require.Len(t, result.Proposed, 1)
	assert.Equal(t, "merged fact", result.Proposed[0].Content)
	assert.Equal(t, "SEMANTIC", result.Proposed[0].MemoryType)
	require.NotNil(t, result.Proposed[0].Importance)
	assert.InDelta(t, 0.85, *result.Proposed[0].Importance, 0.001)
}

func TestPrepareReportsEmptyLLMReply(t *testing.T) {
	ctx := context.Background()
	comp, svc := newCompressFixture(t, "   ")

	require.NoError(t, svc.Remember(ctx, "s1", "likes go", TypeSemantic, 0.9, 0))

	result := comp.Prepare(ctx, 7)
	assert.Equal(t, "LLM 返回为空", result.Error)
	assert.Len(t, result.Current, 1)
}

func TestExecuteReplacesMemories(t *testing.T) {
	ctx := context.Background()
	comp, svc := newCompressFixture(t, "[]")

	require.NoError(t, svc.Remember(ctx, "s1", "likes go", TypeSemantic, 0.9, 0))
	require.NoError(t, svc.Remember(ctx, "s1", "ran tests", TypeEpisodic, 0.4, 0))

	items, err := svc.List(ctx, "", "", "", 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)

	importance := 0.85
	comp.Execute(ctx, 7, []int64{items[0].ID, items[1].ID}, []Proposal{
		{Content: "merged fact", MemoryType: "SEMANTIC", Importance: &importance},
		{Content: "   "},
	})

	remaining, err := svc.List(ctx, "", "", "", 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "merged fact", remaining[0].Content)
	assert.Equal(t, compressSessionID, remaining[0].SessionID)
	assert.Equal(t, TypeSemantic, remaining[0].Type)
}
