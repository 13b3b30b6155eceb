package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloop-ai/openloop/pkg/config"
	"github.com/openloop-ai/openloop/pkg/httpclient"
)

func testClient(t *testing.T, srv *httptest.Server, cfg config.ProviderConfig) *Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 5
	}
	transport := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{}),
		httpclient.WithSleepFunc(func(time.Duration) {}),
	)
	return NewClient(cfg, WithTransport(transport))
}

func sseFrames(frames ...string) string {
	out := ""
	for _, f := range frames {
		out += "data: " + f + "\n\n"
	}
	return out + "data: [DONE]\n\n"
}

func TestChatParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.False(t, req.Stream)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ProviderConfig{Name: "openai", APIKey: "sk-test", Model: "gpt-4o"})

	resp, err := c.Chat(context.Background(), NewChatRequest([]Message{UserMessage("hello")}))
	require.NoError(t, err)

	msg, err := resp.FirstMessage()
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Text())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.False(t, resp.HasToolCalls())
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestChatSubstitutesDefaultModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ProviderConfig{Name: "deepseek", Model: "deepseek-chat"})

	_, err := c.Chat(context.Background(), NewChatRequest([]Message{UserMessage("q")}))
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", gotModel)
}

func TestChatRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ProviderConfig{Name: "openai", Model: "gpt-4o"})

	_, err := c.Chat(context.Background(), NewChatRequest([]Message{UserMessage("q")}))
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestChatProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad request"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ProviderConfig{Name: "openai", Model: "gpt-4o"})

	_, err := c.Chat(context.Background(), NewChatRequest([]Message{UserMessage("q")}))
	require.Error(t, err)

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, KindProvider, llmErr.Kind)
	assert.Contains(t, llmErr.Message, "HTTP 400")
}

func TestStrictProviderFiltersToolHistory(t *testing.T) {
	var gotRoles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotRoles = nil
		for _, m := range req.Messages {
			gotRoles = append(gotRoles, m.Role)
		}
		fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	history := []Message{
		SystemMessage("persona"),
		UserMessage("question"),
		AssistantToolCalls([]ToolCall{{ID: "c1", Type: "function"}}),
		ToolResultMessage("c1", "result"),
	}

	c := testClient(t, srv, config.ProviderConfig{Name: "zhipu", Model: "glm-4"})
	_, err := c.Chat(context.Background(), NewChatRequest(history))
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "user", "assistant"}, gotRoles)

	c = testClient(t, srv, config.ProviderConfig{Name: "openai", Model: "gpt-4o"})
	_, err = c.Chat(context.Background(), NewChatRequest(history))
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "user", "assistant", "tool"}, gotRoles)
}

func TestStreamChatAssemblesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseFrames(
			`{"id":"chatcmpl-2","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		))
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ProviderConfig{Name: "openai", Model: "gpt-4o"})

	var tokens []string
	resp, err := c.StreamChat(context.Background(), NewChatRequest([]Message{UserMessage("hi")}),
		func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	assert.Equal(t, "chatcmpl-2", resp.ID)
	assert.Equal(t, "gpt-4o", resp.Model)
	msg, err := resp.FirstMessage()
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Text())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestStreamChatAssemblesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseFrames(
			`{"id":"chatcmpl-3","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"store_memory","arguments":"{\"con"}}]}}]}`,
			`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"recall_memory","arguments":"{\"query\":"}}]}}]}`,
			`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
			`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"tent\":\"x\"}"}}]}}]}`,
			`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		))
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ProviderConfig{Name: "openai", Model: "gpt-4o"})

	resp, err := c.StreamChat(context.Background(), NewChatRequest([]Message{UserMessage("hi")}),
		func(string) {})
	require.NoError(t, err)
	require.True(t, resp.HasToolCalls())
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)

	calls := resp.Choices[0].Message.ToolCalls
	require.Len(t, calls, 2)

	// Ascending index order regardless of arrival order.
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "recall_memory", calls[0].Function.Name)
	assert.JSONEq(t, `{"query":"go"}`, calls[0].Function.Arguments)

	assert.Equal(t, "call_b", calls[1].ID)
	assert.Equal(t, "store_memory", calls[1].Function.Name)
	assert.JSONEq(t, `{"content":"x"}`, calls[1].Function.Arguments)

	// Tool-call-only assistant messages keep content null.
	assert.Nil(t, resp.Choices[0].Message.Content)
}

func TestStreamChatSkipsMalformedChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, sseFrames(
			`{"id":"chatcmpl-4","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
		))
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ProviderConfig{Name: "openai", Model: "gpt-4o"})

	resp, err := c.StreamChat(context.Background(), NewChatRequest([]Message{UserMessage("hi")}), func(string) {})
	require.NoError(t, err)
	msg, err := resp.FirstMessage()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Text())
}

func TestStreamChatRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ProviderConfig{Name: "openai", Model: "gpt-4o"})

	_, err := c.StreamChat(context.Background(), NewChatRequest([]Message{UserMessage("hi")}), func(string) {})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestChatNetworkError(t *testing.T) {
	c := NewClient(config.ProviderConfig{
		Name: "openai", Model: "gpt-4o",
		BaseURL: "http://127.0.0.1:1", TimeoutSeconds: 1,
	}, WithTransport(httpclient.New(
		httpclient.WithHTTPClient(&http.Client{}),
		httpclient.WithSleepFunc(func(time.Duration) {}),
	)))

	_, err := c.Chat(context.Background(), NewChatRequest([]Message{UserMessage("q")}))
	require.Error(t, err)

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, KindNetwork, llmErr.Kind)

	var exhausted *httpclient.RetryExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}
