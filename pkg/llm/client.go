package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openloop-ai/openloop/pkg/config"
	"github.com/openloop-ai/openloop/pkg/httpclient"
	"github.com/openloop-ai/openloop/pkg/logger"
	"github.com/openloop-ai/openloop/pkg/observability"
)

const (
	sseDataPrefix = "data: "
	sseDone       = "[DONE]"
)

// Client talks to a single OpenAI-compatible provider. It holds no
// per-request state; one instance serves any number of concurrent sessions.
type Client struct {
	http *httpclient.Client
	cfg  config.ProviderConfig
}

type ClientOption func(*Client)

// WithTransport replaces the retrying HTTP client, mainly for tests.
func WithTransport(h *httpclient.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

func NewClient(cfg config.ProviderConfig, opts ...ClientOption) *Client {
	c := &Client{
		// Deadlines come from the per-call context so the streaming timeout
		// can differ from the blocking one.
		http: httpclient.New(httpclient.WithHTTPClient(&http.Client{})),
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model name configured for this provider.
func (c *Client) Model() string { return c.cfg.Model }

// Name returns the provider name, e.g. "openai" or "deepseek".
func (c *Client) Name() string { return c.cfg.Name }

// Chat performs a blocking chat completion. Use it for planner and
// structured-output calls where token-by-token delivery buys nothing.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, span := observability.GetTracer("llm").Start(ctx, observability.SpanLLMRequest)
	defer span.End()

	prepared := c.prepare(req, false)
	span.SetAttributes(
		attribute.String(observability.AttrLLMProvider, c.cfg.Name),
		attribute.String(observability.AttrLLMModel, prepared.Model),
	)

	ctx, cancel := context.WithTimeout(ctx, c.timeout(false))
	defer cancel()

	resp, err := c.post(ctx, prepared)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindNetwork, c.cfg.Name, "read response body", err)
	}
	if err := c.checkStatus(resp.StatusCode, string(body)); err != nil {
		return nil, err
	}

	var out ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, newError(KindProtocol, c.cfg.Name,
			fmt.Sprintf("parse response: %s", truncate(string(body), 200)), err)
	}
	return &out, nil
}

// StreamChat performs a streaming chat completion over SSE. onToken is called
// synchronously for every non-empty content token, in stream order. The
// assembled ChatResponse mirrors the non-streaming shape so callers can act
// on tool calls the same way in both modes.
func (c *Client) StreamChat(ctx context.Context, req *ChatRequest, onToken func(string)) (*ChatResponse, error) {
	ctx, span := observability.GetTracer("llm").Start(ctx, observability.SpanLLMStream)
	defer span.End()

	prepared := c.prepare(req, true)
	span.SetAttributes(
		attribute.String(observability.AttrLLMProvider, c.cfg.Name),
		attribute.String(observability.AttrLLMModel, prepared.Model),
	)

	// Streams can legitimately take much longer than a blocking call.
	ctx, cancel := context.WithTimeout(ctx, c.timeout(true))
	defer cancel()

	resp, err := c.post(ctx, prepared)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := c.checkStatus(resp.StatusCode, string(body)); err != nil {
			return nil, err
		}
	}

	return c.assembleStream(resp.Body, onToken)
}

// prepare copies the request and applies the provider-specific adjustments:
// default model substitution, the stream flag, and tool-history filtering for
// providers whose validators reject role=tool entries.
func (c *Client) prepare(req *ChatRequest, stream bool) *ChatRequest {
	out := req.clone()
	if out.Model == "" {
		out.Model = c.cfg.Model
	}
	out.Stream = stream
	if strictToolHistory(c.cfg.Name) {
		kept := make([]Message, 0, len(out.Messages))
		for _, m := range out.Messages {
			if m.Role == RoleTool {
				continue
			}
			kept = append(kept, m)
		}
		out.Messages = kept
	}
	return out
}

// strictToolHistory reports whether the named provider rejects role=tool
// messages in the history with a 4xx.
func strictToolHistory(provider string) bool {
	name := strings.ToLower(provider)
	return strings.Contains(name, "zhipu") || strings.Contains(name, "glm")
}

func (c *Client) timeout(stream bool) time.Duration {
	d := time.Duration(c.cfg.TimeoutSeconds) * time.Second
	if stream {
		d *= 2
	}
	return d
}

func (c *Client) post(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, newError(KindProtocol, c.cfg.Name, "serialize request", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(KindNetwork, c.cfg.Name, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	logger.Debug("llm request", "provider", c.cfg.Name, "model", req.Model,
		"stream", req.Stream, "messages", len(req.Messages))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, newError(KindNetwork, c.cfg.Name, "call provider", err)
	}
	return resp, nil
}

func (c *Client) checkStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return newError(KindRateLimited, c.cfg.Name, "rate limited", nil)
	case status < 200 || status >= 300:
		return newError(KindProvider, c.cfg.Name,
			fmt.Sprintf("HTTP %d: %s", status, truncate(body, 200)), nil)
	}
	return nil
}

// toolCallAccumulator collects streamed tool-call fragments for one index.
type toolCallAccumulator struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

// assembleStream reads SSE frames, forwards content tokens, and merges
// tool-call fragments per index into complete tool calls.
func (c *Client) assembleStream(body io.Reader, onToken func(string)) (*ChatResponse, error) {
	var (
		content      strings.Builder
		accumulators = map[int]*toolCallAccumulator{}
		responseID   string
		model        string
		finishReason string
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, sseDataPrefix)
		if data == sseDone {
			break
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Warn("skipping malformed SSE chunk", "provider", c.cfg.Name, "chunk", truncate(data, 120))
			continue
		}

		if responseID == "" {
			responseID = chunk.ID
		}
		if model == "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			onToken(choice.Delta.Content)
		}

		for _, delta := range choice.Delta.ToolCalls {
			idx := 0
			if delta.Index != nil {
				idx = *delta.Index
			}
			acc, ok := accumulators[idx]
			if !ok {
				acc = &toolCallAccumulator{typ: "function"}
				accumulators[idx] = acc
			}
			if delta.ID != "" {
				acc.id = delta.ID
			}
			if delta.Type != "" {
				acc.typ = delta.Type
			}
			if delta.Function != nil {
				if delta.Function.Name != "" {
					acc.name = delta.Function.Name
				}
				acc.args.WriteString(delta.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, newError(KindNetwork, c.cfg.Name, "stream interrupted", err)
	}

	var toolCalls []ToolCall
	if len(accumulators) > 0 {
		indexes := make([]int, 0, len(accumulators))
		for idx := range accumulators {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			acc := accumulators[idx]
			toolCalls = append(toolCalls, ToolCall{
				ID:   acc.id,
				Type: acc.typ,
				Function: FunctionCall{
					Name:      acc.name,
					Arguments: acc.args.String(),
				},
			})
		}
	}

	message := Message{Role: RoleAssistant, ToolCalls: toolCalls}
	if content.Len() > 0 {
		text := content.String()
		message.Content = &text
	}

	return &ChatResponse{
		ID:     responseID,
		Object: "chat.completion",
		Model:  model,
		Choices: []Choice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason,
		}},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
