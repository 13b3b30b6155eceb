// Package embedder turns text into fixed-dimension float vectors by calling
// an OpenAI-compatible /embeddings endpoint.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openloop-ai/openloop/pkg/config"
	"github.com/openloop-ai/openloop/pkg/httpclient"
	"github.com/openloop-ai/openloop/pkg/logger"
	"github.com/openloop-ai/openloop/pkg/observability"
)

// maxInputChars is the hard cap applied before any token-level truncation, a
// safety net against blowing provider request limits.
const maxInputChars = 8000

// ErrBlankInput is returned when the text to embed is empty or whitespace.
var ErrBlankInput = errors.New("cannot embed blank text")

// Config describes one embedding endpoint. The system default comes from the
// config file; per-user models come from the key store.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	Dimensions     int
	MaxInputTokens int
	TimeoutSeconds int
}

// FromSystem adapts the config-file embedding section.
func FromSystem(c config.EmbeddingConfig) Config {
	return Config{
		BaseURL:        c.BaseURL,
		APIKey:         c.APIKey,
		Model:          c.Model,
		Dimensions:     c.Dimensions,
		TimeoutSeconds: c.TimeoutSeconds,
	}
}

// Embedder is the vector-producing surface the memory service and tool index
// program against.
type Embedder interface {
	// Embed returns the vector for text. The vector length equals Dim().
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim is the declared vector dimension of the model.
	Dim() int
	// ModelName identifies the embedding model, used for collection routing.
	ModelName() string
}

// Client calls an OpenAI-compatible embeddings endpoint.
type Client struct {
	http *httpclient.Client
	cfg  Config

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

type Option func(*Client)

// WithTransport replaces the retrying HTTP client, mainly for tests.
func WithTransport(h *httpclient.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	c := &Client{
		http: httpclient.New(httpclient.WithHTTPClient(&http.Client{})),
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Dim() int { return c.cfg.Dimensions }

func (c *Client) ModelName() string { return c.cfg.Model }

type embeddingRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed posts text to /embeddings and returns the first result vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrBlankInput
	}

	ctx, span := observability.GetTracer("embedder").Start(ctx, observability.SpanEmbed)
	defer span.End()
	span.SetAttributes(attribute.String(observability.AttrLLMModel, c.cfg.Model))

	input := c.truncate(text)

	payload, err := json.Marshal(embeddingRequest{
		Input:      input,
		Model:      c.cfg.Model,
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Message: "serialize request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	logger.Debug("embedding request", "model", c.cfg.Model, "inputLen", len(input))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "call embedding endpoint", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "read response body", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimited, Message: "rate limited"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Kind: KindProvider,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncateStr(string(body), 200))}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocol, Message: "parse response", Err: err}
	}
	if len(parsed.Data) == 0 {
		return nil, &Error{Kind: KindProtocol, Message: "response contained no embeddings"}
	}

	vector := parsed.Data[0].Embedding
	if c.cfg.Dimensions > 0 && len(vector) != c.cfg.Dimensions {
		return nil, &Error{Kind: KindProtocol,
			Message: fmt.Sprintf("expected dimension %d, got %d", c.cfg.Dimensions, len(vector))}
	}
	return vector, nil
}

// truncate caps the input at the model's token budget when one is declared,
// falling back to a character cap when the tokenizer is unavailable.
func (c *Client) truncate(text string) string {
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}
	if c.cfg.MaxInputTokens <= 0 {
		return text
	}

	c.encOnce.Do(func() {
		enc, err := tiktoken.EncodingForModel(c.cfg.Model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			logger.Warn("tokenizer unavailable, using character truncation", "model", c.cfg.Model, "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return text
	}

	tokens := c.enc.Encode(text, nil, nil)
	if len(tokens) <= c.cfg.MaxInputTokens {
		return text
	}
	return c.enc.Decode(tokens[:c.cfg.MaxInputTokens])
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
