package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openloop-ai/openloop/pkg/config"
	"github.com/openloop-ai/openloop/pkg/logger"
)

// Chatter is the surface the agent loop programs against. Both Client and
// Router satisfy it, so per-user clients can replace the shared router.
type Chatter interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	StreamChat(ctx context.Context, req *ChatRequest, onToken func(string)) (*ChatResponse, error)
}

// Router sends every request to the primary provider first and falls through
// to the fallback on any failure, each provider guarded by its own circuit
// breaker. As long as one provider is reachable the agent loop keeps running.
//
// Streaming: breakers observe the whole call, so a stream dropped mid-way
// counts as a failure and falls through to the fallback. The token callback
// may already have fired for partial content by then; callers treat that as
// a partial thought superseded by the fallback's answer.
type Router struct {
	primary         *Client
	fallback        *Client
	primaryBreaker  *Breaker
	fallbackBreaker *Breaker
}

type RouterOption func(*Router)

// WithClients replaces both provider clients, mainly for tests.
func WithClients(primary, fallback *Client) RouterOption {
	return func(r *Router) {
		r.primary = primary
		r.fallback = fallback
	}
}

// WithBreakers replaces both circuit breakers.
func WithBreakers(primary, fallback *Breaker) RouterOption {
	return func(r *Router) {
		r.primaryBreaker = primary
		r.fallbackBreaker = fallback
	}
}

func NewRouter(cfg config.LLMConfig, opts ...RouterOption) *Router {
	r := &Router{
		primary:         NewClient(cfg.Primary),
		fallback:        NewClient(cfg.Fallback),
		primaryBreaker:  NewBreaker(BreakerConfig{Name: "primaryLlm"}),
		fallbackBreaker: NewBreaker(BreakerConfig{Name: "fallbackLlm"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chat routes a blocking completion through primary then fallback.
//
// The model field is overridden with each provider's configured model, so
// callers only supply the message list.
func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return r.route(ctx, req, func(ctx context.Context, c *Client, req *ChatRequest) (*ChatResponse, error) {
		return c.Chat(ctx, req)
	})
}

// StreamChat is the streaming variant of Chat with identical routing.
func (r *Router) StreamChat(ctx context.Context, req *ChatRequest, onToken func(string)) (*ChatResponse, error) {
	return r.route(ctx, req, func(ctx context.Context, c *Client, req *ChatRequest) (*ChatResponse, error) {
		return c.StreamChat(ctx, req, onToken)
	})
}

type providerCall func(ctx context.Context, c *Client, req *ChatRequest) (*ChatResponse, error)

func (r *Router) route(ctx context.Context, req *ChatRequest, call providerCall) (*ChatResponse, error) {
	resp, primaryErr := r.guarded(ctx, r.primary, r.primaryBreaker, req, call)
	if primaryErr == nil {
		return resp, nil
	}
	logger.Warn("primary provider failed, engaging fallback",
		"provider", r.primary.Name(), "error", primaryErr)

	resp, fallbackErr := r.guarded(ctx, r.fallback, r.fallbackBreaker, req, call)
	if fallbackErr == nil {
		return resp, nil
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(primaryErr, fallbackErr))
}

// guarded runs one provider call under its breaker, substituting the
// provider's own model name.
func (r *Router) guarded(ctx context.Context, c *Client, b *Breaker, req *ChatRequest, call providerCall) (*ChatResponse, error) {
	if err := b.Allow(); err != nil {
		return nil, fmt.Errorf("provider [%s]: %w", c.Name(), err)
	}

	scoped := req.clone()
	scoped.Model = c.Model()

	start := time.Now()
	resp, err := call(ctx, c, scoped)
	b.Record(time.Since(start), err)
	return resp, err
}
