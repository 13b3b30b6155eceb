package llm

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure so the router and the agent loop can
// react without string matching.
type Kind string

const (
	// KindNetwork covers transport failures: dial, TLS, timeouts, dropped
	// streams.
	KindNetwork Kind = "network"
	// KindRateLimited is an HTTP 429 from the provider.
	KindRateLimited Kind = "rate_limited"
	// KindProvider is any other non-2xx provider response.
	KindProvider Kind = "provider"
	// KindProtocol means the provider answered 2xx but the body could not be
	// interpreted.
	KindProtocol Kind = "protocol"
)

// Error is the single error type returned by this package.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm provider [%s] %s: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("llm provider [%s] %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: cause}
}

// IsRateLimited reports whether err is an HTTP 429 from any provider.
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindRateLimited
}
