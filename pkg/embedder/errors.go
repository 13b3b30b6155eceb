package embedder

import "fmt"

// Kind classifies embedding failures the same way the chat client does.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindRateLimited Kind = "rate_limited"
	KindProvider    Kind = "provider"
	KindProtocol    Kind = "protocol"
)

// Error is the single error type returned by Embed besides ErrBlankInput.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("embedding %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
