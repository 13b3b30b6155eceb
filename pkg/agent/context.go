package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openloop-ai/openloop/pkg/llm"
	"github.com/openloop-ai/openloop/pkg/logger"
)

// ContextStore manages a session's context window, the ordered message list
// sent to the model on every iteration. The window lives in the session row
// so any restart picks up exactly where the loop left off.
type ContextStore struct {
	sessions SessionStore
	max      int
}

// NewContextStore builds the store. maxMessages bounds the window size.
func NewContextStore(sessions SessionStore, maxMessages int) *ContextStore {
	return &ContextStore{sessions: sessions, max: maxMessages}
}

// Load deserializes the session's context window. A missing or corrupt
// blob yields an empty list.
func (c *ContextStore) Load(sess *Session) []llm.Message {
	if sess.ContextWindow == "" {
		return nil
	}
	var messages []llm.Message
	if err := json.Unmarshal([]byte(sess.ContextWindow), &messages); err != nil {
		logger.Error("context window not deserializable, starting empty",
			"sessionId", sess.SessionID, "error", err)
		return nil
	}
	return messages
}

// Initialize replaces the whole window, trims, and persists.
func (c *ContextStore) Initialize(ctx context.Context, sess *Session, messages []llm.Message) error {
	return c.persist(ctx, sess, c.trim(messages))
}

// Append adds messages in order, trims, and persists. Callers batch one
// iteration's assistant message and its tool results into a single Append
// so a reload mid-iteration never sees a dangling tool call.
func (c *ContextStore) Append(ctx context.Context, sess *Session, messages ...llm.Message) error {
	window := append(c.Load(sess), messages...)
	return c.persist(ctx, sess, c.trim(window))
}

// trim applies the sliding window: keep the leading system message if there
// is one, then the most recent messages up to the limit.
func (c *ContextStore) trim(messages []llm.Message) []llm.Message {
	if len(messages) <= c.max {
		return messages
	}

	var system *llm.Message
	if messages[0].Role == llm.RoleSystem {
		system = &messages[0]
	}

	keep := c.max
	if system != nil {
		keep--
	}
	tail := messages[len(messages)-keep:]

	if system == nil {
		return tail
	}
	trimmed := make([]llm.Message, 0, keep+1)
	trimmed = append(trimmed, *system)
	trimmed = append(trimmed, tail...)
	logger.Debug("trimmed context window", "messages", len(trimmed))
	return trimmed
}

// persist reloads the row by primary id before writing so a stale session
// reference never clobbers a newer version.
func (c *ContextStore) persist(ctx context.Context, sess *Session, messages []llm.Message) error {
	blob, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("serialize context for session %s: %w", sess.SessionID, err)
	}
	updated, err := c.sessions.Update(ctx, sess.ID, func(s *Session) {
		s.ContextWindow = string(blob)
	})
	if err != nil {
		return fmt.Errorf("persist context for session %s: %w", sess.SessionID, err)
	}
	sess.ContextWindow = updated.ContextWindow
	sess.Version = updated.Version
	return nil
}
