package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openloop-ai/openloop/pkg/llm"
	"github.com/openloop-ai/openloop/pkg/logger"
)

// ErrInvalidState is returned when a lifecycle command does not apply to
// the session's current status.
var ErrInvalidState = errors.New("invalid session state")

// Manager is the session lifecycle surface the HTTP layer talks to. Each
// started session gets its own goroutine running the loop; the goroutine
// and the handlers coordinate only through the session row.
type Manager struct {
	sessions SessionStore
	contexts *ContextStore
	loop     *Loop

	// launch starts a session goroutine; replaced in tests to run inline.
	launch func(fn func())
}

type ManagerOption func(*Manager)

// WithLauncher replaces how loop goroutines start, mainly for tests.
func WithLauncher(fn func(func())) ManagerOption {
	return func(m *Manager) {
		m.launch = fn
	}
}

func NewManager(sessions SessionStore, contexts *ContextStore, loop *Loop, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: sessions,
		contexts: contexts,
		loop:     loop,
		launch:   func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates a session and launches its loop. A blank sessionID gets a
// generated UUID; a taken one returns ErrSessionExists.
func (m *Manager) Start(ctx context.Context, task, sessionID string, userID int64) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}

	sess := &Session{
		UserID:          userID,
		SessionID:       sessionID,
		TaskDescription: task,
		Status:          StatusPending,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	m.launch(func() {
		m.loop.Run(context.Background(), sess)
	})
	logger.Info("started session", "sessionId", sessionID, "task", clip(task, 80))
	return sess, nil
}

// Get returns the current session row.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	return m.sessions.GetBySessionID(ctx, sessionID)
}

// Pause idles a running session. The loop notices at the top of its next
// iteration; the in-flight LLM or tool call completes first.
func (m *Manager) Pause(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusRunning {
		return nil, fmt.Errorf("%w: session is not RUNNING, current status: %s", ErrInvalidState, sess.Status)
	}
	sess, err = m.sessions.Update(ctx, sess.ID, func(s *Session) {
		s.Status = StatusPaused
	})
	if err != nil {
		return nil, err
	}
	logger.Info("paused session", "sessionId", sessionID)
	return sess, nil
}

// Resume restarts a paused session; the loop's poll picks it up within one
// interval.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusPaused {
		return nil, fmt.Errorf("%w: session is not PAUSED, current status: %s", ErrInvalidState, sess.Status)
	}
	sess, err = m.sessions.Update(ctx, sess.ID, func(s *Session) {
		s.Status = StatusRunning
	})
	if err != nil {
		return nil, err
	}
	logger.Info("resumed session", "sessionId", sessionID)
	return sess, nil
}

// Abort marks a session FAILED so the loop exits at its next status check.
// Idempotent on terminal sessions.
func (m *Manager) Abort(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}
	sess, err = m.sessions.Update(ctx, sess.ID, func(s *Session) {
		s.Status = StatusFailed
		s.ErrorMessage = "Aborted by user"
	})
	if err != nil {
		return nil, err
	}
	logger.Info("aborted session", "sessionId", sessionID)
	return sess, nil
}

// Continue appends a user message to an idle session's context and runs
// the full plan again over the existing conversation. Active sessions are
// rejected; pause or abort them first.
func (m *Manager) Continue(ctx context.Context, sessionID, message string) (*Session, error) {
	sess, err := m.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusRunning || sess.Status == StatusPaused {
		return nil, fmt.Errorf("%w: session is still active, current status: %s", ErrInvalidState, sess.Status)
	}

	if err := m.contexts.Append(ctx, sess, llm.UserMessage(message)); err != nil {
		return nil, err
	}
	sess, err = m.sessions.Update(ctx, sess.ID, func(s *Session) {
		s.Status = StatusPending
		s.Result = ""
		s.ErrorMessage = ""
	})
	if err != nil {
		return nil, err
	}

	m.launch(func() {
		m.loop.Run(context.Background(), sess)
	})
	logger.Info("continued session", "sessionId", sessionID)
	return sess, nil
}
