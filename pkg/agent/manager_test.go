package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newManagerFixture runs loops inline so lifecycle tests are deterministic.
func newManagerFixture(t *testing.T, chatter *scriptedChatter, inline bool) (*Manager, *loopFixture) {
	t.Helper()
	loop, f := newLoopFixture(t, chatter, testAgentConfig())

	launcher := func(fn func()) {}
	if inline {
		launcher = func(fn func()) { fn() }
	}
	mgr := NewManager(f.sessions, f.contexts, loop, WithLauncher(launcher))
	return mgr, f
}

func TestManagerStartRunsSession(t *testing.T) {
	ctx := context.Background()
	chatter := &scriptedChatter{steps: []scriptedStep{
		{tokens: []string{"Hi."}, response: answerResponse("Hi.")},
	}}
	mgr, _ := newManagerFixture(t, chatter, true)

	sess, err := mgr.Start(ctx, "hello", "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID)

	final, err := mgr.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "Hi.", final.Result)
}

func TestManagerStartRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManagerFixture(t, &scriptedChatter{steps: []scriptedStep{
		{response: answerResponse("ok")},
	}}, false)

	_, err := mgr.Start(ctx, "a", "dup", 0)
	require.NoError(t, err)
	_, err = mgr.Start(ctx, "b", "dup", 0)
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestManagerPauseResumeTransitions(t *testing.T) {
	ctx := context.Background()
	mgr, f := newManagerFixture(t, &scriptedChatter{steps: []scriptedStep{
		{response: answerResponse("ok")},
	}}, false)

	sess, err := mgr.Start(ctx, "task", "s1", 0)
	require.NoError(t, err)

	// Loop never launched; the session is still PENDING.
	_, err = mgr.Pause(ctx, "s1")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.sessions.Update(ctx, sess.ID, func(s *Session) { s.Status = StatusRunning })
	require.NoError(t, err)

	paused, err := mgr.Pause(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	// Pausing a paused session is a conflict, as is resuming a running one.
	_, err = mgr.Pause(ctx, "s1")
	assert.ErrorIs(t, err, ErrInvalidState)

	resumed, err := mgr.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resumed.Status)

	_, err = mgr.Resume(ctx, "s1")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = mgr.Pause(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerAbortIsIdempotentOnTerminalSessions(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManagerFixture(t, &scriptedChatter{steps: []scriptedStep{
		{response: answerResponse("ok")},
	}}, false)

	_, err := mgr.Start(ctx, "task", "s1", 0)
	require.NoError(t, err)

	aborted, err := mgr.Abort(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, aborted.Status)
	assert.Equal(t, "Aborted by user", aborted.ErrorMessage)

	again, err := mgr.Abort(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Equal(t, "Aborted by user", again.ErrorMessage)
}

func TestManagerContinueRerunsOverExistingContext(t *testing.T) {
	ctx := context.Background()
	chatter := &scriptedChatter{steps: []scriptedStep{
		{tokens: []string{"Hi."}, response: answerResponse("Hi.")},
		{tokens: []string{"Again."}, response: answerResponse("Again.")},
	}}
	mgr, f := newManagerFixture(t, chatter, true)

	sess, err := mgr.Start(ctx, "hello", "s1", 0)
	require.NoError(t, err)

	// Continuing an active session is rejected.
	_, err = f.sessions.Update(ctx, sess.ID, func(s *Session) { s.Status = StatusRunning })
	require.NoError(t, err)
	_, err = mgr.Continue(ctx, "s1", "and another thing")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.sessions.Update(ctx, sess.ID, func(s *Session) { s.Status = StatusCompleted })
	require.NoError(t, err)

	_, err = mgr.Continue(ctx, "s1", "and another thing")
	require.NoError(t, err)

	reloaded, err := mgr.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, reloaded.Status)
	assert.Equal(t, "Again.", reloaded.Result)

	window := f.contexts.Load(reloaded)
	require.Len(t, window, 3)
	assert.Equal(t, "and another thing", window[2].Text())
}