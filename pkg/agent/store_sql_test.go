package agent

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T) *SQLSessionStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewSQLSessionStore(db, "sqlite")
	require.NoError(t, store.InitSchema(context.Background()))
	return store
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	store := newTestSessions(t)

	sess := &Session{UserID: 7, SessionID: "s1", TaskDescription: "hello"}
	require.NoError(t, store.Create(ctx, sess))
	assert.NotZero(t, sess.ID)
	assert.Equal(t, StatusPending, sess.Status)

	got, err := store.GetBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, 0, got.Version)

	byID, err := store.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", byID.SessionID)

	_, err = store.GetBySessionID(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateRejectsDuplicateSessionID(t *testing.T) {
	ctx := context.Background()
	store := newTestSessions(t)

	require.NoError(t, store.Create(ctx, &Session{SessionID: "s1", TaskDescription: "a"}))
	err := store.Create(ctx, &Session{SessionID: "s1", TaskDescription: "b"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestAnonymousUserRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newTestSessions(t)

	require.NoError(t, store.Create(ctx, &Session{SessionID: "s1", TaskDescription: "a"}))
	got, err := store.GetBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, got.UserID)
}

func TestSaveBumpsVersionAndDetectsConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestSessions(t)

	sess := &Session{SessionID: "s1", TaskDescription: "a"}
	require.NoError(t, store.Create(ctx, sess))

	stale, err := store.GetBySessionID(ctx, "s1")
	require.NoError(t, err)

	sess.Status = StatusRunning
	require.NoError(t, store.Save(ctx, sess))
	assert.Equal(t, 1, sess.Version)

	stale.Status = StatusPaused
	assert.ErrorIs(t, store.Save(ctx, stale), ErrVersionConflict)

	got, err := store.GetBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	sess.ID = 999
	sess.Version = 0
	assert.ErrorIs(t, store.Save(ctx, sess), ErrSessionNotFound)
}

// The postgres driver has no LastInsertId, so Create reads the generated id
// back with RETURNING. sqlite accepts both $n placeholders and RETURNING,
// which lets the postgres statement path run against the test database.
func TestCreateOnPostgresReadsGeneratedID(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, NewSQLSessionStore(db, "sqlite").InitSchema(ctx))

	store := NewSQLSessionStore(db, "postgres")
	sess := &Session{SessionID: "s1", TaskDescription: "hello"}
	require.NoError(t, store.Create(ctx, sess))
	assert.NotZero(t, sess.ID)

	// A zero id here would make the first save fail as a missing session.
	updated, err := store.Update(ctx, sess.ID, func(s *Session) { s.Status = StatusRunning })
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, updated.Status)
}

func TestUpdateRetriesPastStaleWriters(t *testing.T) {
	ctx := context.Background()
	store := newTestSessions(t)

	sess := &Session{SessionID: "s1", TaskDescription: "a"}
	require.NoError(t, store.Create(ctx, sess))

	// Concurrent writer bumps the version between our load and save.
	_, err := store.Update(ctx, sess.ID, func(s *Session) { s.IterationCount = 1 })
	require.NoError(t, err)

	updated, err := store.Update(ctx, sess.ID, func(s *Session) {
		s.Status = StatusCompleted
		s.Result = "done"
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)
	assert.Equal(t, 1, updated.IterationCount)
	assert.Equal(t, 2, updated.Version)
}
