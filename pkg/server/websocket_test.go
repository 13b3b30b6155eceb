package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloop-ai/openloop/pkg/agent"
)

func wsURL(ts string, path string) string {
	return "ws" + strings.TrimPrefix(ts, "http") + path
}

func TestSubscribeStreamsEvents(t *testing.T) {
	f := newFixture(t, &scriptedChatter{answers: []string{"ok"}}, false)

	f.do(t, http.MethodPost, "/api/agent/sessions",
		startSessionRequest{Task: "task", SessionID: "s1"})

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, "/agent/s1"), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// Subscription is registered synchronously during the upgrade handler,
	// but give the relay goroutine a beat before publishing.
	time.Sleep(20 * time.Millisecond)

	f.broker.Publish(agent.ThinkingEvent("s1", "thinking...", 1))
	f.broker.Publish(agent.FinalAnswerEvent("s1", "done", 1))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first agent.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, agent.EventThinking, first.Type)
	assert.Equal(t, "thinking...", first.Content)
	assert.Equal(t, "s1", first.SessionID)

	var second agent.Event
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, agent.EventFinalAnswer, second.Type)
	assert.Equal(t, "done", second.Content)
}

func TestSubscribeUnknownSessionRejected(t *testing.T) {
	f := newFixture(t, &scriptedChatter{answers: []string{"ok"}}, false)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, "/agent/missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscribersAreIsolatedBySession(t *testing.T) {
	f := newFixture(t, &scriptedChatter{answers: []string{"ok"}}, false)

	f.do(t, http.MethodPost, "/api/agent/sessions",
		startSessionRequest{Task: "a", SessionID: "a"})
	f.do(t, http.MethodPost, "/api/agent/sessions",
		startSessionRequest{Task: "b", SessionID: "b"})

	connA, respA, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, "/agent/a"), nil)
	require.NoError(t, err)
	defer respA.Body.Close()
	defer connA.Close()

	connB, respB, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, "/agent/b"), nil)
	require.NoError(t, err)
	defer respB.Body.Close()
	defer connB.Close()

	time.Sleep(20 * time.Millisecond)
	f.broker.Publish(agent.ThinkingEvent("a", "for-a", 1))

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev agent.Event
	require.NoError(t, connA.ReadJSON(&ev))
	assert.Equal(t, "for-a", ev.Content)

	connB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var stray agent.Event
	assert.Error(t, connB.ReadJSON(&stray))
}
