package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openloop-ai/openloop/pkg/logger"
)

// handleSubscribe upgrades the connection and relays the session's event
// stream as JSON frames. The connection stays open until the client goes
// away; a finished session keeps streaming nothing rather than closing, so
// late subscribers to a terminal session simply see silence.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.manager.Get(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "sessionId", sessionID, "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.broker.Subscribe(sessionID)
	defer cancel()

	// Drain the read side so client close frames are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Debug("websocket subscribed", "sessionId", sessionID)
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("websocket write failed", "sessionId", sessionID, "error", err)
				return
			}
		}
	}
}
