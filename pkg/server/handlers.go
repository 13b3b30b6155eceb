package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openloop-ai/openloop/pkg/agent"
	"github.com/openloop-ai/openloop/pkg/logger"
)

const (
	maxTaskLen      = 4000
	maxSessionIDLen = 64
	maxMessageLen   = 4000
)

type startSessionRequest struct {
	Task      string `json:"task"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    int64  `json:"userId,omitempty"`
}

type continueSessionRequest struct {
	Message string `json:"message"`
}

type sessionResponse struct {
	SessionID       string    `json:"sessionId"`
	Status          string    `json:"status"`
	TaskDescription string    `json:"taskDescription"`
	IterationCount  int       `json:"iterationCount"`
	Result          string    `json:"result"`
	ErrorMessage    string    `json:"errorMessage"`
	SubscribePath   string    `json:"subscribePath"`
	CreateTime      time.Time `json:"createTime"`
	UpdateTime      time.Time `json:"updateTime"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toSessionResponse(sess *agent.Session) sessionResponse {
	return sessionResponse{
		SessionID:       sess.SessionID,
		Status:          string(sess.Status),
		TaskDescription: sess.TaskDescription,
		IterationCount:  sess.IterationCount,
		Result:          sess.Result,
		ErrorMessage:    sess.ErrorMessage,
		SubscribePath:   "/agent/" + sess.SessionID,
		CreateTime:      sess.CreateTime,
		UpdateTime:      sess.UpdateTime,
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "task is required"})
		return
	}
	if len(req.Task) > maxTaskLen {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "task exceeds 4000 characters"})
		return
	}
	if len(req.SessionID) > maxSessionIDLen {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sessionId exceeds 64 characters"})
		return
	}

	sess, err := s.manager.Start(r.Context(), req.Task, req.SessionID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Pause(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Resume(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}
	if len(req.Message) > maxMessageLen {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message exceeds 4000 characters"})
		return
	}

	sess, err := s.manager.Continue(r.Context(), chi.URLParam(r, "sessionID"), req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Abort(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, agent.ErrSessionExists), errors.Is(err, agent.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("write response failed", "error", err)
	}
}
