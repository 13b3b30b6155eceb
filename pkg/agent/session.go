// Package agent holds the session model and the autonomous thinking loop:
// recall, think-and-act with streamed tool calling, answer. The entire
// cognitive state of a session lives in its store row, so a restart at any
// point recovers by reloading the row.
package agent

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no loop will run for this status again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is one end-to-end agent run against a user task.
//
// ContextWindow holds the serialized message list sent to the model on
// every iteration. Version is the optimistic-lock counter; the loop and the
// HTTP handlers write the same row, and stale writers lose.
type Session struct {
	ID              int64     `json:"-"`
	UserID          int64     `json:"-"`
	SessionID       string    `json:"sessionId"`
	TaskDescription string    `json:"taskDescription"`
	Status          Status    `json:"status"`
	CurrentPlan     string    `json:"-"`
	ContextWindow   string    `json:"-"`
	IterationCount  int       `json:"iterationCount"`
	Result          string    `json:"result,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	CreateTime      time.Time `json:"createTime"`
	UpdateTime      time.Time `json:"updateTime"`
	Version         int       `json:"-"`
}
