package agent

import "time"

// EventType classifies every event a session emits.
//
// Flow: PLAN_READY, then STEP_START/STEP_COMPLETE framing each plan step,
// with THINKING tokens, TOOL_CALL/TOOL_RESULT pairs, and ITERATION_START
// markers streamed inside step two.
type EventType string

const (
	EventPlanReady      EventType = "PLAN_READY"
	EventStepStart      EventType = "STEP_START"
	EventStepComplete   EventType = "STEP_COMPLETE"
	EventThinking       EventType = "THINKING"
	EventToolCall       EventType = "TOOL_CALL"
	EventToolResult     EventType = "TOOL_RESULT"
	EventIterationStart EventType = "ITERATION_START"
	EventFinalAnswer    EventType = "FINAL_ANSWER"
	EventStatusChange   EventType = "STATUS_CHANGE"
	EventError          EventType = "ERROR"
)

// Event is the single envelope broadcast to session subscribers.
//
// Content carries free-form text: the token for THINKING, the answer for
// FINAL_ANSWER, the message for ERROR. Payload carries structured data for
// rich events and is nil for token-level ones.
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Iteration int       `json:"iteration"`
	Timestamp int64     `json:"timestamp"`
}

// ToolResultPayload accompanies TOOL_RESULT events.
type ToolResultPayload struct {
	ToolName string `json:"toolName"`
	Output   string `json:"output"`
}

// StepPayload accompanies STEP_START and STEP_COMPLETE events. StepIndex is
// 1-based.
type StepPayload struct {
	StepIndex int    `json:"stepIndex"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
}

func newEvent(sessionID string, typ EventType, content string, payload any, iteration int) Event {
	return Event{
		SessionID: sessionID,
		Type:      typ,
		Content:   content,
		Payload:   payload,
		Iteration: iteration,
		Timestamp: time.Now().UnixMilli(),
	}
}

func PlanReadyEvent(sessionID string, steps []string) Event {
	return newEvent(sessionID, EventPlanReady, "", steps, 0)
}

func StepStartEvent(sessionID string, stepIndex int, title string) Event {
	return newEvent(sessionID, EventStepStart, "", StepPayload{StepIndex: stepIndex, Title: title}, 0)
}

func StepCompleteEvent(sessionID string, stepIndex int, title, summary string) Event {
	return newEvent(sessionID, EventStepComplete, summary,
		StepPayload{StepIndex: stepIndex, Title: title, Summary: summary}, 0)
}

func ThinkingEvent(sessionID, token string, iteration int) Event {
	return newEvent(sessionID, EventThinking, token, nil, iteration)
}

func IterationStartEvent(sessionID string, iteration int) Event {
	return newEvent(sessionID, EventIterationStart, "", nil, iteration)
}

func ToolCallEvent(sessionID string, call any, iteration int) Event {
	return newEvent(sessionID, EventToolCall, "", call, iteration)
}

func ToolResultEvent(sessionID, toolName, output string, iteration int) Event {
	return newEvent(sessionID, EventToolResult, output,
		ToolResultPayload{ToolName: toolName, Output: output}, iteration)
}

func FinalAnswerEvent(sessionID, answer string, iteration int) Event {
	return newEvent(sessionID, EventFinalAnswer, answer, nil, iteration)
}

func StatusChangeEvent(sessionID string, status Status) Event {
	return newEvent(sessionID, EventStatusChange, string(status), nil, 0)
}

func ErrorEvent(sessionID, message string, iteration int) Event {
	return newEvent(sessionID, EventError, message, nil, iteration)
}
