// Package llm implements a stateless client for OpenAI-compatible chat
// completion endpoints, both blocking and streaming, plus a two-provider
// router that keeps requests flowing when the primary endpoint degrades.
package llm

import (
	"encoding/json"
	"fmt"
)

// Role values for Message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolChoice values accepted by ChatRequest.
const (
	ToolChoiceNone     = "none"
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
)

// Message is a single entry in the conversation history.
//
// Content is a pointer because assistant messages that carry only tool calls
// have a null content field on the wire, and some providers reject an empty
// string where they accept null.
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Text returns the content, or "" when content is null.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: &content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: &content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: &content}
}

func AssistantToolCalls(calls []ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: calls}
}

// ToolResultMessage carries a tool's output back to the model. The id must
// match the ToolCall that requested the execution.
func ToolResultMessage(toolCallID, result string) Message {
	return Message{Role: RoleTool, Content: &result, ToolCallID: toolCallID}
}

// Tool is one entry in the "tools" array sent to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// FunctionTool wraps a function definition in the only tool type current
// providers support.
func FunctionTool(fn ToolFunction) Tool {
	return Tool{Type: "function", Function: fn}
}

// ToolFunction describes a callable function. Parameters holds the raw JSON
// Schema so stored schemas pass through to the wire byte for byte.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its arguments as an unparsed
// JSON string, exactly as the provider sent them.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is the body posted to /chat/completions.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// NewChatRequest builds a plain request with the default sampling settings.
func NewChatRequest(messages []Message) *ChatRequest {
	return &ChatRequest{
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// NewChatRequestWithTools builds a request advertising tools, letting the
// model decide whether to call them.
func NewChatRequestWithTools(messages []Message, tools []Tool) *ChatRequest {
	req := NewChatRequest(messages)
	req.Tools = tools
	req.ToolChoice = ToolChoiceAuto
	return req
}

func (r *ChatRequest) clone() *ChatRequest {
	c := *r
	return &c
}

// ChatResponse is the top-level body of a /chat/completions response.
// Streaming responses are assembled into the same shape.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FirstMessage returns the first choice's message.
func (r *ChatResponse) FirstMessage() (Message, error) {
	if len(r.Choices) == 0 {
		return Message{}, fmt.Errorf("response %s contains no choices", r.ID)
	}
	return r.Choices[0].Message, nil
}

// HasToolCalls reports whether the model asked to call one or more tools.
func (r *ChatResponse) HasToolCalls() bool {
	if len(r.Choices) == 0 {
		return false
	}
	return len(r.Choices[0].Message.ToolCalls) > 0
}

// StreamChunk is one SSE data frame of a streaming response. Only the fields
// that changed in this frame are populated.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int           `json:"index"`
	Delta        *DeltaMessage `json:"delta"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// DeltaMessage is a sparse message fragment. The first frame usually carries
// only the role, later frames carry a content token or a tool-call fragment.
type DeltaMessage struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is an incremental tool-call fragment. The name arrives in the
// first fragment for an index; the arguments JSON is spread across many.
type ToolCallDelta struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function *FunctionDelta `json:"function,omitempty"`
}

type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}
