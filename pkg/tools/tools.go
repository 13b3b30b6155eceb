// Package tools holds the registry of callable tools: the two built-in
// memory tools plus user-registered descriptors, a vector index for
// retrieving the tools relevant to a query, and the synchronous executor
// the agent loop dispatches tool calls through.
package tools

import (
	"encoding/json"

	"github.com/openloop-ai/openloop/pkg/llm"
	"github.com/openloop-ai/openloop/pkg/logger"
)

// Kind tags how a tool executes.
//
// NATIVE tools are implemented in-process; EntryPoint names a registered
// handler. The script kinds carry their raw source in Script and run in an
// external sandbox; EntryPoint is the suggested filename.
type Kind string

const (
	KindNative Kind = "NATIVE"
	KindPython Kind = "PYTHON_SCRIPT"
	KindNode   Kind = "NODE_SCRIPT"
	KindShell  Kind = "SHELL_CMD"
)

// Built-in tool names.
const (
	ToolRecallMemory = "recall_memory"
	ToolStoreMemory  = "store_memory"
)

// Descriptor is one registered tool. InputSchema is a JSON Schema object
// forwarded verbatim to the model so it knows what arguments to pass.
type Descriptor struct {
	ID          int64  `json:"id"`
	Name        string `json:"toolName"`
	Description string `json:"toolDescription"`
	InputSchema string `json:"inputSchema"`
	Kind        Kind   `json:"toolType"`
	Script      string `json:"scriptContent,omitempty"`
	EntryPoint  string `json:"entryPoint,omitempty"`
	Active      bool   `json:"isActive"`
}

// Definition renders the descriptor as a chat-API tool. A malformed schema
// degrades to an empty parameter object rather than failing the request.
func (d *Descriptor) Definition() llm.Tool {
	params := json.RawMessage(d.InputSchema)
	if !json.Valid(params) {
		logger.Warn("invalid input schema for tool, sending empty parameters", "tool", d.Name)
		params = json.RawMessage(`{}`)
	}
	return llm.FunctionTool(llm.ToolFunction{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  params,
	})
}

const recallMemorySchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "Natural language query for what to recall (e.g. '用户的名字', 'user name', '用户偏好', 'what the user told me before'). Use the user's question or intent in Chinese or English."
    },
    "top_k": {
      "type": "integer",
      "minimum": 1,
      "maximum": 20,
      "description": "Max number of memories to return (default 10)."
    }
  },
  "required": ["query"]
}`

const storeMemorySchema = `{
  "type": "object",
  "properties": {
    "content": {
      "type": "string",
      "description": "A stable, long-term fact that will be useful in many future tasks (e.g. persistent user preferences, long-term goals). ALWAYS rewrite the fact into a clear third-person sentence with an explicit subject before storing it. For example: '用户的名字是 Zed', '智能体的名字是 Forge', '用户是 Java 后端开发人员'. NEVER store ambiguous first-person sentences like '我的名字是 Forge' or 'I am a Java developer' — rewrite them to refer explicitly to the user or the assistant first, then call this tool."
    },
    "memory_type": {
      "type": "string",
      "enum": ["EPISODIC", "SEMANTIC", "PROCEDURAL"]
    },
    "importance": {
      "type": "number",
      "minimum": 0,
      "maximum": 1
    }
  },
  "required": ["content"]
}`

const (
	recallMemoryDescription = "Search long-term memory by natural language query. Returns relevant past information (e.g. user profile, name, preferences). Use when you need to look up something that may have been stored before."
	storeMemoryDescription  = "Store an IMPORTANT, long-term piece of information into memory for future sessions. Use sparingly. Only call this for facts that will matter across many tasks, not for one-off details."
)

// Builtins returns the built-in tool descriptors. They exist in every
// deployment and never live in the store.
func Builtins() []Descriptor {
	return []Descriptor{
		{
			Name:        ToolRecallMemory,
			Description: recallMemoryDescription,
			InputSchema: recallMemorySchema,
			Kind:        KindNative,
			Active:      true,
		},
		{
			Name:        ToolStoreMemory,
			Description: storeMemoryDescription,
			InputSchema: storeMemorySchema,
			Kind:        KindNative,
			Active:      true,
		},
	}
}

// IsBuiltin reports whether name is one of the built-in memory tools.
func IsBuiltin(name string) bool {
	return name == ToolRecallMemory || name == ToolStoreMemory
}
