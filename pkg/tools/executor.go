package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openloop-ai/openloop/pkg/logger"
	"github.com/openloop-ai/openloop/pkg/memory"
	"github.com/openloop-ai/openloop/pkg/observability"
)

// defaultStorePrefixLen is the prefix length for same-topic deduplication
// of store_memory calls.
const defaultStorePrefixLen = 15

// Handler executes a native tool. It receives the raw arguments JSON and
// returns the textual result the model will read.
type Handler func(ctx context.Context, arguments string) (string, error)

// Executor dispatches tool calls synchronously. Every call resolves to a
// single string; failures are wrapped into a "[ToolError] ..." string and
// handed back to the model rather than surfaced as errors.
type Executor struct {
	registry  *Registry
	memory    *memory.Service
	prefixLen int

	mu       sync.Mutex
	handlers map[string]Handler
	// stored tracks normalized store_memory contents per session to stop
	// repeated store loops. Process-local; loss at restart is harmless.
	stored map[string]map[string]struct{}
	// schemas caches compiled input schemas by tool name.
	schemas map[string]*jsonschema.Schema
}

type ExecutorOption func(*Executor)

// WithStorePrefixLen overrides the dedup prefix length.
func WithStorePrefixLen(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.prefixLen = n
		}
	}
}

func NewExecutor(registry *Registry, mem *memory.Service, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:  registry,
		memory:    mem,
		prefixLen: defaultStorePrefixLen,
		handlers:  make(map[string]Handler),
		stored:    make(map[string]map[string]struct{}),
		schemas:   make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler binds a native tool entry point to an in-process handler.
func (e *Executor) RegisterHandler(entryPoint string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[entryPoint] = h
}

// ForgetSession drops the dedup state of a finished session.
func (e *Executor) ForgetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.stored, sessionID)
}

// Execute runs one tool call and returns its textual result.
func (e *Executor) Execute(ctx context.Context, name, arguments, sessionID string, userID int64) string {
	ctx, span := observability.GetTracer("tools").Start(ctx, observability.SpanToolCall,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, name),
			attribute.String(observability.AttrSessionID, sessionID),
		))
	defer span.End()

	logger.Info("executing tool", "sessionId", sessionID, "tool", name, "args", arguments)

	switch name {
	case ToolRecallMemory:
		return e.executeRecallMemory(ctx, arguments, userID)
	case ToolStoreMemory:
		return e.executeStoreMemory(ctx, sessionID, arguments, userID)
	}

	d, err := e.registry.Lookup(ctx, name)
	if err != nil {
		return "[ToolError] Unknown tool: " + name
	}
	if msg := e.validateArguments(d, arguments); msg != "" {
		return msg
	}

	switch d.Kind {
	case KindNative:
		return e.executeNative(ctx, d, arguments, sessionID)
	case KindPython, KindNode, KindShell:
		return e.executeScript(d, arguments, sessionID)
	default:
		return fmt.Sprintf("[ToolError] Unsupported tool kind: %s", d.Kind)
	}
}

// validateArguments checks the call arguments against the descriptor's
// input schema. An uncompilable schema skips validation; the schema is
// forwarded to the model verbatim either way.
func (e *Executor) validateArguments(d *Descriptor, arguments string) string {
	e.mu.Lock()
	sch, ok := e.schemas[d.Name]
	e.mu.Unlock()

	if !ok {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(d.Name+".json", strings.NewReader(d.InputSchema)); err != nil {
			logger.Warn("tool schema not parseable, skipping validation", "tool", d.Name, "error", err)
			return ""
		}
		compiled, err := compiler.Compile(d.Name + ".json")
		if err != nil {
			logger.Warn("tool schema not compilable, skipping validation", "tool", d.Name, "error", err)
			return ""
		}
		sch = compiled
		e.mu.Lock()
		e.schemas[d.Name] = sch
		e.mu.Unlock()
	}

	var value any
	if err := json.Unmarshal([]byte(arguments), &value); err != nil {
		return fmt.Sprintf("[ToolError] %s called with invalid JSON arguments: %v", d.Name, err)
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Sprintf("[ToolError] %s arguments do not match the schema: %v", d.Name, err)
	}
	return ""
}

func (e *Executor) executeNative(ctx context.Context, d *Descriptor, arguments, sessionID string) string {
	e.mu.Lock()
	h, ok := e.handlers[d.EntryPoint]
	e.mu.Unlock()
	if !ok {
		logger.Debug("native tool has no registered handler", "sessionId", sessionID, "tool", d.Name, "entryPoint", d.EntryPoint)
		return fmt.Sprintf("[STUB] Native tool '%s' would execute here. args=%s", d.Name, arguments)
	}
	result, err := h(ctx, arguments)
	if err != nil {
		return fmt.Sprintf("[ToolError] %s failed: %v", d.Name, err)
	}
	return result
}

func (e *Executor) executeScript(d *Descriptor, arguments, sessionID string) string {
	logger.Debug("script tool execution not wired", "sessionId", sessionID, "tool", d.Name, "kind", d.Kind)
	return fmt.Sprintf("[STUB] Script tool '%s' (%s) would execute here. args=%s", d.Name, d.Kind, arguments)
}

// executeRecallMemory retrieves relevant long-term memories by semantic
// search. When threshold recall comes back empty it retries with the
// browse-path search so compressed and older memories stay reachable.
func (e *Executor) executeRecallMemory(ctx context.Context, arguments string, userID int64) string {
	var args struct {
		Query string `json:"query"`
		TopK  *int   `json:"top_k"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "[ToolError] recall_memory failed: " + err.Error()
	}
	if strings.TrimSpace(args.Query) == "" {
		return "[ToolError] recall_memory requires a non-empty 'query' (e.g. user's name, user preferences, past topic)."
	}
	topK := 10
	if args.TopK != nil {
		topK = *args.TopK
	}
	if topK < 1 {
		topK = 1
	}
	if topK > 20 {
		topK = 20
	}

	records, err := e.memory.Recall(ctx, args.Query, topK, userID)
	if err != nil {
		return "[ToolError] recall_memory failed: " + err.Error()
	}
	if len(records) == 0 {
		items, err := e.memory.Search(ctx, args.Query, topK, userID)
		if err != nil {
			return "[ToolError] recall_memory failed: " + err.Error()
		}
		for _, item := range items {
			score := 0.0
			if item.Score != nil {
				score = *item.Score
			}
			records = append(records, memory.Record{
				Content:       item.Content,
				Type:          item.Type,
				SourceSession: item.SessionID,
				Importance:    item.Importance,
				Score:         score,
			})
		}
	}
	if len(records) == 0 {
		return "No relevant memories found for this query. You can answer from general knowledge or say you don't recall."
	}
	return e.memory.FormatForPrompt(records)
}

// executeStoreMemory persists an explicit long-term fact. Duplicate calls
// within one session are rejected on normalized exact match, then on a
// same-topic prefix match.
func (e *Executor) executeStoreMemory(ctx context.Context, sessionID, arguments string, userID int64) string {
	var args struct {
		Content    string   `json:"content"`
		MemoryType string   `json:"memory_type"`
		Importance *float64 `json:"importance"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "[ToolError] store_memory failed: " + err.Error()
	}
	if strings.TrimSpace(args.Content) == "" {
		return "[ToolError] store_memory called with empty content; skipping."
	}

	normalized := normalizeForDedup(args.Content)
	prefix := prefixOf(normalized, e.prefixLen)

	e.mu.Lock()
	seen, ok := e.stored[sessionID]
	if !ok {
		seen = make(map[string]struct{})
		e.stored[sessionID] = seen
	}
	if _, dup := seen[normalized]; dup {
		e.mu.Unlock()
		return "Memory already stored previously; skipping duplicate. Reply to the user now."
	}
	for existing := range seen {
		if prefix == prefixOf(existing, e.prefixLen) {
			e.mu.Unlock()
			logger.Debug("store_memory skipped on same-topic prefix", "sessionId", sessionID, "prefix", prefix)
			return "Already stored similar content. Reply to the user in natural language now."
		}
	}
	seen[normalized] = struct{}{}
	e.mu.Unlock()

	typ := memory.TypeSemantic
	switch strings.ToUpper(strings.TrimSpace(args.MemoryType)) {
	case string(memory.TypeEpisodic):
		typ = memory.TypeEpisodic
	case string(memory.TypeProcedural):
		typ = memory.TypeProcedural
	}
	importance := float32(0.8)
	if args.Importance != nil {
		importance = float32(*args.Importance)
	}

	if err := e.memory.Remember(ctx, sessionID, args.Content, typ, importance, userID); err != nil {
		return "[ToolError] store_memory failed: " + err.Error()
	}
	return "Memory stored successfully."
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeForDedup(content string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(content)), " ")
}

// prefixOf cuts on runes so multibyte topics compare the same way short
// ASCII ones do.
func prefixOf(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
