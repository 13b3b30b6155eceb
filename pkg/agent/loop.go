package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openloop-ai/openloop/pkg/config"
	"github.com/openloop-ai/openloop/pkg/keys"
	"github.com/openloop-ai/openloop/pkg/llm"
	"github.com/openloop-ai/openloop/pkg/logger"
	"github.com/openloop-ai/openloop/pkg/memory"
	"github.com/openloop-ai/openloop/pkg/observability"
	"github.com/openloop-ai/openloop/pkg/tools"
)

const baseSystemPrompt = `You are an autonomous AI agent with access to tools. Think step by step and decide for yourself when to use which tool.

Tools (use only when you judge it helps):
- recall_memory: search long-term memory by query (e.g. user name, preferences, past facts). Use when the user's question might be answered from something you stored before.
- store_memory: save a fact for future sessions. Use at most once per distinct, important fact; then reply in natural language.

Memory writing rules (VERY IMPORTANT):
- When calling store_memory, ALWAYS rewrite the fact into a clear, third-person sentence with an explicit subject.
  For example: "用户的名字是 Zed", "智能体的名字是 Forge", "用户是 Java 后端开发人员".
- NEVER store ambiguous first-person sentences like "我的名字是 Forge", "I am a Java developer", "我是 Java 开发".
  Before storing, rewrite them so that it is clear whether the fact is about the USER or about the ASSISTANT.
- If a fact is about the user, use "用户…" / "the user…". If it is about you (the assistant), use "智能体…" / "the assistant…".

When you can answer directly, reply in natural language without calling tools. Be concise. Think out loud as you reason.
`

// executionPlan is the fixed three-step plan surfaced to subscribers.
var executionPlan = []string{"recall", "think-and-act", "answer"}

// Loop runs one session to completion: initialize context, iterate
// stream-decide-act until a final answer or the iteration ceiling, then
// finalize the session row and remember the outcome.
type Loop struct {
	sessions  SessionStore
	contexts  *ContextStore
	publisher Publisher
	router    llm.Chatter
	resolver  *keys.Resolver
	registry  *tools.Registry
	index     *tools.Index
	executor  *tools.Executor
	memory    *memory.Service
	cfg       config.AgentConfig

	newClient func(config.ProviderConfig) llm.Chatter
	sleep     func(time.Duration)
}

type LoopOption func(*Loop)

// WithClientFactory replaces how per-user provider clients are built,
// mainly for tests.
func WithClientFactory(fn func(config.ProviderConfig) llm.Chatter) LoopOption {
	return func(l *Loop) {
		l.newClient = fn
	}
}

// WithSleep replaces the pause-poll sleep, mainly for tests.
func WithSleep(fn func(time.Duration)) LoopOption {
	return func(l *Loop) {
		l.sleep = fn
	}
}

func NewLoop(
	sessions SessionStore,
	contexts *ContextStore,
	publisher Publisher,
	router llm.Chatter,
	resolver *keys.Resolver,
	registry *tools.Registry,
	index *tools.Index,
	executor *tools.Executor,
	mem *memory.Service,
	cfg config.AgentConfig,
	opts ...LoopOption,
) *Loop {
	l := &Loop{
		sessions:  sessions,
		contexts:  contexts,
		publisher: publisher,
		router:    router,
		resolver:  resolver,
		registry:  registry,
		index:     index,
		executor:  executor,
		memory:    mem,
		cfg:       cfg,
		newClient: func(cfg config.ProviderConfig) llm.Chatter { return llm.NewClient(cfg) },
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the session loop. Any error escaping the loop marks the
// session FAILED and emits ERROR; Run itself never returns one.
func (l *Loop) Run(ctx context.Context, sess *Session) {
	sessionID := sess.SessionID
	logger.Info("loop started", "sessionId", sessionID, "task", sess.TaskDescription)

	// The store_memory dedup set is only meaningful while this run lives.
	defer l.executor.ForgetSession(sessionID)

	if err := l.execute(ctx, sess); err != nil {
		logger.Error("loop failed", "sessionId", sessionID, "error", err)
		current, gerr := l.sessions.GetBySessionID(ctx, sessionID)
		if gerr != nil {
			current = sess
		}
		l.fail(ctx, current, err.Error())
		l.publisher.Publish(ErrorEvent(sessionID, err.Error(), current.IterationCount))
		l.publisher.Publish(StatusChangeEvent(sessionID, StatusFailed))
	}
}

func (l *Loop) execute(ctx context.Context, sess *Session) error {
	sessionID := sess.SessionID

	sess, err := l.sessions.Update(ctx, sess.ID, func(s *Session) {
		s.Status = StatusRunning
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	l.publisher.Publish(StatusChangeEvent(sessionID, StatusRunning))

	caller := l.buildCaller(ctx, sess)
	userID := sess.UserID

	l.publisher.Publish(PlanReadyEvent(sessionID, executionPlan))

	// Step 1: recall. Context is initialized here; memory itself is pulled
	// on demand by the model through recall_memory.
	l.publisher.Publish(StepStartEvent(sessionID, 1, executionPlan[0]))
	if existing := l.contexts.Load(sess); len(existing) == 0 {
		err := l.contexts.Initialize(ctx, sess, []llm.Message{
			llm.SystemMessage(baseSystemPrompt),
			llm.UserMessage(sess.TaskDescription),
		})
		if err != nil {
			return err
		}
	} else {
		logger.Debug("resuming with existing context", "sessionId", sessionID, "messages", len(existing))
	}
	l.publisher.Publish(StepCompleteEvent(sessionID, 1, executionPlan[0], "已回忆并注入上下文"))

	// Step 2: think and act.
	l.publisher.Publish(StepStartEvent(sessionID, 2, executionPlan[1]))
	answer, answered, err := l.runThinkAndAct(ctx, sess, caller, userID)
	if err != nil {
		return err
	}
	lastIteration := 0
	if current, err := l.sessions.GetBySessionID(ctx, sessionID); err == nil {
		lastIteration = current.IterationCount
	}
	summary := "完成推理"
	if !answered {
		summary = "达到最大迭代次数"
	}
	l.publisher.Publish(StepCompleteEvent(sessionID, 2, executionPlan[1], summary))

	// Step 3: answer.
	l.publisher.Publish(StepStartEvent(sessionID, 3, executionPlan[2]))
	sess, err = l.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}

	if answered {
		if _, err := l.sessions.Update(ctx, sess.ID, func(s *Session) {
			s.Result = answer
			s.Status = StatusCompleted
		}); err != nil {
			return err
		}
		l.publisher.Publish(StepCompleteEvent(sessionID, 3, executionPlan[2], answer))
		l.publisher.Publish(FinalAnswerEvent(sessionID, answer, lastIteration))
		l.publisher.Publish(StatusChangeEvent(sessionID, StatusCompleted))
		l.storeCompletionMemory(ctx, sessionID, sess.TaskDescription, answer, userID)
		logger.Info("session completed", "sessionId", sessionID, "iterations", lastIteration)
		return nil
	}

	l.fail(ctx, sess, fmt.Sprintf("Max iterations (%d) reached without final answer.", l.cfg.MaxIterations))
	l.publisher.Publish(StepCompleteEvent(sessionID, 3, executionPlan[2], "未得到最终回答"))
	l.publisher.Publish(ErrorEvent(sessionID, "Max iterations reached", lastIteration))
	l.publisher.Publish(StatusChangeEvent(sessionID, StatusFailed))
	return nil
}

// buildCaller prefers the user's own LLM key; without one, requests go
// through the system router with its fallback and breakers.
func (l *Loop) buildCaller(ctx context.Context, sess *Session) llm.Chatter {
	if l.resolver != nil {
		if cfg, ok, err := l.resolver.ResolveDefaultLLM(ctx, sess.UserID); err == nil && ok {
			logger.Info("using user key", "sessionId", sess.SessionID,
				"provider", cfg.Name, "model", cfg.Model)
			return l.newClient(cfg)
		}
	}
	logger.Info("no user key found, using system router", "sessionId", sess.SessionID)
	return l.router
}

// runThinkAndAct is the inner loop: stream a response, then either execute
// its tool calls and continue, or return its content as the final answer.
// answered=false means the iteration ceiling was hit or the session was
// aborted externally.
func (l *Loop) runThinkAndAct(ctx context.Context, sess *Session, caller llm.Chatter, userID int64) (answer string, answered bool, err error) {
	sessionID := sess.SessionID
	for {
		sess, err = l.sessions.GetBySessionID(ctx, sessionID)
		if err != nil {
			return "", false, err
		}

		if sess.Status == StatusPaused {
			logger.Info("session paused, waiting for resume", "sessionId", sessionID)
			if err := l.waitForResume(ctx, sessionID); err != nil {
				return "", false, err
			}
			continue
		}
		if sess.Status != StatusRunning {
			return "", false, nil
		}

		iteration := sess.IterationCount + 1
		l.publisher.Publish(IterationStartEvent(sessionID, iteration))

		iterCtx, span := observability.GetTracer("agent").Start(ctx, observability.SpanLoopIteration,
			trace.WithAttributes(
				attribute.String(observability.AttrSessionID, sessionID),
				attribute.Int(observability.AttrIteration, iteration),
			))

		window := l.contexts.Load(sess)
		queryForTools := lastUserMessage(window, sess.TaskDescription)
		toolIDs := l.index.SearchRelevantTools(iterCtx, queryForTools, l.cfg.TopKTools, userID)
		toolDefs := l.registry.Select(iterCtx, toolIDs)

		request := llm.NewChatRequestWithTools(window, toolDefs)
		response, err := caller.StreamChat(iterCtx, request, func(token string) {
			l.publisher.Publish(ThinkingEvent(sessionID, token, iteration))
		})
		if err != nil {
			span.End()
			return "", false, err
		}
		assistant, err := response.FirstMessage()
		if err != nil {
			span.End()
			return "", false, err
		}

		if response.HasToolCalls() {
			// One append carries the assistant message and every tool
			// result. Split appends would let the next iteration load a
			// window without the assistant's calls, and the model would
			// repeat them forever.
			batch := []llm.Message{assistant}
			for _, call := range assistant.ToolCalls {
				l.publisher.Publish(ToolCallEvent(sessionID, call, iteration))
				result := l.executor.Execute(iterCtx, call.Function.Name, call.Function.Arguments, sessionID, userID)
				l.publisher.Publish(ToolResultEvent(sessionID, call.Function.Name, result, iteration))
				batch = append(batch, llm.ToolResultMessage(call.ID, result))
				l.maybeRememberToolResult(iterCtx, sessionID, call.Function.Name, result, userID)
			}
			if err := l.contexts.Append(iterCtx, sess, batch...); err != nil {
				span.End()
				return "", false, err
			}
		} else {
			span.End()
			if _, err := l.sessions.Update(ctx, sess.ID, func(s *Session) {
				s.IterationCount = iteration
			}); err != nil {
				return "", false, err
			}
			return assistant.Text(), true, nil
		}
		span.End()

		if _, err := l.sessions.Update(ctx, sess.ID, func(s *Session) {
			s.IterationCount = iteration
		}); err != nil {
			return "", false, err
		}

		if iteration >= l.cfg.MaxIterations {
			logger.Warn("max iterations reached", "sessionId", sessionID, "max", l.cfg.MaxIterations)
			return "", false, nil
		}
	}
}

// waitForResume polls the session row until it leaves PAUSED.
func (l *Loop) waitForResume(ctx context.Context, sessionID string) error {
	interval := time.Duration(l.cfg.ResumePollMs) * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.sleep(interval)
		fresh, err := l.sessions.GetBySessionID(ctx, sessionID)
		if err != nil {
			return err
		}
		if fresh.Status != StatusPaused {
			return nil
		}
	}
}

// storeCompletionMemory persists the task and its answer as a SEMANTIC
// memory, the primary way the agent learns across sessions.
func (l *Loop) storeCompletionMemory(ctx context.Context, sessionID, task, answer string, userID int64) {
	content := fmt.Sprintf("Task: %s\nAnswer: %s", clip(task, 200), clip(answer, 500))
	if err := l.memory.Remember(ctx, sessionID, content, memory.TypeSemantic, 0.85, userID); err != nil {
		logger.Warn("storing completion memory failed", "sessionId", sessionID, "error", err)
		return
	}
	logger.Debug("stored completion memory", "sessionId", sessionID)
}

// maybeRememberToolResult keeps a non-trivial tool result as an EPISODIC
// memory. Stubs, errors, and short strings are skipped; store_memory
// results are skipped too, since that tool already wrote the fact itself
// and an extra EPISODIC copy would duplicate it every session.
func (l *Loop) maybeRememberToolResult(ctx context.Context, sessionID, toolName, result string, userID int64) {
	if result == "" || strings.HasPrefix(result, "[STUB]") || strings.HasPrefix(result, "[ToolError]") {
		return
	}
	if toolName == tools.ToolStoreMemory {
		return
	}
	if len(result) < 50 {
		return
	}
	content := fmt.Sprintf("Tool '%s' returned: %s", toolName, clip(result, 300))
	if err := l.memory.Remember(ctx, sessionID, content, memory.TypeEpisodic, 0.6, userID); err != nil {
		logger.Warn("storing tool result memory failed", "sessionId", sessionID, "error", err)
	}
}

// fail marks the session FAILED and announces the change.
func (l *Loop) fail(ctx context.Context, sess *Session, reason string) {
	if _, err := l.sessions.Update(ctx, sess.ID, func(s *Session) {
		s.Status = StatusFailed
		s.ErrorMessage = reason
	}); err != nil {
		logger.Error("marking session failed did not persist", "sessionId", sess.SessionID, "error", err)
	}
	l.publisher.Publish(StatusChangeEvent(sess.SessionID, StatusFailed))
}

// lastUserMessage returns the most recent user message content, falling
// back to the task description. Used as the tool-retrieval query.
func lastUserMessage(window []llm.Message, taskDescription string) string {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role == llm.RoleUser && window[i].Text() != "" {
			return window[i].Text()
		}
	}
	return taskDescription
}

func clip(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
