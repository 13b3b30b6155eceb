package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openloop-ai/openloop/pkg/config"
	"github.com/openloop-ai/openloop/pkg/keys"
	"github.com/openloop-ai/openloop/pkg/llm"
	"github.com/openloop-ai/openloop/pkg/logger"
)

const (
	// maxMemoriesForCompress bounds how many entries one compression pass
	// considers.
	maxMemoriesForCompress = 200

	// compressSessionID is the synthetic session compressed memories are
	// stored under.
	compressSessionID = "compressed"
)

const compressPromptTemplate = `You are a memory compression assistant. Below is a list of long-term memory entries (content, type, importance).
Merge duplicates and semantically similar items into a smaller set. Keep important facts; drop redundant or low-value entries.
Preserve memory_type (SEMANTIC, EPISODIC, PROCEDURAL) and set importance 0.0-1.0.
Reply with ONLY a JSON array, no markdown, no explanation. Example:
[{"content":"用户是Java开发人员","memory_type":"SEMANTIC","importance":0.85},{"content":"...","memory_type":"EPISODIC","importance":0.7}]

Memories to compress:
%s
`

// Proposal is one merged memory suggested by the LLM.
type Proposal struct {
	Content    string   `json:"content"`
	MemoryType string   `json:"memory_type"`
	Importance *float64 `json:"importance"`
}

// PrepareResult carries the current and proposed memory sets for human
// confirmation. Error holds a user-facing message when preparation failed.
type PrepareResult struct {
	Current  []Item     `json:"current"`
	Proposed []Proposal `json:"proposed"`
	Error    string     `json:"error,omitempty"`
}

// Compressor merges duplicate and similar memories through the user's own
// LLM, replacing them only after the user confirms the proposal.
type Compressor struct {
	memory    *Service
	resolver  *keys.Resolver
	newClient func(config.ProviderConfig) llm.Chatter
}

// NewCompressor wires the compressor. newClient may be nil; the default
// builds a provider client per call from the resolved config.
func NewCompressor(memory *Service, resolver *keys.Resolver, newClient func(config.ProviderConfig) llm.Chatter) *Compressor {
	if newClient == nil {
		newClient = func(cfg config.ProviderConfig) llm.Chatter { return llm.NewClient(cfg) }
	}
	return &Compressor{memory: memory, resolver: resolver, newClient: newClient}
}

// Prepare lists the user's memories and asks their default LLM for a merged
// set. Both lists are returned so the UI can show a diff.
func (c *Compressor) Prepare(ctx context.Context, userID int64) PrepareResult {
	if userID <= 0 {
		return PrepareResult{Error: "未登录"}
	}

	current, err := c.memory.List(ctx, "", "", "", 0, maxMemoriesForCompress, userID)
	if err != nil {
		return PrepareResult{Error: "压缩建议生成失败: " + err.Error()}
	}
	if len(current) == 0 {
		return PrepareResult{}
	}

	providerCfg, ok, err := c.resolver.ResolveDefaultLLM(ctx, userID)
	if err != nil {
		return PrepareResult{Current: current, Error: "压缩建议生成失败: " + err.Error()}
	}
	if !ok {
		return PrepareResult{Current: current, Error: "请先配置默认 LLM 密钥"}
	}

	var listing strings.Builder
	for _, m := range current {
		fmt.Fprintf(&listing, "- [%s] importance=%.2f: %s\n", m.Type, m.Importance, truncateEllipsis(m.Content, 200))
	}

	req := llm.NewChatRequest([]llm.Message{
		llm.SystemMessage("You output only valid JSON arrays. No markdown, no code fence."),
		llm.UserMessage(fmt.Sprintf(compressPromptTemplate, listing.String())),
	})

	resp, err := c.newClient(providerCfg).Chat(ctx, req)
	if err != nil {
		logger.Warn("compression proposal failed", "userId", userID, "error", err)
		return PrepareResult{Current: current, Error: "压缩建议生成失败: " + err.Error()}
	}
	msg, err := resp.FirstMessage()
	if err != nil || strings.TrimSpace(msg.Text()) == "" {
		return PrepareResult{Current: current, Error: "LLM 返回为空"}
	}

	raw := stripMarkdownFence(msg.Text())
	var proposed []Proposal
	if err := json.Unmarshal([]byte(raw), &proposed); err != nil {
		return PrepareResult{Current: current, Error: "压缩建议生成失败: " + err.Error()}
	}
	return PrepareResult{Current: current, Proposed: proposed}
}

// Execute deletes the confirmed ids and inserts the replacement memories
// under the synthetic compressed session. The two steps are not atomic;
// partial success is tolerated and logged.
func (c *Compressor) Execute(ctx context.Context, userID int64, deleteIDs []int64, newMemories []Proposal) {
	if userID <= 0 {
		return
	}
	for _, id := range deleteIDs {
		if err := c.memory.DeleteByID(ctx, id, userID); err != nil {
			logger.Warn("compression delete failed", "id", id, "error", err)
		}
	}
	for _, p := range newMemories {
		if strings.TrimSpace(p.Content) == "" {
			continue
		}
		typ := TypeSemantic
		if p.MemoryType != "" {
			typ = ParseType(p.MemoryType)
		}
		importance := float32(0.8)
		if p.Importance != nil {
			importance = float32(*p.Importance)
		}
		if err := c.memory.Remember(ctx, compressSessionID, p.Content, typ, importance, userID); err != nil {
			logger.Warn("compression insert failed", "error", err)
		}
	}
	logger.Info("memory compression executed",
		"userId", userID, "deleted", len(deleteIDs), "inserted", len(newMemories))
}

var markdownFence = regexp.MustCompile("(?is)```(?:json)?\\s*([\\s\\S]*?)```")

// stripMarkdownFence unwraps a fenced code block if the model ignored the
// no-markdown instruction.
func stripMarkdownFence(raw string) string {
	if m := markdownFence.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}

func truncateEllipsis(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
