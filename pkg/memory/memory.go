// Package memory is the agent's persistent knowledge store: embed-and-store,
// ANN recall, browsing, and LLM-assisted compression over a vector store.
package memory

import (
	"strings"
	"time"
)

// Type classifies a long-term memory entry.
//
// EPISODIC is what happened: events, actions taken, observed results.
// SEMANTIC is what is known: facts and rules extracted from experience.
// PROCEDURAL is how to do things: reusable strategies and workflows.
type Type string

const (
	TypeEpisodic   Type = "EPISODIC"
	TypeSemantic   Type = "SEMANTIC"
	TypeProcedural Type = "PROCEDURAL"
)

// ParseType maps a stored string to a Type, defaulting to EPISODIC for
// anything unrecognized.
func ParseType(s string) Type {
	switch Type(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeSemantic:
		return TypeSemantic
	case TypeProcedural:
		return TypeProcedural
	default:
		return TypeEpisodic
	}
}

// Record is one recall hit used for prompt injection.
type Record struct {
	Content       string  `json:"content"`
	Type          Type    `json:"memoryType"`
	SourceSession string  `json:"sourceSession"`
	Importance    float32 `json:"importance"`
	Score         float64 `json:"score"`
}

// Item is the full entry shape returned by the browsing API. Score is set
// only for search results.
type Item struct {
	ID         int64    `json:"id"`
	SessionID  string   `json:"sessionId"`
	Content    string   `json:"content"`
	Type       Type     `json:"memoryType"`
	Importance float32  `json:"importance"`
	CreateTime string   `json:"createTime"`
	Score      *float64 `json:"score,omitempty"`

	createTimeMs int64
}

const timeLayout = "2006-01-02 15:04:05"

func formatCreateTime(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(timeLayout)
}
