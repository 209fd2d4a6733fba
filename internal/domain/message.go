package domain

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockText             BlockType = "text"
	BlockThinking         BlockType = "thinking"
	BlockRedactedThinking BlockType = "redacted_thinking"
	BlockToolUse          BlockType = "tool_use"
	BlockToolResult       BlockType = "tool_result"
)

// Block mirrors a Messages API content block. Only the fields relevant to the
// block's Type are populated.
type Block struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (b Block) IsReasoning() bool {
	return b.Type == BlockThinking || b.Type == BlockRedactedThinking
}

type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"content"`
}

func TextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

func (m Message) ToolUses() []Block {
	return m.blocksOfType(BlockToolUse)
}

func (m Message) ToolResults() []Block {
	return m.blocksOfType(BlockToolResult)
}

func (m Message) HasToolUse() bool {
	return len(m.ToolUses()) > 0
}

// IsPrompt reports whether the message is a genuine user prompt rather than a
// carrier of tool results.
func (m Message) IsPrompt() bool {
	if m.Role != RoleUser {
		return false
	}
	for _, block := range m.Blocks {
		if block.Type != BlockToolResult {
			return true
		}
	}
	return false
}

func (m Message) blocksOfType(kind BlockType) []Block {
	var out []Block
	for _, block := range m.Blocks {
		if block.Type == kind {
			out = append(out, block)
		}
	}
	return out
}

func (m Message) clone() Message {
	blocks := make([]Block, len(m.Blocks))
	copy(blocks, m.Blocks)
	return Message{Role: m.Role, Blocks: blocks}
}

func CloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, message := range messages {
		out[i] = message.clone()
	}
	return out
}

// SplitTurns returns the message index at which each turn starts. A turn
// begins at every user prompt; leading non-prompt messages form turn 0.
func SplitTurns(messages []Message) []int {
	var starts []int
	for i, message := range messages {
		if i == 0 || message.IsPrompt() {
			starts = append(starts, i)
		}
	}
	return starts
}

// StripReasoning removes reasoning blocks from assistant messages at or after
// from. Messages left without content are dropped.
func StripReasoning(messages []Message, from int) ([]Message, int) {
	out := make([]Message, 0, len(messages))
	removed := 0
	for i, message := range messages {
		if i < from || message.Role != RoleAssistant {
			out = append(out, message.clone())
			continue
		}
		kept := make([]Block, 0, len(message.Blocks))
		for _, block := range message.Blocks {
			if block.IsReasoning() {
				removed++
				continue
			}
			kept = append(kept, block)
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, Message{Role: message.Role, Blocks: kept})
	}
	return out, removed
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
