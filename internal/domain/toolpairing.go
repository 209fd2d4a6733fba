package domain

import (
	"encoding/json"
	"fmt"
)

const (
	CancelledToolResult = "Operation cancelled"
	UnknownToolName     = "unknown_function"
	InterruptedTurnText = "[Turn interrupted]"
)

type ViolationReason string

const (
	ViolationMissingResult    ViolationReason = "missing_tool_result"
	ViolationEmptyToolUseID   ViolationReason = "empty_tool_use_id"
	ViolationDuplicateToolUse ViolationReason = "duplicate_tool_use_id"
	ViolationOrphanResult     ViolationReason = "orphan_tool_result"
	ViolationResultOrder      ViolationReason = "tool_result_after_content"
	ViolationMisplacedResult  ViolationReason = "tool_result_in_assistant_message"
)

type PairingViolation struct {
	MessageIndex int
	BlockIndex   int
	ToolUseID    string
	Reason       ViolationReason
}

func (v PairingViolation) String() string {
	return fmt.Sprintf("message %d block %d: %s (%q)", v.MessageIndex, v.BlockIndex, v.Reason, v.ToolUseID)
}

// RepairReport counts what each strategy did. Removed* fields are only ever
// touched by the removal strategy.
type RepairReport struct {
	InsertedMessages   int
	Relocated          int
	Reassigned         int
	Unknown            int
	Reordered          int
	Placeholders       int
	RemovedToolUses    int
	RemovedToolResults int
	Violations         []PairingViolation
	Unresolved         bool
}

func (r RepairReport) Changed() bool {
	return r.InsertedMessages+r.Relocated+r.Reassigned+r.Unknown+r.Reordered+r.Placeholders+r.RemovedToolUses+r.RemovedToolResults > 0
}

func (r RepairReport) UsedRemoval() bool {
	return r.RemovedToolUses+r.RemovedToolResults > 0
}

// ValidateToolPairing lists every place where the sequence breaks the
// tool_use/tool_result pairing rules. An empty result means the sequence is valid.
func ValidateToolPairing(messages []Message) []PairingViolation {
	var violations []PairingViolation
	seen := make(map[string]struct{})

	for i, message := range messages {
		switch message.Role {
		case RoleAssistant:
			var answered map[string]struct{}
			if i+1 < len(messages) && messages[i+1].Role == RoleUser {
				answered = resultIDs(messages[i+1])
			}
			for b, block := range message.Blocks {
				switch block.Type {
				case BlockToolResult:
					violations = append(violations, PairingViolation{MessageIndex: i, BlockIndex: b, ToolUseID: block.ToolUseID, Reason: ViolationMisplacedResult})
				case BlockToolUse:
					if block.ID == "" {
						violations = append(violations, PairingViolation{MessageIndex: i, BlockIndex: b, Reason: ViolationEmptyToolUseID})
						continue
					}
					if _, dup := seen[block.ID]; dup {
						violations = append(violations, PairingViolation{MessageIndex: i, BlockIndex: b, ToolUseID: block.ID, Reason: ViolationDuplicateToolUse})
						continue
					}
					seen[block.ID] = struct{}{}
					if _, ok := answered[block.ID]; !ok {
						violations = append(violations, PairingViolation{MessageIndex: i, BlockIndex: b, ToolUseID: block.ID, Reason: ViolationMissingResult})
					}
				}
			}
		case RoleUser:
			var pending map[string]struct{}
			if i > 0 && messages[i-1].Role == RoleAssistant {
				pending = toolUseIDs(messages[i-1])
			}
			contentSeen := false
			claimed := make(map[string]struct{})
			for b, block := range message.Blocks {
				if block.Type != BlockToolResult {
					contentSeen = true
					continue
				}
				if contentSeen {
					violations = append(violations, PairingViolation{MessageIndex: i, BlockIndex: b, ToolUseID: block.ToolUseID, Reason: ViolationResultOrder})
				}
				_, known := pending[block.ToolUseID]
				_, dup := claimed[block.ToolUseID]
				if block.ToolUseID == "" || !known || dup {
					violations = append(violations, PairingViolation{MessageIndex: i, BlockIndex: b, ToolUseID: block.ToolUseID, Reason: ViolationOrphanResult})
					continue
				}
				claimed[block.ToolUseID] = struct{}{}
			}
		}
	}

	return violations
}

// RepairToolPairing restores pairing over the whole sequence, escalating from
// reconciliation to placeholder results to removal of invocations. The input
// is not modified. A valid input is returned unchanged.
func RepairToolPairing(messages []Message) ([]Message, RepairReport) {
	out := CloneMessages(messages)
	var report RepairReport

	if len(ValidateToolPairing(out)) == 0 {
		return out, report
	}

	out = ensureResultCarriers(out, &report)
	out = relocateResults(out, &report)
	out = matchResults(out, &report)
	out = injectPlaceholders(out, &report)
	out = dropEmptyMessages(out)

	violations := ValidateToolPairing(out)
	if len(violations) == 0 {
		return out, report
	}

	out = removeInvalid(out, violations, &report)
	report.Violations = ValidateToolPairing(out)
	report.Unresolved = len(report.Violations) > 0

	return out, report
}

// ensureResultCarriers inserts an empty user message after every assistant
// message with tool_use blocks that is not already followed by one.
func ensureResultCarriers(messages []Message, report *RepairReport) []Message {
	out := make([]Message, 0, len(messages)+1)
	for i, message := range messages {
		out = append(out, message)
		if message.Role != RoleAssistant || !message.HasToolUse() {
			continue
		}
		if i+1 < len(messages) && messages[i+1].Role == RoleUser {
			continue
		}
		out = append(out, Message{Role: RoleUser})
		report.InsertedMessages++
	}
	return out
}

// relocateResults moves tool_result blocks into the user message that follows
// the assistant message owning their tool_use id, when they sit elsewhere.
func relocateResults(messages []Message, report *RepairReport) []Message {
	owner := make(map[string]int)
	for i, message := range messages {
		if message.Role != RoleAssistant {
			continue
		}
		for _, block := range message.ToolUses() {
			if block.ID == "" {
				continue
			}
			if _, ok := owner[block.ID]; !ok {
				owner[block.ID] = i
			}
		}
	}

	for j := range messages {
		kept := messages[j].Blocks[:0:0]
		for _, block := range messages[j].Blocks {
			if block.Type != BlockToolResult {
				kept = append(kept, block)
				continue
			}
			ownerIndex, ok := owner[block.ToolUseID]
			target := ownerIndex + 1
			if !ok || target == j || target >= len(messages) {
				if messages[j].Role == RoleAssistant && j+1 < len(messages) && messages[j+1].Role == RoleUser {
					messages[j+1].Blocks = append([]Block{block}, messages[j+1].Blocks...)
					report.Relocated++
					continue
				}
				kept = append(kept, block)
				continue
			}
			if _, present := resultIDs(messages[target])[block.ToolUseID]; present {
				kept = append(kept, block)
				continue
			}
			messages[target].Blocks = append(messages[target].Blocks, block)
			report.Relocated++
		}
		messages[j].Blocks = kept
	}

	return messages
}

// matchResults pairs each tool_result with an invocation of the preceding
// assistant message: exact id, then tool name, then a synthetic
// unknown_function invocation. Results are moved ahead of other content.
func matchResults(messages []Message, report *RepairReport) []Message {
	used := make(map[string]struct{})
	for _, message := range messages {
		for _, block := range message.ToolUses() {
			used[block.ID] = struct{}{}
		}
	}

	for j := len(messages) - 1; j >= 0; j-- {
		if messages[j].Role != RoleUser || len(messages[j].ToolResults()) == 0 {
			continue
		}

		var uses []Block
		hasOwner := j > 0 && messages[j-1].Role == RoleAssistant
		if hasOwner {
			uses = messages[j-1].ToolUses()
		}
		claimed := make(map[string]struct{})
		var unknown []Block

		blocks := messages[j].Blocks
		exact := make(map[int]struct{})
		for b, block := range blocks {
			if block.Type != BlockToolResult || block.ToolUseID == "" || !hasUse(uses, block.ToolUseID) {
				continue
			}
			if _, dup := claimed[block.ToolUseID]; dup {
				continue
			}
			claimed[block.ToolUseID] = struct{}{}
			exact[b] = struct{}{}
		}

		for b := range blocks {
			if blocks[b].Type != BlockToolResult {
				continue
			}
			if _, ok := exact[b]; ok {
				continue
			}
			id := blocks[b].ToolUseID
			if use, ok := pendingByName(uses, claimed, blocks[b].Name); ok {
				blocks[b].ToolUseID = use.ID
				claimed[use.ID] = struct{}{}
				report.Reassigned++
				continue
			}

			syntheticID := id
			if _, taken := used[syntheticID]; syntheticID == "" || taken {
				syntheticID = fmt.Sprintf("toolu_unknown_%d_%d", j, b)
			}
			used[syntheticID] = struct{}{}
			blocks[b].ToolUseID = syntheticID
			claimed[syntheticID] = struct{}{}
			unknown = append(unknown, Block{Type: BlockToolUse, ID: syntheticID, Name: UnknownToolName, Input: json.RawMessage(`{}`)})
			report.Unknown++
		}

		if partitioned, moved := resultsFirst(blocks); moved {
			messages[j].Blocks = partitioned
			report.Reordered++
		}

		if len(unknown) == 0 {
			continue
		}
		if hasOwner {
			messages[j-1].Blocks = append(messages[j-1].Blocks, unknown...)
			continue
		}
		synthetic := Message{Role: RoleAssistant, Blocks: unknown}
		messages = append(messages[:j], append([]Message{synthetic}, messages[j:]...)...)
		report.InsertedMessages++
	}

	return messages
}

// injectPlaceholders answers every unanswered invocation with a cancellation
// result placed right after the existing results.
func injectPlaceholders(messages []Message, report *RepairReport) []Message {
	for i := 0; i+1 < len(messages); i++ {
		if messages[i].Role != RoleAssistant || messages[i+1].Role != RoleUser {
			continue
		}
		answered := resultIDs(messages[i+1])
		var placeholders []Block
		for _, use := range messages[i].ToolUses() {
			if use.ID == "" {
				continue
			}
			if _, ok := answered[use.ID]; ok {
				continue
			}
			answered[use.ID] = struct{}{}
			placeholders = append(placeholders, Block{
				Type:      BlockToolResult,
				ToolUseID: use.ID,
				Content:   CancelledToolResult,
				IsError:   true,
			})
		}
		if len(placeholders) == 0 {
			continue
		}

		results, rest := splitResults(messages[i+1].Blocks)
		blocks := make([]Block, 0, len(results)+len(placeholders)+len(rest))
		blocks = append(blocks, results...)
		blocks = append(blocks, placeholders...)
		blocks = append(blocks, rest...)
		messages[i+1].Blocks = blocks
		report.Placeholders += len(placeholders)
	}
	return messages
}

// removeInvalid is the last resort: it deletes invocations that still break
// pairing, together with results that reference them, and orphan results.
func removeInvalid(messages []Message, violations []PairingViolation, report *RepairReport) []Message {
	firstOwner := make(map[string]int)
	for i, message := range messages {
		for _, use := range message.ToolUses() {
			if _, ok := firstOwner[use.ID]; !ok {
				firstOwner[use.ID] = i
			}
		}
	}

	drop := make(map[[2]int]struct{})
	for _, v := range violations {
		switch v.Reason {
		case ViolationEmptyToolUseID, ViolationDuplicateToolUse, ViolationMissingResult:
			drop[[2]int{v.MessageIndex, v.BlockIndex}] = struct{}{}
			report.RemovedToolUses++
			if v.ToolUseID == "" || v.MessageIndex+1 >= len(messages) {
				continue
			}
			next := v.MessageIndex + 1
			var matching []int
			for b, block := range messages[next].Blocks {
				if block.Type != BlockToolResult || block.ToolUseID != v.ToolUseID {
					continue
				}
				if _, already := drop[[2]int{next, b}]; already {
					continue
				}
				matching = append(matching, b)
			}
			if v.Reason == ViolationDuplicateToolUse && firstOwner[v.ToolUseID] == v.MessageIndex {
				// The first invocation with this id lives in the same message and
				// keeps one result; only the surplus goes.
				if len(matching) < 2 {
					continue
				}
				matching = matching[len(matching)-1:]
			}
			for _, b := range matching {
				drop[[2]int{next, b}] = struct{}{}
				report.RemovedToolResults++
			}
		case ViolationOrphanResult, ViolationMisplacedResult:
			if _, already := drop[[2]int{v.MessageIndex, v.BlockIndex}]; !already {
				drop[[2]int{v.MessageIndex, v.BlockIndex}] = struct{}{}
				report.RemovedToolResults++
			}
		}
	}

	out := make([]Message, 0, len(messages))
	for i, message := range messages {
		kept := make([]Block, 0, len(message.Blocks))
		for b, block := range message.Blocks {
			if _, ok := drop[[2]int{i, b}]; ok {
				continue
			}
			kept = append(kept, block)
		}
		if partitioned, moved := resultsFirst(kept); moved {
			kept = partitioned
			report.Reordered++
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, Message{Role: message.Role, Blocks: kept})
	}
	return out
}

// CloseTurn closes the turn starting at message index start without keeping
// its reasoning: reasoning blocks are dropped, dangling invocations receive
// cancellation results, and a turn that would end on tool results gets a
// short assistant closing message. History before start is untouched.
func CloseTurn(messages []Message, start int) ([]Message, RepairReport) {
	if start < 0 {
		start = 0
	}
	if start > len(messages) {
		start = len(messages)
	}

	stripped, _ := StripReasoning(messages, start)
	closed, report := RepairToolPairing(stripped)
	if report.Unresolved {
		// Give up on the turn content and keep only the prompt that opened it.
		keep := start
		if start < len(messages) && messages[start].IsPrompt() {
			keep = start + 1
		}
		closed = CloneMessages(messages[:keep])
		report.Unresolved = len(ValidateToolPairing(closed)) > 0
	}

	if n := len(closed); n > start && closed[n-1].Role == RoleUser && !closed[n-1].IsPrompt() {
		closed = append(closed, TextMessage(RoleAssistant, InterruptedTurnText))
	}

	return closed, report
}

func dropEmptyMessages(messages []Message) []Message {
	out := messages[:0]
	for _, message := range messages {
		if len(message.Blocks) == 0 {
			continue
		}
		out = append(out, message)
	}
	return out
}

func resultsFirst(blocks []Block) ([]Block, bool) {
	results, rest := splitResults(blocks)
	if len(results) == 0 || len(rest) == 0 {
		return blocks, false
	}
	inOrder := true
	for i := range results {
		if blocks[i].Type != BlockToolResult {
			inOrder = false
			break
		}
	}
	if inOrder {
		return blocks, false
	}
	return append(results, rest...), true
}

func splitResults(blocks []Block) ([]Block, []Block) {
	var results, rest []Block
	for _, block := range blocks {
		if block.Type == BlockToolResult {
			results = append(results, block)
			continue
		}
		rest = append(rest, block)
	}
	return results, rest
}

func pendingByName(uses []Block, claimed map[string]struct{}, name string) (Block, bool) {
	wanted := normalizeToolName(name)
	if wanted == "" {
		return Block{}, false
	}
	for _, use := range uses {
		if use.ID == "" {
			continue
		}
		if _, ok := claimed[use.ID]; ok {
			continue
		}
		if normalizeToolName(use.Name) == wanted {
			return use, true
		}
	}
	return Block{}, false
}

func hasUse(uses []Block, id string) bool {
	for _, use := range uses {
		if use.ID == id {
			return true
		}
	}
	return false
}

func toolUseIDs(message Message) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, block := range message.ToolUses() {
		if block.ID != "" {
			ids[block.ID] = struct{}{}
		}
	}
	return ids
}

func resultIDs(message Message) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, block := range message.ToolResults() {
		ids[block.ToolUseID] = struct{}{}
	}
	return ids
}
