package anthropic

import (
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/bnema/turnguard/internal/domain"
)

// ToMessageParams renders history as Messages API request parameters, block
// order preserved. Messages left without blocks are skipped.
func ToMessageParams(messages []domain.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, message := range messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(message.Blocks))
		for _, block := range message.Blocks {
			if param, ok := toBlockParam(block); ok {
				blocks = append(blocks, param)
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if message.Role == domain.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out
}

func toBlockParam(block domain.Block) (sdk.ContentBlockParamUnion, bool) {
	switch block.Type {
	case domain.BlockText:
		if block.Text == "" {
			return sdk.ContentBlockParamUnion{}, false
		}
		return sdk.NewTextBlock(block.Text), true
	case domain.BlockThinking:
		return sdk.NewThinkingBlock(block.Signature, block.Thinking), true
	case domain.BlockRedactedThinking:
		return sdk.NewRedactedThinkingBlock(block.Data), true
	case domain.BlockToolUse:
		var input any = map[string]any{}
		if len(block.Input) > 0 && json.Valid(block.Input) {
			input = block.Input
		}
		return sdk.NewToolUseBlock(block.ID, input, block.Name), true
	case domain.BlockToolResult:
		return sdk.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError), true
	default:
		return sdk.ContentBlockParamUnion{}, false
	}
}

// MarshalMessageParams renders history and encodes it as the JSON array a
// Messages API request carries under "messages".
func MarshalMessageParams(messages []domain.Message) ([]byte, error) {
	return json.Marshal(ToMessageParams(messages))
}
