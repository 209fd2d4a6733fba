// Package anthropic converts conversation history between the Messages API
// wire shape and the domain model.
package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bnema/turnguard/internal/domain"
)

var ErrMalformedHistory = errors.New("malformed message history")

// DecodeMessages reads a message list from raw JSON. It accepts either a bare
// array of messages or an object carrying a "messages" array, such as a
// request body. String content becomes a single text block and array-valued
// tool_result content is flattened to text.
func DecodeMessages(raw []byte) ([]domain.Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedHistory)
	}

	root := gjson.ParseBytes(raw)
	list := root
	if !root.IsArray() {
		list = root.Get("messages")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: expected an array of messages", ErrMalformedHistory)
	}

	var (
		messages  []domain.Message
		decodeErr error
	)
	list.ForEach(func(index, value gjson.Result) bool {
		message, err := decodeMessage(value)
		if err != nil {
			decodeErr = fmt.Errorf("message %d: %w", index.Int(), err)
			return false
		}
		messages = append(messages, message)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}

	return messages, nil
}

// DecodeMessage reads one message object.
func DecodeMessage(raw []byte) (domain.Message, error) {
	if !gjson.ValidBytes(raw) {
		return domain.Message{}, fmt.Errorf("%w: invalid JSON", ErrMalformedHistory)
	}
	return decodeMessage(gjson.ParseBytes(raw))
}

func decodeMessage(value gjson.Result) (domain.Message, error) {
	if !value.IsObject() {
		return domain.Message{}, fmt.Errorf("%w: message is not an object", ErrMalformedHistory)
	}

	role := domain.Role(value.Get("role").String())
	if role != domain.RoleUser && role != domain.RoleAssistant {
		return domain.Message{}, fmt.Errorf("%w: unsupported role %q", ErrMalformedHistory, role)
	}

	content := value.Get("content")
	switch {
	case content.Type == gjson.String:
		return domain.TextMessage(role, content.String()), nil
	case content.IsArray():
	case !content.Exists() || content.Type == gjson.Null:
		return domain.Message{Role: role}, nil
	default:
		return domain.Message{}, fmt.Errorf("%w: content must be a string or an array", ErrMalformedHistory)
	}

	message := domain.Message{Role: role}
	for _, item := range content.Array() {
		block, ok := decodeBlock(item)
		if ok {
			message.Blocks = append(message.Blocks, block)
		}
	}
	return message, nil
}

// decodeBlock reports false for block types the repair engine does not model.
func decodeBlock(item gjson.Result) (domain.Block, bool) {
	blockType := domain.BlockType(item.Get("type").String())

	switch blockType {
	case domain.BlockText:
		return domain.Block{Type: blockType, Text: item.Get("text").String()}, true
	case domain.BlockThinking:
		return domain.Block{
			Type:      blockType,
			Thinking:  item.Get("thinking").String(),
			Signature: item.Get("signature").String(),
		}, true
	case domain.BlockRedactedThinking:
		return domain.Block{Type: blockType, Data: item.Get("data").String()}, true
	case domain.BlockToolUse:
		block := domain.Block{
			Type: blockType,
			ID:   item.Get("id").String(),
			Name: item.Get("name").String(),
		}
		if input := item.Get("input"); input.Exists() {
			block.Input = json.RawMessage(input.Raw)
		}
		return block, true
	case domain.BlockToolResult:
		return domain.Block{
			Type:      blockType,
			ToolUseID: item.Get("tool_use_id").String(),
			Content:   flattenContent(item.Get("content")),
			IsError:   item.Get("is_error").Bool(),
		}, true
	default:
		return domain.Block{}, false
	}
}

func flattenContent(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}

	parts := make([]string, 0, len(content.Array()))
	for _, part := range content.Array() {
		switch {
		case part.Type == gjson.String:
			parts = append(parts, part.String())
		case part.Get("type").String() == string(domain.BlockText):
			parts = append(parts, part.Get("text").String())
		}
	}
	return strings.Join(parts, "\n")
}
