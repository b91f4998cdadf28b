// Package llm is the language model boundary. It speaks the
// block-structured messages API: conversations are alternating role
// messages whose content is a list of typed blocks (text, tool_use,
// tool_result), and the stop reason tells the caller whether the model
// is done or waiting on tool results.
package llm

import (
	"context"
	"encoding/json"
)

// Role of a conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons reported by the API.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ContentBlock is one typed unit of message content. Which fields are
// meaningful depends on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText builds a single-text-block user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolResults builds the user message that answers a batch of tool_use
// blocks.
func ToolResults(results []ContentBlock) Message {
	return Message{Role: RoleUser, Content: results}
}

// ToolResult builds one tool_result block.
func ToolResult(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage is token accounting for one API call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the assistant's reply to one Converse call.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the response's text blocks.
func (r *Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the response's tool_use blocks, in order.
func (r *Response) ToolUses() []ContentBlock {
	var calls []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}

// AsAssistantMessage re-wraps the response for appending to history.
func (r *Response) AsAssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: r.Content}
}

// Client is the completion interface the rest of the system programs
// against. Converse carries full history and tools; Complete is the
// single-shot convenience used by workers that only need text.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Converse(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDefinition) (*Response, error)
}
