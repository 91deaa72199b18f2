// Package agent defines the shared conversation model, adapter contracts,
// and error taxonomy for the Relay workflow runtime. Runners, resumable
// handlers, and the reference LLM/MCP adapters all build on these types.
package agent

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType discriminates the variants of a ContentItem.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

// ToolUse is an LLM-issued tool invocation embedded in an assistant message.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult carries the outcome of a tool invocation back to the LLM.
// Content is either a string or an arbitrary JSON-serializable structure
// (e.g. a structured validation error).
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   any    `json:"content"`
}

// ContentItem is one element of a message's content array.
// Exactly one of Text, ToolUse, ToolResult is populated, per Type.
type ContentItem struct {
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is one turn of the transcript.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentItem `json:"content"`
}

// NewTextMessage builds a single-item text message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentItem{{Type: ContentText, Text: text}}}
}

// NewToolUseMessage builds an assistant message carrying one tool_use item.
func NewToolUseMessage(use ToolUse) Message {
	return Message{Role: RoleAssistant, Content: []ContentItem{{Type: ContentToolUse, ToolUse: &use}}}
}

// NewToolResultMessage builds a user message carrying the given tool_result items.
func NewToolResultMessage(results ...ToolResult) Message {
	items := make([]ContentItem, len(results))
	for i := range results {
		items[i] = ContentItem{Type: ContentToolResult, ToolResult: &results[i]}
	}
	return Message{Role: RoleUser, Content: items}
}

// ToolUses returns the tool_use items of the message, in content order.
func (m Message) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, item := range m.Content {
		if item.Type == ContentToolUse && item.ToolUse != nil {
			uses = append(uses, *item.ToolUse)
		}
	}
	return uses
}

// Text concatenates the text items of the message.
func (m Message) Text() string {
	var out string
	for _, item := range m.Content {
		if item.Type == ContentText {
			out += item.Text
		}
	}
	return out
}

// ServerKind tags where a tool executes.
type ServerKind string

const (
	// ServerExternal marks tools dispatched as outbound events to other handlers.
	ServerExternal ServerKind = "external"
	// ServerMCP marks tools invoked in-loop through the MCP adapter.
	ServerMCP ServerKind = "mcp"
)

// ToolDescriptor declares a capability offered to the LLM.
type ToolDescriptor struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	InputSchema      map[string]any `json:"inputSchema,omitempty"`
	ServerKind       ServerKind     `json:"serverKind"`
	Priority         int            `json:"priority,omitempty"`
	RequiresApproval bool           `json:"requiresApproval,omitempty"`
}

// ToolRequest is a tool call surfaced by the runner for external dispatch.
// Type carries the raw (unformatted) tool name; ID is the LLM-issued
// tool_use id echoed by the eventual reply event.
type ToolRequest struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Identity names a handler participating in a workflow.
type Identity struct {
	Alias       string `json:"alias"`
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
}

// Usage aggregates token consumption across LLM calls.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ResponseText renders a final LLM response as text. Structured responses
// (from an output schema) are JSON-encoded; objects shaped {response: string}
// are unwrapped to their inner text.
func ResponseText(response any) string {
	switch v := response.(type) {
	case string:
		return v
	case map[string]any:
		if inner, ok := v["response"].(string); ok && len(v) == 1 {
			return inner
		}
	}
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Sprintf("%v", response)
	}
	return string(data)
}
