// Package state provides per-instance persistence and mutual exclusion for
// resumable workflow instances. The store owns its records: every boundary
// crossing hands out a deep clone, never the internal object.
package state

import (
	"time"

	"github.com/relayworks/relay/pkg/agent"
)

// CollectedReply is one tool reply event buffered while the handler waits
// for the rest of an iteration's batch to arrive.
type CollectedReply struct {
	Type      string         `json:"type"`
	ToolUseID string         `json:"toolUseId,omitempty"`
	Data      map[string]any `json:"data"`
	IsError   bool           `json:"isError,omitempty"`
}

// Instance is one live agent workflow, keyed by its event subject.
type Instance struct {
	Subject string `json:"subject"`
	// ParentSubject keys the caller's workflow when this instance was
	// started as a delegated tool call; the completion event is addressed
	// to it so the caller resumes.
	ParentSubject       string          `json:"parentSubject,omitempty"`
	Messages            []agent.Message `json:"messages"`
	ToolInteractions    int             `json:"toolInteractions"`
	MaxToolInteractions int             `json:"maxToolInteractions"`
	// ExpectedToolTypes counts the reply event types outstanding for the
	// current suspension, keyed by the emitted tool-call type.
	ExpectedToolTypes map[string]int   `json:"expectedToolTypes,omitempty"`
	Collected         []CollectedReply `json:"collected,omitempty"`
	DelegatedBy       *agent.Identity  `json:"delegatedBy,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// Clone returns a structurally independent copy of the instance.
func (in *Instance) Clone() *Instance {
	if in == nil {
		return nil
	}
	out := &Instance{
		Subject:             in.Subject,
		ParentSubject:       in.ParentSubject,
		ToolInteractions:    in.ToolInteractions,
		MaxToolInteractions: in.MaxToolInteractions,
		CreatedAt:           in.CreatedAt,
		UpdatedAt:           in.UpdatedAt,
	}
	out.Messages = CloneMessages(in.Messages)
	if in.ExpectedToolTypes != nil {
		out.ExpectedToolTypes = make(map[string]int, len(in.ExpectedToolTypes))
		for k, v := range in.ExpectedToolTypes {
			out.ExpectedToolTypes[k] = v
		}
	}
	if in.Collected != nil {
		out.Collected = make([]CollectedReply, len(in.Collected))
		for i, r := range in.Collected {
			out.Collected[i] = CollectedReply{
				Type:      r.Type,
				ToolUseID: r.ToolUseID,
				Data:      CloneMap(r.Data),
				IsError:   r.IsError,
			}
		}
	}
	if in.DelegatedBy != nil {
		d := *in.DelegatedBy
		out.DelegatedBy = &d
	}
	return out
}

// CloneMessages deep-copies a transcript, including tool_use inputs and
// tool_result contents.
func CloneMessages(messages []agent.Message) []agent.Message {
	if messages == nil {
		return nil
	}
	out := make([]agent.Message, len(messages))
	for i, msg := range messages {
		cloned := agent.Message{Role: msg.Role}
		if msg.Content != nil {
			cloned.Content = make([]agent.ContentItem, len(msg.Content))
			for j, item := range msg.Content {
				ci := agent.ContentItem{Type: item.Type, Text: item.Text}
				if item.ToolUse != nil {
					ci.ToolUse = &agent.ToolUse{
						ID:    item.ToolUse.ID,
						Name:  item.ToolUse.Name,
						Input: CloneMap(item.ToolUse.Input),
					}
				}
				if item.ToolResult != nil {
					ci.ToolResult = &agent.ToolResult{
						ToolUseID: item.ToolResult.ToolUseID,
						Content:   CloneValue(item.ToolResult.Content),
					}
				}
				cloned.Content[j] = ci
			}
		}
		out[i] = cloned
	}
	return out
}

// CloneMap deep-copies a JSON-like map of nested primitives, slices and maps.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies an arbitrarily nested JSON-like value. Values of
// unknown types are assumed immutable and returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
