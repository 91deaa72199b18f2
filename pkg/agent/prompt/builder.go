// Package prompt composes the system prompt and message window for each
// runner iteration. The builder is pure: all state comes from parameters
// and no input is mutated.
package prompt

import (
	"fmt"
	"strings"

	"github.com/relayworks/relay/pkg/agent"
)

// Builder is the default agent.ContextBuilder. Stateless and thread-safe.
type Builder struct{}

var _ agent.ContextBuilder = (*Builder)(nil)

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

const budgetExhaustedNotice = "You have used your entire tool-call budget. " +
	"Do NOT request any further tools. Produce your final answer now from " +
	"the information already gathered, noting any gaps."

// Build produces the system prompt and the message window for one LLM call.
// The transcript is passed through untouched; all steering lives in the
// system prompt.
func (b *Builder) Build(in agent.PromptInput) agent.BuiltContext {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s.", in.Self.Alias)
	if in.Self.Description != "" {
		sb.WriteString(" " + in.Self.Description)
	}
	if in.DelegatedBy != nil {
		fmt.Fprintf(&sb, "\nYou are acting on behalf of %s. Report results suitable for relaying back.", in.DelegatedBy.Alias)
	}

	if len(in.Tools) > 0 {
		sb.WriteString("\n\nAvailable tools:\n")
		for _, t := range in.Tools {
			fmt.Fprintf(&sb, "- %s: %s", t.Name, t.Description)
			if t.Restricted {
				sb.WriteString(" (RESTRICTED: requires human approval before use)")
			}
			sb.WriteString("\n")
		}
	}

	if len(in.ApprovalTools) > 0 {
		sb.WriteString("\nTo use a RESTRICTED tool you must first obtain approval by calling ")
		names := make([]string, len(in.ApprovalTools))
		for i, t := range in.ApprovalTools {
			names[i] = t.Name
		}
		sb.WriteString(strings.Join(names, " or "))
		sb.WriteString(" with the name of the tool you want approved.\n")
	}

	if len(in.OutputSchema) > 0 {
		fmt.Fprintf(&sb, "\nYour final answer MUST be a JSON object conforming to this schema:\n%s\n", string(in.OutputSchema))
	}

	fmt.Fprintf(&sb, "\nTool interactions used: %d of %d.", in.ToolInteractions, in.MaxToolInteractions)
	if in.BudgetExhausted {
		sb.WriteString("\n\n" + budgetExhaustedNotice)
	}

	return agent.BuiltContext{
		SystemPrompt: sb.String(),
		Messages:     in.Messages,
	}
}
