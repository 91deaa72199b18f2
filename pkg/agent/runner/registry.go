package runner

import (
	"context"
	"fmt"
	"slices"

	"github.com/relayworks/relay/pkg/agent"
)

// registryEntry is one tool in the execution-local registry, keyed by its
// agentic name.
type registryEntry struct {
	agent.ToolDescriptor

	// AgenticName is the formatted name presented to the LLM.
	AgenticName string
	// Approval marks the entry as an approval/review tool.
	Approval bool
	// approved is resolved from the approval cache each iteration.
	approved bool
}

// registry is the execution-local union of external and MCP-discovered
// tools. Rebuilt on every Init/Resume; never shared between executions.
type registry struct {
	formatter *nameFormatter
	entries   map[string]*registryEntry
	order     []string
}

// buildRegistry assembles the registry from the configured external tools,
// the approval tools, and (when an MCP connection exists) the discovered
// MCP tool list.
func (r *Runner) buildRegistry(ctx context.Context) (*registry, error) {
	reg := &registry{
		formatter: newNameFormatter(),
		entries:   make(map[string]*registryEntry),
	}

	for _, t := range r.cfg.ExternalTools {
		t.ServerKind = agent.ServerExternal
		if err := reg.add(t, false); err != nil {
			return nil, err
		}
	}
	for _, t := range r.cfg.ApprovalTools {
		t.ServerKind = agent.ServerExternal
		if err := reg.add(t, true); err != nil {
			return nil, err
		}
	}

	if r.cfg.MCP != nil {
		tools, err := r.cfg.MCP.GetTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover mcp tools: %w", err)
		}
		restricted := r.cfg.MCP.RestrictedTools()
		for _, t := range tools {
			desc := agent.ToolDescriptor{
				Name:             t.Name,
				Description:      t.Description,
				InputSchema:      t.InputSchema,
				ServerKind:       agent.ServerMCP,
				RequiresApproval: slices.Contains(restricted, t.Name),
			}
			if err := reg.add(desc, false); err != nil {
				return nil, err
			}
		}
	}

	return reg, nil
}

func (reg *registry) add(desc agent.ToolDescriptor, approval bool) error {
	agentic, err := reg.formatter.Format(desc.Name)
	if err != nil {
		return err
	}
	if _, ok := reg.entries[agentic]; ok {
		return agent.NewConfigError("tool %q registered twice", desc.Name)
	}
	reg.entries[agentic] = &registryEntry{
		ToolDescriptor: desc,
		AgenticName:    agentic,
		Approval:       approval,
	}
	reg.order = append(reg.order, agentic)
	return nil
}

// lookup resolves the name the LLM emitted.
func (reg *registry) lookup(agentic string) (*registryEntry, bool) {
	e, ok := reg.entries[agentic]
	return e, ok
}

// restrictedNames lists the raw names of tools still requiring approval.
func (reg *registry) restrictedNames() []string {
	var names []string
	for _, agentic := range reg.order {
		e := reg.entries[agentic]
		if e.RequiresApproval && !e.approved {
			names = append(names, e.Name)
		}
	}
	return names
}

// resolveApprovals marks tools with a cached true decision as non-restricted
// for the current iteration. One batched query per iteration.
func (reg *registry) resolveApprovals(ctx context.Context, cache agent.ApprovalCache, scope string) error {
	names := reg.restrictedNames()
	if cache == nil || len(names) == 0 {
		return nil
	}
	decisions, err := cache.GetBatched(ctx, scope, names)
	if err != nil {
		return fmt.Errorf("query approval cache: %w", err)
	}
	for _, agentic := range reg.order {
		e := reg.entries[agentic]
		if d, ok := decisions[e.Name]; ok && d.Value {
			e.approved = true
		}
	}
	return nil
}

// llmTools produces the registry view handed to the LLM adapter. Approval
// gating never crosses the provider boundary.
func (reg *registry) llmTools() []agent.LLMTool {
	tools := make([]agent.LLMTool, 0, len(reg.order))
	for _, agentic := range reg.order {
		e := reg.entries[agentic]
		tools = append(tools, agent.LLMTool{
			Name:        e.AgenticName,
			Description: e.Description,
			InputSchema: e.InputSchema,
		})
	}
	return tools
}

// promptTools produces the registry view handed to the context builder.
func (reg *registry) promptTools() []agent.PromptTool {
	tools := make([]agent.PromptTool, 0, len(reg.order))
	for _, agentic := range reg.order {
		e := reg.entries[agentic]
		if e.Approval {
			continue
		}
		tools = append(tools, agent.PromptTool{
			Name:        e.AgenticName,
			Description: e.Description,
			Restricted:  e.RequiresApproval && !e.approved,
			Priority:    e.Priority,
		})
	}
	return tools
}
