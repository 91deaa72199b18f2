// Package runner implements the agent execution loop: a bounded iterative
// dialogue with an LLM, interleaving in-loop MCP tool execution, that
// terminates on a validated final response, suspends on external tool
// requests, or fails on the hard iteration ceiling.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayworks/relay/pkg/agent"
)

const (
	// DefaultMaxToolInteractions is the per-instance tool-call budget.
	DefaultMaxToolInteractions = 5
	// DefaultMaxIterations is the hard loop ceiling, independent of the budget.
	DefaultMaxIterations = 50
)

// Config wires one Runner. LLM and Builder are required; everything else is
// optional and degrades to a no-op.
type Config struct {
	Self        agent.Identity
	DelegatedBy *agent.Identity

	LLM     agent.LLMAdapter
	Builder agent.ContextBuilder
	MCP     agent.MCPAdapter

	ExternalTools []agent.ToolDescriptor
	ApprovalTools []agent.ToolDescriptor

	Approvals agent.ApprovalCache
	Stream    agent.StreamSink

	OutputSchema   json.RawMessage
	ValidateInput  agent.InputValidator
	ValidateOutput agent.OutputValidator

	MaxToolInteractions int
	MaxIterations       int

	// Subject tags stream events with the owning instance key.
	Subject string

	Logger *slog.Logger
}

// Result is the outcome of one Init or Resume invocation. Exactly one of
// Response and ToolRequests is set: a response completes the execution, tool
// requests suspend it pending external replies.
type Result struct {
	Messages         []agent.Message
	ToolInteractions int
	Response         any
	ToolRequests     []agent.ToolRequest
	Usage            agent.Usage
}

// Runner drives the agent execution loop. Safe for sequential reuse; the
// tool registry and formatter are rebuilt per invocation.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New validates the configuration and applies defaults.
func New(cfg Config) (*Runner, error) {
	if cfg.LLM == nil {
		return nil, agent.NewConfigError("runner requires an LLM adapter")
	}
	if cfg.Builder == nil {
		return nil, agent.NewConfigError("runner requires a context builder")
	}
	if cfg.MaxToolInteractions <= 0 {
		cfg.MaxToolInteractions = DefaultMaxToolInteractions
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "runner", "agent", cfg.Self.Alias),
	}, nil
}

// Init begins a new execution from a fresh user message.
func (r *Runner) Init(ctx context.Context, userMessage string) (*Result, error) {
	messages := []agent.Message{agent.NewTextMessage(agent.RoleUser, userMessage)}
	return r.run(ctx, messages, 0)
}

// Resume continues an execution given the persisted transcript and newly
// arrived tool results. Results are matched to pending tool_use items by id
// and appended in tool_use order before the loop restarts.
func (r *Runner) Resume(ctx context.Context, messages []agent.Message, toolInteractions int, results []agent.ToolResult) (*Result, error) {
	if len(results) > 0 {
		ordered, err := r.orderResults(messages, results)
		if err != nil {
			return nil, err
		}
		// All results may have been dropped as unmatched; never append an
		// empty tool_result message.
		if len(ordered) > 0 {
			messages = append(messages, agent.NewToolResultMessage(ordered...))
		}
	}
	return r.run(ctx, messages, toolInteractions)
}

// orderResults matches incoming tool results to the transcript's pending
// tool_use items and returns them in tool_use order. Results without a
// matching pending tool_use are dropped with a log line.
func (r *Runner) orderResults(messages []agent.Message, results []agent.ToolResult) ([]agent.ToolResult, error) {
	pending := pendingToolUses(messages)
	if len(pending) == 0 {
		return nil, agent.NewConfigError("resume carries tool results but the transcript has no pending tool_use")
	}
	byID := make(map[string]agent.ToolResult, len(results))
	for _, res := range results {
		byID[res.ToolUseID] = res
	}
	ordered := make([]agent.ToolResult, 0, len(results))
	for _, use := range pending {
		if res, ok := byID[use.ID]; ok {
			ordered = append(ordered, res)
			delete(byID, use.ID)
		}
	}
	for id := range byID {
		r.logger.Warn("dropping tool result with no pending tool_use", "toolUseId", id)
	}
	return ordered, nil
}

// pendingToolUses returns the tool_use items not yet answered by a
// tool_result, in transcript order.
func pendingToolUses(messages []agent.Message) []agent.ToolUse {
	answered := make(map[string]bool)
	var uses []agent.ToolUse
	for _, m := range messages {
		for _, item := range m.Content {
			switch item.Type {
			case agent.ContentToolUse:
				uses = append(uses, *item.ToolUse)
			case agent.ContentToolResult:
				answered[item.ToolResult.ToolUseID] = true
			}
		}
	}
	var pending []agent.ToolUse
	for _, use := range uses {
		if !answered[use.ID] {
			pending = append(pending, use)
		}
	}
	return pending
}

// run is the main iteration loop.
func (r *Runner) run(ctx context.Context, messages []agent.Message, interactions int) (*Result, error) {
	// 1. Rebuild the execution-local registry, connecting MCP if configured.
	if r.cfg.MCP != nil {
		if err := r.cfg.MCP.Connect(ctx); err != nil {
			return nil, &agent.RuntimeError{Op: "mcp connect", Cause: err}
		}
		defer func() {
			if err := r.cfg.MCP.Disconnect(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("mcp disconnect failed", "error", err)
			}
		}()
	}
	reg, err := r.buildRegistry(ctx)
	if err != nil {
		return nil, err
	}

	var usage agent.Usage

	for iteration := 1; ; iteration++ {
		// 6. Hard ceiling, independent of the tool budget.
		if iteration > r.cfg.MaxIterations {
			return nil, &agent.RuntimeError{
				Op:    "runner",
				Cause: fmt.Errorf("iteration ceiling %d exceeded for %s", r.cfg.MaxIterations, r.cfg.Self.Alias),
			}
		}

		// 1. Budget check. The LLM is still invoked; the exhaustion flag
		// steers the prompt and disables validation.
		exhausted := interactions >= r.cfg.MaxToolInteractions
		if exhausted {
			r.publish(ctx, agent.StreamBudgetExhausted, map[string]any{
				"toolInteractions": interactions,
				"max":              r.cfg.MaxToolInteractions,
			})
		}

		// Approval resolution, batched once per iteration.
		if err := reg.resolveApprovals(ctx, r.cfg.Approvals, r.cfg.Self.Source); err != nil {
			r.logger.Warn("approval resolution failed, tools stay restricted", "error", err)
		}

		// 2. Context build. The builder is pure.
		built := r.cfg.Builder.Build(agent.PromptInput{
			Messages:            messages,
			Self:                r.cfg.Self,
			DelegatedBy:         r.cfg.DelegatedBy,
			Tools:               reg.promptTools(),
			OutputSchema:        r.cfg.OutputSchema,
			ApprovalTools:       r.cfg.ApprovalTools,
			ToolInteractions:    interactions,
			MaxToolInteractions: r.cfg.MaxToolInteractions,
			BudgetExhausted:     exhausted,
		})

		// 3. LLM call.
		llmResult, err := r.cfg.LLM.Generate(ctx, &agent.LLMRequest{
			System:       built.SystemPrompt,
			Messages:     built.Messages,
			Tools:        reg.llmTools(),
			OutputSchema: r.cfg.OutputSchema,
		})
		if err != nil {
			return nil, &agent.RuntimeError{Op: "llm generate", Cause: err}
		}
		usage.Add(llmResult.Usage)

		// 4. Finalization branch.
		if len(llmResult.ToolRequests) == 0 {
			messages = append(messages, agent.NewTextMessage(agent.RoleAssistant, agent.ResponseText(llmResult.Response)))
			if r.cfg.ValidateOutput != nil && !exhausted {
				if verr := r.cfg.ValidateOutput(llmResult.Response, exhausted); verr != nil {
					r.logger.Info("final response failed output validation, retrying",
						"iteration", iteration, "error", verr.Message)
					messages = append(messages, agent.NewTextMessage(agent.RoleUser, verr.PromptText()))
					interactions++
					continue
				}
			}
			return &Result{
				Messages:         messages,
				ToolInteractions: interactions,
				Response:         llmResult.Response,
				Usage:            usage,
			}, nil
		}

		// 5. Tool branch.
		interactions++
		selected := prioritize(llmResult.ToolRequests, reg)
		if dropped := len(llmResult.ToolRequests) - len(selected); dropped > 0 {
			r.logger.Info("dropping lower-priority tool requests", "dropped", dropped)
		}

		var pendingExternal []agent.ToolRequest
		var results []agent.ToolResult
		messages, pendingExternal, results, err = r.executeTools(ctx, reg, messages, selected, exhausted)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			messages = append(messages, agent.NewToolResultMessage(results...))
		}
		if len(pendingExternal) > 0 {
			return &Result{
				Messages:         messages,
				ToolInteractions: interactions,
				ToolRequests:     pendingExternal,
				Usage:            usage,
			}, nil
		}
	}
}

// executeTools appends one assistant tool_use message per request, runs MCP
// invocations in parallel, and queues external requests for emission.
// Returned results hold, in request-listing order, the unknown-tool errors,
// validation failures, and MCP outcomes; external requests produce no result
// here (their results arrive on resume).
func (r *Runner) executeTools(ctx context.Context, reg *registry, messages []agent.Message, selected []agent.ToolRequest, exhausted bool) ([]agent.Message, []agent.ToolRequest, []agent.ToolResult, error) {
	type slot struct {
		result agent.ToolResult
		filled bool
	}
	slots := make([]slot, len(selected))

	var external []agent.ToolRequest
	var wg sync.WaitGroup

	for i, req := range selected {
		messages = append(messages, agent.NewToolUseMessage(agent.ToolUse{
			ID:    req.ID,
			Name:  req.Type,
			Input: req.Data,
		}))

		entry, known := reg.lookup(req.Type)
		if !known {
			slots[i] = slot{
				result: agent.ToolResult{ToolUseID: req.ID, Content: (&agent.UnknownToolError{Name: req.Type}).Error()},
				filled: true,
			}
			continue
		}

		switch entry.ServerKind {
		case agent.ServerExternal:
			if r.cfg.ValidateInput != nil && !exhausted {
				if verr := r.cfg.ValidateInput(entry.ToolDescriptor, req.Data); verr != nil {
					r.logger.Info("tool input failed validation", "tool", entry.Name, "error", verr.Message)
					slots[i] = slot{
						result: agent.ToolResult{ToolUseID: req.ID, Content: verr},
						filled: true,
					}
					continue
				}
			}
			external = append(external, agent.ToolRequest{
				ID:   req.ID,
				Type: entry.Name,
				Data: req.Data,
			})

		case agent.ServerMCP:
			wg.Add(1)
			go func(i int, req agent.ToolRequest, name string) {
				defer wg.Done()
				slots[i] = slot{result: r.invokeMCP(ctx, name, req), filled: true}
			}(i, req, entry.Name)
		}
	}

	wg.Wait()

	var results []agent.ToolResult
	for _, s := range slots {
		if s.filled {
			results = append(results, s.result)
		}
	}
	return messages, external, results, nil
}

// invokeMCP runs one MCP tool call. Failures are inlined as tool_result
// content, never propagated.
func (r *Runner) invokeMCP(ctx context.Context, name string, req agent.ToolRequest) agent.ToolResult {
	r.publish(ctx, agent.StreamToolCallStarted, map[string]any{"tool": name})
	out, err := r.cfg.MCP.InvokeTool(ctx, name, req.Data)
	r.publish(ctx, agent.StreamToolCallCompleted, map[string]any{"tool": name, "failed": err != nil})
	if err != nil {
		r.logger.Warn("mcp tool failed", "tool", name, "error", err)
		return agent.ToolResult{ToolUseID: req.ID, Content: err.Error()}
	}
	return agent.ToolResult{ToolUseID: req.ID, Content: out}
}

// prioritize keeps only the highest-priority group of the requested tools.
// Dropped requests are not retained; the LLM re-requests them if still
// needed. Unknown tools rank at priority 0.
func prioritize(requests []agent.ToolRequest, reg *registry) []agent.ToolRequest {
	if len(requests) <= 1 {
		return requests
	}
	highest := 0
	priorities := make([]int, len(requests))
	for i, req := range requests {
		if entry, ok := reg.lookup(req.Type); ok {
			priorities[i] = entry.Priority
		}
		if priorities[i] > highest {
			highest = priorities[i]
		}
	}
	var selected []agent.ToolRequest
	for i, req := range requests {
		if priorities[i] == highest {
			selected = append(selected, req)
		}
	}
	return selected
}

// publish sends a stream event. Sink failures never influence the loop.
func (r *Runner) publish(ctx context.Context, typ string, data map[string]any) {
	if r.cfg.Stream == nil {
		return
	}
	evt := agent.StreamEvent{Type: typ, Subject: r.cfg.Subject, Data: data, Time: time.Now().UTC()}
	if err := r.cfg.Stream.Publish(ctx, evt); err != nil {
		r.logger.Debug("stream publish failed", "type", typ, "error", err)
	}
}
