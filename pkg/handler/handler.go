// Package handler implements the resumable event handler: the event-sourced
// wrapper that turns the stateless runner into a stateful multi-turn agent.
// It persists the transcript between suspensions, correlates incoming reply
// events with outstanding tool calls, and emits the next outbound batch.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/relayworks/relay/pkg/agent"
	"github.com/relayworks/relay/pkg/agent/prompt"
	"github.com/relayworks/relay/pkg/agent/runner"
	"github.com/relayworks/relay/pkg/event"
	"github.com/relayworks/relay/pkg/state"
)

// Store is the persistence surface the handler needs: instance records plus
// per-instance locking. state.MemoryStore and the postgres store satisfy it.
type Store interface {
	state.Store
	Lock(ctx context.Context, id string) bool
	Unlock(id string) bool
}

// Config wires one resumable handler.
type Config struct {
	Self     agent.Identity
	Contract event.ResumableContract
	// Services maps each external tool-call type to the contract answering
	// it; the handler derives acceptable reply types from it.
	Services event.ServiceContracts

	// Tools are the external tool descriptors offered to the LLM. Names are
	// raw tool-call types (dotted).
	Tools         []agent.ToolDescriptor
	ApprovalTools []agent.ToolDescriptor

	LLM       agent.LLMAdapter
	Builder   agent.ContextBuilder
	MCP       agent.MCPAdapter
	Approvals agent.ApprovalCache
	Stream    agent.StreamSink
	Store     Store

	OutputSchema   json.RawMessage
	ValidateInput  agent.InputValidator
	ValidateOutput agent.OutputValidator

	MaxToolInteractions int
	MaxIterations       int

	// DomainRoutes steers outbound tool-call events to consumer pools.
	DomainRoutes map[string]string
	// ApprovalDomain routes approval/review tool calls lacking an explicit
	// DomainRoutes entry to the human-interaction pool.
	ApprovalDomain string
	// IncludeHistory attaches the full transcript to the completion event.
	IncludeHistory bool

	Logger *slog.Logger
}

// Resumable handles the events of one agent, keyed by event subject.
type Resumable struct {
	cfg    Config
	logger *slog.Logger

	// replyIndex maps every acceptable reply event type to the tool-call
	// type it answers.
	replyIndex map[string]string
	// approvalTypes marks tool-call types belonging to approval tools.
	approvalTypes map[string]bool
}

// New validates the wiring and builds the reply index.
func New(cfg Config) (*Resumable, error) {
	if err := cfg.Contract.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Services.Validate(); err != nil {
		return nil, err
	}
	if cfg.LLM == nil {
		return nil, agent.NewConfigError("handler %s requires an LLM adapter", cfg.Self.Alias)
	}
	if cfg.Store == nil {
		return nil, agent.NewConfigError("handler %s requires a store", cfg.Self.Alias)
	}
	if cfg.Builder == nil {
		cfg.Builder = prompt.NewBuilder()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	replyIndex := make(map[string]string)
	for callType := range cfg.Services {
		for _, replyType := range cfg.Services.RepliesFor(callType) {
			if prev, ok := replyIndex[replyType]; ok && prev != callType {
				return nil, agent.NewConfigError(
					"reply type %q is emitted by both %q and %q", replyType, prev, callType)
			}
			replyIndex[replyType] = callType
		}
	}

	approvalTypes := make(map[string]bool, len(cfg.ApprovalTools))
	for _, t := range cfg.ApprovalTools {
		approvalTypes[t.Name] = true
		// Approval replies resolve even without a registered service contract.
		if _, ok := replyIndex[t.Name+event.ErrorSuffix]; !ok {
			replyIndex[t.Name+event.ErrorSuffix] = t.Name
		}
	}

	return &Resumable{
		cfg:           cfg,
		logger:        cfg.Logger.With("component", "handler", "agent", cfg.Self.Alias),
		replyIndex:    replyIndex,
		approvalTypes: approvalTypes,
	}, nil
}

// Source returns the handler's routing address.
func (h *Resumable) Source() string { return h.cfg.Self.Source }

// Accepts reports whether the handler consumes the given event type.
func (h *Resumable) Accepts(eventType string) bool {
	if eventType == h.cfg.Contract.Accepts {
		return true
	}
	_, ok := h.replyIndex[eventType]
	return ok
}

// Handle processes one inbound event and returns the outbound batch. The
// instance lock is held for the duration and released on every exit path.
func (h *Resumable) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	if evt.Subject == "" {
		return nil, agent.NewConfigError("event %s has no subject", evt.ID)
	}

	if !h.cfg.Store.Lock(ctx, evt.Subject) {
		return nil, &agent.LockAcquisitionError{Key: evt.Subject}
	}
	defer h.cfg.Store.Unlock(evt.Subject)

	inst, err := h.cfg.Store.Read(ctx, evt.Subject)
	if err != nil {
		return nil, &agent.RuntimeError{Op: "read instance", Cause: err}
	}

	switch {
	case inst == nil && evt.Type == h.cfg.Contract.Accepts:
		return h.initInstance(ctx, evt)
	case inst == nil:
		// Replies for unknown subjects are a non-fatal no-op.
		h.logger.Debug("dropping event for unknown instance",
			"subject", evt.Subject, "type", evt.Type)
		return nil, nil
	case evt.Type == h.cfg.Contract.Accepts:
		h.logger.Warn("duplicate init for running instance, ignoring", "subject", evt.Subject)
		return nil, nil
	default:
		return h.resumeInstance(ctx, evt, inst)
	}
}

func (h *Resumable) initInstance(ctx context.Context, evt event.Event) ([]event.Event, error) {
	inst := &state.Instance{
		Subject:             evt.Subject,
		MaxToolInteractions: h.maxToolInteractions(),
		DelegatedBy:         parseIdentity(evt.Data["delegatedBy"]),
	}
	if parent, ok := evt.Data["parentSubject"].(string); ok {
		inst.ParentSubject = parent
	}

	r, err := h.newRunner(evt.Subject, inst.DelegatedBy)
	if err != nil {
		return nil, err
	}

	h.logger.Info("initializing instance", "subject", evt.Subject)
	result, err := r.Init(ctx, initMessage(evt.Data))
	if err != nil {
		return nil, err
	}
	return h.finish(ctx, evt, inst, result)
}

func (h *Resumable) resumeInstance(ctx context.Context, evt event.Event, inst *state.Instance) ([]event.Event, error) {
	callType, ok := h.replyIndex[evt.Type]
	if !ok {
		return nil, &agent.RuntimeError{
			Op:    "resume",
			Cause: fmt.Errorf("unrecognized reply event type %q for instance %s", evt.Type, inst.Subject),
		}
	}

	// Approval replies feed the cache before collection; write failures are
	// logged, not fatal.
	if h.approvalTypes[callType] && !evt.IsError() {
		if err := h.writeApprovals(ctx, evt); err != nil {
			h.logger.Warn("approval write failed", "subject", inst.Subject, "error", err)
		}
	}

	toolUseID, _ := evt.Data["toolUseId"].(string)
	if toolUseID == "" {
		toolUseID = h.scopeMatch(inst, callType)
		h.logger.Warn("reply lacks toolUseId, scope-matched to pending tool_use",
			"subject", inst.Subject, "type", evt.Type, "toolUseId", toolUseID)
	}

	inst.Collected = append(inst.Collected, state.CollectedReply{
		Type:      callType,
		ToolUseID: toolUseID,
		Data:      evt.Data,
		IsError:   evt.IsError(),
	})

	// Partial collection: persist and wait for the rest of the batch.
	if !collected(inst) {
		if err := h.cfg.Store.Write(ctx, inst.Subject, inst); err != nil {
			return nil, &agent.RuntimeError{Op: "write instance", Cause: err}
		}
		h.logger.Debug("partial reply batch, waiting", "subject", inst.Subject, "type", evt.Type)
		return nil, nil
	}

	results := extractResults(inst.Collected)
	inst.ExpectedToolTypes = nil
	inst.Collected = nil

	r, err := h.newRunner(inst.Subject, inst.DelegatedBy)
	if err != nil {
		return nil, err
	}

	h.logger.Info("resuming instance", "subject", inst.Subject, "results", len(results))
	result, err := r.Resume(ctx, inst.Messages, inst.ToolInteractions, results)
	if err != nil {
		return nil, err
	}
	return h.finish(ctx, evt, inst, result)
}

// finish persists the runner outcome and builds the outbound batch:
// a single completion event, or one event per suspended tool request.
func (h *Resumable) finish(ctx context.Context, evt event.Event, inst *state.Instance, result *runner.Result) ([]event.Event, error) {
	inst.Messages = result.Messages
	inst.ToolInteractions = result.ToolInteractions

	if len(result.ToolRequests) == 0 {
		out := h.completionEvent(evt, inst, result)
		if err := h.cfg.Store.Cleanup(ctx, inst.Subject); err != nil {
			return nil, &agent.RuntimeError{Op: "cleanup instance", Cause: err}
		}
		h.logger.Info("instance completed", "subject", inst.Subject)
		return []event.Event{out}, nil
	}

	inst.ExpectedToolTypes = make(map[string]int, len(result.ToolRequests))
	for _, req := range result.ToolRequests {
		inst.ExpectedToolTypes[req.Type]++
	}
	if err := h.cfg.Store.Write(ctx, inst.Subject, inst); err != nil {
		return nil, &agent.RuntimeError{Op: "write instance", Cause: err}
	}

	out := make([]event.Event, 0, len(result.ToolRequests))
	for _, req := range result.ToolRequests {
		out = append(out, h.toolRequestEvent(evt, inst, req))
	}
	h.logger.Info("instance suspended", "subject", inst.Subject, "requests", len(out))
	return out, nil
}

// completionEvent builds the contract-declared completion emission. When the
// instance was delegated, the event is keyed by the caller's subject so the
// caller resumes.
func (h *Resumable) completionEvent(evt event.Event, inst *state.Instance, result *runner.Result) event.Event {
	var output map[string]any
	switch v := result.Response.(type) {
	case map[string]any:
		output = v
	default:
		output = map[string]any{"response": agent.ResponseText(result.Response)}
	}

	data := map[string]any{"output": output}
	if h.cfg.IncludeHistory {
		data["messages"] = result.Messages
	}

	subject := inst.Subject
	if inst.ParentSubject != "" {
		subject = inst.ParentSubject
	}

	out := event.New(h.cfg.Self.Source, h.cfg.Contract.CompletionType, subject, data)
	out.ParentID = evt.ID
	out.TraceHeaders = evt.TraceHeaders
	if inst.DelegatedBy != nil {
		out.To = inst.DelegatedBy.Source
	}
	return out
}

// toolRequestEvent builds one outbound tool-call event. Each call starts a
// fresh child subject; parentSubject and toolUseId tie the reply back.
func (h *Resumable) toolRequestEvent(evt event.Event, inst *state.Instance, req agent.ToolRequest) event.Event {
	data := state.CloneMap(req.Data)
	if data == nil {
		data = make(map[string]any)
	}
	data["parentSubject"] = inst.Subject
	data["toolUseId"] = req.ID

	out := event.New(h.cfg.Self.Source, req.Type, uuid.New().String(), data)
	out.ParentID = evt.ID
	out.TraceHeaders = evt.TraceHeaders
	if domain, ok := h.cfg.DomainRoutes[req.Type]; ok {
		out.Domain = domain
	} else if h.approvalTypes[req.Type] {
		out.Domain = h.cfg.ApprovalDomain
	}
	return out
}

// writeApprovals batch-writes the decisions carried by an approval reply.
func (h *Resumable) writeApprovals(ctx context.Context, evt event.Event) error {
	if h.cfg.Approvals == nil {
		return nil
	}
	decisions := parseApprovals(evt.Data)
	if len(decisions) == 0 {
		return fmt.Errorf("approval reply %s carries no decisions", evt.ID)
	}
	return h.cfg.Approvals.SetBatched(ctx, h.cfg.Self.Source, decisions)
}

// scopeMatch finds the pending tool_use a correlation-less reply belongs to:
// the single unanswered tool_use whose name matches the call type. With more
// than one candidate the match is ambiguous and the reply stays uncorrelated.
func (h *Resumable) scopeMatch(inst *state.Instance, callType string) string {
	assigned := make(map[string]bool, len(inst.Collected))
	for _, r := range inst.Collected {
		assigned[r.ToolUseID] = true
	}
	agentic := strings.ReplaceAll(callType, ".", "_")

	answered := make(map[string]bool)
	for _, m := range inst.Messages {
		for _, item := range m.Content {
			if item.Type == agent.ContentToolResult {
				answered[item.ToolResult.ToolUseID] = true
			}
		}
	}
	var match string
	for _, m := range inst.Messages {
		for _, item := range m.Content {
			if item.Type != agent.ContentToolUse {
				continue
			}
			use := item.ToolUse
			if use.Name == agentic && !answered[use.ID] && !assigned[use.ID] {
				if match != "" {
					return ""
				}
				match = use.ID
			}
		}
	}
	return match
}

func (h *Resumable) newRunner(subject string, delegatedBy *agent.Identity) (*runner.Runner, error) {
	return runner.New(runner.Config{
		Self:                h.cfg.Self,
		DelegatedBy:         delegatedBy,
		LLM:                 h.cfg.LLM,
		Builder:             h.cfg.Builder,
		MCP:                 h.cfg.MCP,
		ExternalTools:       h.cfg.Tools,
		ApprovalTools:       h.cfg.ApprovalTools,
		Approvals:           h.cfg.Approvals,
		Stream:              h.cfg.Stream,
		OutputSchema:        h.cfg.OutputSchema,
		ValidateInput:       h.cfg.ValidateInput,
		ValidateOutput:      h.cfg.ValidateOutput,
		MaxToolInteractions: h.cfg.MaxToolInteractions,
		MaxIterations:       h.cfg.MaxIterations,
		Subject:             subject,
		Logger:              h.cfg.Logger,
	})
}

func (h *Resumable) maxToolInteractions() int {
	if h.cfg.MaxToolInteractions > 0 {
		return h.cfg.MaxToolInteractions
	}
	return runner.DefaultMaxToolInteractions
}

// collected reports whether every expected reply type has arrived.
func collected(inst *state.Instance) bool {
	arrived := make(map[string]int, len(inst.Collected))
	for _, r := range inst.Collected {
		arrived[r.Type]++
	}
	for callType, expected := range inst.ExpectedToolTypes {
		if arrived[callType] < expected {
			return false
		}
	}
	return true
}

// extractResults converts the collected replies into runner tool results.
// System-error replies become structured errors with a do-not-retry
// instruction.
func extractResults(replies []state.CollectedReply) []agent.ToolResult {
	results := make([]agent.ToolResult, 0, len(replies))
	for _, r := range replies {
		var content any
		if r.IsError {
			content = map[string]any{
				"error":       stringField(r.Data, "errorName"),
				"message":     stringField(r.Data, "errorMessage"),
				"instruction": "This tool call failed. Do not retry it; report the failure instead.",
			}
		} else {
			data := state.CloneMap(r.Data)
			delete(data, "toolUseId")
			delete(data, "parentSubject")
			content = data
		}
		results = append(results, agent.ToolResult{ToolUseID: r.ToolUseID, Content: content})
	}
	return results
}

// initMessage extracts the fresh user message from an init event. A data
// payload without a message field is passed through as JSON.
func initMessage(data map[string]any) string {
	if msg, ok := data["message"].(string); ok && msg != "" {
		return msg
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(raw)
}

// parseIdentity decodes an optional identity block from event data.
func parseIdentity(v any) *agent.Identity {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	id := &agent.Identity{
		Alias:       stringField(m, "alias"),
		Source:      stringField(m, "source"),
		Description: stringField(m, "description"),
	}
	if id.Alias == "" && id.Source == "" {
		return nil
	}
	return id
}

// parseApprovals accepts either a batched {"approvals": {name: bool}} map or
// a single {"tool": name, "value": bool} decision.
func parseApprovals(data map[string]any) map[string]bool {
	out := make(map[string]bool)
	if batch, ok := data["approvals"].(map[string]any); ok {
		for name, v := range batch {
			if b, ok := v.(bool); ok {
				out[name] = b
			}
		}
		return out
	}
	if tool := stringField(data, "tool"); tool != "" {
		if v, ok := data["value"].(bool); ok {
			out[tool] = v
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
