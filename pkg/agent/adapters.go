package agent

import (
	"context"
	"encoding/json"
	"time"
)

// LLMTool is a tool definition as presented to the LLM adapter.
// RequiresApproval is deliberately absent: approval gating is a runner
// concern and never crosses the provider boundary.
type LLMTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// LLMRequest is the input to one LLM inference call.
type LLMRequest struct {
	System       string
	Messages     []Message
	Tools        []LLMTool
	OutputSchema json.RawMessage
}

// LLMResult is the outcome of one LLM inference call.
// Exactly one of Response and ToolRequests is set.
type LLMResult struct {
	Response     any
	ToolRequests []ToolRequest
	Usage        Usage
	// Truncated is set when the provider stopped on its token limit.
	// Adapters annotate; the runner passes the response through verbatim.
	Truncated bool
}

// LLMAdapter abstracts an LLM provider. Implementations handle
// provider-specific message transforms and may publish streaming deltas to a
// StreamSink without affecting the returned result.
type LLMAdapter interface {
	Generate(ctx context.Context, req *LLMRequest) (*LLMResult, error)
}

// MCPTool describes a tool discovered on an MCP server.
type MCPTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// MCPAdapter abstracts a remote MCP tool server.
// InvokeTool failures are returned as errors; the runner inlines them as
// tool_result content rather than aborting the loop.
type MCPAdapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	GetTools(ctx context.Context) ([]MCPTool, error)
	InvokeTool(ctx context.Context, name string, arguments map[string]any) (string, error)
	// RestrictedTools lists tool names that require human approval.
	RestrictedTools() []string
}

// ApprovalDecision is a cached permission for one tool in one scope.
type ApprovalDecision struct {
	Value   bool   `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// ApprovalCache stores human approval decisions keyed by (scope, tool name).
type ApprovalCache interface {
	GetBatched(ctx context.Context, scope string, names []string) (map[string]ApprovalDecision, error)
	SetBatched(ctx context.Context, scope string, decisions map[string]bool) error
}

// Stream event types published by the runner and the LLM adapter.
const (
	StreamBudgetExhausted   = "tool.budget.exhausted"
	StreamLLMDelta          = "llm.delta"
	StreamToolCallStarted   = "tool.call.started"
	StreamToolCallCompleted = "tool.call.completed"
)

// StreamEvent is a transient observability event. Sinks must not influence
// runner semantics; publish failures are logged and ignored.
type StreamEvent struct {
	Type    string         `json:"type"`
	Subject string         `json:"subject,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Time    time.Time      `json:"time"`
}

// StreamSink receives transient stream events.
type StreamSink interface {
	Publish(ctx context.Context, event StreamEvent) error
}

// InputValidator checks a tool input against the tool's declared schema.
// A nil return means the input is valid.
type InputValidator func(tool ToolDescriptor, input map[string]any) *ValidationError

// OutputValidator checks a final LLM response against the output schema.
// When exhausted is true the validator MUST return nil so the partial
// response is accepted verbatim.
type OutputValidator func(response any, exhausted bool) *ValidationError

// PromptTool is the registry view handed to the context builder: the
// formatted (agentic) name plus whatever the prompt needs to explain the tool.
type PromptTool struct {
	Name        string
	Description string
	Restricted  bool
	Priority    int
}

// PromptInput is everything the context builder may draw on. Builders are
// pure: they must not mutate any field.
type PromptInput struct {
	Messages            []Message
	Self                Identity
	DelegatedBy         *Identity
	Tools               []PromptTool
	OutputSchema        json.RawMessage
	ApprovalTools       []ToolDescriptor
	ToolInteractions    int
	MaxToolInteractions int
	BudgetExhausted     bool
}

// BuiltContext is the context builder's product.
type BuiltContext struct {
	SystemPrompt string
	Messages     []Message
}

// ContextBuilder produces the system prompt and message window for one LLM call.
type ContextBuilder interface {
	Build(in PromptInput) BuiltContext
}
