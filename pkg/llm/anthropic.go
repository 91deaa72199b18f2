// Package llm provides the reference LLM adapter for the runner, built on
// the Anthropic SDK. The adapter owns provider-specific transforms: content
// block conversion, streaming assembly, truncation annotation, and retry of
// transient failures.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relayworks/relay/pkg/agent"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "claude-sonnet-4-20250514"
	// DefaultMaxTokens bounds a single generation.
	DefaultMaxTokens = 4096

	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Config holds the Anthropic adapter settings. Only APIKey is required.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int

	// MaxRetries bounds retry attempts for transient failures (429, 5xx,
	// network). Validation failures are never retried.
	MaxRetries int
	RetryDelay time.Duration
}

// AnthropicAdapter implements agent.LLMAdapter. Safe for concurrent use;
// each Generate call runs an independent stream.
type AnthropicAdapter struct {
	client anthropic.Client
	cfg    Config
	sink   agent.StreamSink
	logger *slog.Logger
}

var _ agent.LLMAdapter = (*AnthropicAdapter)(nil)

// NewAnthropicAdapter creates the adapter. sink may be nil; when set, text
// deltas are published as llm.delta stream events without affecting the
// returned result.
func NewAnthropicAdapter(cfg Config, sink agent.StreamSink, logger *slog.Logger) (*AnthropicAdapter, error) {
	if cfg.APIKey == "" {
		return nil, agent.NewConfigError("anthropic adapter requires an API key")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicAdapter{
		client: anthropic.NewClient(options...),
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "llm", "model", cfg.Model),
	}, nil
}

// Generate runs one inference call, retrying transient failures with
// exponential backoff.
func (a *AnthropicAdapter) Generate(ctx context.Context, req *agent.LLMRequest) (*agent.LLMResult, error) {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.cfg.RetryDelay * (1 << (attempt - 1))
			a.logger.Info("retrying llm call", "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := a.generateOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

func (a *AnthropicAdapter) generateOnce(ctx context.Context, req *agent.LLMRequest) (*agent.LLMResult, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	var (
		text         strings.Builder
		toolRequests []agent.ToolRequest
		usage        agent.Usage
		truncated    bool

		currentTool  *agent.ToolRequest
		currentInput strings.Builder
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentTool = &agent.ToolRequest{ID: use.ID, Type: use.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					a.publishDelta(ctx, delta.Text)
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				input := make(map[string]any)
				if raw := currentInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &input); err != nil {
						return nil, fmt.Errorf("anthropic: malformed tool input for %s: %w", currentTool.Type, err)
					}
				}
				currentTool.Data = input
				toolRequests = append(toolRequests, *currentTool)
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			usage.OutputTokens = int(delta.Usage.OutputTokens)
			if delta.Delta.StopReason == "max_tokens" {
				truncated = true
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: stream failed: %w", err)
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	// Exactly one of response and tool requests.
	if len(toolRequests) > 0 {
		return &agent.LLMResult{ToolRequests: toolRequests, Usage: usage, Truncated: truncated}, nil
	}
	return &agent.LLMResult{
		Response:  a.decodeResponse(text.String(), req.OutputSchema),
		Usage:     usage,
		Truncated: truncated,
	}, nil
}

// decodeResponse parses the final text as JSON when an output schema was
// declared; otherwise the raw text passes through.
func (a *AnthropicAdapter) decodeResponse(text string, schema json.RawMessage) any {
	if len(schema) == 0 {
		return text
	}
	var structured map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &structured); err != nil {
		// Not valid JSON; the output validator reports the mismatch.
		return text
	}
	return structured
}

func (a *AnthropicAdapter) buildParams(req *agent.LLMRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		Messages:  messages,
		MaxTokens: int64(a.cfg.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages translates the transcript into Anthropic content blocks.
// The runner guarantees tool_use/tool_result adjacency on input.
func convertMessages(messages []agent.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, item := range msg.Content {
			switch item.Type {
			case agent.ContentText:
				content = append(content, anthropic.NewTextBlock(item.Text))

			case agent.ContentToolUse:
				content = append(content, anthropic.NewToolUseBlock(
					item.ToolUse.ID,
					item.ToolUse.Input,
					item.ToolUse.Name,
				))

			case agent.ContentToolResult:
				text, isError := renderToolResult(item.ToolResult.Content)
				content = append(content, anthropic.NewToolResultBlock(
					item.ToolResult.ToolUseID,
					text,
					isError,
				))

			default:
				return nil, fmt.Errorf("anthropic: unsupported content type %q", item.Type)
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == agent.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

// renderToolResult flattens tool_result content to text. Structured error
// payloads are JSON-encoded and flagged.
func renderToolResult(content any) (string, bool) {
	switch v := content.(type) {
	case string:
		return v, false
	case *agent.ValidationError:
		data, err := json.Marshal(v)
		if err != nil {
			return v.Error(), true
		}
		return string(data), true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), false
		}
		return string(data), false
	}
}

func convertTools(tools []agent.LLMTool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &inputSchema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (a *AnthropicAdapter) publishDelta(ctx context.Context, text string) {
	if a.sink == nil {
		return
	}
	evt := agent.StreamEvent{
		Type: agent.StreamLLMDelta,
		Data: map[string]any{"text": text},
		Time: time.Now().UTC(),
	}
	if err := a.sink.Publish(ctx, evt); err != nil {
		a.logger.Debug("delta publish failed", "error", err)
	}
}

// isRetryable classifies transient failures: rate limits, 5xx, timeouts, and
// network errors.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
