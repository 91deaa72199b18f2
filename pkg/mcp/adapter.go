// Package mcp implements the runner's MCP adapter on the official MCP Go
// SDK: one adapter per tool server, with per-call timeouts and text content
// extraction.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relayworks/relay/pkg/agent"
)

const (
	// DefaultInitTimeout bounds the connect handshake.
	DefaultInitTimeout = 30 * time.Second
	// DefaultCallTimeout bounds a single tool invocation.
	DefaultCallTimeout = 60 * time.Second
)

// ServerConfig describes one MCP tool server.
type ServerConfig struct {
	Name      string          `json:"name"`
	Transport TransportConfig `json:"transport"`
	// Restricted lists tool names requiring human approval.
	Restricted []string `json:"restricted,omitempty"`

	InitTimeout time.Duration `json:"-"`
	CallTimeout time.Duration `json:"-"`
}

// Adapter implements agent.MCPAdapter for a single server. Connect is
// idempotent; the session is reused until Disconnect. Thread-safe: the
// runner fans tool invocations out in parallel.
type Adapter struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

var _ agent.MCPAdapter = (*Adapter)(nil)

// NewAdapter creates an adapter for the given server. No connection is made
// until Connect.
func NewAdapter(cfg ServerConfig, logger *slog.Logger) *Adapter {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.With("component", "mcp", "server", cfg.Name),
	}
}

// Connect establishes the session. Returns nil if already connected.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return nil
	}

	transport, err := createTransport(a.cfg.Transport)
	if err != nil {
		return fmt.Errorf("create transport for %q: %w", a.cfg.Name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, a.cfg.InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "relay",
		Version: "1.0",
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to %q: %w", a.cfg.Name, err)
	}

	a.client = client
	a.session = session
	a.logger.Info("mcp server connected")
	return nil
}

// Disconnect closes the session. Idempotent.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.session = nil
	a.client = nil
	if err != nil {
		return fmt.Errorf("close session for %q: %w", a.cfg.Name, err)
	}
	return nil
}

// GetTools lists the server's tools.
func (a *Adapter) GetTools(ctx context.Context) ([]agent.MCPTool, error) {
	session, err := a.currentSession()
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", a.cfg.Name, err)
	}

	tools := make([]agent.MCPTool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, agent.MCPTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

// InvokeTool executes one tool call and returns the concatenated text
// content. A result flagged as an error by the server is returned as a Go
// error so callers can inline the text.
func (a *Adapter) InvokeTool(ctx context.Context, name string, arguments map[string]any) (string, error) {
	session, err := a.currentSession()
	if err != nil {
		return "", err
	}

	opCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return "", &agent.ToolExecutionError{Tool: name, Cause: err}
	}

	content := extractTextContent(result, a.logger)
	if result.IsError {
		return "", &agent.ToolExecutionError{Tool: name, Cause: errors.New(content)}
	}
	return content, nil
}

// RestrictedTools lists the configured tool names requiring approval.
func (a *Adapter) RestrictedTools() []string {
	return a.cfg.Restricted
}

func (a *Adapter) currentSession() (*mcpsdk.ClientSession, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil, fmt.Errorf("no session for server %q, call Connect first", a.cfg.Name)
	}
	return a.session, nil
}

// extractTextContent concatenates the TextContent items of a result.
// Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult, logger *slog.Logger) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			logger.Debug("skipping non-text tool content", "content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap round-trips the SDK's schema representation into the plain
// map form the tool registry carries.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
