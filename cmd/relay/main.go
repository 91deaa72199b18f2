// Relay agent runtime server — hosts resumable agent handlers, dispatches
// events through the in-process broker, and serves the HTTP/WebSocket API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/relayworks/relay/pkg/agent"
	"github.com/relayworks/relay/pkg/api"
	"github.com/relayworks/relay/pkg/broker"
	"github.com/relayworks/relay/pkg/config"
	"github.com/relayworks/relay/pkg/event"
	"github.com/relayworks/relay/pkg/handler"
	"github.com/relayworks/relay/pkg/llm"
	"github.com/relayworks/relay/pkg/mcp"
	"github.com/relayworks/relay/pkg/state"
	"github.com/relayworks/relay/pkg/state/postgres"
	"github.com/relayworks/relay/pkg/stream"
	"github.com/relayworks/relay/pkg/validate"
)

// calculatorInput is the input contract of the built-in calculator tool. Its
// JSON Schema is derived by reflection.
type calculatorInput struct {
	Expression string `json:"expression" jsonschema:"title=Expression,description=Arithmetic expression to evaluate"`
}

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	config.LoadDotenv(*envPath)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting relay", "http_port", cfg.HTTPPort, "store", cfg.Store.Backend)

	ctx := context.Background()

	// 1. Instance store
	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// 2. Streaming: in-process hub plus WebSocket broadcaster
	hub := stream.NewHub(nil)
	defer hub.Close()
	broadcaster := stream.NewBroadcaster(cfg.StreamWriteTimeout, nil)
	sink := stream.NewTee(nil, hub, broadcaster)

	// 3. LLM adapter
	llmAdapter, err := llm.NewAnthropicAdapter(llm.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		MaxTokens:  cfg.LLM.MaxTokens,
		MaxRetries: cfg.LLM.MaxRetries,
	}, sink, nil)
	if err != nil {
		slog.Error("Failed to initialize LLM adapter", "error", err)
		os.Exit(1)
	}

	// 4. Optional MCP server from environment
	var mcpAdapter agent.MCPAdapter
	if url := os.Getenv("MCP_SERVER_URL"); url != "" {
		mcpAdapter = mcp.NewAdapter(mcp.ServerConfig{
			Name: "default",
			Transport: mcp.TransportConfig{
				Type: mcp.TransportHTTP,
				URL:  url,
			},
		}, nil)
		slog.Info("MCP server configured", "url", url)
	}

	// 5. Event broker; unroutable events (completions for external callers,
	// tool calls for external domains) are logged for external consumers.
	bus := broker.New(broker.Config{
		LaneCount: cfg.BrokerLanes,
		Forward: func(_ context.Context, evt event.Event) error {
			data, _ := json.Marshal(evt)
			slog.Info("Outbound event", "type", evt.Type, "to", evt.To,
				"domain", evt.Domain, "event", string(data))
			return nil
		},
	})

	// 6. Built-in calculator agent
	calcHandler, err := handler.New(calculatorHandlerConfig(cfg, store, llmAdapter, mcpAdapter, sink))
	if err != nil {
		slog.Error("Failed to build calculator handler", "error", err)
		os.Exit(1)
	}
	if err := bus.Register(calcHandler); err != nil {
		slog.Error("Failed to register handler", "error", err)
		os.Exit(1)
	}

	if err := bus.Start(ctx); err != nil {
		slog.Error("Failed to start broker", "error", err)
		os.Exit(1)
	}

	// 7. HTTP server
	httpServer := api.NewServer(bus, store, broadcaster, nil)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Relay started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop intake, drain the broker, close streams.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	bus.Stop()

	slog.Info("Shutdown complete")
}

// buildStore creates the configured persistence backend.
func buildStore(ctx context.Context, cfg config.Config) (handler.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		pg, err := postgres.New(ctx, postgres.Config{
			URL:             cfg.Store.URL,
			Lock:            cfg.Store.Lock,
			CleanupDisabled: cfg.Store.CleanupDisabled,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Connected to PostgreSQL store")
		return pg, pg.Close, nil
	default:
		mem := state.NewMemoryStore(state.MemoryConfig{
			Lock:            cfg.Store.Lock,
			CleanupDisabled: cfg.Store.CleanupDisabled,
		})
		return mem, func() {}, nil
	}
}

// calculatorHandlerConfig wires the built-in calculator agent: one external
// calculator service plus a human review tool for restricted calls.
func calculatorHandlerConfig(cfg config.Config, store handler.Store, llmAdapter agent.LLMAdapter, mcpAdapter agent.MCPAdapter, sink agent.StreamSink) handler.Config {
	return handler.Config{
		Self: agent.Identity{
			Source:      "agent.calculator",
			Alias:       "calculator",
			Description: "You evaluate arithmetic expressions using the calculator service.",
		},
		Contract: event.ResumableContract{
			Contract: event.Contract{
				URI:     "agent://calculator",
				Version: "1.0.0",
				Accepts: "evt.calculation.request",
			},
			CompletionType: "evt.calculation.completed",
		},
		Services: event.ServiceContracts{
			"com.calculator.execute": {
				URI:     "service://calculator",
				Version: "1.0.0",
				Accepts: "com.calculator.execute",
				Emits:   []string{"evt.calculator.execute.success"},
			},
			// The review service contract puts the human decision reply type
			// into the reply index so approval responses resume the instance.
			"com.review.request": {
				URI:     "service://review",
				Version: "1.0.0",
				Accepts: "com.review.request",
				Emits:   []string{"evt.review.response"},
			},
		},
		Tools: []agent.ToolDescriptor{
			{
				Name:        "com.calculator.execute",
				Description: "Evaluates an arithmetic expression and returns the result.",
				InputSchema: reflectSchema(&calculatorInput{}),
				ServerKind:  agent.ServerExternal,
			},
		},
		ApprovalTools: []agent.ToolDescriptor{
			{
				Name:        "com.review.request",
				Description: "Requests human approval for a restricted tool.",
				ServerKind:  agent.ServerExternal,
			},
		},
		LLM:                 llmAdapter,
		MCP:                 mcpAdapter,
		Approvals:           state.NewMemoryApprovals(),
		Stream:              sink,
		Store:               store,
		ValidateInput:       validate.InputValidator(),
		MaxToolInteractions: cfg.Agent.MaxToolInteractions,
		MaxIterations:       cfg.Agent.MaxIterations,
		ApprovalDomain:      "human",
	}
}

// reflectSchema derives a JSON Schema map from a Go struct.
func reflectSchema(v any) map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
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
