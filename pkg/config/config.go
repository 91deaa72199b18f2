// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/relayworks/relay/pkg/state"
)

// StoreBackend selects the instance persistence backend.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StorePostgres StoreBackend = "postgres"
)

// Config is the umbrella runtime configuration.
type Config struct {
	HTTPPort string

	LLM   LLMConfig
	Store StoreConfig
	Agent AgentConfig

	// StreamWriteTimeout bounds a single WebSocket send.
	StreamWriteTimeout time.Duration
	// BrokerLanes is the number of broker dispatch goroutines.
	BrokerLanes int
}

// LLMConfig holds Anthropic provider settings.
type LLMConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
}

// StoreConfig selects and tunes the instance store.
type StoreConfig struct {
	Backend StoreBackend
	// URL is the PostgreSQL connection string (postgres backend only).
	URL             string
	Lock            state.LockConfig
	CleanupDisabled bool
}

// AgentConfig holds per-agent execution defaults.
type AgentConfig struct {
	MaxToolInteractions int
	MaxIterations       int
}

// LoadDotenv loads a .env file if present. Missing files are logged and
// ignored so production deployments can rely on real environment variables.
func LoadDotenv(path string) {
	if err := godotenv.Load(path); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", path, "error", err)
		return
	}
	slog.Info("Loaded environment", "path", path)
}

// LoadFromEnv builds the configuration from environment variables.
func LoadFromEnv() (Config, error) {
	maxTokens, err := envInt("LLM_MAX_TOKENS", 4096)
	if err != nil {
		return Config{}, err
	}
	maxRetries, err := envInt("LLM_MAX_RETRIES", 3)
	if err != nil {
		return Config{}, err
	}
	maxInteractions, err := envInt("AGENT_MAX_TOOL_INTERACTIONS", 5)
	if err != nil {
		return Config{}, err
	}
	maxIterations, err := envInt("AGENT_MAX_ITERATIONS", 50)
	if err != nil {
		return Config{}, err
	}
	lockRetries, err := envInt("LOCK_MAX_RETRIES", 0)
	if err != nil {
		return Config{}, err
	}
	lanes, err := envInt("BROKER_LANES", 0)
	if err != nil {
		return Config{}, err
	}
	lockTTL, err := envDuration("LOCK_TTL", 0)
	if err != nil {
		return Config{}, err
	}
	lockDelay, err := envDuration("LOCK_INITIAL_DELAY", 0)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDuration("STREAM_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}

	backend := StoreBackend(getEnvOrDefault("STORE_BACKEND", string(StoreMemory)))
	switch backend {
	case StoreMemory, StorePostgres:
	default:
		return Config{}, fmt.Errorf("invalid STORE_BACKEND %q (want memory or postgres)", backend)
	}
	storeURL := os.Getenv("STORE_POSTGRES_URL")
	if backend == StorePostgres && storeURL == "" {
		return Config{}, fmt.Errorf("STORE_POSTGRES_URL is required when STORE_BACKEND=postgres")
	}

	return Config{
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),
		LLM: LLMConfig{
			APIKey:     os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL:    os.Getenv("ANTHROPIC_BASE_URL"),
			Model:      getEnvOrDefault("LLM_MODEL", "claude-sonnet-4-20250514"),
			MaxTokens:  maxTokens,
			MaxRetries: maxRetries,
		},
		Store: StoreConfig{
			Backend: backend,
			URL:     storeURL,
			Lock: state.LockConfig{
				TTL:          lockTTL,
				MaxRetries:   lockRetries,
				InitialDelay: lockDelay,
			},
			CleanupDisabled: envBool("STORE_CLEANUP_DISABLED"),
		},
		Agent: AgentConfig{
			MaxToolInteractions: maxInteractions,
			MaxIterations:       maxIterations,
		},
		StreamWriteTimeout: writeTimeout,
		BrokerLanes:        lanes,
	}, nil
}

// Validate checks settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.Agent.MaxToolInteractions <= 0 {
		return fmt.Errorf("AGENT_MAX_TOOL_INTERACTIONS must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envBool(key string) bool {
	val := os.Getenv(key)
	if val == "" {
		return false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false
	}
	return b
}
