package agent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ConfigError reports invalid wiring detected at startup or registry build
// time (contract mismatches, tool name collisions, duplicate registrations).
// Always fatal.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

// NewConfigError formats a ConfigError.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// ValidationError reports a tool-input or final-output schema mismatch.
// Non-fatal within the tool budget: it is surfaced back to the LLM together
// with the schema so the model can self-correct.
type ValidationError struct {
	Tool    string          `json:"tool,omitempty"`
	Message string          `json:"message"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Tool, e.Message)
	}
	return "validation failed: " + e.Message
}

// PromptText renders the error as a user message instructing the LLM to
// correct itself, including the schema when one is attached.
func (e *ValidationError) PromptText() string {
	text := "Your response did not match the required format: " + e.Message
	if len(e.Schema) > 0 {
		text += "\nRequired schema:\n" + string(e.Schema)
	}
	return text + "\nPlease correct your response."
}

// ToolExecutionError reports an MCP tool invocation failure. Non-fatal: the
// runner inlines the text as a tool_result.
type ToolExecutionError struct {
	Tool  string
	Cause error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// UnknownToolError reports a request for a tool absent from the registry.
// Non-fatal: inlined as a tool_result so the LLM can recover.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string { return "Tool does not exist: " + e.Name }

// LockAcquisitionError reports that the per-instance lock could not be taken
// within the retry budget. Retryable: brokers should redeliver after backoff.
type LockAcquisitionError struct {
	Key string
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("could not acquire lock for instance %q", e.Key)
}

// RuntimeError reports a fatal infrastructure failure (iteration ceiling,
// LLM adapter failure, persistence failure). The instance state is not
// updated and the lock is released.
type RuntimeError struct {
	Op    string
	Cause error
}

func (e *RuntimeError) Error() string {
	if e.Cause == nil {
		return "runtime: " + e.Op
	}
	return fmt.Sprintf("runtime: %s: %v", e.Op, e.Cause)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// IsRetryable reports whether the error should be redelivered by the broker.
func IsRetryable(err error) bool {
	var lockErr *LockAcquisitionError
	return errors.As(err, &lockErr)
}
