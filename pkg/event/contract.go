package event

import (
	"encoding/json"
	"slices"

	"github.com/relayworks/relay/pkg/agent"
)

// Contract binds a handler to the event types it accepts and emits.
// Versioning is explicit; the runner and handler pin a single version per
// execution.
type Contract struct {
	URI     string                     `json:"uri"`
	Version string                     `json:"version"`
	Accepts string                     `json:"accepts"`
	Emits   []string                   `json:"emits"`
	Schemas map[string]json.RawMessage `json:"schemas,omitempty"`
}

// Validate checks the contract wiring. Returns a ConfigError on bad wiring.
func (c Contract) Validate() error {
	if c.URI == "" {
		return agent.NewConfigError("contract missing URI")
	}
	if c.Version == "" {
		return agent.NewConfigError("contract %s missing version", c.URI)
	}
	if c.Accepts == "" {
		return agent.NewConfigError("contract %s accepts no event type", c.URI)
	}
	seen := make(map[string]bool, len(c.Emits))
	for _, t := range c.Emits {
		if seen[t] {
			return agent.NewConfigError("contract %s emits duplicate type %q", c.URI, t)
		}
		seen[t] = true
	}
	return nil
}

// EmitsType reports whether t is one of the contract's emitted types.
func (c Contract) EmitsType(t string) bool {
	return slices.Contains(c.Emits, t)
}

// ResumableContract is the self-contract of a resumable handler: it
// additionally declares the event type of its completion emission.
type ResumableContract struct {
	Contract
	CompletionType string `json:"completionType"`
}

// Validate extends Contract.Validate with the completion type check.
func (c ResumableContract) Validate() error {
	if err := c.Contract.Validate(); err != nil {
		return err
	}
	if c.CompletionType == "" {
		return agent.NewConfigError("resumable contract %s missing completion type", c.URI)
	}
	return nil
}

// ServiceContracts maps a tool-call type (the raw tool name) to the service
// contract that answers it. The handler derives the set of acceptable reply
// types for an outstanding tool call from the service's emitted types.
type ServiceContracts map[string]Contract

// RepliesFor returns the reply types a call of the given type may produce,
// always including the implicit system-error type.
func (s ServiceContracts) RepliesFor(callType string) []string {
	replies := []string{callType + ErrorSuffix}
	if c, ok := s[callType]; ok {
		replies = append(replies, c.Emits...)
	}
	return replies
}

// Validate checks every service contract.
func (s ServiceContracts) Validate() error {
	for callType, c := range s {
		if err := c.Validate(); err != nil {
			return err
		}
		if c.Accepts != callType {
			return agent.NewConfigError(
				"service contract %s accepts %q but is registered for %q", c.URI, c.Accepts, callType)
		}
	}
	return nil
}
