package state

import (
	"context"
	"sync"

	"github.com/relayworks/relay/pkg/agent"
)

// MemoryApprovals is the in-process approval cache: decisions keyed by
// (scope, tool name). Scopes are typically the self-source of the handler
// that owns the instance.
type MemoryApprovals struct {
	mu     sync.RWMutex
	scopes map[string]map[string]agent.ApprovalDecision
}

var _ agent.ApprovalCache = (*MemoryApprovals)(nil)

// NewMemoryApprovals creates an empty cache.
func NewMemoryApprovals() *MemoryApprovals {
	return &MemoryApprovals{scopes: make(map[string]map[string]agent.ApprovalDecision)}
}

// GetBatched returns the cached decisions for the requested names. Names
// with no decision are absent from the result.
func (a *MemoryApprovals) GetBatched(_ context.Context, scope string, names []string) (map[string]agent.ApprovalDecision, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	decisions := a.scopes[scope]
	out := make(map[string]agent.ApprovalDecision, len(names))
	for _, name := range names {
		if d, ok := decisions[name]; ok {
			out[name] = d
		}
	}
	return out, nil
}

// SetBatched writes decisions for a scope, overwriting prior values.
func (a *MemoryApprovals) SetBatched(_ context.Context, scope string, decisions map[string]bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	byName, ok := a.scopes[scope]
	if !ok {
		byName = make(map[string]agent.ApprovalDecision, len(decisions))
		a.scopes[scope] = byName
	}
	for name, value := range decisions {
		byName[name] = agent.ApprovalDecision{Value: value}
	}
	return nil
}

// ClearScope removes all decisions for a scope. Called by instance cleanup.
func (a *MemoryApprovals) ClearScope(scope string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.scopes, scope)
}
