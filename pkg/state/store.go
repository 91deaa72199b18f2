package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store persists instance records. Implementations must hand out deep
// clones on both read and write so no mutable structure is shared across
// the store boundary.
type Store interface {
	// Read returns a snapshot of the instance, or nil when absent.
	Read(ctx context.Context, id string) (*Instance, error)
	// Write stores a snapshot of the instance.
	Write(ctx context.Context, id string, inst *Instance) error
	// Cleanup removes the state and lock of a completed instance.
	Cleanup(ctx context.Context, id string) error
	// Clear wipes all state. Intended for test resets.
	Clear(ctx context.Context) error
}

// Locker provides per-instance mutual exclusion. The in-process LockManager
// is the reference implementation; cross-process locking is out of scope.
type Locker interface {
	Acquire(ctx context.Context, key string) bool
	Release(key string) bool
}

// MemoryConfig configures the in-memory store.
type MemoryConfig struct {
	Lock LockConfig
	// CleanupDisabled turns Cleanup into a no-op, retaining completed
	// instances for inspection.
	CleanupDisabled bool
}

// MemoryStore is the in-process reference Store: a map of deep-cloned
// instance records plus a lazily populated lock manager.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	locks *LockManager
	cfg   MemoryConfig

	logger *slog.Logger
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		locks:     NewLockManager(cfg.Lock),
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// Read returns a deep clone of the stored instance, or nil when absent.
func (s *MemoryStore) Read(_ context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	return inst.Clone(), nil
}

// Write stores a deep clone of the instance.
func (s *MemoryStore) Write(_ context.Context, id string, inst *Instance) error {
	cloned := inst.Clone()
	cloned.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.instances[id]; ok {
		cloned.CreatedAt = prev.CreatedAt
	} else if cloned.CreatedAt.IsZero() {
		cloned.CreatedAt = cloned.UpdatedAt
	}
	s.instances[id] = cloned
	return nil
}

// Lock acquires the per-instance mutex with retry. See LockManager.Acquire.
func (s *MemoryStore) Lock(ctx context.Context, id string) bool {
	return s.locks.Acquire(ctx, id)
}

// Unlock releases the per-instance mutex. Idempotent; unknown ids succeed.
func (s *MemoryStore) Unlock(id string) bool {
	return s.locks.Release(id)
}

// Locks exposes the lock manager, e.g. for handlers composed with a
// different persistence backend.
func (s *MemoryStore) Locks() *LockManager {
	return s.locks
}

// Cleanup removes the instance record and its lock. No-op when cleanup is
// disabled by configuration.
func (s *MemoryStore) Cleanup(_ context.Context, id string) error {
	if s.cfg.CleanupDisabled {
		s.logger.Debug("Cleanup disabled, retaining instance", "instance", id)
		return nil
	}
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
	s.locks.Remove(id)
	return nil
}

// Clear wipes all instances and locks.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.instances = make(map[string]*Instance)
	s.mu.Unlock()
	s.locks = NewLockManager(s.cfg.Lock)
	return nil
}

// Len reports the number of stored instances. Used by health reporting.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
