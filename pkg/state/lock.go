package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Lock configuration defaults.
const (
	DefaultLockTTL          = 120 * time.Second
	DefaultLockMaxRetries   = 3
	DefaultLockInitialDelay = 100 * time.Millisecond
	DefaultLockMultiplier   = 1.5
)

// LockConfig controls TTL expiry and the acquisition retry schedule.
type LockConfig struct {
	TTL          time.Duration
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
}

// withDefaults fills zero fields.
func (c LockConfig) withDefaults() LockConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultLockTTL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultLockMaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultLockInitialDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultLockMultiplier
	}
	return c
}

// TTLMutex is a non-blocking mutex whose holder is presumed dead once it has
// held the lock longer than the TTL. Expiry is evaluated lazily on
// acquisition attempts; there are no background timers.
type TTLMutex struct {
	mu         sync.Mutex
	held       bool
	acquiredAt time.Time
	ttl        time.Duration
	now        func() time.Time
}

// NewTTLMutex creates a mutex with the given TTL.
func NewTTLMutex(ttl time.Duration) *TTLMutex {
	return &TTLMutex{ttl: ttl, now: time.Now}
}

// TryAcquire attempts to take the mutex without blocking. A stale holder
// (held longer than TTL) is evicted and the mutex handed to the caller.
// The acquired-at timestamp resets on every successful acquisition.
func (m *TTLMutex) TryAcquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held && m.now().Sub(m.acquiredAt) <= m.ttl {
		return false
	}
	m.held = true
	m.acquiredAt = m.now()
	return true
}

// Release frees the mutex. Idempotent.
func (m *TTLMutex) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = false
}

// IsLocked reports whether the mutex is held by a live holder:
// held AND not stale.
func (m *TTLMutex) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held && m.now().Sub(m.acquiredAt) <= m.ttl
}

// LockManager provides per-key TTL mutexes with retrying acquisition.
// Mutexes are created lazily on first use.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*TTLMutex
	cfg   LockConfig
}

// NewLockManager creates a manager; zero-valued config fields get defaults.
func NewLockManager(cfg LockConfig) *LockManager {
	return &LockManager{
		locks: make(map[string]*TTLMutex),
		cfg:   cfg.withDefaults(),
	}
}

// errLockHeld drives the backoff retry loop; never escapes Acquire.
var errLockHeld = errors.New("lock held")

// Acquire takes the lock for the given key, retrying with exponential
// backoff (initialDelay * multiplier^attempt) up to MaxRetries attempts.
// Returns true on success, false when retries are exhausted or the context
// is cancelled.
func (lm *LockManager) Acquire(ctx context.Context, key string) bool {
	m := lm.mutex(key)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = lm.cfg.InitialDelay
	bo.Multiplier = lm.cfg.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := uint64(lm.cfg.MaxRetries)
	if attempts > 0 {
		attempts-- // N attempts total, N-1 sleeps between them
	}

	err := backoff.Retry(func() error {
		if m.TryAcquire() {
			return nil
		}
		return errLockHeld
	}, backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx))

	return err == nil
}

// Release frees the lock for key. Unknown keys succeed: unlocking an
// instance that was never locked is a no-op, not an error.
func (lm *LockManager) Release(key string) bool {
	lm.mu.Lock()
	m, ok := lm.locks[key]
	lm.mu.Unlock()
	if !ok {
		return true
	}
	m.Release()
	return true
}

// IsLocked reports whether the key's mutex is held and not stale.
func (lm *LockManager) IsLocked(key string) bool {
	lm.mu.Lock()
	m, ok := lm.locks[key]
	lm.mu.Unlock()
	if !ok {
		return false
	}
	return m.IsLocked()
}

// Remove drops the mutex for a completed instance.
func (lm *LockManager) Remove(key string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.locks, key)
}

// Mutex returns the TTL mutex for a key, creating it if needed. Exposed for
// tests that need to inspect staleness directly.
func (lm *LockManager) Mutex(key string) *TTLMutex {
	return lm.mutex(key)
}

func (lm *LockManager) mutex(key string) *TTLMutex {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m, ok := lm.locks[key]
	if !ok {
		m = NewTTLMutex(lm.cfg.TTL)
		lm.locks[key] = m
	}
	return m
}
