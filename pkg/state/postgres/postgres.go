// Package postgres persists instance records as JSONB documents in
// PostgreSQL. Per-instance locking stays in-process: one runtime owns its
// subjects, the database only provides durability across restarts.
package postgres

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql (migrations)

	"github.com/relayworks/relay/pkg/state"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds PostgreSQL store configuration.
type Config struct {
	// URL is a pgx-compatible connection string.
	URL string
	// MaxConns bounds the connection pool. Zero uses the pgxpool default.
	MaxConns int32
	// Lock configures the in-process per-instance lock manager.
	Lock state.LockConfig
	// CleanupDisabled turns Cleanup into a no-op, retaining completed
	// instances for inspection.
	CleanupDisabled bool
	Logger          *slog.Logger
}

// Store is the PostgreSQL-backed instance store. It satisfies the handler's
// Store contract: state.Store plus Lock/Unlock.
type Store struct {
	pool   *pgxpool.Pool
	locks  *state.LockManager
	cfg    Config
	logger *slog.Logger
}

var _ state.Store = (*Store)(nil)

// New connects, applies pending migrations, and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgres store: connection URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(cfg.URL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		pool:   pool,
		locks:  state.NewLockManager(cfg.Lock),
		cfg:    cfg,
		logger: logger.With("component", "state.postgres"),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Read returns the stored instance, or nil when absent. The decoded document
// is a fresh value, so the snapshot contract holds without an extra clone.
func (s *Store) Read(ctx context.Context, id string) (*state.Instance, error) {
	var doc []byte
	var createdAt, updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT document, created_at, updated_at FROM agent_instances WHERE subject = $1`,
		id).Scan(&doc, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read instance %s: %w", id, err)
	}

	var inst state.Instance
	if err := json.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	inst.CreatedAt = createdAt
	inst.UpdatedAt = updatedAt
	return &inst, nil
}

// Write upserts the instance document. created_at is preserved on update.
func (s *Store) Write(ctx context.Context, id string, inst *state.Instance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", id, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_instances (subject, document, created_at, updated_at)
		 VALUES ($1, $2, now(), now())
		 ON CONFLICT (subject) DO UPDATE
		     SET document = EXCLUDED.document, updated_at = now()`,
		id, doc)
	if err != nil {
		return fmt.Errorf("write instance %s: %w", id, err)
	}
	return nil
}

// Lock acquires the in-process per-instance mutex with retry.
func (s *Store) Lock(ctx context.Context, id string) bool {
	return s.locks.Acquire(ctx, id)
}

// Unlock releases the per-instance mutex. Idempotent; unknown ids succeed.
func (s *Store) Unlock(id string) bool {
	return s.locks.Release(id)
}

// Cleanup deletes the instance row and its lock. No-op when cleanup is
// disabled by configuration.
func (s *Store) Cleanup(ctx context.Context, id string) error {
	if s.cfg.CleanupDisabled {
		s.logger.Debug("Cleanup disabled, retaining instance", "instance", id)
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM agent_instances WHERE subject = $1`, id); err != nil {
		return fmt.Errorf("cleanup instance %s: %w", id, err)
	}
	s.locks.Remove(id)
	return nil
}

// Clear wipes all instances and locks. Intended for test resets.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE agent_instances`); err != nil {
		return fmt.Errorf("clear instances: %w", err)
	}
	s.locks = state.NewLockManager(s.cfg.Lock)
	return nil
}

// Len reports the number of stored instances. Used by health reporting.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_instances`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// runMigrations applies pending migrations using golang-migrate with the
// embedded SQL files. Migrations run over database/sql so the migrate
// postgres driver can manage its own connection lifecycle.
func runMigrations(url string) error {
	db, err := stdsql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "agent_instances", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return sourceDriver.Close()
}
