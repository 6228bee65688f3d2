package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Postgres driver ("pgx")
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS execution_states (
    scope         TEXT        NOT NULL,
    run_id        TEXT        NOT NULL,
    seq           BIGINT      NOT NULL,
    parent_run_id TEXT        NOT NULL DEFAULT '',
    status        TEXT        NOT NULL,
    config_hash   TEXT        NOT NULL,
    started_at    TEXT        NOT NULL,
    updated_at    TEXT        NOT NULL,
    state         JSONB       NOT NULL,
    PRIMARY KEY (scope, run_id)
);
CREATE INDEX IF NOT EXISTS idx_execution_states_scope_seq ON execution_states (scope, seq DESC);
`

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	URL         string
	PingTimeout time.Duration
	Pool

	HistoryLimit int
}

// Validate checks the configuration.
func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("postgres URL is required")
	}
	if c.PingTimeout < 0 {
		return errors.New("ping timeout must not be negative")
	}
	return c.Pool.validate()
}

// PostgresStore keeps execution state snapshots in a shared Postgres database,
// so several operators can resume each other's runs.
type PostgresStore struct {
	sqlStore
	cfg PostgresConfig
}

// NewPostgresStore creates a Postgres store. Call Init before use.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	cfg.Pool = cfg.Pool.withDefaults(Pool{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	s := &PostgresStore{cfg: cfg}
	s.pingTimeout = cfg.PingTimeout
	return s, nil
}

// Init connects and creates the schema if needed.
func (s *PostgresStore) Init(ctx context.Context) error {
	db, err := sql.Open("pgx", s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.cfg.Pool.apply(db)

	if err := s.open(ctx, db, &snapshotTable{db: db, historyLimit: s.cfg.HistoryLimit, dollar: true}); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = s.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
