package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlitePragmas run on every new connection. Writers take the lock up front
// so concurrent runs on one file queue instead of failing with SQLITE_BUSY.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
}

// Config configures a SQLiteStore.
type Config struct {
	// Path is the database file, or ":memory:".
	Path string
	Pool

	// HistoryLimit is the number of runs kept per scope.
	HistoryLimit int
}

// SQLiteStore keeps execution state snapshots in a local SQLite file. It is
// the default backend for a single operator machine.
type SQLiteStore struct {
	sqlStore
	cfg Config
}

// NewSQLiteStore creates a SQLite store. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := cfg.Pool.validate(); err != nil {
		return nil, err
	}

	cfg.Pool = cfg.Pool.withDefaults(Pool{MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxLifetime: 5 * time.Minute})
	if cfg.Path == ":memory:" {
		// Every connection to :memory: is its own database.
		cfg.MaxOpenConns, cfg.MaxIdleConns = 1, 1
	}
	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) dsn() string {
	q := url.Values{"_txlock": {"immediate"}}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	return "file:" + s.cfg.Path + "?" + q.Encode()
}

// Init opens the database and applies the embedded migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.cfg.Pool.apply(db)

	if err := s.open(ctx, db, &snapshotTable{db: db, historyLimit: s.cfg.HistoryLimit}); err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// Migrate brings the schema up to date. It is a no-op on a current schema.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	target, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
