package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// ErrNotInitialized is returned by a SQL store used before Init or after a
// failed Init.
var ErrNotInitialized = errors.New("store not initialized")

// Pool sizes a database/sql connection pool. Zero values keep the backend's
// defaults.
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (p Pool) withDefaults(d Pool) Pool {
	if p.MaxOpenConns == 0 {
		p.MaxOpenConns = d.MaxOpenConns
	}
	if p.MaxIdleConns == 0 {
		p.MaxIdleConns = d.MaxIdleConns
	}
	if p.ConnMaxLifetime == 0 {
		p.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if p.ConnMaxIdleTime == 0 {
		p.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	return p
}

func (p Pool) validate() error {
	if p.MaxOpenConns < 0 || p.MaxIdleConns < 0 {
		return errors.New("connection limits must not be negative")
	}
	if p.MaxOpenConns > 0 && p.MaxIdleConns > p.MaxOpenConns {
		return errors.New("max idle connections must be <= max open connections")
	}
	return nil
}

func (p Pool) apply(db *sql.DB) {
	db.SetMaxOpenConns(p.MaxOpenConns)
	db.SetMaxIdleConns(p.MaxIdleConns)
	db.SetConnMaxLifetime(p.ConnMaxLifetime)
	db.SetConnMaxIdleTime(p.ConnMaxIdleTime)
}

// sqlStore implements the engine.StateStore half of the SQL backends on top
// of an opened *sql.DB.
type sqlStore struct {
	db          *sql.DB
	states      *snapshotTable
	pingTimeout time.Duration
}

// open pings db and keeps it. db is closed if the ping fails.
func (s *sqlStore) open(ctx context.Context, db *sql.DB, states *snapshotTable) error {
	if err := s.ping(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.db, s.states = db, states
	return nil
}

func (s *sqlStore) ping(ctx context.Context, db *sql.DB) error {
	if s.pingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pingTimeout)
		defer cancel()
	}
	return db.PingContext(ctx)
}

func (s *sqlStore) table() (*snapshotTable, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.states, nil
}

// Put stores state as the latest snapshot of its scope.
func (s *sqlStore) Put(ctx context.Context, state *engine.ExecutionState) error {
	t, err := s.table()
	if err != nil {
		return err
	}
	return t.put(ctx, state)
}

// GetLatest returns the newest snapshot for scope, or nil if there is none.
func (s *sqlStore) GetLatest(ctx context.Context, scope engine.Scope) (*engine.ExecutionState, error) {
	t, err := s.table()
	if err != nil {
		return nil, err
	}
	return t.getLatest(ctx, scope)
}

// ListHistory returns up to limit snapshots for scope, newest first.
func (s *sqlStore) ListHistory(ctx context.Context, scope engine.Scope, limit int) ([]*engine.ExecutionState, error) {
	t, err := s.table()
	if err != nil {
		return nil, err
	}
	return t.listHistory(ctx, scope, limit)
}

// HealthCheck pings the database.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	if err := s.ping(ctx, s.db); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool. The store can be opened again with Init.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db, s.states = nil, nil
	return err
}

// snapshotTable holds the snapshot queries shared by the SQL backends. Every
// run is one row per scope; seq orders runs within a scope.
type snapshotTable struct {
	db           *sql.DB
	historyLimit int

	// dollar selects $1-style placeholders instead of ?.
	dollar bool
}

func (t *snapshotTable) rebind(query string) string {
	if !t.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// put upserts state and prunes the scope's history, in one transaction.
func (t *snapshotTable) put(ctx context.Context, state *engine.ExecutionState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	scope := state.Scope.Key()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		t.rebind(`SELECT seq FROM execution_states WHERE scope = ? AND run_id = ?`),
		scope, state.RunID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx,
			t.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_states WHERE scope = ?`),
			scope,
		).Scan(&seq)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve run sequence: %w", err)
	}

	query := t.rebind(`
		INSERT INTO execution_states (scope, run_id, seq, parent_run_id, status, config_hash, started_at, updated_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, run_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			state = excluded.state
	`)
	_, err = tx.ExecContext(ctx, query,
		scope,
		state.RunID,
		seq,
		state.ParentRunID,
		string(state.Status),
		state.ConfigHash,
		state.StartedAt.UTC().Format(time.RFC3339Nano),
		state.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert execution state: %w", err)
	}

	_, err = tx.ExecContext(ctx, t.rebind(`
		DELETE FROM execution_states
		WHERE scope = ? AND seq <= (
			SELECT seq FROM execution_states WHERE scope = ? ORDER BY seq DESC LIMIT 1 OFFSET ?
		)
	`), scope, scope, historyLimit(t.historyLimit))
	if err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution state: %w", err)
	}
	return nil
}

func (t *snapshotTable) getLatest(ctx context.Context, scope engine.Scope) (*engine.ExecutionState, error) {
	var data string
	err := t.db.QueryRowContext(ctx,
		t.rebind(`SELECT state FROM execution_states WHERE scope = ? ORDER BY seq DESC LIMIT 1`),
		scope.Key(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest execution state: %w", err)
	}
	return decodeState([]byte(data))
}

func (t *snapshotTable) listHistory(ctx context.Context, scope engine.Scope, limit int) ([]*engine.ExecutionState, error) {
	query := `SELECT state FROM execution_states WHERE scope = ? ORDER BY seq DESC`
	args := []any{scope.Key()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.db.QueryContext(ctx, t.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution states: %w", err)
	}
	defer rows.Close()

	var states []*engine.ExecutionState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan execution state: %w", err)
		}
		state, err := decodeState([]byte(data))
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution states: %w", err)
	}
	return states, nil
}
