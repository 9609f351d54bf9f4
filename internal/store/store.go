package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quay-dev/dockhand/internal/readiness"
	"github.com/quay-dev/dockhand/pkg/api"
)

// Store is a SQLite-backed record of started instances and their readiness
// passes. It exists for post-mortem inspection of slow or flaky suites.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// ErrNotFound is returned when an instance id has never been recorded.
var ErrNotFound = errors.New("store: instance not recorded")

// RecordInstance upserts an instance with its lifecycle state. Restarts
// update started_at.
func (s *Store) RecordInstance(ctx context.Context, h api.InstanceHandle, state api.InstanceState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, ip, state, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ip = excluded.ip, state = excluded.state, started_at = excluded.started_at`,
		h.ID, h.IP, string(state), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record instance: %w", err)
	}
	return nil
}

// SetState updates the lifecycle state of a recorded instance.
func (s *Store) SetState(ctx context.Context, id string, state api.InstanceState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("set instance state: %w", err)
	}
	return nil
}

// Instance returns the recorded handle and state for an id. Lets a fresh
// process recover the address of an instance another process started.
func (s *Store) Instance(ctx context.Context, id string) (api.InstanceHandle, api.InstanceState, error) {
	var h api.InstanceHandle
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ip, state FROM instances WHERE id = ?`, id).Scan(&h.ID, &h.IP, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return api.InstanceHandle{}, "", ErrNotFound
	}
	if err != nil {
		return api.InstanceHandle{}, "", fmt.Errorf("query instance: %w", err)
	}
	return h, api.InstanceState(state), nil
}

// RecordPass stores the per-probe results of one readiness pass. A failed
// pass records the completed probes plus a failed row for the named probe.
func (s *Store) RecordPass(ctx context.Context, instanceID string, results []readiness.Result, failed string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record pass: %w", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	for _, r := range results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO readiness_probes (instance_id, probe, attempts, elapsed_ms, ok, created_at)
			VALUES (?, ?, ?, ?, 1, ?)`,
			instanceID, r.Probe, r.Attempts, r.Elapsed.Milliseconds(), now)
		if err != nil {
			return fmt.Errorf("record probe: %w", err)
		}
	}
	if failed != "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO readiness_probes (instance_id, probe, attempts, elapsed_ms, ok, created_at)
			VALUES (?, ?, 0, 0, 0, ?)`,
			instanceID, failed, now)
		if err != nil {
			return fmt.Errorf("record probe: %w", err)
		}
	}
	return tx.Commit()
}

// ProbeRecord is one row of readiness history.
type ProbeRecord struct {
	InstanceID string
	Probe      string
	Attempts   int
	ElapsedMS  int64
	OK         bool
	CreatedAt  time.Time
}

// History returns readiness records for an instance, newest first. An empty
// instanceID returns records for all instances.
func (s *Store) History(ctx context.Context, instanceID string, limit int) ([]ProbeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT instance_id, probe, attempts, elapsed_ms, ok, created_at
		FROM readiness_probes`
	args := []any{}
	if instanceID != "" {
		query += ` WHERE instance_id = ?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []ProbeRecord
	for rows.Next() {
		var r ProbeRecord
		var ok int
		if err := rows.Scan(&r.InstanceID, &r.Probe, &r.Attempts, &r.ElapsedMS, &ok, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.OK = ok == 1
		out = append(out, r)
	}
	return out, rows.Err()
}
