package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/parley-ai/parley/pkg/schema"
)

// PostgresStore implements SessionStorage using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres connects to the given DSN and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			adapter TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			snapshot JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_archived ON sessions(archived)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, snap *schema.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, version, state, adapter, archived, snapshot, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			adapter = EXCLUDED.adapter,
			archived = EXCLUDED.archived,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`,
		snap.ID, snap.Version, string(snap.State), string(snap.Adapter), snap.Archived,
		string(data), snap.CreatedAt, snap.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*schema.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM sessions WHERE id = $1", id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Migrate(json.RawMessage(data)), nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", id)
	return err
}

func (s *PostgresStore) List(ctx context.Context) ([]*schema.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT snapshot FROM sessions ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*schema.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		if snap := Migrate(json.RawMessage(data)); snap != nil {
			snaps = append(snaps, snap)
		}
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
