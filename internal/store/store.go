// Package store persists session snapshots behind a small storage contract,
// with in-memory, SQLite, and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parley-ai/parley/pkg/schema"
)

// SessionStorage is the persistence contract for session snapshots. Load and
// List return migrated snapshots; corrupt or future-versioned records are
// silently skipped (Load returns nil, nil).
type SessionStorage interface {
	Save(ctx context.Context, snap *schema.Snapshot) error
	Load(ctx context.Context, id string) (*schema.Snapshot, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*schema.Snapshot, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open constructs the storage backend named by the configuration.
func Open(backend, path, dsn string) (SessionStorage, error) {
	switch backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(path)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}

// Migrate converts a raw persisted record to the current snapshot version.
// It is total: it returns nil (never an error) for non-object input, missing
// id or state, an unknown state, or a version newer than this build writes.
// Unversioned records predate the snapshot layout and gain empty history,
// queue, and permission collections.
func Migrate(raw json.RawMessage) *schema.Snapshot {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	var snap schema.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil
	}
	if snap.ID == "" || snap.State == "" || !snap.State.Valid() {
		return nil
	}
	if snap.Version > schema.CurrentSchemaVersion {
		return nil
	}
	if snap.MessageHistory == nil {
		snap.MessageHistory = []schema.Message{}
	}
	if snap.PendingMessages == nil {
		snap.PendingMessages = []schema.QueuedMessage{}
	}
	if snap.PendingPermissions == nil {
		snap.PendingPermissions = []schema.PermissionRequest{}
	}
	snap.Version = schema.CurrentSchemaVersion
	return &snap
}
