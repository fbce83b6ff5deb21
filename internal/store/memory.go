package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/parley-ai/parley/pkg/schema"
)

// MemoryStore keeps snapshots in process memory. Records are stored
// serialized so callers never share state with the store, and loads exercise
// the same migration path as the durable backends.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]byte)}
}

func (s *MemoryStore) Save(ctx context.Context, snap *schema.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ID] = data
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*schema.Snapshot, error) {
	s.mu.RLock()
	data, ok := s.snaps[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return Migrate(data), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*schema.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := make([]*schema.Snapshot, 0, len(s.snaps))
	for _, data := range s.snaps {
		if snap := Migrate(data); snap != nil {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
