package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/schema"
)

func testSnapshot(state schema.State) *schema.Snapshot {
	now := time.Now().UTC().Truncate(time.Second)
	return &schema.Snapshot{
		ID:        "s-" + uuid.New().String(),
		Version:   schema.CurrentSchemaVersion,
		State:     state,
		Adapter:   schema.AdapterACP,
		CreatedAt: now,
		UpdatedAt: now,
		Cwd:       "/tmp/project",
		MessageHistory: []schema.Message{
			schema.NewTextMessage(schema.MessageID(1), schema.TypeUser, "user", "hello"),
		},
		PendingMessages:    []schema.QueuedMessage{},
		PendingPermissions: []schema.PermissionRequest{},
	}
}

func TestMigrateRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[]`, `"snapshot"`, `42`, `null`, `not json`} {
		if got := Migrate(json.RawMessage(raw)); got != nil {
			t.Errorf("Migrate(%s) = %+v, want nil", raw, got)
		}
	}
}

func TestMigrateRejectsMissingIdentity(t *testing.T) {
	cases := []string{
		`{"state":"active"}`,
		`{"id":"s-1"}`,
		`{"id":"s-1","state":"hibernating"}`,
	}
	for _, raw := range cases {
		if got := Migrate(json.RawMessage(raw)); got != nil {
			t.Errorf("Migrate(%s) = %+v, want nil", raw, got)
		}
	}
}

func TestMigrateRejectsFutureVersion(t *testing.T) {
	raw := `{"id":"s-1","state":"active","version":99}`
	if got := Migrate(json.RawMessage(raw)); got != nil {
		t.Errorf("future version accepted: %+v", got)
	}
}

func TestMigrateUpgradesUnversioned(t *testing.T) {
	raw := `{"id":"s-1","state":"idle","adapter":"acp"}`
	snap := Migrate(json.RawMessage(raw))
	if snap == nil {
		t.Fatal("v0 snapshot rejected")
	}
	if snap.Version != schema.CurrentSchemaVersion {
		t.Errorf("version = %d, want %d", snap.Version, schema.CurrentSchemaVersion)
	}
	if snap.MessageHistory == nil || snap.PendingMessages == nil || snap.PendingPermissions == nil {
		t.Error("v0 snapshot did not gain empty collections")
	}
	if len(snap.MessageHistory) != 0 {
		t.Errorf("v0 history = %d entries, want 0", len(snap.MessageHistory))
	}
}

func TestMigratePreservesCurrentVersion(t *testing.T) {
	want := testSnapshot(schema.StateActive)
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	got := Migrate(data)
	if got == nil {
		t.Fatal("current snapshot rejected")
	}
	if got.ID != want.ID || got.State != want.State || got.Adapter != want.Adapter {
		t.Errorf("identity fields changed: %+v", got)
	}
	if len(got.MessageHistory) != 1 || got.MessageHistory[0].ID != schema.MessageID(1) {
		t.Errorf("history not preserved: %+v", got.MessageHistory)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open("memory", "", "")
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T", s)
	}
	s.Close()

	if _, err := Open("etcd", "", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func testStorageContract(t *testing.T, s SessionStorage) {
	t.Helper()
	ctx := context.Background()

	snap := testSnapshot(schema.StateActive)
	if err := s.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil for saved snapshot")
	}
	if got.ID != snap.ID || got.State != snap.State {
		t.Errorf("loaded %q/%s, want %q/%s", got.ID, got.State, snap.ID, snap.State)
	}
	if len(got.MessageHistory) != 1 {
		t.Errorf("history len = %d, want 1", len(got.MessageHistory))
	}

	// Save again with a new state: upsert, not duplicate.
	snap.State = schema.StateClosed
	snap.UpdatedAt = snap.UpdatedAt.Add(time.Second)
	if err := s.Save(ctx, snap); err != nil {
		t.Fatalf("Save (update): %v", err)
	}
	got, err = s.Load(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Load after update: %v", err)
	}
	if got.State != schema.StateClosed {
		t.Errorf("state after update = %s", got.State)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List len = %d, want 1", len(all))
	}

	if missing, err := s.Load(ctx, "s-absent"); err != nil || missing != nil {
		t.Errorf("Load(absent) = %+v, %v; want nil, nil", missing, err)
	}

	if err := s.Delete(ctx, snap.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Load(ctx, snap.ID); got != nil {
		t.Error("snapshot survived delete")
	}
	// Deleting a missing id is not an error.
	if err := s.Delete(ctx, snap.ID); err != nil {
		t.Errorf("Delete(absent): %v", err)
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	s := NewMemory()
	t.Cleanup(func() { s.Close() })
	testStorageContract(t, s)
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	snap := testSnapshot(schema.StateActive)
	if err := s.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}
	// Mutating the caller's copy must not leak into the store.
	snap.State = schema.StateClosed

	got, err := s.Load(ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != schema.StateActive {
		t.Errorf("stored snapshot mutated through caller reference: %s", got.State)
	}
}
