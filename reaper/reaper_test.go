package reaper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"floe/chunkstore"
	"floe/kv"
	"floe/session"
)

func testLimits() session.Limits {
	return session.Limits{
		MinChunkBytes: 1024, MaxChunkBytes: 8 << 20, DefaultChunkBytes: 4 << 20,
		MaxFileSizeBytes: 1 << 30, MaxTotalChunks: 10000, MaxActiveUploads: 100,
		SessionTTL: time.Hour, MetaExtraTTL: time.Hour,
		MinEpochs: 1, MaxEpochs: 90, DefaultEpochs: 5,
	}
}

func seedFailedUpload(t *testing.T, store kv.Store, chunks *chunkstore.Store, mtimeAgo time.Duration) string {
	t.Helper()
	id := uuid.NewString()
	ctx := context.Background()
	store.SAdd(ctx, kv.GCIndexKey(), id)
	store.HSet(ctx, kv.MetaKey(id), "status", string(session.StatusFailed))

	dir := filepath.Join(chunks.Root(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-mtimeAgo)
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return id
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	store := kv.NewMemStore()
	sessions := session.New(store, testLimits())
	chunks := chunkstore.New(dir, time.Minute)
	r := New(store, sessions, chunks, time.Hour, time.Minute)

	id := seedFailedUpload(t, store, chunks, time.Hour)
	store.SetNX(context.Background(), kv.LockKey(id), "tok", time.Minute)

	r.sweepOnce(context.Background())

	members, _ := store.SMembers(context.Background(), kv.GCIndexKey())
	if len(members) != 1 || members[0] != id {
		t.Fatalf("expected GC index untouched while lock held, got %v", members)
	}
}

func TestSweepRespectsGraceWindow(t *testing.T) {
	dir := t.TempDir()
	store := kv.NewMemStore()
	sessions := session.New(store, testLimits())
	chunks := chunkstore.New(dir, time.Minute)
	r := New(store, sessions, chunks, time.Hour, time.Hour)

	id := seedFailedUpload(t, store, chunks, time.Minute)

	r.sweepOnce(context.Background())

	members, _ := store.SMembers(context.Background(), kv.GCIndexKey())
	if len(members) != 1 || members[0] != id {
		t.Fatalf("expected artifact retained inside grace window, got %v", members)
	}
}

func TestSweepCollectsPastGraceWindow(t *testing.T) {
	dir := t.TempDir()
	store := kv.NewMemStore()
	sessions := session.New(store, testLimits())
	chunks := chunkstore.New(dir, time.Minute)
	r := New(store, sessions, chunks, time.Hour, time.Minute)

	id := seedFailedUpload(t, store, chunks, time.Hour)

	r.sweepOnce(context.Background())

	members, _ := store.SMembers(context.Background(), kv.GCIndexKey())
	if len(members) != 0 {
		t.Fatalf("expected artifact collected past grace window, got %v", members)
	}
	if _, err := os.Stat(filepath.Join(dir, id)); !os.IsNotExist(err) {
		t.Fatalf("expected chunk directory removed")
	}
}

func TestSweepIgnoresNonCollectibleStatus(t *testing.T) {
	dir := t.TempDir()
	store := kv.NewMemStore()
	sessions := session.New(store, testLimits())
	chunks := chunkstore.New(dir, time.Minute)
	r := New(store, sessions, chunks, time.Hour, time.Minute)

	id := uuid.NewString()
	store.SAdd(context.Background(), kv.GCIndexKey(), id)
	store.HSet(context.Background(), kv.MetaKey(id), "status", string(session.StatusCompleted))

	r.sweepOnce(context.Background())

	members, _ := store.SMembers(context.Background(), kv.GCIndexKey())
	if len(members) != 1 {
		t.Fatalf("expected completed upload left alone, got %v", members)
	}
}

func TestReconcileAddsOrphansAndSkipsKnown(t *testing.T) {
	dir := t.TempDir()
	store := kv.NewMemStore()

	known := uuid.NewString()
	orphan := uuid.NewString()
	store.SAdd(context.Background(), kv.GCIndexKey(), known)

	os.MkdirAll(filepath.Join(dir, known), 0o755)
	os.MkdirAll(filepath.Join(dir, orphan), 0o755)
	os.WriteFile(filepath.Join(dir, "not-a-uuid.txt"), []byte("x"), 0o644)

	if err := Reconcile(context.Background(), store, dir); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	members, _ := store.SMembers(context.Background(), kv.GCIndexKey())
	found := map[string]bool{}
	for _, m := range members {
		found[m] = true
	}
	if !found[known] || !found[orphan] {
		t.Fatalf("expected both known and orphan present, got %v", members)
	}

	meta, err := store.HGetAll(context.Background(), kv.MetaKey(orphan))
	if err != nil {
		t.Fatalf("get orphan meta: %v", err)
	}
	if meta["status"] != "expired" || meta["recoveredAt"] == "" {
		t.Fatalf("expected orphan marked expired with recoveredAt, got %v", meta)
	}
}
