package reaper

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"floe/kv"
)

// Reconcile runs once at startup: it scans root for entries whose names
// parse as UUID v4 (directories) or "<uuid>.bin" (files), skips those
// already present in the GC index, and adds every newcomer with
// meta={status: expired, recoveredAt: now}, per spec.md §4.8.
func Reconcile(ctx context.Context, store kv.Store, root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reaper: reconcile readdir %s: %w", root, err)
	}

	known, err := store.SMembers(ctx, kv.GCIndexKey())
	if err != nil {
		return fmt.Errorf("reaper: reconcile read gc index: %w", err)
	}
	knownSet := make(map[string]bool, len(known))
	for _, id := range known {
		knownSet[id] = true
	}

	now := fmt.Sprintf("%d", time.Now().Unix())
	for _, e := range entries {
		name := e.Name()
		id := ""
		if e.IsDir() {
			id = name
		} else if strings.HasSuffix(name, ".bin") {
			id = strings.TrimSuffix(name, ".bin")
		} else {
			continue
		}
		if u, err := uuid.Parse(id); err != nil || u.Version() != 4 {
			continue
		}
		if knownSet[id] {
			continue
		}

		ops := []kv.Op{
			{Kind: kv.OpSAdd, Key: kv.GCIndexKey(), Members: []string{id}},
			{Kind: kv.OpHSet, Key: kv.MetaKey(id), Field: "status", Value: "expired"},
			{Kind: kv.OpHSet, Key: kv.MetaKey(id), Field: "recoveredAt", Value: now},
		}
		if err := store.MultiOp(ctx, ops...); err != nil {
			return fmt.Errorf("reaper: reconcile add %s: %w", id, err)
		}
		knownSet[id] = true
	}
	return nil
}
