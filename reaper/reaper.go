// Package reaper implements the periodic GC sweep and the startup-only
// orphan reconciler described in spec.md §4.8. It generalizes the teacher's
// service/upload_service/cleanup_processor.go ticker loop (overlap
// prevention via an in-flight flag, immediate run-once-at-start) from a
// single-table SQL cleanup query onto the KV GC index plus the on-disk
// chunk store.
package reaper

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"floe/chunkstore"
	"floe/kv"
	"floe/session"
)

var collectibleStatuses = map[session.Status]bool{
	session.StatusFailed:   true,
	session.StatusExpired:  true,
	session.StatusCanceled: true,
}

// Reaper periodically scans the GC index and deletes eligible artifacts.
type Reaper struct {
	store    kv.Store
	sessions *session.Service
	chunks   *chunkstore.Store
	interval time.Duration
	grace    time.Duration
	running  int32
}

// New constructs a Reaper.
func New(store kv.Store, sessions *session.Service, chunks *chunkstore.Store, interval, grace time.Duration) *Reaper {
	return &Reaper{store: store, sessions: sessions, chunks: chunks, interval: interval, grace: grace}
}

// Run blocks, sweeping every interval, until ctx is canceled. It runs one
// sweep immediately before entering the ticker loop.
func (r *Reaper) Run(ctx context.Context) {
	r.sweepOnce(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs a single GC pass, skipping entirely if a prior pass is
// still in flight (overlap prevention).
func (r *Reaper) sweepOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.running, 0)

	ids, err := r.store.SMembers(ctx, kv.GCIndexKey())
	if err != nil {
		return
	}
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.sweepOne(ctx, id)
		// Yield to the scheduler between IDs to avoid starving other work
		// under a large backlog.
		runtime.Gosched()
	}
}

// sweepOne applies the eligibility rules to a single upload ID.
func (r *Reaper) sweepOne(ctx context.Context, uploadID string) {
	if held, err := r.lockHeld(ctx, uploadID); err != nil || held {
		return
	}

	meta, err := r.sessions.GetMeta(ctx, uploadID)
	if err != nil || meta == nil {
		// No meta at all: the GC index entry is stale. Remove it.
		r.store.SRem(ctx, kv.GCIndexKey(), uploadID)
		return
	}

	if meta.Status == session.StatusUploading || meta.Status == session.StatusFinalizing {
		sess, sErr := r.sessions.Get(ctx, uploadID)
		if sErr == nil && sess == nil {
			// Session key expired (TTL elapsed) but meta still shows an
			// active status: transition to expired.
			r.store.HSet(ctx, kv.MetaKey(uploadID), "status", string(session.StatusExpired))
			r.store.HSet(ctx, kv.MetaKey(uploadID), "expiredAt", fmt.Sprintf("%d", time.Now().Unix()))
			meta.Status = session.StatusExpired
		}
	}

	if !collectibleStatuses[meta.Status] {
		return
	}

	mtime, ok := r.artifactMTime(uploadID)
	if !ok {
		// No artifacts on disk at all: purge KV state immediately.
		r.purge(ctx, uploadID)
		return
	}
	if time.Since(mtime) < r.grace {
		return
	}

	r.chunks.Cleanup(uploadID)
	r.chunks.CleanupAssembled(uploadID)
	r.purge(ctx, uploadID)
}

func (r *Reaper) lockHeld(ctx context.Context, uploadID string) (bool, error) {
	_, err := r.store.Get(ctx, kv.LockKey(uploadID))
	if err == kv.ErrNilValue {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// artifactMTime prefers the assembled file's mtime over the chunk
// directory's, per spec.md §4.8.
func (r *Reaper) artifactMTime(uploadID string) (time.Time, bool) {
	if t, ok := r.chunks.AssembledMTime(uploadID); ok {
		return t, true
	}
	return r.chunks.DirMTime(uploadID)
}

// purge atomically removes all KV traces of uploadID.
func (r *Reaper) purge(ctx context.Context, uploadID string) {
	r.store.MultiOp(ctx,
		kv.Op{Kind: kv.OpDel, Key: kv.SessionKey(uploadID)},
		kv.Op{Kind: kv.OpDel, Key: kv.ChunksKey(uploadID)},
		kv.Op{Kind: kv.OpDel, Key: kv.MetaKey(uploadID)},
		kv.Op{Kind: kv.OpSRem, Key: kv.GCIndexKey(), Members: []string{uploadID}},
	)
}
