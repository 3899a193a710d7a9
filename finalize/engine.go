// Package finalize implements the assemble → publish → mint → commit
// protocol of spec.md §4.4: a distributed lock, checkpointed idempotent
// commit, and a lease refresher that detects lock loss without ever
// marking the session failed. It generalizes the DB-transaction-guarded
// commit blocks in the teacher's service/upload_service/upload_service.go
// (CommitUpload, ChunkedUpload's broadcast phase) onto KV checkpoints
// instead of a SQL transaction, adding the real mutual-exclusion lease the
// teacher's own commit path never needed.
package finalize

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"floe/chunkstore"
	"floe/ferr"
	"floe/kv"
	"floe/publish"
	"floe/registry"
	"floe/session"
)

// ErrLockLost is the explicit error variant checked at boundaries that must
// not convert it into a failed status: another actor has taken over the
// finalization.
var ErrLockLost = fmt.Errorf("finalize: lock lost")

// Config governs lock lifetime and lease refresh cadence.
type Config struct {
	LockTTL         time.Duration
	RefreshInterval time.Duration
	FieldsCacheTTL  time.Duration
}

// Engine runs the finalization protocol for one session at a time.
type Engine struct {
	store    kv.Store
	sessions *session.Service
	chunks   *chunkstore.Store
	coord    *publish.Coordinator
	reg      *registry.Client
	cfg      Config
}

// New constructs a finalize Engine.
func New(store kv.Store, sessions *session.Service, chunks *chunkstore.Store, coord *publish.Coordinator, reg *registry.Client, cfg Config) *Engine {
	return &Engine{store: store, sessions: sessions, chunks: chunks, coord: coord, reg: reg, cfg: cfg}
}

// Result is the commit triple returned by a successful Complete.
type Result struct {
	FileID    string
	BlobID    string
	SizeBytes int64
}

// Complete runs the 11-step protocol described in spec.md §4.4.
func (e *Engine) Complete(ctx context.Context, uploadID string) (*Result, error) {
	// Step 1: fast-path idempotency.
	meta, err := e.sessions.GetMeta(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("finalize: read meta: %w", err)
	}
	if meta != nil && meta.Status == session.StatusCompleted {
		if meta.FileID == "" || meta.BlobID == "" {
			return nil, ferr.ErrCorruptCompletedUpload
		}
		return &Result{FileID: meta.FileID, BlobID: meta.BlobID, SizeBytes: meta.SizeBytes}, nil
	}

	// Step 2: acquire lock.
	token := uuid.NewString()
	lockKey := kv.LockKey(uploadID)
	ok, err := e.store.SetNX(ctx, lockKey, token, e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("finalize: acquire lock: %w", err)
	}
	if !ok {
		return nil, ferr.ErrFinalizationInProgress
	}

	var lockLost int32
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go e.refreshLease(refreshCtx, lockKey, token, &lockLost)

	defer func() {
		if atomic.LoadInt32(&lockLost) == 0 {
			e.store.CompareAndDelete(context.Background(), lockKey, token)
		}
	}()

	result, err := e.runLocked(ctx, uploadID, &lockLost)
	if err != nil {
		if err != ErrLockLost {
			e.markFailed(context.Background(), uploadID, err)
		}
		return nil, err
	}
	return result, nil
}

// runLocked executes steps 4-10 while the caller holds the finalize lock;
// step 11 (lock release) is Complete's deferred CompareAndDelete.
func (e *Engine) runLocked(ctx context.Context, uploadID string, lockLost *int32) (*Result, error) {
	// Step 4: re-check inside lock.
	meta, err := e.sessions.GetMeta(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("finalize: re-read meta: %w", err)
	}
	if meta != nil && meta.Status == session.StatusCompleted {
		return &Result{FileID: meta.FileID, BlobID: meta.BlobID, SizeBytes: meta.SizeBytes}, nil
	}

	metaKey := kv.MetaKey(uploadID)
	if err := e.store.HSet(ctx, metaKey, "status", string(session.StatusFinalizing)); err != nil {
		return nil, fmt.Errorf("finalize: set finalizing: %w", err)
	}
	if err := e.store.HSet(ctx, metaKey, "finalizingAt", strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		return nil, fmt.Errorf("finalize: set finalizingAt: %w", err)
	}

	sess, err := e.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("finalize: load session: %w", err)
	}
	if sess == nil {
		return nil, ferr.ErrUploadNotFound
	}

	// Step 5: integrity gate.
	receivedCount, err := e.sessions.ReceivedCount(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if receivedCount != int64(sess.TotalChunks) {
		return nil, ferr.ErrUploadIncomplete
	}
	onDisk, err := e.chunks.ListChunks(uploadID)
	if err != nil {
		return nil, fmt.Errorf("finalize: list chunks: %w", err)
	}
	if !coversRange(onDisk, sess.TotalChunks) {
		return nil, fmt.Errorf("finalize: missing chunks on disk for %s", uploadID)
	}

	if checkLost(lockLost) {
		return nil, ErrLockLost
	}

	// Step 6: assemble (skip if blobId already checkpointed).
	if meta == nil || meta.BlobID == "" {
		if err := e.assemble(uploadID, sess.TotalChunks); err != nil {
			return nil, fmt.Errorf("finalize: assemble: %w", err)
		}
	}

	if checkLost(lockLost) {
		return nil, ErrLockLost
	}

	// Step 7: publish (skip if blobId already checkpointed).
	meta, err = e.sessions.GetMeta(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("finalize: re-read meta before publish: %w", err)
	}
	blobID := ""
	if meta != nil {
		blobID = meta.BlobID
	}
	if blobID == "" {
		blobID, err = e.publishStep(ctx, uploadID, sess)
		if err != nil {
			return nil, fmt.Errorf("finalize: publish: %w", err)
		}
	}

	if checkLost(lockLost) {
		return nil, ErrLockLost
	}

	// Step 8: mint (skip if fileId already checkpointed).
	meta, err = e.sessions.GetMeta(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("finalize: re-read meta before mint: %w", err)
	}
	fileID := ""
	if meta != nil {
		fileID = meta.FileID
	}
	if fileID == "" {
		fileID, err = e.mintStep(ctx, uploadID, sess, blobID)
		if err != nil {
			return nil, fmt.Errorf("finalize: mint: %w", err)
		}
	}

	// Step 9: cleanup (best-effort).
	e.chunks.Cleanup(uploadID)
	e.chunks.CleanupAssembled(uploadID)

	// Step 10: commit.
	now := strconv.FormatInt(time.Now().Unix(), 10)
	ops := []kv.Op{
		{Kind: kv.OpHSet, Key: metaKey, Field: "status", Value: string(session.StatusCompleted)},
		{Kind: kv.OpHSet, Key: metaKey, Field: "fileId", Value: fileID},
		{Kind: kv.OpHSet, Key: metaKey, Field: "blobId", Value: blobID},
		{Kind: kv.OpHSet, Key: metaKey, Field: "sizeBytes", Value: strconv.FormatInt(sess.SizeBytes, 10)},
		{Kind: kv.OpHSet, Key: metaKey, Field: "completedAt", Value: now},
		{Kind: kv.OpDel, Key: kv.SessionKey(uploadID)},
		{Kind: kv.OpDel, Key: kv.ChunksKey(uploadID)},
		{Kind: kv.OpSRem, Key: kv.GCIndexKey(), Members: []string{uploadID}},
	}
	if err := e.store.MultiOp(ctx, ops...); err != nil {
		return nil, fmt.Errorf("finalize: commit: %w", err)
	}

	return &Result{FileID: fileID, BlobID: blobID, SizeBytes: sess.SizeBytes}, nil
}

func (e *Engine) assemble(uploadID string, totalChunks int) error {
	f, err := createExclusive(e.chunks.AssembledPath(uploadID))
	if err != nil {
		return err
	}
	defer f.Close()

	for i := 0; i < totalChunks; i++ {
		chunk, err := e.chunks.OpenChunk(uploadID, i)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(f, chunk)
		chunk.Close()
		if copyErr != nil {
			return fmt.Errorf("finalize: copy chunk %d: %w", i, copyErr)
		}
	}
	return nil
}

func (e *Engine) publishStep(ctx context.Context, uploadID string, sess *session.Session) (string, error) {
	assembledPath := e.chunks.AssembledPath(uploadID)
	job := publish.Job{
		UploadID:  uploadID,
		Epochs:    sess.Epochs,
		SizeBytes: sess.SizeBytes,
		Open: func() (io.ReadCloser, error) {
			return openFile(assembledPath)
		},
	}
	result, err := e.coord.Submit(ctx, job)
	if err != nil {
		return "", err
	}

	metaKey := kv.MetaKey(uploadID)
	if err := e.store.HSet(ctx, metaKey, "blobId", result.BlobID); err != nil {
		return "", fmt.Errorf("checkpoint blobId: %w", err)
	}
	if err := e.store.HSet(ctx, metaKey, "walrusUploadedAt", strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		return "", fmt.Errorf("checkpoint walrusUploadedAt: %w", err)
	}
	return result.BlobID, nil
}

func (e *Engine) mintStep(ctx context.Context, uploadID string, sess *session.Session, blobID string) (string, error) {
	mintResult, err := e.reg.Mint(ctx, registry.MintParams{
		BlobID:    blobID,
		SizeBytes: sess.SizeBytes,
		Mime:      sess.ContentType,
	})
	if err != nil {
		return "", err
	}

	metaKey := kv.MetaKey(uploadID)
	if err := e.store.HSet(ctx, metaKey, "fileId", mintResult.FileID); err != nil {
		return "", fmt.Errorf("checkpoint fileId: %w", err)
	}
	if err := e.store.HSet(ctx, metaKey, "metadataFinalizedAt", strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		return "", fmt.Errorf("checkpoint metadataFinalizedAt: %w", err)
	}

	fields := &registry.AssetFields{
		BlobID:    blobID,
		SizeBytes: sess.SizeBytes,
		Mime:      sess.ContentType,
		CreatedAt: time.Now(),
	}
	if cached, marshalErr := fields.MarshalCache(); marshalErr == nil {
		e.store.Set(ctx, kv.FileFieldsKey(mintResult.FileID), string(cached), e.cfg.FieldsCacheTTL)
	}

	return mintResult.FileID, nil
}

// refreshLease re-reads the lock key every RefreshInterval; if its value no
// longer equals the owned token, it sets lockLost and stops.
func (e *Engine) refreshLease(ctx context.Context, lockKey, token string, lockLost *int32) {
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			val, err := e.store.Get(ctx, lockKey)
			if err != nil || val != token {
				atomic.StoreInt32(lockLost, 1)
				return
			}
			e.store.Expire(ctx, lockKey, e.cfg.LockTTL)
		}
	}
}

func checkLost(lockLost *int32) bool {
	return atomic.LoadInt32(lockLost) != 0
}

func (e *Engine) markFailed(ctx context.Context, uploadID string, cause error) {
	metaKey := kv.MetaKey(uploadID)
	e.store.HSet(ctx, metaKey, "status", string(session.StatusFailed))
	e.store.HSet(ctx, metaKey, "failedAt", strconv.FormatInt(time.Now().Unix(), 10))
	e.store.HSet(ctx, metaKey, "error", cause.Error())
}

func coversRange(indices []int, totalChunks int) bool {
	if len(indices) != totalChunks {
		return false
	}
	for i, idx := range indices {
		if idx != i {
			return false
		}
	}
	return true
}
