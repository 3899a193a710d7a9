package chunkupload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"floe/chunkstore"
	"floe/ferr"
	"floe/kv"
	"floe/session"
)

func newTestService(t *testing.T) (*Service, *session.Service, string) {
	t.Helper()
	store := kv.NewMemStore()
	sessions := session.New(store, session.Limits{
		MinChunkBytes:     256 * 1024,
		MaxChunkBytes:     20 * 1024 * 1024,
		DefaultChunkBytes: 2 * 1024 * 1024,
		MaxFileSizeBytes:  15 * 1024 * 1024 * 1024,
		MaxTotalChunks:    200000,
		MaxActiveUploads:  100,
		SessionTTL:        6 * time.Hour,
		MetaExtraTTL:      30 * time.Minute,
		MinEpochs:         1,
		MaxEpochs:         90,
		DefaultEpochs:     1,
	})
	chunks := chunkstore.New(t.TempDir(), 10*time.Minute)
	sess, err := sessions.Create(context.Background(), session.CreateParams{
		Filename:  "f.bin",
		SizeBytes: 5 * 1024 * 1024,
		ChunkSize: 2 * 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return New(sessions, chunks), sessions, sess.UploadID
}

func hexHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestUploadChunkSuccessRecordsReceipt(t *testing.T) {
	svc, sessions, uploadID := newTestService(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 2*1024*1024)

	res, err := svc.Upload(ctx, uploadID, 0, hexHash(data), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.ChunkIndex != 0 {
		t.Fatalf("expected index 0, got %d", res.ChunkIndex)
	}
	received, _ := sessions.ReceivedChunks(ctx, uploadID)
	if len(received) != 1 || received[0] != 0 {
		t.Fatalf("expected [0] received, got %v", received)
	}
}

func TestUploadChunkHashMismatchIsNonRetryable(t *testing.T) {
	svc, _, uploadID := newTestService(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 2*1024*1024)

	_, err := svc.Upload(ctx, uploadID, 0, hexHash([]byte("garbage")), bytes.NewReader(data))
	fe, ok := err.(*ferr.Error)
	if !ok || fe.Code != "INVALID_CHUNK" || fe.Retryable {
		t.Fatalf("expected non-retryable INVALID_CHUNK, got %v", err)
	}
}

func TestUploadChunkUnknownSessionNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	data := []byte("x")

	_, err := svc.Upload(ctx, "00000000-0000-4000-8000-000000000000", 0, hexHash(data), bytes.NewReader(data))
	if err != ferr.ErrUploadNotFound {
		t.Fatalf("expected ErrUploadNotFound, got %v", err)
	}
}

func TestUploadLastChunkUsesRemainderSize(t *testing.T) {
	svc, _, uploadID := newTestService(t)
	ctx := context.Background()
	last := bytes.Repeat([]byte("y"), 1024*1024) // 5MiB - 2*2MiB = 1MiB

	res, err := svc.Upload(ctx, uploadID, 2, hexHash(last), bytes.NewReader(last))
	if err != nil {
		t.Fatalf("upload last chunk: %v", err)
	}
	if res.ChunkIndex != 2 {
		t.Fatalf("expected index 2, got %d", res.ChunkIndex)
	}
}
