// Package chunkupload implements streamed chunk ingestion, hash
// verification, and receipt bookkeeping, per spec.md §4.3. It generalizes
// the teacher's controller/handler/upload.go PreUpload flow (multipart
// field read + validation + delegation to a storage layer) from a
// whole-file upload into a single-chunk-at-a-time protocol.
package chunkupload

import (
	"context"
	"fmt"
	"io"
	"regexp"

	"floe/chunkstore"
	"floe/ferr"
	"floe/session"
)

var hexSHA256 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Service ingests one chunk at a time against a session and the disk
// chunk store.
type Service struct {
	sessions *session.Service
	chunks   *chunkstore.Store
}

// New constructs a chunkupload Service.
func New(sessions *session.Service, chunks *chunkstore.Store) *Service {
	return &Service{sessions: sessions, chunks: chunks}
}

// Result is returned on a successful chunk ingestion.
type Result struct {
	ChunkIndex int
}

// Upload validates and persists one chunk. expectedHash must already be
// lowercase hex; callers should reject malformed headers before calling.
func (s *Service) Upload(ctx context.Context, uploadID string, index int, expectedHash string, body io.Reader) (*Result, error) {
	if !hexSHA256.MatchString(expectedHash) {
		return nil, ferr.ErrInvalidChunk
	}

	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		if _, ok := err.(*session.ErrCorruptSession); ok {
			return nil, ferr.ErrCorruptUploadSession
		}
		return nil, fmt.Errorf("chunkupload: load session: %w", err)
	}
	if sess == nil {
		meta, err := s.sessions.GetMeta(ctx, uploadID)
		if err != nil {
			return nil, fmt.Errorf("chunkupload: load meta: %w", err)
		}
		if meta != nil && meta.Status == session.StatusCompleted {
			return nil, ferr.ErrUploadAlreadyCompleted
		}
		return nil, ferr.ErrUploadNotFound
	}
	if sess.Status != session.StatusUploading {
		return nil, ferr.ErrUploadAlreadyCompleted
	}
	if index < 0 || index >= sess.TotalChunks {
		return nil, ferr.ErrInvalidChunk
	}

	isLast := index == sess.TotalChunks-1
	expectedSize := sess.ChunkSize
	if isLast {
		expectedSize = sess.SizeBytes - sess.ChunkSize*int64(sess.TotalChunks-1)
	}

	err = s.chunks.WriteChunk(uploadID, index, body, expectedHash, expectedSize, isLast)
	if err != nil {
		return nil, classifyChunkError(err)
	}

	if err := s.sessions.MarkChunkReceived(ctx, uploadID, index); err != nil {
		return nil, fmt.Errorf("chunkupload: mark received: %w", err)
	}

	return &Result{ChunkIndex: index}, nil
}

// classifyChunkError maps chunkstore's sentinel errors onto the canonical
// error taxonomy per spec.md §4.3's status table.
func classifyChunkError(err error) error {
	switch err {
	case chunkstore.ErrHashMismatch, chunkstore.ErrChunkTooLarge,
		chunkstore.ErrChunkSizeMismatch, chunkstore.ErrInvalidLastChunkSize:
		return ferr.ErrInvalidChunk
	case chunkstore.ErrChunkInProgress:
		return ferr.ErrChunkInProgress
	default:
		return ferr.ErrChunkUploadFailed
	}
}
