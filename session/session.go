// Package session implements the control-plane record tracking one
// in-progress ingestion, backed entirely by the KV store, per spec.md §4.2.
// It generalizes the teacher's model.File + dao.FileDAO split (a typed
// record plus a narrow accessor) onto kv.Store instead of gorm.
package session

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"floe/kv"
)

// Status is the lifecycle state of an upload session or its meta sibling.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusExpired    Status = "expired"
)

// ErrCorruptSession is returned when a session hash exists but its numeric
// fields cannot be parsed, per spec.md §4.2's "fails defensively" rule.
type ErrCorruptSession struct{ UploadID string }

func (e *ErrCorruptSession) Error() string {
	return fmt.Sprintf("session: corrupt upload session %s", e.UploadID)
}

// Session is the Session entity from spec.md §3.
type Session struct {
	UploadID    string
	Filename    string
	ContentType string
	SizeBytes   int64
	ChunkSize   int64
	TotalChunks int
	Epochs      int64
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Meta is the durable sibling record that outlives the Session.
type Meta struct {
	Status              Status
	CreatedAt           time.Time
	FinalizingAt        time.Time
	CompletedAt         time.Time
	FailedAt            time.Time
	CanceledAt          time.Time
	ExpiredAt           time.Time
	WalrusUploadedAt    time.Time
	MetadataFinalizedAt time.Time
	FileID              string
	BlobID              string
	SizeBytes           int64
	Error               string
	RecoveredAt         time.Time
}

// Limits bounds the values createSession must clamp/reject, sourced from
// conf.UploadConfig.
type Limits struct {
	MinChunkBytes     int64
	MaxChunkBytes     int64
	DefaultChunkBytes int64
	MaxFileSizeBytes  int64
	MaxTotalChunks    int
	MaxActiveUploads  int
	SessionTTL        time.Duration
	MetaExtraTTL      time.Duration
	MinEpochs         int64
	MaxEpochs         int64
	DefaultEpochs     int64
}

// Service creates, loads, and validates session records.
type Service struct {
	store  kv.Store
	limits Limits
}

// New constructs a session Service.
func New(store kv.Store, limits Limits) *Service {
	return &Service{store: store, limits: limits}
}

// CreateParams is the validated input to Create.
type CreateParams struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	ChunkSize   int64 // 0 means "use default"
	Epochs      int64 // 0 means "use default"
}

// ErrCapacityReached is returned when the GC index is already at
// MaxActiveUploads.
var ErrCapacityReached = fmt.Errorf("session: upload capacity reached")

// Create performs the single atomic multi-op spec.md §4.2 describes: set
// the session hash with sessionTTL, set the meta hash with
// sessionTTL+metaExtraTTL, and add uploadId to the GC index.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Session, error) {
	active, err := s.store.SCard(ctx, kv.GCIndexKey())
	if err != nil {
		return nil, fmt.Errorf("session: check active count: %w", err)
	}
	if active >= int64(s.limits.MaxActiveUploads) {
		return nil, ErrCapacityReached
	}

	chunkSize := p.ChunkSize
	if chunkSize == 0 {
		chunkSize = s.limits.DefaultChunkBytes
	}
	if chunkSize < s.limits.MinChunkBytes {
		chunkSize = s.limits.MinChunkBytes
	}
	if chunkSize > s.limits.MaxChunkBytes {
		chunkSize = s.limits.MaxChunkBytes
	}

	epochs := p.Epochs
	if epochs == 0 {
		epochs = s.limits.DefaultEpochs
	}
	if epochs < s.limits.MinEpochs {
		epochs = s.limits.MinEpochs
	}
	if epochs > s.limits.MaxEpochs {
		epochs = s.limits.MaxEpochs
	}

	totalChunks := int(math.Ceil(float64(p.SizeBytes) / float64(chunkSize)))
	if totalChunks < 1 {
		totalChunks = 1
	}
	if totalChunks > s.limits.MaxTotalChunks {
		return nil, fmt.Errorf("session: totalChunks %d exceeds max %d", totalChunks, s.limits.MaxTotalChunks)
	}

	now := time.Now()
	expiresAt := now.Add(s.limits.SessionTTL)
	uploadID := uuid.NewString()

	sess := &Session{
		UploadID:    uploadID,
		Filename:    p.Filename,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Epochs:      epochs,
		Status:      StatusUploading,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}

	sessionKey := kv.SessionKey(uploadID)
	metaKey := kv.MetaKey(uploadID)
	metaTTL := s.limits.SessionTTL + s.limits.MetaExtraTTL

	ops := []kv.Op{
		{Kind: kv.OpHSet, Key: sessionKey, Field: "filename", Value: sess.Filename},
		{Kind: kv.OpHSet, Key: sessionKey, Field: "contentType", Value: sess.ContentType},
		{Kind: kv.OpHSet, Key: sessionKey, Field: "sizeBytes", Value: strconv.FormatInt(sess.SizeBytes, 10)},
		{Kind: kv.OpHSet, Key: sessionKey, Field: "chunkSize", Value: strconv.FormatInt(sess.ChunkSize, 10)},
		{Kind: kv.OpHSet, Key: sessionKey, Field: "totalChunks", Value: strconv.Itoa(sess.TotalChunks)},
		{Kind: kv.OpHSet, Key: sessionKey, Field: "epochs", Value: strconv.FormatInt(sess.Epochs, 10)},
		{Kind: kv.OpHSet, Key: sessionKey, Field: "status", Value: string(sess.Status)},
		{Kind: kv.OpHSet, Key: sessionKey, Field: "createdAt", Value: strconv.FormatInt(sess.CreatedAt.Unix(), 10)},
		{Kind: kv.OpHSet, Key: sessionKey, Field: "expiresAt", Value: strconv.FormatInt(sess.ExpiresAt.Unix(), 10), TTL: s.limits.SessionTTL},
		{Kind: kv.OpHSet, Key: metaKey, Field: "status", Value: string(StatusUploading)},
		{Kind: kv.OpHSet, Key: metaKey, Field: "createdAt", Value: strconv.FormatInt(sess.CreatedAt.Unix(), 10), TTL: metaTTL},
		{Kind: kv.OpSAdd, Key: kv.GCIndexKey(), Members: []string{uploadID}},
	}
	if err := s.store.MultiOp(ctx, ops...); err != nil {
		return nil, fmt.Errorf("session: create multi-op: %w", err)
	}

	return sess, nil
}

// Get reads the session hash, defensively parses all numeric fields, and
// fails with ErrCorruptSession if any integer is missing/non-finite. It
// never resurrects completed/canceled sessions — callers must consult
// GetMeta for terminal state once the session key is gone.
func (s *Service) Get(ctx context.Context, uploadID string) (*Session, error) {
	fields, err := s.store.HGetAll(ctx, kv.SessionKey(uploadID))
	if err == kv.ErrNilValue {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", uploadID, err)
	}

	sizeBytes, err1 := strconv.ParseInt(fields["sizeBytes"], 10, 64)
	chunkSize, err2 := strconv.ParseInt(fields["chunkSize"], 10, 64)
	totalChunks, err3 := strconv.Atoi(fields["totalChunks"])
	epochs, err4 := strconv.ParseInt(fields["epochs"], 10, 64)
	createdAtUnix, err5 := strconv.ParseInt(fields["createdAt"], 10, 64)
	expiresAtUnix, err6 := strconv.ParseInt(fields["expiresAt"], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil {
		return nil, &ErrCorruptSession{UploadID: uploadID}
	}

	return &Session{
		UploadID:    uploadID,
		Filename:    fields["filename"],
		ContentType: fields["contentType"],
		SizeBytes:   sizeBytes,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Epochs:      epochs,
		Status:      Status(fields["status"]),
		CreatedAt:   time.Unix(createdAtUnix, 0),
		ExpiresAt:   time.Unix(expiresAtUnix, 0),
	}, nil
}

// GetMeta reads the durable meta record.
func (s *Service) GetMeta(ctx context.Context, uploadID string) (*Meta, error) {
	fields, err := s.store.HGetAll(ctx, kv.MetaKey(uploadID))
	if err == kv.ErrNilValue {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get meta %s: %w", uploadID, err)
	}
	m := &Meta{
		Status:  Status(fields["status"]),
		FileID:  fields["fileId"],
		BlobID:  fields["blobId"],
		Error:   fields["error"],
	}
	if v, ok := fields["sizeBytes"]; ok {
		m.SizeBytes, _ = strconv.ParseInt(v, 10, 64)
	}
	m.CreatedAt = parseUnix(fields["createdAt"])
	m.FinalizingAt = parseUnix(fields["finalizingAt"])
	m.CompletedAt = parseUnix(fields["completedAt"])
	m.FailedAt = parseUnix(fields["failedAt"])
	m.CanceledAt = parseUnix(fields["canceledAt"])
	m.ExpiredAt = parseUnix(fields["expiredAt"])
	m.WalrusUploadedAt = parseUnix(fields["walrusUploadedAt"])
	m.MetadataFinalizedAt = parseUnix(fields["metadataFinalizedAt"])
	m.RecoveredAt = parseUnix(fields["recoveredAt"])
	return m, nil
}

func parseUnix(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

// ReceivedChunks returns the set of received chunk indices, ascending.
func (s *Service) ReceivedChunks(ctx context.Context, uploadID string) ([]int, error) {
	members, err := s.store.SMembers(ctx, kv.ChunksKey(uploadID))
	if err != nil {
		return nil, fmt.Errorf("session: received chunks %s: %w", uploadID, err)
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		idx, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// MarkChunkReceived adds index to the session's received-chunks set.
func (s *Service) MarkChunkReceived(ctx context.Context, uploadID string, index int) error {
	if err := s.store.SAdd(ctx, kv.ChunksKey(uploadID), strconv.Itoa(index)); err != nil {
		return fmt.Errorf("session: mark chunk %d received: %w", index, err)
	}
	return nil
}

// ReceivedCount returns the cardinality of the received-chunks set.
func (s *Service) ReceivedCount(ctx context.Context, uploadID string) (int64, error) {
	n, err := s.store.SCard(ctx, kv.ChunksKey(uploadID))
	if err != nil {
		return 0, fmt.Errorf("session: received count %s: %w", uploadID, err)
	}
	return n, nil
}

// ErrAlreadyCompleted is returned by Cancel when the upload's meta record
// already shows a terminal completed status.
var ErrAlreadyCompleted = fmt.Errorf("session: upload already completed")

// Cancel implements the DELETE /v1/uploads/:uploadId contract: idempotent,
// refuses if the finalize lock is held or the upload already completed,
// otherwise marks meta canceled and tears down the session/chunks/GC-index
// state.
func (s *Service) Cancel(ctx context.Context, uploadID string) error {
	meta, err := s.GetMeta(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("session: cancel check meta %s: %w", uploadID, err)
	}
	if meta != nil && meta.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}

	_, err = s.store.Get(ctx, kv.LockKey(uploadID))
	if err == nil {
		return fmt.Errorf("session: cancel refused, finalize lock held")
	}
	if err != kv.ErrNilValue {
		return fmt.Errorf("session: cancel check lock %s: %w", uploadID, err)
	}

	ops := []kv.Op{
		{Kind: kv.OpHSet, Key: kv.MetaKey(uploadID), Field: "status", Value: string(StatusCanceled)},
		{Kind: kv.OpHSet, Key: kv.MetaKey(uploadID), Field: "canceledAt", Value: strconv.FormatInt(time.Now().Unix(), 10)},
		{Kind: kv.OpDel, Key: kv.SessionKey(uploadID)},
		{Kind: kv.OpDel, Key: kv.ChunksKey(uploadID)},
		{Kind: kv.OpSRem, Key: kv.GCIndexKey(), Members: []string{uploadID}},
	}
	if err := s.store.MultiOp(ctx, ops...); err != nil {
		return fmt.Errorf("session: cancel multi-op %s: %w", uploadID, err)
	}
	return nil
}
