package httpapi

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"floe/chunkupload"
	"floe/ferr"
	"floe/finalize"
	"floe/session"
)

// UploadHandlers binds the five session-lifecycle endpoints of spec.md §6.
// It generalizes the teacher's controller/handler/upload.go pattern
// (validate form/body fields, delegate to a service, respond.Success or
// respond.ServerError) onto floe's typed ferr.Error taxonomy.
type UploadHandlers struct {
	sessions *session.Service
	chunks   *chunkupload.Service
	engine   *finalize.Engine
}

// NewUploadHandlers constructs the upload handler group.
func NewUploadHandlers(sessions *session.Service, chunks *chunkupload.Service, engine *finalize.Engine) *UploadHandlers {
	return &UploadHandlers{sessions: sessions, chunks: chunks, engine: engine}
}

type createUploadRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes" binding:"required"`
	ChunkSize   int64  `json:"chunkSize"`
	Epochs      int64  `json:"epochs"`
}

const maxFilenameLen = 512
const maxContentTypeLen = 128

// Create implements POST /v1/uploads/create.
func (h *UploadHandlers) Create(c *gin.Context) {
	var req createUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, ferr.ErrInvalidRequestBody)
		return
	}
	if len(req.Filename) == 0 || len(req.Filename) > maxFilenameLen {
		respondErr(c, ferr.ErrInvalidFilename)
		return
	}
	if len(req.ContentType) > maxContentTypeLen {
		respondErr(c, ferr.ErrInvalidContentType)
		return
	}
	if req.SizeBytes <= 0 {
		respondErr(c, ferr.ErrInvalidFileSize)
		return
	}
	if req.ChunkSize < 0 {
		respondErr(c, ferr.ErrInvalidChunkSize)
		return
	}
	if req.Epochs < 0 {
		respondErr(c, ferr.ErrInvalidEpochs)
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), session.CreateParams{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		ChunkSize:   req.ChunkSize,
		Epochs:      req.Epochs,
	})
	if err != nil {
		if err == session.ErrCapacityReached {
			respondErr(c, ferr.ErrUploadCapacityReached)
			return
		}
		loggerFrom(c).Error().Err(err).Msg("create upload session failed")
		respondErr(c, ferr.ErrSessionCreateFailed)
		return
	}

	respondOK(c, 201, gin.H{
		"uploadId":    sess.UploadID,
		"chunkSize":   sess.ChunkSize,
		"totalChunks": sess.TotalChunks,
		"epochs":      sess.Epochs,
		"expiresAt":   sess.ExpiresAt.Unix(),
	})
}

// requireUploadID validates the path param is a UUID v4, a check the
// teacher's handlers never needed since it addresses rows by opaque string
// primary key instead of a client-supplied identifier used for filesystem
// paths.
func requireUploadID(c *gin.Context) (string, bool) {
	uploadID := c.Param("uploadId")
	if u, err := uuid.Parse(uploadID); err != nil || u.Version() != 4 {
		respondErr(c, ferr.ErrInvalidUploadID)
		return "", false
	}
	return uploadID, true
}

// Chunk implements PUT /v1/uploads/:uploadId/chunk/:index.
func (h *UploadHandlers) Chunk(c *gin.Context) {
	uploadID, ok := requireUploadID(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		respondErr(c, ferr.ErrInvalidChunk)
		return
	}
	expectedHash := c.GetHeader("x-chunk-sha256")
	if expectedHash == "" {
		respondErr(c, ferr.ErrInvalidChunk)
		return
	}

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		respondErr(c, ferr.ErrInvalidChunk)
		return
	}
	defer file.Close()

	result, err := h.chunks.Upload(c.Request.Context(), uploadID, index, expectedHash, file)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, 200, gin.H{"ok": true, "chunkIndex": result.ChunkIndex})
}

// Status implements GET /v1/uploads/:uploadId/status.
func (h *UploadHandlers) Status(c *gin.Context) {
	uploadID, ok := requireUploadID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	sess, err := h.sessions.Get(ctx, uploadID)
	if err != nil {
		if _, ok := err.(*session.ErrCorruptSession); ok {
			respondErr(c, ferr.ErrCorruptUploadSession)
			return
		}
		loggerFrom(c).Error().Err(err).Msg("load session failed")
		respondErr(c, ferr.ErrInternal)
		return
	}

	if sess != nil {
		received, err := h.sessions.ReceivedChunks(ctx, uploadID)
		if err != nil {
			respondErr(c, ferr.ErrInternal)
			return
		}
		respondOK(c, 200, gin.H{
			"uploadId":       uploadID,
			"chunkSize":      sess.ChunkSize,
			"totalChunks":    sess.TotalChunks,
			"receivedChunks": received,
			"expiresAt":      sess.ExpiresAt.Unix(),
			"status":         sess.Status,
		})
		return
	}

	meta, err := h.sessions.GetMeta(ctx, uploadID)
	if err != nil {
		respondErr(c, ferr.ErrInternal)
		return
	}
	if meta == nil {
		respondErr(c, ferr.ErrUploadNotFound)
		return
	}
	body := gin.H{"uploadId": uploadID, "status": meta.Status}
	if meta.FileID != "" {
		body["fileId"] = meta.FileID
	}
	if meta.BlobID != "" && (exposeBlobID(c)) {
		body["blobId"] = meta.BlobID
	}
	if meta.Error != "" {
		body["error"] = meta.Error
	}
	respondOK(c, 200, body)
}

// Complete implements POST /v1/uploads/:uploadId/complete.
func (h *UploadHandlers) Complete(c *gin.Context) {
	uploadID, ok := requireUploadID(c)
	if !ok {
		return
	}
	result, err := h.engine.Complete(c.Request.Context(), uploadID)
	if err != nil {
		respondErr(c, err)
		return
	}
	body := gin.H{
		"fileId":    result.FileID,
		"sizeBytes": result.SizeBytes,
		"status":    "ready",
	}
	if exposeBlobID(c) {
		body["blobId"] = result.BlobID
	}
	respondOK(c, 200, body)
}

// Cancel implements DELETE /v1/uploads/:uploadId.
func (h *UploadHandlers) Cancel(c *gin.Context) {
	uploadID, ok := requireUploadID(c)
	if !ok {
		return
	}
	if err := h.sessions.Cancel(c.Request.Context(), uploadID); err != nil {
		if err == session.ErrAlreadyCompleted {
			respondErr(c, ferr.ErrUploadAlreadyCompleted)
			return
		}
		respondErr(c, ferr.ErrFinalizationInProgress)
		return
	}
	respondOK(c, 200, gin.H{"ok": true, "uploadId": uploadID, "status": "canceled"})
}
