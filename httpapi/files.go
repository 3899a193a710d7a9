package httpapi

import (
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"floe/conf"
	"floe/readproxy"
)

// FileHandlers binds the read-path endpoints: metadata, manifest, and the
// range-compliant stream. It generalizes the teacher's
// controller/handler/indexer_query.go GetFileContent pattern (resolve an
// identifier, stream bytes, propagate not-found as a typed error) onto the
// registry+aggregator read proxy.
type FileHandlers struct {
	proxy *readproxy.Proxy
}

// NewFileHandlers constructs the file handler group.
func NewFileHandlers(proxy *readproxy.Proxy) *FileHandlers {
	return &FileHandlers{proxy: proxy}
}

// exposeBlobID implements the withholding rule from spec.md §6:
// FLOE_EXPOSE_BLOB_ID=1 or ?includeBlobId=1|true.
func exposeBlobID(c *gin.Context) bool {
	if conf.Cfg != nil && conf.Cfg.ExposeBlobID {
		return true
	}
	switch c.Query("includeBlobId") {
	case "1", "true":
		return true
	default:
		return false
	}
}

// Metadata implements GET /v1/files/:fileId/metadata.
func (h *FileHandlers) Metadata(c *gin.Context) {
	fileID := c.Param("fileId")
	m, err := h.proxy.Metadata(c.Request.Context(), fileID, exposeBlobID(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, 200, m)
}

// Manifest implements GET /v1/files/:fileId/manifest.
func (h *FileHandlers) Manifest(c *gin.Context) {
	fileID := c.Param("fileId")
	m, err := h.proxy.Manifest(c.Request.Context(), fileID, exposeBlobID(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, 200, m)
}

// Stream implements GET|HEAD /v1/files/:fileId/stream.
func (h *FileHandlers) Stream(c *gin.Context) {
	fileID := c.Param("fileId")
	headOnly := c.Request.Method == "HEAD"

	result, err := h.proxy.Stream(c.Request.Context(), fileID, c.GetHeader("Range"), headOnly)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.Header("Accept-Ranges", result.AcceptRanges)
	if result.ETag != "" {
		c.Header("ETag", result.ETag)
	}
	c.Header("Content-Type", result.ContentType)
	if result.ContentRange != "" {
		c.Header("Content-Range", result.ContentRange)
	}
	c.Writer.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	c.Status(result.Status)

	if headOnly {
		return
	}
	defer result.Body.Close()
	io.Copy(c.Writer, result.Body)
}
