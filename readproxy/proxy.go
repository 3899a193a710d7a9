package readproxy

import (
	"context"
	"fmt"
	"io"
	"time"

	"floe/ferr"
	"floe/kv"
	"floe/registry"
)

// Proxy serves file metadata, manifest, and ranged content reads for
// registry-minted assets.
type Proxy struct {
	store           kv.Store
	registry        *registry.Client
	aggregatorURLs  []string
	lastGoodIdx     int32
	maxRangeBytes   int64
	minSegmentSize  int64
	readTimeout     time.Duration
	fieldsCacheTTL  time.Duration
	exposeBlobID    bool
}

// Config configures a Proxy.
type Config struct {
	AggregatorURLs []string
	MaxRangeBytes  int64
	MinSegmentSize int64
	ReadTimeout    time.Duration
	FieldsCacheTTL time.Duration
	ExposeBlobID   bool
}

// New constructs a read Proxy.
func New(store kv.Store, reg *registry.Client, cfg Config) *Proxy {
	return &Proxy{
		store:          store,
		registry:       reg,
		aggregatorURLs: cfg.AggregatorURLs,
		maxRangeBytes:  cfg.MaxRangeBytes,
		minSegmentSize: cfg.MinSegmentSize,
		readTimeout:    cfg.ReadTimeout,
		fieldsCacheTTL: fieldsCacheTTLOrDefault(cfg.FieldsCacheTTL),
		exposeBlobID:   cfg.ExposeBlobID,
	}
}

// Metadata is the response shape for GET /v1/files/:fileId/metadata.
type Metadata struct {
	FileID          string    `json:"fileId"`
	ManifestVersion int       `json:"manifestVersion"`
	Container       string    `json:"container"`
	SizeBytes       int64     `json:"sizeBytes"`
	MimeType        string    `json:"mimeType"`
	Owner           string    `json:"owner,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	BlobID          string    `json:"blobId,omitempty"`
}

// ManifestSegment describes one contiguous span of the object.
type ManifestSegment struct {
	Index      int    `json:"index"`
	OffsetBytes int64 `json:"offsetBytes"`
	SizeBytes  int64  `json:"sizeBytes"`
	BlobID     string `json:"blobId,omitempty"`
}

// Manifest is the response shape for GET /v1/files/:fileId/manifest.
type Manifest struct {
	Metadata
	Layout struct {
		Type     string            `json:"type"`
		Segments []ManifestSegment `json:"segments"`
	} `json:"layout"`
}

// Metadata resolves fileID and shapes the response, withholding blobId
// unless includeBlobID is true.
func (p *Proxy) Metadata(ctx context.Context, fileID string, includeBlobID bool) (*Metadata, error) {
	fields, err := p.getFileFields(ctx, fileID)
	if err != nil {
		return nil, err
	}
	m := &Metadata{
		FileID:          fileID,
		ManifestVersion: 1,
		Container:       "walrus_single_blob",
		SizeBytes:       fields.SizeBytes,
		MimeType:        fields.Mime,
		Owner:           fields.Owner,
		CreatedAt:       fields.CreatedAt,
	}
	if includeBlobID || p.exposeBlobID {
		m.BlobID = fields.BlobID
	}
	return m, nil
}

// Manifest resolves fileID and adds the single-segment layout description.
func (p *Proxy) Manifest(ctx context.Context, fileID string, includeBlobID bool) (*Manifest, error) {
	meta, err := p.Metadata(ctx, fileID, includeBlobID)
	if err != nil {
		return nil, err
	}
	man := &Manifest{Metadata: *meta}
	man.Layout.Type = "walrus_single_blob"
	seg := ManifestSegment{Index: 0, OffsetBytes: 0, SizeBytes: meta.SizeBytes}
	if includeBlobID || p.exposeBlobID {
		fields, fieldsErr := p.getFileFields(ctx, fileID)
		if fieldsErr == nil {
			seg.BlobID = fields.BlobID
		}
	}
	man.Layout.Segments = []ManifestSegment{seg}
	return man, nil
}

// StreamResult is what the HTTP layer needs to render a range-compliant
// response: status code, headers, and (for GET) a body to copy and close.
type StreamResult struct {
	Status        int
	AcceptRanges  string
	ETag          string
	ContentType   string
	ContentLength int64
	ContentRange  string
	Body          io.ReadCloser
}

// Stream resolves fileID and range header into a StreamResult. headOnly
// skips opening the body (used for HEAD requests).
func (p *Proxy) Stream(ctx context.Context, fileID, rangeHeader string, headOnly bool) (*StreamResult, error) {
	fields, err := p.getFileFields(ctx, fileID)
	if err != nil {
		return nil, err
	}

	rng, err := ParseRange(rangeHeader, fields.SizeBytes)
	if err != nil {
		return nil, ferr.ErrInvalidRange
	}

	res := &StreamResult{
		AcceptRanges: "bytes",
		ETag:         fields.BlobID,
		ContentType:  fields.Mime,
	}

	if rng == nil {
		res.Status = 200
		res.ContentLength = fields.SizeBytes
		if !headOnly {
			ctx, cancel := context.WithTimeout(ctx, p.readTimeout)
			body := p.streamRange(ctx, fields.BlobID, 0, fields.SizeBytes-1)
			res.Body = &cancelOnCloseReader{ReadCloser: body, cancel: cancel}
		}
		return res, nil
	}

	res.Status = 206
	res.ContentLength = rng.Length()
	res.ContentRange = fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, fields.SizeBytes)
	if !headOnly {
		ctx, cancel := context.WithTimeout(ctx, p.readTimeout)
		body := p.streamRange(ctx, fields.BlobID, rng.Start, rng.End)
		res.Body = &cancelOnCloseReader{ReadCloser: body, cancel: cancel}
	}
	return res, nil
}

// cancelOnCloseReader ties the range-read context's cancellation to the
// lifetime of the returned body, so an aborted HTTP response propagates the
// abort into every upstream fetch and inter-attempt sleep still in flight.
type cancelOnCloseReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnCloseReader) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
