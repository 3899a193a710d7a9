// Package registry is the on-chain metadata registry client: it mints the
// stable per-file identifier and fetches previously-minted objects. It
// generalizes the teacher's node.BroadcastTx external-RPC-client shape
// (single narrow call, caller owns retry) onto the registry's mint/fetch
// surface, and uses github.com/tidwall/gjson for tolerant parsing of the
// registry's dynamic JSON object fields before normalizing them into a
// strict record, per spec.md §9's "dynamic objects become a strict
// normalized record" design note.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// AssetFields is the strict, normalized view of the on-chain object,
// per spec.md §4.7.
type AssetFields struct {
	BlobID    string    `json:"blob_id"`
	SizeBytes int64     `json:"size_bytes"`
	Mime      string    `json:"mime"`
	CreatedAt time.Time `json:"created_at"`
	Owner     string    `json:"owner,omitempty"`
}

// MintParams is the input to Mint.
type MintParams struct {
	BlobID    string
	SizeBytes int64
	Mime      string
	Owner     string
}

// MintResult carries the newly-minted object's stable identifier.
type MintResult struct {
	FileID string
}

// ErrObjectNotFound is returned by GetObject when the registry has no
// object at that fileId.
var ErrObjectNotFound = fmt.Errorf("registry: object not found")

// ErrMalformedFields is wrapped by NormalizeFields when the registry's
// object fields fail validation (missing blob_id, non-positive
// size_bytes). Distinct from network/HTTP failures so callers can surface
// spec.md §4.7's 502 INVALID_FILE_METADATA instead of 503
// SUI_UNAVAILABLE.
var ErrMalformedFields = fmt.Errorf("registry: malformed object fields")

// Client talks to the on-chain registry over its JSON-RPC-shaped HTTP API.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

// New constructs a registry Client.
func New(rpcURL string, timeout time.Duration) *Client {
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Mint calls the registry to create the immutable {blobId, size, mime,
// owner?} object and returns its minted identifier.
func (c *Client) Mint(ctx context.Context, p MintParams) (*MintResult, error) {
	body, err := json.Marshal(map[string]any{
		"method": "mintObject",
		"params": map[string]any{
			"blobId":    p.BlobID,
			"sizeBytes": p.SizeBytes,
			"mime":      p.Mime,
			"owner":     p.Owner,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: marshal mint request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("registry: build mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: mint request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: read mint response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("registry: mint failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	fileID := gjson.GetBytes(respBody, "result.objectId").String()
	if fileID == "" {
		fileID = gjson.GetBytes(respBody, "objectId").String()
	}
	if fileID == "" {
		return nil, fmt.Errorf("registry: mint response missing objectId")
	}

	return &MintResult{FileID: fileID}, nil
}

// GetObject fetches and normalizes the on-chain object at fileID. Malformed
// or missing required fields yield an error the caller should surface as
// spec.md §4.7's 502 INVALID_FILE_METADATA.
func (c *Client) GetObject(ctx context.Context, fileID string) (*AssetFields, error) {
	body, err := json.Marshal(map[string]any{
		"method": "getObject",
		"params": map[string]any{"objectId": fileID},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: marshal get request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("registry: build get request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: get request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: read get response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrObjectNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("registry: get failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	fields := gjson.GetBytes(respBody, "result.fields")
	if !fields.Exists() {
		fields = gjson.ParseBytes(respBody)
	}
	return NormalizeFields(fields)
}

// NormalizeFields turns the registry's dynamic JSON object into the strict
// AssetFields record: trims blob_id, rejects non-positive size_bytes, and
// defaults mime to application/octet-stream.
func NormalizeFields(fields gjson.Result) (*AssetFields, error) {
	blobID := strings.TrimSpace(fields.Get("blob_id").String())
	if blobID == "" {
		blobID = strings.TrimSpace(fields.Get("blobId").String())
	}
	if blobID == "" {
		return nil, fmt.Errorf("missing blob_id: %w", ErrMalformedFields)
	}

	sizeBytes := fields.Get("size_bytes").Int()
	if sizeBytes <= 0 {
		sizeBytes = fields.Get("sizeBytes").Int()
	}
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("size_bytes must be positive: %w", ErrMalformedFields)
	}

	mime := fields.Get("mime").String()
	if mime == "" {
		mime = "application/octet-stream"
	}

	var createdAt time.Time
	if ts := fields.Get("created_at").Int(); ts > 0 {
		createdAt = time.Unix(ts, 0)
	}

	return &AssetFields{
		BlobID:    blobID,
		SizeBytes: sizeBytes,
		Mime:      mime,
		CreatedAt: createdAt,
		Owner:     fields.Get("owner").String(),
	}, nil
}

// MarshalCache serializes fields for storage in the KV asset-fields cache.
func (a *AssetFields) MarshalCache() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalCache parses a previously cached AssetFields payload.
func UnmarshalCache(data []byte) (*AssetFields, error) {
	var a AssetFields
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("registry: unmarshal cached fields: %w", err)
	}
	return &a, nil
}
