// Package publish is the single-shot object-store publish client and the
// bounded-concurrency coordinator in front of it, per spec.md §4.5/§4.6.
// It generalizes the teacher's node.BroadcastTx external chain-broadcast
// client (a narrow, single-attempt call whose caller owns retry) and uses
// github.com/imroc/req for the streamed HTTP request/response, the same
// HTTP client library carried in the teacher's go.mod.
package publish

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req"
	"github.com/tidwall/gjson"
)

// ErrMissingBlobID is returned when a successful publish response carries
// no recognizable blobId field.
var ErrMissingBlobID = fmt.Errorf("publish: response missing blobId")

// Request is the input to a single publish attempt.
type Request struct {
	UploadID string
	Epochs   int64
	SizeBytes int64
	Body     io.Reader
}

// Result carries the object store's content-addressed identifier.
type Result struct {
	BlobID string
}

// Client performs one publish attempt per call; retry policy lives in the
// Coordinator, not here.
type Client struct {
	publisherURL string
	network      string // mainnet | testnet
	signer       *Signer
	minBalance   int64

	balanceMu       sync.Mutex
	lastBalanceCheck time.Time
	balanceInterval time.Duration

	timeout time.Duration
}

// Config configures a Client.
type Config struct {
	PublisherURL         string
	Network              string
	Signer               *Signer // nil unless Network == "mainnet"
	MinBalance           int64
	BalanceCheckInterval time.Duration
	Timeout              time.Duration
}

// New constructs a publish Client.
func New(cfg Config) *Client {
	return &Client{
		publisherURL:    cfg.PublisherURL,
		network:         cfg.Network,
		signer:          cfg.Signer,
		minBalance:      cfg.MinBalance,
		balanceInterval: cfg.BalanceCheckInterval,
		timeout:         cfg.Timeout,
	}
}

// PublishError wraps a non-2xx publisher response, matching spec.md §4.6's
// PUBLISH_FAILED:<status>:<body> shape.
type PublishError struct {
	Status int
	Body   string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("PUBLISH_FAILED:%d:%s", e.Status, e.Body)
}

// Publish streams req.Body to the publisher as a single request body with a
// hard deadline enforced by context cancellation.
func (c *Client) Publish(ctx context.Context, r Request) (*Result, error) {
	if r.Epochs <= 0 {
		return nil, fmt.Errorf("publish: epochs must be positive, got %d", r.Epochs)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.network == "mainnet" && c.signer != nil {
		if err := c.checkBalance(ctx); err != nil {
			return nil, err
		}
	}

	header := req.Header{
		"Content-Type": "application/octet-stream",
	}
	if c.signer != nil {
		ts := fmt.Sprintf("%d", time.Now().Unix())
		sig := c.signer.Sign([]byte(r.UploadID + ":" + ts))
		header["X-Floe-Timestamp"] = ts
		header["X-Floe-Signature"] = sig
		header["X-Floe-Pubkey"] = c.signer.PublicKeyHex()
	}

	url := fmt.Sprintf("%s/v1/blobs?epochs=%d", c.publisherURL, r.Epochs)
	resp, err := req.Put(url, ctx, header, r.Body)
	if err != nil {
		return nil, fmt.Errorf("publish: request failed: %w", err)
	}

	status := resp.Response().StatusCode
	body := resp.String()
	if status < 200 || status >= 300 {
		return nil, &PublishError{Status: status, Body: body}
	}

	blobID := extractBlobID(body)
	if blobID == "" {
		return nil, ErrMissingBlobID
	}
	return &Result{BlobID: blobID}, nil
}

// extractBlobID pulls blobId from the first of the three response shapes
// spec.md §4.6 names, in that precedence order.
func extractBlobID(body string) string {
	if v := gjson.Get(body, "newlyCreated.blobObject.blobId"); v.Exists() {
		return v.String()
	}
	if v := gjson.Get(body, "alreadyCertified.blobId"); v.Exists() {
		return v.String()
	}
	if v := gjson.Get(body, "blobObject.blobId"); v.Exists() {
		return v.String()
	}
	return ""
}

// checkBalance verifies the signer's account balance against minBalance,
// throttled to at most once per balanceInterval of wall time.
func (c *Client) checkBalance(ctx context.Context) error {
	c.balanceMu.Lock()
	defer c.balanceMu.Unlock()

	if time.Since(c.lastBalanceCheck) < c.balanceInterval {
		return nil
	}

	url := fmt.Sprintf("%s/v1/accounts/%s/balance", c.publisherURL, c.signer.PublicKeyHex())
	resp, err := req.Get(url, ctx)
	if err != nil {
		return fmt.Errorf("publish: balance check failed: %w", err)
	}
	balance := gjson.Get(resp.String(), "balance").Int()
	if balance < c.minBalance {
		return fmt.Errorf("publish: insufficient balance %d, need at least %d", balance, c.minBalance)
	}
	c.lastBalanceCheck = time.Now()
	return nil
}

// ClassifyError implements spec.md §4.5's outcome classification for the
// coordinator's metrics.
func ClassifyError(err error, httpStatus int) string {
	if err == nil {
		return "success"
	}
	var pubErr *PublishError
	if e, ok := err.(*PublishError); ok {
		pubErr = e
		httpStatus = e.Status
	}
	switch {
	case httpStatus == 401 || httpStatus == 403:
		return "auth_failed"
	case httpStatus == 429:
		return "rate_limited"
	case httpStatus >= 400 && httpStatus < 500:
		return "client_error"
	case httpStatus >= 500:
		return "server_error"
	}
	if err == context.DeadlineExceeded || strings.Contains(err.Error(), "context deadline exceeded") {
		return "timeout"
	}
	msg := strings.ToUpper(err.Error())
	for _, marker := range []string{"ENOTFOUND", "EAI_AGAIN", "ETIMEDOUT", "ECONNRESET", "NETWORK", "FETCH"} {
		if strings.Contains(msg, marker) {
			return "network_error"
		}
	}
	if err == ErrMissingBlobID {
		return "invalid_response"
	}
	_ = pubErr
	return "unknown_error"
}
