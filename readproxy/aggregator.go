package readproxy

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/imroc/req"
)

// segmentFloor is the minimum segment size the stitcher will shrink to
// before giving up on a 416/short-read loop, per spec.md §4.7.
const segmentFloor = 256 * 1024

const perAggregatorRetryBudget = 3

// fetchOutcome classifies one upstream GET so the retry loop can decide
// whether to shrink, retry the same aggregator, or fail over.
type fetchOutcome int

const (
	outcomeOK fetchOutcome = iota
	outcomeShrink
	outcomeRetryable
	outcomeFatal
)

// streamRange serves [start, end] (inclusive) of blobID by writing bytes,
// strictly in ascending offset order, into pw. It halves the segment size
// on 416/short reads, applies a per-aggregator retry budget with linear
// backoff on 429/5xx/network errors, and fails over to the next aggregator
// on budget exhaustion, recording the winner as the new last-known-good.
func (p *Proxy) streamRange(ctx context.Context, blobID string, start, end int64) io.ReadCloser {
	pr, pw := io.Pipe()
	go p.fetchLoop(ctx, blobID, start, end, pw)
	return pr
}

func (p *Proxy) fetchLoop(ctx context.Context, blobID string, start, end int64, pw *io.PipeWriter) {
	off := start
	aggIdx := int(atomic.LoadInt32(&p.lastGoodIdx)) % len(p.aggregatorURLs)
	if aggIdx < 0 {
		aggIdx = 0
	}

	for off <= end {
		select {
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
			return
		default:
		}

		remaining := end - off + 1
		segSize := p.maxRangeBytes
		if segSize > remaining {
			segSize = remaining
		}

		n, wonIdx, err := p.fetchSegmentWithFailover(ctx, blobID, off, end, segSize, aggIdx, pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if n <= 0 {
			pw.CloseWithError(fmt.Errorf("readproxy: zero-byte read at offset %d", off))
			return
		}
		off += n
		if wonIdx != aggIdx {
			atomic.StoreInt32(&p.lastGoodIdx, int32(wonIdx))
			aggIdx = wonIdx
		}
	}
	pw.Close()
}

// fetchSegmentWithFailover tries aggregators starting at startIdx, wrapping
// around, each with its own retry budget and shrink-on-416 loop. It returns
// the number of bytes written and the index of the aggregator that served
// them. A partial write from an aggregator that then failed advances off
// before failover, so the next aggregator picks up the remainder instead of
// re-fetching bytes already written to pw.
func (p *Proxy) fetchSegmentWithFailover(ctx context.Context, blobID string, off, end, segSize int64, startIdx int, pw *io.PipeWriter) (int64, int, error) {
	var lastErr error
	var written int64
	curOff := off
	remaining := segSize
	for tries := 0; tries < len(p.aggregatorURLs); tries++ {
		idx := (startIdx + tries) % len(p.aggregatorURLs)
		n, err := p.fetchWithShrink(ctx, p.aggregatorURLs[idx], blobID, curOff, end, remaining, pw)
		written += n
		curOff += n
		if err == nil {
			return written, idx, nil
		}
		lastErr = err
		if !isRetryableFetchErr(err) {
			return written, idx, err
		}
		if curOff > end {
			return written, idx, nil
		}
		remaining = end - curOff + 1
	}
	return written, startIdx, fmt.Errorf("readproxy: all aggregators exhausted: %w", lastErr)
}

// fetchWithShrink retries a single aggregator with linear backoff on
// retryable errors, halving segSize on 416/short reads down to
// segmentFloor. A short read advances off by the bytes already copied into
// pw before the remainder is retried at the smaller size, per spec.md
// §4.7's "advance off by read bytes and retry the remainder" rule — the
// returned count always reflects every byte actually written, including
// partial progress made before a later attempt failed.
func (p *Proxy) fetchWithShrink(ctx context.Context, aggURL, blobID string, off, end, segSize int64, pw *io.PipeWriter) (int64, error) {
	floor := int64(segmentFloor)
	if p.minSegmentSize > 0 {
		floor = p.minSegmentSize
	}
	size := segSize
	var written int64
	for attempt := 1; attempt <= perAggregatorRetryBudget; attempt++ {
		segEnd := off + size - 1
		if segEnd > end {
			segEnd = end
		}
		n, outcome, err := p.fetchOneSegment(ctx, aggURL, blobID, off, segEnd, end, pw)
		written += n
		off += n
		if outcome == outcomeOK {
			return written, nil
		}
		if outcome == outcomeFatal {
			return written, err
		}
		if outcome == outcomeShrink {
			if off > end {
				return written, nil
			}
			if size <= floor {
				return written, fmt.Errorf("readproxy: segment shrink exhausted floor: %w", err)
			}
			size /= 2
			if size < floor {
				size = floor
			}
			continue
		}
		// outcomeRetryable: linear backoff before the next attempt.
		select {
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		case <-ctx.Done():
			return written, ctx.Err()
		}
	}
	return written, fmt.Errorf("readproxy: retry budget exhausted for %s", aggURL)
}

// fetchOneSegment issues a single ranged GET and copies its body into pw.
// Acceptance rules: 206 always OK; 200 OK only when this single segment
// covers the whole requested span from offset 0 (off==0 and segEnd==end);
// any other status maps to a classified outcome.
func (p *Proxy) fetchOneSegment(ctx context.Context, aggURL, blobID string, off, segEnd, end int64, pw *io.PipeWriter) (int64, fetchOutcome, error) {
	url := fmt.Sprintf("%s/v1/blobs/%s", strings.TrimRight(aggURL, "/"), blobID)
	header := req.Header{"Range": fmt.Sprintf("bytes=%d-%d", off, segEnd)}

	resp, err := req.Get(url, ctx, header)
	if err != nil {
		return 0, outcomeRetryable, fmt.Errorf("readproxy: fetch %s: %w", url, err)
	}
	status := resp.Response().StatusCode
	body := resp.Response().Body
	defer body.Close()

	expected := segEnd - off + 1

	switch {
	case status == 206:
		n, err := io.CopyN(pw, body, expected)
		if err == io.EOF && n < expected {
			return n, outcomeShrink, fmt.Errorf("readproxy: short read %d/%d", n, expected)
		}
		if err != nil && err != io.EOF {
			return n, outcomeFatal, fmt.Errorf("readproxy: copy segment: %w", err)
		}
		return n, outcomeOK, nil
	case status == 200 && off == 0 && segEnd == end:
		n, err := io.CopyN(pw, body, expected)
		if err != nil && err != io.EOF {
			return n, outcomeFatal, fmt.Errorf("readproxy: copy full-object segment: %w", err)
		}
		return n, outcomeOK, nil
	case status == 416:
		return 0, outcomeShrink, fmt.Errorf("readproxy: upstream 416 for bytes=%d-%d", off, segEnd)
	case status == 404:
		return 0, outcomeFatal, errFileContentNotFound
	case status == 429 || status >= 500:
		return 0, outcomeRetryable, fmt.Errorf("readproxy: upstream status %d", status)
	default:
		return 0, outcomeFatal, fmt.Errorf("readproxy: unexpected upstream status %d", status)
	}
}

var errFileContentNotFound = fmt.Errorf("readproxy: file content not found upstream")

func isRetryableFetchErr(err error) bool {
	if err == errFileContentNotFound {
		return false
	}
	return true
}
