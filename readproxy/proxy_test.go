package readproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"floe/kv"
	"floe/registry"
)

func newFieldsServer(t *testing.T, blobID string, size int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"fields": map[string]any{
					"blob_id":    blobID,
					"size_bytes": size,
					"mime":       "text/plain",
				},
			},
		})
	}))
}

func serveRanged(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		var start, end int64
		fmtSscan(rangeHeader, &start, &end)
		if start < 0 || end >= int64(len(data)) || start > end {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}
}

func fmtSscan(header string, start, end *int64) {
	var s, e int64
	n := len("bytes=")
	rest := header[n:]
	sepIdx := -1
	for i, c := range rest {
		if c == '-' {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 {
		return
	}
	parseInt(rest[:sepIdx], &s)
	parseInt(rest[sepIdx+1:], &e)
	*start, *end = s, e
}

func parseInt(s string, out *int64) {
	var v int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return
		}
		v = v*10 + int64(c-'0')
	}
	*out = v
}

func TestStreamFullObjectNoRangeHeader(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 5000)
	agg := httptest.NewServer(serveRanged(data))
	defer agg.Close()

	fieldsSrv := newFieldsServer(t, "blob1", int64(len(data)))
	defer fieldsSrv.Close()

	store := kv.NewMemStore()
	reg := registry.New(fieldsSrv.URL, 5*time.Second)
	proxy := New(store, reg, Config{
		AggregatorURLs: []string{agg.URL},
		MaxRangeBytes:  1024,
		MinSegmentSize: 256,
		ReadTimeout:    5 * time.Second,
	})

	result, err := proxy.Stream(context.Background(), "file1", "", false)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Status != 200 || result.ContentLength != int64(len(data)) {
		t.Fatalf("unexpected result: %+v", result)
	}
	got, err := io.ReadAll(result.Body)
	result.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestStreamRangedRequest(t *testing.T) {
	data := bytes.Repeat([]byte("b"), 10000)
	agg := httptest.NewServer(serveRanged(data))
	defer agg.Close()

	fieldsSrv := newFieldsServer(t, "blob2", int64(len(data)))
	defer fieldsSrv.Close()

	store := kv.NewMemStore()
	reg := registry.New(fieldsSrv.URL, 5*time.Second)
	proxy := New(store, reg, Config{
		AggregatorURLs: []string{agg.URL},
		MaxRangeBytes:  4096,
		MinSegmentSize: 256,
		ReadTimeout:    5 * time.Second,
	})

	result, err := proxy.Stream(context.Background(), "file2", "bytes=100-199", false)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Status != 206 || result.ContentLength != 100 {
		t.Fatalf("unexpected result: %+v", result)
	}
	got, err := io.ReadAll(result.Body)
	result.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got, data[100:200]) {
		t.Fatalf("range body mismatch")
	}
}

func TestStreamAggregatorFailover(t *testing.T) {
	data := bytes.Repeat([]byte("c"), 2000)
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(serveRanged(data))
	defer secondary.Close()

	fieldsSrv := newFieldsServer(t, "blob3", int64(len(data)))
	defer fieldsSrv.Close()

	store := kv.NewMemStore()
	reg := registry.New(fieldsSrv.URL, 5*time.Second)
	proxy := New(store, reg, Config{
		AggregatorURLs: []string{primary.URL, secondary.URL},
		MaxRangeBytes:  4096,
		MinSegmentSize: 256,
		ReadTimeout:    5 * time.Second,
	})

	result, err := proxy.Stream(context.Background(), "file3", "", false)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got, err := io.ReadAll(result.Body)
	result.Body.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected failover to serve full data")
	}
}
