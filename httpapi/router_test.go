package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"floe/chunkstore"
	"floe/chunkupload"
	"floe/finalize"
	"floe/kv"
	"floe/publish"
	"floe/readproxy"
	"floe/registry"
	"floe/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLimits() session.Limits {
	return session.Limits{
		MinChunkBytes: 1, MaxChunkBytes: 8 << 20, DefaultChunkBytes: 4 << 20,
		MaxFileSizeBytes: 1 << 30, MaxTotalChunks: 10000, MaxActiveUploads: 100,
		SessionTTL: time.Hour, MetaExtraTTL: time.Hour,
		MinEpochs: 1, MaxEpochs: 90, DefaultEpochs: 5,
	}
}

func buildRouter(t *testing.T, publisherURL, registryURL string) (*gin.Engine, *session.Service) {
	t.Helper()
	dir := t.TempDir()
	store := kv.NewMemStore()
	sessions := session.New(store, testLimits())
	chunks := chunkstore.New(dir, time.Minute)
	chunkSvc := chunkupload.New(sessions, chunks)

	client := publish.New(publish.Config{PublisherURL: publisherURL, Network: "testnet", Timeout: 5 * time.Second})
	coord := publish.NewCoordinator(client, publish.CoordinatorConfig{
		Concurrency: 4, IntervalCap: 10, Interval: time.Second, MaxRetries: 1, BaseDelay: time.Millisecond,
	})
	reg := registry.New(registryURL, 5*time.Second)
	engine := finalize.New(store, sessions, chunks, coord, reg, finalize.Config{
		LockTTL: time.Minute, RefreshInterval: time.Hour, FieldsCacheTTL: time.Hour,
	})
	proxy := readproxy.New(store, reg, readproxy.Config{
		AggregatorURLs: []string{publisherURL}, MaxRangeBytes: 1 << 20, MinSegmentSize: 256, ReadTimeout: 5 * time.Second,
	})

	r := NewRouter(Deps{Store: store, Sessions: sessions, Chunks: chunkSvc, Engine: engine, Proxy: proxy})
	return r, sessions
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := buildRouter(t, "http://unused", "http://unused")
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func chunkMultipart(t *testing.T, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", "chunk.bin")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write(data)
	mw.Close()
	return buf, mw.FormDataContentType()
}

func TestFullUploadLifecycleViaHTTP(t *testing.T) {
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"newlyCreated":{"blobObject":{"blobId":"blob-xyz"}}}`))
	}))
	defer publisher.Close()
	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if bytes.Contains(body, []byte("mintObject")) {
			w.WriteHeader(200)
			w.Write([]byte(`{"result":{"objectId":"file-abc"}}`))
			return
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"result":{"fields":{"blob_id":"blob-xyz","size_bytes":5,"mime":"text/plain"}}}`))
	}))
	defer reg.Close()

	r, _ := buildRouter(t, publisher.URL, reg.URL)

	createBody, _ := json.Marshal(map[string]any{
		"filename": "hello.txt", "contentType": "text/plain", "sizeBytes": 5, "chunkSize": 5,
	})
	req := httptest.NewRequest("POST", "/v1/uploads/create", bytes.NewReader(createBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 201 {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	uploadID := created["uploadId"].(string)

	data := []byte("hello")
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	body, contentType := chunkMultipart(t, data)
	req = httptest.NewRequest("PUT", fmt.Sprintf("/v1/uploads/%s/chunk/0", uploadID), body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-chunk-sha256", hexSum)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("chunk: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("GET", fmt.Sprintf("/v1/uploads/%s/status", uploadID), nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", fmt.Sprintf("/v1/uploads/%s/complete", uploadID), nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var completed map[string]any
	json.Unmarshal(w.Body.Bytes(), &completed)
	if completed["fileId"] != "file-abc" || completed["status"] != "ready" {
		t.Fatalf("unexpected complete response: %v", completed)
	}
	if _, present := completed["blobId"]; present {
		t.Fatalf("blobId should be withheld by default: %v", completed)
	}

	req = httptest.NewRequest("GET", "/v1/files/file-abc/metadata", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("metadata: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestChunkHashMismatchReturns400(t *testing.T) {
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer publisher.Close()
	regSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer regSrv.Close()

	r, _ := buildRouter(t, publisher.URL, regSrv.URL)

	createBody, _ := json.Marshal(map[string]any{
		"filename": "a.bin", "sizeBytes": 5, "chunkSize": 5,
	})
	req := httptest.NewRequest("POST", "/v1/uploads/create", bytes.NewReader(createBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	uploadID := created["uploadId"].(string)

	body, contentType := chunkMultipart(t, []byte("hello"))
	req = httptest.NewRequest("PUT", fmt.Sprintf("/v1/uploads/%s/chunk/0", uploadID), body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-chunk-sha256", "0000000000000000000000000000000000000000000000000000000000000000"[:64])
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400 for hash mismatch, got %d: %s", w.Code, w.Body.String())
	}
	var errResp errorEnvelope
	json.Unmarshal(w.Body.Bytes(), &errResp)
	if errResp.Error.Code != "INVALID_CHUNK" {
		t.Fatalf("expected INVALID_CHUNK, got %s", errResp.Error.Code)
	}
}

func TestConcurrentCompleteReturns200Or409(t *testing.T) {
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(200)
		w.Write([]byte(`{"blobObject":{"blobId":"blob-1"}}`))
	}))
	defer publisher.Close()
	regSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"result":{"objectId":"file-1"}}`))
	}))
	defer regSrv.Close()

	r, sessions := buildRouter(t, publisher.URL, regSrv.URL)
	sess, err := sessions.Create(context.Background(), session.CreateParams{Filename: "a", SizeBytes: 1, ChunkSize: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	body, contentType := chunkMultipart(t, []byte("a"))
	sum := sha256.Sum256([]byte("a"))
	req := httptest.NewRequest("PUT", fmt.Sprintf("/v1/uploads/%s/chunk/0", sess.UploadID), body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-chunk-sha256", hex.EncodeToString(sum[:]))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("chunk upload: %d %s", w.Code, w.Body.String())
	}

	done := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			req := httptest.NewRequest("POST", fmt.Sprintf("/v1/uploads/%s/complete", sess.UploadID), nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			done <- w.Code
		}()
	}
	first := <-done
	second := <-done
	if first != 200 && second != 200 {
		t.Fatalf("expected at least one concurrent complete to succeed, got %d and %d", first, second)
	}
	for _, code := range []int{first, second} {
		if code != 200 && code != 409 {
			t.Fatalf("expected each concurrent complete to return 200 or 409, got %d and %d", first, second)
		}
	}
}

func TestInvalidUploadIDReturns400(t *testing.T) {
	r, _ := buildRouter(t, "http://unused", "http://unused")
	req := httptest.NewRequest("GET", "/v1/uploads/not-a-uuid/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
