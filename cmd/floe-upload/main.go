// Command floe-upload is a small CLI client for the floe gateway: it walks
// a local file through create → chunk → complete against a running server,
// sniffing the content type and showing upload progress along the way.
//
// It generalizes the teacher's cmd/indexer/main.go flag-parsing shape onto
// a single-purpose CLI, in the "small dedicated cmd binary" idiom also
// visible in the pack's cmd/seed and cmd/auth_cleanup commands. HTTP calls
// use github.com/imroc/req for the simple JSON round trips (the same
// client library floe's publish package uses) and the standard
// mime/multipart writer for chunk bodies, matching the server's own
// multipart/form-data chunk contract. An optional --profile YAML file
// supplies defaults for server/chunk-size/epochs so repeat uploads to the
// same gateway don't need to repeat flags every time; explicit flags still
// win over the profile.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/imroc/req"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"
)

// profile holds --profile YAML defaults, e.g.:
//
//	server: https://floe.example.com
//	chunkSize: 8388608
//	epochs: 10
type profile struct {
	Server    string `yaml:"server"`
	ChunkSize int64  `yaml:"chunkSize"`
	Epochs    int64  `yaml:"epochs"`
}

func loadProfile(path string) (*profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &p, nil
}

func main() {
	var (
		serverURL   = flag.String("server", "", "floe gateway base URL (default http://127.0.0.1:8080)")
		chunkSize   = flag.Int64("chunk-size", 0, "chunk size in bytes (default 4MiB)")
		epochs      = flag.Int64("epochs", 0, "storage epochs (default 5)")
		timeout     = flag.Duration("timeout", 10*time.Minute, "overall upload deadline")
		profilePath = flag.String("profile", "", "optional YAML file of server/chunk-size/epochs defaults")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: floe-upload [flags] <file>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	resolvedServer, resolvedChunkSize, resolvedEpochs := "http://127.0.0.1:8080", int64(4<<20), int64(5)
	if *profilePath != "" {
		p, err := loadProfile(*profilePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "floe-upload: %v\n", err)
			os.Exit(1)
		}
		if p.Server != "" {
			resolvedServer = p.Server
		}
		if p.ChunkSize > 0 {
			resolvedChunkSize = p.ChunkSize
		}
		if p.Epochs > 0 {
			resolvedEpochs = p.Epochs
		}
	}
	if *serverURL != "" {
		resolvedServer = *serverURL
	}
	if *chunkSize > 0 {
		resolvedChunkSize = *chunkSize
	}
	if *epochs > 0 {
		resolvedEpochs = *epochs
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, resolvedServer, path, resolvedChunkSize, resolvedEpochs); err != nil {
		fmt.Fprintf(os.Stderr, "floe-upload: %v\n", err)
		os.Exit(1)
	}
}

type createResponse struct {
	UploadID    string `json:"uploadId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

type completeResponse struct {
	FileID    string `json:"fileId"`
	SizeBytes int64  `json:"sizeBytes"`
	Status    string `json:"status"`
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func run(ctx context.Context, serverURL, path string, chunkSize, epochs int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("detect content type: %w", err)
	}
	contentType := mtype.String()

	created, err := createUpload(ctx, serverURL, info.Name(), contentType, info.Size(), chunkSize, epochs)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	fmt.Printf("upload %s: %d chunks of %d bytes\n", created.UploadID, created.TotalChunks, created.ChunkSize)

	bar := progressbar.DefaultBytes(info.Size(), "uploading")
	buf := make([]byte, created.ChunkSize)
	for index := 0; index < created.TotalChunks; index++ {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF {
			// last chunk, short read is expected
		} else if err != nil && err != io.EOF {
			return fmt.Errorf("read chunk %d: %w", index, err)
		}
		chunk := buf[:n]
		if err := uploadChunk(ctx, serverURL, created.UploadID, index, chunk); err != nil {
			return fmt.Errorf("upload chunk %d: %w", index, err)
		}
		bar.Add(n)
	}
	bar.Close()

	result, err := completeUpload(ctx, serverURL, created.UploadID)
	if err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	fmt.Printf("done: fileId=%s sizeBytes=%d status=%s\n", result.FileID, result.SizeBytes, result.Status)
	return nil
}

func createUpload(ctx context.Context, serverURL, filename, contentType string, sizeBytes, chunkSize, epochs int64) (*createResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"filename":    filename,
		"contentType": contentType,
		"sizeBytes":   sizeBytes,
		"chunkSize":   chunkSize,
		"epochs":      epochs,
	})
	resp, err := req.Post(serverURL+"/v1/uploads/create", ctx, req.Header{"Content-Type": "application/json"}, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out createResponse
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &out, nil
}

func uploadChunk(ctx context.Context, serverURL, uploadID string, index int, data []byte) error {
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "chunk.bin")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/uploads/%s/chunk/%d", serverURL, uploadID, index)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("x-chunk-sha256", hexSum)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return decodeAPIError(resp.Body, resp.StatusCode)
	}
	return nil
}

func completeUpload(ctx context.Context, serverURL, uploadID string) (*completeResponse, error) {
	url := fmt.Sprintf("%s/v1/uploads/%s/complete", serverURL, uploadID)
	resp, err := req.Post(url, ctx)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out completeResponse
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("decode complete response: %w", err)
	}
	return &out, nil
}

func checkStatus(resp *req.Resp) error {
	status := resp.Response().StatusCode
	if status >= 200 && status < 300 {
		return nil
	}
	return decodeAPIError(strings.NewReader(resp.String()), status)
}

func decodeAPIError(body io.Reader, status int) error {
	var apiErr apiError
	if err := json.NewDecoder(body).Decode(&apiErr); err != nil || apiErr.Error.Code == "" {
		return fmt.Errorf("unexpected status %d", status)
	}
	return fmt.Errorf("%s: %s (status %d)", apiErr.Error.Code, apiErr.Error.Message, status)
}
