package chunkstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestWriteChunkIdempotentReplay(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10*time.Minute)
	data := bytes.Repeat([]byte("a"), 1024)
	h := hashOf(data)

	if err := s.WriteChunk("up1", 0, bytes.NewReader(data), h, int64(len(data)), false); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := s.WriteChunk("up1", 0, bytes.NewReader(data), h, int64(len(data)), false); err != nil {
		t.Fatalf("replay write: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "up1", "0"))
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("final file content mismatch")
	}
}

func TestWriteChunkHashMismatchLeavesNoFinalFile(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10*time.Minute)
	data := []byte("correct bytes")
	wrongHash := hashOf([]byte("wrong bytes"))

	err := s.WriteChunk("up2", 0, bytes.NewReader(data), wrongHash, int64(len(data)), true)
	if err != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if s.HasChunk("up2", 0) {
		t.Fatalf("final file should not exist after hash mismatch")
	}
}

func TestWriteChunkTooLarge(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10*time.Minute)
	data := bytes.Repeat([]byte("x"), 100)
	h := hashOf(data)

	err := s.WriteChunk("up3", 0, bytes.NewReader(data), h, 50, false)
	if err != ErrChunkTooLarge {
		t.Fatalf("expected ErrChunkTooLarge, got %v", err)
	}
}

func TestLastChunkSizePolicy(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10*time.Minute)
	data := bytes.Repeat([]byte("z"), 10)
	h := hashOf(data)

	if err := s.WriteChunk("up4", 0, bytes.NewReader(data), h, 20, true); err != nil {
		t.Fatalf("last chunk smaller than expected should be accepted: %v", err)
	}

	empty := []byte{}
	h2 := hashOf(empty)
	err := s.WriteChunk("up5", 0, bytes.NewReader(empty), h2, 20, true)
	if err != ErrInvalidLastChunkSize {
		t.Fatalf("expected ErrInvalidLastChunkSize for empty last chunk, got %v", err)
	}
}

func TestNonLastChunkMustMatchExactly(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10*time.Minute)
	data := bytes.Repeat([]byte("m"), 5)
	h := hashOf(data)

	err := s.WriteChunk("up6", 0, bytes.NewReader(data), h, 10, false)
	if err != ErrChunkSizeMismatch {
		t.Fatalf("expected ErrChunkSizeMismatch, got %v", err)
	}
}

func TestListChunksSortedAndOrderIndependentAssembly(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10*time.Minute)
	parts := [][]byte{
		bytes.Repeat([]byte("A"), 4),
		bytes.Repeat([]byte("B"), 4),
		bytes.Repeat([]byte("C"), 2),
	}
	order := []int{2, 0, 1}
	for _, i := range order {
		h := hashOf(parts[i])
		isLast := i == len(parts)-1
		if err := s.WriteChunk("up7", i, bytes.NewReader(parts[i]), h, int64(len(parts[i])), isLast); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}

	indices, err := s.ListChunks("up7")
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(indices) != 3 || indices[0] != 0 || indices[1] != 1 || indices[2] != 2 {
		t.Fatalf("expected sorted [0 1 2], got %v", indices)
	}

	var assembled bytes.Buffer
	for _, idx := range indices {
		f, err := s.OpenChunk("up7", idx)
		if err != nil {
			t.Fatalf("open chunk %d: %v", idx, err)
		}
		assembled.ReadFrom(f)
		f.Close()
	}
	want := bytes.Join(parts, nil)
	if !bytes.Equal(assembled.Bytes(), want) {
		t.Fatalf("assembled bytes mismatch")
	}
}

func TestCleanupRemovesDirectory(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10*time.Minute)
	data := []byte("hello")
	h := hashOf(data)
	if err := s.WriteChunk("up8", 0, bytes.NewReader(data), h, int64(len(data)), true); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.Cleanup("up8")
	if _, err := os.Stat(filepath.Join(root, "up8")); !os.IsNotExist(err) {
		t.Fatalf("expected upload directory to be removed")
	}
}
