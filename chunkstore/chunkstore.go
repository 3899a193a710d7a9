// Package chunkstore is the disk persistence layer for upload chunks,
// generalizing the teacher's storage.LocalStorage (whole-file
// ioutil.WriteFile) into streamed, resumable, per-chunk writes with
// exclusive-create + atomic rename, a size cap enforced while streaming, and
// a SHA-256 check of the written temp file before it is renamed into place.
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors matching spec.md §4.1's named failure modes. Handlers
// classify these into HTTP status codes.
var (
	ErrChunkTooLarge       = errors.New("chunkstore: chunk exceeds expected size")
	ErrHashMismatch        = errors.New("chunkstore: hash mismatch")
	ErrChunkInProgress     = errors.New("chunkstore: chunk write already in progress")
	ErrChunkSizeMismatch   = errors.New("chunkstore: chunk size does not match expected size")
	ErrInvalidLastChunkSize = errors.New("chunkstore: invalid last chunk size")
)

// Store persists chunks under a root tmp directory, per-upload.
type Store struct {
	root                string
	staleTempThreshold time.Duration
}

// New returns a Store rooted at root. root must already have been validated
// as writable by conf.Load.
func New(root string, staleTempThreshold time.Duration) *Store {
	return &Store{root: root, staleTempThreshold: staleTempThreshold}
}

func (s *Store) uploadDir(uploadID string) string {
	return filepath.Join(s.root, uploadID)
}

func (s *Store) finalPath(uploadID string, index int) string {
	return filepath.Join(s.uploadDir(uploadID), strconv.Itoa(index))
}

func (s *Store) tempPath(uploadID string, index int) string {
	return filepath.Join(s.uploadDir(uploadID), strconv.Itoa(index)+".tmp")
}

// AssembledPath returns the transient path the assembled file lives at
// between assembly and publish.
func (s *Store) AssembledPath(uploadID string) string {
	return filepath.Join(s.root, uploadID+".bin")
}

// WriteChunk implements the algorithm in spec.md §4.1: exclusive-create the
// temp file, stream into it through a size cap, then re-read the written
// temp file to compute its SHA-256 digest (the digest is not computed while
// streaming), verify the digest, apply the last-chunk size policy, then
// atomically rename into place. It is idempotent: a chunk already landed at its final path returns
// success without reading r.
func (s *Store) WriteChunk(uploadID string, index int, r io.Reader, expectedHash string, expectedSize int64, isLast bool) error {
	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("chunkstore: mkdir %s: %w", dir, err)
	}

	final := s.finalPath(uploadID, index)
	if _, err := os.Stat(final); err == nil {
		return nil // idempotent replay
	}

	temp := s.tempPath(uploadID, index)
	f, err := os.OpenFile(temp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("chunkstore: create %s: %w", temp, err)
		}
		// Another writer may hold the temp file. Recheck final path first.
		if _, statErr := os.Stat(final); statErr == nil {
			return nil
		}
		info, statErr := os.Stat(temp)
		if statErr != nil {
			return fmt.Errorf("chunkstore: stat %s: %w", temp, statErr)
		}
		if time.Since(info.ModTime()) > s.staleTempThreshold {
			if rmErr := os.Remove(temp); rmErr != nil && !os.IsNotExist(rmErr) {
				return fmt.Errorf("chunkstore: remove stale temp %s: %w", temp, rmErr)
			}
			f, err = os.OpenFile(temp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("chunkstore: retry create %s: %w", temp, err)
			}
		} else {
			return ErrChunkInProgress
		}
	}

	size, err := streamWithHash(f, r, expectedSize)
	closeErr := f.Close()
	if err != nil {
		os.Remove(temp)
		return err
	}
	if closeErr != nil {
		os.Remove(temp)
		return fmt.Errorf("chunkstore: close %s: %w", temp, closeErr)
	}

	if err := verifyHash(temp, expectedHash); err != nil {
		os.Remove(temp)
		return err
	}

	if err := checkSizePolicy(size, expectedSize, isLast); err != nil {
		os.Remove(temp)
		return err
	}

	if err := os.Rename(temp, final); err != nil {
		os.Remove(temp)
		return fmt.Errorf("chunkstore: rename %s -> %s: %w", temp, final, err)
	}
	now := time.Now()
	_ = os.Chtimes(dir, now, now)
	return nil
}

// streamWithHash copies r into f, aborting once more than expectedSize
// bytes have been written. It returns the total number of bytes copied.
func streamWithHash(f io.Writer, r io.Reader, expectedSize int64) (int64, error) {
	const bufSize = 256 * 1024
	buf := make([]byte, bufSize)
	var total int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > expectedSize {
				return total, ErrChunkTooLarge
			}
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return total, fmt.Errorf("chunkstore: write: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("chunkstore: read: %w", readErr)
		}
	}
}

func verifyHash(path, expectedHash string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("chunkstore: reopen %s for hash check: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("chunkstore: hash %s: %w", path, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(digest, expectedHash) {
		return ErrHashMismatch
	}
	return nil
}

func checkSizePolicy(size, expectedSize int64, isLast bool) error {
	if isLast {
		if size <= 0 || size > expectedSize {
			return ErrInvalidLastChunkSize
		}
		return nil
	}
	if size != expectedSize {
		return ErrChunkSizeMismatch
	}
	return nil
}

// HasChunk reports whether a chunk has already landed.
func (s *Store) HasChunk(uploadID string, index int) bool {
	_, err := os.Stat(s.finalPath(uploadID, index))
	return err == nil
}

// ListChunks returns the sorted set of chunk indices present on disk.
func (s *Store) ListChunks(uploadID string) ([]int, error) {
	entries, err := os.ReadDir(s.uploadDir(uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chunkstore: readdir %s: %w", s.uploadDir(uploadID), err)
	}
	var indices []int
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		idx, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// OpenChunk opens a chunk for reading, in ascending-copy order during
// assembly. The caller owns closing the returned file.
func (s *Store) OpenChunk(uploadID string, index int) (*os.File, error) {
	f, err := os.Open(s.finalPath(uploadID, index))
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open chunk %d: %w", index, err)
	}
	return f, nil
}

// Cleanup best-effort recursively removes an upload's chunk directory.
func (s *Store) Cleanup(uploadID string) {
	_ = os.RemoveAll(s.uploadDir(uploadID))
}

// CleanupAssembled best-effort removes the transient assembled file.
func (s *Store) CleanupAssembled(uploadID string) {
	_ = os.Remove(s.AssembledPath(uploadID))
}

// DirMTime returns the chunk directory's modification time, used by the
// reaper to determine artifact age. ok is false if the directory is absent.
func (s *Store) DirMTime(uploadID string) (t time.Time, ok bool) {
	info, err := os.Stat(s.uploadDir(uploadID))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// AssembledMTime returns the assembled file's modification time.
func (s *Store) AssembledMTime(uploadID string) (t time.Time, ok bool) {
	info, err := os.Stat(s.AssembledPath(uploadID))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Root returns the store's root tmp directory, used by the orphan
// reconciler to scan for artifacts not present in the GC index.
func (s *Store) Root() string {
	return s.root
}
