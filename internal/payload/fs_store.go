package payload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FSStore is a filesystem-backed content-addressed Store. Blobs are sharded
// two levels deep by hash prefix (<base>/<hash[0:2]>/<hash[2:4]>/<hash>) to
// keep any single directory from growing unbounded.
type FSStore struct {
	baseDir string

	// mu serializes the check-then-write sequence in Store so two
	// concurrent writers of the same bytes cannot race on WriteFile/Rename.
	mu sync.Mutex
}

// NewFSStore creates an FSStore rooted at baseDir, creating the directory
// if it does not already exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("payload: create base dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) pathFor(hexHash string) (string, error) {
	if len(hexHash) < 4 {
		return "", fmt.Errorf("payload: hash %q too short for sharded path", hexHash)
	}
	return filepath.Join(s.baseDir, hexHash[0:2], hexHash[2:4], hexHash), nil
}

func (s *FSStore) Store(_ context.Context, data []byte) (string, error) {
	hexHash := HashBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(hexHash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return hexHash, nil // idempotent
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("payload: stat %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("payload: mkdir for %s: %w", hexHash, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-*")
	if err != nil {
		return "", fmt.Errorf("payload: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("payload: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("payload: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("payload: rename temp file into place: %w", err)
	}
	return hexHash, nil
}

func (s *FSStore) Exists(_ context.Context, hexHash string) (bool, error) {
	path, err := s.pathFor(hexHash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("payload: stat %s: %w", path, err)
}

func (s *FSStore) Retrieve(_ context.Context, hexHash string) ([]byte, error) {
	path, err := s.pathFor(hexHash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("payload: read %s: %w", path, err)
	}
	if err := verify(hexHash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FSStore) Delete(_ context.Context, hexHash string) (bool, error) {
	path, err := s.pathFor(hexHash)
	if err != nil {
		return false, err
	}
	err = os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("payload: remove %s: %w", path, err)
}

// DeleteSized removes a blob and reports its size in bytes alongside
// whether it was actually present, so retention.PurgePayloads can report
// bytes_freed (spec §4.13) without a separate read-then-delete round trip.
func (s *FSStore) DeleteSized(_ context.Context, hexHash string) (bool, int64, error) {
	path, err := s.pathFor(hexHash)
	if err != nil {
		return false, 0, err
	}
	info, statErr := os.Stat(path)
	err = os.Remove(path)
	if err == nil {
		var size int64
		if statErr == nil {
			size = info.Size()
		}
		return true, size, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	return false, 0, fmt.Errorf("payload: remove %s: %w", path, err)
}
