// Package artifact persists rendered animations on disk, addressed by the
// fingerprint of the job that produced them.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store writes and removes artifact files under a single directory.
// Files are named <fingerprint>.gif so a fingerprint maps to at most one
// artifact on disk.
type Store struct {
	dir string

	mu sync.Mutex // serializes writes to the same fingerprint
}

// NewStore creates the artifact directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the artifact directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Persist writes data for the given fingerprint and returns the file path.
// An existing artifact for the same fingerprint is overwritten atomically.
func (s *Store) Persist(fp string, data []byte) (string, error) {
	if err := validFingerprint(fp); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := filepath.Join(s.dir, fp+".gif")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return final, nil
}

// Read returns the artifact bytes at the given location.
func (s *Store) Read(location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Remove deletes the artifact at the given location. A missing file is not
// an error; eviction may race with an expiry sweep.
func (s *Store) Remove(location string) error {
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// Stats reports the artifact file count and total size in bytes.
func (s *Store) Stats() (fileCount int, totalBytes int64) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gif") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fileCount++
		totalBytes += info.Size()
	}
	return fileCount, totalBytes
}

// validFingerprint rejects anything that could escape the artifact dir.
func validFingerprint(fp string) error {
	if fp == "" || strings.ContainsAny(fp, "/\\.") {
		return fmt.Errorf("invalid fingerprint %q", fp)
	}
	return nil
}
