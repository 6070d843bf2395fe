// Package storage provides the durable mirror of session state: file-based
// JSON records guarded by flock so concurrent processes never see torn
// writes. The in-memory session records owned by the orchestrator stay
// authoritative; this store only persists what it is told to.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store is a file-based JSON key-value store. Keys are path segments under
// the base directory; values are pretty-printed JSON files written
// atomically (temp file + rename) under an exclusive file lock.
type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*fileLock
}

// New creates a Store rooted at basePath.
func New(basePath string) *Store {
	return &Store{
		basePath: basePath,
		locks:    make(map[string]*fileLock),
	}
}

// BasePath returns the root directory of the store.
func (s *Store) BasePath() string {
	return s.basePath
}

func (s *Store) filePath(path ...string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...) + ".json"
}

// get reads and unmarshals a record.
func (s *Store) get(path []string, v any) error {
	data, err := os.ReadFile(s.filePath(path...))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", filepath.Join(path...), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Join(path...), err)
	}
	return nil
}

// put marshals and atomically writes a record under its file lock.
func (s *Store) put(path []string, v any) error {
	file := s.filePath(path...)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	lock := s.lockFor(file)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", file, err)
	}
	defer lock.Unlock()

	return s.writeLocked(file, v)
}

// writeLocked marshals and atomically writes a record. Callers hold the
// record's lock.
func (s *Store) writeLocked(file string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// update applies fn to the current record (zero value when absent) and
// writes the result back. The record's lock is held across the read and the
// write, so concurrent updates never lose each other's changes.
func (s *Store) update(path []string, v any, fn func()) error {
	file := s.filePath(path...)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	lock := s.lockFor(file)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", file, err)
	}
	defer lock.Unlock()

	if err := s.get(path, v); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	fn()
	return s.writeLocked(file, v)
}

func (s *Store) delete(path []string) error {
	file := s.filePath(path...)

	// A record whose parent directory was never created does not exist;
	// there is nothing to lock or remove.
	if _, err := os.Stat(filepath.Dir(file)); os.IsNotExist(err) {
		return nil
	}

	lock := s.lockFor(file)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", file, err)
	}
	defer lock.Unlock()

	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", file, err)
	}
	return nil
}

func (s *Store) lockFor(file string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[file]
	if !ok {
		lock = &fileLock{path: file}
		s.locks[file] = lock
	}
	return lock
}
