// Package store provides crash-safe JSON file persistence for engine-owned
// state: the quarantine registry file and the training cursor.
//
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists JSON documents under a base directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save atomically persists v as JSON under name. It writes to a .tmp file
// first, then renames over the target so the file is never left partial.
func (s *Store) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// Load reads a JSON document into v. Returns (false, nil) if the file does
// not exist (fresh state).
func (s *Store) Load(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

// TrainingCursor tracks where the external trainer task should resume.
// The engine owns the file; the trainer only consumes it.
type TrainingCursor struct {
	NextDate   string   `json:"next_date"`
	LowerBound string   `json:"lower_bound"`
	Symbols    []string `json:"symbols"`
	WrapMode   string   `json:"wrap_mode"`
}

const cursorFile = "training_cursor.json"

// SaveCursor persists the training cursor.
func (s *Store) SaveCursor(c TrainingCursor) error {
	return s.Save(cursorFile, c)
}

// LoadCursor restores the training cursor; ok is false when none exists.
func (s *Store) LoadCursor() (c TrainingCursor, ok bool, err error) {
	ok, err = s.Load(cursorFile, &c)
	return c, ok, err
}
