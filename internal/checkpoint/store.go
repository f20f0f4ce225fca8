// Package checkpoint persists the resume state of a bulk retrieval as a
// small JSON file.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/seenimoa/ukenergy/internal/infra"
	"github.com/seenimoa/ukenergy/internal/settlement"
)

// Store reads and writes one checkpoint file. Saves are serialized and
// atomic, so a Store may be shared by concurrent goroutines.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// Exists reports whether a checkpoint file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load returns the saved checkpoint, or nil when no file exists.
// A file that cannot be read or parsed is an error.
func (s *Store) Load() (*settlement.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}

	var cp settlement.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", s.path, err)
	}
	if cp.LastDate.IsZero() || cp.LastPeriod < 1 {
		return nil, fmt.Errorf("parse checkpoint %s: missing last_date/last_period", s.path)
	}
	return &cp, nil
}

// Save writes cp atomically (temp file then rename).
func (s *Store) Save(cp *settlement.Checkpoint) error {
	if cp == nil {
		return errors.New("save checkpoint: nil checkpoint")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := infra.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint file. A missing file is not an error.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
