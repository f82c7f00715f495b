// Package store implements the wallet engine's Store contract: a flat
// key/value snapshot of the persisted, plaintext "storage state" fields
// (§3.2), generalized from the teacher repository's CWTFile read/write
// idiom into a reusable map with optional disk durability.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Store is an in-memory key/value snapshot with optional zstd-compressed
// disk persistence. It implements the engine's Store contract.
type Store struct {
	mu         sync.RWMutex
	fields     map[string]json.RawMessage
	path       string
	saveToDisk bool
}

// New creates a Store that persists to path when SetSaveToDisk(true) is
// called. path may be empty if disk persistence is never enabled.
func New(path string) *Store {
	return &Store{
		fields: map[string]json.RawMessage{},
		path:   path,
	}
}

// Load reads an existing snapshot from disk, if path is non-empty and the
// file exists. A missing file is not an error: it means "no local copy".
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := readCompressed(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: loading %s: %w", s.path, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("store: decoding %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = fields
	return nil
}

// State returns a copy of the current flat key/value state.
func (s *Store) State() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fields[key]
	return ok
}

// IsEmpty reports whether no fields are persisted at all.
func (s *Store) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fields) == 0
}

// SetState merges partial into the snapshot. A nil value for a key deletes
// that field. Writes through to disk if SetSaveToDisk(true) was called.
func (s *Store) SetState(partial map[string]json.RawMessage) error {
	s.mu.Lock()
	for k, v := range partial {
		if v == nil {
			delete(s.fields, k)
			continue
		}
		s.fields[k] = v
	}
	saveToDisk := s.saveToDisk
	path := s.path
	fields := s.snapshotLocked()
	s.mu.Unlock()

	if !saveToDisk || path == "" {
		return nil
	}
	return writeCompressed(path, fields)
}

// snapshotLocked returns a copy of the fields map. Caller must hold s.mu.
func (s *Store) snapshotLocked() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// SetSaveToDisk toggles whether future mutations are persisted to disk.
// Idempotent; enabling immediately flushes the current snapshot.
func (s *Store) SetSaveToDisk(save bool) error {
	s.mu.Lock()
	s.saveToDisk = save
	path := s.path
	fields := s.snapshotLocked()
	s.mu.Unlock()

	if !save || path == "" {
		return nil
	}
	return writeCompressed(path, fields)
}

func writeCompressed(path string, fields map[string]json.RawMessage) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("store: encoding snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("store: creating compressor: %w", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(raw, nil)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("store: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: renaming into place: %w", err)
	}
	return nil
}

func readCompressed(path string) ([]byte, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("store: creating decompressor: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}
