// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store exposes atomic load/save of the single root Doc. Read and Write are
// each atomic; there is no partial update and no schema migration. A read
// failure (missing or corrupt file) yields an empty default document rather
// than an error, per §4.5 — callers never need to distinguish "never
// written" from "corrupt".
type Store interface {
	Read() Doc
	Write(Doc) error
	// Update performs a read-modify-write under the store's single writer
	// lock: fn observes the current Doc and mutates it in place. Ordering
	// of successive Update calls against the same store is FIFO, which is
	// what gives text-channel appends their per-channel order (I7).
	Update(fn func(*Doc) error) error
}

// fileStore is the default Store: a single JSON file, guarded by a mutex so
// every Read/Write is serialized, with writes applied via a temp-file-then-
// rename so a crash mid-write never leaves a half-written document (§6.3).
type fileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a Store backed by the JSON file at path. The file
// does not need to exist yet.
func NewFileStore(path string) Store {
	return &fileStore{path: path}
}

func (s *fileStore) Read() Doc {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Doc{}
	}

	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Doc{}
	}
	return doc
}

func (s *fileStore) Write(doc Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".parlor-store-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func (s *fileStore) Update(fn func(*Doc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	var doc Doc
	if err == nil {
		if jsonErr := json.Unmarshal(data, &doc); jsonErr != nil {
			doc = Doc{}
		}
	}

	if err := fn(&doc); err != nil {
		return err
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".parlor-store-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	return os.Rename(tmpName, s.path)
}

// ErrNotFound names a missing document entity. The lookup helpers in
// this package report absence with a boolean and do not return it.
var ErrNotFound = errors.New("not found")
