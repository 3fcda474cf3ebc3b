package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TombstoneStore loads and saves the pending-delete set.
type TombstoneStore interface {
	Load() (map[string]time.Time, error)
	Save(map[string]time.Time) error
}

type tombstoneFile struct {
	PendingDeletes map[string]time.Time `json:"pendingDeletes"`
}

// FileTombstones keeps the set in a JSON file.
type FileTombstones struct {
	path string
}

// NewFileTombstones stores the set at path. The file is created on first save.
func NewFileTombstones(path string) *FileTombstones {
	return &FileTombstones{path: path}
}

// Load returns the saved set, empty if the file does not exist yet.
func (f *FileTombstones) Load() (map[string]time.Time, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]time.Time{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tombstones: read: %w", err)
	}
	var doc tombstoneFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tombstones: decode %s: %w", f.path, err)
	}
	if doc.PendingDeletes == nil {
		doc.PendingDeletes = map[string]time.Time{}
	}
	return doc.PendingDeletes, nil
}

// Save replaces the file atomically.
func (f *FileTombstones) Save(set map[string]time.Time) error {
	data, err := json.MarshalIndent(tombstoneFile{PendingDeletes: set}, "", "  ")
	if err != nil {
		return fmt.Errorf("tombstones: encode: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tombstones: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tombstones-*")
	if err != nil {
		return fmt.Errorf("tombstones: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("tombstones: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tombstones: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tombstones: rename: %w", err)
	}
	return nil
}

// MemoryTombstones keeps the set in memory.
type MemoryTombstones struct {
	mu  sync.Mutex
	set map[string]time.Time
	// Saves counts calls to Save.
	Saves int
}

func (m *MemoryTombstones) Load() (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set == nil {
		return map[string]time.Time{}, nil
	}
	return maps.Clone(m.set), nil
}

func (m *MemoryTombstones) Save(set map[string]time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = maps.Clone(set)
	m.Saves++
	return nil
}
