// Package store persists run state snapshots. Each run owns one JSON document
// under <root>/runs/<id>/state.json; a successful Save is the only thing that
// makes a state transition real.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/msageha/stagehand/internal/model"
)

// ErrNotFound is returned by Load when no snapshot exists for the run.
var ErrNotFound = os.ErrNotExist

// Store is the engine's durability boundary. Save must be atomic: a failed
// Save leaves the previous snapshot intact and readable.
type Store interface {
	Save(state *model.RunState) error
	Load(runID string) (*model.RunState, error)
	Exists(runID string) (bool, error)
}

// FileStore keeps snapshots on an afero filesystem.
type FileStore struct {
	fs   afero.Fs
	root string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, root: dir}
}

// RunDir returns the directory holding a run's snapshot and related files.
func (s *FileStore) RunDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

func (s *FileStore) statePath(runID string) string {
	return filepath.Join(s.RunDir(runID), "state.json")
}

// Save writes the snapshot atomically: temp file, sync, re-read validation,
// backup of the previous snapshot, rename. Any failure before the rename
// leaves the previous snapshot untouched.
func (s *FileStore) Save(state *model.RunState) error {
	if !model.ValidateRunID(state.RunID) {
		return fmt.Errorf("save state: invalid run ID %q", state.RunID)
	}

	content, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	content = append(content, '\n')

	dir := s.RunDir(state.RunID)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Validate written content by re-reading the temp file.
	written, err := afero.ReadFile(s.fs, tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	var check model.RunState
	if err := json.Unmarshal(written, &check); err != nil {
		return fmt.Errorf("state validation failed: %w", err)
	}

	path := s.statePath(state.RunID)
	if ok, _ := afero.Exists(s.fs, path); ok {
		if err := s.copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := s.fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Load reads a run's snapshot. Missing runs return ErrNotFound.
func (s *FileStore) Load(runID string) (*model.RunState, error) {
	data, err := afero.ReadFile(s.fs, s.statePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state model.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state for run %s: %w", runID, err)
	}
	return &state, nil
}

// Exists reports whether a snapshot exists for the run.
func (s *FileStore) Exists(runID string) (bool, error) {
	return afero.Exists(s.fs, s.statePath(runID))
}

// List returns the IDs of all runs with a snapshot, sorted by directory order.
func (s *FileStore) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.root, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if !model.ValidateRunID(entry.Name()) {
			continue
		}
		if ok, _ := afero.Exists(s.fs, s.statePath(entry.Name())); ok {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

func (s *FileStore) copyFile(src, dst string) error {
	data, err := afero.ReadFile(s.fs, src)
	if err != nil {
		return err
	}
	return afero.WriteFile(s.fs, dst, data, 0644)
}
