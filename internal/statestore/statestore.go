// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package statestore persists the orchestrator's single state document
// (tasks, installation credential, pending webhooks) to disk, atomically,
// so a crash mid-write never leaves a torn file behind.
package statestore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"orchestratord/internal/task"
)

// Store guards a single JSON state document on disk with a mutex so that
// concurrent Save calls from independent task goroutines serialize cleanly.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store backed by the document at path. The directory is
// created on first Save if it does not exist.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the state document. A missing file is not an error: it
// returns an empty State, the expected condition on first boot. Stale
// ".tmp-*" siblings left by a Save that crashed before its rename are
// deleted first.
func (s *Store) Load() (task.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stale, err := filepath.Glob(filepath.Join(filepath.Dir(s.path), ".tmp-*")); err == nil {
		for _, name := range stale {
			os.Remove(name)
		}
	}
	return s.loadLocked()
}

// Save writes st to disk via a temp-file-write + fsync + rename so the
// document on disk is always either the previous or the new version,
// never a partial one.
func (s *Store) Save(st task.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path, data, 0o600)
}

// Update is the single serialized writer for this document: it loads the
// current state, applies fn, and saves the result, all under one lock.
// Independent components (Dispatcher, Webhook Client)
// each own a disjoint part of State and call Update to persist their part;
// funneling every write through one lock means the file on disk is never
// the product of two half-applied mutations, even though the components
// that produce those mutations run concurrently.
func (s *Store) Update(fn func(*task.State)) (task.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return task.State{}, err
	}
	fn(&st)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return task.State{}, fmt.Errorf("statestore: encode: %w", err)
	}
	if err := writeAtomic(s.path, data, 0o600); err != nil {
		return task.State{}, err
	}
	return st, nil
}

func (s *Store) loadLocked() (task.State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return task.NewState(), nil
		}
		return task.State{}, fmt.Errorf("statestore: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return task.NewState(), nil
	}
	var st task.State
	if err := json.Unmarshal(data, &st); err != nil {
		return task.State{}, fmt.Errorf("statestore: decode %s: %w", s.path, err)
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]task.Task)
	}
	return st, nil
}

// writeAtomic writes content to path via a sibling temp file, fsyncing it
// before the rename so the replacement is durable even across a crash.
func writeAtomic(path string, content []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
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
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// DetectOrphanWorktrees lists entries under worktreeBase that are not the
// worktree of any known taskId, so crash recovery can reclaim disk space
// left behind by a task whose record was lost or never reached this
// running status in the persisted document.
func DetectOrphanWorktrees(worktreeBase string, known map[string]task.Task) ([]string, error) {
	entries, err := os.ReadDir(worktreeBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("statestore: read worktree base %s: %w", worktreeBase, err)
	}

	knownDirs := make(map[string]struct{}, len(known))
	for id, t := range known {
		knownDirs[id] = struct{}{}
		if t.WorktreePath != "" {
			knownDirs[filepath.Base(t.WorktreePath)] = struct{}{}
		}
	}

	var orphans []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := knownDirs[e.Name()]; !ok {
			orphans = append(orphans, filepath.Join(worktreeBase, e.Name()))
		}
	}
	return orphans, nil
}
