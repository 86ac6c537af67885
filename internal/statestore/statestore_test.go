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

package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"orchestratord/internal/task"
)

func TestLoadAbsentFileReturnsEmptyState(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "state.json"))

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Tasks) != 0 {
		t.Errorf("Load() on absent file returned %d tasks, want 0", len(st.Tasks))
	}
	if st.Tasks == nil {
		t.Error("Load() returned a nil Tasks map")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "state.json"))

	want := task.NewState()
	want.Tasks["t1"] = task.Task{
		ID:     "t1",
		Status: task.StatusRunning,
		Repo:   "ex/repo",
	}
	want.GithubToken = &task.InstallationCredential{Token: "tok", ExpiresAt: time.Now().UTC().Round(time.Second)}

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Tasks) != 1 || got.Tasks["t1"].ID != "t1" {
		t.Errorf("Load() after Save() = %+v, want task t1 present", got.Tasks)
	}
	if got.GithubToken == nil || got.GithubToken.Token != "tok" {
		t.Errorf("Load() GithubToken = %+v, want token \"tok\"", got.GithubToken)
	}
}

func TestLoadTruncatedFileIsHandled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte(""), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s := New(path)
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() on empty file error = %v", err)
	}
	if len(st.Tasks) != 0 {
		t.Errorf("Load() on empty file returned %d tasks, want 0", len(st.Tasks))
	}
}

func TestLoadRemovesStaleTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(path)

	if err := s.Save(task.NewState()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	stale := filepath.Join(dir, ".tmp-stale123")
	if err := os.WriteFile(stale, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// Load deletes temp files left by a crashed Save and keeps the state
	// document itself.
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("state file missing after Load(): %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale temp file still present after Load(): err = %v", err)
	}
}

func TestUpdateIsSerializedAcrossGoroutines(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "state.json"))

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("task-%d", i)
		go func(id string) {
			defer wg.Done()
			_, _ = s.Update(func(st *task.State) {
				st.Tasks[id] = task.Task{ID: id, Status: task.StatusRunning}
			})
		}(id)
	}
	wg.Wait()

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Tasks) == 0 {
		t.Error("Update() from concurrent goroutines lost every write")
	}
}

func TestDetectOrphanWorktrees(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"known-task", "orphan-1", "orphan-2"} {
		if err := os.Mkdir(filepath.Join(base, name), 0o755); err != nil {
			t.Fatalf("Mkdir(%s) error = %v", name, err)
		}
	}
	// A stray file (not a directory) must never be reported as an orphan.
	if err := os.WriteFile(filepath.Join(base, "not-a-dir"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	known := map[string]task.Task{
		"t1": {WorktreePath: filepath.Join(base, "known-task")},
	}

	orphans, err := DetectOrphanWorktrees(base, known)
	if err != nil {
		t.Fatalf("DetectOrphanWorktrees() error = %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("DetectOrphanWorktrees() = %v, want 2 entries", orphans)
	}
	names := map[string]bool{}
	for _, o := range orphans {
		names[filepath.Base(o)] = true
	}
	if !names["orphan-1"] || !names["orphan-2"] {
		t.Errorf("DetectOrphanWorktrees() = %v, want orphan-1 and orphan-2", orphans)
	}
}

func TestDetectOrphanWorktreesMissingBaseIsNotError(t *testing.T) {
	orphans, err := DetectOrphanWorktrees(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	if err != nil {
		t.Fatalf("DetectOrphanWorktrees() error = %v", err)
	}
	if orphans != nil {
		t.Errorf("DetectOrphanWorktrees() = %v, want nil", orphans)
	}
}
