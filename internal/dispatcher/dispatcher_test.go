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

package dispatcher

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"orchestratord/internal/credential"
	"orchestratord/internal/forge"
	"orchestratord/internal/session"
	"orchestratord/internal/statestore"
	"orchestratord/internal/task"
	"orchestratord/internal/webhook"
	"orchestratord/internal/worktree"
)

// fakeSessionState lets a test script tmux liveness per session name so
// watchCompletion/checkTimeout/CancelTask paths are deterministic.
type fakeSessionState struct {
	mu    sync.Mutex
	alive map[string]bool
}

func newFakeSession() (*session.Manager, *fakeSessionState) {
	st := &fakeSessionState{alive: make(map[string]bool)}
	exec := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if len(args) == 0 {
			return nil, nil
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		switch args[0] {
		case "new-session":
			sess := args[3] // new-session -d -s <name> -c <dir> <cmd>
			st.alive[sess] = true
			return nil, nil
		case "has-session":
			sess := args[2] // has-session -t <name>
			if st.alive[sess] {
				return nil, nil
			}
			return nil, errors.New("can't find session")
		case "kill-session", "send-keys", "pipe-pane":
			sess := args[2] // <cmd> -t <name> ...
			if args[0] == "kill-session" {
				delete(st.alive, sess)
			}
			return nil, nil
		}
		return nil, nil
	}
	return session.New(exec), st
}

func newFakeWorktree(t *testing.T) *worktree.Manager {
	t.Helper()
	base := t.TempDir()
	return worktree.New("/repo", base, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, nil
	})
}

func testRSAKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

type stubDoer struct{ status int }

func (s stubDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(bytes.NewBufferString(`{"token":"tok-123","expires_at":"2099-01-01T00:00:00Z"}`)),
	}, nil
}

func newTestDispatcher(t *testing.T, capacity int, forgeHandler http.HandlerFunc) (*Dispatcher, *fakeSessionState, *statestore.Store, func()) {
	t.Helper()
	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "state.json"))
	wt := newFakeWorktree(t)
	sessMgr, sessState := newFakeSession()
	wh := webhook.New(store, nil)

	cred, err := credential.New(credential.Config{
		AppID: "1", InstallationID: "1", PrivateKeyPEM: testRSAKeyPEM(t),
		ForgeBaseURL: "https://api.github.test", HTTPClient: stubDoer{status: 200},
	})
	if err != nil {
		t.Fatalf("credential.New() error = %v", err)
	}

	var forgeSrv *httptest.Server
	forgeBase := "https://forge.invalid"
	if forgeHandler != nil {
		forgeSrv = httptest.NewServer(forgeHandler)
		forgeBase = forgeSrv.URL
	}
	forgeCl := forge.New(forgeBase)

	d := New(Config{
		Capacity:    capacity,
		TaskTimeout: time.Hour,
		LogBasePath: filepath.Join(dir, "logs"),
		CancelGrace: 50 * time.Millisecond,
		LogInterval: time.Hour, // keep the log forwarder from firing mid-test
	}, store, wt, sessMgr, wh, cred, forgeCl, nil)

	cleanup := func() {
		d.Shutdown()
		if forgeSrv != nil {
			forgeSrv.Close()
		}
	}
	return d, sessState, store, cleanup
}

func submit(t *testing.T, d *Dispatcher, id, webhookURL string) task.Task {
	t.Helper()
	tk, err := d.SubmitTask(context.Background(), SubmitRequest{
		TaskID: id, Repo: "ex/repo", BaseBranch: "main", Prompt: "do work", WebhookURL: webhookURL,
	})
	if err != nil {
		t.Fatalf("SubmitTask(%s) error = %v", id, err)
	}
	return tk
}

func TestSubmitTaskHappyPath(t *testing.T) {
	d, _, store, cleanup := newTestDispatcher(t, 5, nil)
	defer cleanup()

	tk := submit(t, d, "t1", "")
	if tk.Status != task.StatusRunning {
		t.Errorf("SubmitTask() status = %q, want running", tk.Status)
	}
	if d.GetRunningCount() != 1 {
		t.Errorf("GetRunningCount() = %d, want 1", d.GetRunningCount())
	}

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := st.Tasks["t1"]; !ok {
		t.Error("task not persisted after SubmitTask()")
	}
}

func TestSubmitTaskAtCapacity(t *testing.T) {
	d, _, _, cleanup := newTestDispatcher(t, 2, nil)
	defer cleanup()

	submit(t, d, "t1", "")
	submit(t, d, "t2", "")

	_, err := d.SubmitTask(context.Background(), SubmitRequest{TaskID: "t3", Repo: "ex/repo", BaseBranch: "main"})
	if !errors.Is(err, ErrAtCapacity) {
		t.Errorf("SubmitTask() at capacity error = %v, want ErrAtCapacity", err)
	}
	if d.GetRunningCount() != 2 {
		t.Errorf("GetRunningCount() = %d, want 2 (rejection must not mutate state)", d.GetRunningCount())
	}
}

func TestSubmitTaskRejectsDuplicateRunningID(t *testing.T) {
	d, _, _, cleanup := newTestDispatcher(t, 5, nil)
	defer cleanup()

	submit(t, d, "dup", "")
	before := d.GetRunningCount()

	_, err := d.SubmitTask(context.Background(), SubmitRequest{TaskID: "dup", Repo: "ex/repo", BaseBranch: "main"})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("SubmitTask() on a still-running id error = %v, want ErrDuplicateTask", err)
	}
	if d.GetRunningCount() != before {
		t.Errorf("GetRunningCount() = %d after a rejected duplicate submission, want %d", d.GetRunningCount(), before)
	}
}

func TestCancelTaskTransitionsToCancelled(t *testing.T) {
	var hook int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hook, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _, store, cleanup := newTestDispatcher(t, 5, nil)
	defer cleanup()

	submit(t, d, "t1", srv.URL)

	if err := d.CancelTask(context.Background(), "t1"); err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := st.Tasks["t1"]
	if got.Status != task.StatusCancelled {
		t.Errorf("CancelTask() status = %q, want cancelled", got.Status)
	}
	if got.WorktreePath == "" {
		t.Error("cancelled task record lost its worktree path")
	}
	if d.GetRunningCount() != 0 {
		t.Errorf("GetRunningCount() = %d after cancellation, want 0", d.GetRunningCount())
	}
	if atomic.LoadInt32(&hook) != 1 {
		t.Errorf("webhook received %d deliveries, want exactly 1 terminal event", hook)
	}
}

func TestCancelTaskNotFound(t *testing.T) {
	d, _, _, cleanup := newTestDispatcher(t, 5, nil)
	defer cleanup()

	if err := d.CancelTask(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CancelTask() error = %v, want ErrNotFound", err)
	}
}

func TestCancelTaskAlreadyCompleted(t *testing.T) {
	d, _, _, cleanup := newTestDispatcher(t, 5, nil)
	defer cleanup()

	submit(t, d, "t1", "")
	if err := d.CancelTask(context.Background(), "t1"); err != nil {
		t.Fatalf("first CancelTask() error = %v", err)
	}
	if err := d.CancelTask(context.Background(), "t1"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("second CancelTask() error = %v, want ErrAlreadyCompleted", err)
	}
}

func TestClassifyAndFinishCompleted(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/pulls") {
			io.WriteString(w, `[{"number":1,"html_url":"https://example.test/pull/1","title":"Add feature","commits":2,"head":{"sha":"sha1","ref":"task/t1"}}]`)
			return
		}
		io.WriteString(w, `{"check_runs":[{"status":"completed","conclusion":"success"}]}`)
	}
	d, sessState, store, cleanup := newTestDispatcher(t, 5, handler)
	defer cleanup()

	tk := submit(t, d, "t1", "")
	sessState.mu.Lock()
	delete(sessState.alive, tk.SessionName) // session has exited
	sessState.mu.Unlock()

	d.classifyAndFinish("t1", tk)

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := st.Tasks["t1"]
	if got.Status != task.StatusCompleted {
		t.Errorf("classifyAndFinish() status = %q, want completed", got.Status)
	}
	if got.Result == nil || got.Result.PRURL == "" || got.Result.Commits != 2 {
		t.Errorf("classifyAndFinish() result = %+v, want populated PR result", got.Result)
	}
}

func TestClassifyAndFinishCIFailed(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/pulls") {
			io.WriteString(w, `[{"number":1,"head":{"sha":"sha1","ref":"task/t1"}}]`)
			return
		}
		io.WriteString(w, `{"check_runs":[{"status":"completed","conclusion":"failure"}]}`)
	}
	d, _, store, cleanup := newTestDispatcher(t, 5, handler)
	defer cleanup()

	tk := submit(t, d, "t1", "")
	d.classifyAndFinish("t1", tk)

	st, _ := store.Load()
	got := st.Tasks["t1"]
	if got.Status != task.StatusFailed || got.Error == nil || got.Error.Code != task.ReasonCIFailed {
		t.Errorf("classifyAndFinish() = status=%q error=%+v, want failed/ci_failed", got.Status, got.Error)
	}
}

func TestClassifyAndFinishNoPR(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}
	d, _, store, cleanup := newTestDispatcher(t, 5, handler)
	defer cleanup()

	tk := submit(t, d, "t1", "")
	d.classifyAndFinish("t1", tk)

	st, _ := store.Load()
	got := st.Tasks["t1"]
	if got.Status != task.StatusFailed || got.Error == nil || got.Error.Code != task.ReasonNoPR {
		t.Errorf("classifyAndFinish() = status=%q error=%+v, want failed/no_pr", got.Status, got.Error)
	}
	if !strings.HasPrefix(got.Error.Message, "Task exited without") {
		t.Errorf("error message = %q, want it to describe a missing PR", got.Error.Message)
	}
}

func TestCheckTimeoutInterruptsRunningTask(t *testing.T) {
	d, sessState, store, cleanup := newTestDispatcher(t, 5, nil)
	defer cleanup()

	tk := submit(t, d, "t1", "")
	sessState.mu.Lock()
	alive := sessState.alive[tk.SessionName]
	sessState.mu.Unlock()
	if !alive {
		t.Fatal("session should be alive right after submission")
	}

	d.checkTimeout("t1")

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := st.Tasks["t1"]
	if got.Status != task.StatusInterrupted {
		t.Errorf("checkTimeout() status = %q, want interrupted", got.Status)
	}

	sessState.mu.Lock()
	stillAlive := sessState.alive[tk.SessionName]
	sessState.mu.Unlock()
	if stillAlive {
		t.Error("checkTimeout() should have killed the session")
	}
}

func TestCheckTimeoutIsNoOpOnceTerminal(t *testing.T) {
	d, _, store, cleanup := newTestDispatcher(t, 5, nil)
	defer cleanup()

	submit(t, d, "t1", "")
	if err := d.CancelTask(context.Background(), "t1"); err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}

	d.checkTimeout("t1") // must be idempotent once the task is already terminal

	st, _ := store.Load()
	if got := st.Tasks["t1"].Status; got != task.StatusCancelled {
		t.Errorf("checkTimeout() after cancellation changed status to %q, want it to stay cancelled", got)
	}
}

func TestRecoverReattachesLiveSessionAndClassifiesDeadOne(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}
	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "state.json"))
	now := time.Now()

	_, err := store.Update(func(st *task.State) {
		st.Tasks["alive"] = task.Task{ID: "alive", Status: task.StatusRunning, SessionName: "task-alive", CreatedAt: now, TimeoutAt: now.Add(time.Hour)}
		st.Tasks["dead"] = task.Task{ID: "dead", Status: task.StatusRunning, SessionName: "task-dead", Repo: "ex/repo", CreatedAt: now, TimeoutAt: now.Add(time.Hour)}
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	wt := newFakeWorktree(t)
	sessMgr, sessState := newFakeSession()
	sessState.alive["task-alive"] = true
	wh := webhook.New(store, nil)
	cred, err := credential.New(credential.Config{AppID: "1", InstallationID: "1", PrivateKeyPEM: testRSAKeyPEM(t), HTTPClient: stubDoer{status: 200}})
	if err != nil {
		t.Fatalf("credential.New() error = %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()
	forgeCl := forge.New(srv.URL)

	d := New(Config{Capacity: 5, TaskTimeout: time.Hour, LogBasePath: filepath.Join(dir, "logs")}, store, wt, sessMgr, wh, cred, forgeCl, nil)
	defer d.Shutdown()

	if err := d.Recover(context.Background(), filepath.Join(dir, "worktrees"), time.Minute, 5*time.Minute); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	// Give the "dead" task's async classification goroutine a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _ := store.Load()
		if st.Tasks["dead"].Status != task.StatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.Tasks["alive"].Status != task.StatusRunning {
		t.Errorf("Recover() alive task status = %q, want it to stay running", st.Tasks["alive"].Status)
	}
	if st.Tasks["dead"].Status != task.StatusFailed {
		t.Errorf("Recover() dead task status = %q, want failed (no_pr)", st.Tasks["dead"].Status)
	}
}
