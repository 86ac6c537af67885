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

// Package dispatcher is the heart of the orchestrator: it composes the
// working-copy manager, session manager, webhook client, credential
// service and state persister into admission control, a per-task
// lifecycle state machine, timeout supervision, completion detection,
// cancellation, and crash-recovery hydration.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"orchestratord/internal/audit"
	"orchestratord/internal/credential"
	"orchestratord/internal/dispatchauth"
	"orchestratord/internal/forge"
	"orchestratord/internal/logging"
	"orchestratord/internal/metrics"
	"orchestratord/internal/session"
	"orchestratord/internal/statestore"
	"orchestratord/internal/task"
	"orchestratord/internal/webhook"
	"orchestratord/internal/worktree"
)

// Sentinel error codes returned by SubmitTask and CancelTask.
var (
	ErrAtCapacity       = errors.New("dispatcher: at capacity")
	ErrServiceError     = errors.New("dispatcher: service error")
	ErrNotFound         = errors.New("dispatcher: task not found")
	ErrAlreadyCompleted = errors.New("dispatcher: task already completed")
	ErrDuplicateTask    = errors.New("dispatcher: task already running")
)

// Error wraps a dispatcher failure with the task it concerns and a
// taxonomy code, so callers can errors.Is against the sentinels above
// while still logging task-specific detail.
type Error struct {
	Op     string
	TaskID string
	Code   error
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatcher: %s task=%s: %v", e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("dispatcher: %s task=%s: %v", e.Op, e.TaskID, e.Code)
}

func (e *Error) Unwrap() error { return e.Code }

// SubmitRequest is the admission request body accepted by POST /tasks.
type SubmitRequest struct {
	TaskID           string
	WorkerType       task.WorkerType
	Repo             string
	BaseBranch       string
	Prompt           string
	LinearIssueID    string
	LinearIssueTitle string
	Slug             string
	ActionID         string
	WebhookURL       string
	WebhookSecret    string
}

// Config wires the Dispatcher to its collaborators and tunables.
type Config struct {
	Capacity      int
	TaskTimeout   time.Duration
	WarningMargin time.Duration // how long before TaskTimeout the warning fires
	LogInterval   time.Duration // cadence for draining a running task's log file to the webhook
	CancelGrace   time.Duration
	LogBasePath   string // base directory for per-task tmux pipe-pane log files
	Logger        *slog.Logger
	Now           func() time.Time
}

// Dispatcher is the Task Dispatcher described in the package doc.
type Dispatcher struct {
	cfg Config

	store    *statestore.Store
	worktree *worktree.Manager
	session  *session.Manager
	webhook  *webhook.Client
	cred     *credential.Service
	forgeCl  *forge.Client
	auditLog *audit.Log

	logger *slog.Logger
	now    func() time.Time

	// runningCount and taskLocks are the in-memory fast path; the
	// persisted task map in the state store is the durable source of
	// truth. taskLocks gives independent tasks a disjoint critical
	// section so admission, timers, and cancellation on different
	// taskIds never block on each other; the Store's own mutex is the
	// single serialized writer for the disk representation (see
	// statestore.Store.Update).
	mu           sync.Mutex
	runningCount int
	taskLocks    map[string]*sync.Mutex

	stopTimers map[string]context.CancelFunc
	timersMu   sync.Mutex

	stopCtx    context.Context
	stopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// defaultPollInterval is the completion-poller cadence; kept unexported so the
// Config struct doesn't carry two competing names for the same knob.
const defaultPollInterval = 30 * time.Second

// New constructs a Dispatcher. Call Recover before serving admission
// requests so in-flight tasks from a previous process are reconciled.
func New(cfg Config, store *statestore.Store, wt *worktree.Manager, sess *session.Manager,
	wh *webhook.Client, cred *credential.Service, forgeCl *forge.Client, auditLog *audit.Log) *Dispatcher {

	if cfg.Logger == nil {
		cfg.Logger = logging.New("info")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WarningMargin <= 0 {
		cfg.WarningMargin = 5 * time.Minute
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		store:      store,
		worktree:   wt,
		session:    sess,
		webhook:    wh,
		cred:       cred,
		forgeCl:    forgeCl,
		auditLog:   auditLog,
		logger:     cfg.Logger,
		now:        cfg.Now,
		taskLocks:  make(map[string]*sync.Mutex),
		stopTimers: make(map[string]context.CancelFunc),
		stopCtx:    ctx,
		stopCancel: cancel,
	}
}

func (d *Dispatcher) lockFor(taskID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.taskLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		d.taskLocks[taskID] = l
	}
	return l
}

func (d *Dispatcher) logf(level slog.Level, msg string, args ...any) {
	d.logger.Log(context.Background(), level, msg, args...)
}

// GetCapacity returns the configured concurrency limit.
func (d *Dispatcher) GetCapacity() int { return d.cfg.Capacity }

// GetRunningCount returns the current in-memory running task count.
func (d *Dispatcher) GetRunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runningCount
}

// GetTask returns a snapshot of a task's record, or nil if unknown.
func (d *Dispatcher) GetTask(taskID string) (*task.Task, error) {
	st, err := d.store.Load()
	if err != nil {
		return nil, err
	}
	t, ok := st.Tasks[taskID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// SubmitTask admits a new task if capacity allows, wiring a fresh working
// copy, session, log forwarder, and timers.
func (d *Dispatcher) SubmitTask(ctx context.Context, req SubmitRequest) (task.Task, error) {
	lock := d.lockFor(req.TaskID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := d.store.Load(); err == nil {
		if t, ok := existing.Tasks[req.TaskID]; ok && t.Status == task.StatusRunning {
			metrics.IncTaskAdmitted("rejected")
			return task.Task{}, &Error{Op: "submit", TaskID: req.TaskID, Code: ErrDuplicateTask}
		}
	}

	d.mu.Lock()
	if d.runningCount >= d.cfg.Capacity {
		d.mu.Unlock()
		metrics.IncTaskAdmitted("rejected")
		return task.Task{}, &Error{Op: "submit", TaskID: req.TaskID, Code: ErrAtCapacity}
	}
	d.runningCount++
	d.mu.Unlock()

	secret := req.WebhookSecret
	if secret == "" {
		var err error
		secret, err = dispatchauth.GenerateWebhookSecret()
		if err != nil {
			d.mu.Lock()
			d.runningCount--
			d.mu.Unlock()
			metrics.IncTaskAdmitted("rejected")
			return task.Task{}, &Error{Op: "submit", TaskID: req.TaskID, Code: ErrServiceError, Err: err}
		}
	}

	t := task.New(task.NewParams{
		ID:               req.TaskID,
		WorkerType:       req.WorkerType,
		Repo:             req.Repo,
		BaseBranch:       req.BaseBranch,
		Prompt:           req.Prompt,
		LinearIssueID:    req.LinearIssueID,
		LinearIssueTitle: req.LinearIssueTitle,
		Slug:             req.Slug,
		ActionID:         req.ActionID,
		WebhookURL:       req.WebhookURL,
		WebhookSecret:    secret,
	}, d.cfg.TaskTimeout)
	t.SessionName = session.Name(req.TaskID)

	revert := func() {
		d.mu.Lock()
		d.runningCount--
		d.mu.Unlock()
		_, _ = d.store.Update(func(st *task.State) {
			delete(st.Tasks, req.TaskID)
		})
	}

	if _, err := d.store.Update(func(st *task.State) {
		st.Tasks[req.TaskID] = t
	}); err != nil {
		d.mu.Lock()
		d.runningCount--
		d.mu.Unlock()
		metrics.IncTaskAdmitted("rejected")
		return task.Task{}, &Error{Op: "submit", TaskID: req.TaskID, Code: ErrServiceError, Err: err}
	}

	worktreePath, err := d.worktree.Create(ctx, req.TaskID, req.BaseBranch)
	if err != nil {
		revert()
		metrics.IncTaskAdmitted("rejected")
		return task.Task{}, &Error{Op: "submit", TaskID: req.TaskID, Code: ErrServiceError, Err: err}
	}
	t.WorktreePath = worktreePath
	t.LogPath = filepath.Join(d.cfg.LogBasePath, req.TaskID+".log")

	if err := os.MkdirAll(filepath.Dir(t.LogPath), 0o755); err != nil {
		_ = d.worktree.Remove(ctx, req.TaskID)
		revert()
		metrics.IncTaskAdmitted("rejected")
		return task.Task{}, &Error{Op: "submit", TaskID: req.TaskID, Code: ErrServiceError, Err: err}
	}

	cmdLine := fmt.Sprintf("orchestrator-agent --worker %s --prompt %s", t.WorkerType, shellQuote(req.Prompt))
	if err := d.session.Start(ctx, t.SessionName, worktreePath, t.LogPath, cmdLine); err != nil {
		_ = d.worktree.Remove(ctx, req.TaskID)
		revert()
		metrics.IncTaskAdmitted("rejected")
		return task.Task{}, &Error{Op: "submit", TaskID: req.TaskID, Code: ErrServiceError, Err: err}
	}

	if _, err := d.store.Update(func(st *task.State) {
		st.Tasks[req.TaskID] = t
	}); err != nil {
		d.logf(slog.LevelError, "persist task after session start failed", "taskId", req.TaskID, "error", err)
	}

	d.armTimers(req.TaskID, t.TimeoutAt)
	d.wg.Add(1)
	go d.watchCompletion(req.TaskID)
	d.wg.Add(1)
	go d.forwardLogs(req.TaskID)

	metrics.IncTaskAdmitted("accepted")
	d.appendEvent(req.TaskID, "info", "task admitted", "admit")
	return t, nil
}

// CancelTask requests a graceful-then-forceful stop of a running task.
func (d *Dispatcher) CancelTask(ctx context.Context, taskID string) error {
	lock := d.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	st, err := d.store.Load()
	if err != nil {
		return &Error{Op: "cancel", TaskID: taskID, Code: ErrServiceError, Err: err}
	}
	t, ok := st.Tasks[taskID]
	if !ok {
		return &Error{Op: "cancel", TaskID: taskID, Code: ErrNotFound}
	}
	if t.Status.IsTerminal() {
		return &Error{Op: "cancel", TaskID: taskID, Code: ErrAlreadyCompleted}
	}

	_ = d.session.SignalGraceful(ctx, t.SessionName)
	graceCtx, cancel := context.WithTimeout(ctx, d.cfg.CancelGrace)
	defer cancel()
	for d.session.IsAlive(ctx, t.SessionName) {
		select {
		case <-graceCtx.Done():
			_ = d.session.Kill(ctx, t.SessionName)
			goto terminate
		case <-time.After(200 * time.Millisecond):
		}
	}

terminate:
	d.finishTask(ctx, taskID, task.StatusCancelled, task.ReasonOperator, nil, nil)
	return nil
}

// armTimers schedules the warning and kill timers for a task, keyed so a
// later re-arm (e.g. on recovery) first cancels the previous pair.
func (d *Dispatcher) armTimers(taskID string, timeoutAt time.Time) {
	d.timersMu.Lock()
	if cancel, ok := d.stopTimers[taskID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(d.stopCtx)
	d.stopTimers[taskID] = cancel
	d.timersMu.Unlock()

	warnAt := timeoutAt.Add(-d.cfg.WarningMargin)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		now := d.now()
		if warnDelay := warnAt.Sub(now); warnDelay > 0 {
			select {
			case <-time.After(warnDelay):
				d.checkWarning(taskID)
			case <-ctx.Done():
				return
			}
		} else {
			d.checkWarning(taskID)
		}

		killDelay := timeoutAt.Sub(d.now())
		if killDelay < 0 {
			killDelay = 0
		}
		select {
		case <-time.After(killDelay):
			d.checkTimeout(taskID)
		case <-ctx.Done():
		}
	}()
}

func (d *Dispatcher) checkWarning(taskID string) {
	st, err := d.store.Load()
	if err != nil {
		return
	}
	t, ok := st.Tasks[taskID]
	if !ok || t.Status != task.StatusRunning {
		return
	}
	d.logf(slog.LevelWarn, "task approaching timeout", "taskId", taskID)
	d.appendEvent(taskID, "warn", "task approaching timeout", "timeout_warning")
}

func (d *Dispatcher) checkTimeout(taskID string) {
	lock := d.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	st, err := d.store.Load()
	if err != nil {
		return
	}
	t, ok := st.Tasks[taskID]
	if !ok || t.Status != task.StatusRunning {
		return // idempotent: already terminal
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = d.session.Kill(ctx, t.SessionName)
	d.finishTask(ctx, taskID, task.StatusInterrupted, task.ReasonTimeout, nil, &task.ErrorInfo{
		Code:    task.ReasonTimeout,
		Message: "task exceeded its configured time budget and was killed",
	})
}

// watchCompletion polls session liveness every defaultPollInterval until the
// session has exited, then classifies the outcome. A panic inside one
// task's poller is recovered and logged so it cannot take down the
// monitor for every other task.
func (d *Dispatcher) watchCompletion(taskID string) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logf(slog.LevelError, "completion poller panicked", "taskId", taskID, "panic", r)
		}
	}()

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCtx.Done():
			return
		case <-ticker.C:
			st, err := d.store.Load()
			if err != nil {
				continue
			}
			t, ok := st.Tasks[taskID]
			if !ok || t.Status != task.StatusRunning {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			alive := d.session.IsAlive(ctx, t.SessionName)
			cancel()
			if alive {
				continue
			}

			lock := d.lockFor(taskID)
			lock.Lock()
			d.classifyAndFinish(taskID, t)
			lock.Unlock()
			return
		}
	}
}

// forwardLogs tails a running task's tmux pipe-pane log file and streams
// newly-appended bytes to the task's webhook as log-chunk events, until
// the task reaches a terminal state. Delivery failures are counted, not
// retried indefinitely: the webhook client's own outbox already covers
// transient failures for the terminal event, and a chatty log stream is
// not worth resurrecting after a restart.
func (d *Dispatcher) forwardLogs(taskID string) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logf(slog.LevelError, "log forwarder panicked", "taskId", taskID, "panic", r)
		}
	}()

	ticker := time.NewTicker(d.cfg.LogInterval)
	defer ticker.Stop()

	var offset int64
	var failures int
	for {
		select {
		case <-d.stopCtx.Done():
			return
		case <-ticker.C:
			st, err := d.store.Load()
			if err != nil {
				continue
			}
			t, ok := st.Tasks[taskID]
			if !ok {
				return
			}

			chunk, newOffset, err := readLogChunk(t.LogPath, offset)
			if err != nil {
				if t.Status.IsTerminal() {
					return
				}
				continue
			}
			offset = newOffset
			if len(chunk) == 0 {
				if t.Status.IsTerminal() {
					return
				}
				continue
			}

			payload, err := json.Marshal(logEventPayload{TaskID: taskID, Status: "log", Chunk: string(chunk)})
			if err == nil {
				if sendErr := d.webhook.Send(context.Background(), webhook.Delivery{
					TaskID:        taskID,
					URL:           t.WebhookURL,
					Payload:       payload,
					WebhookSecret: t.WebhookSecret,
				}); sendErr != nil {
					failures++
					d.logf(slog.LevelWarn, "log chunk delivery failed", "taskId", taskID, "failures", failures, "error", sendErr)
				}
			}

			if t.Status.IsTerminal() {
				return
			}
		}
	}
}

// readLogChunk reads any bytes appended to path since offset. A missing
// file (the session hasn't produced output yet) is not an error.
func readLogChunk(path string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() < offset {
		offset = 0 // log file was truncated or replaced
	}
	if info.Size() == offset {
		return nil, offset, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	return buf, offset + int64(len(buf)), nil
}

type logEventPayload struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Chunk  string `json:"chunk"`
}

// classifyAndFinish implements completion detection: inspect the
// source-forge for a pull request on this task's branch and its CI
// status, then drive the terminal transition.
func (d *Dispatcher) classifyAndFinish(taskID string, t task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	owner, repo, ok := strings.Cut(t.Repo, "/")
	if !ok {
		d.finishTask(ctx, taskID, task.StatusFailed, task.ReasonForgeError, nil, &task.ErrorInfo{
			Code:    task.ReasonForgeError,
			Message: fmt.Sprintf("task repository %q is not in owner/repo form", t.Repo),
		})
		return
	}

	tok := d.cred.GetToken(ctx)
	if tok == "" {
		d.finishTask(ctx, taskID, task.StatusFailed, task.ReasonForgeError, nil, &task.ErrorInfo{
			Code:        task.ReasonForgeError,
			Message:     "no valid GitHub installation token available",
			Remediation: "check GitHub App credentials and retry once restored",
		})
		return
	}

	branch := branchName(taskID, t.Slug)
	class := d.forgeCl.ClassifyDetailed(ctx, tok, owner, repo, branch)

	var result *task.Result
	if class.PR != nil {
		result = &task.Result{
			PRURL:   class.PR.HTMLURL,
			Branch:  class.PR.Head.Ref,
			Commits: class.PR.Commits,
			Summary: class.PR.Summary(),
		}
	}

	switch class.Outcome {
	case forge.OutcomeCompleted:
		d.finishTask(ctx, taskID, task.StatusCompleted, task.ReasonNone, result, nil)
	case forge.OutcomeCIFailed:
		d.finishTask(ctx, taskID, task.StatusFailed, task.ReasonCIFailed, result, &task.ErrorInfo{
			Code:    task.ReasonCIFailed,
			Message: "continuous integration failed on the task's pull request",
		})
	default:
		d.finishTask(ctx, taskID, task.StatusFailed, task.ReasonNoPR, result, &task.ErrorInfo{
			Code:    task.ReasonNoPR,
			Message: "Task exited without producing a pull request",
		})
	}
}

// finishTask performs the absorbing transition out of running, in this
// order: persist status+completedAt+result/error in one store update,
// send (or enqueue) the terminal webhook, kill the session, remove the
// worktree, decrement the counter, then record metrics and the audit
// event. The log forwarder is not stopped here; it exits on its own once
// it observes the terminal status.
func (d *Dispatcher) finishTask(ctx context.Context, taskID string, status task.Status, reason task.Reason, result *task.Result, errInfo *task.ErrorInfo) {
	d.timersMu.Lock()
	if cancel, ok := d.stopTimers[taskID]; ok {
		cancel()
		delete(d.stopTimers, taskID)
	}
	d.timersMu.Unlock()

	now := d.now()
	var finished task.Task
	var alreadyTerminal bool
	_, err := d.store.Update(func(st *task.State) {
		t, ok := st.Tasks[taskID]
		if !ok || t.Status.IsTerminal() {
			alreadyTerminal = true
			return
		}
		t.Status = status
		t.Reason = reason
		t.UpdatedAt = now
		t.CompletedAt = &now
		t.Result = result
		t.Error = errInfo
		st.Tasks[taskID] = t
		finished = t
	})
	if err != nil {
		d.logf(slog.LevelError, "persist terminal status failed", "taskId", taskID, "error", err)
	}
	if alreadyTerminal {
		return
	}

	if finished.WebhookURL != "" {
		payload, err := json.Marshal(terminalEventPayload{
			TaskID: taskID,
			Status: string(status),
			Result: result,
			Error:  errInfo,
		})
		if err != nil {
			d.logf(slog.LevelError, "marshal terminal webhook payload failed", "taskId", taskID, "error", err)
		} else if err := d.webhook.Send(ctx, webhook.Delivery{
			TaskID:        taskID,
			URL:           finished.WebhookURL,
			Payload:       payload,
			WebhookSecret: finished.WebhookSecret,
		}); err != nil {
			d.logf(slog.LevelError, "enqueue terminal webhook failed", "taskId", taskID, "error", err)
		}
	}

	_ = d.session.Kill(ctx, finished.SessionName)
	if err := d.worktree.Remove(ctx, taskID); err != nil {
		d.logf(slog.LevelWarn, "remove worktree failed", "taskId", taskID, "error", err)
	}

	d.mu.Lock()
	d.runningCount--
	d.mu.Unlock()

	metrics.IncTaskTerminal(string(status))
	metrics.ObserveTaskDuration(string(status), now.Sub(finished.CreatedAt))
	d.appendEvent(taskID, "info", fmt.Sprintf("task reached terminal status %s (%s)", status, reason), "terminal")
}

// terminalEventPayload is the webhook body for a task's final event. Only
// one of Result/Error is populated depending on Status.
type terminalEventPayload struct {
	TaskID string          `json:"taskId"`
	Status string          `json:"status"`
	Result *task.Result    `json:"result,omitempty"`
	Error  *task.ErrorInfo `json:"error,omitempty"`
}

// Recover hydrates the dispatcher from the persisted state document: each
// still-running task is re-inspected (session alive -> re-attach and
// re-arm timers; session gone -> classify as a completion event), orphan
// worktrees are deleted, background credential refresh starts, and the
// webhook outbox is drained immediately and then on a schedule.
func (d *Dispatcher) Recover(ctx context.Context, worktreeBase string, webhookRetryInterval, credentialRefreshInterval time.Duration) error {
	st, err := d.store.Load()
	if err != nil {
		return fmt.Errorf("dispatcher: recover: load state: %w", err)
	}

	running := 0
	for id, t := range st.Tasks {
		if t.Status != task.StatusRunning {
			continue
		}
		running++
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		alive := d.session.IsAlive(checkCtx, t.SessionName)
		cancel()
		if alive {
			d.armTimers(id, t.TimeoutAt)
			d.wg.Add(1)
			go d.watchCompletion(id)
			d.wg.Add(1)
			go d.forwardLogs(id)
			d.appendEvent(id, "info", "task re-attached after restart", "recover")
			continue
		}
		d.wg.Add(1)
		go func(id string, t task.Task) {
			defer d.wg.Done()
			lock := d.lockFor(id)
			lock.Lock()
			defer lock.Unlock()
			d.classifyAndFinish(id, t)
		}(id, t)
	}

	d.mu.Lock()
	d.runningCount = running
	d.mu.Unlock()

	orphans, err := statestore.DetectOrphanWorktrees(worktreeBase, st.Tasks)
	if err != nil {
		d.logf(slog.LevelWarn, "detect orphan worktrees failed", "error", err)
	}
	for _, o := range orphans {
		d.logf(slog.LevelInfo, "removing orphan worktree", "path", o)
		if err := d.worktree.Remove(ctx, filepath.Base(o)); err != nil {
			d.logf(slog.LevelWarn, "remove orphan worktree failed", "path", o, "error", err)
		}
	}

	d.cred.StartBackgroundRefresh(d.stopCtx, credentialRefreshInterval)

	if err := d.webhook.RetryPending(ctx); err != nil {
		d.logf(slog.LevelWarn, "initial webhook retry sweep failed", "error", err)
	}
	d.webhook.StartRetryLoop(d.stopCtx, webhookRetryInterval)

	return nil
}

// Shutdown stops all background goroutines and waits for them to exit.
func (d *Dispatcher) Shutdown() {
	d.stopCancel()
	d.cred.StopBackgroundRefresh()
	d.wg.Wait()
}

func (d *Dispatcher) appendEvent(taskID, level, message, step string) {
	if d.auditLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.auditLog.Append(ctx, task.Event{TaskID: taskID, Time: d.now(), Level: level, Message: message, Step: step}); err != nil {
		d.logf(slog.LevelWarn, "append audit event failed", "taskId", taskID, "error", err)
	}
}

// branchName is the deterministic branch-naming convention the agent is
// expected to follow: task/<slug> when a slug was supplied at admission
// (more readable on the source-forge), falling back to task/<taskId>.
func branchName(taskID, slug string) string {
	if slug != "" {
		return "task/" + slug
	}
	return "task/" + taskID
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
