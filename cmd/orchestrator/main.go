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

// Command orchestrator runs the code-task orchestrator: it admits
// HMAC-authenticated task requests over HTTP, isolates each task in its
// own working copy and terminal session, and drives it to a terminal
// status via timeout supervision and source-forge completion detection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"orchestratord/internal/audit"
	"orchestratord/internal/config"
	"orchestratord/internal/credential"
	"orchestratord/internal/dispatcher"
	"orchestratord/internal/dispatchauth"
	"orchestratord/internal/forge"
	"orchestratord/internal/logging"
	"orchestratord/internal/metrics"
	"orchestratord/internal/middleware"
	"orchestratord/internal/session"
	"orchestratord/internal/statestore"
	"orchestratord/internal/task"
	"orchestratord/internal/webhook"
	"orchestratord/internal/worktree"
)

const forgeBaseURL = "https://api.github.com"

func logConfig(logger *slog.Logger, cfg config.Config) {
	logger.Info("orchestrator configuration",
		"http_addr", cfg.HTTPAddr,
		"capacity", cfg.Capacity,
		"task_timeout", cfg.TaskTimeout,
		"state_file", cfg.StateFilePath,
		"git_repo_dir", cfg.GitRepoDir,
		"worktree_base", cfg.WorktreeBasePath,
		"log_base", cfg.LogBasePath,
		"dispatch_secret", cfg.RedactedSecret(),
		"github_app_id", cfg.GitHubAppID,
		"github_private_key_path", cfg.GitHubPrivateKeyPath,
		"github_installation_id", cfg.GitHubInstallationID,
		"github_token_file", cfg.GitHubTokenFilePath,
		"log_level", cfg.LogLevel,
		"audit_db", cfg.AuditDBPath,
		"webhook_retry_interval", cfg.WebhookRetryInterval,
		"credential_refresh_interval", cfg.CredentialRefreshInterval,
	)
}

type submitBody struct {
	TaskID           string `json:"taskId"`
	WorkerType       string `json:"workerType"`
	Prompt           string `json:"prompt"`
	Repository       string `json:"repository"`
	BaseBranch       string `json:"baseBranch"`
	WebhookURL       string `json:"webhookUrl"`
	WebhookSecret    string `json:"webhookSecret"`
	LinearIssueID    string `json:"linearIssueId"`
	LinearIssueTitle string `json:"linearIssueTitle"`
	Slug             string `json:"slug"`
	ActionID         string `json:"actionId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// tasksHandler implements POST /tasks (admission) and GET /tasks/{id}
// (read-only inspection), both behind the shared-secret HMAC scheme.
func tasksHandler(d *dispatcher.Dispatcher, secret string, nonces *dispatchauth.NonceCache, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		if err := dispatchauth.VerifyRequest(r, body, secret, time.Now()); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if nonce := r.Header.Get(dispatchauth.HeaderNonce); nonce != "" {
			if err := nonces.Check(nonce, time.Now()); err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}

		switch r.Method {
		case http.MethodPost:
			handleSubmit(d, body, w, r, logger)
		case http.MethodGet:
			handleGetTask(d, w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func handleSubmit(d *dispatcher.Dispatcher, body []byte, w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	var in submitBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": "invalid_json"})
		return
	}
	if in.TaskID == "" || in.Prompt == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": "missing_required_field"})
		return
	}

	_, err := d.SubmitTask(r.Context(), dispatcher.SubmitRequest{
		TaskID:           in.TaskID,
		WorkerType:       task.WorkerType(in.WorkerType),
		Repo:             in.Repository,
		BaseBranch:       in.BaseBranch,
		Prompt:           in.Prompt,
		LinearIssueID:    in.LinearIssueID,
		LinearIssueTitle: in.LinearIssueTitle,
		Slug:             in.Slug,
		ActionID:         in.ActionID,
		WebhookURL:       in.WebhookURL,
		WebhookSecret:    in.WebhookSecret,
	})
	if err != nil {
		var derr *dispatcher.Error
		if errors.As(err, &derr) && errors.Is(derr.Code, dispatcher.ErrAtCapacity) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": "at_capacity"})
			return
		}
		if errors.As(err, &derr) && errors.Is(derr.Code, dispatcher.ErrDuplicateTask) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": "duplicate"})
			return
		}
		logger.Error("submit task failed", "taskId", in.TaskID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": "service_error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func handleGetTask(d *dispatcher.Dispatcher, w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.NotFound(w, r)
		return
	}
	t, err := d.GetTask(taskID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func readyHandler(cfg config.Config, d *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(cfg.StateFilePath); err != nil && !os.IsNotExist(err) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": "state_file_unreachable"})
			return
		}
		if d.GetRunningCount() >= d.GetCapacity() {
			writeJSON(w, http.StatusOK, map[string]any{"ready": true, "capacity": "exhausted"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}

func newMux(cfg config.Config, d *dispatcher.Dispatcher, nonces *dispatchauth.NonceCache, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler(cfg, d))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/tasks", tasksHandler(d, cfg.DispatchSecret, nonces, logger))
	mux.Handle("/tasks/", tasksHandler(d, cfg.DispatchSecret, nonces, logger))

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	secHeaders := middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())

	return secHeaders(limiter.Middleware(mux))
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logConfig(logger, cfg)

	store := statestore.New(cfg.StateFilePath)

	wt := worktree.New(cfg.GitRepoDir, cfg.WorktreeBasePath, nil)
	sess := session.New(nil)
	wh := webhook.New(store, logger)

	var privateKeyPEM []byte
	if cfg.GitHubPrivateKeyPath != "" {
		privateKeyPEM, err = credential.LoadPrivateKeyPEM(cfg.GitHubPrivateKeyPath, cfg.GitHubPrivateKeyPassphrase)
		if err != nil {
			logger.Error("load github private key failed", "error", err)
			os.Exit(1)
		}
	}
	cred, err := credential.New(credential.Config{
		AppID:          cfg.GitHubAppID,
		InstallationID: cfg.GitHubInstallationID,
		PrivateKeyPEM:  privateKeyPEM,
		ForgeBaseURL:   forgeBaseURL,
		TokenFilePath:  cfg.GitHubTokenFilePath,
	})
	if err != nil {
		logger.Error("construct credential service failed", "error", err)
		os.Exit(1)
	}
	cred.OnAuthDegraded(func() {
		logger.Error("github app authentication degraded: 3 consecutive refresh failures")
	})

	forgeCl := forge.New(forgeBaseURL)

	auditCtx, auditCancel := context.WithTimeout(context.Background(), 10*time.Second)
	auditLog, err := audit.Open(auditCtx, cfg.AuditDBPath)
	auditCancel()
	if err != nil {
		logger.Error("open audit log failed", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	d := dispatcher.New(dispatcher.Config{
		Capacity:      cfg.Capacity,
		TaskTimeout:   cfg.TaskTimeout,
		WarningMargin: 5 * time.Minute,
		CancelGrace:   5 * time.Second,
		LogInterval:   5 * time.Second,
		LogBasePath:   cfg.LogBasePath,
		Logger:        logger,
	}, store, wt, sess, wh, cred, forgeCl, auditLog)

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := d.Recover(recoverCtx, cfg.WorktreeBasePath, cfg.WebhookRetryInterval, cfg.CredentialRefreshInterval); err != nil {
		logger.Error("recover dispatcher state failed", "error", err)
	}
	recoverCancel()

	nonces := dispatchauth.NewNonceCache(dispatchauth.MaxClockSkew)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(cfg, d, nonces, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful http shutdown failed", "error", err)
	}

	d.Shutdown()
	logger.Info("orchestrator stopped")
}
