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

// Package config loads orchestrator configuration from the environment,
// with command-line flags as an explicit override layer.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"orchestratord/pkg/crypto"
)

// Config holds every tunable the orchestrator reads at startup.
type Config struct {
	HTTPAddr                   string        // ORCHESTRATOR_HTTP_ADDR
	Capacity                   int           // ORCHESTRATOR_CAPACITY
	TaskTimeout                time.Duration // ORCHESTRATOR_TASK_TIMEOUT_MS (ms on the wire)
	StateFilePath              string        // ORCHESTRATOR_STATE_FILE
	GitRepoDir                 string        // ORCHESTRATOR_GIT_REPO_DIR
	WorktreeBasePath           string        // ORCHESTRATOR_WORKTREE_BASE
	LogBasePath                string        // ORCHESTRATOR_LOG_BASE
	DispatchSecret             string        // ORCHESTRATOR_DISPATCH_SECRET
	GitHubAppID                string        // ORCHESTRATOR_GITHUB_APP_ID
	GitHubPrivateKeyPath       string        // ORCHESTRATOR_GITHUB_PRIVATE_KEY_PATH
	GitHubPrivateKeyPassphrase string        // ORCHESTRATOR_GITHUB_PRIVATE_KEY_PASSPHRASE
	GitHubInstallationID       string        // ORCHESTRATOR_GITHUB_INSTALLATION_ID
	GitHubTokenFilePath        string        // ORCHESTRATOR_GITHUB_TOKEN_FILE
	LogLevel                   string        // ORCHESTRATOR_LOG_LEVEL
	AuditDBPath                string        // ORCHESTRATOR_AUDIT_DB_PATH
	WebhookRetryInterval       time.Duration // ORCHESTRATOR_WEBHOOK_RETRY_INTERVAL
	CredentialRefreshInterval  time.Duration // ORCHESTRATOR_CREDENTIAL_REFRESH_INTERVAL_MIN
}

// defaultConfig returns the configuration applied when neither an
// environment variable nor a flag override is present.
func defaultConfig() Config {
	return Config{
		HTTPAddr:                   ":8088",
		Capacity:                   4,
		TaskTimeout:                2 * time.Hour,
		StateFilePath:              "./data/orchestrator-state.json",
		GitRepoDir:                 ".",
		WorktreeBasePath:           "./data/worktrees",
		LogBasePath:                "./data/logs",
		DispatchSecret:             "",
		GitHubAppID:                "",
		GitHubPrivateKeyPath:       "",
		GitHubPrivateKeyPassphrase: "",
		GitHubInstallationID:       "",
		GitHubTokenFilePath:        "",
		LogLevel:                   "info",
		AuditDBPath:                "./data/audit.db",
		WebhookRetryInterval:       time.Minute,
		CredentialRefreshInterval:  5 * time.Minute,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func getenvMinutes(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	min, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(min) * time.Minute
}

// Parse seeds a Config from the environment, then lets command-line flags
// explicitly override it. args should be the program's os.Args[1:].
func Parse(args []string) (Config, error) {
	cfg := defaultConfig()

	env := defaultConfig()
	env.HTTPAddr = getenv("ORCHESTRATOR_HTTP_ADDR", cfg.HTTPAddr)
	env.Capacity = getenvInt("ORCHESTRATOR_CAPACITY", cfg.Capacity)
	env.TaskTimeout = getenvDurationMS("ORCHESTRATOR_TASK_TIMEOUT_MS", cfg.TaskTimeout)
	env.StateFilePath = getenv("ORCHESTRATOR_STATE_FILE", cfg.StateFilePath)
	env.GitRepoDir = getenv("ORCHESTRATOR_GIT_REPO_DIR", cfg.GitRepoDir)
	env.WorktreeBasePath = getenv("ORCHESTRATOR_WORKTREE_BASE", cfg.WorktreeBasePath)
	env.LogBasePath = getenv("ORCHESTRATOR_LOG_BASE", cfg.LogBasePath)
	env.DispatchSecret = getenv("ORCHESTRATOR_DISPATCH_SECRET", cfg.DispatchSecret)
	env.GitHubAppID = getenv("ORCHESTRATOR_GITHUB_APP_ID", cfg.GitHubAppID)
	env.GitHubPrivateKeyPath = getenv("ORCHESTRATOR_GITHUB_PRIVATE_KEY_PATH", cfg.GitHubPrivateKeyPath)
	env.GitHubPrivateKeyPassphrase = getenv("ORCHESTRATOR_GITHUB_PRIVATE_KEY_PASSPHRASE", cfg.GitHubPrivateKeyPassphrase)
	env.GitHubInstallationID = getenv("ORCHESTRATOR_GITHUB_INSTALLATION_ID", cfg.GitHubInstallationID)
	env.GitHubTokenFilePath = getenv("ORCHESTRATOR_GITHUB_TOKEN_FILE", cfg.GitHubTokenFilePath)
	env.LogLevel = getenv("ORCHESTRATOR_LOG_LEVEL", cfg.LogLevel)
	env.AuditDBPath = getenv("ORCHESTRATOR_AUDIT_DB_PATH", cfg.AuditDBPath)
	env.WebhookRetryInterval = getenvDuration("ORCHESTRATOR_WEBHOOK_RETRY_INTERVAL", cfg.WebhookRetryInterval)
	env.CredentialRefreshInterval = getenvMinutes("ORCHESTRATOR_CREDENTIAL_REFRESH_INTERVAL_MIN", cfg.CredentialRefreshInterval)

	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	fs.StringVar(&env.HTTPAddr, "http-addr", env.HTTPAddr, "admission HTTP listen address")
	fs.IntVar(&env.Capacity, "capacity", env.Capacity, "max concurrent running tasks")
	fs.DurationVar(&env.TaskTimeout, "task-timeout", env.TaskTimeout, "per-task kill timeout")
	fs.StringVar(&env.StateFilePath, "state-file", env.StateFilePath, "path to the persisted state document")
	fs.StringVar(&env.GitRepoDir, "git-repo-dir", env.GitRepoDir, "local git repository worktrees are created from")
	fs.StringVar(&env.WorktreeBasePath, "worktree-base", env.WorktreeBasePath, "base directory for per-task working copies")
	fs.StringVar(&env.LogBasePath, "log-base", env.LogBasePath, "base directory for per-task log files")
	fs.StringVar(&env.DispatchSecret, "dispatch-secret", env.DispatchSecret, "HMAC secret for admission requests")
	fs.StringVar(&env.GitHubAppID, "github-app-id", env.GitHubAppID, "GitHub App ID")
	fs.StringVar(&env.GitHubPrivateKeyPath, "github-private-key-path", env.GitHubPrivateKeyPath, "path to the GitHub App private key PEM")
	fs.StringVar(&env.GitHubPrivateKeyPassphrase, "github-private-key-passphrase", env.GitHubPrivateKeyPassphrase, "passphrase protecting an encrypted GitHub App private key")
	fs.StringVar(&env.GitHubInstallationID, "github-installation-id", env.GitHubInstallationID, "GitHub App installation ID")
	fs.StringVar(&env.GitHubTokenFilePath, "github-token-file", env.GitHubTokenFilePath, "path to publish the live installation token for co-located consumers")
	fs.StringVar(&env.LogLevel, "log-level", env.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&env.AuditDBPath, "audit-db", env.AuditDBPath, "path to the sqlite task-event audit log")
	fs.DurationVar(&env.WebhookRetryInterval, "webhook-retry-interval", env.WebhookRetryInterval, "interval between outbox retry sweeps")
	fs.DurationVar(&env.CredentialRefreshInterval, "credential-refresh-interval", env.CredentialRefreshInterval, "background token-refresh check interval")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	return env, nil
}

// Validate cross-checks fields that can't be validated independently.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %s", c.TaskTimeout)
	}
	if c.StateFilePath == "" {
		return fmt.Errorf("state file path is required")
	}
	if c.WorktreeBasePath == "" {
		return fmt.Errorf("worktree base path is required")
	}
	if c.DispatchSecret == "" {
		return fmt.Errorf("dispatch secret is required")
	}
	if c.GitHubPrivateKeyPath != "" {
		if _, err := os.Stat(c.GitHubPrivateKeyPath); err != nil {
			return fmt.Errorf("github private key path: %w", err)
		}
	}
	return nil
}

// RedactedSecret returns a loggable form of the dispatch secret.
func (c Config) RedactedSecret() string {
	return crypto.RedactSecret(c.DispatchSecret)
}
