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

// Package credential maintains a valid source-forge installation access
// token: minting a short-lived App JWT, exchanging it for an installation
// token, refreshing proactively before expiry, tracking consecutive
// failures, and publishing the live token to a well-known file path for
// co-located consumer processes.
package credential

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"orchestratord/internal/metrics"
)

// ErrRefreshTimeout distinguishes a timed-out refresh from a generic
// transport or server-side failure.
var ErrRefreshTimeout = errors.New("credential: token refresh timed out")

// ErrRefreshFailed covers non-2xx responses and transport errors other
// than timeout.
var ErrRefreshFailed = errors.New("credential: token refresh failed")

const (
	degradedThreshold = 3
	jwtTTL            = 10 * time.Minute
	refreshTimeout    = 30 * time.Second
	expiringSoonWithin = 15 * time.Minute
)

// Token is the cached installation credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// HTTPDoer is satisfied by *http.Client; tests substitute a stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config wires the Service to its source-forge endpoint and signing key.
type Config struct {
	AppID          string
	InstallationID string
	PrivateKeyPEM  []byte
	ForgeBaseURL   string // e.g. https://api.github.com
	TokenFilePath  string // published for co-located consumers
	HTTPClient     HTTPDoer
	Now            func() time.Time
}

// Service is the Credential Service described by the package doc.
type Service struct {
	cfg Config

	mu                  sync.RWMutex
	token               *Token
	consecutiveFailures int

	degradedMu sync.Mutex
	degradedCb func()

	sf singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	key *rsa.PrivateKey
}

// New parses the configured private key and returns a ready Service.
// The background refresh loop is not started until StartBackgroundRefresh.
func New(cfg Config) (*Service, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: refreshTimeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("credential: parse private key: %w", err)
	}
	return &Service{cfg: cfg, key: key}, nil
}

// OnAuthDegraded registers a callback invoked exactly once per failure
// streak, on the 2→3 transition of consecutive failures.
func (s *Service) OnAuthDegraded(cb func()) {
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	s.degradedCb = cb
}

// GetConsecutiveFailures reports the current failure streak length.
func (s *Service) GetConsecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveFailures
}

// IsAuthDegraded reports whether the failure streak has reached the
// degraded threshold.
func (s *Service) IsAuthDegraded() bool {
	return s.GetConsecutiveFailures() >= degradedThreshold
}

// IsExpired reports whether the cached token is absent or past expiry.
func (s *Service) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return true
	}
	return !s.cfg.Now().Before(s.token.ExpiresAt)
}

// IsExpiringSoon reports whether the cached token is absent or expires
// within expiringSoonWithin.
func (s *Service) IsExpiringSoon() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return true
	}
	return s.token.ExpiresAt.Sub(s.cfg.Now()) < expiringSoonWithin
}

// GetToken returns the cached token if present and unexpired; otherwise it
// triggers a refresh and returns the result, or "" if the refresh failed.
func (s *Service) GetToken(ctx context.Context) string {
	if !s.IsExpired() {
		s.mu.RLock()
		v := s.token.Value
		s.mu.RUnlock()
		return v
	}
	tok, err := s.RefreshToken(ctx)
	if err != nil {
		return ""
	}
	return tok
}

// RefreshToken mints a fresh App JWT, exchanges it for an installation
// token, caches and publishes the result, and resets the failure streak.
// Concurrent callers collapse onto a single in-flight exchange.
func (s *Service) RefreshToken(ctx context.Context) (string, error) {
	v, err, _ := s.sf.Do("refresh", func() (any, error) {
		return s.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Service) doRefresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	appJWT, err := s.mintAppJWT()
	if err != nil {
		s.recordFailure()
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", s.cfg.ForgeBaseURL, s.cfg.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		s.recordFailure()
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		s.recordFailure()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrRefreshTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.recordFailure()
		return "", fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.recordFailure()
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	var parsed struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		s.recordFailure()
		return "", fmt.Errorf("%w: decode response: %v", ErrRefreshFailed, err)
	}

	s.mu.Lock()
	s.token = &Token{Value: parsed.Token, ExpiresAt: parsed.ExpiresAt}
	s.consecutiveFailures = 0
	s.mu.Unlock()
	metrics.IncCredentialRefresh("success")

	if s.cfg.TokenFilePath != "" {
		if err := s.publishToken(parsed.Token); err != nil {
			return "", fmt.Errorf("credential: publish token: %w", err)
		}
	}

	return parsed.Token, nil
}

func (s *Service) recordFailure() {
	metrics.IncCredentialRefresh("failure")

	s.mu.Lock()
	s.consecutiveFailures++
	n := s.consecutiveFailures
	s.mu.Unlock()

	if n == degradedThreshold {
		s.degradedMu.Lock()
		cb := s.degradedCb
		s.degradedMu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

func (s *Service) mintAppJWT() (string, error) {
	now := s.cfg.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(jwtTTL).Unix(),
		"iss": s.cfg.AppID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return tok.SignedString(s.key)
}

// publishToken atomically writes the plain token value to TokenFilePath so
// sibling processes can read it without talking to this orchestrator.
func (s *Service) publishToken(token string) error {
	dir := filepath.Dir(s.cfg.TokenFilePath)
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

	if _, err := tmp.WriteString(token); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	return os.Rename(tmpName, s.cfg.TokenFilePath)
}

// StartBackgroundRefresh schedules a periodic check: on each tick, if the
// token is expiring soon, RefreshToken is invoked. Calling this again
// stops any existing timer first.
func (s *Service) StartBackgroundRefresh(ctx context.Context, interval time.Duration) {
	s.StopBackgroundRefresh()

	s.stopCh = make(chan struct{})
	s.stopOnce = sync.Once{}
	stop := s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.IsExpiringSoon() {
					_, _ = s.RefreshToken(ctx)
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopBackgroundRefresh stops the periodic checker started by
// StartBackgroundRefresh, if any.
func (s *Service) StopBackgroundRefresh() {
	if s.stopCh == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.stopCh = nil
}
