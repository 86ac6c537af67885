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

// Package webhook delivers task lifecycle events to a per-task callback
// URL with at-least-once semantics: a failed send is queued in a
// persistent outbox and retried with capped exponential backoff, across
// restarts.
package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"orchestratord/internal/dispatchauth"
	"orchestratord/internal/metrics"
	"orchestratord/internal/statestore"
	"orchestratord/internal/task"
)

const (
	baseBackoff    = 2 * time.Second
	maxBackoff     = 5 * time.Minute
	maxAttempts    = 12 // after this many failures the delivery is dropped, logged as permanent
)

// Delivery describes one outbound webhook send request.
type Delivery struct {
	TaskID        string
	URL           string
	Payload       []byte
	WebhookSecret string
}

// Client sends webhook deliveries and maintains the persistent outbox
// inside the shared state document.
type Client struct {
	store  *statestore.Store
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Client backed by store for outbox persistence.
func New(store *statestore.Store, logger *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0 // outer outbox drives retries across restarts; one attempt per call here
	rc.Logger = nil
	if logger != nil {
		rc.Logger = slogAdapter{logger}
	}
	return &Client{
		store:  store,
		http:   rc.StandardClient(),
		logger: logger,
		now:    time.Now,
	}
}

// slogAdapter lets retryablehttp log through our structured logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Printf(format string, args ...any) {
	a.l.Debug(fmt.Sprintf(format, args...))
}

// Send attempts one immediate delivery. On failure it enqueues d into the
// outbox for later retry and returns nil: the caller's terminal
// transition must not be blocked or rolled back by a webhook failure.
func (c *Client) Send(ctx context.Context, d Delivery) error {
	timestampMS := c.now().UnixMilli()
	sig, err := dispatchauth.Sign(d.Payload, timestampMS, d.WebhookSecret)
	if err != nil {
		return fmt.Errorf("webhook: sign delivery for task %s: %w", d.TaskID, err)
	}

	if c.attempt(ctx, d.URL, d.Payload, sig) {
		metrics.IncWebhookDelivery("delivered")
		return nil
	}
	metrics.IncWebhookDelivery("retry")

	pending := task.PendingWebhook{
		TaskID:        d.TaskID,
		URL:           d.URL,
		Payload:       d.Payload,
		Signature:     sig.MAC,
		TimestampMS:   sig.TimestampMS,
		Attempts:      1,
		NextAttemptAt: c.now().Add(baseBackoff),
	}
	_, err = c.store.Update(func(st *task.State) {
		st.PendingWebhooks = append(st.PendingWebhooks, pending)
	})
	if err != nil {
		return fmt.Errorf("webhook: persist pending delivery for task %s: %w", d.TaskID, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, url string, payload []byte, sig dispatchauth.Signature) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	dispatchauth.SetHeaders(req, sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// RetryPending sweeps the outbox once, attempting every entry whose
// NextAttemptAt has elapsed. Successes are removed; failures get their
// attempt count bumped and backoff doubled (capped at maxBackoff) unless
// the attempt ceiling is reached, in which case the entry is dropped and
// logged as a permanent failure.
func (c *Client) RetryPending(ctx context.Context) error {
	_, err := c.store.Update(func(st *task.State) {
		now := c.now()
		remaining := st.PendingWebhooks[:0]
		for _, p := range st.PendingWebhooks {
			if now.Before(p.NextAttemptAt) {
				remaining = append(remaining, p)
				continue
			}
			sig := dispatchauth.Signature{TimestampMS: p.TimestampMS, MAC: p.Signature}
			if c.attempt(ctx, p.URL, p.Payload, sig) {
				metrics.IncWebhookDelivery("delivered")
				continue // delivered; drop from outbox
			}
			p.Attempts++
			if p.Attempts >= maxAttempts {
				metrics.IncWebhookDelivery("dropped")
				if c.logger != nil {
					c.logger.Warn("webhook delivery dropped after max attempts",
						"taskId", p.TaskID, "attempts", p.Attempts)
				}
				continue
			}
			metrics.IncWebhookDelivery("retry")
			backoff := baseBackoff << uint(p.Attempts)
			if backoff > maxBackoff || backoff <= 0 {
				backoff = maxBackoff
			}
			p.NextAttemptAt = now.Add(jitter(backoff))
			remaining = append(remaining, p)
		}
		st.PendingWebhooks = remaining
	})
	return err
}

// jitter returns d plus or minus up to 20%, so a restart that re-enqueues
// many pending deliveries at once doesn't retry them all in lockstep.
func jitter(d time.Duration) time.Duration {
	span := d / 5
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(2*span)))
	if err != nil {
		return d
	}
	return d - span + time.Duration(n.Int64())
}

// GetPendingCount reports the current outbox depth.
func (c *Client) GetPendingCount() (int, error) {
	st, err := c.store.Load()
	if err != nil {
		return 0, err
	}
	return len(st.PendingWebhooks), nil
}

// StartRetryLoop runs RetryPending on interval until ctx is cancelled.
func (c *Client) StartRetryLoop(ctx context.Context, interval time.Duration) {
	var once sync.Once
	once.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := c.RetryPending(ctx); err != nil && c.logger != nil {
						c.logger.Error("webhook retry sweep failed", "error", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}
