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

// Package dispatchauth implements the shared-secret HMAC scheme used to
// authenticate admission requests and per-task webhook deliveries: the
// X-Dispatch-Timestamp / X-Dispatch-Signature / X-Dispatch-Nonce headers.
package dispatchauth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderTimestamp = "X-Dispatch-Timestamp"
	HeaderSignature = "X-Dispatch-Signature"
	HeaderNonce     = "X-Dispatch-Nonce"
)

// ErrMissingSecret is returned when signing or verifying with an empty key.
var ErrMissingSecret = errors.New("dispatchauth: missing secret")

// ErrInvalidSignature is returned by Verify when the MAC does not match.
var ErrInvalidSignature = errors.New("dispatchauth: invalid signature")

// Signature is the result of signing a request body.
type Signature struct {
	TimestampMS int64
	Nonce       string
	MAC         string
}

// Sign computes the canonical HMAC-SHA-256 over timestamp_ms || "." || body.
// body must be the exact UTF-8 bytes of the JSON request body; it is never
// re-serialized.
func Sign(body []byte, timestampMS int64, secret string) (Signature, error) {
	if secret == "" {
		return Signature{}, ErrMissingSecret
	}
	mac := computeMAC(body, timestampMS, secret)
	return Signature{
		TimestampMS: timestampMS,
		Nonce:       generateNonce(),
		MAC:         mac,
	}, nil
}

// Verify recomputes the MAC for body/timestamp/secret and compares it to
// sig in constant time.
func Verify(body []byte, timestampMS int64, secret, sig string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	want := computeMAC(body, timestampMS, secret)
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(sig))) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

func computeMAC(body []byte, timestampMS int64, secret string) string {
	message := strconv.FormatInt(timestampMS, 10) + "." + string(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateNonce returns a fresh UUID v4 for replay suppression.
func generateNonce() string {
	return uuid.NewString()
}

// GenerateWebhookSecret returns a per-task HMAC key in the form
// "whsec_" followed by 48 hex characters (24 random bytes).
func GenerateWebhookSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("dispatchauth: generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// SetHeaders attaches the three dispatch headers produced by sig to req.
func SetHeaders(req *http.Request, sig Signature) {
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(sig.TimestampMS, 10))
	req.Header.Set(HeaderSignature, sig.MAC)
	req.Header.Set(HeaderNonce, sig.Nonce)
}

// MaxClockSkew bounds how far a request timestamp may drift from the
// verifier's clock before it is rejected as stale, independent of
// signature validity.
const MaxClockSkew = 5 * time.Minute

// VerifyRequest extracts the dispatch headers from req, checks clock skew
// against now, and verifies the signature over body using secret.
func VerifyRequest(req *http.Request, body []byte, secret string, now time.Time) error {
	ts := req.Header.Get(HeaderTimestamp)
	sig := req.Header.Get(HeaderSignature)
	if ts == "" || sig == "" {
		return ErrInvalidSignature
	}
	timestampMS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	sent := time.UnixMilli(timestampMS)
	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return ErrInvalidSignature
	}
	return Verify(body, timestampMS, secret, sig)
}

// ctxKey avoids collisions with other packages' context keys.
type ctxKey int

const nonceKey ctxKey = 1

// WithNonce attaches a verified request's nonce to ctx, for replay-cache
// lookups further down the handler chain.
func WithNonce(ctx context.Context, nonce string) context.Context {
	return context.WithValue(ctx, nonceKey, nonce)
}

// NonceFromContext returns the nonce attached by WithNonce, if any.
func NonceFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(nonceKey).(string)
	return v, ok
}

// ErrReplayed is returned by NonceCache.Check when a nonce has already been
// recorded within its replay window.
var ErrReplayed = errors.New("dispatchauth: nonce already used")

// NonceCache suppresses replayed admission requests: a nonce is only valid
// once within MaxClockSkew of its first sighting, which bounds the cache to
// the same window VerifyRequest already enforces on the timestamp.
type NonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewNonceCache returns an empty cache retaining entries for ttl.
func NewNonceCache(ttl time.Duration) *NonceCache {
	if ttl <= 0 {
		ttl = MaxClockSkew
	}
	return &NonceCache{seen: make(map[string]time.Time), ttl: ttl}
}

// Check records nonce if unseen, or returns ErrReplayed if it was already
// recorded within the retention window. now is the caller's clock so tests
// can drive it deterministically.
func (c *NonceCache) Check(nonce string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiresAt, ok := c.seen[nonce]; ok && now.Before(expiresAt) {
		return ErrReplayed
	}
	c.seen[nonce] = now.Add(c.ttl)

	if len(c.seen) > 4096 {
		for n, exp := range c.seen {
			if !now.Before(exp) {
				delete(c.seen, n)
			}
		}
	}
	return nil
}
