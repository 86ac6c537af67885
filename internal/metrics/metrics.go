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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	tasksAdmitted       *prometheus.CounterVec
	tasksTerminal       *prometheus.CounterVec
	webhookDeliveries   *prometheus.CounterVec
	credentialRefreshes *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncTaskAdmitted records an admission decision: "accepted" or "rejected".
func IncTaskAdmitted(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if tasksAdmitted != nil {
		tasksAdmitted.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// IncTaskTerminal records a task reaching a terminal status.
func IncTaskTerminal(status string) {
	mu.RLock()
	defer mu.RUnlock()
	if tasksTerminal != nil {
		tasksTerminal.WithLabelValues(sanitizeLabel(status, "unknown")).Inc()
	}
}

// IncWebhookDelivery records a webhook delivery attempt outcome:
// "delivered", "retry", or "dropped".
func IncWebhookDelivery(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// IncCredentialRefresh records a credential refresh attempt outcome:
// "success" or "failure".
func IncCredentialRefresh(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if credentialRefreshes != nil {
		credentialRefreshes.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveTaskDuration records the wall-clock duration of a completed task,
// labeled by its terminal status.
func ObserveTaskDuration(status string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if taskDuration != nil {
		taskDuration.WithLabelValues(sanitizeLabel(status, "unknown")).Observe(durationSeconds(d))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	admitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatcher",
		Name:      "tasks_admitted_total",
		Help:      "Total admission decisions by outcome.",
	}, []string{"outcome"})

	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatcher",
		Name:      "tasks_terminal_total",
		Help:      "Total tasks reaching a terminal status, by status.",
	}, []string{"status"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "credential",
		Name:      "refresh_total",
		Help:      "Total installation-token refresh attempts by outcome.",
	}, []string{"outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatcher",
		Name:      "task_duration_seconds",
		Help:      "Task wall-clock duration from admission to terminal status.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	}, []string{"status"})

	registry.MustRegister(admitted, terminal, webhooks, refreshes, duration)

	reg = registry
	tasksAdmitted = admitted
	tasksTerminal = terminal
	webhookDeliveries = webhooks
	credentialRefreshes = refreshes
	taskDuration = duration
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
