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

package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.HTTP.Timeout = 0
	return c
}

func TestClassifyDetailedNoPR(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	got := c.ClassifyDetailed(context.Background(), "tok", "ex", "repo", "task/t1")
	if got.Outcome != OutcomeNoPR || got.PR != nil {
		t.Errorf("ClassifyDetailed() = %+v, want OutcomeNoPR with no PR", got)
	}
}

func TestClassifyDetailedCompletedOnSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/pulls") {
			fmt.Fprint(w, `[{"number":7,"html_url":"https://example.test/pull/7","title":"Fix bug","commits":3,"head":{"sha":"abc123","ref":"task/t1"}}]`)
			return
		}
		fmt.Fprint(w, `{"check_runs":[{"status":"completed","conclusion":"success"}]}`)
	})
	got := c.ClassifyDetailed(context.Background(), "tok", "ex", "repo", "task/t1")
	if got.Outcome != OutcomeCompleted {
		t.Errorf("ClassifyDetailed() outcome = %v, want completed", got.Outcome)
	}
	if got.PR == nil || got.PR.Number != 7 || got.PR.Commits != 3 {
		t.Errorf("ClassifyDetailed() PR = %+v, want number=7 commits=3", got.PR)
	}
	if got.PR.Summary() != "Fix bug" {
		t.Errorf("Summary() = %q, want \"Fix bug\"", got.PR.Summary())
	}
}

func TestClassifyDetailedPendingChecksStillCompleted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/pulls") {
			fmt.Fprint(w, `[{"number":1,"head":{"sha":"abc","ref":"task/t1"}}]`)
			return
		}
		fmt.Fprint(w, `{"check_runs":[{"status":"in_progress"}]}`)
	})
	got := c.ClassifyDetailed(context.Background(), "tok", "ex", "repo", "task/t1")
	if got.Outcome != OutcomeCompleted {
		t.Errorf("ClassifyDetailed() outcome = %v, want completed for pending checks", got.Outcome)
	}
}

func TestClassifyDetailedCIFailed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/pulls") {
			fmt.Fprint(w, `[{"number":1,"head":{"sha":"abc","ref":"task/t1"}}]`)
			return
		}
		fmt.Fprint(w, `{"check_runs":[{"status":"completed","conclusion":"failure"}]}`)
	})
	got := c.ClassifyDetailed(context.Background(), "tok", "ex", "repo", "task/t1")
	if got.Outcome != OutcomeCIFailed {
		t.Errorf("ClassifyDetailed() outcome = %v, want ci_failed", got.Outcome)
	}
}

func TestClassifyDetailedCIFailedOnCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/pulls") {
			fmt.Fprint(w, `[{"number":1,"head":{"sha":"abc","ref":"task/t1"}}]`)
			return
		}
		fmt.Fprint(w, `{"check_runs":[{"status":"completed","conclusion":"cancelled"}]}`)
	})
	got := c.ClassifyDetailed(context.Background(), "tok", "ex", "repo", "task/t1")
	if got.Outcome != OutcomeCIFailed {
		t.Errorf("ClassifyDetailed() outcome = %v, want ci_failed for a cancelled check run", got.Outcome)
	}
}

func TestClassifyDetailedMalformedResponseIsConservativeNoPR(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	})
	got := c.ClassifyDetailed(context.Background(), "tok", "ex", "repo", "task/t1")
	if got.Outcome != OutcomeNoPR {
		t.Errorf("ClassifyDetailed() outcome = %v, want no_pr on malformed JSON", got.Outcome)
	}
}

func TestClassifyDetailedNoChecksConfiguredTreatedAsPassing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/pulls") {
			fmt.Fprint(w, `[{"number":1,"head":{"sha":"abc","ref":"task/t1"}}]`)
			return
		}
		fmt.Fprint(w, `{"check_runs":[]}`)
	})
	got := c.ClassifyDetailed(context.Background(), "tok", "ex", "repo", "task/t1")
	if got.Outcome != OutcomeCompleted {
		t.Errorf("ClassifyDetailed() outcome = %v, want completed with no checks configured", got.Outcome)
	}
}

func TestPRSummaryFallsBackToBody(t *testing.T) {
	pr := &PullRequest{Body: "\n\n  first real line\nsecond line"}
	if got, want := pr.Summary(), "first real line"; got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}
