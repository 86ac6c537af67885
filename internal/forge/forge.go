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

// Package forge inspects the source-forge (GitHub) for the pull request
// a completed task is expected to have produced, and the CI status of
// that pull request, so the Task Dispatcher can classify the task's
// outcome once its session has ended.
package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// Outcome is the dispatcher-facing classification of a completed task.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeNoPR      Outcome = "no_pr"
	OutcomeCIFailed  Outcome = "ci_failed"
)

// PullRequest is the subset of GitHub's PR representation the classifier
// needs.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Commits int    `json:"commits"`
	Head    struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
}

// Classification is the detailed outcome of a completion check: the
// dispatcher-facing Outcome plus, when a PR exists, enough of its shape to
// populate a task's Result.
type Classification struct {
	Outcome Outcome
	PR      *PullRequest
}

// summary derives a short human summary from the PR title/body, preferring
// the title and falling back to the first non-blank line of the body.
func (pr *PullRequest) summary() string {
	if pr.Title != "" {
		return pr.Title
	}
	for _, line := range strings.Split(pr.Body, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return ""
}

// Client talks to the GitHub REST API using a caller-supplied installation
// token per call (the Credential Service owns token lifecycle; this
// package stays stateless with respect to auth).
type Client struct {
	BaseURL string // e.g. https://api.github.com
	HTTP    *http.Client
}

// New returns a Client with retry/backoff baked into the transport for
// transient network and 5xx failures; 4xx responses are not retried.
func New(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &Client{BaseURL: baseURL, HTTP: rc.StandardClient()}
}

// FindPR looks up the most recently created pull request, in any state,
// whose head branch is headBranch in owner/repo. A nil PullRequest with a nil error means
// no PR exists yet.
func (c *Client) FindPR(ctx context.Context, token, owner, repo, headBranch string) (*PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls?head=%s:%s&state=all&sort=created&direction=desc&per_page=1",
		c.BaseURL, owner, repo, owner, headBranch)

	var prs []PullRequest
	if err := c.getJSON(ctx, token, url, &prs); err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// checkRun is the subset of a GitHub check-run needed to classify CI.
type checkRun struct {
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, cancelled, ...
}

type checkRunsResponse struct {
	CheckRuns []checkRun `json:"check_runs"`
}

// CIState reports whether CI for sha has failed, is still pending, or has
// succeeded. completed=false means at least one run has not finished.
func (c *Client) CIState(ctx context.Context, token, owner, repo, sha string) (completed, failed bool, err error) {
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s/check-runs", c.BaseURL, owner, repo, sha)

	var resp checkRunsResponse
	if err := c.getJSON(ctx, token, url, &resp); err != nil {
		return false, false, err
	}
	if len(resp.CheckRuns) == 0 {
		return true, false, nil // no checks configured: treat as trivially passing
	}
	allDone := true
	for _, r := range resp.CheckRuns {
		if r.Status != "completed" {
			allDone = false
			continue
		}
		switch r.Conclusion {
		case "failure", "timed_out", "cancelled", "action_required":
			return true, true, nil
		}
	}
	return allDone, false, nil
}

// Classify implements the task outcome rule: no PR → no_pr; PR with CI
// still pending or green → completed; PR with CI failed → ci_failed. A
// forge call failure or malformed response is treated conservatively as
// no_pr rather than silently marking the task completed.
func (c *Client) Classify(ctx context.Context, token, owner, repo, headBranch string) Outcome {
	result := c.ClassifyDetailed(ctx, token, owner, repo, headBranch)
	return result.Outcome
}

// ClassifyDetailed applies the same rule as Classify but also returns the
// matched pull request, when one exists, so the caller can populate a
// task's Result (PR URL, branch, commit count, summary).
func (c *Client) ClassifyDetailed(ctx context.Context, token, owner, repo, headBranch string) Classification {
	pr, err := c.FindPR(ctx, token, owner, repo, headBranch)
	if err != nil || pr == nil {
		return Classification{Outcome: OutcomeNoPR}
	}
	_, failed, err := c.CIState(ctx, token, owner, repo, pr.Head.SHA)
	if err != nil {
		return Classification{Outcome: OutcomeNoPR, PR: pr}
	}
	if failed {
		return Classification{Outcome: OutcomeCIFailed, PR: pr}
	}
	return Classification{Outcome: OutcomeCompleted, PR: pr}
}

// Summary derives a short human summary from the PR title/body, preferring
// the title and falling back to the first non-blank line of the body.
func (pr *PullRequest) Summary() string { return pr.summary() }

func (c *Client) getJSON(ctx context.Context, token, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("forge: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("forge: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("forge: %s returned status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("forge: decode response from %s: %w", url, err)
	}
	return nil
}
