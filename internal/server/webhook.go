package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/Brian125bot/nexusaiv1/internal/cascade"
	"github.com/Brian125bot/nexusaiv1/internal/lifecycle"
	"github.com/Brian125bot/nexusaiv1/internal/review"
)

// maxWebhookBody caps webhook payloads at 5 MB.
const maxWebhookBody = 5 << 20

// autoCommitMarker in a commit message marks our own automation; such
// pushes are skipped to prevent self-triggering.
const autoCommitMarker = "[Auto]"

// webhookResponse is the uniform 200 body for processed events. Provider
// failures during handling still return 200 with a failed result so
// webhook senders don't retry into the same failure.
type webhookResponse struct {
	Received       bool        `json:"received"`
	EventType      string      `json:"eventType"`
	Result         string      `json:"result"`
	CascadeTrigger interface{} `json:"cascadeTrigger,omitempty"`
}

// pushPayload is the subset of a VCS push event the core consumes.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit *pushCommit  `json:"head_commit"`
	Commits    []pushCommit `json:"commits"`
}

type pushCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Author  struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"author"`
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Merged  bool   `json:"merged"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type checkRunPayload struct {
	Action   string `json:"action"`
	CheckRun struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HeadSHA    string `json:"head_sha"`
		CheckSuite struct {
			HeadBranch string `json:"head_branch"`
		} `json:"check_suite"`
	} `json:"check_run"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleWebhook authenticates and routes one VCS webhook delivery.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failure", "failed to read body", nil)
		return
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		// No body detail on auth failure.
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	switch eventType {
	case "push":
		s.handlePushEvent(w, r, body)
	case "pull_request":
		s.handlePullRequestEvent(w, r, body)
	case "check_run":
		s.handleCheckRunEvent(w, r, body)
	default:
		writeJSON(w, http.StatusAccepted, webhookResponse{
			Received:  true,
			EventType: eventType,
			Result:    "ignored",
		})
	}
}

// verifySignature compares the HMAC-SHA256 of the raw body against the
// shared secret in constant time.
func (s *Server) verifySignature(body []byte, header string) bool {
	if s.cfg.WebhookSecret == "" {
		// No secret configured: refuse everything rather than running
		// open.
		return false
	}
	signature := strings.TrimPrefix(header, "sha256=")
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failure", "invalid push payload", nil)
		return
	}

	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	commit := payload.After
	if commit == "" && payload.HeadCommit != nil {
		commit = payload.HeadCommit.ID
	}

	if head := payload.HeadCommit; head != nil {
		author := head.Author.Username
		if author == "" {
			author = head.Author.Name
		}
		if s.cfg.IsBotAuthor(author) || strings.Contains(head.Message, autoCommitMarker) {
			writeJSON(w, http.StatusOK, webhookResponse{
				Received:  true,
				EventType: "push",
				Result:    "automated_commit_skipped",
			})
			return
		}
	}

	changedPaths := collectChangedPaths(payload.Commits, payload.HeadCommit)

	outcome, err := s.reviews.HandleChange(r.Context(), review.ChangeEvent{
		Repo:   payload.Repository.FullName,
		Branch: branch,
		Commit: commit,
	})
	result := ""
	if err != nil {
		// Provider/oracle failure: 200 so the sender doesn't retry into
		// the same failure; the event stays reviewable on redelivery.
		fmt.Fprintf(os.Stderr, "webhook: push handling failed: %v\n", err)
		result = "review_failed: " + err.Error()
	} else {
		result = outcome.Result
	}

	resp := webhookResponse{Received: true, EventType: "push", Result: result}

	// A push touching core files also triggers blast-radius analysis.
	if core := s.cascades.CoreFilesIn(changedPaths); len(core) > 0 {
		cascadeResult, err := s.cascades.Analyze(r.Context(), cascadeAnalyzeRequest(payload.Repository.FullName, commit, changedPaths, outcome))
		if err != nil {
			fmt.Fprintf(os.Stderr, "webhook: cascade analysis failed: %v\n", err)
			resp.CascadeTrigger = map[string]interface{}{"error": err.Error()}
		} else {
			trigger := map[string]interface{}{
				"cascadeId": cascadeResult.Cascade.ID,
				"status":    cascadeResult.Cascade.Status,
			}
			if cascadeResult.Telemetry != nil {
				trigger["telemetry"] = cascadeResult.Telemetry
			}
			if cascadeResult.Skipped != "" {
				trigger["skipped"] = cascadeResult.Skipped
			}
			resp.CascadeTrigger = trigger
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePullRequestEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failure", "invalid pull_request payload", nil)
		return
	}

	repo := payload.Repository.FullName
	branch := payload.PullRequest.Head.Ref

	var result string
	switch payload.Action {
	case "opened", "synchronize":
		outcome, err := s.reviews.HandleChange(r.Context(), review.ChangeEvent{
			Repo:     repo,
			Branch:   branch,
			Commit:   payload.PullRequest.Head.SHA,
			PRNumber: payload.Number,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "webhook: pull_request handling failed: %v\n", err)
			result = "review_failed: " + err.Error()
		} else {
			result = outcome.Result
		}
	case "closed":
		outcome, err := s.sessions.HandleProposalClosed(r.Context(), repo, branch,
			payload.PullRequest.Merged, payload.PullRequest.HTMLURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "webhook: proposal close handling failed: %v\n", err)
			result = "close_failed: " + err.Error()
		} else {
			result = outcome
		}
	default:
		writeJSON(w, http.StatusAccepted, webhookResponse{
			Received:  true,
			EventType: "pull_request",
			Result:    "ignored",
		})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		EventType: "pull_request",
		Result:    result,
	})
}

func (s *Server) handleCheckRunEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var payload checkRunPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failure", "invalid check_run payload", nil)
		return
	}

	if payload.Action != "completed" {
		writeJSON(w, http.StatusAccepted, webhookResponse{
			Received:  true,
			EventType: "check_run",
			Result:    "ignored",
		})
		return
	}

	repo := payload.Repository.FullName
	branch := payload.CheckRun.CheckSuite.HeadBranch

	var result string
	var err error
	switch payload.CheckRun.Conclusion {
	case "success":
		result, err = s.sessions.HandleCheckRunSuccess(r.Context(), lifecycle.CheckRunEvent{
			Repo:       repo,
			Branch:     branch,
			HeadSHA:    payload.CheckRun.HeadSHA,
			Name:       payload.CheckRun.Name,
			Conclusion: payload.CheckRun.Conclusion,
			JobID:      payload.CheckRun.ID,
		})
	case "failure", "timed_out":
		var outcome *review.Outcome
		outcome, err = s.reviews.HandleCheckRunFailure(r.Context(), review.CheckRunFailure{
			Repo:    repo,
			Branch:  branch,
			HeadSHA: payload.CheckRun.HeadSHA,
			Name:    payload.CheckRun.Name,
			JobID:   payload.CheckRun.ID,
		})
		if outcome != nil {
			result = outcome.Result
		}
	default:
		result = "conclusion_ignored"
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "webhook: check_run handling failed: %v\n", err)
		result = "check_run_failed: " + err.Error()
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		EventType: "check_run",
		Result:    result,
	})
}

// cascadeAnalyzeRequest links the blast-radius analysis back to the
// session whose push triggered it, when the review located one.
func cascadeAnalyzeRequest(repo, commit string, changedPaths []string, outcome *review.Outcome) cascade.AnalyzeRequest {
	req := cascade.AnalyzeRequest{
		Repo:         repo,
		Commit:       commit,
		ChangedPaths: changedPaths,
	}
	if outcome != nil {
		req.TriggerSessionID = outcome.SessionID
	}
	return req
}

func collectChangedPaths(commits []pushCommit, head *pushCommit) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(list []string) {
		for _, p := range list {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, c := range commits {
		add(c.Added)
		add(c.Removed)
		add(c.Modified)
	}
	if head != nil {
		add(head.Added)
		add(head.Removed)
		add(head.Modified)
	}
	return paths
}
