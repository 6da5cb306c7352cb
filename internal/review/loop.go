// Package review implements the per-change audit loop: every push or
// change-proposal event for an active session is diffed, judged by the
// auditor oracle against the goal's acceptance criteria, and resolved
// into completion or a bounded child repair session.
package review

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/Brian125bot/nexusaiv1/internal/auditor"
	"github.com/Brian125bot/nexusaiv1/internal/config"
	"github.com/Brian125bot/nexusaiv1/internal/events"
	"github.com/Brian125bot/nexusaiv1/internal/lifecycle"
	"github.com/Brian125bot/nexusaiv1/internal/lockmgr"
	"github.com/Brian125bot/nexusaiv1/internal/storage"
	"github.com/Brian125bot/nexusaiv1/internal/types"
	"github.com/Brian125bot/nexusaiv1/internal/vcs"
)

// Outcome labels for review handling. These are stable strings surfaced
// in webhook responses and the audit trail.
const (
	OutcomeReviewed           = "reviewed"
	OutcomeNoActiveSession    = "no_active_session"
	OutcomeDuplicateCommit    = "duplicate_commit_skipped"
	OutcomeEmptyDiff          = "empty_diff_skipped"
	OutcomeRemediationSpawned = "remediation_spawned"
	OutcomeGoalDrifted        = "goal_drifted"
	OutcomeNonPrimaryIgnored  = "non_primary_ignored"
)

// Engine drives the review and remediation loop.
type Engine struct {
	store    storage.Store
	locks    *lockmgr.Manager
	sessions *lifecycle.Manager
	oracle   auditor.Oracle
	vcs      vcs.Provider
	cfg      *config.Config
}

// New creates a review engine.
func New(store storage.Store, locks *lockmgr.Manager, sessions *lifecycle.Manager, oracle auditor.Oracle, vcsProvider vcs.Provider, cfg *config.Config) *Engine {
	return &Engine{store: store, locks: locks, sessions: sessions, oracle: oracle, vcs: vcsProvider, cfg: cfg}
}

// ChangeEvent is a push or change-proposal update for a branch.
type ChangeEvent struct {
	Repo     string // owner/name
	Branch   string
	Commit   string
	PRNumber int // 0 when the event is a bare push

	// force bypasses duplicate-commit suppression (re-audit only).
	force bool
}

// Outcome reports how a change event was resolved.
type Outcome struct {
	Result         string               `json:"result"`
	SessionID      string               `json:"sessionId,omitempty"`
	ChildSessionID string               `json:"childSessionId,omitempty"`
	Report         *auditor.AuditReport `json:"report,omitempty"`
}

// HandleChange runs the full review flow for one change event.
func (e *Engine) HandleChange(ctx context.Context, event ChangeEvent) (*Outcome, error) {
	session, err := e.store.ActiveSessionForBranch(ctx, event.Repo, event.Branch)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &Outcome{Result: OutcomeNoActiveSession}, nil
	}

	// Webhook redelivery produces the same commit twice; the second
	// delivery must not re-invoke the oracle or re-post the comment.
	if !event.force && event.Commit != "" && event.Commit == session.LastReviewedCommit {
		if err := e.store.RecordEvent(ctx, events.NewWebhookOutcome(session.ID, "push", OutcomeDuplicateCommit)); err != nil {
			return nil, err
		}
		return &Outcome{Result: OutcomeDuplicateCommit, SessionID: session.ID}, nil
	}

	diff, err := e.fetchDiff(ctx, session, event)
	if err != nil {
		// Provider failure: the event stays unacknowledged as reviewed
		// (lastReviewedCommit untouched) so redelivery is safe.
		return nil, fmt.Errorf("diff fetch failed: %w", err)
	}
	if strings.TrimSpace(diff) == "" {
		return &Outcome{Result: OutcomeEmptyDiff, SessionID: session.ID}, nil
	}

	var goal *types.Goal
	if session.GoalID != "" {
		goal, err = e.store.GoalByID(ctx, session.GoalID)
		if err != nil && err != storage.ErrNotFound {
			return nil, err
		}
	}

	var criteria []types.Criterion
	if goal != nil {
		criteria = goal.Criteria
	}

	reviewCtx, cancel := context.WithTimeout(ctx, e.cfg.ReviewTimeout)
	report, err := e.oracle.Review(reviewCtx, auditor.ReviewInput{
		Repo:     event.Repo,
		Branch:   event.Branch,
		Commit:   event.Commit,
		Criteria: criteria,
		Diff:     diff,
	})
	cancel()
	if err != nil {
		// Oracle errors are non-fatal for the session; redelivery will
		// retry the review.
		return nil, fmt.Errorf("auditor review failed: %w", err)
	}

	if goal != nil && len(report.CriteriaAssessment) > 0 {
		goal, err = e.mergeAssessment(ctx, goal.ID, report.CriteriaAssessment)
		if err != nil {
			return nil, err
		}
	}

	e.postReviewComment(ctx, session, event, report)

	// A reviewed change proposal moves the session to verifying before
	// the verdict resolves it; queued sessions (proposal arrived before
	// the provider confirmed) resolve directly.
	if session.Status == types.SessionExecuting {
		if _, err := e.sessions.MarkVerifying(ctx, session.ID, "change proposal reviewed"); err != nil {
			return nil, err
		}
	}

	failed := e.isFailure(report)
	if err := e.store.RecordEvent(ctx,
		events.NewReviewCompleted(session.ID, event.Commit, string(report.Severity), failed)); err != nil {
		return nil, err
	}

	if !failed {
		if err := e.store.UpdateSession(ctx, session.ID, map[string]interface{}{
			"last_reviewed_commit": event.Commit,
		}); err != nil {
			return nil, err
		}
		if _, err := e.sessions.Complete(ctx, session.ID, "review passed", proposalURL(session, event)); err != nil {
			return nil, err
		}
		return &Outcome{Result: OutcomeReviewed, SessionID: session.ID, Report: report}, nil
	}

	outcome, err := e.remediate(ctx, session, event.Commit, remediationTrigger{
		kind:   triggerReviewFailure,
		report: report,
		diff:   diff,
		commit: event.Commit,
		goal:   goal,
	})
	if err != nil {
		return nil, err
	}
	outcome.Report = report
	return outcome, nil
}

// ReAudit re-runs the review on the goal's last reviewed commit,
// bypassing duplicate suppression.
func (e *Engine) ReAudit(ctx context.Context, goalID string) (*Outcome, error) {
	sessions, err := e.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.GoalID != goalID || session.LastReviewedCommit == "" {
			continue
		}
		return e.HandleChange(ctx, ChangeEvent{
			Repo:   session.SourceRepo,
			Branch: session.BranchName,
			Commit: session.LastReviewedCommit,
			force:  true,
		})
	}
	return &Outcome{Result: OutcomeNoActiveSession}, nil
}

// isFailure applies the verdict rule: any assessed criterion unmet, or
// major severity with no assessment at all.
func (e *Engine) isFailure(report *auditor.AuditReport) bool {
	if len(report.CriteriaAssessment) == 0 {
		return report.Severity == auditor.SeverityMajor
	}
	for _, assessment := range report.CriteriaAssessment {
		if !assessment.Met {
			return true
		}
	}
	return false
}

// mergeAssessment overwrites met/reasoning/evidence for the returned
// criterion ids only, under the store's write lock so a concurrent
// operator edit cannot be lost. Unknown ids are ignored; criterion ids
// are never created or rewritten here.
func (e *Engine) mergeAssessment(ctx context.Context, goalID string, assessment map[string]auditor.CriterionAssessment) (*types.Goal, error) {
	var merged *types.Goal
	err := e.store.InTx(ctx, func(tx *sql.Tx) error {
		goal, err := e.store.GoalByIDTx(ctx, tx, goalID)
		if err != nil {
			return err
		}
		for id, verdict := range assessment {
			criterion := goal.CriterionByID(id)
			if criterion == nil {
				continue
			}
			criterion.Met = verdict.Met
			criterion.Reasoning = verdict.Reasoning
			criterion.EvidenceFiles = verdict.EvidenceFiles
		}
		if err := e.store.ReplaceGoalCriteriaTx(ctx, tx, goalID, goal.Criteria); err != nil {
			return err
		}
		merged = goal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// fetchDiff pulls the change-proposal diff when a PR number is present,
// the commit diff otherwise.
func (e *Engine) fetchDiff(ctx context.Context, session *types.Session, event ChangeEvent) (string, error) {
	owner, name, err := session.RepoOwnerName()
	if err != nil {
		return "", err
	}
	if event.PRNumber > 0 {
		return e.vcs.GetPullRequestDiff(ctx, owner, name, event.PRNumber)
	}
	return e.vcs.GetCommitDiff(ctx, owner, name, event.Commit)
}

// postReviewComment composes and posts the human-readable review. Post
// failures are logged, not fatal: the verdict has already been reached
// and must still be applied.
func (e *Engine) postReviewComment(ctx context.Context, session *types.Session, event ChangeEvent, report *auditor.AuditReport) {
	owner, name, err := session.RepoOwnerName()
	if err != nil {
		fmt.Fprintf(os.Stderr, "review: cannot post comment: %v\n", err)
		return
	}
	body := composeComment(event.Commit, report)
	if event.PRNumber > 0 {
		err = e.vcs.PostPullRequestComment(ctx, owner, name, event.PRNumber, body)
	} else {
		err = e.vcs.PostCommitComment(ctx, owner, name, event.Commit, body)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "review: comment post failed for %s@%s: %v\n", session.SourceRepo, event.Commit, err)
	}
}

// composeComment renders the audit report as a review comment.
func composeComment(commit string, report *auditor.AuditReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Automated review — `%s`\n\n", shortSHA(commit))
	fmt.Fprintf(&b, "**Severity:** %s\n\n%s\n", report.Severity, report.Summary)

	if len(report.Findings) > 0 {
		b.WriteString("\n**Findings:**\n")
		for _, f := range report.Findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(report.CriteriaAssessment) > 0 {
		b.WriteString("\n**Acceptance criteria:**\n")
		for id, verdict := range report.CriteriaAssessment {
			mark := "❌"
			if verdict.Met {
				mark = "✅"
			}
			fmt.Fprintf(&b, "- %s `%s` — %s\n", mark, id, verdict.Reasoning)
		}
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// proposalURL reconstructs the proposal URL for artifact tracking when
// the event carries a PR number.
func proposalURL(session *types.Session, event ChangeEvent) string {
	if event.PRNumber == 0 {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/pull/%d", session.SourceRepo, event.PRNumber)
}
