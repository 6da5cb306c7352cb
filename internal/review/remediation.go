package review

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Brian125bot/nexusaiv1/internal/auditor"
	"github.com/Brian125bot/nexusaiv1/internal/events"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

type triggerKind string

const (
	triggerReviewFailure triggerKind = "review_failure"
	triggerCIFailure     triggerKind = "ci_failure"
)

// remediationTrigger carries what failed and the material for the
// repair prompt.
type remediationTrigger struct {
	kind      triggerKind
	report    *auditor.AuditReport // review failures
	diff      string
	commit    string
	ciLogs    string // CI failures
	checkName string
	goal      *types.Goal
}

// maxLogExcerpt bounds the CI log tail included in a repair prompt.
const maxLogExcerpt = 8_000

// CheckRunFailure is a failed or timed-out primary CI check.
type CheckRunFailure struct {
	Repo    string
	Branch  string
	HeadSHA string
	Name    string
	JobID   int64
}

// HandleCheckRunFailure drives the self-healing CI loop: fetch the raw
// logs best-effort, then follow the same bounded remediation path as a
// review failure.
func (e *Engine) HandleCheckRunFailure(ctx context.Context, event CheckRunFailure) (*Outcome, error) {
	if !e.cfg.IsPrimaryPipeline(event.Name) {
		return &Outcome{Result: OutcomeNonPrimaryIgnored}, nil
	}

	session, err := e.store.ActiveSessionForBranch(ctx, event.Repo, event.Branch)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &Outcome{Result: OutcomeNoActiveSession}, nil
	}

	// A log-driven retry for an already-reviewed head commit is handled
	// uniformly with webhook redelivery.
	if event.HeadSHA != "" && event.HeadSHA == session.LastReviewedCommit {
		return &Outcome{Result: OutcomeDuplicateCommit, SessionID: session.ID}, nil
	}

	var logs string
	if owner, name, err := session.RepoOwnerName(); err == nil && event.JobID != 0 {
		if fetched, err := e.vcs.GetCheckRunLogs(ctx, owner, name, event.JobID); err == nil {
			logs = fetched
		}
	}

	var goal *types.Goal
	if session.GoalID != "" {
		if g, err := e.store.GoalByID(ctx, session.GoalID); err == nil {
			goal = g
		}
	}

	return e.remediate(ctx, session, event.HeadSHA, remediationTrigger{
		kind:      triggerCIFailure,
		commit:    event.HeadSHA,
		ciLogs:    logs,
		checkName: event.Name,
		goal:      goal,
	})
}

// remediate resolves a failed review or CI run. Below the depth bound it
// spawns a child repair session that inherits the parent's locks
// atomically; at the bound it fails the parent and drifts the goal.
func (e *Engine) remediate(ctx context.Context, parent *types.Session, commit string, trigger remediationTrigger) (*Outcome, error) {
	if parent.RemediationDepth >= e.cfg.MaxRemediationDepth {
		return e.exhaust(ctx, parent, commit, trigger)
	}

	child, err := e.spawnChild(ctx, parent, commit, trigger)
	if err != nil {
		return nil, err
	}

	// The dispatch happens outside the spawn transaction. If it fails,
	// the child goes failed but keeps the inherited locks: exclusivity
	// is preserved for the operator's repair, and the terminate route is
	// the documented cleanup.
	prompt := buildRemediationPrompt(parent, trigger)
	if err := e.sessions.Dispatch(ctx, child, prompt, map[string]string{
		"remediation": string(trigger.kind),
		"parent":      parent.ID,
	}, true); err != nil {
		return &Outcome{
			Result:         OutcomeRemediationSpawned,
			SessionID:      parent.ID,
			ChildSessionID: child.ID,
		}, nil
	}

	return &Outcome{
		Result:         OutcomeRemediationSpawned,
		SessionID:      parent.ID,
		ChildSessionID: child.ID,
	}, nil
}

// spawnChild performs the atomic handoff: in one transaction the child
// is created at depth+1 on the same branch and goal, the parent's locks
// move to it, and the parent is marked failed. No window exists where
// the files are unlocked.
func (e *Engine) spawnChild(ctx context.Context, parent *types.Session, commit string, trigger remediationTrigger) (*types.Session, error) {
	cascadeID := parent.CascadeID
	if cascadeID == "" {
		cascade := &types.Cascade{
			Status:  types.CascadeDispatched,
			Summary: fmt.Sprintf("auto-remediation for session %s (%s)", parent.ID, trigger.kind),
		}
		if err := e.store.CreateCascade(ctx, cascade); err != nil {
			return nil, fmt.Errorf("failed to create remediation cascade: %w", err)
		}
		cascadeID = cascade.ID
	}

	child := &types.Session{
		GoalID:           parent.GoalID,
		CascadeID:        cascadeID,
		SourceRepo:       parent.SourceRepo,
		BranchName:       parent.BranchName,
		BaseBranch:       parent.BaseBranch,
		RemediationDepth: parent.RemediationDepth + 1,
		Status:           types.SessionQueued,
		// The child inherits the reviewed commit: it is now the active
		// session for the branch, and a webhook redelivery of the commit
		// that spawned it must still be suppressed as a duplicate.
		LastReviewedCommit: commit,
	}

	err := e.store.InTx(ctx, func(tx *sql.Tx) error {
		current, err := e.store.SessionByIDTx(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("session %s already terminal (%s); remediation raced another resolution",
				parent.ID, current.Status)
		}

		if err := e.store.CreateSessionTx(ctx, tx, child); err != nil {
			return err
		}

		moved, err := e.locks.Transfer(ctx, tx, parent.ID, child.ID)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"status":     string(types.SessionFailed),
			"last_error": fmt.Sprintf("%s; repair session %s spawned", trigger.kind, child.ID),
		}
		if commit != "" {
			updates["last_reviewed_commit"] = commit
		}
		if err := e.store.UpdateSessionTx(ctx, tx, parent.ID, updates); err != nil {
			return err
		}
		// Transfer moved the whole lock set; anything left would violate
		// terminal-state cleanup.
		if _, err := e.locks.ReleaseTx(ctx, tx, parent.ID); err != nil {
			return err
		}

		if moved > 0 {
			if err := e.store.RecordEventTx(ctx, tx, events.NewLocksTransferred(parent.ID, child.ID, moved)); err != nil {
				return err
			}
		}
		if err := e.store.RecordEventTx(ctx, tx,
			events.NewRemediationSpawned(parent.ID, child.ID, child.RemediationDepth, string(trigger.kind))); err != nil {
			return err
		}
		return e.store.RecordEventTx(ctx, tx,
			events.NewStatusChanged(parent.ID, string(current.Status), string(types.SessionFailed), "remediation spawned"))
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// exhaust handles failure at the depth bound: the parent fails, the goal
// drifts, and a manual-intervention note is appended. No child is ever
// created past the bound.
func (e *Engine) exhaust(ctx context.Context, parent *types.Session, commit string, trigger remediationTrigger) (*Outcome, error) {
	err := e.store.InTx(ctx, func(tx *sql.Tx) error {
		current, err := e.store.SessionByIDTx(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		if !current.Status.IsTerminal() {
			updates := map[string]interface{}{
				"status": string(types.SessionFailed),
				"last_error": fmt.Sprintf("ManualInterventionRequired: remediation depth %d exhausted (%s)",
					parent.RemediationDepth, trigger.kind),
			}
			if commit != "" {
				updates["last_reviewed_commit"] = commit
			}
			if err := e.store.UpdateSessionTx(ctx, tx, parent.ID, updates); err != nil {
				return err
			}
			if _, err := e.locks.ReleaseTx(ctx, tx, parent.ID); err != nil {
				return err
			}
			if err := e.store.RecordEventTx(ctx, tx,
				events.NewStatusChanged(parent.ID, string(current.Status), string(types.SessionFailed),
					"remediation depth exhausted")); err != nil {
				return err
			}
		}
		if parent.GoalID != "" {
			if err := e.store.SetGoalStatusTx(ctx, tx, parent.GoalID, types.GoalDrifted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: OutcomeGoalDrifted, SessionID: parent.ID}, nil
}

// buildRemediationPrompt assembles the repair agent's instructions from
// either the auditor findings (review failures) or the truncated CI log
// tail (CI failures).
func buildRemediationPrompt(parent *types.Session, trigger remediationTrigger) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are repairing branch %s of %s. A previous agent's work failed ", parent.BranchName, parent.SourceRepo)
	switch trigger.kind {
	case triggerCIFailure:
		fmt.Fprintf(&b, "CI (check %q) on commit %s.\n\n", trigger.checkName, trigger.commit)
	default:
		fmt.Fprintf(&b, "review on commit %s.\n\n", trigger.commit)
	}

	if trigger.goal != nil {
		fmt.Fprintf(&b, "The goal: %s\n", trigger.goal.Title)
		if unmet := trigger.goal.UnmetCriteria(); len(unmet) > 0 {
			b.WriteString("Unmet acceptance criteria:\n")
			for _, c := range unmet {
				fmt.Fprintf(&b, "- %s", c.Text)
				if c.Reasoning != "" {
					fmt.Fprintf(&b, " (auditor: %s)", c.Reasoning)
				}
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	if trigger.report != nil {
		fmt.Fprintf(&b, "Review summary: %s\n", trigger.report.Summary)
		for _, f := range trigger.report.Findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		if trigger.report.RecommendedFixPrompt != "" {
			fmt.Fprintf(&b, "\nRecommended fix:\n%s\n", trigger.report.RecommendedFixPrompt)
		}
	}

	if trigger.ciLogs != "" {
		b.WriteString("\nCI log excerpt:\n```\n")
		b.WriteString(tailExcerpt(trigger.ciLogs, maxLogExcerpt))
		b.WriteString("\n```\n")
	}

	if trigger.diff != "" {
		b.WriteString("\nThe diff that failed review:\n```diff\n")
		b.WriteString(tailExcerpt(trigger.diff, maxLogExcerpt))
		b.WriteString("\n```\n")
	}

	b.WriteString("\nFix the problems above, keep unrelated code untouched, and push to the same branch.")
	return b.String()
}

// tailExcerpt keeps the end of oversized text; for CI logs the failure
// is almost always at the tail.
func tailExcerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "... (truncated)\n" + s[len(s)-max:]
}
