// Package lifecycle owns the session state machine. Every status change
// in the system funnels through this package, which serializes
// transitions per session, enforces terminality, and releases a session's
// file locks when it turns terminal, unless the caller asks to keep them
// (a repair session whose dispatch failed keeps its inherited locks).
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Brian125bot/nexusaiv1/internal/agent"
	"github.com/Brian125bot/nexusaiv1/internal/config"
	"github.com/Brian125bot/nexusaiv1/internal/events"
	"github.com/Brian125bot/nexusaiv1/internal/lockmgr"
	"github.com/Brian125bot/nexusaiv1/internal/storage"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// Manager mediates session transitions in response to dispatch results,
// CI signals, VCS events, and agent-provider polls.
type Manager struct {
	store  storage.Store
	locks  *lockmgr.Manager
	agents agent.Provider
	cfg    *config.Config
}

// New creates a lifecycle manager.
func New(store storage.Store, locks *lockmgr.Manager, agents agent.Provider, cfg *config.Config) *Manager {
	return &Manager{store: store, locks: locks, agents: agents, cfg: cfg}
}

// CreateSpec describes a session to create.
type CreateSpec struct {
	GoalID           string
	CascadeID        string
	SourceRepo       string
	BranchName       string
	BaseBranch       string
	RemediationDepth int
	// LockPaths, when non-empty, are acquired right after the insert. A
	// conflict marks the session failed and is reported in the result.
	LockPaths []string
}

// CreateResult pairs the created session with its lock outcome.
type CreateResult struct {
	Session *types.Session
	Locks   *lockmgr.AcquireResult
}

// Create inserts a queued session and optionally reserves its file set.
// The remediation-depth bound is enforced here: a spec beyond the bound
// is rejected before anything is persisted.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*CreateResult, error) {
	if spec.RemediationDepth > m.cfg.MaxRemediationDepth {
		return nil, fmt.Errorf("remediation depth %d exceeds bound %d",
			spec.RemediationDepth, m.cfg.MaxRemediationDepth)
	}

	session := &types.Session{
		GoalID:           spec.GoalID,
		CascadeID:        spec.CascadeID,
		SourceRepo:       spec.SourceRepo,
		BranchName:       spec.BranchName,
		BaseBranch:       spec.BaseBranch,
		RemediationDepth: spec.RemediationDepth,
		Status:           types.SessionQueued,
	}
	err := m.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := m.store.CreateSessionTx(ctx, tx, session); err != nil {
			return err
		}
		return m.store.RecordEventTx(ctx, tx,
			events.NewSessionCreated(session.ID, session.BranchName, session.RemediationDepth))
	})
	if err != nil {
		return nil, err
	}

	result := &CreateResult{Session: session}
	if len(spec.LockPaths) > 0 {
		acquired, err := m.locks.Acquire(ctx, session.ID, spec.LockPaths)
		if err != nil {
			return nil, fmt.Errorf("lock acquisition failed for session %s: %w", session.ID, err)
		}
		result.Locks = acquired
		if !acquired.Ok {
			conflictErr := formatConflicts(acquired.Conflicts)
			if err := m.Fail(ctx, session.ID, "LockConflict("+conflictErr+")", false); err != nil {
				return nil, err
			}
			session.Status = types.SessionFailed
			session.LastError = "LockConflict(" + conflictErr + ")"
			return result, nil
		}
		if err := m.store.RecordEvent(ctx, events.NewLocksAcquired(session.ID, acquired.Locked)); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Dispatch asks the agent provider for an agent and advances the session
// to executing. A provider rejection marks the session failed; locks are
// released unless keepLocksOnFailure is set (the remediation loop keeps
// the inherited lock set for the operator).
func (m *Manager) Dispatch(ctx context.Context, session *types.Session, prompt string, providerContext map[string]string, keepLocksOnFailure bool) error {
	created, err := m.agents.CreateAgent(ctx, agent.CreateRequest{
		Prompt:         prompt,
		SourceRepo:     session.SourceRepo,
		StartingBranch: session.BranchName,
		Context:        providerContext,
	})
	if err != nil {
		failErr := m.Fail(ctx, session.ID, fmt.Sprintf("agent dispatch failed: %v", err), keepLocksOnFailure)
		if failErr != nil {
			return fmt.Errorf("dispatch failed (%v) and session could not be marked failed: %w", err, failErr)
		}
		return fmt.Errorf("agent dispatch failed: %w", err)
	}

	applied, err := m.transition(ctx, session.ID, types.SessionExecuting, "agent provider accepted", map[string]interface{}{
		"external_agent_id": created.ID,
		"agent_url":         created.URL,
	})
	if err != nil {
		return err
	}
	if applied {
		session.Status = types.SessionExecuting
		session.ExternalAgentID = created.ID
		session.AgentURL = created.URL
	}
	return nil
}

// MarkVerifying advances executing → verifying (primary CI success or a
// reviewed change proposal). No lock change.
func (m *Manager) MarkVerifying(ctx context.Context, sessionID, reason string) (bool, error) {
	return m.transition(ctx, sessionID, types.SessionVerifying, reason, nil)
}

// Complete moves the session to its terminal success state, releases its
// locks in the same transaction, and attaches the change proposal to the
// owning goal (deduplicated on url and agent).
func (m *Manager) Complete(ctx context.Context, sessionID, reason, artifactURL string) (bool, error) {
	var goalID, agentID string
	applied, err := m.transitionFn(ctx, sessionID, types.SessionCompleted, reason, nil, func(s *types.Session) {
		goalID = s.GoalID
		agentID = s.ExternalAgentID
	})
	if err != nil || !applied {
		return applied, err
	}
	if artifactURL != "" && goalID != "" {
		inserted, err := m.store.AppendReviewArtifact(ctx, &types.ReviewArtifact{
			GoalID:          goalID,
			URL:             artifactURL,
			ExternalAgentID: agentID,
			SessionID:       sessionID,
		})
		if err != nil {
			return true, fmt.Errorf("session completed but artifact append failed: %w", err)
		}
		_ = inserted // re-deliveries are expected; duplicate appends are silent
	}
	return true, nil
}

// Fail moves the session to its terminal failure state. Locks are
// released with the transition unless keepLocks is set.
func (m *Manager) Fail(ctx context.Context, sessionID, lastError string, keepLocks bool) error {
	_, err := m.transitionOpts(ctx, sessionID, types.SessionFailed, lastError, map[string]interface{}{
		"last_error": lastError,
	}, keepLocks, nil)
	return err
}

// Terminate is the operator's force-terminate. Idempotent: a terminal
// session keeps its status, any locks still attached to it are
// released, and the call reports success.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	session, err := m.store.SessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		// Locks may have been deliberately stranded on a failed child;
		// terminate is the documented cleanup path for those too.
		if _, err := m.locks.Release(ctx, sessionID); err != nil {
			return err
		}
		return nil
	}
	if err := m.Fail(ctx, sessionID, "terminated by operator", false); err != nil {
		return err
	}
	return m.store.RecordEvent(ctx, events.NewSessionTerminated(sessionID, "terminated by operator"))
}

// transition applies one guarded state change. Returns false when the
// session is already terminal or the transition is not legal from the
// current status; both are treated as benign (webhook retries, races).
func (m *Manager) transition(ctx context.Context, sessionID string, to types.SessionStatus, reason string, updates map[string]interface{}) (bool, error) {
	return m.transitionFn(ctx, sessionID, to, reason, updates, nil)
}

func (m *Manager) transitionFn(ctx context.Context, sessionID string, to types.SessionStatus, reason string, updates map[string]interface{}, observe func(*types.Session)) (bool, error) {
	return m.transitionOpts(ctx, sessionID, to, reason, updates, false, observe)
}

func (m *Manager) transitionOpts(ctx context.Context, sessionID string, to types.SessionStatus, reason string, updates map[string]interface{}, keepLocks bool, observe func(*types.Session)) (bool, error) {
	applied := false
	err := m.store.InTx(ctx, func(tx *sql.Tx) error {
		session, err := m.store.SessionByIDTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if observe != nil {
			observe(session)
		}
		if session.Status.IsTerminal() || !session.Status.CanTransitionTo(to) {
			return nil
		}

		merged := map[string]interface{}{"status": string(to)}
		for k, v := range updates {
			merged[k] = v
		}
		if err := m.store.UpdateSessionTx(ctx, tx, sessionID, merged); err != nil {
			return err
		}

		if to.IsTerminal() && !keepLocks {
			removed, err := m.locks.ReleaseTx(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if removed > 0 {
				if err := m.store.RecordEventTx(ctx, tx, events.NewLocksReleased(sessionID, removed)); err != nil {
					return err
				}
			}
		}

		if err := m.store.RecordEventTx(ctx, tx,
			events.NewStatusChanged(sessionID, string(session.Status), string(to), reason)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// CheckRunEvent is a completed CI check for a head commit.
type CheckRunEvent struct {
	Repo       string
	Branch     string
	HeadSHA    string
	Name       string
	Conclusion string // success | failure | timed_out | cancelled | ...
	JobID      int64
}

// Succeeded reports whether the check passed.
func (e *CheckRunEvent) Succeeded() bool {
	return e.Conclusion == "success"
}

// HandleCheckRunSuccess classifies and applies a passing CI signal:
// primary-pipeline success moves executing → verifying, everything else
// is ignored. CI failures are the review engine's remediation trigger
// and do not pass through here.
func (m *Manager) HandleCheckRunSuccess(ctx context.Context, event CheckRunEvent) (string, error) {
	if !m.cfg.IsPrimaryPipeline(event.Name) {
		return "non_primary_ignored", nil
	}
	session, err := m.store.ActiveSessionForBranch(ctx, event.Repo, event.Branch)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "no_active_session", nil
	}
	applied, err := m.MarkVerifying(ctx, session.ID, "primary CI check passed: "+event.Name)
	if err != nil {
		return "", err
	}
	if !applied {
		return "ignored", nil
	}
	return "advanced_to_verifying", nil
}

// HandleProposalClosed resolves a session whose change proposal was
// closed: merged completes it, unmerged fails it. Locks are released
// either way.
func (m *Manager) HandleProposalClosed(ctx context.Context, repo, branch string, merged bool, url string) (string, error) {
	session, err := m.store.ActiveSessionForBranch(ctx, repo, branch)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "no_active_session", nil
	}
	if merged {
		if _, err := m.Complete(ctx, session.ID, "change proposal merged", url); err != nil {
			return "", err
		}
		return "completed", nil
	}
	if err := m.Fail(ctx, session.ID, "change proposal closed without merge", false); err != nil {
		return "", err
	}
	return "failed", nil
}

func formatConflicts(conflicts []types.LockConflict) string {
	out := ""
	for i, c := range conflicts {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s held by %s", c.Path, c.HeldBy)
	}
	return out
}

// nowUTC is shared by the sync path.
func nowUTC() time.Time {
	return time.Now().UTC()
}
