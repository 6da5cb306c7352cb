package lifecycle

import (
	"context"
	"fmt"

	"github.com/Brian125bot/nexusaiv1/internal/agent"
	"github.com/Brian125bot/nexusaiv1/internal/events"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// SyncResult reports one reconciliation against the agent provider.
type SyncResult struct {
	Session           *types.Session `json:"session"`
	ExternalStatus    string         `json:"externalStatus"`
	ChangeProposalURL string         `json:"changeProposalUrl,omitempty"`
	Outcome           string         `json:"outcome"`
}

// Sync reconciles one session against the agent provider's view of its
// agent. Status mapping: PLANNING|RUNNING → executing, COMPLETED →
// completed, FAILED|CANCELLED → failed, anything else → no-op. On
// completion with a change proposal URL, the URL is attached to the
// owning goal.
func (m *Manager) Sync(ctx context.Context, sessionID string) (*SyncResult, error) {
	session, err := m.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return &SyncResult{Session: session, Outcome: "already_terminal"}, nil
	}
	if session.ExternalAgentID == "" {
		return &SyncResult{Session: session, Outcome: "no_agent"}, nil
	}

	remote, err := m.agents.GetAgent(ctx, session.ExternalAgentID)
	if err != nil {
		// Provider errors are non-fatal for a sync: the session keeps
		// its state and the error is persisted for the next poll.
		if updErr := m.store.UpdateSession(ctx, session.ID, map[string]interface{}{
			"last_error":     fmt.Sprintf("sync failed: %v", err),
			"last_synced_at": nowUTC(),
		}); updErr != nil {
			return nil, updErr
		}
		return nil, fmt.Errorf("agent provider sync failed: %w", err)
	}

	result := &SyncResult{
		Session:           session,
		ExternalStatus:    string(remote.Status),
		ChangeProposalURL: remote.ChangeProposalURL(),
	}

	switch remote.Status {
	case agent.StatusPlanning, agent.StatusRunning:
		applied, err := m.transition(ctx, session.ID, types.SessionExecuting, "agent provider reports "+string(remote.Status), map[string]interface{}{
			"last_synced_at": nowUTC(),
		})
		if err != nil {
			return nil, err
		}
		if applied {
			result.Outcome = "advanced_to_executing"
		} else {
			// Already executing or verifying; just refresh the stamp.
			if err := m.store.UpdateSession(ctx, session.ID, map[string]interface{}{
				"last_synced_at": nowUTC(),
			}); err != nil {
				return nil, err
			}
			result.Outcome = "unchanged"
		}

	case agent.StatusCompleted:
		applied, err := m.Complete(ctx, session.ID, "agent provider reports COMPLETED", remote.ChangeProposalURL())
		if err != nil {
			return nil, err
		}
		if applied {
			result.Outcome = "completed"
		} else {
			result.Outcome = "unchanged"
		}

	case agent.StatusFailed, agent.StatusCancelled:
		if err := m.Fail(ctx, session.ID, "agent provider reports "+string(remote.Status), false); err != nil {
			return nil, err
		}
		result.Outcome = "failed"

	default:
		result.Outcome = "unknown_status_ignored"
	}

	if err := m.store.RecordEvent(ctx,
		events.NewSyncReconciled(session.ID, string(remote.Status), result.Outcome)); err != nil {
		return nil, err
	}

	refreshed, err := m.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result.Session = refreshed
	return result, nil
}

// SyncAll reconciles every active session. Used by the sync-batch route
// and the optional periodic sweep. Per-session failures are collected,
// not fatal.
func (m *Manager) SyncAll(ctx context.Context) ([]*SyncResult, []error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, []error{err}
	}

	var results []*SyncResult
	var errs []error
	for _, session := range sessions {
		if session.ExternalAgentID == "" {
			continue
		}
		result, err := m.Sync(ctx, session.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", session.ID, err))
			continue
		}
		results = append(results, result)
	}
	return results, errs
}
