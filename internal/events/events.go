// Package events defines the control-plane audit trail: one record per
// session transition, webhook outcome, or dispatch decision.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit trail events
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventStatusChanged      EventType = "status_changed"
	EventLocksAcquired      EventType = "locks_acquired"
	EventLocksReleased      EventType = "locks_released"
	EventLocksTransferred   EventType = "locks_transferred"
	EventWebhookOutcome     EventType = "webhook_outcome"
	EventReviewCompleted    EventType = "review_completed"
	EventRemediationSpawned EventType = "remediation_spawned"
	EventCascadeDispatched  EventType = "cascade_dispatched"
	EventSessionTerminated  EventType = "session_terminated"
	EventSyncReconciled     EventType = "sync_reconciled"
)

// ControlEvent is one audit trail entry. Data carries event-specific
// fields and is persisted as JSON.
type ControlEvent struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Type      EventType              `json:"type"`
	Actor     string                 `json:"actor"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func newEvent(sessionID string, typ EventType, message string, data map[string]interface{}) *ControlEvent {
	return &ControlEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      typ,
		Actor:     "system",
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// NewSessionCreated records a session insert.
func NewSessionCreated(sessionID, branch string, remediationDepth int) *ControlEvent {
	return newEvent(sessionID, EventSessionCreated, "session created", map[string]interface{}{
		"branch":            branch,
		"remediation_depth": remediationDepth,
	})
}

// NewStatusChanged records a lifecycle transition.
func NewStatusChanged(sessionID, from, to, reason string) *ControlEvent {
	return newEvent(sessionID, EventStatusChanged, reason, map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

// NewLocksAcquired records a successful lock acquisition.
func NewLocksAcquired(sessionID string, paths []string) *ControlEvent {
	return newEvent(sessionID, EventLocksAcquired, "file locks acquired", map[string]interface{}{
		"paths": paths,
	})
}

// NewLocksReleased records a lock release on terminal entry.
func NewLocksReleased(sessionID string, count int64) *ControlEvent {
	return newEvent(sessionID, EventLocksReleased, "file locks released", map[string]interface{}{
		"count": count,
	})
}

// NewLocksTransferred records a parent-to-child lock handoff.
func NewLocksTransferred(fromSessionID, toSessionID string, count int64) *ControlEvent {
	return newEvent(fromSessionID, EventLocksTransferred, "file locks transferred", map[string]interface{}{
		"to":    toSessionID,
		"count": count,
	})
}

// NewWebhookOutcome records how an ingested webhook event was resolved
// (reviewed, duplicate_commit_skipped, no_active_session, ...).
func NewWebhookOutcome(sessionID, eventType, outcome string) *ControlEvent {
	return newEvent(sessionID, EventWebhookOutcome, outcome, map[string]interface{}{
		"event_type": eventType,
	})
}

// NewReviewCompleted records an auditor verdict for a commit.
func NewReviewCompleted(sessionID, commit, severity string, failed bool) *ControlEvent {
	return newEvent(sessionID, EventReviewCompleted, "review completed", map[string]interface{}{
		"commit":   commit,
		"severity": severity,
		"failed":   failed,
	})
}

// NewRemediationSpawned records a child repair session spawn.
func NewRemediationSpawned(parentID, childID string, depth int, trigger string) *ControlEvent {
	return newEvent(parentID, EventRemediationSpawned, "remediation session spawned", map[string]interface{}{
		"child":   childID,
		"depth":   depth,
		"trigger": trigger,
	})
}

// NewCascadeDispatched records a repair-job dispatch under a cascade.
func NewCascadeDispatched(sessionID, cascadeID string, files []string) *ControlEvent {
	return newEvent(sessionID, EventCascadeDispatched, "dispatched under cascade", map[string]interface{}{
		"cascade": cascadeID,
		"files":   files,
	})
}

// NewSessionTerminated records an operator force-terminate.
func NewSessionTerminated(sessionID, reason string) *ControlEvent {
	return newEvent(sessionID, EventSessionTerminated, reason, nil)
}

// NewSyncReconciled records a poll reconciliation against the agent provider.
func NewSyncReconciled(sessionID, externalStatus, mappedStatus string) *ControlEvent {
	return newEvent(sessionID, EventSyncReconciled, "reconciled against agent provider", map[string]interface{}{
		"external_status": externalStatus,
		"mapped_status":   mappedStatus,
	})
}
