// Package types defines the core entities of the nexus control plane:
// goals, sessions, file locks, and cascades.
package types

import (
	"fmt"
	"strings"
	"time"
)

// MaxRemediationDepth bounds the self-healing loop. A session is never
// created with a remediation depth greater than this.
const MaxRemediationDepth = 3

// GoalStatus represents the current state of a goal
type GoalStatus string

const (
	GoalBacklog    GoalStatus = "backlog"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	// GoalDrifted is terminal failure: remediation has been exhausted
	// without meeting the goal's acceptance criteria.
	GoalDrifted GoalStatus = "drifted"
)

// IsValid checks if the goal status value is valid
func (s GoalStatus) IsValid() bool {
	switch s {
	case GoalBacklog, GoalInProgress, GoalCompleted, GoalDrifted:
		return true
	}
	return false
}

// IsTerminal reports whether the goal status admits no further transitions
func (s GoalStatus) IsTerminal() bool {
	return s == GoalCompleted || s == GoalDrifted
}

// Criterion is a single testable requirement of a goal, assessed by the
// auditor per-diff. The ID is assigned at creation and stable for the
// goal's lifetime so auditor updates stay idempotent.
type Criterion struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Met           bool     `json:"met"`
	Reasoning     string   `json:"reasoning,omitempty"`
	EvidenceFiles []string `json:"evidence_files,omitempty"`
}

// Goal is a high-level architectural objective the fleet works toward.
type Goal struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Criteria    []Criterion `json:"criteria"`
	Status      GoalStatus  `json:"status"`
	// Synthetic goals are created by the cascade engine when a dispatch
	// arrives without an explicit goal; their criteria are the repair
	// prompts themselves.
	Synthetic bool      `json:"synthetic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the goal has valid field values
func (g *Goal) Validate() error {
	if strings.TrimSpace(g.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(g.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(g.Title))
	}
	if !g.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", g.Status)
	}
	seen := make(map[string]bool, len(g.Criteria))
	for i, c := range g.Criteria {
		if c.ID == "" {
			return fmt.Errorf("criterion %d has no id", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate criterion id: %s", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// CriterionByID returns the criterion with the given id, or nil.
func (g *Goal) CriterionByID(id string) *Criterion {
	for i := range g.Criteria {
		if g.Criteria[i].ID == id {
			return &g.Criteria[i]
		}
	}
	return nil
}

// UnmetCriteria returns the criteria currently assessed as not met.
func (g *Goal) UnmetCriteria() []Criterion {
	var unmet []Criterion
	for _, c := range g.Criteria {
		if !c.Met {
			unmet = append(unmet, c)
		}
	}
	return unmet
}

// ReviewArtifact is a reference to a change proposal (e.g. a pull request)
// produced for a goal. Deduplicated on (goal, url, external agent).
type ReviewArtifact struct {
	GoalID          string    `json:"goal_id"`
	URL             string    `json:"url"`
	ExternalAgentID string    `json:"external_agent_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	// SessionQueued: created, not yet confirmed by the agent provider
	SessionQueued SessionStatus = "queued"
	// SessionExecuting: the agent provider has a live agent
	SessionExecuting SessionStatus = "executing"
	// SessionVerifying: the agent produced a change proposal, CI is running
	SessionVerifying SessionStatus = "verifying"
	// SessionCompleted and SessionFailed are terminal
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsValid checks if the session status value is valid
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionQueued, SessionExecuting, SessionVerifying, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
// A session in a terminal state holds no file locks, except a repair
// session whose agent dispatch failed: it keeps its inherited locks until
// it is terminated.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// ValidTransitions returns the statuses reachable from this one.
//
//	queued → executing | completed | failed
//	executing → verifying | completed | failed
//	verifying → completed | failed
//	completed / failed → (none)
//
// queued → completed covers a change proposal merged while the dispatch
// was still pending confirmation.
func (s SessionStatus) ValidTransitions() []SessionStatus {
	switch s {
	case SessionQueued:
		return []SessionStatus{SessionExecuting, SessionCompleted, SessionFailed}
	case SessionExecuting:
		return []SessionStatus{SessionVerifying, SessionCompleted, SessionFailed}
	case SessionVerifying:
		return []SessionStatus{SessionCompleted, SessionFailed}
	default:
		return nil
	}
}

// CanTransitionTo checks if a transition to the target status is valid
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// Session is one supervised unit of agent work, bound to a branch and an
// exclusive set of file locks.
type Session struct {
	ID        string `json:"id"`
	GoalID    string `json:"goal_id,omitempty"`
	CascadeID string `json:"cascade_id,omitempty"`

	SourceRepo string `json:"source_repo"`
	BranchName string `json:"branch_name"`
	BaseBranch string `json:"base_branch"`

	// ExternalAgentID is assigned once the agent provider confirms the
	// dispatch. Globally unique when non-empty.
	ExternalAgentID string `json:"external_agent_id,omitempty"`
	AgentURL        string `json:"agent_url,omitempty"`

	LastReviewedCommit string        `json:"last_reviewed_commit,omitempty"`
	RemediationDepth   int           `json:"remediation_depth"`
	Status             SessionStatus `json:"status"`
	LastError          string        `json:"last_error,omitempty"`
	LastSyncedAt       *time.Time    `json:"last_synced_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Validate checks if the session has valid field values
func (s *Session) Validate() error {
	if s.SourceRepo == "" {
		return fmt.Errorf("source_repo is required")
	}
	if s.BranchName == "" {
		return fmt.Errorf("branch_name is required")
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", s.Status)
	}
	if s.RemediationDepth < 0 || s.RemediationDepth > MaxRemediationDepth {
		return fmt.Errorf("remediation_depth must be between 0 and %d (got %d)",
			MaxRemediationDepth, s.RemediationDepth)
	}
	return nil
}

// RepoOwnerName splits the session's source repo into owner and name.
func (s *Session) RepoOwnerName() (owner, name string, err error) {
	parts := strings.SplitN(s.SourceRepo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("source_repo %q is not owner/name", s.SourceRepo)
	}
	return parts[0], parts[1], nil
}

// FileLock reserves a path for exactly one non-terminal session. The path
// is globally unique across all locks; this is the central concurrency
// invariant of the control plane.
type FileLock struct {
	FilePath  string    `json:"file_path"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
}

// LockHolder is a file lock joined with its owning session, used for
// conflict display and auditor context.
type LockHolder struct {
	Path      string        `json:"path"`
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Branch    string        `json:"branch"`
}

// CascadeStatus represents the state of a blast-radius cascade
type CascadeStatus string

const (
	CascadeAnalyzing  CascadeStatus = "analyzing"
	CascadeDispatched CascadeStatus = "dispatched"
	CascadeCompleted  CascadeStatus = "completed"
	CascadeFailed     CascadeStatus = "failed"
)

// IsValid checks if the cascade status value is valid
func (s CascadeStatus) IsValid() bool {
	switch s {
	case CascadeAnalyzing, CascadeDispatched, CascadeCompleted, CascadeFailed:
		return true
	}
	return false
}

// CascadeTelemetry records what happened during a dispatch.
type CascadeTelemetry struct {
	DispatchLatencyMs int64 `json:"dispatch_latency_ms"`
	ConflictCount     int   `json:"conflict_count"`
	DispatchedCount   int   `json:"dispatched_count"`
	FailedCount       int   `json:"failed_count"`
}

// Cascade groups the repair sessions spawned from one blast-radius
// analysis. It is a weak grouping: deleting a session does not delete the
// cascade, and deleting a cascade nulls the pointer in its sessions.
type Cascade struct {
	ID               string            `json:"id"`
	TriggerSessionID string            `json:"trigger_session_id,omitempty"`
	CoreFilesChanged []string          `json:"core_files_changed"`
	DownstreamFiles  []string          `json:"downstream_files"`
	RepairJobCount   int               `json:"repair_job_count"`
	Summary          string            `json:"summary"`
	Status           CascadeStatus     `json:"status"`
	Telemetry        *CascadeTelemetry `json:"telemetry,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Validate checks if the cascade has valid field values
func (c *Cascade) Validate() error {
	if !c.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", c.Status)
	}
	if c.RepairJobCount < 0 {
		return fmt.Errorf("repair_job_count cannot be negative")
	}
	return nil
}

// LockConflict describes a path that could not be acquired and who holds it.
type LockConflict struct {
	Path   string `json:"path"`
	HeldBy string `json:"heldBy"`
}
