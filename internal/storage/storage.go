// Package storage defines the registry store interface for the control
// plane. All goal, session, lock, and cascade state lives behind it.
package storage

import (
	"context"
	"database/sql"

	"github.com/Brian125bot/nexusaiv1/internal/events"
	"github.com/Brian125bot/nexusaiv1/internal/storage/sqlite"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// Store is the transactional substrate every invariant rests on. The
// four registry primitives (InTx, SessionByID, GoalByID,
// ListActiveSessions) are the contract upper layers build on; the
// remaining methods are the entity helpers those layers run inside InTx.
//
// Methods with a Tx suffix must be called with a transaction obtained
// from InTx; their non-suffixed counterparts open their own.
type Store interface {
	// InTx runs fn inside a write transaction. The transaction takes the
	// database write lock up front, so concurrent invariant-bearing
	// mutations are serialized.
	InTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	// Goals
	CreateGoal(ctx context.Context, goal *types.Goal) error
	GoalByID(ctx context.Context, id string) (*types.Goal, error)
	GoalByIDTx(ctx context.Context, tx *sql.Tx, id string) (*types.Goal, error)
	ListGoals(ctx context.Context) ([]*types.Goal, error)
	UpdateGoal(ctx context.Context, id string, updates map[string]interface{}) error
	DeleteGoal(ctx context.Context, id string) error
	// ReplaceGoalCriteriaTx rewrites the goal's criteria list in full,
	// inside the caller's write transaction.
	ReplaceGoalCriteriaTx(ctx context.Context, tx *sql.Tx, goalID string, criteria []types.Criterion) error
	SetGoalStatusTx(ctx context.Context, tx *sql.Tx, goalID string, status types.GoalStatus) error

	// Review artifacts. AppendReviewArtifact reports whether a row was
	// inserted (false when the (goal, url, agent) triple already exists).
	AppendReviewArtifact(ctx context.Context, artifact *types.ReviewArtifact) (bool, error)
	ReviewArtifactsForGoal(ctx context.Context, goalID string) ([]*types.ReviewArtifact, error)

	// Sessions
	CreateSession(ctx context.Context, session *types.Session) error
	CreateSessionTx(ctx context.Context, tx *sql.Tx, session *types.Session) error
	SessionByID(ctx context.Context, id string) (*types.Session, error)
	SessionByIDTx(ctx context.Context, tx *sql.Tx, id string) (*types.Session, error)
	UpdateSession(ctx context.Context, id string, updates map[string]interface{}) error
	UpdateSessionTx(ctx context.Context, tx *sql.Tx, id string, updates map[string]interface{}) error
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	ListSessionsForCascade(ctx context.Context, cascadeID string) ([]*types.Session, error)
	// ActiveSessionForBranch returns the most recently created
	// non-terminal session for (repo, branch), or nil.
	ActiveSessionForBranch(ctx context.Context, repo, branch string) (*types.Session, error)

	// File locks. Mutated only by the lock manager.
	LocksForPathsTx(ctx context.Context, tx *sql.Tx, paths []string) ([]*types.FileLock, error)
	InsertLockTx(ctx context.Context, tx *sql.Tx, lock *types.FileLock) error
	DeleteLocksForSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error)
	ReassignLocksTx(ctx context.Context, tx *sql.Tx, fromSessionID, toSessionID string) (int64, error)
	ListLocks(ctx context.Context) ([]*types.FileLock, error)
	LockHolders(ctx context.Context, paths []string) ([]*types.LockHolder, error)
	DeleteAllLocks(ctx context.Context) (int64, error)

	// Cascades
	CreateCascade(ctx context.Context, cascade *types.Cascade) error
	CascadeByID(ctx context.Context, id string) (*types.Cascade, error)
	UpdateCascade(ctx context.Context, id string, updates map[string]interface{}) error
	DeleteCascade(ctx context.Context, id string) error

	// Control events (audit trail)
	RecordEvent(ctx context.Context, event *events.ControlEvent) error
	RecordEventTx(ctx context.Context, tx *sql.Tx, event *events.ControlEvent) error
	EventsForSession(ctx context.Context, sessionID string, limit int) ([]*events.ControlEvent, error)

	// Lifecycle
	Close() error
}

// ErrNotFound is returned when a goal, session, or cascade does not exist.
var ErrNotFound = sqlite.ErrNotFound

// IsUniqueViolation reports whether err is a uniqueness-constraint
// violation from the backing database. The lock manager uses this to
// convert a racing insert into a structured conflict.
func IsUniqueViolation(err error) bool {
	return sqlite.IsUniqueViolation(err)
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path.
	// Special value ":memory:" creates an in-memory database (tests).
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{Path: ".nexus/nexus.db"}
}

// NewStore creates a new SQLite-backed registry store
func NewStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	return sqlite.New(cfg.Path)
}
