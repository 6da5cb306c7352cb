package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// Allowed fields for session updates to prevent SQL injection
var allowedSessionFields = map[string]bool{
	"goal_id":              true,
	"cascade_id":           true,
	"external_agent_id":    true,
	"agent_url":            true,
	"last_reviewed_commit": true,
	"status":               true,
	"last_error":           true,
	"last_synced_at":       true,
}

const sessionColumns = `id, goal_id, cascade_id, source_repo, branch_name, base_branch,
	external_agent_id, agent_url, last_reviewed_commit, remediation_depth,
	status, last_error, last_synced_at, created_at, updated_at`

// CreateSession inserts a new session in its own transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *types.Session) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		return s.CreateSessionTx(ctx, tx, session)
	})
}

// CreateSessionTx inserts a new session inside the caller's transaction.
func (s *SQLiteStore) CreateSessionTx(ctx context.Context, tx *sql.Tx, session *types.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = types.SessionQueued
	}
	if session.BaseBranch == "" {
		session.BaseBranch = "main"
	}
	if err := session.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, goal_id, cascade_id, source_repo, branch_name, base_branch,
			external_agent_id, agent_url, last_reviewed_commit, remediation_depth,
			status, last_error, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, nullIfEmpty(session.GoalID), nullIfEmpty(session.CascadeID),
		session.SourceRepo, session.BranchName, session.BaseBranch,
		nullIfEmpty(session.ExternalAgentID), session.AgentURL,
		session.LastReviewedCommit, session.RemediationDepth,
		session.Status, session.LastError, session.LastSyncedAt,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// SessionByID retrieves a session by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) SessionByID(ctx context.Context, id string) (*types.Session, error) {
	return sessionByID(ctx, s.db, id)
}

// SessionByIDTx retrieves a session inside the caller's transaction.
func (s *SQLiteStore) SessionByIDTx(ctx context.Context, tx *sql.Tx, id string) (*types.Session, error) {
	return sessionByID(ctx, tx, id)
}

func sessionByID(ctx context.Context, q querier, id string) (*types.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func scanSession(row rowScanner) (*types.Session, error) {
	var session types.Session
	var goalID, cascadeID, externalAgentID sql.NullString
	var lastSyncedAt sql.NullTime
	err := row.Scan(&session.ID, &goalID, &cascadeID, &session.SourceRepo,
		&session.BranchName, &session.BaseBranch, &externalAgentID,
		&session.AgentURL, &session.LastReviewedCommit, &session.RemediationDepth,
		&session.Status, &session.LastError, &lastSyncedAt,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	session.GoalID = goalID.String
	session.CascadeID = cascadeID.String
	session.ExternalAgentID = externalAgentID.String
	if lastSyncedAt.Valid {
		session.LastSyncedAt = &lastSyncedAt.Time
	}
	return &session, nil
}

// UpdateSession updates fields on a session in its own transaction.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, updates map[string]interface{}) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		return s.UpdateSessionTx(ctx, tx, id, updates)
	})
}

// UpdateSessionTx updates fields on a session inside the caller's
// transaction. Status values are validated; transition legality is the
// lifecycle manager's job.
func (s *SQLiteStore) UpdateSessionTx(ctx context.Context, tx *sql.Tx, id string, updates map[string]interface{}) error {
	setClauses := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	for key, value := range updates {
		if !allowedSessionFields[key] {
			return fmt.Errorf("invalid field for update: %s", key)
		}
		if key == "status" {
			if status, ok := value.(string); ok {
				if !types.SessionStatus(status).IsValid() {
					return fmt.Errorf("invalid status: %s", status)
				}
			}
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", key))
		args = append(args, value)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveSessions returns all non-terminal sessions, newest first.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status NOT IN ('completed', 'failed')
		ORDER BY created_at DESC
	`)
}

// ListSessionsForCascade returns all sessions dispatched under a cascade.
func (s *SQLiteStore) ListSessionsForCascade(ctx context.Context, cascadeID string) ([]*types.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE cascade_id = ? ORDER BY created_at
	`, cascadeID)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ActiveSessionForBranch returns the most recently created non-terminal
// session for (repo, branch), or nil when there is none.
func (s *SQLiteStore) ActiveSessionForBranch(ctx context.Context, repo, branch string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE source_repo = ? AND branch_name = ?
		  AND status NOT IN ('completed', 'failed')
		ORDER BY created_at DESC
		LIMIT 1
	`, repo, branch)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session for branch: %w", err)
	}
	return session, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
