package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// Allowed fields for goal updates to prevent SQL injection
var allowedGoalFields = map[string]bool{
	"title":       true,
	"description": true,
	"status":      true,
	"criteria":    true,
}

// CreateGoal inserts a new goal. Missing goal and criterion ids are
// assigned; criterion ids are never rewritten afterwards.
func (s *SQLiteStore) CreateGoal(ctx context.Context, goal *types.Goal) error {
	if goal.ID == "" {
		goal.ID = uuid.New().String()
	}
	if goal.Status == "" {
		goal.Status = types.GoalBacklog
	}
	for i := range goal.Criteria {
		if goal.Criteria[i].ID == "" {
			goal.Criteria[i].ID = uuid.New().String()
		}
	}
	if err := goal.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	goal.CreatedAt = now
	goal.UpdatedAt = now

	criteriaJSON, err := json.Marshal(goal.Criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO goals (id, title, description, criteria, status, synthetic, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, goal.ID, goal.Title, goal.Description, string(criteriaJSON), goal.Status,
		boolToInt(goal.Synthetic), goal.CreatedAt, goal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert goal: %w", err)
	}
	return nil
}

// GoalByID retrieves a goal by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GoalByID(ctx context.Context, id string) (*types.Goal, error) {
	return goalByID(ctx, s.db, id)
}

// GoalByIDTx retrieves a goal inside the caller's transaction.
func (s *SQLiteStore) GoalByIDTx(ctx context.Context, tx *sql.Tx, id string) (*types.Goal, error) {
	return goalByID(ctx, tx, id)
}

func goalByID(ctx context.Context, q querier, id string) (*types.Goal, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, title, description, criteria, status, synthetic, created_at, updated_at
		FROM goals WHERE id = ?
	`, id)
	goal, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	return goal, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGoal(row rowScanner) (*types.Goal, error) {
	var goal types.Goal
	var criteriaJSON string
	var synthetic int
	err := row.Scan(&goal.ID, &goal.Title, &goal.Description, &criteriaJSON,
		&goal.Status, &synthetic, &goal.CreatedAt, &goal.UpdatedAt)
	if err != nil {
		return nil, err
	}
	goal.Synthetic = synthetic != 0
	if err := json.Unmarshal([]byte(criteriaJSON), &goal.Criteria); err != nil {
		return nil, fmt.Errorf("corrupt criteria for goal %s: %w", goal.ID, err)
	}
	return &goal, nil
}

// ListGoals returns all goals, newest first.
func (s *SQLiteStore) ListGoals(ctx context.Context) ([]*types.Goal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, criteria, status, synthetic, created_at, updated_at
		FROM goals ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	defer rows.Close()

	var goals []*types.Goal
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		goals = append(goals, goal)
	}
	return goals, rows.Err()
}

// UpdateGoal updates fields on a goal. The criteria value, if present,
// must be a []types.Criterion and is persisted as JSON.
func (s *SQLiteStore) UpdateGoal(ctx context.Context, id string, updates map[string]interface{}) error {
	setClauses := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	for key, value := range updates {
		if !allowedGoalFields[key] {
			return fmt.Errorf("invalid field for update: %s", key)
		}
		switch key {
		case "status":
			if status, ok := value.(string); ok {
				if !types.GoalStatus(status).IsValid() {
					return fmt.Errorf("invalid status: %s", status)
				}
			}
		case "title":
			if title, ok := value.(string); ok {
				if len(title) == 0 || len(title) > 500 {
					return fmt.Errorf("title must be 1-500 characters")
				}
			}
		case "criteria":
			criteria, ok := value.([]types.Criterion)
			if !ok {
				return fmt.Errorf("criteria must be []types.Criterion")
			}
			data, err := json.Marshal(criteria)
			if err != nil {
				return fmt.Errorf("failed to marshal criteria: %w", err)
			}
			value = string(data)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", key))
		args = append(args, value)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE goals SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update goal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteGoal removes a goal; its review artifacts cascade, its sessions
// keep running with goal_id nulled.
func (s *SQLiteStore) DeleteGoal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM goals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete goal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceGoalCriteriaTx rewrites the criteria list in full inside the
// caller's write transaction. Criterion ids are the caller's problem;
// the review loop merges by id before calling this.
func (s *SQLiteStore) ReplaceGoalCriteriaTx(ctx context.Context, tx *sql.Tx, goalID string, criteria []types.Criterion) error {
	data, err := json.Marshal(criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE goals SET criteria = ?, updated_at = ? WHERE id = ?
	`, string(data), time.Now().UTC(), goalID)
	if err != nil {
		return fmt.Errorf("failed to replace criteria: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetGoalStatusTx updates the goal status inside the caller's transaction.
func (s *SQLiteStore) SetGoalStatusTx(ctx context.Context, tx *sql.Tx, goalID string, status types.GoalStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE goals SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), goalID)
	if err != nil {
		return fmt.Errorf("failed to set goal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendReviewArtifact records a change-proposal reference against a
// goal. Reports false when the (goal, url, agent) triple already exists.
func (s *SQLiteStore) AppendReviewArtifact(ctx context.Context, artifact *types.ReviewArtifact) (bool, error) {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO review_artifacts (goal_id, url, external_agent_id, session_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, artifact.GoalID, artifact.URL, artifact.ExternalAgentID, artifact.SessionID, artifact.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to append review artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReviewArtifactsForGoal lists a goal's change-proposal references.
func (s *SQLiteStore) ReviewArtifactsForGoal(ctx context.Context, goalID string) ([]*types.ReviewArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT goal_id, url, external_agent_id, session_id, created_at
		FROM review_artifacts WHERE goal_id = ? ORDER BY created_at
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list review artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*types.ReviewArtifact
	for rows.Next() {
		var a types.ReviewArtifact
		if err := rows.Scan(&a.GoalID, &a.URL, &a.ExternalAgentID, &a.SessionID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review artifact: %w", err)
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
