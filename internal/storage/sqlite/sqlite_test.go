package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brian125bot/nexusaiv1/internal/events"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGoalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	goal := &types.Goal{
		Title:       "Migrate auth middleware",
		Description: "replace the legacy cookie path",
		Criteria: []types.Criterion{
			{Text: "all handlers use session middleware"},
			{Text: "legacy cookie path removed"},
		},
	}
	require.NoError(t, store.CreateGoal(ctx, goal))
	require.NotEmpty(t, goal.ID)
	require.NotEmpty(t, goal.Criteria[0].ID)
	require.NotEmpty(t, goal.Criteria[1].ID)

	loaded, err := store.GoalByID(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.Title, loaded.Title)
	assert.Equal(t, types.GoalBacklog, loaded.Status)
	assert.Len(t, loaded.Criteria, 2)
}

func TestGoalNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GoalByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCriterionIDsStableAcrossUpdates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	goal := &types.Goal{
		Title:    "stable ids",
		Criteria: []types.Criterion{{Text: "c1"}, {Text: "c2"}},
	}
	require.NoError(t, store.CreateGoal(ctx, goal))
	originalIDs := []string{goal.Criteria[0].ID, goal.Criteria[1].ID}

	// Title patch must not disturb criteria.
	require.NoError(t, store.UpdateGoal(ctx, goal.ID, map[string]interface{}{
		"title": "renamed",
	}))

	// Assessment rewrite keeps the ids it was given.
	err := store.InTx(ctx, func(tx *sql.Tx) error {
		loaded, err := store.GoalByIDTx(ctx, tx, goal.ID)
		if err != nil {
			return err
		}
		loaded.Criteria[0].Met = true
		loaded.Criteria[0].Reasoning = "done"
		return store.ReplaceGoalCriteriaTx(ctx, tx, goal.ID, loaded.Criteria)
	})
	require.NoError(t, err)

	loaded, err := store.GoalByID(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Criteria, 2)
	assert.Equal(t, originalIDs[0], loaded.Criteria[0].ID)
	assert.Equal(t, originalIDs[1], loaded.Criteria[1].ID)
	assert.True(t, loaded.Criteria[0].Met)
	assert.Equal(t, "renamed", loaded.Title)
}

func TestGoalStatusUpdateValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	goal := &types.Goal{Title: "g"}
	require.NoError(t, store.CreateGoal(ctx, goal))

	assert.Error(t, store.UpdateGoal(ctx, goal.ID, map[string]interface{}{
		"status": "bogus",
	}))
	assert.Error(t, store.UpdateGoal(ctx, goal.ID, map[string]interface{}{
		"assignee": "nope",
	}), "unknown columns must be rejected")

	require.NoError(t, store.UpdateGoal(ctx, goal.ID, map[string]interface{}{
		"status": string(types.GoalDrifted),
	}))
	loaded, err := store.GoalByID(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GoalDrifted, loaded.Status)
}

func TestReviewArtifactDedup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	goal := &types.Goal{Title: "g"}
	require.NoError(t, store.CreateGoal(ctx, goal))

	artifact := &types.ReviewArtifact{
		GoalID:          goal.ID,
		URL:             "https://github.com/acme/web/pull/7",
		ExternalAgentID: "agent-1",
	}
	inserted, err := store.AppendReviewArtifact(ctx, artifact)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Webhook redelivery appends the same (url, agent) pair again.
	inserted, err = store.AppendReviewArtifact(ctx, &types.ReviewArtifact{
		GoalID:          goal.ID,
		URL:             "https://github.com/acme/web/pull/7",
		ExternalAgentID: "agent-1",
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	// A different agent producing the same URL is a distinct artifact.
	inserted, err = store.AppendReviewArtifact(ctx, &types.ReviewArtifact{
		GoalID:          goal.ID,
		URL:             "https://github.com/acme/web/pull/7",
		ExternalAgentID: "agent-2",
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	artifacts, err := store.ReviewArtifactsForGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	session := &types.Session{
		SourceRepo: "acme/web",
		BranchName: "agent/task-1",
		BaseBranch: "main",
	}
	require.NoError(t, store.CreateSession(ctx, session))
	require.NotEmpty(t, session.ID)

	loaded, err := store.SessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionQueued, loaded.Status)
	assert.Equal(t, 0, loaded.RemediationDepth)
	assert.Empty(t, loaded.ExternalAgentID)
}

func TestExternalAgentIDUnique(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s1 := &types.Session{SourceRepo: "acme/web", BranchName: "b1"}
	s2 := &types.Session{SourceRepo: "acme/web", BranchName: "b2"}
	require.NoError(t, store.CreateSession(ctx, s1))
	require.NoError(t, store.CreateSession(ctx, s2))

	require.NoError(t, store.UpdateSession(ctx, s1.ID, map[string]interface{}{
		"external_agent_id": "ext-1",
	}))
	err := store.UpdateSession(ctx, s2.ID, map[string]interface{}{
		"external_agent_id": "ext-1",
	})
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// Sessions without an agent id must not collide with each other.
	s3 := &types.Session{SourceRepo: "acme/web", BranchName: "b3"}
	require.NoError(t, store.CreateSession(ctx, s3))
}

func TestRemediationDepthBoundEnforcedBySchema(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	session := &types.Session{
		SourceRepo:       "acme/web",
		BranchName:       "b",
		RemediationDepth: types.MaxRemediationDepth + 1,
	}
	assert.Error(t, store.CreateSession(ctx, session))

	// CreateSession validates before inserting; the CHECK constraint must
	// reject the row on its own too.
	_, err := store.db.ExecContext(ctx, `
		INSERT INTO sessions (id, source_repo, branch_name, remediation_depth)
		VALUES ('deep', 'acme/web', 'b', ?)
	`, types.MaxRemediationDepth+1)
	assert.Error(t, err)
}

func TestActiveSessionForBranch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	none, err := store.ActiveSessionForBranch(ctx, "acme/web", "b")
	require.NoError(t, err)
	assert.Nil(t, none)

	s1 := &types.Session{SourceRepo: "acme/web", BranchName: "b"}
	require.NoError(t, store.CreateSession(ctx, s1))

	found, err := store.ActiveSessionForBranch(ctx, "acme/web", "b")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, s1.ID, found.ID)

	// Terminal sessions drop out of the lookup.
	require.NoError(t, store.UpdateSession(ctx, s1.ID, map[string]interface{}{
		"status": string(types.SessionCompleted),
	}))
	found, err = store.ActiveSessionForBranch(ctx, "acme/web", "b")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestLocksCascadeOnSessionDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	session := &types.Session{SourceRepo: "acme/web", BranchName: "b"}
	require.NoError(t, store.CreateSession(ctx, session))

	err := store.InTx(ctx, func(tx *sql.Tx) error {
		return store.InsertLockTx(ctx, tx, &types.FileLock{
			FilePath:  "a.ts",
			SessionID: session.ID,
		})
	})
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, session.ID)
	require.NoError(t, err)

	locks, err := store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestCascadeRoundTripWithTelemetry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cascade := &types.Cascade{
		CoreFilesChanged: []string{"schema.sql"},
		Summary:          "schema rename",
	}
	require.NoError(t, store.CreateCascade(ctx, cascade))

	require.NoError(t, store.UpdateCascade(ctx, cascade.ID, map[string]interface{}{
		"status":           string(types.CascadeDispatched),
		"repair_job_count": 2,
		"downstream_files": []string{"a.go", "b.go"},
		"telemetry": &types.CascadeTelemetry{
			DispatchLatencyMs: 42,
			DispatchedCount:   2,
		},
	}))

	loaded, err := store.CascadeByID(ctx, cascade.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CascadeDispatched, loaded.Status)
	assert.Equal(t, 2, loaded.RepairJobCount)
	assert.Equal(t, []string{"a.go", "b.go"}, loaded.DownstreamFiles)
	require.NotNil(t, loaded.Telemetry)
	assert.Equal(t, int64(42), loaded.Telemetry.DispatchLatencyMs)
}

func TestDeleteCascadeNullsSessionPointer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cascade := &types.Cascade{}
	require.NoError(t, store.CreateCascade(ctx, cascade))

	session := &types.Session{SourceRepo: "acme/web", BranchName: "b", CascadeID: cascade.ID}
	require.NoError(t, store.CreateSession(ctx, session))

	require.NoError(t, store.DeleteCascade(ctx, cascade.ID))

	loaded, err := store.SessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.CascadeID)
}

func TestControlEventsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	event := events.NewStatusChanged("sess-1", "queued", "executing", "agent accepted")
	require.NoError(t, store.RecordEvent(ctx, event))

	loaded, err := store.EventsForSession(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, events.EventStatusChanged, loaded[0].Type)
	assert.Equal(t, "executing", loaded[0].Data["to"])
}
