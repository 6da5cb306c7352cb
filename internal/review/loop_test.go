package review

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brian125bot/nexusaiv1/internal/agent"
	"github.com/Brian125bot/nexusaiv1/internal/auditor"
	"github.com/Brian125bot/nexusaiv1/internal/config"
	"github.com/Brian125bot/nexusaiv1/internal/lifecycle"
	"github.com/Brian125bot/nexusaiv1/internal/lockmgr"
	"github.com/Brian125bot/nexusaiv1/internal/storage"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// fakeOracle is a deterministic auditor double.
type fakeOracle struct {
	reviewFn    func(input auditor.ReviewInput) (*auditor.AuditReport, error)
	reviewCalls int
}

func (f *fakeOracle) Review(_ context.Context, input auditor.ReviewInput) (*auditor.AuditReport, error) {
	f.reviewCalls++
	if f.reviewFn != nil {
		return f.reviewFn(input)
	}
	return &auditor.AuditReport{Severity: auditor.SeverityNone, Summary: "fine"}, nil
}

func (f *fakeOracle) Decompose(context.Context, auditor.DecomposeInput) (*auditor.CascadeAnalysis, error) {
	return &auditor.CascadeAnalysis{}, nil
}

// fakeVCS serves a canned diff and records posted comments.
type fakeVCS struct {
	diff     string
	logs     string
	comments []string
}

func (f *fakeVCS) GetCommitDiff(context.Context, string, string, string) (string, error) {
	return f.diff, nil
}
func (f *fakeVCS) GetPullRequestDiff(context.Context, string, string, int) (string, error) {
	return f.diff, nil
}
func (f *fakeVCS) GetCheckRunLogs(context.Context, string, string, int64) (string, error) {
	return f.logs, nil
}
func (f *fakeVCS) PostPullRequestComment(_ context.Context, _, _ string, _ int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}
func (f *fakeVCS) PostCommitComment(_ context.Context, _, _, _, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

type fakeAgents struct {
	createCalls int
	lastPrompt  string
	failCreate  bool
}

func (f *fakeAgents) CreateAgent(_ context.Context, req agent.CreateRequest) (*agent.Agent, error) {
	f.createCalls++
	f.lastPrompt = req.Prompt
	if f.failCreate {
		return nil, &agent.ProviderError{StatusCode: 500, Body: "down"}
	}
	return &agent.Agent{ID: fmt.Sprintf("ext-%d", f.createCalls), Status: agent.StatusPlanning}, nil
}
func (f *fakeAgents) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	return &agent.Agent{ID: id, Status: agent.StatusRunning}, nil
}
func (f *fakeAgents) ListSources(context.Context) ([]agent.Source, error) { return nil, nil }

type fixture struct {
	store  storage.Store
	locks  *lockmgr.Manager
	oracle *fakeOracle
	vcs    *fakeVCS
	agents *fakeAgents
	engine *Engine
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStore(context.Background(), &storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.PrimaryPipelines = []string{"ci"}
	locks := lockmgr.New(store)
	oracle := &fakeOracle{}
	vcsFake := &fakeVCS{diff: "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n"}
	agents := &fakeAgents{}
	sessions := lifecycle.New(store, locks, agents, cfg)
	return &fixture{
		store:  store,
		locks:  locks,
		oracle: oracle,
		vcs:    vcsFake,
		agents: agents,
		engine: New(store, locks, sessions, oracle, vcsFake, cfg),
		cfg:    cfg,
	}
}

// startSession creates an executing session with locks and a goal.
func (f *fixture) startSession(t *testing.T, lockPaths ...string) (*types.Session, *types.Goal) {
	t.Helper()
	ctx := context.Background()

	goal := &types.Goal{
		Title: "ship it",
		Criteria: []types.Criterion{
			{Text: "feature implemented"},
			{Text: "tests updated"},
		},
		Status: types.GoalInProgress,
	}
	require.NoError(t, f.store.CreateGoal(ctx, goal))

	session := &types.Session{
		GoalID:     goal.ID,
		SourceRepo: "acme/web",
		BranchName: "agent/task",
		BaseBranch: "main",
		Status:     types.SessionQueued,
	}
	require.NoError(t, f.store.CreateSession(ctx, session))
	require.NoError(t, f.store.UpdateSession(ctx, session.ID, map[string]interface{}{
		"status":            string(types.SessionExecuting),
		"external_agent_id": "ext-" + session.ID[:8],
	}))
	session.Status = types.SessionExecuting

	if len(lockPaths) > 0 {
		result, err := f.locks.Acquire(ctx, session.ID, lockPaths)
		require.NoError(t, err)
		require.True(t, result.Ok)
	}
	return session, goal
}

func TestHandleChangeNoActiveSession(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.engine.HandleChange(context.Background(), ChangeEvent{
		Repo: "acme/web", Branch: "nobody", Commit: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoActiveSession, outcome.Result)
	assert.Zero(t, f.oracle.reviewCalls)
}

func TestHandleChangeReviewPassCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, goal := f.startSession(t, "x.go")

	f.oracle.reviewFn = func(input auditor.ReviewInput) (*auditor.AuditReport, error) {
		assessment := make(map[string]auditor.CriterionAssessment)
		for _, c := range input.Criteria {
			assessment[c.ID] = auditor.CriterionAssessment{
				Met:           true,
				Reasoning:     "visible in diff",
				EvidenceFiles: []string{"x.go"},
			}
		}
		return &auditor.AuditReport{
			Severity:           auditor.SeverityNone,
			Summary:            "looks good",
			CriteriaAssessment: assessment,
		}, nil
	}

	outcome, err := f.engine.HandleChange(ctx, ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReviewed, outcome.Result)

	loaded, err := f.store.SessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, loaded.Status)
	assert.Equal(t, "abc123", loaded.LastReviewedCommit)

	locks, err := f.store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	reloaded, err := f.store.GoalByID(ctx, goal.ID)
	require.NoError(t, err)
	for _, c := range reloaded.Criteria {
		assert.True(t, c.Met)
	}

	require.Len(t, f.vcs.comments, 1)
	assert.Contains(t, f.vcs.comments[0], "abc123")
}

func TestDuplicateCommitSuppression(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.startSession(t)

	require.NoError(t, f.store.UpdateSession(ctx, session.ID, map[string]interface{}{
		"last_reviewed_commit": "abc123",
	}))

	outcome, err := f.engine.HandleChange(ctx, ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateCommit, outcome.Result)
	assert.Zero(t, f.oracle.reviewCalls, "duplicate delivery must not re-invoke the oracle")
	assert.Empty(t, f.vcs.comments, "duplicate delivery must not re-post the comment")
}

func TestDuplicateSuppressionSurvivesRemediationHandoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startSession(t, "x.go")

	f.oracle.reviewFn = func(input auditor.ReviewInput) (*auditor.AuditReport, error) {
		assessment := map[string]auditor.CriterionAssessment{
			input.Criteria[0].ID: {Met: false, Reasoning: "missing"},
		}
		return &auditor.AuditReport{
			Severity:           auditor.SeverityMinor,
			Summary:            "incomplete",
			CriteriaAssessment: assessment,
		}, nil
	}

	first, err := f.engine.HandleChange(ctx, ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc123",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRemediationSpawned, first.Result)
	require.Equal(t, 1, f.oracle.reviewCalls)

	// The child is now the branch's active session; redelivering the
	// same commit must still be a duplicate, not a second review.
	second, err := f.engine.HandleChange(ctx, ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateCommit, second.Result)
	assert.Equal(t, 1, f.oracle.reviewCalls)
	assert.Equal(t, first.ChildSessionID, second.SessionID)
}

func TestEmptyDiffSkipped(t *testing.T) {
	f := newFixture(t)
	f.startSession(t)
	f.vcs.diff = "   \n"

	outcome, err := f.engine.HandleChange(context.Background(), ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmptyDiff, outcome.Result)
	assert.Zero(t, f.oracle.reviewCalls)
}

func TestCriteriaMergeOnlyTouchesReturnedIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, goal := f.startSession(t)

	firstID := goal.Criteria[0].ID
	f.oracle.reviewFn = func(auditor.ReviewInput) (*auditor.AuditReport, error) {
		return &auditor.AuditReport{
			Severity: auditor.SeverityNone,
			Summary:  "partial assessment",
			CriteriaAssessment: map[string]auditor.CriterionAssessment{
				firstID:      {Met: true, Reasoning: "done", EvidenceFiles: []string{"x.go"}},
				"unknown-id": {Met: true, Reasoning: "phantom"},
			},
		}, nil
	}

	_, err := f.engine.HandleChange(ctx, ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc",
	})
	require.NoError(t, err)

	reloaded, err := f.store.GoalByID(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Criteria, 2, "unknown ids must not create criteria")
	assert.True(t, reloaded.CriterionByID(firstID).Met)
	assert.Equal(t, "done", reloaded.CriterionByID(firstID).Reasoning)
	assert.False(t, reloaded.Criteria[1].Met, "unassessed criterion untouched")
}

func TestMajorSeverityWithoutAssessmentIsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.startSession(t, "x.go")

	f.oracle.reviewFn = func(auditor.ReviewInput) (*auditor.AuditReport, error) {
		return &auditor.AuditReport{
			Severity: auditor.SeverityMajor,
			Summary:  "this deletes the auth check",
			Findings: []string{"auth middleware removed"},
		}, nil
	}

	outcome, err := f.engine.HandleChange(ctx, ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemediationSpawned, outcome.Result)

	loaded, _ := f.store.SessionByID(ctx, session.ID)
	assert.Equal(t, types.SessionFailed, loaded.Status)
}

func TestMinorSeverityWithoutAssessmentPasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.startSession(t)

	f.oracle.reviewFn = func(auditor.ReviewInput) (*auditor.AuditReport, error) {
		return &auditor.AuditReport{Severity: auditor.SeverityMinor, Summary: "nit"}, nil
	}

	outcome, err := f.engine.HandleChange(ctx, ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReviewed, outcome.Result)

	loaded, _ := f.store.SessionByID(ctx, session.ID)
	assert.Equal(t, types.SessionCompleted, loaded.Status)
}

func TestFailureSpawnsChildWithLockTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, goal := f.startSession(t, "a.ts", "b.ts")

	f.oracle.reviewFn = func(input auditor.ReviewInput) (*auditor.AuditReport, error) {
		return &auditor.AuditReport{
			Severity: auditor.SeverityMinor,
			Summary:  "criterion missed",
			CriteriaAssessment: map[string]auditor.CriterionAssessment{
				input.Criteria[0].ID: {Met: false, Reasoning: "not done"},
			},
			RecommendedFixPrompt: "finish the feature",
		}, nil
	}

	outcome, err := f.engine.HandleChange(ctx, ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRemediationSpawned, outcome.Result)
	require.NotEmpty(t, outcome.ChildSessionID)

	parent, err := f.store.SessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, parent.Status)
	assert.Equal(t, "abc", parent.LastReviewedCommit)

	child, err := f.store.SessionByID(ctx, outcome.ChildSessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, child.RemediationDepth)
	assert.Equal(t, session.BranchName, child.BranchName)
	assert.Equal(t, goal.ID, child.GoalID)
	assert.NotEmpty(t, child.CascadeID, "auto-remediation cascade created")
	assert.Equal(t, types.SessionExecuting, child.Status)

	// Lock cardinality preserved across the handoff; every lock moved.
	locks, err := f.store.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	for _, lock := range locks {
		assert.Equal(t, child.ID, lock.SessionID)
	}

	assert.Contains(t, f.agents.lastPrompt, "finish the feature")
}

func TestChildKeepsLocksWhenDispatchFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.agents.failCreate = true
	f.startSession(t, "a.ts")

	f.oracle.reviewFn = func(input auditor.ReviewInput) (*auditor.AuditReport, error) {
		return &auditor.AuditReport{
			Severity: auditor.SeverityMinor,
			CriteriaAssessment: map[string]auditor.CriterionAssessment{
				input.Criteria[0].ID: {Met: false},
			},
		}, nil
	}

	outcome, err := f.engine.HandleChange(ctx, ChangeEvent{
		Repo: "acme/web", Branch: "agent/task", Commit: "abc",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRemediationSpawned, outcome.Result)

	child, err := f.store.SessionByID(ctx, outcome.ChildSessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, child.Status)

	// The inherited lock set is deliberately stranded on the failed
	// child until operator cleanup.
	locks, err := f.store.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, child.ID, locks[0].SessionID)
}

func TestCheckRunFailureNonPrimaryIgnored(t *testing.T) {
	f := newFixture(t)
	f.startSession(t)

	outcome, err := f.engine.HandleCheckRunFailure(context.Background(), CheckRunFailure{
		Repo: "acme/web", Branch: "agent/task", HeadSHA: "abc", Name: "nightly-fuzz",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNonPrimaryIgnored, outcome.Result)
}

func TestBoundedRemediationEndsInDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, goal := f.startSession(t, "a.ts")
	f.vcs.logs = "FAIL: TestThing (0.01s)\npanic: boom"

	// Drive the self-healing CI loop until the depth bound. Each
	// failure arrives on a fresh head commit.
	current := session.ID
	for depth := 1; depth <= f.cfg.MaxRemediationDepth; depth++ {
		outcome, err := f.engine.HandleCheckRunFailure(ctx, CheckRunFailure{
			Repo: "acme/web", Branch: "agent/task",
			HeadSHA: fmt.Sprintf("sha-%d", depth), Name: "ci", JobID: int64(depth),
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeRemediationSpawned, outcome.Result, "depth %d", depth)
		require.NotEmpty(t, outcome.ChildSessionID)

		child, err := f.store.SessionByID(ctx, outcome.ChildSessionID)
		require.NoError(t, err)
		assert.Equal(t, depth, child.RemediationDepth)

		// Every generation carries the lock forward; no leaks.
		locks, err := f.store.ListLocks(ctx)
		require.NoError(t, err)
		require.Len(t, locks, 1)
		assert.Equal(t, child.ID, locks[0].SessionID)

		current = child.ID
	}

	// The depth-3 session fails CI: no child, goal drifts.
	outcome, err := f.engine.HandleCheckRunFailure(ctx, CheckRunFailure{
		Repo: "acme/web", Branch: "agent/task",
		HeadSHA: "sha-final", Name: "ci", JobID: 99,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeGoalDrifted, outcome.Result)
	assert.Empty(t, outcome.ChildSessionID)

	last, err := f.store.SessionByID(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, last.Status)
	assert.Contains(t, last.LastError, "ManualInterventionRequired")

	reloaded, err := f.store.GoalByID(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GoalDrifted, reloaded.Status)

	// The terminal generation released its lock: nothing leaks.
	locks, err := f.store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	// Sanity: no session anywhere exceeded the bound.
	active, err := f.store.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCIFailurePromptCarriesLogExcerpt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.startSession(t)
	f.vcs.logs = "FAIL: TestAuth (0.01s)\nexpected 200 got 500"

	outcome, err := f.engine.HandleCheckRunFailure(ctx, CheckRunFailure{
		Repo: "acme/web", Branch: "agent/task", HeadSHA: "abc", Name: "ci", JobID: 7,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRemediationSpawned, outcome.Result)
	assert.Contains(t, f.agents.lastPrompt, "expected 200 got 500")
	assert.Contains(t, f.agents.lastPrompt, "CI")
}

func TestReAuditBypassesDuplicateSuppression(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, goal := f.startSession(t)

	require.NoError(t, f.store.UpdateSession(ctx, session.ID, map[string]interface{}{
		"last_reviewed_commit": "abc123",
	}))

	outcome, err := f.engine.ReAudit(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReviewed, outcome.Result)
	assert.Equal(t, 1, f.oracle.reviewCalls)
}
