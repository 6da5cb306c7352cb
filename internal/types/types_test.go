package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatusTransitions(t *testing.T) {
	tests := []struct {
		from    SessionStatus
		to      SessionStatus
		allowed bool
	}{
		{SessionQueued, SessionExecuting, true},
		{SessionQueued, SessionFailed, true},
		{SessionQueued, SessionCompleted, true},
		{SessionQueued, SessionVerifying, false},
		{SessionExecuting, SessionVerifying, true},
		{SessionExecuting, SessionCompleted, true},
		{SessionExecuting, SessionFailed, true},
		{SessionExecuting, SessionQueued, false},
		{SessionVerifying, SessionCompleted, true},
		{SessionVerifying, SessionFailed, true},
		{SessionVerifying, SessionExecuting, false},
		{SessionCompleted, SessionFailed, false},
		{SessionCompleted, SessionExecuting, false},
		{SessionFailed, SessionCompleted, false},
		{SessionFailed, SessionQueued, false},
	}

	for _, tt := range tests {
		got := tt.from.CanTransitionTo(tt.to)
		assert.Equal(t, tt.allowed, got, "%s → %s", tt.from, tt.to)
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	assert.Empty(t, SessionCompleted.ValidTransitions())
	assert.Empty(t, SessionFailed.ValidTransitions())
	assert.True(t, SessionCompleted.IsTerminal())
	assert.True(t, SessionFailed.IsTerminal())
	assert.False(t, SessionVerifying.IsTerminal())
}

func TestSessionValidate(t *testing.T) {
	s := &Session{
		SourceRepo: "acme/web",
		BranchName: "agent/feature-1",
		BaseBranch: "main",
		Status:     SessionQueued,
	}
	require.NoError(t, s.Validate())

	s.RemediationDepth = MaxRemediationDepth + 1
	assert.Error(t, s.Validate(), "depth beyond the bound must be rejected")

	s.RemediationDepth = MaxRemediationDepth
	assert.NoError(t, s.Validate())

	s.SourceRepo = ""
	assert.Error(t, s.Validate())
}

func TestSessionRepoOwnerName(t *testing.T) {
	s := &Session{SourceRepo: "acme/web"}
	owner, name, err := s.RepoOwnerName()
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "web", name)

	s.SourceRepo = "justaname"
	_, _, err = s.RepoOwnerName()
	assert.Error(t, err)
}

func TestGoalValidate(t *testing.T) {
	g := &Goal{
		Title:  "Migrate auth to sessions v2",
		Status: GoalBacklog,
		Criteria: []Criterion{
			{ID: "c1", Text: "all handlers use the new middleware"},
			{ID: "c2", Text: "old cookie path removed"},
		},
	}
	require.NoError(t, g.Validate())

	g.Criteria = append(g.Criteria, Criterion{ID: "c1", Text: "dup"})
	assert.Error(t, g.Validate(), "duplicate criterion ids must be rejected")

	g.Criteria = []Criterion{{Text: "no id"}}
	assert.Error(t, g.Validate())

	g.Criteria = nil
	g.Status = "bogus"
	assert.Error(t, g.Validate())
}

func TestGoalCriterionHelpers(t *testing.T) {
	g := &Goal{
		Title:  "t",
		Status: GoalInProgress,
		Criteria: []Criterion{
			{ID: "a", Met: true},
			{ID: "b", Met: false},
		},
	}
	require.NotNil(t, g.CriterionByID("b"))
	assert.Nil(t, g.CriterionByID("zzz"))

	unmet := g.UnmetCriteria()
	require.Len(t, unmet, 1)
	assert.Equal(t, "b", unmet[0].ID)

	// Mutation through the returned pointer must stick.
	g.CriterionByID("b").Met = true
	assert.Empty(t, g.UnmetCriteria())
}

func TestGoalStatusTerminal(t *testing.T) {
	assert.True(t, GoalDrifted.IsTerminal())
	assert.True(t, GoalCompleted.IsTerminal())
	assert.False(t, GoalInProgress.IsTerminal())
}
