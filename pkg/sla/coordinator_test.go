package sla

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/models"
)

func testConfig() config.SLAConfig {
	return config.SLAConfig{
		EvalInterval:          time.Minute,
		PingAfter:             30 * time.Minute,
		ReassignAfter:         60 * time.Minute,
		MaxReassignments:      3,
		ReassignCooldown:      10 * time.Minute,
		ProgressSilenceLimit:  10 * time.Minute,
		RejectionQuarantine:   2,
		ProgressLagPercentage: 20,
	}
}

func newCoordinator(t *testing.T, now time.Time) *Coordinator {
	t.Helper()
	c := NewCoordinator(testConfig(), slog.Default())
	c.now = func() time.Time { return now }
	return c
}

func inProgressTask(id, assignee string, startedAgo time.Duration, now time.Time) models.Task {
	started := now.Add(-startedAgo)
	return models.Task{
		ID:        id,
		Status:    models.TaskInProgress,
		Assignee:  assignee,
		StartedAt: &started,
	}
}

func withRecentProgress(task models.Task, percent int, reportedAgo time.Duration, now time.Time) models.Task {
	task.LastProgressReport = &models.ProgressReport{
		Percent:   percent,
		Timestamp: now.Add(-reportedAgo),
	}
	return task
}

func actionTypes(actions []Action) []ResponseAction {
	out := make([]ResponseAction, len(actions))
	for i, a := range actions {
		out[i] = a.Type
	}
	return out
}

func TestCoordinator_PingAfterThirtyFiveMinutes(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	task := withRecentProgress(inProgressTask("t1", "bob", 35*time.Minute, now), 50, 5*time.Minute, now)

	actions := c.Evaluate([]models.Task{task}, Inputs{})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPing, actions[0].Type)
	assert.Equal(t, "t1", actions[0].TaskID)
}

func TestCoordinator_UnderThresholdProducesNothing(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	task := withRecentProgress(inProgressTask("t1", "bob", 20*time.Minute, now), 50, 5*time.Minute, now)

	assert.Empty(t, c.Evaluate([]models.Task{task}, Inputs{}))
}

func TestCoordinator_SuggestReassignAfterHour(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	task := withRecentProgress(inProgressTask("t1", "bob", 90*time.Minute, now), 50, 5*time.Minute, now)

	actions := c.Evaluate([]models.Task{task}, Inputs{})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSuggestReassign, actions[0].Type)
}

func TestCoordinator_AutoReassignCriticalWithCooldown(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	task := withRecentProgress(inProgressTask("t1", "bob", 90*time.Minute, now), 50, 5*time.Minute, now)
	task.Criticality = models.CriticalityCritical

	actions := c.Evaluate([]models.Task{task}, Inputs{})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionAutoReassign, actions[0].Type)

	// Second evaluation inside the cooldown downgrades to a suggestion.
	actions = c.Evaluate([]models.Task{task}, Inputs{})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSuggestReassign, actions[0].Type)
}

func TestCoordinator_EscalateHumanAfterMaxReassignments(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	task := withRecentProgress(inProgressTask("t1", "bob", 90*time.Minute, now), 50, 5*time.Minute, now)
	task.Criticality = models.CriticalityCritical
	task.ReassignmentCount = 3

	actions := c.Evaluate([]models.Task{task}, Inputs{})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionEscalateHuman, actions[0].Type)
}

func TestCoordinator_QuarantineOnConsecutiveRejections(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	task := withRecentProgress(inProgressTask("t1", "bob", 5*time.Minute, now), 10, time.Minute, now)

	actions := c.Evaluate([]models.Task{task}, Inputs{
		ConsecutiveRejections: map[string]int{"bob": 2},
	})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionQuarantineAgent, actions[0].Type)
	assert.Equal(t, "bob", actions[0].Agent)
}

func TestCoordinator_QuarantineWithoutInProgressTask(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)

	// The rejection quarantine is per agent: it fires even when the agent
	// holds no in-progress task at all.
	tasks := []models.Task{{ID: "t1", Status: models.TaskRejected, Assignee: "bob"}}
	actions := c.Evaluate(tasks, Inputs{
		ConsecutiveRejections: map[string]int{"bob": 3},
	})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionQuarantineAgent, actions[0].Type)
	assert.Equal(t, "bob", actions[0].Agent)

	// An empty board behaves the same.
	actions = c.Evaluate(nil, Inputs{ConsecutiveRejections: map[string]int{"bob": 3}})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionQuarantineAgent, actions[0].Type)
}

func TestCoordinator_QuarantineUnresponsive(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	task := withRecentProgress(inProgressTask("t1", "bob", 20*time.Minute, now), 50, 15*time.Minute, now)

	actions := c.Evaluate([]models.Task{task}, Inputs{})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionQuarantineAgent, actions[0].Type)
	assert.Equal(t, "unresponsive", actions[0].Reason)
}

func TestCoordinator_ProactiveWarningOnLag(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	// 30 of an estimated 60 minutes elapsed: expected 50%, reported 20%.
	task := withRecentProgress(inProgressTask("t1", "bob", 30*time.Minute, now), 20, time.Minute, now)

	actions := c.Evaluate([]models.Task{task}, Inputs{
		EstimatedDurationMinutes: map[string]float64{"t1": 60},
	})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionProactiveWarning, actions[0].Type)

	// 35% reported is within the 20-point tolerance.
	task = withRecentProgress(task, 35, time.Minute, now)
	assert.Empty(t, c.Evaluate([]models.Task{task}, Inputs{
		EstimatedDurationMinutes: map[string]float64{"t1": 60},
	}))
}

func TestCoordinator_IndependentChecksStack(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	// Stalled for 90 min, progress silent for 15 min, agent over the
	// rejection threshold: quarantine once plus the escalation rung.
	task := withRecentProgress(inProgressTask("t1", "bob", 90*time.Minute, now), 50, 15*time.Minute, now)

	actions := c.Evaluate([]models.Task{task}, Inputs{
		ConsecutiveRejections: map[string]int{"bob": 3},
	})
	types := actionTypes(actions)
	assert.Contains(t, types, ActionQuarantineAgent)
	assert.Contains(t, types, ActionSuggestReassign)
	assert.Len(t, actions, 2, "agent quarantined at most once per evaluation")
}

func TestCoordinator_IgnoresNonInProgressTasks(t *testing.T) {
	now := time.Now()
	c := newCoordinator(t, now)
	started := now.Add(-2 * time.Hour)
	tasks := []models.Task{
		{ID: "p", Status: models.TaskPending},
		{ID: "r", Status: models.TaskReadyForReview, StartedAt: &started},
		{ID: "a", Status: models.TaskAccepted, StartedAt: &started},
	}
	assert.Empty(t, c.Evaluate(tasks, Inputs{}))
}
