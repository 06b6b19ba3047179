package services

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hubd/pkg/database"
	"github.com/agenthub/hubd/pkg/models"
)

func newTaskService(t *testing.T) (*TaskService, *database.Client) {
	t.Helper()
	client := database.NewTestClient(t)
	svc, err := NewTaskService(context.Background(), client, slog.Default())
	require.NoError(t, err)
	return svc, client
}

func createTask(t *testing.T, svc *TaskService, title string) *models.Task {
	t.Helper()
	task, err := svc.Create(context.Background(), models.CreateTaskRequest{
		Title:    title,
		Assignee: "bob",
	})
	require.NoError(t, err)
	return task
}

func TestTaskService_Lifecycle(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()
	task := createTask(t, svc, "implement feature")

	assert.Equal(t, models.TaskPending, task.Status)
	assert.Nil(t, task.StartedAt)

	task, err := svc.UpdateStatus(ctx, task.ID, models.TaskInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, task.Status)
	require.NotNil(t, task.StartedAt)

	task, err = svc.UpdateStatus(ctx, task.ID, models.TaskReadyForReview, "")
	require.NoError(t, err)

	task, err = svc.UpdateStatus(ctx, task.ID, models.TaskAccepted, "")
	require.NoError(t, err)
	assert.True(t, task.Status.Terminal())

	// Each transition is recorded as an event.
	require.Len(t, task.Events, 3)
	assert.Equal(t, models.TaskPending, task.Events[0].From)
	assert.Equal(t, models.TaskAccepted, task.Events[2].To)
}

func TestTaskService_InvalidTransitions(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()
	task := createTask(t, svc, "t")

	_, err := svc.UpdateStatus(ctx, task.ID, models.TaskAccepted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.UpdateStatus(ctx, "missing", models.TaskInProgress, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskService_RejectRequiresReason(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()
	task := createTask(t, svc, "t")

	_, err := svc.UpdateStatus(ctx, task.ID, models.TaskInProgress, "")
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, task.ID, models.TaskReadyForReview, "")
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, task.ID, models.TaskRejected, "")
	assert.True(t, IsValidationError(err))

	task, err = svc.UpdateStatus(ctx, task.ID, models.TaskRejected, "does not meet acceptance criteria")
	require.NoError(t, err)
	assert.Equal(t, models.TaskRejected, task.Status)
}

func TestTaskService_TerminalIsFinal(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()
	task := createTask(t, svc, "t")

	for _, to := range []models.TaskStatus{models.TaskInProgress, models.TaskReadyForReview, models.TaskAccepted} {
		var err error
		task, err = svc.UpdateStatus(ctx, task.ID, to, "")
		require.NoError(t, err)
	}

	_, err := svc.UpdateStatus(ctx, task.ID, models.TaskInProgress, "")
	assert.ErrorIs(t, err, ErrTerminalTask)
	_, err = svc.ReportProgress(ctx, task.ID, 50)
	assert.ErrorIs(t, err, ErrTerminalTask)
}

func TestTaskService_Reassign(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()
	task := createTask(t, svc, "t")

	// Only in-progress tasks can be reassigned.
	_, err := svc.Reassign(ctx, task.ID, "carol")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.UpdateStatus(ctx, task.ID, models.TaskInProgress, "")
	require.NoError(t, err)
	_, err = svc.ReportProgress(ctx, task.ID, 40)
	require.NoError(t, err)

	task, err = svc.Reassign(ctx, task.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, "carol", task.Assignee)
	assert.Equal(t, 1, task.ReassignmentCount)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.LastProgressReport)
}

func TestTaskService_ReportProgress(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()
	task := createTask(t, svc, "t")

	_, err := svc.ReportProgress(ctx, task.ID, 150)
	assert.True(t, IsValidationError(err))

	task, err = svc.ReportProgress(ctx, task.ID, 30)
	require.NoError(t, err)
	require.NotNil(t, task.LastProgressReport)
	assert.Equal(t, 30, task.LastProgressReport.Percent)
}

func TestTaskService_BoardSurvivesRestart(t *testing.T) {
	client := database.NewTestClient(t)
	ctx := context.Background()

	svc, err := NewTaskService(ctx, client, slog.Default())
	require.NoError(t, err)
	task, err := svc.Create(ctx, models.CreateTaskRequest{
		Title: "persisted", Assignee: "bob", Criticality: models.CriticalityHigh, HandoffID: "h1",
	})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, task.ID, models.TaskInProgress, "")
	require.NoError(t, err)
	_, err = svc.ReportProgress(ctx, task.ID, 25)
	require.NoError(t, err)

	reloaded, err := NewTaskService(ctx, client, slog.Default())
	require.NoError(t, err)

	got, err := reloaded.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, got.Status)
	assert.Equal(t, "persisted", got.Title)
	assert.Equal(t, "h1", got.HandoffID)
	assert.Equal(t, models.CriticalityHigh, got.Criticality)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.LastProgressReport)
	assert.Equal(t, 25, got.LastProgressReport.Percent)
	require.Len(t, got.Events, 1)
}

func TestTaskService_ActiveByAssignee(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	first := createTask(t, svc, "one")
	createTask(t, svc, "two")

	for _, to := range []models.TaskStatus{models.TaskInProgress, models.TaskReadyForReview, models.TaskAccepted} {
		var err error
		_, err = svc.UpdateStatus(ctx, first.ID, to, "")
		require.NoError(t, err)
	}

	active := svc.ActiveByAssignee("bob")
	require.Len(t, active, 1)
	assert.Equal(t, "two", active[0].Title)
	assert.Empty(t, svc.ActiveByAssignee("carol"))
}

func TestTaskService_ReadersNotBlockedByWriters(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()
	task := createTask(t, svc, "contended")
	_, err := svc.UpdateStatus(ctx, task.ID, models.TaskInProgress, "")
	require.NoError(t, err)

	// Concurrent progress writes and board reads must interleave freely;
	// the run is checked by the race detector.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 1; p <= 25; p++ {
				_, err := svc.ReportProgress(ctx, task.ID, p)
				assert.NoError(t, err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				svc.List()
				got, err := svc.Get(task.ID)
				assert.NoError(t, err)
				assert.Equal(t, models.TaskInProgress, got.Status)
			}
		}()
	}
	wg.Wait()

	got, err := svc.Get(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastProgressReport)
}
