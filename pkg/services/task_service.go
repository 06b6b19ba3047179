package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hubd/pkg/database"
	"github.com/agenthub/hubd/pkg/models"
)

// allowedTransitions is the task lifecycle. Reassignment is handled
// separately because it also mutates the assignee and counter.
var allowedTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskPending:        {models.TaskInProgress},
	models.TaskInProgress:     {models.TaskReadyForReview, models.TaskDone},
	models.TaskReadyForReview: {models.TaskAccepted, models.TaskRejected},
}

// TaskService keeps the task board in memory and persists every mutation to
// the database. The board is loaded once at startup.
type TaskService struct {
	db     *database.Client
	logger *slog.Logger

	// writeMu serializes mutations so persistence order matches board
	// order. mu guards the map only and is never held across database
	// calls; tasks are immutable once stored, mutations replace the entry.
	writeMu sync.Mutex
	mu      sync.RWMutex
	tasks   map[string]*models.Task
}

// NewTaskService creates the service and loads the board from the database.
func NewTaskService(ctx context.Context, db *database.Client, logger *slog.Logger) (*TaskService, error) {
	s := &TaskService{
		db:     db,
		logger: logger.With("service", "task"),
		tasks:  make(map[string]*models.Task),
	}
	if err := s.load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load task board: %w", err)
	}
	s.logger.Info("task board loaded", "tasks", len(s.tasks))
	return s, nil
}

// Create adds a new pending task to the board.
func (s *TaskService) Create(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	if req.Title == "" {
		return nil, NewValidationError("title", "title is required")
	}

	task := &models.Task{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Status:      models.TaskPending,
		Assignee:    req.Assignee,
		CreatedAt:   time.Now().UTC(),
		Criticality: req.Criticality,
		Events:      []models.TaskEvent{},
		HandoffID:   req.HandoffID,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.insert(ctx, task); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	s.logger.Info("task created", "id", task.ID, "title", task.Title, "assignee", task.Assignee)
	return cloneTask(task), nil
}

// Get returns a copy of one task.
func (s *TaskService) Get(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return cloneTask(task), nil
}

// List returns a snapshot of the board ordered by creation time.
func (s *TaskService) List() []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveByAssignee returns non-terminal tasks assigned to account.
func (s *TaskService) ActiveByAssignee(account string) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Task
	for _, task := range s.tasks {
		if task.Assignee == account && !task.Status.Terminal() && task.Status != models.TaskDone {
			out = append(out, *cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateStatus applies one lifecycle transition. Rejection requires a
// non-empty reason; terminal tasks admit no further transitions.
func (s *TaskService) UpdateStatus(ctx context.Context, id string, to models.TaskStatus, reason string) (*models.Task, error) {
	if to == models.TaskRejected && reason == "" {
		return nil, NewValidationError("reason", "rejection requires a reason")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	task, err := s.snapshot(id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", id, task.Status, ErrTerminalTask)
	}
	if !transitionAllowed(task.Status, to) {
		return nil, fmt.Errorf("%s -> %s: %w", task.Status, to, ErrInvalidTransition)
	}

	updated := cloneTask(task)
	now := time.Now().UTC()
	if to == models.TaskInProgress && updated.StartedAt == nil {
		updated.StartedAt = &now
	}
	updated.Events = append(updated.Events, models.TaskEvent{
		Type:      "status_change",
		Timestamp: now,
		From:      task.Status,
		To:        to,
		Reason:    reason,
	})
	updated.Status = to

	if err := s.persist(ctx, updated); err != nil {
		return nil, err
	}
	s.store(updated)
	s.logger.Info("task transitioned", "id", id, "from", task.Status, "to", to)
	return cloneTask(updated), nil
}

// Reassign moves an in-progress task back to pending under a new assignee
// and bumps the reassignment counter.
func (s *TaskService) Reassign(ctx context.Context, id, newAssignee string) (*models.Task, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	task, err := s.snapshot(id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskInProgress {
		return nil, fmt.Errorf("%s -> %s: %w", task.Status, models.TaskPending, ErrInvalidTransition)
	}

	updated := cloneTask(task)
	now := time.Now().UTC()
	updated.Events = append(updated.Events, models.TaskEvent{
		Type:      "reassigned",
		Timestamp: now,
		From:      task.Status,
		To:        models.TaskPending,
		Reason:    fmt.Sprintf("reassigned to %s", newAssignee),
	})
	updated.Status = models.TaskPending
	updated.Assignee = newAssignee
	updated.ReassignmentCount++
	updated.StartedAt = nil
	updated.LastProgressReport = nil

	if err := s.persist(ctx, updated); err != nil {
		return nil, err
	}
	s.store(updated)
	s.logger.Info("task reassigned", "id", id, "assignee", newAssignee, "count", updated.ReassignmentCount)
	return cloneTask(updated), nil
}

// ReportProgress records the latest self-reported progress on an active task.
func (s *TaskService) ReportProgress(ctx context.Context, id string, percent int) (*models.Task, error) {
	if percent < 0 || percent > 100 {
		return nil, NewValidationError("percent", "must be between 0 and 100")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	task, err := s.snapshot(id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", id, task.Status, ErrTerminalTask)
	}

	updated := cloneTask(task)
	updated.LastProgressReport = &models.ProgressReport{
		Percent:   percent,
		Timestamp: time.Now().UTC(),
	}
	if err := s.persist(ctx, updated); err != nil {
		return nil, err
	}
	s.store(updated)
	return cloneTask(updated), nil
}

// snapshot fetches the current entry under a read lock only. The entry is
// safe to read after the lock is released because mutations replace entries
// instead of changing them in place.
func (s *TaskService) snapshot(id string) (*models.Task, error) {
	s.mu.RLock()
	task, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, nil
}

func (s *TaskService) store(task *models.Task) {
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
}

func transitionAllowed(from, to models.TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func cloneTask(t *models.Task) *models.Task {
	cp := *t
	cp.Events = append([]models.TaskEvent(nil), t.Events...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.LastProgressReport != nil {
		report := *t.LastProgressReport
		cp.LastProgressReport = &report
	}
	return &cp
}

func (s *TaskService) load(ctx context.Context) error {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT id, title, status, assignee, created_at, started_at, criticality,
		        reassignment_count, events, last_progress, handoff_id
		 FROM tasks`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			task                           models.Task
			status, createdAt, eventsJSON  string
			assignee, startedAt            sql.NullString
			criticality, progress, handoff sql.NullString
		)
		if err := rows.Scan(&task.ID, &task.Title, &status, &assignee, &createdAt,
			&startedAt, &criticality, &task.ReassignmentCount, &eventsJSON,
			&progress, &handoff); err != nil {
			return err
		}
		task.Status = models.TaskStatus(status)
		task.Assignee = assignee.String
		task.Criticality = criticality.String
		task.HandoffID = handoff.String
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			task.CreatedAt = ts
		}
		if startedAt.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
				task.StartedAt = &ts
			}
		}
		if err := json.Unmarshal([]byte(eventsJSON), &task.Events); err != nil {
			return fmt.Errorf("failed to decode events for task %s: %w", task.ID, err)
		}
		if progress.Valid && progress.String != "" {
			var report models.ProgressReport
			if err := json.Unmarshal([]byte(progress.String), &report); err == nil {
				task.LastProgressReport = &report
			}
		}
		s.tasks[task.ID] = &task
	}
	return rows.Err()
}

func (s *TaskService) insert(ctx context.Context, task *models.Task) error {
	events, progress, startedAt, err := encodeTaskColumns(task)
	if err != nil {
		return err
	}
	_, err = s.db.DB().ExecContext(ctx,
		`INSERT INTO tasks (id, title, status, assignee, created_at, started_at,
		                    criticality, reassignment_count, events, last_progress, handoff_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, string(task.Status), nullable(task.Assignee),
		task.CreatedAt.Format(time.RFC3339Nano), startedAt,
		nullable(task.Criticality), task.ReassignmentCount, events, progress,
		nullable(task.HandoffID))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *TaskService) persist(ctx context.Context, task *models.Task) error {
	events, progress, startedAt, err := encodeTaskColumns(task)
	if err != nil {
		return err
	}
	_, err = s.db.DB().ExecContext(ctx,
		`UPDATE tasks SET status = ?, assignee = ?, started_at = ?,
		        reassignment_count = ?, events = ?, last_progress = ?
		 WHERE id = ?`,
		string(task.Status), nullable(task.Assignee), startedAt,
		task.ReassignmentCount, events, progress, task.ID)
	if err != nil {
		return fmt.Errorf("failed to persist task: %w", err)
	}
	return nil
}

func encodeTaskColumns(task *models.Task) (events string, progress, startedAt any, err error) {
	data, err := json.Marshal(task.Events)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to encode task events: %w", err)
	}
	events = string(data)
	if task.LastProgressReport != nil {
		data, err := json.Marshal(task.LastProgressReport)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to encode progress report: %w", err)
		}
		progress = string(data)
	}
	if task.StartedAt != nil {
		startedAt = task.StartedAt.Format(time.RFC3339Nano)
	}
	return events, progress, startedAt, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
