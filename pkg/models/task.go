package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskInProgress     TaskStatus = "in_progress"
	TaskReadyForReview TaskStatus = "ready_for_review"
	TaskAccepted       TaskStatus = "accepted"
	TaskRejected       TaskStatus = "rejected"
	TaskDone           TaskStatus = "done"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskAccepted || s == TaskRejected
}

// TaskEvent records a single status transition on a task.
type TaskEvent struct {
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Reason    string     `json:"reason,omitempty"`
}

// ProgressReport is the most recent self-reported progress on a task.
type ProgressReport struct {
	Percent   int       `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a unit of delegated work, usually created from a handoff message.
type Task struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Status             TaskStatus      `json:"status"`
	Assignee           string          `json:"assignee,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	Criticality        string          `json:"criticality,omitempty"`
	ReassignmentCount  int             `json:"reassignment_count"`
	Events             []TaskEvent     `json:"events"`
	LastProgressReport *ProgressReport `json:"last_progress_report,omitempty"`
	HandoffID          string          `json:"handoff_id,omitempty"`
}

// CreateTaskRequest contains fields for creating a task record.
type CreateTaskRequest struct {
	Title       string `json:"title"`
	Assignee    string `json:"assignee,omitempty"`
	Criticality string `json:"criticality,omitempty"`
	HandoffID   string `json:"handoff_id,omitempty"`
}
