// Package task defines the shared work-item entity agents claim.
package task

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusOpen       Status = "open"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Task is one item in a session's shared queue.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	ActiveForm  string         `json:"active_form,omitempty"`
	Status      Status         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Unassigned reports whether the task has no owner and is not completed.
func (t *Task) Unassigned() bool {
	return t.Owner == "" && t.Status != StatusCompleted
}

// CreateRequest holds the fields needed to create a task.
type CreateRequest struct {
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	ActiveForm  string         `json:"active_form,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UpdateRequest is a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	Subject     *string        `json:"subject,omitempty"`
	Description *string        `json:"description,omitempty"`
	ActiveForm  *string        `json:"active_form,omitempty"`
	Status      *Status        `json:"status,omitempty"`
	Owner       *string        `json:"owner,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
