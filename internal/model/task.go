package model

import (
	"strings"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusTimeout    TaskStatus = "timeout"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// AllTaskStatuses lists every status in display order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusInProgress,
	TaskStatusBlocked,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusTimeout,
	TaskStatusCancelled,
}

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	for _, known := range AllTaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is expected
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskPriority represents the priority level of a task, 1 is highest
type TaskPriority int

const (
	TaskPriorityCritical TaskPriority = 1
	TaskPriorityHigh     TaskPriority = 2
	TaskPriorityNormal   TaskPriority = 3
	TaskPriorityLow      TaskPriority = 4
	TaskPriorityMinimal  TaskPriority = 5
)

// Valid reports whether p lies in the 1..5 range
func (p TaskPriority) Valid() bool {
	return p >= TaskPriorityCritical && p <= TaskPriorityMinimal
}

// AssigneeAuto lets the router pick the agent
const AssigneeAuto = "auto"

// FlagReason explains why a task needs operator attention
type FlagReason string

const (
	FlagAbandoned            FlagReason = "abandoned"
	FlagRoutingExhausted     FlagReason = "routing_exhausted"
	FlagUnknownAgent         FlagReason = "unknown_agent"
	FlagPersistentContention FlagReason = "persistent_contention"
)

// Blocking reports whether the router must skip a task carrying this flag.
// Configuration defects are not retried until an operator requeues the task.
func (r FlagReason) Blocking() bool {
	return r == FlagRoutingExhausted || r == FlagUnknownAgent
}

// Task represents a unit of work to be routed to an agent
type Task struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Status          TaskStatus   `json:"status"`
	Priority        TaskPriority `json:"priority"`
	AssignedTo      string       `json:"assigned_to,omitempty"`
	Dependencies    []string     `json:"dependencies,omitempty"`
	FilesAffected   []string     `json:"files_affected,omitempty"`
	ComplexityScore float64      `json:"complexity_score,omitempty"`
	Source          string       `json:"source,omitempty"`
	Note            string       `json:"note,omitempty"`

	// Timing fields
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// Routing state
	ReservationID string     `json:"reservation_id,omitempty"`
	Deferrals     int        `json:"deferrals,omitempty"`
	FlagReason    FlagReason `json:"flag_reason,omitempty"`
	FlaggedAt     *time.Time `json:"flagged_at,omitempty"`
}

// IsAuto reports whether the router should classify the task itself
func (t *Task) IsAuto() bool {
	return t.AssignedTo == "" || strings.EqualFold(t.AssignedTo, AssigneeAuto)
}

// Text returns the lower-cased text the pattern matcher classifies
func (t *Task) Text() string {
	return strings.ToLower(t.Title + " " + t.Description)
}

// Due reports whether the task may be attempted at now
func (t *Task) Due(now time.Time) bool {
	return t.NextAttemptAt == nil || !now.Before(*t.NextAttemptAt)
}

// TaskFilter narrows task listings
type TaskFilter struct {
	Statuses   []TaskStatus
	AssignedTo string
	Limit      int
	Offset     int
}
