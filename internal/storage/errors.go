package storage

import "errors"

var (
	// ErrTaskNotFound is returned when a task id is not in the live queue
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotPending is returned when an assignment targets a task that is no longer pending
	ErrNotPending = errors.New("task is not pending")

	// ErrDependenciesIncomplete is returned when an assignment targets a task with unmet dependencies
	ErrDependenciesIncomplete = errors.New("task dependencies are not completed")

	// ErrAgentAtCapacity is returned when the agent already runs its concurrency limit
	ErrAgentAtCapacity = errors.New("agent at concurrency limit")

	// ErrMaxInProgress is returned when the system-wide in-progress cap is reached
	ErrMaxInProgress = errors.New("maximum in-progress tasks reached")

	// ErrInvalidTransition is returned when a status change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTaskExists is returned when a task id is already taken
	ErrTaskExists = errors.New("task already exists")

	// ErrDependencyCycle is returned when a new task's dependencies lead back to it
	ErrDependencyCycle = errors.New("dependency cycle")
)
