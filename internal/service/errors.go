package service

import "errors"

var (
	// ErrInvalidPriority is returned when a priority is outside 1..5
	ErrInvalidPriority = errors.New("priority must be between 1 and 5")

	// ErrCircularDependency is returned when a task's dependencies would form a cycle
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrEmptyTitle is returned when a task has no title
	ErrEmptyTitle = errors.New("task title is required")

	// ErrStaleResult is returned when a result arrives for a task that is no
	// longer in progress. The result is ignored.
	ErrStaleResult = errors.New("task is no longer in progress")
)
