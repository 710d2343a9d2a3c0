package scheduler

import "errors"

var (
	// ErrDependencyUnmet is returned when a task waits on dependencies that are not completed
	ErrDependencyUnmet = errors.New("dependencies not completed")

	// ErrOverloaded is returned when the overload gate refuses new work
	ErrOverloaded = errors.New("queue overloaded")

	// ErrDeferred is returned when every candidate agent is busy or out of resources
	ErrDeferred = errors.New("task deferred")
)
