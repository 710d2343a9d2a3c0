package registry

import "errors"

var (
	// ErrAgentNotFound is returned when an agent is not registered
	ErrAgentNotFound = errors.New("agent not found")

	// ErrUnknownAgent is returned when configuration references an agent outside the known set
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrRoutingExhausted is returned when a fallback chain runs past its hop bound
	ErrRoutingExhausted = errors.New("routing exhausted")

	// ErrFallbackCycle is returned when the fallback graph contains a cycle
	ErrFallbackCycle = errors.New("fallback cycle detected")

	// ErrAgentOffline is returned when an agent cannot take work
	ErrAgentOffline = errors.New("agent offline")

	// ErrAgentInUse is returned when unloading an agent that still owns tasks
	ErrAgentInUse = errors.New("agent has assigned tasks")
)
