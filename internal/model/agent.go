package model

import (
	"fmt"
	"strings"
	"time"
)

// AgentID identifies one of the fixed set of agents
type AgentID string

const (
	AgentAlpha       AgentID = "ALPHA"
	AgentBeta        AgentID = "BETA"
	AgentGamma       AgentID = "GAMMA"
	AgentDelta       AgentID = "DELTA"
	AgentEpsilon     AgentID = "EPSILON"
	AgentZeta        AgentID = "ZETA"
	AgentCopilot     AgentID = "COPILOT"
	AgentCopilotChat AgentID = "COPILOT_CHAT"
)

// AllAgentIDs lists the closed set of agents
var AllAgentIDs = []AgentID{
	AgentAlpha,
	AgentBeta,
	AgentGamma,
	AgentDelta,
	AgentEpsilon,
	AgentZeta,
	AgentCopilot,
	AgentCopilotChat,
}

// Valid reports whether id names a known agent
func (id AgentID) Valid() bool {
	for _, known := range AllAgentIDs {
		if id == known {
			return true
		}
	}
	return false
}

// ParseAgentID converts free text into an AgentID
func ParseAgentID(s string) (AgentID, error) {
	id := AgentID(strings.ToUpper(strings.TrimSpace(s)))
	if !id.Valid() {
		return "", fmt.Errorf("unknown agent %q", s)
	}
	return id, nil
}

// HealthState represents the routing health of an agent
type HealthState string

const (
	HealthActive   HealthState = "active"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"
)

// Valid reports whether h is a known health state
func (h HealthState) Valid() bool {
	return h == HealthActive || h == HealthDegraded || h == HealthOffline
}

// LifecycleState represents whether an agent is loaded into the registry
type LifecycleState string

const (
	LifecycleLoaded   LifecycleState = "loaded"
	LifecycleUnloaded LifecycleState = "unloaded"
)

// TaskKind is the classification produced by the pattern matcher
type TaskKind string

const (
	KindUnknown        TaskKind = ""
	KindDiagnostics    TaskKind = "diagnostics"
	KindTesting        TaskKind = "testing"
	KindBenchmark      TaskKind = "benchmark"
	KindSpecification  TaskKind = "specification"
	KindIntegration    TaskKind = "integration"
	KindOrchestration  TaskKind = "orchestration"
	KindAnalysis       TaskKind = "analysis"
	KindImplementation TaskKind = "implementation"
)

// KindRule maps a keyword set to a task kind. Rules are evaluated in slice order.
type KindRule struct {
	Kind     TaskKind `json:"kind" yaml:"kind" mapstructure:"kind"`
	Keywords []string `json:"keywords" yaml:"keywords" mapstructure:"keywords"`
}

// Agent is the capability record of a named worker
type Agent struct {
	ID             AgentID        `json:"id"`
	Role           string         `json:"role"`
	Description    string         `json:"description,omitempty"`
	RequiresGPU    bool           `json:"requires_gpu"`
	GPUMemoryMB    int            `json:"gpu_memory_mb"`
	CPUCores       int            `json:"cpu_cores"`
	Profile        string         `json:"profile,omitempty"`
	PreferredGPU   int            `json:"preferred_gpu"`
	Concurrency    int            `json:"concurrency"`
	Keywords       []string       `json:"keywords"`
	Kinds          []TaskKind     `json:"kinds,omitempty"`
	Fallback       AgentID        `json:"fallback,omitempty"`
	PriorityWeight int            `json:"priority_weight"`
	Health         HealthState    `json:"health"`
	Lifecycle      LifecycleState `json:"lifecycle"`
	LastCheck      time.Time      `json:"last_check,omitempty"`
}

// Serves reports whether the agent handles tasks of the given kind
func (a *Agent) Serves(kind TaskKind) bool {
	for _, k := range a.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Routable reports whether the agent may receive new assignments
func (a *Agent) Routable() bool {
	return a.Lifecycle == LifecycleLoaded && a.Health == HealthActive
}

// Reachable reports whether the agent is loaded and not offline
func (a *Agent) Reachable() bool {
	return a.Lifecycle == LifecycleLoaded && a.Health != HealthOffline
}
