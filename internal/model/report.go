package model

import "time"

// Outcome is where a task ended up after a tick or sweep
type Outcome string

const (
	OutcomeAssigned Outcome = "assigned"
	OutcomeDeferred Outcome = "deferred"
	OutcomeFlagged  Outcome = "flagged"
	OutcomeArchived Outcome = "archived"
	OutcomeSkipped  Outcome = "skipped"
)

// Decision records the routing result for one task
type Decision struct {
	TaskID  string   `json:"task_id"`
	Outcome Outcome  `json:"outcome"`
	AgentID AgentID  `json:"agent_id,omitempty"`
	Kind    TaskKind `json:"kind,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// RoutingReport summarises one scheduling tick
type RoutingReport struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Decisions  []Decision `json:"decisions"`
	Blocked    bool       `json:"blocked"`
}

// Count returns the number of decisions with the given outcome
func (r *RoutingReport) Count(outcome Outcome) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Outcome == outcome {
			n++
		}
	}
	return n
}

// SweepEntry records one task touched by a sweep
type SweepEntry struct {
	TaskID  string  `json:"task_id"`
	AgentID AgentID `json:"agent_id,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	KeptID  string  `json:"kept_id,omitempty"`
}

// SweepReport summarises one queue health sweep
type SweepReport struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Reset      []SweepEntry `json:"reset"`
	Flagged    []SweepEntry `json:"flagged"`
	Archived   []SweepEntry `json:"archived"`
	Gate       GateDecision `json:"gate"`
}

// GateDecision is the result of the overload gate
type GateDecision struct {
	Blocked    bool `json:"blocked"`
	InProgress int  `json:"in_progress"`
	Max        int  `json:"max"`
}

// ArchivedTask is a task removed from the live queue
type ArchivedTask struct {
	Task       Task      `json:"task"`
	Reason     string    `json:"reason"`
	KeptID     string    `json:"kept_id,omitempty"`
	ArchivedAt time.Time `json:"archived_at"`
}

// RoutingRecord is a persisted routing event
type RoutingRecord struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   AgentID   `json:"agent_id,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
