package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/slate-dev/slate/internal/model"
)

// EventType names a task lifecycle event
type EventType string

const (
	EventEnqueued EventType = "enqueued"
	EventAssigned EventType = "assigned"
	EventDeferred EventType = "deferred"
	EventFlagged  EventType = "flagged"
	EventReset    EventType = "reset"
	EventArchived EventType = "archived"
	EventFinished EventType = "finished"
)

const (
	TaskStreamName    = "SLATE"
	TaskSubjects      = "task.*"
	AlertStreamName   = "ALERTS"
	AlertSubjects     = "alert.*"
	MetricsStreamName = "METRICS"
	MetricsSubject    = "metrics.queue"

	streamMaxAge   = 7 * 24 * time.Hour
	streamMaxMsgs  = -1
	metricsMaxMsgs = 10000
)

// Event is published for every task lifecycle change
type Event struct {
	ID        string           `json:"id"`
	Type      EventType        `json:"type"`
	TaskID    string           `json:"task_id"`
	AgentID   model.AgentID    `json:"agent_id,omitempty"`
	Status    model.TaskStatus `json:"status,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewEvent builds an event for task
func NewEvent(eventType EventType, task *model.Task, reason string) Event {
	e := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if task != nil {
		e.TaskID = task.ID
		e.Status = task.Status
		if !task.IsAuto() {
			e.AgentID = model.AgentID(task.AssignedTo)
		}
	}
	return e
}

// Subject returns the NATS subject the event is published on
func (e Event) Subject() string {
	return "task." + string(e.Type)
}

// AlertSubject returns the NATS subject for an alert type
func AlertSubject(t model.AlertType) string {
	return "alert." + string(t)
}

// Publisher delivers events, alerts and metrics
type Publisher interface {
	// Publish sends a task lifecycle event
	Publish(ctx context.Context, event Event) error

	// PublishJSON sends any JSON-encodable payload on subject
	PublishJSON(ctx context.Context, subject string, v interface{}) error
}
