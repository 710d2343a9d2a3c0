package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeStaleReset           AlertType = "stale_reset"
	AlertTypeAbandoned            AlertType = "abandoned"
	AlertTypeDuplicate            AlertType = "duplicate"
	AlertTypeOverload             AlertType = "overload"
	AlertTypeRoutingExhausted     AlertType = "routing_exhausted"
	AlertTypeUnknownAgent         AlertType = "unknown_agent"
	AlertTypePersistentContention AlertType = "persistent_contention"
	AlertTypeAgentHealth          AlertType = "agent_health"
)

// AlertRule controls how an alert type is reported
type AlertRule struct {
	Type     AlertType     `json:"type"`
	Severity AlertSeverity `json:"severity"`
	Silenced bool          `json:"silenced"`
}

// Alert represents an alert event
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   AgentID                `json:"agent_id,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
