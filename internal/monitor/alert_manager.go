package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/events"
	"github.com/slate-dev/slate/internal/model"
)

// DefaultRecentAlerts is how many alerts the manager keeps in memory
const DefaultRecentAlerts = 200

// DefaultAlertRules returns the severity of every alert type
func DefaultAlertRules() []model.AlertRule {
	return []model.AlertRule{
		{Type: model.AlertTypeStaleReset, Severity: model.AlertSeverityWarning},
		{Type: model.AlertTypeAbandoned, Severity: model.AlertSeverityWarning},
		{Type: model.AlertTypeDuplicate, Severity: model.AlertSeverityInfo},
		{Type: model.AlertTypeOverload, Severity: model.AlertSeverityWarning},
		{Type: model.AlertTypeRoutingExhausted, Severity: model.AlertSeverityError},
		{Type: model.AlertTypeUnknownAgent, Severity: model.AlertSeverityError},
		{Type: model.AlertTypePersistentContention, Severity: model.AlertSeverityWarning},
		{Type: model.AlertTypeAgentHealth, Severity: model.AlertSeverityWarning},
	}
}

// AlertManager raises alerts for operators
type AlertManager struct {
	logger    *zap.Logger
	publisher events.Publisher
	mu        sync.RWMutex
	rules     map[model.AlertType]model.AlertRule
	recent    []model.Alert
	limit     int
	now       func() time.Time
}

// NewAlertManager creates an alert manager publishing through publisher.
// A nil publisher only logs.
func NewAlertManager(publisher events.Publisher, logger *zap.Logger) *AlertManager {
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}

	m := &AlertManager{
		logger:    logger.Named("alert_manager"),
		publisher: publisher,
		rules:     make(map[model.AlertType]model.AlertRule),
		limit:     DefaultRecentAlerts,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, rule := range DefaultAlertRules() {
		m.rules[rule.Type] = rule
	}
	return m
}

// SetRule replaces the rule for rule.Type
func (m *AlertManager) SetRule(rule model.AlertRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.Type] = rule
}

// Rules returns every rule in the order of DefaultAlertRules
func (m *AlertManager) Rules() []model.AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.AlertRule, 0, len(m.rules))
	seen := make(map[model.AlertType]bool)
	for _, def := range DefaultAlertRules() {
		if rule, ok := m.rules[def.Type]; ok {
			out = append(out, rule)
			seen[def.Type] = true
		}
	}
	for t, rule := range m.rules {
		if !seen[t] {
			out = append(out, rule)
		}
	}
	return out
}

// Raise fills in the alert defaults, records it and publishes it.
// Alerts of a silenced type are dropped.
func (m *AlertManager) Raise(ctx context.Context, alert *model.Alert) {
	m.mu.Lock()
	rule, ok := m.rules[alert.Type]
	if ok && rule.Silenced {
		m.mu.Unlock()
		m.logger.Debug("Alert silenced", zap.String("type", string(alert.Type)))
		return
	}

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now()
	}
	if alert.Severity == "" {
		alert.Severity = model.AlertSeverityWarning
		if ok {
			alert.Severity = rule.Severity
		}
	}

	m.recent = append(m.recent, *alert)
	if len(m.recent) > m.limit {
		m.recent = m.recent[len(m.recent)-m.limit:]
	}
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("task_id", alert.TaskID),
		zap.String("agent_id", string(alert.AgentID)),
		zap.String("message", alert.Message),
	}
	switch alert.Severity {
	case model.AlertSeverityInfo:
		m.logger.Info("Alert raised", fields...)
	case model.AlertSeverityWarning:
		m.logger.Warn("Alert raised", fields...)
	default:
		m.logger.Error("Alert raised", fields...)
	}

	if err := m.publisher.PublishJSON(ctx, events.AlertSubject(alert.Type), alert); err != nil {
		m.logger.Error("Failed to publish alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
	}
}

// Recent returns up to limit of the latest alerts, newest first.
// A limit of zero or less returns all of them.
func (m *AlertManager) Recent(limit int) []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.recent[i])
	}
	return out
}
