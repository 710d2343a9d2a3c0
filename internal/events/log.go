package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the log when no broker is configured
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher that only logs
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("events")}
}

// Publish implements Publisher.Publish
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Debug("Task event",
		zap.String("subject", event.Subject()),
		zap.String("task_id", event.TaskID),
		zap.String("agent_id", string(event.AgentID)),
		zap.String("reason", event.Reason))
	return nil
}

// PublishJSON implements Publisher.PublishJSON
func (p *LogPublisher) PublishJSON(ctx context.Context, subject string, v interface{}) error {
	p.logger.Debug("Event payload", zap.String("subject", subject), zap.Any("payload", v))
	return nil
}
