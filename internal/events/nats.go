package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const operationTimeout = 30 * time.Second

// Connect opens a NATS connection that keeps reconnecting in the background
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	logger = logger.Named("nats")

	nc, err := nats.Connect(url,
		nats.Name("slate"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// NATSPublisher implements Publisher on JetStream
type NATSPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSPublisher creates the SLATE, ALERTS and METRICS streams if needed
func NewNATSPublisher(js nats.JetStreamContext, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		js:     js,
		logger: logger.Named("events"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := p.setupStreams(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}
	return p, nil
}

func (p *NATSPublisher) setupStreams(ctx context.Context) error {
	streams := []*nats.StreamConfig{
		{
			Name:     TaskStreamName,
			Subjects: []string{TaskSubjects},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
			MaxMsgs:  streamMaxMsgs,
		},
		{
			Name:     AlertStreamName,
			Subjects: []string{AlertSubjects},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
			MaxMsgs:  streamMaxMsgs,
		},
		{
			Name:     MetricsStreamName,
			Subjects: []string{MetricsSubject},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  metricsMaxMsgs,
		},
	}

	for _, cfg := range streams {
		_, err := p.js.AddStream(cfg, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				p.logger.Info("Stream already exists", zap.String("stream", cfg.Name))
				continue
			}
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		p.logger.Info("Stream ready", zap.String("stream", cfg.Name))
	}
	return nil
}

// Publish implements Publisher.Publish
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(event.Subject(), data, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", event.Subject()),
			zap.String("task_id", event.TaskID),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Event published",
		zap.String("subject", event.Subject()),
		zap.String("task_id", event.TaskID))
	return nil
}

// PublishJSON implements Publisher.PublishJSON
func (p *NATSPublisher) PublishJSON(ctx context.Context, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers task events matching subject to handler until ctx is done
func (p *NATSPublisher) Subscribe(ctx context.Context, subject string, handler func(Event)) error {
	sub, err := p.js.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			p.logger.Error("Failed to unmarshal event", zap.Error(err))
			msg.Term()
			return
		}

		handler(event)
		msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
