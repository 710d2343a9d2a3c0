package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/budget"
	"github.com/slate-dev/slate/internal/events"
	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/storage"
)

const (
	DefaultStaleAfter     = 4 * time.Hour
	DefaultAbandonedAfter = 24 * time.Hour
	DefaultMaxConcurrent  = 5
)

// QueueHealthConfig holds the sweep thresholds
type QueueHealthConfig struct {
	StaleAfter     time.Duration
	AbandonedAfter time.Duration
	MaxConcurrent  int
	DuplicateMode  DuplicateMode
	FuzzyThreshold float64
}

// QueueHealth resets stale work, flags abandoned work, archives duplicates
// and gates routing when too much work is in flight.
type QueueHealth struct {
	logger    *zap.Logger
	store     storage.TaskStore
	budget    *budget.Budgeter
	alerts    *AlertManager
	publisher events.Publisher
	cfg       QueueHealthConfig
	now       func() time.Time
}

// NewQueueHealth creates a queue health monitor. Zero config values take the defaults.
func NewQueueHealth(store storage.TaskStore, budgeter *budget.Budgeter, alerts *AlertManager, publisher events.Publisher, cfg QueueHealthConfig, logger *zap.Logger) (*QueueHealth, error) {
	if store == nil {
		return nil, errors.New("queue health requires a task store")
	}
	mode, err := ParseDuplicateMode(string(cfg.DuplicateMode))
	if err != nil {
		return nil, err
	}
	cfg.DuplicateMode = mode
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.AbandonedAfter <= 0 {
		cfg.AbandonedAfter = DefaultAbandonedAfter
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		cfg.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}

	return &QueueHealth{
		logger:    logger.Named("queue_health"),
		store:     store,
		budget:    budgeter,
		alerts:    alerts,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Config returns the effective configuration
func (q *QueueHealth) Config() QueueHealthConfig {
	return q.cfg
}

// Enforce reports whether routing must pause because the in-progress count
// has reached the concurrency cap.
func (q *QueueHealth) Enforce(ctx context.Context) (model.GateDecision, error) {
	n, err := q.store.CountInProgress(ctx, "")
	if err != nil {
		return model.GateDecision{}, fmt.Errorf("failed to count in-progress tasks: %w", err)
	}
	return model.GateDecision{
		Blocked:    n >= q.cfg.MaxConcurrent,
		InProgress: n,
		Max:        q.cfg.MaxConcurrent,
	}, nil
}

// Sweep runs one health pass over the queue
func (q *QueueHealth) Sweep(ctx context.Context) (*model.SweepReport, error) {
	report := &model.SweepReport{StartedAt: q.now()}

	if err := q.resetStale(ctx, report); err != nil {
		return nil, err
	}

	pending, err := q.store.List(ctx, model.TaskFilter{Statuses: []model.TaskStatus{model.TaskStatusPending}})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	archived, err := q.archiveDuplicates(ctx, pending, report)
	if err != nil {
		return nil, err
	}

	if err := q.flagAbandoned(ctx, pending, archived, report); err != nil {
		return nil, err
	}

	gate, err := q.Enforce(ctx)
	if err != nil {
		return nil, err
	}
	report.Gate = gate
	if gate.Blocked {
		q.raise(ctx, &model.Alert{
			Type:    model.AlertTypeOverload,
			Message: fmt.Sprintf("%d tasks in progress, limit is %d", gate.InProgress, gate.Max),
			Data:    map[string]interface{}{"in_progress": gate.InProgress, "max": gate.Max},
		})
	}

	report.FinishedAt = q.now()
	q.logger.Info("Sweep finished",
		zap.Int("reset", len(report.Reset)),
		zap.Int("flagged", len(report.Flagged)),
		zap.Int("archived", len(report.Archived)),
		zap.Bool("blocked", gate.Blocked),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func (q *QueueHealth) resetStale(ctx context.Context, report *model.SweepReport) error {
	inProgress, err := q.store.List(ctx, model.TaskFilter{Statuses: []model.TaskStatus{model.TaskStatusInProgress}})
	if err != nil {
		return fmt.Errorf("failed to list in-progress tasks: %w", err)
	}

	cutoff := q.now().Add(-q.cfg.StaleAfter)
	for _, task := range inProgress {
		if task.AssignedAt == nil || !task.AssignedAt.Before(cutoff) {
			continue
		}

		before, err := q.store.Reset(ctx, task.ID)
		if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrTaskNotFound) {
			// Finished between the listing and the reset.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to reset task %s: %w", task.ID, err)
		}

		if q.budget != nil && before.ReservationID != "" {
			q.budget.Release(before.ReservationID)
		}

		age := q.now().Sub(*before.AssignedAt).Truncate(time.Minute)
		reason := fmt.Sprintf("in progress for %s", age)
		report.Reset = append(report.Reset, model.SweepEntry{
			TaskID:  before.ID,
			AgentID: model.AgentID(before.AssignedTo),
			Reason:  reason,
		})

		q.logger.Warn("Reset stale task",
			zap.String("task_id", before.ID),
			zap.String("agent_id", before.AssignedTo),
			zap.Duration("age", age))

		reset := *before
		reset.Status = model.TaskStatusPending
		q.publish(ctx, events.NewEvent(events.EventReset, &reset, reason))
		q.raise(ctx, &model.Alert{
			Type:    model.AlertTypeStaleReset,
			TaskID:  before.ID,
			AgentID: model.AgentID(before.AssignedTo),
			Message: fmt.Sprintf("task %s %s, returned to pending", before.ID, reason),
		})
	}
	return nil
}

func (q *QueueHealth) archiveDuplicates(ctx context.Context, pending []*model.Task, report *model.SweepReport) (map[string]bool, error) {
	archived := make(map[string]bool)
	for _, pair := range findDuplicates(pending, q.cfg.DuplicateMode, q.cfg.FuzzyThreshold) {
		reason := fmt.Sprintf("duplicate of %s", pair.kept.ID)
		if err := q.store.Archive(ctx, pair.dup.ID, pair.kept.ID, reason); err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to archive duplicate %s: %w", pair.dup.ID, err)
		}
		archived[pair.dup.ID] = true

		report.Archived = append(report.Archived, model.SweepEntry{
			TaskID: pair.dup.ID,
			KeptID: pair.kept.ID,
			Reason: reason,
		})

		q.logger.Info("Archived duplicate task",
			zap.String("task_id", pair.dup.ID),
			zap.String("kept_id", pair.kept.ID),
			zap.String("mode", string(q.cfg.DuplicateMode)),
			zap.Error(fmt.Errorf("%w: %q", ErrDuplicateDetected, pair.dup.Title)))

		q.publish(ctx, events.NewEvent(events.EventArchived, pair.dup, reason))
		q.raise(ctx, &model.Alert{
			Type:    model.AlertTypeDuplicate,
			TaskID:  pair.dup.ID,
			Message: fmt.Sprintf("task %s archived as %s", pair.dup.ID, reason),
			Data:    map[string]interface{}{"kept_id": pair.kept.ID},
		})
	}
	return archived, nil
}

func (q *QueueHealth) flagAbandoned(ctx context.Context, pending []*model.Task, archived map[string]bool, report *model.SweepReport) error {
	cutoff := q.now().Add(-q.cfg.AbandonedAfter)
	for _, task := range pending {
		if archived[task.ID] || task.FlagReason != "" || !task.CreatedAt.Before(cutoff) {
			continue
		}

		if err := q.store.Flag(ctx, task.ID, model.FlagAbandoned); err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				continue
			}
			return fmt.Errorf("failed to flag task %s: %w", task.ID, err)
		}

		age := q.now().Sub(task.CreatedAt).Truncate(time.Minute)
		report.Flagged = append(report.Flagged, model.SweepEntry{
			TaskID: task.ID,
			Reason: string(model.FlagAbandoned),
		})

		q.logger.Warn("Flagged abandoned task",
			zap.String("task_id", task.ID),
			zap.Duration("age", age))

		task.FlagReason = model.FlagAbandoned
		q.publish(ctx, events.NewEvent(events.EventFlagged, task, string(model.FlagAbandoned)))
		q.raise(ctx, &model.Alert{
			Type:    model.AlertTypeAbandoned,
			TaskID:  task.ID,
			Message: fmt.Sprintf("task %s pending for %s", task.ID, age),
		})
	}
	return nil
}

func (q *QueueHealth) publish(ctx context.Context, event events.Event) {
	if err := q.publisher.Publish(ctx, event); err != nil {
		q.logger.Error("Failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("task_id", event.TaskID),
			zap.Error(err))
	}
}

func (q *QueueHealth) raise(ctx context.Context, alert *model.Alert) {
	if q.alerts != nil {
		q.alerts.Raise(ctx, alert)
	}
}
