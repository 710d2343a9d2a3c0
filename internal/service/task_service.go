package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/budget"
	"github.com/slate-dev/slate/internal/events"
	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/registry"
	"github.com/slate-dev/slate/internal/scheduler"
	"github.com/slate-dev/slate/internal/storage"
)

// EnqueueRequest describes a new task
type EnqueueRequest struct {
	ID              string             `json:"id,omitempty"`
	Title           string             `json:"title"`
	Description     string             `json:"description,omitempty"`
	Priority        model.TaskPriority `json:"priority,omitempty"`
	AssignedTo      string             `json:"assigned_to,omitempty"`
	Dependencies    []string           `json:"dependencies,omitempty"`
	FilesAffected   []string           `json:"files_affected,omitempty"`
	ComplexityScore float64            `json:"complexity_score,omitempty"`
	Source          string             `json:"source,omitempty"`
}

// QueueStatus is the operator view of the queue
type QueueStatus struct {
	Counts  map[model.TaskStatus]int `json:"counts"`
	Flagged map[model.FlagReason]int `json:"flagged"`
	Ledger  model.LedgerSnapshot     `json:"ledger"`
	Agents  registry.Summary         `json:"agents"`
	Gate    *model.GateDecision      `json:"gate,omitempty"`
}

// Deps are the collaborators of a TaskService. Gate and Events are optional.
type Deps struct {
	Store    storage.TaskStore
	Registry *registry.Registry
	Budget   *budget.Budgeter
	Events   events.Publisher
	Gate     scheduler.Gate
}

// TaskService implements the producer and agent side of the task lifecycle
type TaskService struct {
	logger   *zap.Logger
	store    storage.TaskStore
	registry *registry.Registry
	budget   *budget.Budgeter
	events   events.Publisher
	gate     scheduler.Gate
}

// NewTaskService creates a task service
func NewTaskService(deps Deps, logger *zap.Logger) (*TaskService, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Budget == nil {
		return nil, errors.New("task service requires a store, registry and budgeter")
	}
	if deps.Events == nil {
		deps.Events = events.NewLogPublisher(logger)
	}
	return &TaskService{
		logger:   logger.Named("task_service"),
		store:    deps.Store,
		registry: deps.Registry,
		budget:   deps.Budget,
		events:   deps.Events,
		gate:     deps.Gate,
	}, nil
}

// Enqueue validates and stores a new pending task
func (s *TaskService) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ErrEmptyTitle
	}

	priority := req.Priority
	if priority == 0 {
		priority = model.TaskPriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPriority, priority)
	}

	assignee := model.AssigneeAuto
	if a := strings.TrimSpace(req.AssignedTo); a != "" && !strings.EqualFold(a, model.AssigneeAuto) {
		agent, err := s.registry.Lookup(a)
		if err != nil {
			return nil, err
		}
		assignee = string(agent.ID)
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}

	deps := dedupe(req.Dependencies)

	task := &model.Task{
		ID:              id,
		Title:           title,
		Description:     req.Description,
		Status:          model.TaskStatusPending,
		Priority:        priority,
		AssignedTo:      assignee,
		Dependencies:    deps,
		FilesAffected:   req.FilesAffected,
		ComplexityScore: req.ComplexityScore,
		Source:          req.Source,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if errors.Is(err, storage.ErrDependencyCycle) {
			return nil, fmt.Errorf("%w: %w", ErrCircularDependency, err)
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info("Task enqueued",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title),
		zap.Int("priority", int(task.Priority)),
		zap.String("assigned_to", task.AssignedTo),
		zap.Strings("dependencies", task.Dependencies))
	s.publish(ctx, events.NewEvent(events.EventEnqueued, task, ""))
	return task, nil
}

// Get returns a task by id
func (s *TaskService) Get(ctx context.Context, id string) (*model.Task, error) {
	return s.store.Get(ctx, id)
}

// List returns tasks matching filter in routing order
func (s *TaskService) List(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	return s.store.List(ctx, filter)
}

// Status summarises queue, ledger and agents
func (s *TaskService) Status(ctx context.Context) (*QueueStatus, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	pending, err := s.store.List(ctx, model.TaskFilter{Statuses: []model.TaskStatus{model.TaskStatusPending}})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	flagged := make(map[model.FlagReason]int)
	for _, task := range pending {
		if task.FlagReason != "" {
			flagged[task.FlagReason]++
		}
	}

	status := &QueueStatus{
		Counts:  counts,
		Flagged: flagged,
		Ledger:  s.budget.Snapshot(),
		Agents:  s.registry.Summary(),
	}
	if s.gate != nil {
		decision, err := s.gate.Enforce(ctx)
		if err != nil {
			return nil, err
		}
		status.Gate = &decision
	}
	return status, nil
}

// Complete records a successful result
func (s *TaskService) Complete(ctx context.Context, id, note string) (*model.Task, error) {
	return s.finish(ctx, id, model.TaskStatusCompleted, note)
}

// Fail records a failed result
func (s *TaskService) Fail(ctx context.Context, id, note string) (*model.Task, error) {
	return s.finish(ctx, id, model.TaskStatusFailed, note)
}

// Timeout records that the agent ran out of time
func (s *TaskService) Timeout(ctx context.Context, id, note string) (*model.Task, error) {
	return s.finish(ctx, id, model.TaskStatusTimeout, note)
}

func (s *TaskService) finish(ctx context.Context, id string, to model.TaskStatus, note string) (*model.Task, error) {
	before, err := s.store.Transition(ctx, id, []model.TaskStatus{model.TaskStatusInProgress}, to, note)
	if errors.Is(err, storage.ErrInvalidTransition) {
		current, getErr := s.store.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		s.logger.Warn("Ignoring result for task not in progress",
			zap.String("task_id", id),
			zap.String("status", string(current.Status)),
			zap.String("result", string(to)))
		return current, fmt.Errorf("%w: %s is %s", ErrStaleResult, id, current.Status)
	}
	if err != nil {
		return nil, err
	}

	s.release(before)
	return s.afterTransition(ctx, before, to, note)
}

// Cancel stops a task for good. Pending, blocked and in-progress tasks can be cancelled.
func (s *TaskService) Cancel(ctx context.Context, id, note string) (*model.Task, error) {
	before, err := s.store.Transition(ctx, id, []model.TaskStatus{
		model.TaskStatusPending,
		model.TaskStatusInProgress,
		model.TaskStatusBlocked,
	}, model.TaskStatusCancelled, note)
	if err != nil {
		return nil, err
	}

	s.release(before)
	return s.afterTransition(ctx, before, model.TaskStatusCancelled, note)
}

// Block parks a pending task until Unblock
func (s *TaskService) Block(ctx context.Context, id, note string) (*model.Task, error) {
	before, err := s.store.Transition(ctx, id, []model.TaskStatus{model.TaskStatusPending}, model.TaskStatusBlocked, note)
	if err != nil {
		return nil, err
	}
	return s.afterTransition(ctx, before, model.TaskStatusBlocked, note)
}

// Unblock returns a blocked task to pending
func (s *TaskService) Unblock(ctx context.Context, id string) (*model.Task, error) {
	before, err := s.store.Transition(ctx, id, []model.TaskStatus{model.TaskStatusBlocked}, model.TaskStatusPending, "")
	if err != nil {
		return nil, err
	}
	return s.afterTransition(ctx, before, model.TaskStatusPending, "")
}

// Requeue clears flags and deferrals so the router tries the task again
func (s *TaskService) Requeue(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.store.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Task requeued", zap.String("task_id", id))
	s.publish(ctx, events.NewEvent(events.EventEnqueued, task, "requeued"))
	return task, nil
}

func (s *TaskService) afterTransition(ctx context.Context, before *model.Task, to model.TaskStatus, note string) (*model.Task, error) {
	task, err := s.store.Get(ctx, before.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Task status changed",
		zap.String("task_id", task.ID),
		zap.String("from", string(before.Status)),
		zap.String("to", string(to)),
		zap.String("note", note))

	if to.Terminal() {
		s.publish(ctx, events.NewEvent(events.EventFinished, task, note))
	}
	return task, nil
}

func (s *TaskService) release(task *model.Task) {
	if task.ReservationID != "" {
		s.budget.Release(task.ReservationID)
	}
}

func (s *TaskService) publish(ctx context.Context, event events.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("task_id", event.TaskID),
			zap.Error(err))
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
