package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/budget"
	"github.com/slate-dev/slate/internal/events"
	"github.com/slate-dev/slate/internal/matcher"
	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/registry"
	"github.com/slate-dev/slate/internal/storage"
)

// Gate decides whether new work may start
type Gate interface {
	Enforce(ctx context.Context) (model.GateDecision, error)
}

// Alerter raises operator alerts
type Alerter interface {
	Raise(ctx context.Context, alert *model.Alert)
}

// RouterConfig tunes routing decisions
type RouterConfig struct {
	DefaultAgent  model.AgentID
	MaxDeferrals  int
	MaxInProgress int
}

// RouterDeps holds the collaborators of a Router. History, Gate, Alerts,
// Events and Policy are optional.
type RouterDeps struct {
	Store    storage.TaskStore
	History  storage.RoutingHistory
	Registry *registry.Registry
	Matcher  *matcher.Matcher
	Budget   *budget.Budgeter
	Gate     Gate
	Alerts   Alerter
	Events   events.Publisher
	Policy   DeferralPolicy
}

// Router assigns pending tasks to agents
type Router struct {
	logger   *zap.Logger
	store    storage.TaskStore
	history  storage.RoutingHistory
	registry *registry.Registry
	matcher  *matcher.Matcher
	budget   *budget.Budgeter
	gate     Gate
	alerts   Alerter
	events   events.Publisher
	policy   DeferralPolicy
	cfg      RouterConfig
	now      func() time.Time
}

type attempt int

const (
	attemptAssigned attempt = iota
	attemptBusy
	attemptOverloaded
	attemptLost
	attemptWaiting
)

// NewRouter creates a router
func NewRouter(deps RouterDeps, cfg RouterConfig, logger *zap.Logger) (*Router, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Matcher == nil || deps.Budget == nil {
		return nil, errors.New("router requires a store, registry, matcher and budget")
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = model.AgentGamma
	}
	if _, err := deps.Registry.Get(cfg.DefaultAgent); err != nil {
		return nil, fmt.Errorf("invalid default agent: %w", err)
	}
	if deps.Events == nil {
		deps.Events = events.NewLogPublisher(logger)
	}
	if deps.Policy == nil {
		deps.Policy = FixedDeferral{}
	}

	return &Router{
		logger:   logger.Named("router"),
		store:    deps.Store,
		history:  deps.History,
		registry: deps.Registry,
		matcher:  deps.Matcher,
		budget:   deps.Budget,
		gate:     deps.Gate,
		alerts:   deps.Alerts,
		events:   deps.Events,
		policy:   deps.Policy,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Assign routes a single task. Per-task conditions are reported in the
// decision; the error is reserved for store and registry failures.
func (r *Router) Assign(ctx context.Context, task *model.Task) (model.Decision, error) {
	decision, _, err := r.route(ctx, task)
	return decision, err
}

// Tick routes every due pending task in priority order
func (r *Router) Tick(ctx context.Context) (*model.RoutingReport, error) {
	report := &model.RoutingReport{StartedAt: r.now()}

	tasks, err := r.store.List(ctx, model.TaskFilter{Statuses: []model.TaskStatus{model.TaskStatusPending}})
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %w", err)
	}

	now := r.now()
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		if task.FlagReason.Blocking() || !task.Due(now) {
			continue
		}

		decision, overloaded, err := r.route(ctx, task)
		if err != nil {
			r.logger.Error("Failed to route task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			decision.Outcome = model.OutcomeSkipped
			decision.Reason = err.Error()
		}
		if overloaded {
			report.Blocked = true
		}
		report.Decisions = append(report.Decisions, decision)
	}

	report.FinishedAt = r.now()
	r.logger.Info("Tick finished",
		zap.Int("pending", len(tasks)),
		zap.Int("assigned", report.Count(model.OutcomeAssigned)),
		zap.Int("deferred", report.Count(model.OutcomeDeferred)),
		zap.Int("flagged", report.Count(model.OutcomeFlagged)),
		zap.Bool("blocked", report.Blocked),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))

	return report, nil
}

// Reconciliation counts the ledger changes made by Reconcile
type Reconciliation struct {
	Restored int `json:"restored"`
	Released int `json:"released"`
}

// Reconcile brings the ledger in line with the store. Reservations of
// in-progress tasks missing from the ledger are restored, and reservations no
// in-progress task refers to are released. Other processes sharing the store
// may have assigned, finished or reset tasks since the last call.
func (r *Router) Reconcile(ctx context.Context) (Reconciliation, error) {
	var result Reconciliation

	tasks, err := r.store.List(ctx, model.TaskFilter{Statuses: []model.TaskStatus{model.TaskStatusInProgress}})
	if err != nil {
		return result, fmt.Errorf("failed to load in-progress tasks: %w", err)
	}

	live := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.ReservationID == "" {
			continue
		}
		live[task.ReservationID] = true
		if _, ok := r.budget.Get(task.ReservationID); ok {
			continue
		}

		agent, err := r.registry.Lookup(task.AssignedTo)
		if err != nil {
			r.logger.Warn("Skipping reservation for unknown agent",
				zap.String("task_id", task.ID),
				zap.String("agent_id", task.AssignedTo))
			continue
		}
		req, err := r.registry.Requirements(agent.ID)
		if err != nil {
			return result, err
		}
		if _, err := r.budget.Restore(task.ReservationID, string(agent.ID), req); err != nil {
			r.logger.Warn("Failed to restore reservation",
				zap.String("task_id", task.ID),
				zap.String("reservation_id", task.ReservationID),
				zap.Error(err))
			continue
		}
		result.Restored++
	}

	for _, res := range r.budget.Reservations() {
		if live[res.ID] {
			continue
		}
		if r.budget.Release(res.ID) {
			r.logger.Info("Released orphaned reservation",
				zap.String("reservation_id", res.ID),
				zap.String("owner", res.Owner))
			result.Released++
		}
	}

	if result.Restored > 0 || result.Released > 0 {
		r.logger.Info("Ledger reconciled",
			zap.Int("restored", result.Restored),
			zap.Int("released", result.Released),
			zap.Int("in_progress", len(tasks)))
	}
	return result, nil
}

func (r *Router) route(ctx context.Context, task *model.Task) (model.Decision, bool, error) {
	decision := model.Decision{TaskID: task.ID}

	if task.Status != model.TaskStatusPending {
		decision.Outcome = model.OutcomeSkipped
		decision.Reason = fmt.Sprintf("task is %s", task.Status)
		return decision, false, nil
	}

	unmet, err := r.store.UnmetDependencies(ctx, task.ID)
	if err != nil {
		return decision, false, err
	}
	if len(unmet) > 0 {
		decision.Outcome = model.OutcomeDeferred
		decision.Reason = fmt.Sprintf("%s: waiting on %s", ErrDependencyUnmet, strings.Join(unmet, ", "))
		return decision, false, nil
	}

	if r.gate != nil {
		gate, err := r.gate.Enforce(ctx)
		if err != nil {
			return decision, false, err
		}
		if gate.Blocked {
			decision.Outcome = model.OutcomeDeferred
			decision.Reason = fmt.Sprintf("%s: %d/%d in progress", ErrOverloaded, gate.InProgress, gate.Max)
			return decision, true, nil
		}
	}

	candidates, kind, err := r.candidates(task)
	decision.Kind = kind
	switch {
	case errors.Is(err, registry.ErrUnknownAgent):
		return decision, false, r.flag(ctx, task, &decision, model.FlagUnknownAgent, err.Error())
	case errors.Is(err, registry.ErrRoutingExhausted), errors.Is(err, registry.ErrAgentNotFound):
		return decision, false, r.flag(ctx, task, &decision, model.FlagRoutingExhausted, err.Error())
	case err != nil:
		return decision, false, err
	}

	reachable := 0
	var busy []string
	for _, agent := range candidates {
		if !agent.Reachable() {
			continue
		}
		reachable++
		if !agent.Routable() {
			busy = append(busy, fmt.Sprintf("%s is %s", agent.ID, agent.Health))
			continue
		}

		assigned, result, reason, err := r.tryAgent(ctx, task, agent)
		if err != nil {
			return decision, false, err
		}

		switch result {
		case attemptAssigned:
			decision.Outcome = model.OutcomeAssigned
			decision.AgentID = agent.ID
			r.record(ctx, decision)
			r.publish(ctx, events.EventAssigned, assigned, string(kind))
			r.logger.Info("Task assigned",
				zap.String("task_id", task.ID),
				zap.String("agent_id", string(agent.ID)),
				zap.String("kind", string(kind)))
			return decision, false, nil
		case attemptOverloaded:
			decision.Outcome = model.OutcomeDeferred
			decision.Reason = fmt.Sprintf("%s: %s", ErrOverloaded, reason)
			return decision, true, nil
		case attemptLost:
			decision.Outcome = model.OutcomeSkipped
			decision.Reason = reason
			return decision, false, nil
		case attemptWaiting:
			decision.Outcome = model.OutcomeDeferred
			decision.Reason = fmt.Sprintf("%s: %s", ErrDependencyUnmet, reason)
			return decision, false, nil
		default:
			busy = append(busy, reason)
		}
	}

	if reachable == 0 {
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, string(c.ID))
		}
		msg := fmt.Sprintf("%s: no reachable agent in [%s]", registry.ErrRoutingExhausted, strings.Join(ids, ", "))
		return decision, false, r.flag(ctx, task, &decision, model.FlagRoutingExhausted, msg)
	}

	return decision, false, r.deferTask(ctx, task, &decision, strings.Join(busy, "; "))
}

// candidates returns the agents to try in order and the classified kind
func (r *Router) candidates(task *model.Task) ([]model.Agent, model.TaskKind, error) {
	if !task.IsAuto() {
		agent, err := r.registry.Lookup(task.AssignedTo)
		if err != nil {
			return nil, model.KindUnknown, fmt.Errorf("%w: %s", registry.ErrUnknownAgent, task.AssignedTo)
		}
		chain, err := r.registry.Chain(agent.ID)
		return chain, model.KindUnknown, err
	}

	kind := r.matcher.ClassifyTask(task)
	if kind != model.KindUnknown {
		if available := r.registry.ListAvailable(kind); len(available) > 0 {
			return available, kind, nil
		}
	}

	chain, err := r.registry.Chain(r.cfg.DefaultAgent)
	return chain, kind, err
}

func (r *Router) tryAgent(ctx context.Context, task *model.Task, agent model.Agent) (*model.Task, attempt, string, error) {
	running, err := r.store.CountInProgress(ctx, string(agent.ID))
	if err != nil {
		return nil, attemptBusy, "", err
	}
	if running >= agent.Concurrency {
		return nil, attemptBusy, fmt.Sprintf("%s at concurrency %d/%d", agent.ID, running, agent.Concurrency), nil
	}

	req, err := r.registry.Requirements(agent.ID)
	if err != nil {
		return nil, attemptBusy, "", err
	}

	res, err := r.budget.TryReserve(string(agent.ID), req)
	if err != nil {
		if errors.Is(err, budget.ErrInsufficientResources) {
			return nil, attemptBusy, fmt.Sprintf("%s: %v", agent.ID, err), nil
		}
		return nil, attemptBusy, "", err
	}

	assigned, err := r.store.Assign(ctx, storage.AssignRequest{
		TaskID:        task.ID,
		AgentID:       agent.ID,
		ReservationID: res.ID,
		AgentLimit:    agent.Concurrency,
		MaxInProgress: r.cfg.MaxInProgress,
		At:            r.now(),
	})
	if err != nil {
		r.budget.Release(res.ID)
		switch {
		case errors.Is(err, storage.ErrAgentAtCapacity):
			return nil, attemptBusy, err.Error(), nil
		case errors.Is(err, storage.ErrMaxInProgress):
			return nil, attemptOverloaded, err.Error(), nil
		case errors.Is(err, storage.ErrNotPending), errors.Is(err, storage.ErrTaskNotFound):
			return nil, attemptLost, err.Error(), nil
		case errors.Is(err, storage.ErrDependenciesIncomplete):
			return nil, attemptWaiting, err.Error(), nil
		}
		return nil, attemptBusy, "", fmt.Errorf("failed to assign task: %w", err)
	}

	return assigned, attemptAssigned, "", nil
}

func (r *Router) deferTask(ctx context.Context, task *model.Task, decision *model.Decision, reason string) error {
	next := r.policy.Next(task.Deferrals+1, r.now())
	count, err := r.store.Defer(ctx, task.ID, next)
	if err != nil {
		if errors.Is(err, storage.ErrNotPending) {
			decision.Outcome = model.OutcomeSkipped
			decision.Reason = err.Error()
			return nil
		}
		return fmt.Errorf("failed to defer task: %w", err)
	}

	decision.Outcome = model.OutcomeDeferred
	decision.Reason = fmt.Sprintf("%s: %s", ErrDeferred, reason)
	r.record(ctx, *decision)
	r.publish(ctx, events.EventDeferred, task, decision.Reason)

	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.Int("deferrals", count),
		zap.String("reason", reason),
	}
	if next != nil {
		fields = append(fields, zap.Time("next_attempt_at", *next))
	}
	r.logger.Info("Task deferred", fields...)

	if r.cfg.MaxDeferrals > 0 && count >= r.cfg.MaxDeferrals && task.FlagReason != model.FlagPersistentContention {
		if err := r.store.Flag(ctx, task.ID, model.FlagPersistentContention); err != nil {
			return fmt.Errorf("failed to flag task: %w", err)
		}
		r.raise(ctx, model.AlertTypePersistentContention, task,
			fmt.Sprintf("task %s deferred %d times: %s", task.ID, count, reason))
	}
	return nil
}

func (r *Router) flag(ctx context.Context, task *model.Task, decision *model.Decision, reason model.FlagReason, msg string) error {
	if err := r.store.Flag(ctx, task.ID, reason); err != nil {
		return fmt.Errorf("failed to flag task: %w", err)
	}

	decision.Outcome = model.OutcomeFlagged
	decision.Reason = msg
	r.record(ctx, *decision)
	r.publish(ctx, events.EventFlagged, task, msg)

	alertType := model.AlertTypeRoutingExhausted
	if reason == model.FlagUnknownAgent {
		alertType = model.AlertTypeUnknownAgent
	}
	r.raise(ctx, alertType, task, msg)

	r.logger.Warn("Task flagged",
		zap.String("task_id", task.ID),
		zap.String("flag", string(reason)),
		zap.String("reason", msg))
	return nil
}

func (r *Router) record(ctx context.Context, decision model.Decision) {
	if r.history == nil {
		return
	}
	err := r.history.Store(ctx, &model.RoutingRecord{
		TaskID:  decision.TaskID,
		AgentID: decision.AgentID,
		Outcome: decision.Outcome,
		Reason:  decision.Reason,
	})
	if err != nil {
		r.logger.Warn("Failed to record routing decision",
			zap.String("task_id", decision.TaskID),
			zap.Error(err))
	}
}

func (r *Router) publish(ctx context.Context, eventType events.EventType, task *model.Task, reason string) {
	if err := r.events.Publish(ctx, events.NewEvent(eventType, task, reason)); err != nil {
		r.logger.Warn("Failed to publish task event",
			zap.String("task_id", task.ID),
			zap.String("event", string(eventType)),
			zap.Error(err))
	}
}

func (r *Router) raise(ctx context.Context, alertType model.AlertType, task *model.Task, msg string) {
	if r.alerts == nil {
		return
	}
	alert := &model.Alert{
		Type:    alertType,
		TaskID:  task.ID,
		Message: msg,
	}
	if !task.IsAuto() {
		alert.AgentID = model.AgentID(task.AssignedTo)
	}
	r.alerts.Raise(ctx, alert)
}
