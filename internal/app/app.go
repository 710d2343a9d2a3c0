package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/budget"
	"github.com/slate-dev/slate/internal/config"
	"github.com/slate-dev/slate/internal/events"
	"github.com/slate-dev/slate/internal/filelock"
	"github.com/slate-dev/slate/internal/matcher"
	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/monitor"
	"github.com/slate-dev/slate/internal/registry"
	"github.com/slate-dev/slate/internal/scheduler"
	"github.com/slate-dev/slate/internal/service"
	"github.com/slate-dev/slate/internal/storage"
)

// App wires every component from a Config
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    *storage.SQLiteTaskStore
	History  *storage.SQLiteRoutingHistory
	Registry *registry.Registry
	Matcher  *matcher.Matcher
	Budget   *budget.Budgeter
	Events   events.Publisher
	Alerts   *monitor.AlertManager
	Health   *monitor.QueueHealth
	Metrics  *monitor.MetricsCollector
	Router   *scheduler.Router
	Tasks    *service.TaskService

	db *sql.DB
	nc *nats.Conn

	// stateFile is the registry state file as last loaded or saved by this process
	stateFile os.FileInfo
}

// New opens the store, connects to NATS when configured, loads the agent
// catalog and saved registry state, and rebuilds the ledger from in-progress tasks.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	db, err := storage.Open(cfg.DBPath(), logger)
	if err != nil {
		return err
	}
	a.db = db

	if a.Store, err = storage.NewSQLiteTaskStore(db, logger); err != nil {
		return err
	}
	if a.History, err = storage.NewSQLiteRoutingHistory(db, logger); err != nil {
		return err
	}

	if cfg.NATS.URL != "" {
		a.nc, err = events.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		js, err := a.nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		if a.Events, err = events.NewNATSPublisher(js, logger); err != nil {
			return err
		}
	} else {
		a.Events = events.NewLogPublisher(logger)
	}

	if a.Matcher, err = matcher.New(cfg.Routing.Rules, logger); err != nil {
		return fmt.Errorf("failed to build matcher: %w", err)
	}

	if a.Registry, err = a.buildRegistry(); err != nil {
		return err
	}

	capacity, err := budget.DetectCapacity(ctx, budget.Capacity{
		GPUs:     cfg.Budget.GPUs,
		CPUCores: cfg.Budget.CPUCores,
		RAMMB:    cfg.Budget.RAMMB,
	}, logger)
	if err != nil {
		return err
	}
	a.Budget = budget.New(capacity, logger)

	a.Alerts = monitor.NewAlertManager(a.Events, logger)
	a.Health, err = monitor.NewQueueHealth(a.Store, a.Budget, a.Alerts, a.Events, monitor.QueueHealthConfig{
		StaleAfter:     cfg.Monitor.StaleAfter,
		AbandonedAfter: cfg.Monitor.AbandonedAfter,
		MaxConcurrent:  cfg.Monitor.MaxConcurrent,
		DuplicateMode:  monitor.DuplicateMode(cfg.Monitor.Duplicates.Mode),
		FuzzyThreshold: cfg.Monitor.Duplicates.Threshold,
	}, logger)
	if err != nil {
		return err
	}
	a.Metrics = monitor.NewMetricsCollector(a.Store, a.Budget, a.Registry, a.Events, cfg.Monitor.MetricsInterval, logger)

	policy, err := scheduler.NewDeferralPolicy(cfg.Routing.Retry.Mode,
		cfg.Routing.Retry.InitialInterval, cfg.Routing.Retry.MaxInterval, cfg.Routing.Retry.Multiplier)
	if err != nil {
		return err
	}
	defaultAgent, err := model.ParseAgentID(cfg.Routing.DefaultAgent)
	if err != nil {
		return err
	}

	a.Router, err = scheduler.NewRouter(scheduler.RouterDeps{
		Store:    a.Store,
		History:  a.History,
		Registry: a.Registry,
		Matcher:  a.Matcher,
		Budget:   a.Budget,
		Gate:     a.Health,
		Alerts:   a.Alerts,
		Events:   a.Events,
		Policy:   policy,
	}, scheduler.RouterConfig{
		DefaultAgent:  defaultAgent,
		MaxDeferrals:  cfg.Routing.MaxDeferrals,
		MaxInProgress: cfg.Monitor.MaxConcurrent,
	}, logger)
	if err != nil {
		return err
	}

	a.Tasks, err = service.NewTaskService(service.Deps{
		Store:    a.Store,
		Registry: a.Registry,
		Budget:   a.Budget,
		Events:   a.Events,
		Gate:     a.Health,
	}, logger)
	if err != nil {
		return err
	}

	if _, err := a.Router.Reconcile(ctx); err != nil {
		return err
	}
	return nil
}

func (a *App) buildRegistry() (*registry.Registry, error) {
	cfg := a.Config

	var agents []model.Agent
	var profiles []model.RunnerProfile
	if cfg.Registry.AgentsFile != "" {
		var err error
		agents, profiles, err = registry.LoadCatalog(cfg.Registry.AgentsFile)
		if err != nil {
			return nil, err
		}
	}

	opts := registry.Options{
		Rules:            a.Matcher.Rules(),
		Profiles:         profiles,
		Usage:            a.Store,
		HealthInterval:   cfg.Registry.HealthInterval,
		FailureThreshold: cfg.Registry.FailureThreshold,
		OpenTimeout:      cfg.Registry.OpenTimeout,
	}
	if cfg.Registry.OllamaURL != "" {
		prober, err := registry.NewOllamaProber(cfg.Registry.OllamaURL, cfg.Registry.ProbeTimeout)
		if err != nil {
			return nil, err
		}
		opts.GPUProber = prober
	}

	reg, err := registry.New(agents, opts, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := reg.LoadState(cfg.StatePath()); err != nil {
		return nil, err
	}
	if fi, err := os.Stat(cfg.StatePath()); err == nil {
		a.stateFile = fi
	}
	reg.OnChange(func(agent model.Agent) {
		if agent.Health == model.HealthActive {
			return
		}
		a.Alerts.Raise(context.Background(), &model.Alert{
			Type:    model.AlertTypeAgentHealth,
			AgentID: agent.ID,
			Message: fmt.Sprintf("agent %s is %s (%s)", agent.ID, agent.Health, agent.Lifecycle),
		})
	})
	return reg, nil
}

func (a *App) lock(ctx context.Context) (func() error, error) {
	return filelock.Acquire(ctx, a.Config.LockPath(), a.Config.Lock.Timeout, a.Config.Lock.RetryInterval)
}

// sync picks up changes other processes made to the shared data directory.
// Registry state is reloaded when the state file changed since this process
// last read or wrote it, and the ledger is reconciled with in-progress tasks.
// The caller holds the data directory lock.
func (a *App) sync(ctx context.Context) error {
	if err := a.syncState(); err != nil {
		return err
	}
	if _, err := a.Router.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile ledger: %w", err)
	}
	return nil
}

func (a *App) syncState() error {
	fi, err := os.Stat(a.Config.StatePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat registry state: %w", err)
	}
	if a.stateFile != nil && os.SameFile(a.stateFile, fi) &&
		a.stateFile.ModTime().Equal(fi.ModTime()) && a.stateFile.Size() == fi.Size() {
		return nil
	}

	if err := a.Registry.LoadState(a.Config.StatePath()); err != nil {
		return err
	}
	a.stateFile = fi
	return nil
}

func (a *App) saveStateLocked() error {
	if err := a.Registry.SaveState(a.Config.StatePath()); err != nil {
		return err
	}
	fi, err := os.Stat(a.Config.StatePath())
	if err != nil {
		return fmt.Errorf("failed to stat registry state: %w", err)
	}
	a.stateFile = fi
	return nil
}

// Tick runs one routing pass under the data directory lock
func (a *App) Tick(ctx context.Context) (*model.RoutingReport, error) {
	unlock, err := a.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := a.sync(ctx); err != nil {
		return nil, err
	}
	return a.Router.Tick(ctx)
}

// Sweep runs one queue health pass under the data directory lock
func (a *App) Sweep(ctx context.Context) (*model.SweepReport, error) {
	unlock, err := a.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := a.sync(ctx); err != nil {
		return nil, err
	}
	return a.Health.Sweep(ctx)
}

// UpdateAgents applies fn to the registry under the data directory lock and
// saves the result. State saved by other processes is loaded first.
func (a *App) UpdateAgents(ctx context.Context, fn func(reg *registry.Registry) error) error {
	unlock, err := a.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := a.syncState(); err != nil {
		return err
	}
	if err := fn(a.Registry); err != nil {
		return err
	}
	return a.saveStateLocked()
}

// SetAgentHealth overrides an agent's health. A pinned state is kept across
// health checks; an unpinned one clears any earlier pin.
func (a *App) SetAgentHealth(ctx context.Context, id model.AgentID, state model.HealthState, pin bool) (model.Agent, error) {
	err := a.UpdateAgents(ctx, func(reg *registry.Registry) error {
		if pin {
			return reg.PinHealth(id, state)
		}
		reg.UnpinHealth(id)
		return reg.SetHealth(id, state)
	})
	if err != nil {
		return model.Agent{}, err
	}
	return a.Registry.Get(id)
}

// SaveState persists registry overrides to the state file
func (a *App) SaveState(ctx context.Context) error {
	if a.Registry == nil {
		return nil
	}
	unlock, err := a.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return a.saveStateLocked()
}

// Close releases the broker connection and the database
func (a *App) Close() error {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
