package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

// Job is a periodic unit of work run by the Trigger
type Job func(ctx context.Context) error

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Trigger runs ticks and sweeps on cron schedules
type Trigger struct {
	logger    *zap.Logger
	cron      *cron.Cron
	parser    cron.Parser
	mu        sync.RWMutex
	ctx       context.Context
	schedules map[string]*model.Schedule
	entryIDs  map[string]cron.EntryID
}

// NewTrigger creates a trigger. Expressions accept an optional seconds field
// and descriptors such as "@every 30s".
func NewTrigger(logger *zap.Logger) *Trigger {
	cl := &cronLogger{logger: logger.Named("cron")}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &Trigger{
		logger: logger.Named("trigger"),
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser:    parser,
		ctx:       context.Background(),
		schedules: make(map[string]*model.Schedule),
		entryIDs:  make(map[string]cron.EntryID),
	}
}

// Add registers job under name. An existing job with the same name is replaced.
func (t *Trigger) Add(name, expression string, job Job) error {
	spec, err := t.parser.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.entryIDs[name]; ok {
		t.cron.Remove(id)
	}

	schedule := &model.Schedule{Name: name, Expression: expression}
	next := spec.Next(time.Now())
	schedule.NextRunTime = &next

	id := t.cron.Schedule(spec, cron.FuncJob(func() { t.run(name, job) }))
	t.schedules[name] = schedule
	t.entryIDs[name] = id

	t.logger.Info("Added schedule",
		zap.String("name", name),
		zap.String("expression", expression),
		zap.Time("next_run", next))
	return nil
}

// Remove unregisters a job
func (t *Trigger) Remove(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.entryIDs[name]
	if !ok {
		return fmt.Errorf("schedule not found: %s", name)
	}
	t.cron.Remove(id)
	delete(t.entryIDs, name)
	delete(t.schedules, name)

	t.logger.Info("Removed schedule", zap.String("name", name))
	return nil
}

// Schedules returns a copy of every registered schedule
func (t *Trigger) Schedules() []model.Schedule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Schedule, 0, len(t.schedules))
	for _, s := range t.schedules {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start starts the cron loop. Jobs receive ctx.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	t.cron.Start()
	t.logger.Info("Trigger started")
}

// Stop stops the cron loop and waits for running jobs
func (t *Trigger) Stop() {
	<-t.cron.Stop().Done()
	t.logger.Info("Trigger stopped")
}

func (t *Trigger) run(name string, job Job) {
	t.mu.RLock()
	ctx := t.ctx
	t.mu.RUnlock()

	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	err := job(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	schedule, ok := t.schedules[name]
	if !ok {
		return
	}
	schedule.Runs++
	schedule.LastRunTime = &started
	if entry := t.cron.Entry(t.entryIDs[name]); entry.Valid() {
		next := entry.Next
		schedule.NextRunTime = &next
	}

	if err != nil {
		schedule.Failures++
		t.logger.Error("Scheduled job failed",
			zap.String("name", name),
			zap.Error(err))
		return
	}
	t.logger.Debug("Scheduled job finished",
		zap.String("name", name),
		zap.Duration("took", time.Since(started)))
}
