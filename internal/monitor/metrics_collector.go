package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/budget"
	"github.com/slate-dev/slate/internal/events"
	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/registry"
	"github.com/slate-dev/slate/internal/storage"
)

// QueueMetrics is a point-in-time view of the queue, ledger and host
type QueueMetrics struct {
	Timestamp time.Time                `json:"timestamp"`
	Counts    map[model.TaskStatus]int `json:"counts"`
	Ledger    model.LedgerSnapshot     `json:"ledger"`
	Agents    registry.Summary         `json:"agents"`
	Host      *model.HostStats         `json:"host,omitempty"`
}

// AgentSummarizer reports agent counts by state
type AgentSummarizer interface {
	Summary() registry.Summary
}

// MetricsCollector periodically collects and publishes queue metrics
type MetricsCollector struct {
	logger    *zap.Logger
	store     storage.TaskStore
	budget    *budget.Budgeter
	agents    AgentSummarizer
	publisher events.Publisher
	interval  time.Duration
	mu        sync.RWMutex
	latest    *QueueMetrics
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMetricsCollector creates a new metrics collector. budgeter and agents may be nil.
func NewMetricsCollector(store storage.TaskStore, budgeter *budget.Budgeter, agents AgentSummarizer, publisher events.Publisher, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &MetricsCollector{
		logger:    logger.Named("metrics_collector"),
		store:     store,
		budget:    budgeter,
		agents:    agents,
		publisher: publisher,
		interval:  interval,
		stop:      make(chan struct{}),
	}
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes a snapshot and publishes it on the metrics subject
func (c *MetricsCollector) Collect(ctx context.Context) (*QueueMetrics, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	metrics := &QueueMetrics{
		Timestamp: time.Now().UTC(),
		Counts:    counts,
	}
	if c.budget != nil {
		metrics.Ledger = c.budget.Snapshot()
	}
	if c.agents != nil {
		metrics.Agents = c.agents.Summary()
	}

	host, err := c.hostStats(ctx)
	if err != nil {
		c.logger.Warn("Failed to read host stats", zap.Error(err))
	} else {
		metrics.Host = host
	}

	c.mu.Lock()
	c.latest = metrics
	c.mu.Unlock()

	if err := c.publisher.PublishJSON(ctx, events.MetricsSubject, metrics); err != nil {
		return metrics, fmt.Errorf("failed to publish metrics: %w", err)
	}

	c.logger.Debug("Metrics collected",
		zap.Int("pending", counts[model.TaskStatusPending]),
		zap.Int("in_progress", counts[model.TaskStatusInProgress]),
		zap.Int("reservations", metrics.Ledger.Reservations))
	return metrics, nil
}

func (c *MetricsCollector) hostStats(ctx context.Context) (*model.HostStats, error) {
	// Interval 0 compares against the previous call and does not block.
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	stats := &model.HostStats{
		MemoryUsage: memInfo.UsedPercent,
		CollectedAt: time.Now().UTC(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}
	return stats, nil
}

// Latest returns the most recent snapshot, nil before the first collection
func (c *MetricsCollector) Latest() *QueueMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}
