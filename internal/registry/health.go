package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slate-dev/slate/internal/model"
)

func (r *Registry) newBreaker(id model.AgentID) *gobreaker.CircuitBreaker {
	threshold := r.opts.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(id),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     r.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Info("Health breaker state changed",
				zap.String("agent_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

func (r *Registry) proberFor(agent model.Agent) Prober {
	if agent.RequiresGPU {
		return r.opts.GPUProber
	}
	return r.opts.CPUProber
}

// HealthCheck probes an agent and stores the resulting health state. A failed
// probe degrades the agent; once the breaker opens the agent goes offline.
func (r *Registry) HealthCheck(ctx context.Context, id model.AgentID) (model.HealthState, error) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.RUnlock()
		return "", ErrAgentNotFound
	}
	snapshot := *agent
	cb := r.breakers[id]
	pinned, isPinned := r.pinned[id]
	r.mu.RUnlock()

	if isPinned {
		return pinned, nil
	}
	if snapshot.Lifecycle == model.LifecycleUnloaded {
		return snapshot.Health, nil
	}

	prober := r.proberFor(snapshot)
	_, err := cb.Execute(func() (interface{}, error) {
		if prober == nil {
			return nil, nil
		}
		return nil, prober.Probe(ctx, snapshot)
	})

	state := model.HealthActive
	switch {
	case err == nil:
	case cb.State() == gobreaker.StateOpen:
		state = model.HealthOffline
	default:
		state = model.HealthDegraded
	}

	if err != nil {
		r.logger.Warn("Agent health probe failed",
			zap.String("agent_id", string(id)),
			zap.String("health", string(state)),
			zap.Error(err))
	}

	if err := r.SetHealth(id, state); err != nil {
		return "", err
	}
	return state, nil
}

// HealthCheckAll probes every loaded agent concurrently
func (r *Registry) HealthCheckAll(ctx context.Context) (map[model.AgentID]model.HealthState, error) {
	r.mu.RLock()
	ids := make([]model.AgentID, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[model.AgentID]model.HealthState, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			state, err := r.HealthCheck(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			results[id] = state
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Start starts the periodic health check loop
func (r *Registry) Start(ctx context.Context) error {
	r.logger.Info("Starting health checks", zap.Duration("interval", r.opts.HealthInterval))

	go r.healthCheckLoop(ctx)

	return nil
}

// Stop stops the health check loop
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping health checks")
		close(r.stop)
	})
}

func (r *Registry) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := r.HealthCheckAll(ctx); err != nil {
				r.logger.Error("Health check round failed", zap.Error(err))
			}
		}
	}
}
