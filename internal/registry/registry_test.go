package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

type fakeUsage struct {
	counts map[string]int
}

func (f *fakeUsage) CountAssigned(ctx context.Context, agentID string) (int, error) {
	return f.counts[agentID], nil
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := New(nil, opts, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestNew_Defaults(t *testing.T) {
	r := newTestRegistry(t, Options{})

	agents := r.List()
	require.Len(t, agents, len(model.AllAgentIDs))
	assert.Equal(t, model.AgentCopilot, agents[0].ID, "lowest weight first")

	alpha, err := r.Get(model.AgentAlpha)
	require.NoError(t, err)
	assert.Equal(t, model.HealthActive, alpha.Health)
	assert.Equal(t, model.LifecycleLoaded, alpha.Lifecycle)
	assert.Contains(t, alpha.Kinds, model.KindImplementation)

	gamma, err := r.Get(model.AgentGamma)
	require.NoError(t, err)
	assert.Equal(t, model.NoGPUPreference, gamma.PreferredGPU)

	_, err = r.Get(model.AgentID("OMEGA"))
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestNew_RejectsFallbackCycle(t *testing.T) {
	tests := []struct {
		name   string
		agents []model.Agent
		want   error
	}{
		{
			name: "Self Loop",
			agents: []model.Agent{
				{ID: model.AgentAlpha, Fallback: model.AgentAlpha},
			},
			want: ErrFallbackCycle,
		},
		{
			name: "Two Node Cycle",
			agents: []model.Agent{
				{ID: model.AgentAlpha, Fallback: model.AgentBeta},
				{ID: model.AgentBeta, Fallback: model.AgentAlpha},
			},
			want: ErrFallbackCycle,
		},
		{
			name: "Transitive Cycle",
			agents: []model.Agent{
				{ID: model.AgentAlpha, Fallback: model.AgentBeta},
				{ID: model.AgentBeta, Fallback: model.AgentGamma},
				{ID: model.AgentGamma, Fallback: model.AgentAlpha},
				{ID: model.AgentDelta, Fallback: model.AgentGamma},
			},
			want: ErrFallbackCycle,
		},
		{
			name: "Unregistered Fallback",
			agents: []model.Agent{
				{ID: model.AgentAlpha, Fallback: model.AgentBeta},
			},
			want: ErrAgentNotFound,
		},
		{
			name: "Unknown Agent",
			agents: []model.Agent{
				{ID: model.AgentID("OMEGA")},
			},
			want: ErrUnknownAgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.agents, Options{}, zap.NewNop())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestRegistry_ListAvailable(t *testing.T) {
	r := newTestRegistry(t, Options{})

	candidates := r.ListAvailable(model.KindImplementation)
	require.Len(t, candidates, 2)
	assert.Equal(t, model.AgentAlpha, candidates[0].ID)
	assert.Equal(t, 10, candidates[0].PriorityWeight)
	assert.Equal(t, model.AgentCopilotChat, candidates[1].ID)

	t.Run("Offline Excluded", func(t *testing.T) {
		require.NoError(t, r.SetHealth(model.AgentAlpha, model.HealthOffline))
		candidates := r.ListAvailable(model.KindImplementation)
		require.Len(t, candidates, 1)
		assert.Equal(t, model.AgentCopilotChat, candidates[0].ID)
	})

	t.Run("Degraded Listed", func(t *testing.T) {
		require.NoError(t, r.SetHealth(model.AgentAlpha, model.HealthDegraded))
		candidates := r.ListAvailable(model.KindImplementation)
		require.Len(t, candidates, 2)
		assert.False(t, candidates[0].Routable())
	})

	t.Run("Unknown Kind", func(t *testing.T) {
		assert.Empty(t, r.ListAvailable(model.KindUnknown))
	})
}

func TestRegistry_Chain(t *testing.T) {
	r := newTestRegistry(t, Options{})

	chain, err := r.Chain(model.AgentZeta)
	require.NoError(t, err)
	ids := make([]model.AgentID, len(chain))
	for i, a := range chain {
		ids[i] = a.ID
	}
	assert.Equal(t, []model.AgentID{
		model.AgentZeta, model.AgentBeta, model.AgentAlpha, model.AgentCopilotChat, model.AgentGamma,
	}, ids)

	t.Run("Depth Bound", func(t *testing.T) {
		linear := []model.Agent{
			{ID: model.AgentAlpha, Fallback: model.AgentBeta},
			{ID: model.AgentBeta, Fallback: model.AgentGamma},
			{ID: model.AgentGamma, Fallback: model.AgentDelta},
			{ID: model.AgentDelta, Fallback: model.AgentEpsilon},
			{ID: model.AgentEpsilon, Fallback: model.AgentZeta},
			{ID: model.AgentZeta, Fallback: model.AgentCopilot},
			{ID: model.AgentCopilot},
		}
		deep, err := New(linear, Options{}, zap.NewNop())
		require.NoError(t, err)

		_, err = deep.Chain(model.AgentAlpha)
		require.ErrorIs(t, err, ErrRoutingExhausted)

		chain, err := deep.Chain(model.AgentBeta)
		require.NoError(t, err)
		assert.Len(t, chain, MaxFallbackDepth+1)
	})
}

func TestRegistry_SetFallback(t *testing.T) {
	r := newTestRegistry(t, Options{})

	err := r.SetFallback(model.AgentGamma, model.AgentAlpha)
	require.ErrorIs(t, err, ErrFallbackCycle)

	gamma, err := r.Get(model.AgentGamma)
	require.NoError(t, err)
	assert.Empty(t, gamma.Fallback, "rejected edge must not be applied")

	require.NoError(t, r.SetFallback(model.AgentDelta, model.AgentEpsilon))
	delta, err := r.Get(model.AgentDelta)
	require.NoError(t, err)
	assert.Equal(t, model.AgentEpsilon, delta.Fallback)
}

func TestRegistry_Requirements(t *testing.T) {
	r := newTestRegistry(t, Options{})

	req, err := r.Requirements(model.AgentCopilot)
	require.NoError(t, err)
	assert.Equal(t, 8192, req.GPUMemoryMB)
	assert.Equal(t, 4, req.CPUCores)
	assert.Equal(t, int64(8192), req.RAMMB)
	assert.Equal(t, 0, req.PreferredGPU)

	req, err = r.Requirements(model.AgentGamma)
	require.NoError(t, err)
	assert.Zero(t, req.GPUMemoryMB)
	assert.Equal(t, int64(512), req.RAMMB)
}

func TestRegistry_UnloadRefusedWhileInUse(t *testing.T) {
	usage := &fakeUsage{counts: map[string]int{"ALPHA": 2}}
	r := newTestRegistry(t, Options{Usage: usage})

	var changes []model.Agent
	r.OnChange(func(a model.Agent) { changes = append(changes, a) })

	err := r.Unload(context.Background(), model.AgentAlpha)
	require.ErrorIs(t, err, ErrAgentInUse)

	require.NoError(t, r.Unload(context.Background(), model.AgentBeta))
	beta, err := r.Get(model.AgentBeta)
	require.NoError(t, err)
	assert.Equal(t, model.LifecycleUnloaded, beta.Lifecycle)
	assert.NotContains(t, agentIDs(r.ListAvailable(model.KindTesting)), model.AgentBeta)

	require.NoError(t, r.Load(model.AgentBeta))
	require.Len(t, changes, 2)
	assert.Equal(t, model.LifecycleLoaded, changes[1].Lifecycle)

	summary := r.Summary()
	assert.Equal(t, len(model.AllAgentIDs), summary.Total)
	assert.Equal(t, 0, summary.Unloaded)
}

func TestRegistry_HealthCheck(t *testing.T) {
	var failing atomic.Bool
	prober := ProberFunc(func(ctx context.Context, agent model.Agent) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	r := newTestRegistry(t, Options{
		GPUProber:        prober,
		FailureThreshold: 2,
		OpenTimeout:      50 * time.Millisecond,
	})
	ctx := context.Background()

	state, err := r.HealthCheck(ctx, model.AgentAlpha)
	require.NoError(t, err)
	assert.Equal(t, model.HealthActive, state)

	failing.Store(true)
	state, err = r.HealthCheck(ctx, model.AgentAlpha)
	require.NoError(t, err)
	assert.Equal(t, model.HealthDegraded, state)

	state, err = r.HealthCheck(ctx, model.AgentAlpha)
	require.NoError(t, err)
	assert.Equal(t, model.HealthOffline, state)

	// CPU agents use a nil prober and stay active
	state, err = r.HealthCheck(ctx, model.AgentGamma)
	require.NoError(t, err)
	assert.Equal(t, model.HealthActive, state)

	failing.Store(false)
	time.Sleep(80 * time.Millisecond)
	state, err = r.HealthCheck(ctx, model.AgentAlpha)
	require.NoError(t, err)
	assert.Equal(t, model.HealthActive, state, "half-open probe succeeds")
}

func TestRegistry_PinnedHealth(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context, agent model.Agent) error { return nil })
	r := newTestRegistry(t, Options{GPUProber: prober})

	require.NoError(t, r.PinHealth(model.AgentAlpha, model.HealthOffline))
	state, err := r.HealthCheck(context.Background(), model.AgentAlpha)
	require.NoError(t, err)
	assert.Equal(t, model.HealthOffline, state)

	r.UnpinHealth(model.AgentAlpha)
	state, err = r.HealthCheck(context.Background(), model.AgentAlpha)
	require.NoError(t, err)
	assert.Equal(t, model.HealthActive, state)
}

func TestRegistry_HealthCheckAll(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context, agent model.Agent) error {
		if agent.ID == model.AgentBeta {
			return errors.New("gpu busy")
		}
		return nil
	})
	r := newTestRegistry(t, Options{GPUProber: prober})

	results, err := r.HealthCheckAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, len(model.AllAgentIDs))
	assert.Equal(t, model.HealthDegraded, results[model.AgentBeta])
	assert.Equal(t, model.HealthActive, results[model.AgentAlpha])
}

func TestRegistry_StateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry", "state.json")

	r := newTestRegistry(t, Options{})
	require.NoError(t, r.PinHealth(model.AgentDelta, model.HealthDegraded))
	require.NoError(t, r.SetFallback(model.AgentDelta, model.AgentEpsilon))
	require.NoError(t, r.Unload(context.Background(), model.AgentZeta))
	require.NoError(t, r.SaveState(path))

	restored := newTestRegistry(t, Options{})
	require.NoError(t, restored.LoadState(path))

	delta, err := restored.Get(model.AgentDelta)
	require.NoError(t, err)
	assert.Equal(t, model.HealthDegraded, delta.Health)
	assert.Equal(t, model.AgentEpsilon, delta.Fallback)

	zeta, err := restored.Get(model.AgentZeta)
	require.NoError(t, err)
	assert.Equal(t, model.LifecycleUnloaded, zeta.Lifecycle)

	t.Run("Missing File", func(t *testing.T) {
		require.NoError(t, restored.LoadState(filepath.Join(t.TempDir(), "absent.json")))
	})
}

func agentIDs(agents []model.Agent) []model.AgentID {
	ids := make([]model.AgentID, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}
