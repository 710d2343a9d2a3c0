package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

const testCatalog = `
profiles:
  - name: light
    cpu_cores: 1
    ram_mb: 256
  - name: gpu_heavy
    gpu_memory_mb: 8192
    cpu_cores: 4
    ram_mb: 8192
agents:
  - id: alpha
    role: coding
    requires_gpu: true
    profile: gpu_heavy
    preferred_gpu: 0
    concurrency: 2
    keywords: [implement, fix]
    fallback: gamma
    priority_weight: 10
  - id: GAMMA
    role: planning
    profile: light
    keywords: [plan]
    priority_weight: 30
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	agents, profiles, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Len(t, profiles, 2)

	assert.Equal(t, model.AgentAlpha, agents[0].ID)
	assert.Equal(t, model.AgentGamma, agents[0].Fallback)
	assert.Equal(t, 0, agents[0].PreferredGPU)
	assert.Equal(t, model.NoGPUPreference, agents[1].PreferredGPU)

	r, err := New(agents, Options{Profiles: profiles}, zap.NewNop())
	require.NoError(t, err)

	req, err := r.Requirements(model.AgentAlpha)
	require.NoError(t, err)
	assert.Equal(t, 8192, req.GPUMemoryMB, "profile fills the GPU budget")
	assert.Equal(t, int64(8192), req.RAMMB)

	assert.Equal(t, []model.AgentID{model.AgentAlpha}, agentIDs(r.ListAvailable(model.KindImplementation)))
	assert.Equal(t, []model.AgentID{model.AgentGamma}, agentIDs(r.ListAvailable(model.KindAnalysis)))
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"Unknown Agent", "agents:\n  - id: omega\n"},
		{"Unknown Fallback", "agents:\n  - id: alpha\n    fallback: omega\n"},
		{"Bad Health", "agents:\n  - id: alpha\n    health: sleepy\n"},
		{"Bad YAML", "agents: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseCatalog([]byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestNew_UnknownProfile(t *testing.T) {
	_, err := New([]model.Agent{{ID: model.AgentAlpha, Profile: "huge"}}, Options{}, zap.NewNop())
	require.Error(t, err)
}
