package registry

import "github.com/slate-dev/slate/internal/model"

// MaxFallbackDepth bounds how many fallback hops a chain may take
const MaxFallbackDepth = 5

// DefaultProfiles are the built-in runner profiles
func DefaultProfiles() []model.RunnerProfile {
	return []model.RunnerProfile{
		{Name: "light", CPUCores: 1, RAMMB: 512},
		{Name: "cpu_heavy", CPUCores: 4, RAMMB: 4096},
		{Name: "gpu_light", GPUMemoryMB: 2048, CPUCores: 2, RAMMB: 2048},
		{Name: "gpu_heavy", GPUMemoryMB: 8192, CPUCores: 4, RAMMB: 8192},
	}
}

// DefaultAgents returns the built-in capability table
func DefaultAgents() []model.Agent {
	return []model.Agent{
		{
			ID:             model.AgentAlpha,
			Role:           "coding",
			Description:    "Code generation, bug fixes and refactoring",
			RequiresGPU:    true,
			GPUMemoryMB:    4096,
			CPUCores:       2,
			Profile:        "gpu_light",
			PreferredGPU:   0,
			Concurrency:    2,
			Keywords:       []string{"implement", "code", "build", "fix", "create", "add", "refactor", "write", "function", "class", "method"},
			Fallback:       model.AgentCopilotChat,
			PriorityWeight: 10,
		},
		{
			ID:             model.AgentBeta,
			Role:           "testing",
			Description:    "Test authoring, validation and coverage",
			RequiresGPU:    true,
			GPUMemoryMB:    2048,
			CPUCores:       2,
			Profile:        "gpu_light",
			PreferredGPU:   1,
			Concurrency:    2,
			Keywords:       []string{"test", "validate", "verify", "coverage", "check"},
			Fallback:       model.AgentAlpha,
			PriorityWeight: 20,
		},
		{
			ID:             model.AgentGamma,
			Role:           "planning",
			Description:    "Analysis, planning, research and documentation",
			CPUCores:       1,
			Profile:        "light",
			PreferredGPU:   model.NoGPUPreference,
			Concurrency:    3,
			Keywords:       []string{"analyze", "plan", "research", "document", "review"},
			PriorityWeight: 30,
		},
		{
			ID:             model.AgentDelta,
			Role:           "integration",
			Description:    "External SDK and protocol integration",
			CPUCores:       1,
			Profile:        "light",
			PreferredGPU:   model.NoGPUPreference,
			Concurrency:    2,
			Keywords:       []string{"claude", "mcp", "sdk", "integration", "api"},
			Fallback:       model.AgentGamma,
			PriorityWeight: 40,
		},
		{
			ID:             model.AgentEpsilon,
			Role:           "specification",
			Description:    "Specifications, architecture and capacity planning",
			CPUCores:       1,
			Profile:        "light",
			PreferredGPU:   model.NoGPUPreference,
			Concurrency:    1,
			Keywords:       []string{"spec", "specification", "architecture", "capacity"},
			Fallback:       model.AgentGamma,
			PriorityWeight: 35,
		},
		{
			ID:             model.AgentZeta,
			Role:           "benchmark",
			Description:    "Benchmarks and performance profiling",
			RequiresGPU:    true,
			GPUMemoryMB:    1024,
			CPUCores:       2,
			Profile:        "gpu_light",
			PreferredGPU:   1,
			Concurrency:    1,
			Keywords:       []string{"benchmark", "performance", "profile", "speed", "throughput", "latency", "optimize"},
			Fallback:       model.AgentBeta,
			PriorityWeight: 25,
		},
		{
			ID:             model.AgentCopilot,
			Role:           "orchestration",
			Description:    "Complex multi-step orchestration and deployment",
			RequiresGPU:    true,
			GPUMemoryMB:    8192,
			CPUCores:       4,
			Profile:        "gpu_heavy",
			PreferredGPU:   0,
			Concurrency:    1,
			Keywords:       []string{"complex", "multi-step", "orchestrate", "deploy", "pipeline", "workflow"},
			Fallback:       model.AgentAlpha,
			PriorityWeight: 5,
		},
		{
			ID:             model.AgentCopilotChat,
			Role:           "diagnostics",
			Description:    "Interactive diagnosis and explanation",
			CPUCores:       1,
			Profile:        "light",
			PreferredGPU:   model.NoGPUPreference,
			Concurrency:    2,
			Keywords:       []string{"diagnose", "debug", "troubleshoot", "investigate", "fix", "explain"},
			Fallback:       model.AgentGamma,
			PriorityWeight: 15,
		},
	}
}
