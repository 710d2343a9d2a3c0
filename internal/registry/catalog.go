package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/slate-dev/slate/internal/model"
)

// Catalog is the on-disk agent table
type Catalog struct {
	Profiles []catalogProfile `yaml:"profiles"`
	Agents   []catalogAgent   `yaml:"agents"`
}

type catalogProfile struct {
	Name        string `yaml:"name"`
	GPUMemoryMB int    `yaml:"gpu_memory_mb"`
	CPUCores    int    `yaml:"cpu_cores"`
	RAMMB       int64  `yaml:"ram_mb"`
}

type catalogAgent struct {
	ID             string   `yaml:"id"`
	Role           string   `yaml:"role"`
	Description    string   `yaml:"description"`
	RequiresGPU    bool     `yaml:"requires_gpu"`
	GPUMemoryMB    int      `yaml:"gpu_memory_mb"`
	CPUCores       int      `yaml:"cpu_cores"`
	Profile        string   `yaml:"profile"`
	PreferredGPU   *int     `yaml:"preferred_gpu"`
	Concurrency    int      `yaml:"concurrency"`
	Keywords       []string `yaml:"keywords"`
	Kinds          []string `yaml:"kinds"`
	Fallback       string   `yaml:"fallback"`
	PriorityWeight int      `yaml:"priority_weight"`
	Health         string   `yaml:"health"`
}

// LoadCatalog reads agents and runner profiles from a YAML file
func LoadCatalog(path string) ([]model.Agent, []model.RunnerProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML agent table
func ParseCatalog(data []byte) ([]model.Agent, []model.RunnerProfile, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	profiles := make([]model.RunnerProfile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		profiles = append(profiles, model.RunnerProfile{
			Name:        p.Name,
			GPUMemoryMB: p.GPUMemoryMB,
			CPUCores:    p.CPUCores,
			RAMMB:       p.RAMMB,
		})
	}

	agents := make([]model.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		id, err := model.ParseAgentID(a.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnknownAgent, err)
		}

		agent := model.Agent{
			ID:             id,
			Role:           a.Role,
			Description:    a.Description,
			RequiresGPU:    a.RequiresGPU,
			GPUMemoryMB:    a.GPUMemoryMB,
			CPUCores:       a.CPUCores,
			Profile:        a.Profile,
			PreferredGPU:   model.NoGPUPreference,
			Concurrency:    a.Concurrency,
			Keywords:       a.Keywords,
			PriorityWeight: a.PriorityWeight,
			Health:         model.HealthState(a.Health),
		}
		if a.PreferredGPU != nil {
			agent.PreferredGPU = *a.PreferredGPU
		}
		if a.Fallback != "" {
			fb, err := model.ParseAgentID(a.Fallback)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %s fallback: %v", ErrUnknownAgent, id, err)
			}
			agent.Fallback = fb
		}
		for _, k := range a.Kinds {
			agent.Kinds = append(agent.Kinds, model.TaskKind(k))
		}
		if agent.Health != "" && !agent.Health.Valid() {
			return nil, nil, fmt.Errorf("agent %s has invalid health %q", id, a.Health)
		}

		agents = append(agents, agent)
	}

	return agents, profiles, nil
}
