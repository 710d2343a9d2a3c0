package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

type agentState struct {
	Health    model.HealthState    `json:"health"`
	Lifecycle model.LifecycleState `json:"lifecycle"`
	Fallback  model.AgentID        `json:"fallback,omitempty"`
	Pinned    bool                 `json:"pinned,omitempty"`
}

type stateFile struct {
	Agents  map[model.AgentID]agentState `json:"agents"`
	SavedAt time.Time                    `json:"saved_at"`
}

// SaveState writes health, lifecycle and fallback overrides to path
func (r *Registry) SaveState(path string) error {
	r.mu.RLock()
	state := stateFile{
		Agents:  make(map[model.AgentID]agentState, len(r.agents)),
		SavedAt: time.Now().UTC(),
	}
	for id, a := range r.agents {
		_, pinned := r.pinned[id]
		state.Agents[id] = agentState{
			Health:    a.Health,
			Lifecycle: a.Lifecycle,
			Fallback:  a.Fallback,
			Pinned:    pinned,
		}
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace registry state: %w", err)
	}

	r.logger.Debug("Registry state saved", zap.String("path", path))
	return nil
}

// LoadState applies a saved state file. A missing file is not an error. The
// saved fallbacks are validated before anything is applied.
func (r *Registry) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read registry state: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse registry state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.graphLocked()
	for id, s := range state.Agents {
		if _, ok := r.agents[id]; ok {
			g[id] = s.Fallback
		}
	}
	if err := g.Validate(r.knownLocked()); err != nil {
		return fmt.Errorf("saved state rejected: %w", err)
	}

	applied := 0
	for id, s := range state.Agents {
		agent, ok := r.agents[id]
		if !ok {
			r.logger.Warn("Ignoring state for unregistered agent", zap.String("agent_id", string(id)))
			continue
		}
		if s.Health.Valid() {
			agent.Health = s.Health
		}
		if s.Lifecycle == model.LifecycleLoaded || s.Lifecycle == model.LifecycleUnloaded {
			agent.Lifecycle = s.Lifecycle
		}
		agent.Fallback = s.Fallback
		if s.Pinned {
			r.pinned[id] = agent.Health
		} else {
			delete(r.pinned, id)
		}
		applied++
	}

	r.logger.Info("Registry state loaded",
		zap.String("path", path),
		zap.Int("agents", applied),
		zap.Time("saved_at", state.SavedAt))
	return nil
}
