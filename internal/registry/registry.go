package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/matcher"
	"github.com/slate-dev/slate/internal/model"
)

// AssignmentCounter reports how many live tasks reference an agent
type AssignmentCounter interface {
	CountAssigned(ctx context.Context, agentID string) (int, error)
}

// Options configures a Registry
type Options struct {
	// Rules derive the kinds an agent serves when its Kinds list is empty
	Rules    []model.KindRule
	Profiles []model.RunnerProfile

	// GPUProber checks agents that require a GPU, CPUProber the rest. Nil means always healthy.
	GPUProber Prober
	CPUProber Prober

	Usage            AssignmentCounter
	HealthInterval   time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Summary counts agents by routing state
type Summary struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Degraded int `json:"degraded"`
	Offline  int `json:"offline"`
	Unloaded int `json:"unloaded"`
}

// Registry holds the capability records of all agents
type Registry struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	agents    map[model.AgentID]*model.Agent
	profiles  map[string]model.RunnerProfile
	rules     []model.KindRule
	pinned    map[model.AgentID]model.HealthState
	breakers  map[model.AgentID]*gobreaker.CircuitBreaker
	listeners []func(model.Agent)
	opts      Options
	stop      chan struct{}
	stopOnce  sync.Once
}

// New creates a registry, rejecting unknown agents and fallback cycles
func New(agents []model.Agent, opts Options, logger *zap.Logger) (*Registry, error) {
	if len(agents) == 0 {
		agents = DefaultAgents()
	}
	if len(opts.Profiles) == 0 {
		opts.Profiles = DefaultProfiles()
	}
	if len(opts.Rules) == 0 {
		opts.Rules = matcher.DefaultRules
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Minute
	}

	r := &Registry{
		logger:   logger.Named("registry"),
		agents:   make(map[model.AgentID]*model.Agent, len(agents)),
		profiles: make(map[string]model.RunnerProfile, len(opts.Profiles)),
		rules:    opts.Rules,
		pinned:   make(map[model.AgentID]model.HealthState),
		breakers: make(map[model.AgentID]*gobreaker.CircuitBreaker, len(agents)),
		opts:     opts,
		stop:     make(chan struct{}),
	}

	for _, p := range opts.Profiles {
		r.profiles[p.Name] = p
	}

	for i := range agents {
		agent := agents[i]
		if !agent.ID.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agent.ID)
		}
		if _, exists := r.agents[agent.ID]; exists {
			return nil, fmt.Errorf("agent %s registered twice", agent.ID)
		}
		if agent.Profile != "" {
			if _, ok := r.profiles[agent.Profile]; !ok {
				return nil, fmt.Errorf("agent %s references unknown profile %q", agent.ID, agent.Profile)
			}
		}
		r.normalize(&agent)
		r.agents[agent.ID] = &agent
		r.breakers[agent.ID] = r.newBreaker(agent.ID)
	}

	if err := r.graphLocked().Validate(r.knownLocked()); err != nil {
		return nil, err
	}

	r.logger.Info("Registry loaded", zap.Int("agents", len(r.agents)))
	return r, nil
}

func (r *Registry) normalize(agent *model.Agent) {
	if agent.Concurrency <= 0 {
		agent.Concurrency = 1
	}
	if agent.Health == "" {
		agent.Health = model.HealthActive
	}
	if agent.Lifecycle == "" {
		agent.Lifecycle = model.LifecycleLoaded
	}
	if !agent.RequiresGPU && agent.GPUMemoryMB == 0 {
		agent.PreferredGPU = model.NoGPUPreference
	}
	if len(agent.Kinds) == 0 {
		agent.Kinds = kindsFor(agent.Keywords, r.rules)
	}
}

// kindsFor returns the kinds whose rule shares at least one keyword with keywords
func kindsFor(keywords []string, rules []model.KindRule) []model.TaskKind {
	set := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		set[kw] = true
	}

	var kinds []model.TaskKind
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if set[kw] {
				kinds = append(kinds, rule.Kind)
				break
			}
		}
	}
	return kinds
}

func (r *Registry) graphLocked() FallbackGraph {
	g := make(FallbackGraph, len(r.agents))
	for id, a := range r.agents {
		g[id] = a.Fallback
	}
	return g
}

func (r *Registry) knownLocked() map[model.AgentID]bool {
	known := make(map[model.AgentID]bool, len(r.agents))
	for id := range r.agents {
		known[id] = true
	}
	return known
}

// OnChange registers a callback invoked after an agent's health or lifecycle changes
func (r *Registry) OnChange(fn func(model.Agent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(agent model.Agent) {
	r.mu.RLock()
	listeners := append([]func(model.Agent){}, r.listeners...)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(agent)
	}
}

// Get returns a copy of the agent record
func (r *Registry) Get(id model.AgentID) (model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return model.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return *agent, nil
}

// Lookup resolves a free-text agent identifier
func (r *Registry) Lookup(name string) (model.Agent, error) {
	id, err := model.ParseAgentID(name)
	if err != nil {
		return model.Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return r.Get(id)
}

// List returns every agent ordered by priority weight
func (r *Registry) List() []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sortByWeight(out)
	return out
}

// ListAvailable returns reachable agents serving kind, lowest priority weight first
func (r *Registry) ListAvailable(kind model.TaskKind) []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Agent
	for _, a := range r.agents {
		if a.Reachable() && a.Serves(kind) {
			out = append(out, *a)
		}
	}
	sortByWeight(out)
	return out
}

func sortByWeight(agents []model.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].PriorityWeight != agents[j].PriorityWeight {
			return agents[i].PriorityWeight < agents[j].PriorityWeight
		}
		return agents[i].ID < agents[j].ID
	})
}

// Chain returns the agent followed by its fallbacks. A chain longer than
// MaxFallbackDepth hops fails with ErrRoutingExhausted.
func (r *Registry) Chain(id model.AgentID) ([]model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	chain := []model.Agent{*agent}
	seen := map[model.AgentID]bool{id: true}
	for next := agent.Fallback; next != ""; {
		if len(chain) > MaxFallbackDepth {
			return chain, fmt.Errorf("%w: chain from %s exceeds %d hops", ErrRoutingExhausted, id, MaxFallbackDepth)
		}
		if seen[next] {
			return chain, fmt.Errorf("%w: chain from %s revisits %s", ErrRoutingExhausted, id, next)
		}
		fb, ok := r.agents[next]
		if !ok {
			return chain, fmt.Errorf("%w: %s", ErrAgentNotFound, next)
		}
		seen[next] = true
		chain = append(chain, *fb)
		next = fb.Fallback
	}

	return chain, nil
}

// SetFallback replaces an agent's fallback, refusing edges that create a cycle
func (r *Registry) SetFallback(id, fallback model.AgentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	g := r.graphLocked()
	g[id] = fallback
	if err := g.Validate(r.knownLocked()); err != nil {
		return err
	}

	agent.Fallback = fallback
	r.logger.Info("Fallback updated",
		zap.String("agent_id", string(id)),
		zap.String("fallback", string(fallback)))
	return nil
}

// Requirements resolves the resource envelope reserved for one assignment to id
func (r *Registry) Requirements(id model.AgentID) (model.Requirements, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return model.Requirements{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	req := model.Requirements{
		GPUMemoryMB:  agent.GPUMemoryMB,
		CPUCores:     agent.CPUCores,
		PreferredGPU: agent.PreferredGPU,
	}
	if profile, ok := r.profiles[agent.Profile]; ok {
		if req.GPUMemoryMB == 0 && agent.RequiresGPU {
			req.GPUMemoryMB = profile.GPUMemoryMB
		}
		if req.CPUCores == 0 {
			req.CPUCores = profile.CPUCores
		}
		req.RAMMB = profile.RAMMB
	}
	return req, nil
}

// Profiles returns the runner profiles sorted by name
func (r *Registry) Profiles() []model.RunnerProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.RunnerProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetHealth records a health state for an agent
func (r *Registry) SetHealth(id model.AgentID, state model.HealthState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid health state %q", state)
	}

	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	changed := agent.Health != state
	agent.Health = state
	agent.LastCheck = time.Now()
	snapshot := *agent
	r.mu.Unlock()

	if changed {
		r.logger.Info("Agent health changed",
			zap.String("agent_id", string(id)),
			zap.String("health", string(state)))
		r.notify(snapshot)
	}
	return nil
}

// PinHealth sets a health state that periodic checks will not override
func (r *Registry) PinHealth(id model.AgentID, state model.HealthState) error {
	if err := r.SetHealth(id, state); err != nil {
		return err
	}

	r.mu.Lock()
	r.pinned[id] = state
	r.mu.Unlock()
	return nil
}

// UnpinHealth returns an agent to probe-driven health
func (r *Registry) UnpinHealth(id model.AgentID) {
	r.mu.Lock()
	delete(r.pinned, id)
	r.mu.Unlock()
}

// Load marks an agent as loaded and routable again
func (r *Registry) Load(id model.AgentID) error {
	return r.setLifecycle(id, model.LifecycleLoaded)
}

// Unload removes an agent from routing. Agents that still own pending or
// in-progress tasks cannot be unloaded until those tasks are reassigned.
func (r *Registry) Unload(ctx context.Context, id model.AgentID) error {
	if _, err := r.Get(id); err != nil {
		return err
	}

	if r.opts.Usage != nil {
		n, err := r.opts.Usage.CountAssigned(ctx, string(id))
		if err != nil {
			return fmt.Errorf("failed to count assigned tasks: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %s owns %d tasks", ErrAgentInUse, id, n)
		}
	}

	return r.setLifecycle(id, model.LifecycleUnloaded)
}

// Reload unloads and loads an agent, resetting its circuit breaker
func (r *Registry) Reload(ctx context.Context, id model.AgentID) error {
	if err := r.Unload(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	r.breakers[id] = r.newBreaker(id)
	r.mu.Unlock()

	return r.Load(id)
}

func (r *Registry) setLifecycle(id model.AgentID, state model.LifecycleState) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	changed := agent.Lifecycle != state
	agent.Lifecycle = state
	snapshot := *agent
	r.mu.Unlock()

	if changed {
		r.logger.Info("Agent lifecycle changed",
			zap.String("agent_id", string(id)),
			zap.String("lifecycle", string(state)))
		r.notify(snapshot)
	}
	return nil
}

// Summary counts agents by state
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{Total: len(r.agents)}
	for _, a := range r.agents {
		if a.Lifecycle == model.LifecycleUnloaded {
			s.Unloaded++
			continue
		}
		switch a.Health {
		case model.HealthActive:
			s.Active++
		case model.HealthDegraded:
			s.Degraded++
		case model.HealthOffline:
			s.Offline++
		}
	}
	return s
}
