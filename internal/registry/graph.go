package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/slate-dev/slate/internal/model"
)

// FallbackGraph is the directed graph of agent fallback edges
type FallbackGraph map[model.AgentID]model.AgentID

// Validate checks every edge targets a registered agent and that no agent falls back
// to itself directly or transitively.
func (g FallbackGraph) Validate(known map[model.AgentID]bool) error {
	for _, from := range g.sortedNodes() {
		to := g[from]
		if to == "" {
			continue
		}
		if !to.Valid() {
			return fmt.Errorf("%w: %s falls back to %s", ErrUnknownAgent, from, to)
		}
		if !known[to] {
			return fmt.Errorf("%w: %s falls back to unregistered %s", ErrAgentNotFound, from, to)
		}
	}

	if err := g.checkCycles(); err != nil {
		return err
	}

	return g.checkTopological()
}

// checkCycles walks each chain keeping the current path to report the cycle members
func (g FallbackGraph) checkCycles() error {
	visited := make(map[model.AgentID]bool)

	for _, start := range g.sortedNodes() {
		if visited[start] {
			continue
		}

		path := make(map[model.AgentID]bool)
		var trail []model.AgentID
		for current := start; current != ""; current = g[current] {
			if path[current] {
				trail = append(trail, current)
				return fmt.Errorf("%w: %s", ErrFallbackCycle, joinIDs(trail))
			}
			if visited[current] {
				break
			}
			visited[current] = true
			path[current] = true
			trail = append(trail, current)
		}
	}

	return nil
}

// checkTopological confirms the graph has a topological order
func (g FallbackGraph) checkTopological() error {
	var edges []toposort.Edge
	for _, from := range g.sortedNodes() {
		to := g[from]
		if to == "" {
			edges = append(edges, toposort.Edge{nil, from})
			continue
		}
		edges = append(edges, toposort.Edge{from, to})
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", ErrFallbackCycle, err)
	}
	return nil
}

func (g FallbackGraph) sortedNodes() []model.AgentID {
	nodes := make([]model.AgentID, 0, len(g))
	for id := range g {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

func joinIDs(ids []model.AgentID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}
