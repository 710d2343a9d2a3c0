package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/slate-dev/slate/internal/model"
)

// Prober checks whether an agent's backing runtime is reachable
type Prober interface {
	Probe(ctx context.Context, agent model.Agent) error
}

// ProberFunc adapts a function to the Prober interface
type ProberFunc func(ctx context.Context, agent model.Agent) error

// Probe calls f
func (f ProberFunc) Probe(ctx context.Context, agent model.Agent) error {
	return f(ctx, agent)
}

// OllamaProber checks the local LLM runtime that GPU agents run on
type OllamaProber struct {
	client  *api.Client
	timeout time.Duration
}

// NewOllamaProber creates a prober for the Ollama server at rawURL
func NewOllamaProber(rawURL string, timeout time.Duration) (*OllamaProber, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ollama url: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &OllamaProber{
		client:  api.NewClient(base, &http.Client{Timeout: timeout}),
		timeout: timeout,
	}, nil
}

// Probe sends a heartbeat to the Ollama server
func (p *OllamaProber) Probe(ctx context.Context, agent model.Agent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama heartbeat failed for %s: %w", agent.ID, err)
	}
	return nil
}
