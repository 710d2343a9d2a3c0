package matcher

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

// DefaultRules is the built-in classification order. The first rule whose keywords
// occur in the task text wins, so moving an entry changes routing for ambiguous tasks.
var DefaultRules = []model.KindRule{
	{Kind: model.KindDiagnostics, Keywords: []string{"diagnose", "debug", "troubleshoot", "investigate", "explain"}},
	{Kind: model.KindTesting, Keywords: []string{"test", "validate", "verify", "coverage", "check"}},
	{Kind: model.KindBenchmark, Keywords: []string{"benchmark", "performance", "profile", "speed", "throughput", "latency", "optimize"}},
	{Kind: model.KindSpecification, Keywords: []string{"spec", "specification", "architecture", "capacity", "design doc"}},
	{Kind: model.KindIntegration, Keywords: []string{"claude", "mcp", "sdk", "integration", "api"}},
	{Kind: model.KindOrchestration, Keywords: []string{"complex", "multi-step", "orchestrate", "deploy", "pipeline", "workflow"}},
	{Kind: model.KindAnalysis, Keywords: []string{"analyze", "plan", "research", "document", "review"}},
	{Kind: model.KindImplementation, Keywords: []string{"implement", "code", "build", "fix", "create", "add", "refactor", "write", "function", "class", "method"}},
}

// Matcher classifies free text into a task kind
type Matcher struct {
	logger *zap.Logger
	rules  []model.KindRule
}

// New creates a matcher over an ordered rule list
func New(rules []model.KindRule, logger *zap.Logger) (*Matcher, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}

	seen := make(map[model.TaskKind]bool, len(rules))
	normalized := make([]model.KindRule, 0, len(rules))
	for i, rule := range rules {
		if rule.Kind == model.KindUnknown {
			return nil, fmt.Errorf("rule %d has no kind", i)
		}
		if seen[rule.Kind] {
			return nil, fmt.Errorf("kind %s declared twice", rule.Kind)
		}
		seen[rule.Kind] = true

		keywords := make([]string, 0, len(rule.Keywords))
		for _, kw := range rule.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("kind %s has no keywords", rule.Kind)
		}
		normalized = append(normalized, model.KindRule{Kind: rule.Kind, Keywords: keywords})
	}

	return &Matcher{
		logger: logger.Named("matcher"),
		rules:  normalized,
	}, nil
}

// Classify returns the kind of the first rule with a keyword contained in text
func (m *Matcher) Classify(text string) model.TaskKind {
	kind, _ := m.Match(text)
	return kind
}

// Match is Classify that also returns the keyword that matched
func (m *Matcher) Match(text string) (model.TaskKind, string) {
	text = strings.ToLower(text)
	for _, rule := range m.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(text, kw) {
				m.logger.Debug("Task classified",
					zap.String("kind", string(rule.Kind)),
					zap.String("keyword", kw))
				return rule.Kind, kw
			}
		}
	}
	return model.KindUnknown, ""
}

// ClassifyTask classifies a task by its title and description
func (m *Matcher) ClassifyTask(task *model.Task) model.TaskKind {
	return m.Classify(task.Text())
}

// Rules returns a copy of the ordered rule list
func (m *Matcher) Rules() []model.KindRule {
	out := make([]model.KindRule, len(m.rules))
	for i, r := range m.rules {
		out[i] = model.KindRule{Kind: r.Kind, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}

// Keywords returns the keyword set declared for kind
func (m *Matcher) Keywords(kind model.TaskKind) []string {
	for _, r := range m.rules {
		if r.Kind == kind {
			return append([]string(nil), r.Keywords...)
		}
	}
	return nil
}
