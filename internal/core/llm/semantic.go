package llm

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// SemanticEvaluator answers semantic rule checks through the provider
// chain. Calls are serialized so rule evaluation at intake cannot
// monopolize the single local inference slot the item worker also uses.
type SemanticEvaluator struct {
	registry *Registry
	store    PromptStore
	logger   *zerolog.Logger

	mu sync.Mutex
}

// NewSemanticEvaluator creates an evaluator over the provider chain.
// store may be nil; the built-in prompt is used then.
func NewSemanticEvaluator(registry *Registry, store PromptStore, logger *zerolog.Logger) *SemanticEvaluator {
	return &SemanticEvaluator{registry: registry, store: store, logger: logger}
}

// EvaluateRule asks the model whether the item matches the rule pattern.
// An unreachable chain is an error; an unparseable reply is a non-match.
func (e *SemanticEvaluator) EvaluateRule(ctx context.Context, rulePattern, title, content string) (bool, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	system := SemanticRulePrompt(ctx, e.store)
	user := BuildSemanticRulePrompt(rulePattern, title, content)

	reply, provider, err := e.registry.Chat(ctx, system, user)
	if err != nil {
		return false, 0, err
	}

	res := ParseSemanticRuleResult(reply)

	e.logger.Debug().
		Str("provider", provider.Name()).
		Bool("matches", res.Matches).
		Float64("confidence", res.Confidence).
		Msg("semantic rule evaluated")

	return res.Matches, res.Confidence, nil
}
