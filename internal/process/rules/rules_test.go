package rules

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

type fakeSemantic struct {
	matched    bool
	confidence float64
	err        error
	calls      int
}

func (f *fakeSemantic) EvaluateRule(context.Context, string, string, string) (bool, float64, error) {
	f.calls++
	return f.matched, f.confidence, f.err
}

func newTestItem() *domain.Item {
	return &domain.Item{
		Title:         "Referentenentwurf zur Pflegereform",
		Content:       "Das BMG hat den Entwurf zur Reform der Pflegeversicherung vorgelegt.",
		Priority:      domain.PriorityLow,
		PriorityScore: domain.ScoreLow,
	}
}

func TestEngine_KeywordUpgrade(t *testing.T) {
	logger := zerolog.Nop()
	engine := NewEngine(nil, &logger)

	out := engine.Evaluate(context.Background(), newTestItem(), []domain.Rule{
		{ID: 1, Type: domain.RuleKeyword, Pattern: "pflegereform, pflegeversicherung", TargetPriority: domain.PriorityHigh},
	})

	require.Len(t, out.Matches, 1)
	assert.True(t, out.Changed)
	assert.Equal(t, domain.PriorityHigh, out.Priority)
	assert.Equal(t, domain.ScoreHigh, out.Score)
}

func TestEngine_TargetPriorityNeverDowngrades(t *testing.T) {
	logger := zerolog.Nop()
	engine := NewEngine(nil, &logger)

	item := newTestItem()
	item.Priority = domain.PriorityHigh
	item.PriorityScore = domain.ScoreHigh

	out := engine.Evaluate(context.Background(), item, []domain.Rule{
		{ID: 1, Type: domain.RuleKeyword, Pattern: "pflege", TargetPriority: domain.PriorityLow},
	})

	require.Len(t, out.Matches, 1)
	assert.Equal(t, domain.PriorityHigh, out.Priority)
	assert.Equal(t, domain.ScoreHigh, out.Score)
}

func TestEngine_BoostClamped(t *testing.T) {
	logger := zerolog.Nop()
	engine := NewEngine(nil, &logger)

	item := newTestItem()
	item.PriorityScore = 95

	out := engine.Evaluate(context.Background(), item, []domain.Rule{
		{ID: 1, Type: domain.RuleKeyword, Pattern: "entwurf", Boost: 20},
	})

	assert.Equal(t, 100, out.Score)
}

func TestEngine_RegexRule(t *testing.T) {
	logger := zerolog.Nop()
	engine := NewEngine(nil, &logger)

	out := engine.Evaluate(context.Background(), newTestItem(), []domain.Rule{
		{ID: 1, Type: domain.RuleRegex, Pattern: `pflege(reform|versicherung)`, Boost: 10},
	})

	require.Len(t, out.Matches, 1)
	assert.Equal(t, domain.ScoreLow+10, out.Score)
}

func TestEngine_InvalidRegexIsSkipped(t *testing.T) {
	logger := zerolog.Nop()
	engine := NewEngine(nil, &logger)

	out := engine.Evaluate(context.Background(), newTestItem(), []domain.Rule{
		{ID: 1, Type: domain.RuleRegex, Pattern: `([`, Boost: 10},
	})

	assert.Empty(t, out.Matches)
	assert.False(t, out.Changed)
}

func TestEngine_SemanticRule(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("match above threshold", func(t *testing.T) {
		sem := &fakeSemantic{matched: true, confidence: 0.8}
		engine := NewEngine(sem, &logger)

		out := engine.Evaluate(context.Background(), newTestItem(), []domain.Rule{
			{ID: 1, Type: domain.RuleSemantic, Pattern: "Betrifft die Finanzierung der Pflege", Boost: 15},
		})

		require.Len(t, out.Matches, 1)
		assert.InDelta(t, 0.8, out.Matches[0].Confidence, 1e-9)
		assert.Equal(t, 1, sem.calls)
	})

	t.Run("low confidence is no match", func(t *testing.T) {
		sem := &fakeSemantic{matched: true, confidence: 0.3}
		engine := NewEngine(sem, &logger)

		out := engine.Evaluate(context.Background(), newTestItem(), []domain.Rule{
			{ID: 1, Type: domain.RuleSemantic, Pattern: "irgendwas", Boost: 15},
		})

		assert.Empty(t, out.Matches)
	})

	t.Run("nil evaluator skips semantic rules", func(t *testing.T) {
		engine := NewEngine(nil, &logger)

		out := engine.Evaluate(context.Background(), newTestItem(), []domain.Rule{
			{ID: 1, Type: domain.RuleSemantic, Pattern: "irgendwas", Boost: 15},
		})

		assert.Empty(t, out.Matches)
	})
}
