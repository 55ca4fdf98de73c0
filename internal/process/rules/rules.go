// Package rules evaluates operator-defined priority rules against newly
// ingested items. Keyword and regex rules are matched locally; semantic
// rules are delegated to the language model.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

const (
	minScore = 0
	maxScore = 100

	semanticMatchThreshold = 0.6
)

// SemanticEvaluator checks one semantic rule against one item. The
// implementation serializes calls through the shared LLM handle, so the
// engine never talks to the model concurrently with the LLM worker.
type SemanticEvaluator interface {
	EvaluateRule(ctx context.Context, rulePattern, title, content string) (matched bool, confidence float64, err error)
}

// Match is one rule an item matched.
type Match struct {
	Rule       domain.Rule
	Confidence float64
}

// Outcome is the aggregate effect of all matched rules on an item.
type Outcome struct {
	Matches  []Match
	Priority domain.Priority
	Score    int
	Changed  bool
}

// Engine evaluates rules. Compiled regexes are cached by pattern.
type Engine struct {
	semantic SemanticEvaluator
	logger   *zerolog.Logger

	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// NewEngine creates a rule engine. semantic may be nil, in which case
// semantic rules are skipped.
func NewEngine(semantic SemanticEvaluator, logger *zerolog.Logger) *Engine {
	return &Engine{
		semantic: semantic,
		logger:   logger,
		cache:    make(map[string]*regexp.Regexp),
	}
}

// Evaluate runs every enabled rule against the item and folds the
// matches into a priority outcome. Rule target priorities only ever
// upgrade; boosts accumulate onto the score within [0,100].
func (e *Engine) Evaluate(ctx context.Context, item *domain.Item, ruleSet []domain.Rule) Outcome {
	out := Outcome{Priority: item.Priority, Score: item.PriorityScore}

	for _, rule := range ruleSet {
		matched, confidence := e.evaluateOne(ctx, item, rule)
		if !matched {
			continue
		}

		out.Matches = append(out.Matches, Match{Rule: rule, Confidence: confidence})

		if rule.Boost != 0 {
			out.Score = clampScore(out.Score + rule.Boost)
			out.Changed = true
		}

		if rule.TargetPriority != "" && priorityRank(rule.TargetPriority) > priorityRank(out.Priority) {
			out.Priority = rule.TargetPriority
			out.Score = domain.MergeScore(out.Score, baselineFor(rule.TargetPriority), false)
			out.Changed = true
		}
	}

	return out
}

func (e *Engine) evaluateOne(ctx context.Context, item *domain.Item, rule domain.Rule) (bool, float64) {
	text := item.Title + "\n" + item.Content

	switch rule.Type {
	case domain.RuleKeyword:
		return matchKeywords(text, rule.Pattern), 1

	case domain.RuleRegex:
		re, err := e.compile(rule.Pattern)
		if err != nil {
			e.logger.Warn().Err(err).Int64("rule_id", rule.ID).Msg("invalid regex rule")
			return false, 0
		}

		return re.MatchString(text), 1

	case domain.RuleSemantic:
		if e.semantic == nil {
			return false, 0
		}

		matched, confidence, err := e.semantic.EvaluateRule(ctx, rule.Pattern, item.Title, item.Content)
		if err != nil {
			e.logger.Warn().Err(err).Int64("rule_id", rule.ID).Msg("semantic rule evaluation failed")
			return false, 0
		}

		return matched && confidence >= semanticMatchThreshold, confidence

	default:
		e.logger.Warn().Str("rule_type", string(rule.Type)).Msg("unknown rule type")
		return false, 0
	}
}

// matchKeywords treats the pattern as comma-separated keywords; any one
// of them matching, case-insensitively, matches the rule.
func matchKeywords(text, pattern string) bool {
	lower := strings.ToLower(text)

	for _, kw := range strings.Split(pattern, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}

	return false
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.cache[pattern]; ok {
		return re, nil
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compile rule pattern: %w", err)
	}

	e.cache[pattern] = re

	return re, nil
}

func clampScore(score int) int {
	if score < minScore {
		return minScore
	}

	if score > maxScore {
		return maxScore
	}

	return score
}

func priorityRank(p domain.Priority) int {
	switch p {
	case domain.PriorityHigh:
		return 3
	case domain.PriorityMedium:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}

func baselineFor(p domain.Priority) int {
	switch p {
	case domain.PriorityHigh:
		return domain.ScoreHigh
	case domain.PriorityMedium:
		return domain.ScoreMedium
	case domain.PriorityLow:
		return domain.ScoreLow
	default:
		return domain.ScoreIrrelevant
	}
}
