package db

import (
	"context"
	"fmt"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// ListEnabledRules returns the enabled priority rules in evaluation order.
func (db *DB) ListEnabledRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, rule_type, pattern, boost, target_priority, enabled, position
		FROM rules WHERE enabled ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.Rule

	for rows.Next() {
		var (
			r        domain.Rule
			ruleType string
			target   string
		)

		if err := rows.Scan(&r.ID, &r.Name, &ruleType, &r.Pattern, &r.Boost, &target, &r.Enabled, &r.Position); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}

		r.Type = domain.RuleType(ruleType)
		r.TargetPriority = domain.Priority(target)
		rules = append(rules, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}

	return rules, nil
}

// RecordRuleMatch links an item to a rule it matched. Repeated matches
// of the same pair are idempotent.
func (db *DB) RecordRuleMatch(ctx context.Context, itemID, ruleID int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO item_rule_matches (item_id, rule_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, itemID, ruleID)
	if err != nil {
		return fmt.Errorf("record rule match: %w", err)
	}

	return nil
}
