package database

import (
	"context"
	"fmt"
	"time"

	"iptv-hub/work/types"
)

// CreateRule inserts a merge rule and sets r.ID.
func (db *DB) CreateRule(ctx context.Context, r *types.MergeRule) (int64, error) {
	now := time.Now()
	res, err := db.ExecContext(ctx, `
		INSERT INTO merge_rules (kind, pattern1, pattern2, region1, region2, provider_id, priority, enabled, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.Kind), r.Pattern1, r.Pattern2, r.Region1, r.Region2, r.ProviderID,
		r.Priority, boolInt(r.Enabled), r.Reason, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to create rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get rule ID: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	return id, nil
}

// ListRules returns every rule, highest priority first.
func (db *DB) ListRules(ctx context.Context) ([]*types.MergeRule, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, pattern1, pattern2, region1, region2, provider_id, priority, enabled, reason, created_at
		FROM merge_rules
		ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	defer rows.Close()

	var rules []*types.MergeRule
	for rows.Next() {
		var r types.MergeRule
		var kind string
		var created int64
		if err := rows.Scan(&r.ID, &kind, &r.Pattern1, &r.Pattern2, &r.Region1, &r.Region2,
			&r.ProviderID, &r.Priority, &r.Enabled, &r.Reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Kind = types.RuleKind(kind)
		r.CreatedAt = fromMillis(created)
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// DeleteRule removes a rule.
func (db *DB) DeleteRule(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, "DELETE FROM merge_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRow(res, "rule", id)
}

// SetRuleEnabled toggles a rule.
func (db *DB) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := db.ExecContext(ctx, "UPDATE merge_rules SET enabled = ? WHERE id = ?", boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(res, "rule", id)
}
