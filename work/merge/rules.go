package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/grafana/regexp"

	"iptv-hub/work/logger"
	"iptv-hub/work/types"
)

// compiledRule is an enabled MergeRule with its patterns compiled.
type compiledRule struct {
	rule *types.MergeRule
	re1  *regexp.Regexp
	re2  *regexp.Regexp // nil when the rule has no second pattern
}

func compilePattern(p string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + p)
}

func compileRule(r *types.MergeRule) (*compiledRule, error) {
	switch r.Kind {
	case types.RuleNeverMerge, types.RuleAlwaysMerge:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	if strings.TrimSpace(r.Pattern1) == "" {
		return nil, fmt.Errorf("%w: pattern1 is required", ErrInvalidRule)
	}

	re1, err := compilePattern(r.Pattern1)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern1: %v", ErrInvalidRule, err)
	}
	cr := &compiledRule{rule: r, re1: re1}
	if r.Pattern2 != "" {
		if cr.re2, err = compilePattern(r.Pattern2); err != nil {
			return nil, fmt.Errorf("%w: pattern2: %v", ErrInvalidRule, err)
		}
	}
	return cr, nil
}

func (cr *compiledRule) appliesTo(providerID int64) bool {
	return cr.rule.ProviderID == 0 || cr.rule.ProviderID == providerID
}

// side reports whether name (with region) satisfies one side of the rule.
func side(re *regexp.Regexp, wantRegion, name, region string) bool {
	if re == nil || !re.MatchString(name) {
		return false
	}
	return wantRegion == "" || strings.EqualFold(wantRegion, region)
}

// matchesPair reports whether the rule relates the two names, in either order.
func (cr *compiledRule) matchesPair(nameA, regionA, nameB, regionB string) bool {
	r := cr.rule
	if cr.re2 == nil {
		return side(cr.re1, r.Region1, nameA, regionA)
	}
	if side(cr.re1, r.Region1, nameA, regionA) && side(cr.re2, r.Region2, nameB, regionB) {
		return true
	}
	return side(cr.re1, r.Region1, nameB, regionB) && side(cr.re2, r.Region2, nameA, regionA)
}

// matchesName reports whether the rule's first pattern (or, for two-pattern
// rules, either pattern) matches a name on its own.
func (cr *compiledRule) matchesName(name, region string) bool {
	if side(cr.re1, cr.rule.Region1, name, region) {
		return true
	}
	return side(cr.re2, cr.rule.Region2, name, region)
}

func (e *Engine) currentRules() []*compiledRule {
	if rules := e.rules.Load(); rules != nil {
		return *rules
	}
	return nil
}

// LoadRules compiles every enabled rule from the store and swaps them in.
// Stored rules that no longer compile are skipped.
func (e *Engine) LoadRules(ctx context.Context) error {
	stored, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	compiled := make([]*compiledRule, 0, len(stored))
	for _, r := range stored {
		if !r.Enabled {
			continue
		}
		cr, err := compileRule(r)
		if err != nil {
			logger.Warn("{merge/rules - LoadRules} skipping rule %d: %v", r.ID, err)
			continue
		}
		compiled = append(compiled, cr)
	}

	e.rules.Store(&compiled)
	logger.Debug("{merge/rules - LoadRules} loaded %d active merge rules", len(compiled))
	return nil
}

// CreateRule validates and stores a rule. A malformed pattern is rejected
// here so matching never sees it.
func (e *Engine) CreateRule(ctx context.Context, r *types.MergeRule) (*types.MergeRule, error) {
	if _, err := compileRule(r); err != nil {
		return nil, err
	}
	if _, err := e.store.CreateRule(ctx, r); err != nil {
		return nil, err
	}
	logger.Info("{merge/rules - CreateRule} created %s rule %d (%q, %q)", r.Kind, r.ID, r.Pattern1, r.Pattern2)
	return r, e.LoadRules(ctx)
}

// ListRules returns every stored rule, highest priority first.
func (e *Engine) ListRules(ctx context.Context) ([]*types.MergeRule, error) {
	return e.store.ListRules(ctx)
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	return e.LoadRules(ctx)
}

// SetRuleEnabled toggles a rule.
func (e *Engine) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := e.store.SetRuleEnabled(ctx, id, enabled); err != nil {
		return err
	}
	return e.LoadRules(ctx)
}
