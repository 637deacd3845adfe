// Package merge decides which logical channel a provider stream belongs to
// and applies operator split/merge corrections.
package merge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"iptv-hub/work/database"
	"iptv-hub/work/logger"
	"iptv-hub/work/matcher"
	"iptv-hub/work/metrics"
	"iptv-hub/work/quality"
	"iptv-hub/work/types"
)

// DefaultThreshold is the minimum similarity for a fuzzy merge.
const DefaultThreshold = 85

// ReasonNewChannel is recorded on variants that seeded their channel.
const ReasonNewChannel = "first stream for new channel"

var (
	ErrInvalidRule  = errors.New("invalid merge rule")
	ErrInvalidEntry = errors.New("invalid stream entry")
	ErrInvalidMerge = errors.New("invalid merge request")

	// ErrNotFound is the store's not-found sentinel.
	ErrNotFound = database.ErrNotFound
)

// Store is the persistence the engine needs.
type Store interface {
	FindChannelsByKey(ctx context.Context, normalized string) ([]*types.LogicalChannel, error)
	ListChannels(ctx context.Context, includeDisabled bool) ([]*types.LogicalChannel, error)
	GetChannel(ctx context.Context, id int64) (*types.LogicalChannel, error)
	CreateChannel(ctx context.Context, ch *types.LogicalChannel) (int64, error)
	SetChannelLogoIfEmpty(ctx context.Context, id int64, logoURL string) (bool, error)
	DeleteChannel(ctx context.Context, id int64) error
	RecomputeStreamCount(ctx context.Context, channelID int64) error

	FindVariantByProviderURL(ctx context.Context, providerID int64, url string) (*types.StreamVariant, error)
	CreateVariant(ctx context.Context, v *types.StreamVariant) (int64, bool, error)
	UpdateVariantQuality(ctx context.Context, v *types.StreamVariant) error
	GetVariants(ctx context.Context, ids []int64) ([]*types.StreamVariant, error)
	ListVariantsForChannel(ctx context.Context, channelID int64) ([]*types.StreamVariant, error)
	SetPriorityOrders(ctx context.Context, variants []*types.StreamVariant) error

	SplitChannel(ctx context.Context, sourceID int64, variantIDs []int64, ch *types.LogicalChannel, reason string) error
	MergeChannels(ctx context.Context, sourceID, targetID int64, reason string) (int, error)

	CreateRule(ctx context.Context, r *types.MergeRule) (int64, error)
	ListRules(ctx context.Context) ([]*types.MergeRule, error)
	DeleteRule(ctx context.Context, id int64) error
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error
}

// Candidate is the identity of an incoming stream as the engine sees it.
type Candidate struct {
	Name       string
	ProviderID int64
	LogoURL    string
	Category   string
	Region     string
	Variant    string
}

// CandidateFromEntry extracts region and variant from the entry's name.
func CandidateFromEntry(entry *types.ProviderStreamEntry) Candidate {
	logo := entry.LogoURL
	if logo == "" {
		logo = entry.Metadata.TvgLogo
	}
	return Candidate{
		Name:       strings.TrimSpace(entry.Name),
		ProviderID: entry.ProviderID,
		LogoURL:    logo,
		Category:   entry.Group,
		Region:     matcher.ExtractRegion(entry.Name),
		Variant:    matcher.ExtractVariant(entry.Name),
	}
}

// Engine resolves provider streams to logical channels. Resolution is
// serialized per normalized name; unrelated names resolve in parallel.
type Engine struct {
	store     Store
	detector  *quality.Detector
	threshold int
	locks     *xsync.MapOf[string, *keyLock]
	rules     atomic.Pointer[[]*compiledRule]
}

// keyLock is a per-key mutex with a count of goroutines holding or waiting
// on it. refs is only changed inside locks.Compute.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates an engine. A nil detector detects from names and URLs
// only; a non-positive threshold uses DefaultThreshold.
func NewEngine(store Store, detector *quality.Detector, threshold int) *Engine {
	if detector == nil {
		detector = quality.NewDetector(nil)
	}
	if threshold <= 0 || threshold > 100 {
		threshold = DefaultThreshold
	}
	return &Engine{
		store:     store,
		detector:  detector,
		threshold: threshold,
		locks:     xsync.NewMapOf[string, *keyLock](),
	}
}

// Threshold returns the fuzzy-merge threshold.
func (e *Engine) Threshold() int { return e.threshold }

// lockKey locks key and returns its unlock. The entry is dropped when its
// last holder unlocks, so the map only tracks keys in use.
func (e *Engine) lockKey(key string) func() {
	l, _ := e.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
			old.refs--
			return old, old.refs == 0
		})
	}
}

// lockKeys locks several keys in sorted order, skipping duplicates.
func (e *Engine) lockKeys(keys ...string) func() {
	keys = slices.Compact(slices.Sorted(slices.Values(keys)))
	unlocks := make([]func(), 0, len(keys))
	for _, k := range keys {
		unlocks = append(unlocks, e.lockKey(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// urlKey is the lock key of one provider URL. Names never contain NUL, so it
// cannot collide with a normalized name.
func urlKey(providerID int64, url string) string {
	return fmt.Sprintf("\x00url\x00%d\x00%s", providerID, url)
}

// ResolveChannel returns the channel the candidate belongs to, creating one
// when nothing matches.
func (e *Engine) ResolveChannel(ctx context.Context, c Candidate) (*types.LogicalChannel, types.MergeDecision, error) {
	key := matcher.Normalize(c.Name)
	if key == "" {
		return nil, types.MergeDecision{}, fmt.Errorf("%w: empty name", ErrInvalidEntry)
	}
	unlock := e.lockKey(key)
	defer unlock()
	return e.resolveLocked(ctx, key, c)
}

func (e *Engine) resolveLocked(ctx context.Context, key string, c Candidate) (*types.LogicalChannel, types.MergeDecision, error) {
	sameKey, err := e.store.FindChannelsByKey(ctx, key)
	if err != nil {
		return nil, types.MergeDecision{}, err
	}

	// 1. exact (key, region, variant)
	for _, ch := range sameKey {
		if strings.EqualFold(ch.Region, c.Region) && strings.EqualFold(ch.Variant, c.Variant) {
			e.backfillLogo(ctx, ch, c.LogoURL)
			return ch, types.MergeDecision{
				Method:     types.MergeExact,
				Confidence: 100,
				Reason:     fmt.Sprintf("exact match on %q", describeKey(key, c.Region, c.Variant)),
			}, nil
		}
	}

	// 2. rules
	rules := e.applicableRules(c.ProviderID)
	forced, rule, err := e.forcedTarget(ctx, rules, c, sameKey)
	if err != nil {
		return nil, types.MergeDecision{}, err
	}
	if forced != nil {
		e.backfillLogo(ctx, forced, c.LogoURL)
		reason := fmt.Sprintf("always_merge rule %d", rule.ID)
		if rule.Reason != "" {
			reason += ": " + rule.Reason
		}
		return forced, types.MergeDecision{Method: types.MergeManual, Confidence: 100, Reason: reason}, nil
	}

	// 3. fuzzy among channels sharing the key
	if best, score := e.bestFuzzy(rules, c, sameKey); best != nil {
		e.backfillLogo(ctx, best, c.LogoURL)
		return best, types.MergeDecision{
			Method:     types.MergeFuzzy,
			Confidence: score,
			Reason:     fmt.Sprintf("fuzzy match %d%% with %q", score, best.Name),
		}, nil
	}

	// 4. new channel
	ch := &types.LogicalChannel{
		Name:           c.Name,
		NormalizedName: key,
		Region:         c.Region,
		Variant:        c.Variant,
		Category:       c.Category,
		LogoURL:        c.LogoURL,
		Enabled:        true,
	}
	if _, err := e.store.CreateChannel(ctx, ch); err != nil {
		return nil, types.MergeDecision{}, err
	}
	logger.Debug("{merge/engine - resolveLocked} [CHANNEL_NEW] %q as channel %d (key %q)", c.Name, ch.ID, key)
	return ch, types.MergeDecision{Method: types.MergeNew, Confidence: 100, Reason: ReasonNewChannel}, nil
}

func describeKey(key, region, variant string) string {
	parts := []string{key}
	if region != "" {
		parts = append(parts, region)
	}
	if variant != "" {
		parts = append(parts, variant)
	}
	return strings.Join(parts, " / ")
}

func (e *Engine) applicableRules(providerID int64) []*compiledRule {
	var out []*compiledRule
	for _, cr := range e.currentRules() {
		if cr.appliesTo(providerID) {
			out = append(out, cr)
		}
	}
	return out
}

// forcedTarget returns the channel selected by the highest-priority
// always_merge rule matching the candidate, if any. A rule with a second
// pattern may pick a channel outside the candidate's key.
func (e *Engine) forcedTarget(ctx context.Context, rules []*compiledRule, c Candidate, sameKey []*types.LogicalChannel) (*types.LogicalChannel, *types.MergeRule, error) {
	var everyChannel []*types.LogicalChannel
	loaded := false

	for _, cr := range rules {
		if cr.rule.Kind != types.RuleAlwaysMerge || !cr.matchesName(c.Name, c.Region) {
			continue
		}

		pool := sameKey
		if cr.re2 != nil {
			if !loaded {
				all, err := e.store.ListChannels(ctx, false)
				if err != nil {
					return nil, nil, err
				}
				everyChannel, loaded = all, true
			}
			pool = everyChannel
		}

		var target *types.LogicalChannel
		for _, ch := range pool {
			if !cr.matchesPair(c.Name, c.Region, ch.Name, ch.Region) {
				continue
			}
			if target == nil || ch.ID < target.ID {
				target = ch
			}
		}
		if target != nil {
			return target, cr.rule, nil
		}
	}
	return nil, nil, nil
}

// vetoed reports whether a never_merge rule forbids merging c into ch.
func vetoed(rules []*compiledRule, c Candidate, ch *types.LogicalChannel) bool {
	for _, cr := range rules {
		if cr.rule.Kind == types.RuleNeverMerge && cr.matchesPair(c.Name, c.Region, ch.Name, ch.Region) {
			return true
		}
	}
	return false
}

// bestFuzzy picks the highest-scoring qualifying channel; ties go to the
// lowest id. Region and variant disqualify when both sides carry one. Scores
// compare cleaned names, which keep qualifier tokens; every channel here
// shares the normalized key already.
func (e *Engine) bestFuzzy(rules []*compiledRule, c Candidate, sameKey []*types.LogicalChannel) (*types.LogicalChannel, int) {
	cleaned := matcher.Clean(c.Name)

	var best *types.LogicalChannel
	bestScore := -1
	for _, ch := range sameKey {
		if !matcher.SameQualifier(c.Region, ch.Region) || !matcher.SameQualifier(c.Variant, ch.Variant) {
			continue
		}
		if vetoed(rules, c, ch) {
			continue
		}
		score := matcher.Similarity(cleaned, matcher.Clean(ch.Name))
		if score < e.threshold {
			continue
		}
		if score > bestScore || (score == bestScore && ch.ID < best.ID) {
			best, bestScore = ch, score
		}
	}
	return best, bestScore
}

func (e *Engine) backfillLogo(ctx context.Context, ch *types.LogicalChannel, logoURL string) {
	if ch.LogoURL != "" || logoURL == "" {
		return
	}
	set, err := e.store.SetChannelLogoIfEmpty(ctx, ch.ID, logoURL)
	if err != nil {
		logger.Warn("{merge/engine - backfillLogo} channel %d: %v", ch.ID, err)
		return
	}
	if set {
		ch.LogoURL = logoURL
	}
}

// Resolve attaches a provider stream to its channel and returns the channel
// id, the variant id and the merge decision. An already-known (provider, URL)
// keeps its channel and provenance; only its quality is refreshed.
func (e *Engine) Resolve(ctx context.Context, entry *types.ProviderStreamEntry) (int64, int64, types.MergeDecision, error) {
	c := CandidateFromEntry(entry)
	if c.Name == "" || strings.TrimSpace(entry.URL) == "" {
		return 0, 0, types.MergeDecision{}, fmt.Errorf("%w: name and url are required", ErrInvalidEntry)
	}
	key := matcher.Normalize(c.Name)

	// Detection may probe the network, so it runs outside the key lock.
	det := e.detector.Detect(ctx, c.Name, entry.URL)

	// The URL lock is always taken before the name lock. Two names carrying
	// the same URL then resolve one after the other.
	unlockURL := e.lockKey(urlKey(entry.ProviderID, entry.URL))
	defer unlockURL()
	unlock := e.lockKey(key)
	defer unlock()

	existing, err := e.store.FindVariantByProviderURL(ctx, entry.ProviderID, entry.URL)
	switch {
	case err == nil:
		if err := e.refresh(ctx, existing, entry, det); err != nil {
			return 0, 0, types.MergeDecision{}, err
		}
		return existing.ChannelID, existing.ID, existing.Decision(), nil
	case !errors.Is(err, ErrNotFound):
		return 0, 0, types.MergeDecision{}, err
	}

	ch, decision, err := e.resolveLocked(ctx, key, c)
	if err != nil {
		return 0, 0, types.MergeDecision{}, err
	}

	v := &types.StreamVariant{
		ChannelID:        ch.ID,
		ProviderID:       entry.ProviderID,
		URL:              entry.URL,
		ExternalID:       entry.StreamID,
		Format:           formatOf(entry),
		OriginalName:     c.Name,
		OriginalCategory: entry.Group,
		MergeMethod:      decision.Method,
		MergeConfidence:  decision.Confidence,
		MergeReason:      decision.Reason,
	}
	det.ApplyTo(v)

	id, created, err := e.store.CreateVariant(ctx, v)
	if err != nil {
		return 0, 0, types.MergeDecision{}, err
	}
	if !created {
		// Another writer stored the URL first. A channel created just for
		// this variant would stay empty.
		if decision.Method == types.MergeNew {
			if err := e.store.DeleteChannel(ctx, ch.ID); err != nil {
				logger.Warn("{merge/engine - Resolve} channel %d: failed to drop empty channel: %v", ch.ID, err)
			}
		}
		stored, err := e.store.FindVariantByProviderURL(ctx, entry.ProviderID, entry.URL)
		if err != nil {
			return 0, 0, types.MergeDecision{}, err
		}
		return stored.ChannelID, id, stored.Decision(), nil
	}

	if err := e.store.RecomputeStreamCount(ctx, ch.ID); err != nil {
		return 0, 0, types.MergeDecision{}, err
	}
	if err := e.Rerank(ctx, ch.ID); err != nil {
		return 0, 0, types.MergeDecision{}, err
	}

	metrics.MergeDecisions.WithLabelValues(string(decision.Method)).Inc()
	logger.Debug("{merge/engine - Resolve} [MERGE_%s] %q -> channel %d (%d%%): %s",
		strings.ToUpper(string(decision.Method)), c.Name, ch.ID, decision.Confidence, decision.Reason)
	return ch.ID, id, decision, nil
}

func formatOf(entry *types.ProviderStreamEntry) string {
	if entry.Metadata.Format != "" {
		return entry.Metadata.Format
	}
	return types.StreamFormat(entry.URL)
}

// refresh updates quality fields of a re-ingested variant. A failed detection
// never overwrites a known resolution.
func (e *Engine) refresh(ctx context.Context, v *types.StreamVariant, entry *types.ProviderStreamEntry, det quality.Detection) error {
	changed := v.ExternalID != entry.StreamID || v.OriginalCategory != entry.Group
	v.ExternalID = entry.StreamID
	v.OriginalCategory = entry.Group

	if det.Tier != quality.TierUnknown && (det.Resolution() != v.Resolution || det.Method != v.DetectionMethod ||
		(det.Bitrate != 0 && det.Bitrate != v.Bitrate)) {
		bitrate := v.Bitrate
		det.ApplyTo(v)
		if det.Bitrate == 0 {
			v.Bitrate = bitrate
			v.QualityScore = quality.Score(det.Tier, bitrate)
		}
		changed = true
	}
	if !changed {
		return nil
	}

	if err := e.store.UpdateVariantQuality(ctx, v); err != nil {
		return err
	}
	return e.Rerank(ctx, v.ChannelID)
}

// Rerank recomputes the failover order of a channel's variants.
func (e *Engine) Rerank(ctx context.Context, channelID int64) error {
	variants, err := e.store.ListVariantsForChannel(ctx, channelID)
	if err != nil {
		return err
	}
	return e.store.SetPriorityOrders(ctx, quality.Rank(variants))
}
