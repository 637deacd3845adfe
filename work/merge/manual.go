package merge

import (
	"context"
	"fmt"
	"strings"

	"iptv-hub/work/logger"
	"iptv-hub/work/matcher"
	"iptv-hub/work/metrics"
	"iptv-hub/work/types"
)

const (
	defaultSplitReason = "manual split by operator"
	defaultMergeReason = "manual merge by operator"
)

// Split moves the listed variants of channelID into a new channel. The new
// channel is named newName, else after the first variant's original name,
// else "<source name> (Split)".
func (e *Engine) Split(ctx context.Context, channelID int64, variantIDs []int64, newName, reason string) (*types.LogicalChannel, error) {
	if len(variantIDs) == 0 {
		return nil, fmt.Errorf("%w: no variants to split", ErrInvalidMerge)
	}

	src, err := e.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	variants, err := e.store.GetVariants(ctx, variantIDs)
	if err != nil {
		return nil, err
	}
	if len(variants) != len(uniqueIDs(variantIDs)) {
		return nil, fmt.Errorf("split channel %d: unknown variant: %w", channelID, ErrNotFound)
	}
	for _, v := range variants {
		if v.ChannelID != channelID {
			return nil, fmt.Errorf("%w: variant %d belongs to channel %d", ErrInvalidMerge, v.ID, v.ChannelID)
		}
	}

	name := strings.TrimSpace(newName)
	if name == "" {
		name = strings.TrimSpace(variants[0].OriginalName)
	}
	if name == "" {
		name = src.Name + " (Split)"
	}
	if reason == "" {
		reason = defaultSplitReason
	}

	region := matcher.ExtractRegion(name)
	if region == "" {
		region = src.Region
	}
	variant := matcher.ExtractVariant(name)
	if variant == "" {
		variant = src.Variant
	}

	ch := &types.LogicalChannel{
		Name:           name,
		NormalizedName: matcher.Normalize(name),
		Region:         region,
		Variant:        variant,
		Category:       src.Category,
		LogoURL:        src.LogoURL,
		Enabled:        true,
	}

	// Splits change membership of an existing key; serialize with ingestion.
	unlock := e.lockKey(src.NormalizedName)
	err = e.store.SplitChannel(ctx, channelID, uniqueIDs(variantIDs), ch, reason)
	unlock()
	if err != nil {
		return nil, err
	}

	for _, id := range []int64{channelID, ch.ID} {
		if err := e.Rerank(ctx, id); err != nil {
			return nil, err
		}
	}

	metrics.MergeDecisions.WithLabelValues(string(types.MergeManual)).Inc()
	logger.Info("{merge/manual - Split} [CHANNEL_SPLIT] channel %d: moved %d variants to new channel %d %q (%s)",
		channelID, len(variants), ch.ID, ch.Name, reason)
	return e.store.GetChannel(ctx, ch.ID)
}

// ForceMerge moves every variant of sourceID into targetID and disables the
// source. It returns the number of variants moved.
func (e *Engine) ForceMerge(ctx context.Context, sourceID, targetID int64, reason string) (int, error) {
	if sourceID == targetID {
		return 0, fmt.Errorf("%w: channel %d cannot merge into itself", ErrInvalidMerge, sourceID)
	}
	if reason == "" {
		reason = defaultMergeReason
	}

	src, err := e.store.GetChannel(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	dst, err := e.store.GetChannel(ctx, targetID)
	if err != nil {
		return 0, err
	}

	// Ingestion of either key waits, so no stream lands on the source after
	// its variants moved.
	unlock := e.lockKeys(src.NormalizedName, dst.NormalizedName)
	moved, err := e.store.MergeChannels(ctx, sourceID, targetID, reason)
	unlock()
	if err != nil {
		return 0, err
	}
	if err := e.Rerank(ctx, targetID); err != nil {
		return moved, err
	}

	metrics.MergeDecisions.WithLabelValues(string(types.MergeManual)).Inc()
	logger.Info("{merge/manual - ForceMerge} [CHANNEL_MERGE] channel %d -> %d: moved %d variants (%s)",
		sourceID, targetID, moved, reason)
	return moved, nil
}

// Details is the provenance view of one channel.
type Details struct {
	Channel  *types.LogicalChannel  `json:"channel"`
	Variants []*types.StreamVariant `json:"variants"`
	Methods  map[string]int         `json:"methods"`
}

// MergeDetails returns a channel with its variants in priority order and a
// count of how each variant was attached.
func (e *Engine) MergeDetails(ctx context.Context, channelID int64) (*Details, error) {
	ch, err := e.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	variants, err := e.store.ListVariantsForChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	methods := make(map[string]int)
	for _, v := range variants {
		methods[string(v.MergeMethod)]++
	}
	return &Details{Channel: ch, Variants: variants, Methods: methods}, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
