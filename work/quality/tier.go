// Package quality ranks stream variants by declared or probed resolution and
// bitrate, producing the failover order of a channel.
package quality

import (
	"sort"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"iptv-hub/work/types"
)

// Tier is an ordinal resolution class. Higher is better.
type Tier int

const (
	TierUnknown Tier = iota
	Tier360p
	Tier480p
	Tier576p
	Tier720p
	Tier1080p
	Tier1440p
	Tier4K
	Tier8K
)

// BitrateBonus is added when a variant meets its tier's expected bitrate.
const BitrateBonus = 50

type tierInfo struct {
	label   string
	base    int
	minKbps int
}

var tiers = map[Tier]tierInfo{
	TierUnknown: {"", 0, 0},
	Tier360p:    {"360p", 200, 500},
	Tier480p:    {"480p", 400, 1000},
	Tier576p:    {"576p", 500, 1500},
	Tier720p:    {"720p", 600, 2500},
	Tier1080p:   {"1080p", 700, 5000},
	Tier1440p:   {"1440p", 800, 8000},
	Tier4K:      {"4K", 900, 15000},
	Tier8K:      {"8K", 1000, 40000},
}

// resolutionTokens is checked best tier first, so "4K UHD HD" reads as 4K.
var resolutionTokens = []struct {
	token string
	tier  Tier
}{
	{"8k", Tier8K}, {"4320p", Tier8K},
	{"4k", Tier4K}, {"2160p", Tier4K}, {"uhd", Tier4K},
	{"1440p", Tier1440p}, {"qhd", Tier1440p},
	{"1080p", Tier1080p}, {"1080i", Tier1080p}, {"fhd", Tier1080p},
	{"720p", Tier720p}, {"hd", Tier720p},
	{"576p", Tier576p},
	{"480p", Tier480p}, {"sd", Tier480p},
	{"360p", Tier360p},
}

var (
	wordSplit      = regexp.MustCompile(`[^a-z0-9]+`)
	dimensionMatch = regexp.MustCompile(`^(\d{2,5})x(\d{2,5})$`)
)

// String returns the tier label, "" for unknown.
func (t Tier) String() string { return tiers[t].label }

// BaseScore is the score of the tier before bitrate adjustment.
func (t Tier) BaseScore() int { return tiers[t].base }

// ExpectedBitrate is the minimum kbps a stream of this tier should carry.
func (t Tier) ExpectedBitrate() int { return tiers[t].minKbps }

// TierFromHeight maps a vertical pixel count to a tier. Anything below 360
// lines is floored into the 360p tier.
func TierFromHeight(height int) Tier {
	switch {
	case height <= 0:
		return TierUnknown
	case height >= 4320:
		return Tier8K
	case height >= 2160:
		return Tier4K
	case height >= 1440:
		return Tier1440p
	case height >= 1080:
		return Tier1080p
	case height >= 720:
		return Tier720p
	case height >= 576:
		return Tier576p
	case height >= 480:
		return Tier480p
	default:
		return Tier360p
	}
}

// ParseResolution reads a stored resolution label ("1080p", "4K", "HD") or
// a "WxH" dimension string.
func ParseResolution(s string) Tier {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TierUnknown
	}
	if m := dimensionMatch.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[2])
		return TierFromHeight(h)
	}
	for _, rt := range resolutionTokens {
		if rt.token == s {
			return rt.tier
		}
	}
	return TierUnknown
}

// tierFromText finds the best resolution token among the words of s.
func tierFromText(s string) Tier {
	words := make(map[string]struct{})
	for _, w := range wordSplit.Split(strings.ToLower(s), -1) {
		if w != "" {
			words[w] = struct{}{}
		}
	}
	for _, rt := range resolutionTokens {
		if _, ok := words[rt.token]; ok {
			return rt.tier
		}
	}
	return TierUnknown
}

// Score combines tier and bitrate. Meeting the expected bitrate earns
// BitrateBonus; falling short scales the base score by the shortfall ratio.
// A zero bitrate means "not known" and leaves the base score alone.
func Score(t Tier, bitrateKbps int) int {
	score := t.BaseScore()
	expected := t.ExpectedBitrate()
	if bitrateKbps <= 0 || expected == 0 {
		return score
	}
	if bitrateKbps >= expected {
		return score + BitrateBonus
	}
	return score * bitrateKbps / expected
}

// Less orders variants for failover: active before inactive, then higher
// score, fewer consecutive failures and finally lower id.
func Less(a, b *types.StreamVariant) bool {
	if a.IsActive != b.IsActive {
		return a.IsActive
	}
	if a.QualityScore != b.QualityScore {
		return a.QualityScore > b.QualityScore
	}
	if a.ConsecutiveFailures != b.ConsecutiveFailures {
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	}
	return a.ID < b.ID
}

// Rank sorts variants into failover order in place and assigns
// PriorityOrder 0..n-1. The order is total, so ranking is deterministic.
func Rank(variants []*types.StreamVariant) []*types.StreamVariant {
	sort.SliceStable(variants, func(i, j int) bool {
		return Less(variants[i], variants[j])
	})
	for i, v := range variants {
		v.PriorityOrder = i
	}
	return variants
}
