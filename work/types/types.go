package types

import (
	"strings"
	"time"
)

// MergeMethod records how a stream variant came to belong to its channel.
type MergeMethod string

const (
	MergeExact  MergeMethod = "exact"  // Normalized name, region and variant matched an existing channel
	MergeFuzzy  MergeMethod = "fuzzy"  // Similarity above threshold within the same normalized key
	MergeManual MergeMethod = "manual" // Operator split/merge or an always_merge rule
	MergeNew    MergeMethod = "new"    // First stream seen for a new channel
)

// MergeDecision is the audit record attached to every channel assignment.
type MergeDecision struct {
	Method     MergeMethod `json:"method"`
	Confidence int         `json:"confidence"` // 0-100
	Reason     string      `json:"reason"`
}

// RuleKind distinguishes veto rules from forcing rules.
type RuleKind string

const (
	RuleNeverMerge  RuleKind = "never_merge"
	RuleAlwaysMerge RuleKind = "always_merge"
)

// Detection methods for stream resolution.
const (
	DetectedByName  = "name"
	DetectedByURL   = "url"
	DetectedByProbe = "probe"
	DetectedNone    = "none"
)

// Stream container formats.
const (
	FormatHLS = "m3u8"
	FormatTS  = "ts"
)

// EntryMetadata holds the known optional attributes a provider listing may carry.
// Anything else the provider sends lands in Extra.
type EntryMetadata struct {
	TvgID   string            `json:"tvgId,omitempty"`
	TvgName string            `json:"tvgName,omitempty"`
	TvgLogo string            `json:"tvgLogo,omitempty"`
	Format  string            `json:"format,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// ProviderStreamEntry is one raw listing produced by provider ingestion. It is
// consumed once by the merge engine and never stored as-is.
type ProviderStreamEntry struct {
	Name       string        // Raw channel name as the provider spells it
	Group      string        // Provider category / group-title
	URL        string        // Playable stream URL
	ProviderID int64         // Owning provider
	StreamID   string        // Optional provider-side identifier
	LogoURL    string        // Optional logo
	Metadata   EntryMetadata // Structured extras
}

// StreamFormat derives the container format from a stream URL.
func StreamFormat(url string) string {
	if strings.Contains(strings.ToLower(url), ".m3u8") {
		return FormatHLS
	}
	return FormatTS
}

// Provider is an upstream IPTV source.
type Provider struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	Username string `json:"-"`
	Password string `json:"-"`
	Enabled  bool   `json:"enabled"`
}

// LogicalChannel is the deduplicated, user-facing channel identity.
type LogicalChannel struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalizedName"`
	Region         string    `json:"region,omitempty"`
	Variant        string    `json:"variant,omitempty"`
	Category       string    `json:"category,omitempty"`
	LogoURL        string    `json:"logoUrl,omitempty"`
	Enabled        bool      `json:"enabled"`
	StreamCount    int       `json:"streamCount"` // Active variants attached
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// StreamVariant is one playable stream from one provider. It always belongs to
// exactly one LogicalChannel.
type StreamVariant struct {
	ID         int64  `json:"id"`
	ChannelID  int64  `json:"channelId"`
	ProviderID int64  `json:"providerId"`
	URL        string `json:"url"`
	ExternalID string `json:"externalId,omitempty"`
	Format     string `json:"format"`

	Resolution      string `json:"resolution,omitempty"`
	Bitrate         int    `json:"bitrate,omitempty"` // kbps
	Codec           string `json:"codec,omitempty"`
	QualityScore    int    `json:"qualityScore"`
	DetectionMethod string `json:"detectionMethod"`

	IsActive            bool       `json:"isActive"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastCheck           *time.Time `json:"lastCheck,omitempty"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	ResponseTimeMs      float64    `json:"responseTimeMs"`
	FailureReason       string     `json:"failureReason,omitempty"`
	ChecksTotal         int        `json:"checksTotal"`
	ChecksPassed        int        `json:"checksPassed"`

	PriorityOrder int `json:"priorityOrder"`

	OriginalName     string      `json:"originalName"`
	OriginalCategory string      `json:"originalCategory,omitempty"`
	MergeMethod      MergeMethod `json:"mergeMethod"`
	MergeConfidence  int         `json:"mergeConfidence"`
	MergeReason      string      `json:"mergeReason"`
	ManualOverride   bool        `json:"manualOverride"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Decision returns the stored merge provenance of the variant.
func (v *StreamVariant) Decision() MergeDecision {
	return MergeDecision{Method: v.MergeMethod, Confidence: v.MergeConfidence, Reason: v.MergeReason}
}

// MergeRule is an operator-authored override consulted before fuzzy matching.
// ProviderID zero means the rule applies to every provider.
type MergeRule struct {
	ID         int64     `json:"id"`
	Kind       RuleKind  `json:"kind"`
	Pattern1   string    `json:"pattern1"`
	Pattern2   string    `json:"pattern2,omitempty"`
	Region1    string    `json:"region1,omitempty"`
	Region2    string    `json:"region2,omitempty"`
	ProviderID int64     `json:"providerId,omitempty"`
	Priority   int       `json:"priority"`
	Enabled    bool      `json:"enabled"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HealthResult is the outcome of probing one variant.
type HealthResult struct {
	VariantID      int64     `json:"variantId"`
	IsAlive        bool      `json:"isAlive"`
	ResponseTimeMs float64   `json:"responseTimeMs"`
	StatusCode     int       `json:"statusCode,omitempty"`
	ErrorReason    string    `json:"errorReason,omitempty"`
	CheckedAt      time.Time `json:"checkedAt"`
}
