// Package filter drops ingested provider entries by content type and by the
// per-provider include/exclude name patterns.
package filter

import (
	"strings"

	"github.com/grafana/regexp"
	"github.com/puzpuzpuz/xsync/v3"

	"iptv-hub/work/config"
	"iptv-hub/work/logger"
	"iptv-hub/work/types"
)

// Content types assigned to entries.
const (
	ContentLive   = "live"
	ContentSeries = "series"
	ContentVOD    = "vod"
)

var (
	seriesRegex    = regexp.MustCompile(`(?i)24\/7|\b247\b|\/series\/|\/shows\/|\/show\/`)
	seriesURLRegex = regexp.MustCompile(`(?i)\/series\/|\/shows\/|\/show\/`)
	vodRegex       = regexp.MustCompile(`(?i)\/vods\/|\/vod\/|\/movies\/|\/movie\/`)
)

// CompiledFilter holds the compiled patterns of one provider.
type CompiledFilter struct {
	Include       *regexp.Regexp
	Exclude       *regexp.Regexp
	IncludeSeries bool
	IncludeVOD    bool
}

// Compile builds the filter for a provider. An invalid pattern is logged and
// treated as absent so one typo does not empty a provider.
func Compile(src *config.SourceConfig) *CompiledFilter {
	f := &CompiledFilter{IncludeSeries: src.IncludeSeries, IncludeVOD: src.IncludeVOD}
	f.Include = compile(src.Name, "liveIncludeRegex", src.LiveIncludeRegex)
	f.Exclude = compile(src.Name, "liveExcludeRegex", src.LiveExcludeRegex)
	return f
}

func compile(source, field, pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		logger.Error("{filter/filter - compile} [FILTER] source %s: invalid %s %q: %v", source, field, pattern, err)
		return nil
	}
	logger.Debug("{filter/filter - compile} [FILTER] source %s: compiled %s %q", source, field, pattern)
	return re
}

// Allow reports whether an entry survives the filter. Include is checked
// before exclude; both match the trimmed name case-insensitively.
func (f *CompiledFilter) Allow(e *types.ProviderStreamEntry) bool {
	switch ContentType(e) {
	case ContentSeries:
		if !f.IncludeSeries {
			return false
		}
	case ContentVOD:
		if !f.IncludeVOD {
			return false
		}
	}

	name := strings.TrimSpace(e.Name)
	if f.Include != nil && !f.Include.MatchString(name) {
		return false
	}
	if f.Exclude != nil && f.Exclude.MatchString(name) {
		return false
	}
	return true
}

// Manager caches compiled filters per provider name.
type Manager struct {
	filters *xsync.MapOf[string, *CompiledFilter]
}

// NewManager creates an empty filter cache.
func NewManager() *Manager {
	return &Manager{filters: xsync.NewMapOf[string, *CompiledFilter]()}
}

// GetOrCreate returns the cached filter for src, compiling it on first use.
func (m *Manager) GetOrCreate(src *config.SourceConfig) *CompiledFilter {
	f, _ := m.filters.LoadOrCompute(src.Name, func() *CompiledFilter {
		return Compile(src)
	})
	return f
}

// Clear drops every cached filter, e.g. after a configuration reload.
func (m *Manager) Clear() {
	m.filters.Clear()
}

// Apply returns the entries of src that pass its filter, preserving order.
func (m *Manager) Apply(src *config.SourceConfig, entries []*types.ProviderStreamEntry) []*types.ProviderStreamEntry {
	f := m.GetOrCreate(src)
	kept := make([]*types.ProviderStreamEntry, 0, len(entries))
	for _, e := range entries {
		if f.Allow(e) {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(entries) {
		logger.Debug("{filter/filter - Apply} [FILTER] source %s: kept %d of %d entries", src.Name, len(kept), len(entries))
	}
	return kept
}

// ContentType classifies an entry from its name and URL, then its group. The
// bare "247" marker is only honored in names so numeric stream ids in URLs
// cannot trigger it.
func ContentType(e *types.ProviderStreamEntry) string {
	if seriesRegex.MatchString(e.Name) || seriesURLRegex.MatchString(e.URL) {
		return ContentSeries
	}
	if vodRegex.MatchString(e.Name) || vodRegex.MatchString(e.URL) {
		return ContentVOD
	}

	group := strings.ToLower(e.Group)
	switch {
	case strings.Contains(group, "series"):
		return ContentSeries
	case strings.Contains(group, "vod"), strings.Contains(group, "movie"):
		return ContentVOD
	}
	return ContentLive
}
