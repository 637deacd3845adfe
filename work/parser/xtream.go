package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/ratelimit"

	"iptv-hub/work/config"
	"iptv-hub/work/logger"
	"iptv-hub/work/types"
)

// maxAPIBytes caps one Xtream API response.
const maxAPIBytes = 64 << 20

// flexString accepts a JSON string or number; panels disagree on which they
// send for ids.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// XCLiveStream is one item of get_live_streams.
type XCLiveStream struct {
	StreamID     flexString `json:"stream_id"`      // Used to build the stream URL
	Name         string     `json:"name"`           // Channel name
	CategoryID   flexString `json:"category_id"`    // Joins get_live_categories
	StreamIcon   string     `json:"stream_icon"`    // Logo URL
	EpgChannelID string     `json:"epg_channel_id"` // XMLTV channel id
}

// XCCategory is one item of get_live_categories.
type XCCategory struct {
	CategoryID   flexString `json:"category_id"`
	CategoryName string     `json:"category_name"`
}

// XtreamClient calls the player_api.php endpoints of one panel.
type XtreamClient struct {
	hc      Doer
	src     *config.SourceConfig
	limiter ratelimit.Limiter
}

// NewXtreamClient creates a client. limiter may be nil.
func NewXtreamClient(hc Doer, src *config.SourceConfig, limiter ratelimit.Limiter) *XtreamClient {
	return &XtreamClient{hc: hc, src: src, limiter: limiter}
}

func (x *XtreamClient) base() string {
	return strings.TrimRight(x.src.URL, "/")
}

func (x *XtreamClient) apiURL(action string) string {
	q := url.Values{}
	q.Set("username", x.src.Username)
	q.Set("password", x.src.Password)
	q.Set("action", action)
	return x.base() + "/player_api.php?" + q.Encode()
}

// StreamURL builds the MPEG-TS URL of a live stream.
func (x *XtreamClient) StreamURL(streamID string) string {
	return fmt.Sprintf("%s/live/%s/%s/%s.ts", x.base(),
		url.PathEscape(x.src.Username), url.PathEscape(x.src.Password), url.PathEscape(streamID))
}

// LiveStreams returns the panel's live channels.
func (x *XtreamClient) LiveStreams(ctx context.Context) ([]XCLiveStream, error) {
	return fetchXCData[XCLiveStream](ctx, x, "get_live_streams")
}

// LiveCategories returns the panel's live categories.
func (x *XtreamClient) LiveCategories(ctx context.Context) ([]XCCategory, error) {
	return fetchXCData[XCCategory](ctx, x, "get_live_categories")
}

// Listing fetches categories and live streams and converts them to entries.
// A failed category call only costs the group names.
func (x *XtreamClient) Listing(ctx context.Context, providerID int64) (*Listing, error) {
	categories := make(map[string]string)
	cats, err := x.LiveCategories(ctx)
	if err != nil {
		logger.Warn("{parser/xtream - Listing} %s: categories unavailable: %v", x.src.Name, err)
	}
	for _, c := range cats {
		categories[string(c.CategoryID)] = c.CategoryName
	}

	streams, err := x.LiveStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch live streams %s: %w", x.src.Name, err)
	}

	listing := &Listing{Entries: make([]*types.ProviderStreamEntry, 0, len(streams))}
	for _, s := range streams {
		name := strings.TrimSpace(s.Name)
		if name == "" || s.StreamID == "" {
			listing.Skipped++
			continue
		}

		group := categories[string(s.CategoryID)]
		if group == "" {
			group = string(s.CategoryID)
		}
		streamURL := x.StreamURL(string(s.StreamID))

		entry := &types.ProviderStreamEntry{
			Name:       name,
			Group:      group,
			URL:        streamURL,
			ProviderID: providerID,
			StreamID:   string(s.StreamID),
			LogoURL:    s.StreamIcon,
			Metadata: types.EntryMetadata{
				TvgID:   s.EpgChannelID,
				TvgName: name,
				TvgLogo: s.StreamIcon,
				Format:  types.StreamFormat(streamURL),
			},
		}
		if s.CategoryID != "" {
			entry.Metadata.Extra = map[string]string{"category-id": string(s.CategoryID)}
		}
		listing.Entries = append(listing.Entries, entry)
	}

	logger.Info("{parser/xtream - Listing} [PARSE] %s: %d live streams, %d categories, %d skipped",
		x.src.Name, len(listing.Entries), len(categories), listing.Skipped)
	return listing, nil
}

// fetchXCData calls one API action and decodes its JSON array. Some panels
// answer an empty list as {} or an error object; that decodes to no items.
func fetchXCData[T any](ctx context.Context, x *XtreamClient, action string) ([]T, error) {
	if x.limiter != nil {
		x.limiter.Take()
	}

	resp, err := get(ctx, x.hc, x.src, x.apiURL(action))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response body: %w", action, err)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '{' {
		logger.Debug("{parser/xtream - fetchXCData} %s returned an object, treating as empty", action)
		return nil, nil
	}

	var data []T
	if err := json.Unmarshal(trimmed, &data); err != nil {
		preview := string(trimmed)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		logger.Debug("{parser/xtream - fetchXCData} %s response preview: %s", action, preview)
		return nil, fmt.Errorf("%s: failed to parse JSON response: %w", action, err)
	}
	logger.Debug("{parser/xtream - fetchXCData} %s: %d items, %d bytes", action, len(data), len(body))
	return data, nil
}
