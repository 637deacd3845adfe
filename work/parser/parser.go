// Package parser fetches provider listings and turns them into
// ProviderStreamEntry values for the merge engine.
package parser

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/ratelimit"

	"iptv-hub/work/client"
	"iptv-hub/work/config"
	"iptv-hub/work/logger"
	"iptv-hub/work/types"
)

// Provider kinds.
const (
	KindM3U    = "m3u"
	KindXtream = "xtream"
)

// ErrUnsupportedKind is returned for a provider kind no parser handles.
var ErrUnsupportedKind = errors.New("unsupported provider kind")

// Doer is the subset of an HTTP client the parsers need.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Listing is the parsed output of one provider.
type Listing struct {
	Entries []*types.ProviderStreamEntry
	Skipped int // lines or items that could not become an entry
}

// Fetch downloads and parses the listing of one provider.
//
// Parameters:
//   - hc: HTTP client; per-provider headers are applied on top of its defaults
//   - src: provider settings (kind, URL, credentials)
//   - providerID: stored provider id stamped on each entry
//   - limiter: paces Xtream API calls; may be nil
func Fetch(ctx context.Context, hc Doer, src *config.SourceConfig, providerID int64, limiter ratelimit.Limiter) (*Listing, error) {
	logger.Debug("{parser/parser - Fetch} fetching %s listing of %s", src.Kind, src.Name)

	switch src.Kind {
	case KindM3U, "":
		return FetchM3U(ctx, hc, src, providerID)
	case KindXtream:
		return NewXtreamClient(hc, src, limiter).Listing(ctx, providerID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, src.Kind)
	}
}

// get issues a GET with provider headers and checks for a 200 answer. The
// caller closes the body.
func get(ctx context.Context, hc Doer, src *config.SourceConfig, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	client.ApplySourceHeaders(req, src)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %s", client.ClassifyError(err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("request failed: %s", client.StatusReason(resp.StatusCode))
	}
	return resp, nil
}
