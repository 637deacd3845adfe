package quality

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"golang.org/x/sync/singleflight"

	"iptv-hub/work/cache"
	"iptv-hub/work/logger"
	"iptv-hub/work/types"
)

// maxPlaylistBytes caps how much of a master playlist is read.
const maxPlaylistBytes = 1 << 20

var (
	ErrNotProbeable = errors.New("stream is not an HLS playlist")
	ErrNoResolution = errors.New("playlist carries no resolution")
)

// Doer is the subset of an HTTP client the prober needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober reads HLS master playlists to learn the resolution, bandwidth and
// codecs of a stream. Results, including misses, are cached per URL and
// concurrent probes of the same URL share one fetch.
type Prober struct {
	client  Doer
	cache   *cache.Cache[string, Detection]
	group   singleflight.Group
	timeout time.Duration
}

// NewProber creates a prober. results may be nil to disable caching.
func NewProber(client Doer, results *cache.Cache[string, Detection], timeout time.Duration) *Prober {
	return &Prober{client: client, cache: results, timeout: timeout}
}

// Probe returns the detection for streamURL using method "probe".
func (p *Prober) Probe(ctx context.Context, streamURL string) (Detection, error) {
	if types.StreamFormat(streamURL) != types.FormatHLS {
		return Detection{}, ErrNotProbeable
	}
	if p.cache != nil {
		if det, ok := p.cache.Get(streamURL); ok {
			return cachedResult(det)
		}
	}

	v, err, _ := p.group.Do(streamURL, func() (interface{}, error) {
		if p.cache != nil {
			if det, ok := p.cache.Get(streamURL); ok {
				return det, nil
			}
		}
		det, err := p.fetch(ctx, streamURL)
		if err != nil && !errors.Is(err, ErrNoResolution) {
			return Detection{}, err
		}
		if p.cache != nil {
			p.cache.Set(streamURL, det)
		}
		return det, nil
	})
	if err != nil {
		logger.Debug("{quality/probe - Probe} probe failed: %v", err)
		return Detection{}, err
	}
	return cachedResult(v.(Detection))
}

func cachedResult(det Detection) (Detection, error) {
	if det.Tier == TierUnknown {
		return det, ErrNoResolution
	}
	return det, nil
}

func (p *Prober) fetch(ctx context.Context, streamURL string) (Detection, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return Detection{}, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Detection{}, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Detection{}, fmt.Errorf("probe request: HTTP %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(io.LimitReader(resp.Body, maxPlaylistBytes), false)
	if err != nil {
		return Detection{}, fmt.Errorf("decode playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return Detection{Method: types.DetectedByProbe}, ErrNoResolution
	}
	return bestVariant(playlist.(*m3u8.MasterPlaylist))
}

// bestVariant picks the tallest rendition, breaking ties on bandwidth.
func bestVariant(master *m3u8.MasterPlaylist) (Detection, error) {
	var (
		bestHeight    int
		bestBandwidth uint32
		codecs        string
	)
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		h := heightOf(v.Resolution)
		if h > bestHeight || (h == bestHeight && v.Bandwidth > bestBandwidth) {
			bestHeight, bestBandwidth, codecs = h, v.Bandwidth, v.Codecs
		}
	}
	if bestHeight == 0 {
		return Detection{Method: types.DetectedByProbe}, ErrNoResolution
	}
	return Detection{
		Tier:    TierFromHeight(bestHeight),
		Bitrate: int(bestBandwidth / 1000),
		Codec:   codecName(codecs),
		Method:  types.DetectedByProbe,
	}, nil
}

func heightOf(resolution string) int {
	_, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0
	}
	return n
}

// codecName reduces an RFC 6381 codec list to the video codec family.
func codecName(codecs string) string {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		switch {
		case strings.HasPrefix(c, "avc1"), strings.HasPrefix(c, "avc3"):
			return "h264"
		case strings.HasPrefix(c, "hvc1"), strings.HasPrefix(c, "hev1"):
			return "h265"
		case strings.HasPrefix(c, "av01"):
			return "av1"
		case strings.HasPrefix(c, "vp09"):
			return "vp9"
		}
	}
	return ""
}
