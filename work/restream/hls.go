package restream

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"iptv-hub/work/logger"
	"iptv-hub/work/utils"
)

const (
	// KindPlaylist marks a session whose HLS playlist could not be used.
	KindPlaylist = "playlist"

	maxPlaylistBytes = 1 << 20
	segmentHistory   = 64 // segment URLs remembered to skip repeats
	maxSegmentErrors = 5  // consecutive segment failures before giving up
	maxMasterHops    = 3
)

// segmentTracker remembers the most recently relayed segment URLs in a fixed
// ring so long-running live playlists use constant memory. It is owned by the
// fetch goroutine and is not safe for concurrent use.
type segmentTracker struct {
	ring []string
	seen map[string]struct{}
	head int
}

func newSegmentTracker(size int) *segmentTracker {
	return &segmentTracker{ring: make([]string, size), seen: make(map[string]struct{}, size)}
}

func (t *segmentTracker) has(u string) bool {
	_, ok := t.seen[u]
	return ok
}

func (t *segmentTracker) add(u string) {
	if old := t.ring[t.head]; old != "" {
		delete(t.seen, old)
	}
	t.ring[t.head] = u
	t.seen[u] = struct{}{}
	t.head = (t.head + 1) % len(t.ring)
}

// fetchHLS turns an HLS playlist into one continuous byte stream: it polls
// the media playlist and relays every new segment body into the session
// queue in playlist order. A master playlist is followed to its highest
// bandwidth variant. The session ends with EOF when a VOD or closed playlist
// has been fully relayed, and with a timeout through the watchdog when a live
// playlist stops publishing segments.
func (s *Session) fetchHLS(watchdog *time.Timer) error {
	playlistURL := s.key.URL
	seen := newSegmentTracker(segmentHistory)
	poll := s.registry.opts.PlaylistPoll
	hops := 0
	segmentErrors := 0

	for {
		media, variantURL, err := s.loadPlaylist(playlistURL)
		if err != nil {
			return err
		}
		if variantURL != "" {
			hops++
			if hops > maxMasterHops {
				return &UpstreamError{Kind: KindPlaylist, Reason: "playlist: too many nested master playlists"}
			}
			logger.Debug("[HLS_VARIANT] Channel %d: following variant %s", s.key.ChannelID, utils.LogURLWithFlag(s.registry.opts.ObfuscateURLs, variantURL))
			playlistURL = variantURL
			continue
		}

		fresh := 0
		for _, seg := range media.Segments {
			if seg == nil || seg.URI == "" {
				continue
			}
			segURL, err := resolveSegmentURL(playlistURL, seg.URI)
			if err != nil || seen.has(segURL) {
				continue
			}

			if err := s.relaySegment(segURL, watchdog); err != nil {
				if s.ctx.Err() != nil {
					return s.readError(err)
				}
				segmentErrors++
				logger.Warn("{restream/hls - fetchHLS} [HLS_SEGMENT_ERROR] Channel %d: %v (%d/%d)",
					s.key.ChannelID, err, segmentErrors, maxSegmentErrors)
				if segmentErrors >= maxSegmentErrors {
					return err
				}
				continue
			}
			segmentErrors = 0
			seen.add(segURL)
			fresh++
		}

		if media.Closed || media.MediaType == m3u8.VOD {
			return &UpstreamError{Kind: KindEOF, Reason: "eof: playlist ended"}
		}
		if fresh == 0 {
			logger.Debug("[HLS_WAIT] Channel %d: no new segments", s.key.ChannelID)
		}

		select {
		case <-s.ctx.Done():
			return s.readError(s.ctx.Err())
		case <-time.After(poll):
		}
	}
}

// loadPlaylist fetches and decodes target. For a master playlist it returns
// the absolute URL of the variant to follow instead of a media playlist.
func (s *Session) loadPlaylist(target string) (*m3u8.MediaPlaylist, string, error) {
	resp, err := s.open(target)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	playlist, listType, err := m3u8.DecodeFrom(io.LimitReader(resp.Body, maxPlaylistBytes), false)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, "", s.readError(err)
		}
		return nil, "", &UpstreamError{Kind: KindPlaylist, Reason: fmt.Sprintf("playlist: %v", err)}
	}

	if listType == m3u8.MASTER {
		best := bestVariant(playlist.(*m3u8.MasterPlaylist))
		if best == nil {
			return nil, "", &UpstreamError{Kind: KindPlaylist, Reason: "playlist: master lists no variants"}
		}
		variantURL, err := resolveSegmentURL(target, best.URI)
		if err != nil {
			return nil, "", &UpstreamError{Kind: KindPlaylist, Reason: fmt.Sprintf("playlist: bad variant uri: %v", err)}
		}
		return nil, variantURL, nil
	}
	return playlist.(*m3u8.MediaPlaylist), "", nil
}

func bestVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

func (s *Session) relaySegment(segURL string, watchdog *time.Timer) error {
	resp, err := s.open(segURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return s.relay(resp.Body, watchdog)
}

// resolveSegmentURL makes a playlist entry absolute against the playlist it
// came from. Tracking wrappers carrying the real location in a redirect_url
// query parameter are unwrapped.
func resolveSegmentURL(playlistURL, uri string) (string, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", err
	}
	abs := base.ResolveReference(ref)
	if redirect := abs.Query().Get("redirect_url"); redirect != "" {
		if target, err := url.Parse(redirect); err == nil && target.IsAbs() {
			return target.String(), nil
		}
	}
	return abs.String(), nil
}
