package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptv-hub/work/client"
	"iptv-hub/work/config"
	"iptv-hub/work/database"
	"iptv-hub/work/restream"
	"iptv-hub/work/types"
)

// provider serves an M3U playlist at /playlist.m3u and endless TS at any
// other path.
type provider struct {
	*httptest.Server
	fetches atomic.Int32
}

func newProvider(t *testing.T, names ...string) *provider {
	t.Helper()
	p := &provider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/playlist.m3u" {
			p.fetches.Add(1)
			fmt.Fprintln(w, "#EXTM3U")
			for i, name := range names {
				fmt.Fprintf(w, "#EXTINF:-1 group-title=\"General\",%s\n", name)
				fmt.Fprintf(w, "%s/live/%d.ts\n", p.URL, i)
			}
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
				if _, err := w.Write(make([]byte, 188*7)); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(p.Close)
	return p
}

func newTestProxy(t *testing.T, sources ...config.SourceConfig) *StreamProxy {
	t.Helper()

	cfg := config.Default()
	cfg.WorkerThreads = 2
	cfg.Health.FailureThreshold = 1
	cfg.Probe.Enabled = false
	cfg.Sources = sources

	db, err := database.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	hc := client.New(2*time.Second, 2*time.Second, client.Headers{UserAgent: "test"})
	sp := New(cfg, db, hc, pool)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, sp.Shutdown(ctx))
		hc.CloseIdleConnections()
	})
	return sp
}

func channelByName(t *testing.T, sp *StreamProxy, name string) *types.LogicalChannel {
	t.Helper()
	channels, err := sp.DB.ListChannels(context.Background(), true)
	require.NoError(t, err)
	for _, ch := range channels {
		if ch.Name == name {
			return ch
		}
	}
	t.Fatalf("channel %q not found", name)
	return nil
}

func TestImportStreamsMergesAcrossProviders(t *testing.T) {
	alpha := newProvider(t, "ESPN", "CNN", "Shopping Now")
	beta := newProvider(t, "ESPN", "CNN")
	sp := newTestProxy(t,
		config.SourceConfig{Name: "alpha", Kind: "m3u", URL: alpha.URL + "/playlist.m3u", LiveExcludeRegex: "shopping"},
		config.SourceConfig{Name: "beta", Kind: "m3u", URL: beta.URL + "/playlist.m3u"},
		config.SourceConfig{Name: "off", Kind: "m3u", URL: beta.URL + "/playlist.m3u", Disabled: true},
	)

	summary, err := sp.ImportStreams(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, summary.Sources, 2)

	assert.Equal(t, "alpha", summary.Sources[0].Name)
	assert.Equal(t, 3, summary.Sources[0].Fetched)
	assert.Equal(t, 2, summary.Sources[0].Kept)
	assert.Equal(t, 2, summary.Sources[0].Resolved)
	assert.Equal(t, 2, summary.Sources[1].Resolved)
	assert.Empty(t, summary.Sources[1].Error)
	assert.Same(t, summary, sp.LastImport())

	channels, err := sp.DB.ListChannels(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, channels, 2)

	espn := channelByName(t, sp, "ESPN")
	assert.Equal(t, 2, espn.StreamCount)
}

func TestImportStreamsReusesCachedListing(t *testing.T) {
	alpha := newProvider(t, "ESPN")
	sp := newTestProxy(t, config.SourceConfig{Name: "alpha", Kind: "m3u", URL: alpha.URL + "/playlist.m3u"})
	ctx := context.Background()

	_, err := sp.ImportStreams(ctx, false)
	require.NoError(t, err)
	summary, err := sp.ImportStreams(ctx, false)
	require.NoError(t, err)
	assert.True(t, summary.Sources[0].Cached)
	assert.EqualValues(t, 1, alpha.fetches.Load())

	summary, err = sp.ImportStreams(ctx, true)
	require.NoError(t, err)
	assert.False(t, summary.Sources[0].Cached)
	assert.EqualValues(t, 2, alpha.fetches.Load())

	// Re-syncing known URLs never duplicates variants.
	assert.Equal(t, 1, channelByName(t, sp, "ESPN").StreamCount)
}

func TestImportStreamsReportsProviderFailure(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(down.Close)
	alpha := newProvider(t, "ESPN")

	sp := newTestProxy(t,
		config.SourceConfig{Name: "alpha", Kind: "m3u", URL: alpha.URL + "/playlist.m3u"},
		config.SourceConfig{Name: "down", Kind: "m3u", URL: down.URL + "/playlist.m3u"},
	)

	summary, err := sp.ImportStreams(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, summary.Sources, 2)
	assert.Empty(t, summary.Sources[0].Error)
	assert.Contains(t, summary.Sources[1].Error, "HTTP 403")
	assert.Equal(t, 1, summary.Sources[0].Resolved)
}

func TestImportStreamsRejectsConcurrentRun(t *testing.T) {
	sp := newTestProxy(t)
	sp.importing.Store(true)

	_, err := sp.ImportStreams(context.Background(), false)
	assert.ErrorIs(t, err, ErrImportInProgress)
}

func TestOpenStreamFailover(t *testing.T) {
	alpha := newProvider(t, "ESPN")
	beta := newProvider(t, "ESPN")
	sp := newTestProxy(t,
		config.SourceConfig{Name: "alpha", Kind: "m3u", URL: alpha.URL + "/playlist.m3u"},
		config.SourceConfig{Name: "beta", Kind: "m3u", URL: beta.URL + "/playlist.m3u"},
	)
	ctx := context.Background()
	_, err := sp.ImportStreams(ctx, false)
	require.NoError(t, err)
	espn := channelByName(t, sp, "ESPN")

	first, err := sp.OpenStream(ctx, espn.ID, nil)
	require.NoError(t, err)
	defer sp.Close(first)
	assert.Equal(t, 0, first.Variant.PriorityOrder)

	second, err := sp.OpenStream(ctx, espn.ID, map[int64]struct{}{first.Variant.ID: {}})
	require.NoError(t, err)
	defer sp.Close(second)
	assert.NotEqual(t, first.Variant.ID, second.Variant.ID)

	_, err = sp.OpenStream(ctx, espn.ID, map[int64]struct{}{first.Variant.ID: {}, second.Variant.ID: {}})
	assert.ErrorIs(t, err, ErrNoActiveStream)

	select {
	case chunk := <-first.Handle.Subscribe():
		assert.NotEmpty(t, chunk)
	case <-time.After(3 * time.Second):
		t.Fatal("no data from upstream")
	}
}

func TestOpenStreamDisabledChannel(t *testing.T) {
	alpha := newProvider(t, "ESPN")
	sp := newTestProxy(t, config.SourceConfig{Name: "alpha", Kind: "m3u", URL: alpha.URL + "/playlist.m3u"})
	ctx := context.Background()
	_, err := sp.ImportStreams(ctx, false)
	require.NoError(t, err)
	espn := channelByName(t, sp, "ESPN")

	require.NoError(t, sp.DB.SetChannelEnabled(ctx, espn.ID, false))
	_, err = sp.OpenStream(ctx, espn.ID, nil)
	assert.ErrorIs(t, err, ErrChannelDisabled)

	_, err = sp.OpenStream(ctx, 9999, nil)
	assert.True(t, errors.Is(err, database.ErrNotFound))
}

func TestPlaybackFailureDeactivatesVariant(t *testing.T) {
	alpha := newProvider(t, "ESPN")
	beta := newProvider(t, "ESPN")
	sp := newTestProxy(t,
		config.SourceConfig{Name: "alpha", Kind: "m3u", URL: alpha.URL + "/playlist.m3u"},
		config.SourceConfig{Name: "beta", Kind: "m3u", URL: beta.URL + "/playlist.m3u"},
	)
	ctx := context.Background()
	_, err := sp.ImportStreams(ctx, false)
	require.NoError(t, err)
	espn := channelByName(t, sp, "ESPN")

	variants, err := sp.DB.ListVariantsForChannel(ctx, espn.ID)
	require.NoError(t, err)
	require.Len(t, variants, 2)
	top := variants[0]

	// A clean end of body is not a failure.
	sp.recordPlaybackFailure(restream.SessionKey{ChannelID: espn.ID, URL: top.URL}, &restream.UpstreamError{Kind: restream.KindEOF, Reason: "eof"})
	v, err := sp.DB.GetVariant(ctx, top.ID)
	require.NoError(t, err)
	assert.True(t, v.IsActive)
	assert.Zero(t, v.ConsecutiveFailures)

	sp.recordPlaybackFailure(restream.SessionKey{ChannelID: espn.ID, URL: top.URL},
		&restream.UpstreamError{Kind: client.KindHTTP5xx, Reason: "HTTP 502 (server error)", StatusCode: 502})
	v, err = sp.DB.GetVariant(ctx, top.ID)
	require.NoError(t, err)
	assert.False(t, v.IsActive)
	assert.Equal(t, "HTTP 502 (server error)", v.FailureReason)

	variants, err = sp.DB.ListVariantsForChannel(ctx, espn.ID)
	require.NoError(t, err)
	assert.NotEqual(t, top.ID, variants[0].ID, "failed variant is no longer preferred")
	assert.Equal(t, 1, channelByName(t, sp, "ESPN").StreamCount)
}

func TestImportRefreshStartStop(t *testing.T) {
	alpha := newProvider(t, "ESPN")
	sp := newTestProxy(t, config.SourceConfig{Name: "alpha", Kind: "m3u", URL: alpha.URL + "/playlist.m3u"})
	cfg := *sp.Config()
	cfg.ImportRefreshInterval = 20 * time.Millisecond
	sp.config.Store(&cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sp.StartImportRefresh(ctx)
	sp.StartImportRefresh(ctx)

	assert.Eventually(t, func() bool { return alpha.fetches.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	sp.StopImportRefresh()
	sp.StopImportRefresh()
}

func TestReloadSwapsSources(t *testing.T) {
	alpha := newProvider(t, "ESPN")
	beta := newProvider(t, "CNN")
	sp := newTestProxy(t, config.SourceConfig{Name: "alpha", Kind: "m3u", URL: alpha.URL + "/playlist.m3u"})
	ctx := context.Background()

	_, err := sp.ImportStreams(ctx, false)
	require.NoError(t, err)

	next := *sp.Config()
	next.ImportRefreshInterval = 0
	next.Sources = []config.SourceConfig{
		{Name: "alpha", Kind: "m3u", URL: alpha.URL + "/playlist.m3u", Disabled: true},
		{Name: "beta", Kind: "m3u", URL: beta.URL + "/playlist.m3u"},
	}
	summary, err := sp.Reload(ctx, &next)
	require.NoError(t, err)
	require.Len(t, summary.Sources, 1)
	assert.Equal(t, "beta", summary.Sources[0].Name)
	assert.Same(t, &next, sp.Config())

	channelByName(t, sp, "CNN")
	// Channels are never removed by a sync.
	channelByName(t, sp, "ESPN")
}
