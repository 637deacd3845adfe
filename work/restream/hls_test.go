package restream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hlsOrigin serves a master playlist, a media playlist whose window the test
// can slide, and one small body per segment.
type hlsOrigin struct {
	srv *httptest.Server

	mu      sync.Mutex
	window  []string
	ended   bool
	fetches map[string]int
	polls   atomic.Int32
}

func newHLSOrigin(t *testing.T, window []string, ended bool) *hlsOrigin {
	t.Helper()
	o := &hlsOrigin{window: window, ended: ended, fetches: make(map[string]int)}

	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.fetches[r.URL.Path]++
		window, ended := append([]string(nil), o.window...), o.ended
		o.mu.Unlock()

		switch {
		case r.URL.Path == "/live/master.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=200000\nlow/index.m3u8\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=900000,RESOLUTION=1280x720\nhigh/index.m3u8\n")
		case strings.HasSuffix(r.URL.Path, "/index.m3u8"):
			o.polls.Add(1)
			var b strings.Builder
			b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
			for _, seg := range window {
				b.WriteString("#EXTINF:2.000,\n" + seg + "\n")
			}
			if ended {
				b.WriteString("#EXT-X-ENDLIST\n")
			}
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, b.String())
		case strings.HasSuffix(r.URL.Path, ".ts"):
			name := strings.TrimSuffix(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:], ".ts")
			if name == "missing" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "video/mp2t")
			fmt.Fprint(w, "["+name+"]")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *hlsOrigin) slide(window []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.window = window
}

func (o *hlsOrigin) fetchCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetches[path]
}

func drain(t *testing.T, h *Handle) string {
	t.Helper()
	var b strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-h.Subscribe():
			if !ok {
				return b.String()
			}
			b.Write(chunk)
		case <-deadline:
			t.Fatalf("stream did not end, got %q", b.String())
			return ""
		}
	}
}

func TestHLSFollowsMasterAndRelaysSegments(t *testing.T) {
	o := newHLSOrigin(t, []string{"seg0.ts", "seg1.ts"}, true)
	r := newTestRegistry(t, Options{PlaylistPoll: 10 * time.Millisecond})

	h, err := r.Acquire(context.Background(), 1, o.srv.URL+"/live/master.m3u8")
	require.NoError(t, err)

	assert.Equal(t, "[seg0][seg1]", drain(t, h))
	assert.True(t, IsEOF(h.Err()))

	assert.Equal(t, 1, o.fetchCount("/live/high/index.m3u8"))
	assert.Equal(t, 0, o.fetchCount("/live/low/index.m3u8"))
	assert.Equal(t, 1, o.fetchCount("/live/high/seg0.ts"))
}

func TestHLSLivePlaylistSkipsRepeatedSegments(t *testing.T) {
	o := newHLSOrigin(t, []string{"a.ts", "b.ts"}, false)
	r := newTestRegistry(t, Options{PlaylistPoll: 10 * time.Millisecond})

	h, err := r.Acquire(context.Background(), 2, o.srv.URL+"/live/high/index.m3u8")
	require.NoError(t, err)

	var got strings.Builder
	for got.String() != "[a][b]" {
		got.Write(readChunk(t, h))
	}

	o.slide([]string{"b.ts", "c.ts"})
	for got.String() != "[a][b][c]" {
		got.Write(readChunk(t, h))
	}

	// Later polls still list b and c; neither is fetched again.
	polls := o.polls.Load()
	assert.Eventually(t, func() bool { return o.polls.Load() > polls+2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, o.fetchCount("/live/high/b.ts"))
	assert.Equal(t, 1, o.fetchCount("/live/high/c.ts"))

	r.Unsubscribe(h)
}

func TestHLSSegmentFailuresEndSession(t *testing.T) {
	missing := []string{"missing.ts?n=1", "missing.ts?n=2", "missing.ts?n=3", "missing.ts?n=4", "missing.ts?n=5"}
	o := newHLSOrigin(t, missing, false)
	r := newTestRegistry(t, Options{PlaylistPoll: 10 * time.Millisecond})

	h, err := r.Acquire(context.Background(), 3, o.srv.URL+"/live/high/index.m3u8")
	require.NoError(t, err)
	waitClosed(t, h)

	var upErr *UpstreamError
	require.ErrorAs(t, h.Err(), &upErr)
	assert.Equal(t, http.StatusNotFound, upErr.StatusCode)
	assert.False(t, IsEOF(h.Err()))
}

func TestHLSInvalidPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not a playlist")
	}))
	defer srv.Close()
	r := newTestRegistry(t, Options{})

	h, err := r.Acquire(context.Background(), 4, srv.URL+"/live/x.m3u8")
	require.NoError(t, err)
	waitClosed(t, h)

	var upErr *UpstreamError
	require.ErrorAs(t, h.Err(), &upErr)
	assert.Equal(t, KindPlaylist, upErr.Kind)
}

func TestResolveSegmentURL(t *testing.T) {
	cases := []struct {
		uri  string
		want string
	}{
		{"seg1.ts", "http://cdn.example/live/ch/seg1.ts"},
		{"../other/seg2.ts?token=x", "http://cdn.example/live/other/seg2.ts?token=x"},
		{"/abs/seg3.ts", "http://cdn.example/abs/seg3.ts"},
		{"https://edge.example/seg4.ts", "https://edge.example/seg4.ts"},
		{"/beacon/t?redirect_url=https%3A%2F%2Forigin.example%2Fseg5.ts", "https://origin.example/seg5.ts"},
	}
	for _, c := range cases {
		got, err := resolveSegmentURL("http://cdn.example/live/ch/index.m3u8", c.uri)
		require.NoError(t, err, c.uri)
		assert.Equal(t, c.want, got, c.uri)
	}
}

func TestSegmentTrackerIsBounded(t *testing.T) {
	tr := newSegmentTracker(2)
	tr.add("a")
	tr.add("b")
	assert.True(t, tr.has("a"))
	tr.add("c")
	assert.False(t, tr.has("a"))
	assert.True(t, tr.has("b"))
	assert.True(t, tr.has("c"))
	assert.Len(t, tr.seen, 2)
}
