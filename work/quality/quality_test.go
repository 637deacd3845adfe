package quality

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptv-hub/work/cache"
	"iptv-hub/work/types"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2"
720.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=6000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2"
1080.m3u8
`

func TestTierOrdering(t *testing.T) {
	order := []Tier{Tier8K, Tier4K, Tier1440p, Tier1080p, Tier720p, Tier576p, Tier480p, Tier360p, TierUnknown}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i-1].BaseScore(), order[i].BaseScore())
	}
}

func TestParseResolution(t *testing.T) {
	assert.Equal(t, Tier1080p, ParseResolution("1080p"))
	assert.Equal(t, Tier4K, ParseResolution("4K"))
	assert.Equal(t, Tier720p, ParseResolution("HD"))
	assert.Equal(t, Tier1080p, ParseResolution("1920x1080"))
	assert.Equal(t, TierUnknown, ParseResolution(""))
	assert.Equal(t, TierUnknown, ParseResolution("potato"))
	assert.Equal(t, Tier360p, TierFromHeight(240))
}

func TestScoreBitrateAdjustment(t *testing.T) {
	assert.Equal(t, 700, Score(Tier1080p, 0))
	assert.Equal(t, 750, Score(Tier1080p, 5000))
	assert.Equal(t, 750, Score(Tier1080p, 8000))
	assert.Equal(t, 350, Score(Tier1080p, 2500))
	assert.Equal(t, 0, Score(TierUnknown, 9000))
}

func TestDetectPriority(t *testing.T) {
	d := NewDetector(nil)
	ctx := context.Background()

	det := d.Detect(ctx, "BBC One FHD", "http://x/720p/stream.ts")
	assert.Equal(t, Tier1080p, det.Tier)
	assert.Equal(t, types.DetectedByName, det.Method)

	det = d.Detect(ctx, "BBC One", "http://x/live/720p/stream.ts")
	assert.Equal(t, Tier720p, det.Tier)
	assert.Equal(t, types.DetectedByURL, det.Method)

	det = d.Detect(ctx, "BBC One", "http://x/live/stream.ts")
	assert.Equal(t, TierUnknown, det.Tier)
	assert.Equal(t, types.DetectedNone, det.Method)
}

func TestRankDeterministic(t *testing.T) {
	build := func() []*types.StreamVariant {
		return []*types.StreamVariant{
			{ID: 4, IsActive: true, QualityScore: 600},
			{ID: 2, IsActive: true, QualityScore: 750},
			{ID: 7, IsActive: false, QualityScore: 900},
			{ID: 3, IsActive: true, QualityScore: 600},
			{ID: 5, IsActive: true, QualityScore: 600, ConsecutiveFailures: 1},
			{ID: 1, IsActive: true, QualityScore: 0},
		}
	}
	ids := func(vs []*types.StreamVariant) []int64 {
		out := make([]int64, len(vs))
		for i, v := range vs {
			out[i] = v.ID
		}
		return out
	}

	want := []int64{2, 3, 4, 5, 1, 7}
	first := Rank(build())
	assert.Equal(t, want, ids(first))
	for i, v := range first {
		assert.Equal(t, i, v.PriorityOrder)
	}

	for i := 0; i < 10; i++ {
		shuffled := build()
		rand.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, ids(Rank(shuffled)))
	}
}

func TestProbeMasterPlaylist(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(masterPlaylist))
	}))
	defer srv.Close()

	p := NewProber(srv.Client(), cache.New[string, Detection](100, time.Hour), time.Second)
	url := srv.URL + "/live/master.m3u8"

	var wg sync.WaitGroup
	results := make([]Detection, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			det, err := p.Probe(context.Background(), url)
			assert.NoError(t, err)
			results[i] = det
		}(i)
	}
	wg.Wait()

	for _, det := range results {
		assert.Equal(t, Tier1080p, det.Tier)
		assert.Equal(t, 6000, det.Bitrate)
		assert.Equal(t, "h264", det.Codec)
		assert.Equal(t, types.DetectedByProbe, det.Method)
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err := p.Probe(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second probe is served from cache")
}

func TestProbeSkipsNonHLS(t *testing.T) {
	p := NewProber(http.DefaultClient, nil, time.Second)
	_, err := p.Probe(context.Background(), "http://example.com/live/1.ts")
	assert.ErrorIs(t, err, ErrNotProbeable)
}

func TestDetectFallsBackToProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(masterPlaylist))
	}))
	defer srv.Close()

	d := NewDetector(NewProber(srv.Client(), nil, time.Second))
	det := d.Detect(context.Background(), "Some Channel", srv.URL+"/index.m3u8")
	assert.Equal(t, Tier1080p, det.Tier)
	assert.Equal(t, types.DetectedByProbe, det.Method)

	v := &types.StreamVariant{}
	det.ApplyTo(v)
	assert.Equal(t, "1080p", v.Resolution)
	assert.Equal(t, 750, v.QualityScore)
}
