package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptv-hub/work/database"
	"iptv-hub/work/types"
)

// flakyServer answers 200 until failing is set, then 503. HEAD requests get
// 405 when headless is set.
type flakyServer struct {
	*httptest.Server
	failing  atomic.Bool
	headless bool
	heads    atomic.Int64
	gets     atomic.Int64
}

func newFlakyServer(t *testing.T, headless bool) *flakyServer {
	t.Helper()
	fs := &flakyServer{headless: headless}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			fs.heads.Add(1)
			if fs.headless {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
		} else {
			fs.gets.Add(1)
		}
		if fs.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(make([]byte, 8192))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func TestProbeAlive(t *testing.T) {
	srv := newFlakyServer(t, false)

	r := Probe(context.Background(), http.DefaultClient, srv.URL+"/live.ts", time.Second)
	assert.True(t, r.IsAlive)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Empty(t, r.ErrorReason)
	assert.False(t, r.CheckedAt.IsZero())
	assert.EqualValues(t, 1, srv.heads.Load())
	assert.EqualValues(t, 0, srv.gets.Load())
}

func TestProbeFallsBackToGet(t *testing.T) {
	srv := newFlakyServer(t, true)

	r := Probe(context.Background(), http.DefaultClient, srv.URL+"/live.ts", time.Second)
	assert.True(t, r.IsAlive)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.EqualValues(t, 1, srv.gets.Load())
}

func TestProbeTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", "8192")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 100))
		w.(http.Flusher).Flush()
		conn, _, err := http.NewResponseController(w).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	r := Probe(context.Background(), http.DefaultClient, srv.URL+"/live.ts", time.Second)
	assert.False(t, r.IsAlive)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.NotEmpty(t, r.ErrorReason)
}

func TestProbeShortBodyIsAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	r := Probe(context.Background(), http.DefaultClient, srv.URL+"/live.ts", time.Second)
	assert.True(t, r.IsAlive)
}

func TestProbeHTTPFailure(t *testing.T) {
	srv := newFlakyServer(t, false)
	srv.failing.Store(true)

	r := Probe(context.Background(), http.DefaultClient, srv.URL+"/live.ts", time.Second)
	assert.False(t, r.IsAlive)
	assert.Equal(t, "HTTP 503 (server error)", r.ErrorReason)
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := Probe(context.Background(), http.DefaultClient, url+"/live.ts", time.Second)
	assert.False(t, r.IsAlive)
	assert.True(t, strings.HasPrefix(r.ErrorReason, "connection refused"), r.ErrorReason)
}

func TestProbeTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	r := Probe(context.Background(), http.DefaultClient, srv.URL, 50*time.Millisecond)
	assert.False(t, r.IsAlive)
	assert.True(t, strings.HasPrefix(r.ErrorReason, "timeout"), r.ErrorReason)
}

func TestApplyThreshold(t *testing.T) {
	v := &types.StreamVariant{ID: 1, IsActive: true}
	fail := types.HealthResult{ErrorReason: "HTTP 503 (server error)", CheckedAt: time.Now()}

	assert.False(t, Apply(v, fail, 3))
	assert.False(t, Apply(v, fail, 3))
	assert.True(t, v.IsActive)
	assert.Equal(t, 2, v.ConsecutiveFailures)

	assert.True(t, Apply(v, fail, 3))
	assert.False(t, v.IsActive)
	assert.Equal(t, 3, v.ConsecutiveFailures)
	assert.Equal(t, "HTTP 503 (server error)", v.FailureReason)
	require.NotNil(t, v.LastFailure)
	assert.Nil(t, v.LastSuccess)

	// Further failures keep it down without reporting a change.
	assert.False(t, Apply(v, fail, 3))
	assert.Equal(t, 4, v.ConsecutiveFailures)

	assert.True(t, Apply(v, types.HealthResult{IsAlive: true, ResponseTimeMs: 12}, 3))
	assert.True(t, v.IsActive)
	assert.Zero(t, v.ConsecutiveFailures)
	assert.Empty(t, v.FailureReason)
	require.NotNil(t, v.LastSuccess)
	assert.Equal(t, 12.0, v.ResponseTimeMs)
}

func TestApplyDefaultThreshold(t *testing.T) {
	v := &types.StreamVariant{IsActive: true}
	for i := 0; i < DefaultThreshold-1; i++ {
		Apply(v, types.HealthResult{}, 0)
	}
	assert.True(t, v.IsActive)
	Apply(v, types.HealthResult{}, 0)
	assert.False(t, v.IsActive)
}

func TestScore(t *testing.T) {
	assert.Equal(t, 100, Score(&types.StreamVariant{ResponseTimeMs: 500}))
	assert.Equal(t, 70, Score(&types.StreamVariant{ConsecutiveFailures: 2, ResponseTimeMs: 1500}))
	assert.Equal(t, 60, Score(&types.StreamVariant{ConsecutiveFailures: 2, ResponseTimeMs: 3500}))
	assert.Equal(t, 20, Score(&types.StreamVariant{ConsecutiveFailures: 10, ResponseTimeMs: 6000}))
}

func TestScoreScalesByUptime(t *testing.T) {
	assert.Equal(t, 75, Score(&types.StreamVariant{ChecksTotal: 4, ChecksPassed: 3}))
	assert.Equal(t, 35, Score(&types.StreamVariant{ConsecutiveFailures: 2, ResponseTimeMs: 1500, ChecksTotal: 2, ChecksPassed: 1}))
	assert.Equal(t, 0, Score(&types.StreamVariant{ChecksTotal: 5}))

	_, ok := Uptime(&types.StreamVariant{})
	assert.False(t, ok)
	pct, ok := Uptime(&types.StreamVariant{ChecksTotal: 8, ChecksPassed: 6})
	assert.True(t, ok)
	assert.InDelta(t, 75.0, pct, 1e-9)
}

func TestApplyCountsChecks(t *testing.T) {
	v := &types.StreamVariant{IsActive: true}
	Apply(v, types.HealthResult{IsAlive: true}, 3)
	Apply(v, types.HealthResult{ErrorReason: "timeout"}, 3)
	Apply(v, types.HealthResult{IsAlive: true}, 3)

	assert.Equal(t, 3, v.ChecksTotal)
	assert.Equal(t, 2, v.ChecksPassed)
	assert.Equal(t, 66, Score(v))
}

type fixture struct {
	db        *database.DB
	provider  int64
	channel   int64
	good, bad int64
	goodSrv   *flakyServer
	badSrv    *flakyServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, goodSrv: newFlakyServer(t, false), badSrv: newFlakyServer(t, false)}
	f.badSrv.failing.Store(true)

	f.provider, err = db.UpsertProvider(ctx, &types.Provider{Name: "alpha", Kind: "m3u", URL: "http://example.com", Enabled: true})
	require.NoError(t, err)
	f.channel, err = db.CreateChannel(ctx, &types.LogicalChannel{Name: "ESPN", NormalizedName: "espn", Enabled: true})
	require.NoError(t, err)

	add := func(url string, score int) int64 {
		id, created, err := db.CreateVariant(ctx, &types.StreamVariant{
			ChannelID:       f.channel,
			ProviderID:      f.provider,
			URL:             url,
			Format:          types.FormatTS,
			QualityScore:    score,
			DetectionMethod: types.DetectedByName,
			OriginalName:    "ESPN",
			MergeMethod:     types.MergeNew,
			MergeConfidence: 100,
		})
		require.NoError(t, err)
		require.True(t, created)
		return id
	}
	// The failing variant starts with the better score so reranking is visible.
	f.bad = add(f.badSrv.URL+"/espn.ts", 90)
	f.good = add(f.goodSrv.URL+"/espn.ts", 50)
	require.NoError(t, db.RecomputeStreamCounts(ctx))
	return f
}

func (f *fixture) monitor(opts Options) *Monitor {
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if opts.RatePerProvider == 0 {
		opts.RatePerProvider = 1000
	}
	return NewMonitor(f.db, http.DefaultClient, nil, opts)
}

func TestRunBatchDeactivatesAndReranks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.monitor(Options{Threshold: 2, MaxConcurrent: 4})

	results, err := m.RunBatch(ctx, []int64{f.good, f.bad})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, f.good, results[0].VariantID)
	assert.True(t, results[0].IsAlive)
	assert.Equal(t, f.bad, results[1].VariantID)
	assert.False(t, results[1].IsAlive)

	bad, err := f.db.GetVariant(ctx, f.bad)
	require.NoError(t, err)
	assert.True(t, bad.IsActive, "one failure stays below the threshold")
	assert.Equal(t, 1, bad.ConsecutiveFailures)

	_, err = m.RunBatch(ctx, []int64{f.good, f.bad})
	require.NoError(t, err)

	bad, err = f.db.GetVariant(ctx, f.bad)
	require.NoError(t, err)
	assert.False(t, bad.IsActive)
	assert.Equal(t, 2, bad.ConsecutiveFailures)
	assert.Equal(t, "HTTP 503 (server error)", bad.FailureReason)
	assert.Equal(t, 1, bad.PriorityOrder)

	good, err := f.db.GetVariant(ctx, f.good)
	require.NoError(t, err)
	assert.Equal(t, 0, good.PriorityOrder)
	require.NotNil(t, good.LastSuccess)

	ch, err := f.db.GetChannel(ctx, f.channel)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.StreamCount)

	summary := m.LastSummary()
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 1, summary.Alive)
	assert.Equal(t, 1, summary.Deactivated)
	assert.Equal(t, 1, summary.Channels)
}

func TestRunProviderRecoversInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.monitor(Options{Threshold: 1})

	_, err := m.RunAll(ctx)
	require.NoError(t, err)
	bad, err := f.db.GetVariant(ctx, f.bad)
	require.NoError(t, err)
	require.False(t, bad.IsActive)

	// RunAll skips inactive variants unless configured otherwise.
	results, err := m.RunAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	f.badSrv.failing.Store(false)
	results, err = m.RunProvider(ctx, f.provider)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	bad, err = f.db.GetVariant(ctx, f.bad)
	require.NoError(t, err)
	assert.True(t, bad.IsActive)
	assert.Zero(t, bad.ConsecutiveFailures)
	assert.Equal(t, 0, bad.PriorityOrder)
	assert.Equal(t, 1, m.LastSummary().Reactivated)

	ch, err := f.db.GetChannel(ctx, f.channel)
	require.NoError(t, err)
	assert.Equal(t, 2, ch.StreamCount)
}

func TestRunBatchSkipsUnknownAndDuplicates(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Options{})

	results, err := m.RunBatch(context.Background(), []int64{f.good, 9999, f.good})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, f.good, results[0].VariantID)

	results, err = m.RunBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Options{Interval: 20 * time.Millisecond})

	m.Start(context.Background())
	m.Start(context.Background())
	assert.Eventually(t, func() bool { return m.LastSummary() != nil }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	m.Stop()
	assert.False(t, m.Running())
}
