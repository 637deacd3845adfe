// Package proxy composes provider sync, channel resolution, health checks and
// the shared stream multiplexer into one running service.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"iptv-hub/work/cache"
	"iptv-hub/work/client"
	"iptv-hub/work/config"
	"iptv-hub/work/database"
	"iptv-hub/work/filter"
	"iptv-hub/work/health"
	"iptv-hub/work/logger"
	"iptv-hub/work/merge"
	"iptv-hub/work/metrics"
	"iptv-hub/work/parser"
	"iptv-hub/work/quality"
	"iptv-hub/work/restream"
	"iptv-hub/work/types"
	"iptv-hub/work/utils"
)

// listingTTL is how long a fetched provider listing is reused by syncs that
// are not forced.
const listingTTL = 5 * time.Minute

// xtreamRate is the Xtream API request rate per provider.
const xtreamRate = 5

var (
	ErrChannelDisabled = errors.New("channel is disabled")
	ErrNoActiveStream  = errors.New("no active stream for channel")
)

// StreamProxy owns the long-lived collaborators of the service.
type StreamProxy struct {
	DB            *database.DB
	HttpClient    *client.HeaderSettingClient
	WorkerPool    *ants.Pool
	Engine        *merge.Engine
	Registry      *restream.Registry
	Monitor       *health.Monitor
	FilterManager *filter.Manager
	Prober        *quality.Prober

	config             atomic.Pointer[config.Config]
	listings           *cache.Cache[string, *parser.Listing]
	sourceRateLimiters *xsync.MapOf[string, ratelimit.Limiter]
	importing          atomic.Bool
	lastImport         atomic.Pointer[ImportSummary]
	startedAt          time.Time

	refreshMu   sync.Mutex
	refreshStop chan struct{}
	refreshDone chan struct{}
}

// New wires the service from configuration. It performs no I/O.
func New(cfg *config.Config, db *database.DB, httpClient *client.HeaderSettingClient, workerPool *ants.Pool) *StreamProxy {
	logger.Debug("{proxy/proxy - New} initializing stream proxy for %d sources", len(cfg.Sources))

	sp := &StreamProxy{
		DB:                 db,
		HttpClient:         httpClient,
		WorkerPool:         workerPool,
		FilterManager:      filter.NewManager(),
		listings:           cache.New[string, *parser.Listing](max(len(cfg.Sources), 1)*2, listingTTL),
		sourceRateLimiters: xsync.NewMapOf[string, ratelimit.Limiter](),
		startedAt:          time.Now(),
	}
	sp.config.Store(cfg)

	// A nil prober must stay a nil interface for the monitor.
	var qp health.QualityProber
	if cfg.Probe.Enabled {
		results := cache.New[string, quality.Detection](cfg.Probe.CacheSize, cfg.Probe.CacheTTL)
		sp.Prober = quality.NewProber(httpClient, results, cfg.Health.ProbeTimeout)
		qp = sp.Prober
	}

	sp.Engine = merge.NewEngine(db, quality.NewDetector(sp.Prober), cfg.FuzzyThreshold)
	sp.Monitor = health.NewMonitor(db, httpClient, qp, health.OptionsFromConfig(cfg))

	opts := restream.OptionsFromConfig(cfg)
	opts.OnUpstreamError = sp.recordPlaybackFailure
	sp.Registry = restream.NewRegistry(httpClient, opts)

	return sp
}

// Config returns the active configuration. It is replaced as a whole by
// Reload and never mutated in place.
func (sp *StreamProxy) Config() *config.Config {
	return sp.config.Load()
}

// Uptime is the time since New.
func (sp *StreamProxy) Uptime() time.Duration {
	return time.Since(sp.startedAt)
}

// LastImport returns the summary of the most recent sync, or nil.
func (sp *StreamProxy) LastImport() *ImportSummary {
	return sp.lastImport.Load()
}

func (sp *StreamProxy) rateLimiterFor(src *config.SourceConfig) ratelimit.Limiter {
	limiter, _ := sp.sourceRateLimiters.LoadOrCompute(src.Name, func() ratelimit.Limiter {
		logger.Debug("{proxy/proxy - rateLimiterFor} created rate limiter for source %s: %d req/sec", src.Name, xtreamRate)
		return ratelimit.New(xtreamRate)
	})
	return limiter
}

// Playback is an attached player: the channel, the variant being served and
// the multiplexer handle delivering its bytes.
type Playback struct {
	Channel *types.LogicalChannel
	Variant *types.StreamVariant
	Handle  *restream.Handle
}

// OpenStream attaches to the highest-priority active variant of a channel
// that is not in exclude. Sessions are shared, so a second player of the same
// variant reuses the upstream connection.
func (sp *StreamProxy) OpenStream(ctx context.Context, channelID int64, exclude map[int64]struct{}) (*Playback, error) {
	ch, err := sp.DB.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ch.Enabled {
		return nil, fmt.Errorf("channel %d: %w", channelID, ErrChannelDisabled)
	}

	variants, err := sp.DB.ListVariantsForChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		if !v.IsActive {
			continue
		}
		if _, skip := exclude[v.ID]; skip {
			continue
		}

		h, err := sp.Registry.Acquire(ctx, channelID, v.URL)
		if err != nil {
			return nil, err
		}
		logger.Debug("{proxy/proxy - OpenStream} channel %d: serving variant %d (priority %d) from %s",
			channelID, v.ID, v.PriorityOrder, utils.LogURL(sp.Config(), v.URL))
		return &Playback{Channel: ch, Variant: v, Handle: h}, nil
	}
	return nil, fmt.Errorf("channel %d: %w", channelID, ErrNoActiveStream)
}

// Close detaches a playback from its session.
func (sp *StreamProxy) Close(pb *Playback) {
	if pb != nil && pb.Handle != nil {
		sp.Registry.Unsubscribe(pb.Handle)
	}
}

// recordPlaybackFailure counts a failed upstream session against the variant
// it served, as one failed health check. An upstream that simply ended the
// body is not counted.
func (sp *StreamProxy) recordPlaybackFailure(key restream.SessionKey, upErr *restream.UpstreamError) {
	if upErr.Kind == restream.KindEOF {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	variants, err := sp.DB.ListVariantsForChannel(ctx, key.ChannelID)
	if err != nil {
		logger.Error("{proxy/proxy - recordPlaybackFailure} channel %d: %v", key.ChannelID, err)
		return
	}
	for _, v := range variants {
		if v.URL != key.URL {
			continue
		}
		changed := health.Apply(v, types.HealthResult{
			VariantID:   v.ID,
			StatusCode:  upErr.StatusCode,
			ErrorReason: upErr.Reason,
			CheckedAt:   time.Now(),
		}, sp.Config().Health.FailureThreshold)

		if err := sp.DB.UpdateVariantHealth(ctx, v); err != nil {
			logger.Error("{proxy/proxy - recordPlaybackFailure} variant %d: %v", v.ID, err)
			return
		}
		if changed && !v.IsActive {
			metrics.VariantsDeactivated.Inc()
			logger.Warn("{proxy/proxy - recordPlaybackFailure} [VARIANT_DEACTIVATED] variant %d of channel %d: %s",
				v.ID, key.ChannelID, upErr.Reason)
		}
		if err := sp.Engine.Rerank(ctx, key.ChannelID); err != nil {
			logger.Error("{proxy/proxy - recordPlaybackFailure} rerank channel %d: %v", key.ChannelID, err)
		}
		if err := sp.DB.RecomputeStreamCount(ctx, key.ChannelID); err != nil {
			logger.Error("{proxy/proxy - recordPlaybackFailure} recount channel %d: %v", key.ChannelID, err)
		}
		return
	}
}

// SetVariantActive lets an operator take a variant out of rotation or put it
// back. Killing records the reason "manual"; reviving clears the failure
// streak. A later health check may still change the state.
func (sp *StreamProxy) SetVariantActive(ctx context.Context, variantID int64, active bool) (*types.StreamVariant, error) {
	v, err := sp.DB.GetVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}

	v.IsActive = active
	if active {
		v.ConsecutiveFailures = 0
		v.FailureReason = ""
	} else {
		v.FailureReason = "manual"
	}
	if err := sp.DB.UpdateVariantHealth(ctx, v); err != nil {
		return nil, err
	}
	if err := sp.Engine.Rerank(ctx, v.ChannelID); err != nil {
		return nil, err
	}
	if err := sp.DB.RecomputeStreamCount(ctx, v.ChannelID); err != nil {
		return nil, err
	}

	state := "revived"
	if !active {
		state = "killed"
	}
	logger.Info("{proxy/proxy - SetVariantActive} variant %d of channel %d %s by operator", v.ID, v.ChannelID, state)
	return sp.DB.GetVariant(ctx, variantID)
}

// Shutdown stops the schedules and closes every stream session.
func (sp *StreamProxy) Shutdown(ctx context.Context) error {
	sp.StopImportRefresh()
	sp.Monitor.Stop()
	return sp.Registry.Shutdown(ctx)
}
