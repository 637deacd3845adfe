package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"iptv-hub/work/config"
	"iptv-hub/work/logger"
	"iptv-hub/work/metrics"
	"iptv-hub/work/quality"
	"iptv-hub/work/types"
)

// ErrRunInProgress is returned when a batch is requested while the scheduled
// run is still going.
var ErrRunInProgress = errors.New("health check already running")

// Store is the persistence the monitor needs.
type Store interface {
	GetVariants(ctx context.Context, ids []int64) ([]*types.StreamVariant, error)
	ListVariantIDs(ctx context.Context, providerID int64, includeInactive bool) ([]int64, error)
	UpdateVariantHealth(ctx context.Context, v *types.StreamVariant) error
	UpdateVariantQuality(ctx context.Context, v *types.StreamVariant) error
	ListVariantsForChannel(ctx context.Context, channelID int64) ([]*types.StreamVariant, error)
	SetPriorityOrders(ctx context.Context, variants []*types.StreamVariant) error
	RecomputeStreamCounts(ctx context.Context) error
}

// QualityProber learns the resolution of a stream.
type QualityProber interface {
	Probe(ctx context.Context, streamURL string) (quality.Detection, error)
}

// Options tunes the monitor.
type Options struct {
	Threshold       int           // consecutive failures before deactivation
	MaxConcurrent   int           // probes in flight
	Timeout         time.Duration // per-probe deadline
	RatePerProvider int           // probes per second per provider
	Interval        time.Duration // scheduled run period
	IncludeInactive bool          // scheduled runs also probe inactive variants
}

// OptionsFromConfig maps health settings onto monitor options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Threshold:       cfg.Health.FailureThreshold,
		MaxConcurrent:   cfg.Health.MaxConcurrent,
		Timeout:         cfg.Health.ProbeTimeout,
		RatePerProvider: cfg.Health.RatePerProvider,
		Interval:        cfg.Health.Interval,
		IncludeInactive: cfg.Health.IncludeInactive,
	}
}

// Summary describes a finished batch.
type Summary struct {
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	Checked     int           `json:"checked"`
	Alive       int           `json:"alive"`
	Failed      int           `json:"failed"`
	Deactivated int           `json:"deactivated"`
	Reactivated int           `json:"reactivated"`
	Channels    int           `json:"channels"`
}

// Monitor runs bounded, paced probe batches over stored variants.
type Monitor struct {
	store    Store
	client   Doer
	prober   QualityProber
	opts     Options
	limiters *xsync.MapOf[int64, ratelimit.Limiter]

	running atomic.Bool
	last    atomic.Pointer[Summary]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. prober may be nil; when set, alive variants
// with unknown resolution are re-probed for quality.
func NewMonitor(store Store, hc Doer, prober QualityProber, opts Options) *Monitor {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RatePerProvider <= 0 {
		opts.RatePerProvider = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}

	return &Monitor{
		store:    store,
		client:   hc,
		prober:   prober,
		opts:     opts,
		limiters: xsync.NewMapOf[int64, ratelimit.Limiter](),
	}
}

func (m *Monitor) limiterFor(providerID int64) ratelimit.Limiter {
	limiter, _ := m.limiters.LoadOrCompute(providerID, func() ratelimit.Limiter {
		return ratelimit.New(m.opts.RatePerProvider)
	})
	return limiter
}

// LastSummary returns the summary of the most recent batch, or nil.
func (m *Monitor) LastSummary() *Summary {
	return m.last.Load()
}

// Running reports whether a batch is in progress.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// RunBatch probes the listed variants and returns one result per variant
// found, in the order given. A failing probe never aborts the batch.
func (m *Monitor) RunBatch(ctx context.Context, variantIDs []int64) ([]types.HealthResult, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer m.running.Store(false)

	started := time.Now()
	variants, err := m.store.GetVariants(ctx, variantIDs)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	byID := make(map[int64]*types.StreamVariant, len(variants))
	for _, v := range variants {
		byID[v.ID] = v
	}

	// Results keep the caller's order; duplicates and unknown ids are skipped.
	var ordered []*types.StreamVariant
	seen := make(map[int64]struct{}, len(variantIDs))
	for _, id := range variantIDs {
		v, ok := byID[id]
		if _, dup := seen[id]; !ok || dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, v)
	}
	if len(ordered) == 0 {
		return []types.HealthResult{}, nil
	}

	workers := min(m.opts.MaxConcurrent, len(ordered))
	pool, err := ants.NewPool(workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create probe pool: %w", err)
	}
	defer pool.Release()

	results := make([]types.HealthResult, len(ordered))
	changed := make([]bool, len(ordered))
	var wg sync.WaitGroup

	for i, v := range ordered {
		i, v := i, v
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i], changed[i] = m.check(ctx, v)
		}
		if err := pool.Submit(task); err != nil {
			// Pool refused the task; run it inline so the batch stays complete.
			task()
		}
	}
	wg.Wait()

	summary := &Summary{StartedAt: started, Checked: len(ordered)}
	channels := make(map[int64]struct{})
	for i, v := range ordered {
		channels[v.ChannelID] = struct{}{}
		if results[i].IsAlive {
			summary.Alive++
		} else {
			summary.Failed++
		}
		if changed[i] {
			if v.IsActive {
				summary.Reactivated++
			} else {
				summary.Deactivated++
			}
		}
	}

	if err := m.rerank(ctx, channels); err != nil {
		return results, err
	}
	if err := m.store.RecomputeStreamCounts(ctx); err != nil {
		return results, err
	}

	summary.Channels = len(channels)
	summary.Duration = time.Since(started)
	m.last.Store(summary)
	logger.Info("{health/monitor - RunBatch} [HEALTH_BATCH] checked %d variants: %d alive, %d failed, %d deactivated, %d reactivated in %s",
		summary.Checked, summary.Alive, summary.Failed, summary.Deactivated, summary.Reactivated, summary.Duration.Round(time.Millisecond))
	return results, nil
}

// check probes one variant and persists the outcome.
func (m *Monitor) check(ctx context.Context, v *types.StreamVariant) (types.HealthResult, bool) {
	m.limiterFor(v.ProviderID).Take()

	result := Probe(ctx, m.client, v.URL, m.opts.Timeout)
	result.VariantID = v.ID

	changed := Apply(v, result, m.opts.Threshold)
	if result.IsAlive {
		metrics.HealthProbes.WithLabelValues("alive").Inc()
	} else {
		metrics.HealthProbes.WithLabelValues("failed").Inc()
		logger.Debug("{health/monitor - check} variant %d: %s (%d consecutive)", v.ID, result.ErrorReason, v.ConsecutiveFailures)
	}
	if changed && !v.IsActive {
		metrics.VariantsDeactivated.Inc()
		logger.Warn("{health/monitor - check} [VARIANT_DEACTIVATED] variant %d of channel %d after %d failures: %s",
			v.ID, v.ChannelID, v.ConsecutiveFailures, v.FailureReason)
	}

	if err := m.store.UpdateVariantHealth(ctx, v); err != nil {
		logger.Error("{health/monitor - check} variant %d: %v", v.ID, err)
	}

	if result.IsAlive && m.prober != nil && v.Resolution == "" {
		if det, err := m.prober.Probe(ctx, v.URL); err == nil {
			det.ApplyTo(v)
			if err := m.store.UpdateVariantQuality(ctx, v); err != nil {
				logger.Error("{health/monitor - check} variant %d quality: %v", v.ID, err)
			}
		}
	}
	return result, changed
}

// rerank recomputes failover order for every channel, lowest id first.
func (m *Monitor) rerank(ctx context.Context, channels map[int64]struct{}) error {
	ids := make([]int64, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		variants, err := m.store.ListVariantsForChannel(ctx, id)
		if err != nil {
			return err
		}
		if err := m.store.SetPriorityOrders(ctx, quality.Rank(variants)); err != nil {
			return err
		}
	}
	return nil
}

// RunProvider probes every variant of one provider, inactive ones included
// so they can recover.
func (m *Monitor) RunProvider(ctx context.Context, providerID int64) ([]types.HealthResult, error) {
	ids, err := m.store.ListVariantIDs(ctx, providerID, true)
	if err != nil {
		return nil, err
	}
	return m.RunBatch(ctx, ids)
}

// RunAll probes every stored variant. Inactive variants are included when
// the monitor is configured to do so.
func (m *Monitor) RunAll(ctx context.Context) ([]types.HealthResult, error) {
	ids, err := m.store.ListVariantIDs(ctx, 0, m.opts.IncludeInactive)
	if err != nil {
		return nil, err
	}
	return m.RunBatch(ctx, ids)
}

// Start runs RunAll every Interval until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		logger.Info("{health/monitor - Start} health checks scheduled every %s", m.opts.Interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.RunAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("{health/monitor - Start} scheduled run failed: %v", err)
				}
			}
		}
	}(m.done)
}

// Stop ends the schedule and waits for an in-flight run to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
