package proxy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"iptv-hub/work/config"
	"iptv-hub/work/database"
	"iptv-hub/work/logger"
	"iptv-hub/work/metrics"
	"iptv-hub/work/parser"
	"iptv-hub/work/types"
)

// sourceTimeout bounds the sync of a single provider.
const sourceTimeout = 2 * time.Minute

// ErrImportInProgress is returned when a sync is requested while one runs.
var ErrImportInProgress = errors.New("import already in progress")

// SourceResult is the outcome of syncing one provider.
type SourceResult struct {
	Name       string         `json:"name"`
	ProviderID int64          `json:"providerId"`
	Fetched    int            `json:"fetched"`
	Skipped    int            `json:"skipped"`
	Kept       int            `json:"kept"`
	Resolved   int            `json:"resolved"`
	Failed     int            `json:"failed"`
	Methods    map[string]int `json:"methods"`
	Cached     bool           `json:"cached"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// ImportSummary is the outcome of one sync across every enabled provider.
type ImportSummary struct {
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
	Sources   []*SourceResult `json:"sources"`
}

// Importing reports whether a sync is running.
func (sp *StreamProxy) Importing() bool {
	return sp.importing.Load()
}

// ImportStreams syncs every enabled provider: fetch, filter, then resolve
// each entry into a channel. Providers run concurrently, bounded by
// WorkerThreads. A provider that fails is reported in its SourceResult and
// does not stop the others. force bypasses the listing cache.
func (sp *StreamProxy) ImportStreams(ctx context.Context, force bool) (*ImportSummary, error) {
	if !sp.importing.CompareAndSwap(false, true) {
		return nil, ErrImportInProgress
	}
	defer sp.importing.Store(false)

	cfg := sp.Config()
	summary := &ImportSummary{StartedAt: time.Now()}
	logger.Info("{proxy/import - ImportStreams} [IMPORT_START] syncing %d sources", len(cfg.Sources))

	var (
		mu      sync.Mutex
		results []*SourceResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.WorkerThreads, 1))

	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Disabled {
			logger.Debug("{proxy/import - ImportStreams} skipping disabled source %s", src.Name)
			continue
		}
		g.Go(func() error {
			res := sp.importSource(gctx, src, force)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := sp.DB.RecomputeStreamCounts(ctx); err != nil {
		logger.Error("{proxy/import - ImportStreams} failed to recompute stream counts: %v", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	summary.Sources = results
	summary.Duration = time.Since(summary.StartedAt)
	sp.lastImport.Store(summary)

	total := 0
	for _, r := range results {
		total += r.Resolved
	}
	logger.Info("{proxy/import - ImportStreams} [IMPORT_DONE] %d sources, %d streams resolved in %s",
		len(results), total, summary.Duration.Round(time.Millisecond))
	return summary, nil
}

func (sp *StreamProxy) importSource(ctx context.Context, src *config.SourceConfig, force bool) *SourceResult {
	start := time.Now()
	res := &SourceResult{Name: src.Name, Methods: make(map[string]int)}
	defer func() { res.Duration = time.Since(start) }()

	ctx, cancel := context.WithTimeout(ctx, sourceTimeout)
	defer cancel()

	providerID, err := sp.DB.UpsertProvider(ctx, database.ProviderFromSource(src))
	if err != nil {
		res.Error = err.Error()
		logger.Error("{proxy/import - importSource} [IMPORT_ERROR] %s: %v", src.Name, err)
		return res
	}
	res.ProviderID = providerID

	listing, cached := sp.listings.Get(src.Name)
	if cached && !force {
		res.Cached = true
	} else {
		listing, err = parser.Fetch(ctx, sp.HttpClient, src, providerID, sp.rateLimiterFor(src))
		if err != nil {
			res.Error = err.Error()
			logger.Error("{proxy/import - importSource} [IMPORT_ERROR] %s: %v", src.Name, err)
			return res
		}
		sp.listings.Set(src.Name, listing)
	}
	res.Fetched = len(listing.Entries)
	res.Skipped = listing.Skipped

	entries := sp.FilterManager.Apply(src, listing.Entries)
	res.Kept = len(entries)

	sp.resolveEntries(ctx, src, entries, res)

	logger.Info("{proxy/import - importSource} %s: %d fetched, %d kept, %d resolved, %d failed",
		src.Name, res.Fetched, res.Kept, res.Resolved, res.Failed)
	return res
}

// resolveEntries feeds entries through the merge engine on the shared worker
// pool. Entries run inline when the pool is unavailable.
func (sp *StreamProxy) resolveEntries(ctx context.Context, src *config.SourceConfig, entries []*types.ProviderStreamEntry, res *SourceResult) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	resolve := func(entry *types.ProviderStreamEntry) {
		_, _, decision, err := sp.Engine.Resolve(ctx, entry)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed++
			logger.Debug("{proxy/import - resolveEntries} %s: %q: %v", src.Name, entry.Name, err)
			return
		}
		res.Resolved++
		res.Methods[string(decision.Method)]++
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		entry.ProviderID = res.ProviderID
		wg.Add(1)
		task := func() {
			defer wg.Done()
			resolve(entry)
		}
		if sp.WorkerPool == nil {
			task()
			continue
		}
		if err := sp.WorkerPool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	metrics.IngestedEntries.WithLabelValues(src.Name).Add(float64(res.Resolved))
}

// StartImportRefresh re-syncs providers every ImportRefreshInterval until
// StopImportRefresh is called. Calling it twice has no effect.
func (sp *StreamProxy) StartImportRefresh(ctx context.Context) {
	interval := sp.Config().ImportRefreshInterval
	if interval <= 0 {
		return
	}

	sp.refreshMu.Lock()
	defer sp.refreshMu.Unlock()
	if sp.refreshStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	sp.refreshStop, sp.refreshDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logger.Info("{proxy/import - StartImportRefresh} starting scheduled import refresh")
				if _, err := sp.ImportStreams(ctx, true); err != nil {
					logger.Warn("{proxy/import - StartImportRefresh} scheduled import skipped: %v", err)
				}
			case <-stop:
				logger.Debug("{proxy/import - StartImportRefresh} import refresh stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopImportRefresh ends the refresh loop and waits for it to exit.
func (sp *StreamProxy) StopImportRefresh() {
	sp.refreshMu.Lock()
	stop, done := sp.refreshStop, sp.refreshDone
	sp.refreshStop, sp.refreshDone = nil, nil
	sp.refreshMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Reload swaps in a new configuration and re-syncs every provider. It waits
// for a running sync to finish first. Provider, filter and refresh settings
// apply immediately; stream and health settings need a process restart.
func (sp *StreamProxy) Reload(ctx context.Context, cfg *config.Config) (*ImportSummary, error) {
	sp.StopImportRefresh()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !sp.importing.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	sp.config.Store(cfg)
	sp.listings.Clear()
	sp.FilterManager.Clear()
	logger.SetLogLevel(cfg.LogLevel)
	sp.importing.Store(false)

	logger.Info("{proxy/import - Reload} configuration reloaded: %d sources", len(cfg.Sources))
	summary, err := sp.ImportStreams(ctx, true)
	sp.StartImportRefresh(ctx)
	return summary, err
}
