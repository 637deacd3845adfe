package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"iptv-hub/work/database"
	"iptv-hub/work/health"
	"iptv-hub/work/logger"
	"iptv-hub/work/merge"
	"iptv-hub/work/proxy"
	"iptv-hub/work/restream"
	"iptv-hub/work/types"
	"iptv-hub/work/utils"
)

// maxBodyBytes caps operator request bodies.
const maxBodyBytes = 1 << 20

// errBadRequest marks malformed input.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/api - writeJSON} failed to encode response: %v", err)
	}
}

// writeError maps an error onto an HTTP status and a {"error": ...} body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, merge.ErrInvalidRule),
		errors.Is(err, merge.ErrInvalidMerge),
		errors.Is(err, merge.ErrInvalidEntry):
		status = http.StatusBadRequest
	case errors.Is(err, proxy.ErrImportInProgress), errors.Is(err, health.ErrRunInProgress):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Error("{handlers/api - writeError} %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// pathID parses a numeric route variable, answering 400 when it is not one.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, raw))
		return 0, false
	}
	return id, true
}

// decodeBody reads an optional JSON body into v. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err))
		return false
	}
	return true
}

// StatsResponse is the overview returned by GET /api/stats.
type StatsResponse struct {
	Uptime        string                 `json:"uptime"`
	Sources       int                    `json:"sources"`
	WorkerThreads int                    `json:"workerThreads"`
	Database      map[string]interface{} `json:"database"`
	Streams       StreamSummary          `json:"streams"`
	Health        HealthStatus           `json:"health"`
	Import        ImportStatus           `json:"import"`
}

// StreamSummary is the multiplexer totals without per-session detail.
type StreamSummary struct {
	ActiveSessions    int    `json:"activeSessions"`
	ActiveSubscribers int    `json:"activeSubscribers"`
	PeakSessions      int64  `json:"peakSessions"`
	SessionsCreated   int64  `json:"sessionsCreated"`
	SubscribersServed int64  `json:"subscribersServed"`
	Traffic           string `json:"traffic"`
}

// HealthStatus reports the monitor state.
type HealthStatus struct {
	Running bool            `json:"running"`
	Last    *health.Summary `json:"last,omitempty"`
}

// ImportStatus reports the provider sync state.
type ImportStatus struct {
	Running bool                 `json:"running"`
	Last    *proxy.ImportSummary `json:"last,omitempty"`
}

// HandleStats serves GET /api/stats.
func HandleStats(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStats, err := sp.DB.GetStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		rs := sp.Registry.Stats()

		writeJSON(w, http.StatusOK, StatsResponse{
			Uptime:        utils.FormatDuration(sp.Uptime()),
			Sources:       len(sp.Config().Sources),
			WorkerThreads: sp.Config().WorkerThreads,
			Database:      dbStats,
			Streams: StreamSummary{
				ActiveSessions:    rs.ActiveSessions,
				ActiveSubscribers: rs.ActiveSubscribers,
				PeakSessions:      rs.PeakSessions,
				SessionsCreated:   rs.SessionsCreated,
				SubscribersServed: rs.SubscribersServed,
				Traffic:           rs.Traffic,
			},
			Health: HealthStatus{Running: sp.Monitor.Running(), Last: sp.Monitor.LastSummary()},
			Import: ImportStatus{Running: sp.Importing(), Last: sp.LastImport()},
		})
	}
}

// HandleStreamStats serves GET /api/streams/stats with every live session.
func HandleStreamStats(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := sp.Registry.Stats()
		if stats.Sessions == nil {
			stats.Sessions = []restream.SessionStats{}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// HandleChannels serves GET /api/channels. Disabled channels are listed only
// with ?all=1.
func HandleChannels(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
		channels, err := sp.DB.ListChannels(r.Context(), all)
		if err != nil {
			writeError(w, err)
			return
		}
		if channels == nil {
			channels = []*types.LogicalChannel{}
		}
		writeJSON(w, http.StatusOK, channels)
	}
}

// ChannelResponse is a channel with its variants in failover order.
type ChannelResponse struct {
	*types.LogicalChannel
	Variants []*types.StreamVariant `json:"variants"`
}

// HandleChannel serves GET /api/channels/{id}.
func HandleChannel(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		ch, err := sp.DB.GetChannel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		variants, err := sp.DB.ListVariantsForChannel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, v := range variants {
			v.URL = utils.LogURL(sp.Config(), v.URL)
		}
		writeJSON(w, http.StatusOK, ChannelResponse{LogicalChannel: ch, Variants: variants})
	}
}

// HandleDeleteChannel serves DELETE /api/channels/{id}. Variants go with it.
func HandleDeleteChannel(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if err := sp.DB.DeleteChannel(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		logger.Info("{handlers/api - HandleDeleteChannel} [CHANNEL_DELETE] channel %d", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func decodeEnabled(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req enabledRequest
	if !decodeBody(w, r, &req) {
		return false, false
	}
	if req.Enabled == nil {
		writeError(w, fmt.Errorf("%w: enabled is required", errBadRequest))
		return false, false
	}
	return *req.Enabled, true
}

// HandleSetChannelEnabled serves PUT /api/channels/{id}/enabled.
func HandleSetChannelEnabled(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		enabled, ok := decodeEnabled(w, r)
		if !ok {
			return
		}
		if err := sp.DB.SetChannelEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

// MergeDetailsResponse adds a health score per variant to the provenance
// view.
type MergeDetailsResponse struct {
	*merge.Details
	HealthScores map[int64]int `json:"healthScores"`
}

// HandleMergeDetails serves GET /api/channels/{id}/merge-details.
func HandleMergeDetails(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		details, err := sp.Engine.MergeDetails(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		scores := make(map[int64]int, len(details.Variants))
		for _, v := range details.Variants {
			scores[v.ID] = health.Score(v)
			v.URL = utils.LogURL(sp.Config(), v.URL)
		}
		writeJSON(w, http.StatusOK, MergeDetailsResponse{Details: details, HealthScores: scores})
	}
}

// HandleSetVariantActive serves POST /api/variants/{id}/kill and
// /api/variants/{id}/revive.
func HandleSetVariantActive(sp *proxy.StreamProxy, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		v, err := sp.SetVariantActive(r.Context(), id, active)
		if err != nil {
			writeError(w, err)
			return
		}
		v.URL = utils.LogURL(sp.Config(), v.URL)
		writeJSON(w, http.StatusOK, v)
	}
}

type splitRequest struct {
	VariantIDs []int64 `json:"variantIds"`
	Name       string  `json:"name"`
	Reason     string  `json:"reason"`
}

// HandleSplit serves POST /api/channels/{id}/split.
func HandleSplit(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req splitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ch, err := sp.Engine.Split(r.Context(), id, req.VariantIDs, req.Name, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ch)
	}
}

type mergeRequest struct {
	Reason string `json:"reason"`
}

// HandleMergeWith serves POST /api/channels/{id}/merge-with/{target}: every
// variant of {id} moves to {target} and {id} is disabled.
func HandleMergeWith(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		target, ok := pathID(w, r, "target")
		if !ok {
			return
		}
		var req mergeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		moved, err := sp.Engine.ForceMerge(r.Context(), id, target, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"source": id, "target": target, "moved": moved})
	}
}

// HandleRules serves GET /api/rules.
func HandleRules(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := sp.Engine.ListRules(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if rules == nil {
			rules = []*types.MergeRule{}
		}
		writeJSON(w, http.StatusOK, rules)
	}
}

// HandleCreateRule serves POST /api/rules. A rule is enabled unless the body
// says otherwise.
func HandleCreateRule(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule := types.MergeRule{Enabled: true}
		if !decodeBody(w, r, &rule) {
			return
		}
		rule.ID = 0
		created, err := sp.Engine.CreateRule(r.Context(), &rule)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

// HandleDeleteRule serves DELETE /api/rules/{id}.
func HandleDeleteRule(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if err := sp.Engine.DeleteRule(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// HandleSetRuleEnabled serves PUT /api/rules/{id}/enabled.
func HandleSetRuleEnabled(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		enabled, ok := decodeEnabled(w, r)
		if !ok {
			return
		}
		if err := sp.Engine.SetRuleEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

type healthRequest struct {
	VariantIDs []int64 `json:"variantIds"`
}

// HealthResponse carries the results of a synchronous health batch.
type HealthResponse struct {
	Results []types.HealthResult `json:"results"`
	Summary *health.Summary      `json:"summary,omitempty"`
}

// HandleRunHealth serves POST /api/health/run. With variantIds the batch runs
// inline and the results are returned; without, a full run starts in the
// background and the call answers 202.
func HandleRunHealth(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req healthRequest
		if !decodeBody(w, r, &req) {
			return
		}

		if len(req.VariantIDs) > 0 {
			results, err := sp.Monitor.RunBatch(r.Context(), req.VariantIDs)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, HealthResponse{Results: results, Summary: sp.Monitor.LastSummary()})
			return
		}

		if sp.Monitor.Running() {
			writeError(w, health.ErrRunInProgress)
			return
		}
		ctx := context.WithoutCancel(r.Context())
		go func() {
			if _, err := sp.Monitor.RunAll(ctx); err != nil {
				logger.Warn("{handlers/api - HandleRunHealth} health run failed: %v", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

// HandleProviderHealth serves POST /api/providers/{id}/health. Inactive
// variants are included so they can recover.
func HandleProviderHealth(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if _, err := sp.DB.GetProvider(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		results, err := sp.Monitor.RunProvider(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if results == nil {
			results = []types.HealthResult{}
		}
		writeJSON(w, http.StatusOK, HealthResponse{Results: results, Summary: sp.Monitor.LastSummary()})
	}
}

// HandleProviders serves GET /api/providers.
func HandleProviders(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := sp.DB.ListProviders(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if providers == nil {
			providers = []*types.Provider{}
		}
		writeJSON(w, http.StatusOK, providers)
	}
}

// HandleSync serves POST /api/sync: a forced provider sync in the
// background.
func HandleSync(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sp.Importing() {
			writeError(w, proxy.ErrImportInProgress)
			return
		}
		ctx := context.WithoutCancel(r.Context())
		go func() {
			start := time.Now()
			if _, err := sp.ImportStreams(ctx, true); err != nil {
				logger.Warn("{handlers/api - HandleSync} sync failed: %v", err)
				return
			}
			logger.Debug("{handlers/api - HandleSync} operator sync finished in %s", time.Since(start).Round(time.Millisecond))
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}
