package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"iptv-hub/work/config"
	"iptv-hub/work/handlers"
	"iptv-hub/work/logger"
	"iptv-hub/work/middleware"
	"iptv-hub/work/proxy"
	"iptv-hub/work/utils"
)

// maxConfigBytes caps an uploaded settings file.
const maxConfigBytes = 1 << 20

// restartChan asks main to reload the settings file and re-sync providers.
var restartChan = make(chan struct{}, 1)

// requestRestart queues a reload unless one is already pending.
func requestRestart() bool {
	select {
	case restartChan <- struct{}{}:
		return true
	default:
		return false
	}
}

// setupAdminRoutes registers the operator API. Reads are gzip-compressed and
// every route answers CORS preflight requests.
//
// Parameters:
//   - router: the mux router serving the process
//   - sp: the running proxy
func setupAdminRoutes(router *mux.Router, sp *proxy.StreamProxy) {
	read := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(middleware.GzipMiddleware(h))
	}

	router.HandleFunc("/api/config", read(handleGetConfig(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", corsMiddleware(handleSetConfig)).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/restart", corsMiddleware(handleRestart)).Methods("POST", "OPTIONS")

	router.HandleFunc("/api/stats", read(handlers.HandleStats(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/streams/stats", read(handlers.HandleStreamStats(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sync", corsMiddleware(handlers.HandleSync(sp))).Methods("POST", "OPTIONS")

	router.HandleFunc("/api/channels", read(handlers.HandleChannels(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels/{id}", read(handlers.HandleChannel(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels/{id}", corsMiddleware(handlers.HandleDeleteChannel(sp))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/channels/{id}/enabled", corsMiddleware(handlers.HandleSetChannelEnabled(sp))).Methods("PUT", "OPTIONS")
	router.HandleFunc("/api/channels/{id}/merge-details", read(handlers.HandleMergeDetails(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels/{id}/split", corsMiddleware(handlers.HandleSplit(sp))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/channels/{id}/merge-with/{target}", corsMiddleware(handlers.HandleMergeWith(sp))).Methods("POST", "OPTIONS")

	router.HandleFunc("/api/variants/{id}/kill", corsMiddleware(handlers.HandleSetVariantActive(sp, false))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/variants/{id}/revive", corsMiddleware(handlers.HandleSetVariantActive(sp, true))).Methods("POST", "OPTIONS")

	router.HandleFunc("/api/rules", read(handlers.HandleRules(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/rules", corsMiddleware(handlers.HandleCreateRule(sp))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/rules/{id}", corsMiddleware(handlers.HandleDeleteRule(sp))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/rules/{id}/enabled", corsMiddleware(handlers.HandleSetRuleEnabled(sp))).Methods("PUT", "OPTIONS")

	router.HandleFunc("/api/providers", read(handlers.HandleProviders(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/providers/{id}/health", corsMiddleware(handlers.HandleProviderHealth(sp))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/health/run", corsMiddleware(handlers.HandleRunHealth(sp))).Methods("POST", "OPTIONS")

	logger.Debug("{main/admin_handlers - setupAdminRoutes} admin API routes registered")
}

// corsMiddleware lets browser-based tools call the API from another origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		logger.Debug("{main/admin_handlers - corsMiddleware} %s %s", r.Method, r.URL.Path)
		next(w, r)
	}
}

// maskedConfig is the running configuration with provider credentials
// hidden and provider URLs obfuscated.
func maskedConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Sources = make([]config.SourceConfig, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.Password != "" {
			src.Password = "********"
		}
		src.URL = utils.ObfuscateURL(src.URL)
		out.Sources[i] = src
	}
	return out
}

// handleGetConfig returns the running configuration.
func handleGetConfig(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(maskedConfig(sp.Config())); err != nil {
			logger.Error("{main/admin_handlers - handleGetConfig} failed to encode config: %v", err)
		}
	}
}

// handleSetConfig validates an uploaded settings file, writes it atomically
// next to the current one and schedules a reload.
func handleSetConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBytes))
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}
	if _, err := config.Parse(body); err != nil {
		writeAdminError(w, http.StatusBadRequest, err)
		return
	}

	if err := writeFileAtomic(config.Path(), body); err != nil {
		logger.Error("{main/admin_handlers - handleSetConfig} %v", err)
		writeAdminError(w, http.StatusInternalServerError, err)
		return
	}
	logger.Info("{main/admin_handlers - handleSetConfig} [CONFIG] settings updated via admin API")

	requestRestart()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move config file: %w", err)
	}
	return nil
}

// handleRestart schedules a reload of the settings file.
func handleRestart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "restart_initiated"
	if !requestRestart() {
		status = "restart_pending"
	}
	logger.Info("{main/admin_handlers - handleRestart} reload requested via admin API")

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func writeAdminError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// reloadLoop applies queued reloads until ctx ends. A settings file that
// fails validation leaves the running configuration in place.
func reloadLoop(ctx context.Context, sp *proxy.StreamProxy) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-restartChan:
		}

		start := time.Now()
		config.ClearConfigCache()
		cfg, err := config.LoadFile(config.Path())
		if err != nil {
			logger.Error("{main/admin_handlers - reloadLoop} [CONFIG] reload rejected: %v", err)
			continue
		}
		if _, err := sp.Reload(ctx, cfg); err != nil {
			logger.Error("{main/admin_handlers - reloadLoop} [CONFIG] reload failed: %v", err)
			continue
		}
		logger.Info("{main/admin_handlers - reloadLoop} [CONFIG] reload completed in %s: %d sources",
			time.Since(start).Round(time.Millisecond), len(cfg.Sources))
	}
}
