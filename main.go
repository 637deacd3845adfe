package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iptv-hub/work/client"
	"iptv-hub/work/config"
	"iptv-hub/work/database"
	"iptv-hub/work/handlers"
	"iptv-hub/work/logger"
	"iptv-hub/work/proxy"
)

var (
	Version = "v0.1.0" // default version
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	httpClient := client.NewHeaderSettingClient(cfg)

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sp := proxy.New(cfg, db, httpClient, workerPool)
	if err := sp.Engine.LoadRules(ctx); err != nil {
		log.Fatalf("Failed to load merge rules: %v", err)
	}

	// Initial sync runs in the background so players can attach to known
	// channels right away.
	go func() {
		if _, err := sp.ImportStreams(ctx, false); err != nil {
			logger.Warn("{main - main} initial import skipped: %v", err)
		}
		sp.StartImportRefresh(ctx)
	}()

	if cfg.Health.Enabled {
		sp.Monitor.Start(ctx)
	}

	go reloadLoop(ctx, sp)

	router := mux.NewRouter()
	router.HandleFunc("/stream/{id}", handlers.HandleStream(sp)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	setupAdminRoutes(router, sp)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting IPTV Hub %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Port: %d", cfg.ListenPort)
	logger.Info("  - Database: %s", cfg.DatabasePath)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Sources: %d", len(cfg.Sources))
	logger.Info("  - Fuzzy Threshold: %d", cfg.FuzzyThreshold)
	logger.Info("  - Source Refresh Rate: %s", cfg.ImportRefreshInterval)
	logger.Info("  - Health Checks: %v (every %s, threshold %d)", cfg.Health.Enabled, cfg.Health.Interval, cfg.Health.FailureThreshold)
	logger.Info("  - Quality Probe: %v", cfg.Probe.Enabled)
	logger.Info("  - Idle Grace: %s", cfg.Stream.IdleGrace)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{main - main} server failed: %v", err)
		}
	case <-ctx.Done():
		logger.Info("{main - main} shutdown requested")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Closing sessions first ends the long-lived stream responses.
	if err := sp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - main} stream shutdown: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - main} http shutdown: %v", err)
	}
	httpClient.CloseIdleConnections()
	logger.Info("{main - main} stopped")
}
