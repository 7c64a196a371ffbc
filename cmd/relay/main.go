package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"practice-sync/internal/api"
	"practice-sync/internal/config"
	"practice-sync/internal/db"
	"practice-sync/internal/logger"
	"practice-sync/internal/repository"
	"practice-sync/internal/services/relay"
	"practice-sync/internal/telemetry"
)

/*
RELAY

Development relay for the sync daemons:
1. Load config and logging
2. Tracing with Jaeger (no-op without JAEGER_ENDPOINT)
3. Database (sqlite, postgres, or an in-memory sqlite for STORE_DRIVER=memory)
4. Persister worker pool, then the hub
5. HTTP server; on SIGINT/SIGTERM stop accepting, close sessions, drain the pool
*/

var version = "dev"

const memoryDSN = "file::memory:?cache=shared"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.For(logger.ComponentRelay).Fatalw("Failed to load config", "error", err)
	}
	logger.Configure(cfg.Observability.LogLevel, logger.ParseFormat(cfg.Observability.LogFormat))
	log := logger.For(logger.ComponentRelay)
	log.Infow("Starting relay", "version", version)

	jaegerShutdown, err := telemetry.InitJaeger("practice-relay", version, cfg.Observability.JaegerEndpoint, logger.For(logger.ComponentTelemetry))
	if err != nil {
		log.Warnw("Tracing disabled", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Warnw("Failed to flush spans", "error", err)
		}
	}()

	dbLog := logger.For(logger.ComponentDB)
	var database *db.GormDB
	if cfg.Store.Driver == config.DriverMemory {
		database, err = db.OpenSQLite(memoryDSN, dbLog, db.RelayModels...)
	} else {
		database, err = db.NewGorm(cfg, dbLog, db.RelayModels...)
	}
	if err != nil {
		log.Fatalw("Failed to open database", "driver", cfg.Store.Driver, "error", err)
	}
	defer database.Close()

	entityRepo := repository.NewEntityRepository(database.DB)
	eventRepo := repository.NewEventRepository(database.DB)

	persister := relay.NewPersister(
		eventRepo,
		entityRepo,
		cfg.Relay.PersistWorkers,
		cfg.Relay.PersistQueueSize,
		cfg.Relay.EventRetention,
		logger.For(logger.ComponentPersister),
	)
	persister.Start()

	hub := relay.NewHub(entityRepo, persister, log)
	hub.Start()

	wsHandler := relay.NewWebSocketHandler(hub, log)
	handler := api.NewHandler(hub, entityRepo, eventRepo, wsHandler, logger.For(logger.ComponentAPI))
	router := api.SetupRoutes(handler)

	addr := cfg.RelayAddr()
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Infow("Relay listening",
			"addr", addr,
			"websocket", "ws://"+addr+"/ws?identity=<id>",
			"metrics", "http://"+addr+"/metrics",
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relay")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnw("Server forced to shutdown", "error", err)
	}

	// sessions first so no new jobs reach the pool while it drains
	hub.Shutdown()
	persister.Shutdown()

	log.Info("Relay shutdown complete")
}
