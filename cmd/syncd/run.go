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
	"practice-sync/internal/engine"
	"practice-sync/internal/logger"
	"practice-sync/internal/telemetry"

	"github.com/spf13/cobra"
)

// NewRunCommand starts the engine and keeps it connected until interrupted.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and keep syncing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			if statusAddr != "" {
				cfg.Observability.StatusAddr = statusAddr
			}
			log := logger.For(logger.ComponentEngine)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			jaegerShutdown, err := telemetry.InitJaeger("practice-syncd", version, cfg.Observability.JaegerEndpoint, logger.For(logger.ComponentTelemetry))
			if err != nil {
				log.Warnw("Tracing disabled", "error", err)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = jaegerShutdown(flushCtx)
			}()

			kv, closeStore, err := openStore(cfg, logger.For(logger.ComponentDB))
			if err != nil {
				return err
			}
			defer closeStore()

			eng, err := engine.New(ctx, cfg.Sync, kv)
			if err != nil {
				return err
			}

			var server *http.Server
			if addr := cfg.Observability.StatusAddr; addr != "" {
				server = &http.Server{
					Addr:        addr,
					Handler:     api.SetupStatusRoutes(api.NewStatusHandler(eng)),
					ReadTimeout: 5 * time.Second,
				}
				go func() {
					log.Infow("Status server listening", "addr", addr)
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Errorw("Status server error", "error", err)
					}
				}()
			}

			log.Infow("Sync daemon running", "identity", cfg.Sync.Identity, "endpoint", cfg.Sync.Endpoint)
			err = eng.Run(ctx)

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}
			log.Infow("Sync daemon stopped", "queued", eng.Queue().Len())
			return err
		},
	}

	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "status server address (overrides STATUS_ADDR)")
	return cmd
}
