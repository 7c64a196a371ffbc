package main

import (
	"fmt"
	"os"

	"practice-sync/internal/config"
	"practice-sync/internal/db"
	"practice-sync/internal/kvstore"
	"practice-sync/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Identity string
	Format   string
	LogLevel string

	cfg *config.Config
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand creates the syncd command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "syncd",
		Short:   "Offline-first sync daemon for the practice journal",
		Version: version,
		Long: `syncd keeps a device's practice journal in sync with the relay.

Mutations made while offline are queued on disk and replayed once the
connection opens. Settings come from the environment (or a .env file):
SYNC_ENDPOINT, SYNC_IDENTITY, SYNC_CREDENTIAL, STORE_DRIVER, STORE_DSN.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.Identity != "" {
				cfg.Sync.Identity = opts.Identity
			}
			if opts.LogLevel != "" {
				cfg.Observability.LogLevel = opts.LogLevel
			}
			logger.Configure(cfg.Observability.LogLevel, logger.ParseFormat(cfg.Observability.LogFormat))
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Identity, "identity", "", "sync identity (overrides SYNC_IDENTITY)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (overrides LOGGING_LEVEL)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openStore opens the device's key-value storage. The returned close
// function is never nil.
func openStore(cfg *config.Config, log *zap.SugaredLogger) (kvstore.Store, func() error, error) {
	if cfg.Store.Driver == config.DriverMemory {
		return kvstore.NewMemoryStore(), func() error { return nil }, nil
	}
	database, err := db.NewGorm(cfg, log, db.ClientModels...)
	if err != nil {
		return nil, nil, err
	}
	return kvstore.NewGormStore(database.DB), database.Close, nil
}
