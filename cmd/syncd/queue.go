package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"practice-sync/internal/logger"
	"practice-sync/internal/models"
	"practice-sync/internal/queue"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// NewQueueCommand prints the mutations waiting in the persisted offline queue.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show mutations waiting to be sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cfg.Sync.Identity == "" {
				return fmt.Errorf("an identity is required (--identity or SYNC_IDENTITY)")
			}

			kv, closeStore, err := openStore(cfg, logger.For(logger.ComponentDB))
			if err != nil {
				return err
			}
			defer closeStore()

			q := queue.New(cmd.Context(), kv, cfg.Sync.Identity, logger.For(logger.ComponentQueue),
				queue.WithTTL(cfg.Sync.QueueTTL))
			return printQueue(cmd.OutOrStdout(), opts.Format, q.Items())
		},
	}
}

func printQueue(w io.Writer, format string, items []models.OfflineQueueItem) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "offline queue is empty")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUED AT\tTYPE\tKIND\tID")
	for _, item := range items {
		kind, id, _ := item.Event.EntityRef()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.QueuedAt.Format(time.RFC3339), item.Event.Type, kind, id)
	}
	return tw.Flush()
}
