package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"practice-sync/internal/engine"
	"practice-sync/internal/models"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// NewStatusCommand asks a running daemon for its status over the status server.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := opts.cfg.Observability.StatusAddr
			if addr == "" {
				return fmt.Errorf("STATUS_ADDR is not set")
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/status")
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status server returned %s", resp.Status)
			}

			var st engine.Status
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), opts.Format, st)
		},
	}
}

func printStatus(w io.Writer, format string, st engine.Status) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	last := "never"
	if st.LastSyncTime != nil {
		last = st.LastSyncTime.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "identity:   %s\n", st.Identity)
	fmt.Fprintf(w, "state:      %s (attempts %d)\n", st.State, st.Attempts)
	fmt.Fprintf(w, "queued:     %d (persistent %t)\n", st.QueueSize, st.QueuePersistent)
	fmt.Fprintf(w, "last sync:  %s\n", last)

	kinds := make([]string, 0, len(st.Entities))
	for kind := range st.Entities {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(w, "  %-16s %d\n", kind, st.Entities[models.EntityKind(kind)])
	}
	return nil
}
