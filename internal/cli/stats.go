package cli

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/outbox"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Local bool
}

// StatsResult is the output of stats. Server is set when the API answered;
// otherwise Local holds the outbox's own counts.
type StatsResult struct {
	Source string         `json:"source"` // "server" | "local"
	Server map[string]any `json:"server,omitempty"`
	Local  *outbox.Stats  `json:"local,omitempty"`
}

// RenderText implements TextRenderer.
func (r StatsResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "=== Sync Stats (%s) ===\n", r.Source)
	if r.Local != nil {
		fmt.Fprintf(w, "  Total:   %d\n", r.Local.Total)
		fmt.Fprintf(w, "  Pending: %d\n", r.Local.Pending)
		fmt.Fprintf(w, "  Failed:  %d\n", r.Local.Failed)
		oldest := "-"
		if r.Local.OldestTimestamp != nil {
			oldest = r.Local.OldestTimestamp.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  Oldest:  %s\n", oldest)
		return nil
	}
	keys := make([]string, 0, len(r.Server))
	for k := range r.Server {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", k, r.Server[k])
	}
	return nil
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show sync statistics",
		Long: `Show sync statistics from the API, falling back to the local outbox when
the API cannot be reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := commandContext(cmd)

			if !opts.Local {
				sess, err := a.sessions.Load()
				if err != nil {
					slog.Warn("session unavailable", "error", err)
				}
				server, err := a.client.Stats(ctx, sess.Token)
				if err == nil {
					return a.formatter(cmd).Success(StatsResult{Source: "server", Server: server})
				}
				slog.Info("server stats unavailable, using local outbox", "error", err)
			}

			local, err := a.store.Stats(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read outbox", err)
			}
			return a.formatter(cmd).Success(StatsResult{Source: "local", Local: &local})
		},
	}

	cmd.Flags().BoolVar(&opts.Local, "local", false, "skip the API and report the local outbox")

	return cmd
}
