package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/syncer"
)

// SyncReport is the output of sync and retry.
type SyncReport struct {
	syncer.Report
}

// RenderText implements TextRenderer.
func (r SyncReport) RenderText(w io.Writer) error {
	switch {
	case r.Skipped:
		_, err := fmt.Fprintln(w, "Sync already in progress")
		return err
	case r.Offline:
		_, err := fmt.Fprintln(w, "API unreachable, sync postponed")
		return err
	}
	mode := "individual"
	if r.Bulk {
		mode = "bulk"
	}
	if r.Considered == 0 {
		_, err := fmt.Fprintln(w, "Nothing to sync")
		return err
	}
	_, err := fmt.Fprintf(w, "Synced %d of %d pending (%s)\n  errors: %d  marked failed: %d  rejected: %d  conflicts: %d\n",
		r.Synced, r.Considered, mode, r.Errors, r.MarkedFailed, r.Rejected, r.Conflicts)
	return err
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe the API and drain the outbox now",
		Long: `Probe the API and, if it is reachable, drain every pending record: in one
bulk request, or one at a time if the bulk request fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, rootOpts, (*syncer.Syncer).ForceSync)
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Replay pending records below the retry ceiling without probing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, rootOpts, (*syncer.Syncer).RetryFailedRequests)
		},
	}
}

func runDrain(cmd *cobra.Command, opts *RootOptions, drain func(*syncer.Syncer, context.Context) (syncer.Report, error)) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := drain(a.syncer(), commandContext(cmd))
	if err != nil {
		return WrapExitError(ExitCommandError, "sync failed", err)
	}
	f := a.formatter(cmd)
	f.VerboseLog("run %s: %d considered, %d rejected, bulk=%t", report.RunID, report.Considered, report.Rejected, report.Bulk)
	if err := f.Success(SyncReport{report}); err != nil {
		return err
	}
	if report.Offline {
		return NewExitError(ExitFailure, "api unreachable")
	}
	return nil
}
