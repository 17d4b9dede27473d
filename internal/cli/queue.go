package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/outbox"
)

// NewClearFailedCommand creates the clear-failed command.
func NewClearFailedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failed",
		Short: "Delete every record that exhausted its retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.store.ClearFailed(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to clear failed records", err)
			}
			return a.formatter(cmd).Success(fmt.Sprintf("Cleared %d failed record(s)", n))
		},
	}
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a failed record back to pending with its retries reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid record id %q", args[0]))
			}

			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Requeue(commandContext(cmd), id); err != nil {
				if errors.Is(err, outbox.ErrNotFound) {
					return WrapExitError(ExitFailure, "no such record", err)
				}
				return WrapExitError(ExitCommandError, "failed to requeue", err)
			}
			return a.formatter(cmd).Success(fmt.Sprintf("Record #%d requeued", id))
		},
	}
}

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	Yes bool
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every queued record, pending or failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Yes {
				return NewExitError(ExitCommandError, "refusing to clear the outbox without --yes")
			}
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Clear(commandContext(cmd)); err != nil {
				return WrapExitError(ExitCommandError, "failed to clear outbox", err)
			}
			return a.formatter(cmd).Success("Outbox cleared")
		},
	}

	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm deleting every record")

	return cmd
}
