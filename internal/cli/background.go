package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/background"
	"github.com/roach88/offsync/internal/outbox"
)

// BackgroundOptions holds flags for the background command.
type BackgroundOptions struct {
	*RootOptions
	Tag string
}

// BackgroundReport is the output of one background pass.
type BackgroundReport struct {
	background.Result
}

// RenderText implements TextRenderer.
func (r BackgroundReport) RenderText(w io.Writer) error {
	switch {
	case r.Skipped:
		_, err := fmt.Fprintln(w, "Background sync skipped")
		return err
	case r.Deferred:
		_, err := fmt.Fprintln(w, "Background sync deferred until login")
		return err
	}
	_, err := fmt.Fprintf(w, "Replayed %d: %d synced, %d failed (%d marked failed), %d remaining\n",
		r.Attempted, r.Synced, r.Failed, r.MarkedFailed, r.Remaining)
	return err
}

// NewBackgroundCommand creates the background command.
func NewBackgroundCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackgroundOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "background",
		Short: "Run one background sync pass",
		Long: `Run one background sync pass, as the scheduler would when the tag fires.
Records are replayed one at a time with no owner filtering.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.worker().Handle(commandContext(cmd), opts.Tag)
			if err != nil {
				return WrapExitError(ExitCommandError, "background sync failed", err)
			}
			f := a.formatter(cmd)
			f.VerboseLog("run %s: %d attempted, %d conflicts", res.RunID, res.Attempted, res.Conflicts)
			return f.Success(BackgroundReport{res})
		},
	}

	cmd.Flags().StringVar(&opts.Tag, "tag", outbox.BackgroundSyncTag, "event tag to handle")

	return cmd
}
