package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/outbox"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	URL   string
	Since string
}

// ListResult is the output of list.
type ListResult struct {
	Records []outbox.PendingWrite `json:"records"`
}

// RenderText implements TextRenderer.
func (r ListResult) RenderText(w io.Writer) error {
	if len(r.Records) == 0 {
		fmt.Fprintln(w, "Outbox is empty.")
		return nil
	}
	fmt.Fprintf(w, "Outbox: %d record(s)\n", len(r.Records))
	for _, rec := range r.Records {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "[%d] %s %s (%s)\n", rec.ID, rec.Method, rec.URL, rec.Status)
		fmt.Fprintf(w, "  Queued:  %s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "  Retries: %d/%d\n", rec.RetryCount, outbox.MaxRetries)
		if owner := rec.EffectiveOwner(); owner != "" {
			fmt.Fprintf(w, "  Owner:   %s\n", owner)
		}
		if rec.LastError != "" {
			fmt.Fprintf(w, "  Error:   %s\n", rec.LastError)
		}
		if len(rec.Payload) > 0 {
			data, err := json.Marshal(rec.Payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  Data:    %s\n", data)
		}
	}
	return nil
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued writes",
		Long: `List queued writes in insertion order.

Example:
  offsync list
  offsync list --url http://localhost:3000/api/tasks
  offsync list --since 2h
  offsync list --since 2024-01-15T09:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "only records targeting this URL")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only records queued at or after a time (RFC 3339) or duration ago (e.g. 30m)")

	return cmd
}

func runList(cmd *cobra.Command, opts *ListOptions) error {
	if opts.URL != "" && opts.Since != "" {
		return NewExitError(ExitCommandError, "--url and --since cannot be combined")
	}
	var since time.Time
	if opts.Since != "" {
		t, err := parseSince(opts.Since, opts.now()())
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --since", err)
		}
		since = t
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := commandContext(cmd)

	var records []outbox.PendingWrite
	switch {
	case opts.URL != "":
		records, err = a.store.ListByURL(ctx, strings.TrimSpace(opts.URL))
	case opts.Since != "":
		records, err = a.store.ListSince(ctx, since)
	default:
		records, err = a.store.ListAll(ctx)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}
	return a.formatter(cmd).Success(ListResult{Records: records})
}

// parseSince accepts an RFC 3339 timestamp or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a timestamp nor a duration", s)
	}
	if d < 0 {
		return time.Time{}, fmt.Errorf("duration %q must not be negative", s)
	}
	return now.Add(-d), nil
}
