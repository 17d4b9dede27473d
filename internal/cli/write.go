package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/gateway"
)

// WriteOptions holds flags for the write command.
type WriteOptions struct {
	*RootOptions
	Data string
}

// WriteResult is the output of a write.
type WriteResult struct {
	Delivered  bool   `json:"delivered"`
	StatusCode int    `json:"statusCode,omitempty"`
	QueuedID   int64  `json:"queuedId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RenderText implements TextRenderer.
func (r WriteResult) RenderText(w io.Writer) error {
	if r.Delivered {
		_, err := fmt.Fprintf(w, "Delivered (HTTP %d)\n", r.StatusCode)
		return err
	}
	_, err := fmt.Fprintf(w, "Offline: queued as #%d for sync\n  %s\n", r.QueuedID, r.Error)
	return err
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "write <method> <endpoint>",
		Short: "Send a write to the API, queueing it if delivery fails",
		Long: `Send a write to the API. If the call fails it is stored in the outbox and
a background sync is registered.

Example:
  offsync write POST /tasks --data '{"title":"Buy milk"}'
  offsync write PATCH /tasks/12/toggle`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "JSON object body")

	return cmd
}

func runWrite(cmd *cobra.Command, opts *WriteOptions, method, endpoint string) error {
	payload := map[string]any{}
	if strings.TrimSpace(opts.Data) != "" {
		if err := json.Unmarshal([]byte(opts.Data), &payload); err != nil {
			return WrapExitError(ExitCommandError, "invalid --data, expected a JSON object", err)
		}
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	out := a.formatter(cmd)

	res, err := a.gateway(nil).AttemptWrite(commandContext(cmd), endpoint, method, payload)
	var queued *gateway.QueuedError
	switch {
	case err == nil:
		return out.Success(WriteResult{Delivered: true, StatusCode: res.StatusCode})
	case errors.As(err, &queued):
		if ferr := out.Success(WriteResult{QueuedID: queued.ID, Error: queued.Err.Error()}); ferr != nil {
			return ferr
		}
		return NewExitError(ExitFailure, "write queued for sync")
	default:
		return WrapExitError(ExitCommandError, "write failed and could not be queued", err)
	}
}
