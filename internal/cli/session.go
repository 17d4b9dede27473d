package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/session"
)

// SessionView is the output of session show. The token is never printed.
type SessionView struct {
	Authenticated bool          `json:"authenticated"`
	User          *session.User `json:"user,omitempty"`
	Path          string        `json:"path"`
}

// RenderText implements TextRenderer.
func (v SessionView) RenderText(w io.Writer) error {
	if !v.Authenticated {
		fmt.Fprintln(w, "Not logged in")
		return nil
	}
	if v.User == nil || v.User.ID == "" {
		fmt.Fprintln(w, "Logged in (no user id)")
		return nil
	}
	name := v.User.Username
	if name == "" {
		name = v.User.Email
	}
	if name == "" {
		fmt.Fprintf(w, "Logged in as user %s\n", v.User.ID)
		return nil
	}
	fmt.Fprintf(w, "Logged in as %s (user %s)\n", name, v.User.ID)
	return nil
}

// SessionSetOptions holds flags for session set.
type SessionSetOptions struct {
	*RootOptions
	Token    string
	UserID   string
	Username string
	Email    string
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the persisted login",
		Long: `Manage the persisted login. A running daemon watches the session file and
starts a sync when a token appears.`,
	}

	cmd.AddCommand(newSessionSetCommand(rootOpts))
	cmd.AddCommand(newSessionShowCommand(rootOpts))
	cmd.AddCommand(newSessionClearCommand(rootOpts))

	return cmd
}

func newSessionSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionSetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a bearer token and user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.Token) == "" {
				return NewExitError(ExitCommandError, "--token is required")
			}
			cfg, err := loadConfig(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			sess := session.Session{Token: strings.TrimSpace(opts.Token)}
			if opts.UserID != "" || opts.Username != "" || opts.Email != "" {
				sess.User = &session.User{
					ID:       session.UserID(strings.TrimSpace(opts.UserID)),
					Username: opts.Username,
					Email:    opts.Email,
				}
			}
			store := session.NewStore(cfg.Session.Path)
			if err := store.Save(sess); err != nil {
				return WrapExitError(ExitCommandError, "failed to save session", err)
			}
			return formatterFor(cmd, opts.RootOptions).Success(SessionView{Authenticated: true, User: sess.User, Path: store.Path()})
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token")
	cmd.Flags().StringVar(&opts.UserID, "user-id", "", "user id")
	cmd.Flags().StringVar(&opts.Username, "username", "", "user name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "user email")

	return cmd
}

func newSessionShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the persisted login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return err
			}
			store := session.NewStore(cfg.Session.Path)
			sess, err := store.Load()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read session", err)
			}
			return formatterFor(cmd, rootOpts).Success(SessionView{Authenticated: sess.Authenticated(), User: sess.User, Path: store.Path()})
		},
	}
}

func newSessionClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Log out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return err
			}
			if err := session.NewStore(cfg.Session.Path).Clear(); err != nil {
				return WrapExitError(ExitCommandError, "failed to clear session", err)
			}
			return formatterFor(cmd, rootOpts).Success("Logged out")
		},
	}
}
