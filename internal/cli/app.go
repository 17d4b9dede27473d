package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/background"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/gateway"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/session"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncer"
	"github.com/roach88/offsync/internal/telemetry"
)

// app is the wiring shared by every command: one config, one store
// handle, one API client.
type app struct {
	opts      *RootOptions
	cfg       config.Config
	store     outbox.Store
	client    *remote.Client
	sessions  *session.Store
	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics
}

// openApp loads configuration, installs the slog handler, and opens the
// store. Callers must Close the app.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	ctx := commandContext(cmd)
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start telemetry", err)
	}
	metrics, err := telemetry.NewMetrics(provider.Meter())
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to register metrics", err)
	}

	slog.Debug("opening store", "dsn", redactDSN(cfg.Store.DSN))
	st, err := store.OpenDSN(ctx, cfg.Store.DSN, opts.now())
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	return &app{
		opts:      opts,
		cfg:       cfg,
		store:     st,
		client:    newClient(cfg),
		sessions:  session.NewStore(cfg.Session.Path),
		telemetry: provider,
		metrics:   metrics,
	}, nil
}

// loadConfig reads the configuration and installs the slog handler.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (config.Config, error) {
	path := opts.ConfigPath
	if path == "" {
		path = filepath.Join(config.DefaultDataDir(), "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	setupLogging(cmd.ErrOrStderr(), opts, cfg.Log.Level)
	return cfg, nil
}

func newClient(cfg config.Config) *remote.Client {
	return remote.NewClient(cfg.API.BaseURL,
		remote.WithHealthURL(cfg.API.HealthURL),
		remote.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
	)
}

// Close releases the store and flushes telemetry.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("error closing store", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}

func (a *app) gateway(registrar gateway.Registrar) *gateway.Gateway {
	return gateway.New(a.client, a.sessions, a.store,
		gateway.WithRegistrar(registrar),
		gateway.WithMetrics(a.metrics),
	)
}

func (a *app) syncer(opts ...syncer.Option) *syncer.Syncer {
	base := []syncer.Option{
		syncer.WithReplayRate(a.cfg.Sync.ReplayRatePerSecond),
		syncer.WithMetrics(a.metrics),
		syncer.WithRunIDs(a.opts.RunIDs),
	}
	return syncer.New(a.store, a.client, a.sessions, append(base, opts...)...)
}

// worker opens its own store handle per pass, as a separate process would.
func (a *app) worker() *background.Worker {
	dsn := a.cfg.Store.DSN
	now := a.opts.now()
	open := func(ctx context.Context) (outbox.Store, error) {
		if strings.HasPrefix(strings.ToLower(dsn), "memory:") {
			return nopCloser{a.store}, nil
		}
		return store.OpenDSN(ctx, dsn, now)
	}
	return background.NewWorker(open, a.client,
		background.WithSessions(a.sessions),
		background.WithTokenPolicy(a.cfg.Background.TokenPolicy),
		background.WithWorkerMetrics(a.metrics),
		background.WithWorkerRunIDs(a.opts.RunIDs),
	)
}

func (a *app) formatter(cmd *cobra.Command) *OutputFormatter {
	return formatterFor(cmd, a.opts)
}

func formatterFor(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// nopCloser shares the process's memory store with a worker pass without
// letting the pass close it.
type nopCloser struct {
	outbox.Store
}

func (nopCloser) Close() error { return nil }

func (o *RootOptions) now() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

// setupLogging installs the default slog handler on w. --verbose wins over
// the configured level.
func setupLogging(w io.Writer, opts *RootOptions, level string) {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = slog.LevelInfo
	}
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// redactDSN hides a password in a postgres URL.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":xxxxx" + dsn[at:]
	}
	return dsn
}
