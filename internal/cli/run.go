package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/background"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/session"
	"github.com/roach88/offsync/internal/syncer"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon until interrupted.

The daemon polls the API health endpoint and drains the outbox whenever the
API becomes reachable, watches the session file and drains after a login,
and runs background passes on an exponential schedule while records remain.

Example:
  offsync run
  offsync run --config ./offsync.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, rootOpts)
		},
	}
}

func runDaemon(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var lifecycle conc.WaitGroup
	orchestrator := a.syncer(syncer.WithNotifier(syncer.LogNotifier{}))
	gate := &replayGate{handler: a.worker()}
	scheduler := background.NewScheduler(gate,
		background.WithIntervals(a.cfg.Background.Interval, a.cfg.Background.MaxInterval),
	)

	register := func() {
		if err := scheduler.Register(ctx, outbox.BackgroundSyncTag); err != nil {
			slog.Warn("background registration failed", "error", err)
		}
	}
	// Drains outlive the trigger that started them. The background tag is
	// armed only once a drain has finished and left records pending.
	drain := func(name string, fn func(context.Context) (syncer.Report, error)) {
		lifecycle.Go(func() {
			dctx := context.WithoutCancel(ctx)
			report, err := gate.drain(dctx, fn)
			if err != nil {
				slog.Error("drain failed", "trigger", name, "error", err)
				return
			}
			if report.Skipped || report.Offline {
				return
			}
			if pendingRemain(dctx, a.store) {
				register()
			}
		})
	}

	monitor := connectivity.NewMonitor(a.client, connectivity.Funcs{
		Online: func(context.Context) {
			drain("connectivity", orchestrator.OnConnectivityRestored)
		},
		Offline: func(context.Context) {
			orchestrator.OnConnectivityLost()
		},
	},
		connectivity.WithInterval(a.cfg.Sync.ProbeInterval),
		connectivity.WithOfflineInitial(a.cfg.Sync.OfflineInitial),
	)

	watcher := session.NewWatcher(a.sessions, func(context.Context, session.Session) {
		drain("login", orchestrator.OnAuthenticated)
	})

	lifecycle.Go(func() {
		if err := monitor.Run(ctx); err != nil {
			slog.Error("connectivity monitor stopped", "error", err)
		}
	})
	lifecycle.Go(func() {
		if err := scheduler.Run(ctx); err != nil {
			slog.Error("background scheduler stopped", "error", err)
		}
	})
	lifecycle.Go(func() {
		if err := watcher.Run(ctx); err != nil {
			slog.Error("session watcher stopped", "error", err)
		}
	})
	// Writes queued by other processes cannot reach this scheduler, so the
	// outbox is checked on the background interval.
	lifecycle.Go(func() {
		watchOutbox(ctx, a.store, a.cfg.Background.Interval, register)
	})

	drain("startup", orchestrator.ForceSync)

	slog.Info("daemon starting", "api", a.client.BaseURL(), "session", a.sessions.Path())
	fmt.Fprintln(cmd.OutOrStdout(), "offsync daemon started. Watching outbox...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	<-ctx.Done()
	slog.Info("shutdown signal received, waiting for drains")
	lifecycle.Wait()
	slog.Info("daemon stopped gracefully")
	return nil
}

// replayGate serializes foreground drains and background passes so a
// record is never in flight from both at once. Foreground drains wait for
// the gate; background passes that find it held report Skipped and are
// re-armed by the scheduler.
type replayGate struct {
	mu      sync.Mutex
	handler background.Handler
}

// Handle implements background.Handler.
func (g *replayGate) Handle(ctx context.Context, tag string) (background.Result, error) {
	if !g.mu.TryLock() {
		slog.Debug("foreground drain running, background pass skipped", "tag", tag)
		return background.Result{Skipped: true}, nil
	}
	defer g.mu.Unlock()
	return g.handler.Handle(ctx, tag)
}

func (g *replayGate) drain(ctx context.Context, fn func(context.Context) (syncer.Report, error)) (syncer.Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(ctx)
}

func pendingRemain(ctx context.Context, store outbox.Store) bool {
	stats, err := store.Stats(ctx)
	if err != nil {
		slog.Warn("outbox check failed", "error", err)
		return false
	}
	return stats.Pending > 0
}

// watchOutbox registers a background pass whenever the store holds pending
// records. The first check waits one interval; the startup drain covers the
// records present at launch.
func watchOutbox(ctx context.Context, store outbox.Store, interval time.Duration, register func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if pendingRemain(ctx, store) {
			register()
		}
	}
}
