package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher calls OnLogin whenever the session file gains a token it did not
// have before (a login by another process).
type Watcher struct {
	store   *Store
	onLogin func(ctx context.Context, sess Session)
}

// NewWatcher returns a Watcher over store.
func NewWatcher(store *Store, onLogin func(ctx context.Context, sess Session)) *Watcher {
	return &Watcher{store: store, onLogin: onLogin}
}

// Run watches until ctx is done. The parent directory is watched so atomic
// rename-based saves are observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("session watcher: %w", err)
	}
	defer fw.Close()

	path := filepath.Clean(w.store.Path())
	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("session watcher: watch %s: %w", filepath.Dir(path), err)
	}

	lastToken := ""
	if sess, err := w.store.Load(); err == nil {
		lastToken = sess.Token
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("session watcher error", "error", err)
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			sess, err := w.store.Load()
			if err != nil {
				slog.Warn("session reload failed", "path", path, "error", err)
				continue
			}
			token := sess.Token
			if sess.Authenticated() && token != lastToken {
				slog.Info("session authenticated", "user_id", sess.UserID())
				if w.onLogin != nil {
					w.onLogin(ctx, sess)
				}
			}
			lastToken = token
		}
	}
}
