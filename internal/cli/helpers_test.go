package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// testEnv is an isolated data directory with a config file pointing at it.
type testEnv struct {
	dir        string
	configPath string
	dbPath     string
	baseURL    string
	clock      *testutil.ManualClock
}

func newTestEnv(t *testing.T, baseURL string) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, baseURL, "")
}

// newTestEnvWithConfig is newTestEnv with extra YAML appended to the config.
func newTestEnvWithConfig(t *testing.T, baseURL, extra string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("OFFSYNC_HOME", dir)
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		dbPath:     filepath.Join(dir, "outbox.db"),
		baseURL:    baseURL,
		clock:      testutil.NewManualClock(testutil.Epoch),
	}
	cfg := fmt.Sprintf(`api:
  baseURL: %s
store:
  dsn: sqlite://%s
session:
  path: %s
log:
  level: error
`, baseURL, env.dbPath, filepath.Join(dir, "session.json")) + extra
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o644))
	return env
}

// execute runs the root command with args and returns stdout.
func (e *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.executeContext(context.Background(), t, args...)
}

func (e *testEnv) executeContext(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := e.executeStreams(ctx, t, args...)
	return stdout, err
}

// executeStreams runs the root command with args and returns stdout and
// stderr.
func (e *testEnv) executeStreams(ctx context.Context, t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{
		Now:    e.clock.Now,
		RunIDs: testutil.NewSequentialRunIDs("run").Next,
	})
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

// seed opens the env's store directly and runs fn against it.
func (e *testEnv) seed(t *testing.T, fn func(ctx context.Context, s outbox.Store)) {
	t.Helper()
	s := store.New(e.dbPath, store.WithClock(e.clock.Now))
	defer s.Close()
	fn(context.Background(), s)
}

func insert(t *testing.T, ctx context.Context, s outbox.Store, w outbox.NewWrite) int64 {
	t.Helper()
	id, err := s.Insert(ctx, w)
	require.NoError(t, err)
	return id
}

// seedTwo queues one pending write and one that exhausted its retries.
func (e *testEnv) seedTwo(t *testing.T) {
	t.Helper()
	e.seed(t, func(ctx context.Context, s outbox.Store) {
		insert(t, ctx, s, outbox.NewWrite{
			URL:      e.baseURL + "/tasks",
			Endpoint: "/tasks",
			Method:   "POST",
			Payload:  map[string]any{"title": "Buy milk"},
			OwnerID:  "42",
		})
		e.clock.Advance(time.Minute)
		id := insert(t, ctx, s, outbox.NewWrite{
			URL:      e.baseURL + "/tasks/7",
			Endpoint: "/tasks/7",
			Method:   "PUT",
			Payload:  map[string]any{"completed": true},
			OwnerID:  "42",
		})
		for i := 0; i < outbox.MaxRetries; i++ {
			_, err := s.RecordFailure(ctx, id, i, outbox.MaxRetries, "HTTP 500")
			require.NoError(t, err)
		}
	})
}
