package cli

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/store"
)

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// fakeAPI answers health, task writes, bulk sync and stats.
type fakeAPI struct {
	srv        *httptest.Server
	up         atomic.Bool
	writeCode  atomic.Int32
	bulkCalls  atomic.Int32
	lastAuth   atomic.Value
	lastMethod atomic.Value
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	api.up.Store(true)
	api.writeCode.Store(http.StatusCreated)
	api.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if !api.up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		api.lastAuth.Store(r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/sync/stats":
			_, _ = w.Write([]byte(`{"success":true,"data":{"pending":0,"synced":12}}`))
		case "/api/sync/pending":
			api.bulkCalls.Add(1)
			var req struct {
				PendingData []struct {
					ID int64 `json:"id"`
				} `json:"pendingData"`
			}
			_ = json.Unmarshal(data, &req)
			synced := []map[string]any{}
			for _, it := range req.PendingData {
				synced = append(synced, map[string]any{"originalId": it.ID})
			}
			body, _ := json.Marshal(map[string]any{"success": true, "data": map[string]any{"synced": synced, "errors": []any{}}})
			_, _ = w.Write(body)
		default:
			api.lastMethod.Store(r.Method + " " + r.URL.Path)
			w.WriteHeader(int(api.writeCode.Load()))
			_, _ = w.Write([]byte(`{"success":true,"data":{"id":1}}`))
		}
	}))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeAPI) baseURL() string {
	return a.srv.URL + "/api"
}

func listRecords(t *testing.T, env *testEnv) []outbox.PendingWrite {
	t.Helper()
	s := store.New(env.dbPath)
	defer s.Close()
	records, err := s.ListAll(context.Background())
	require.NoError(t, err)
	return records
}

func TestList_Golden(t *testing.T) {
	env := newTestEnv(t, "http://localhost:3000/api")
	env.seedTwo(t)

	out, err := env.execute(t, "list")
	require.NoError(t, err)
	newGolden(t).Assert(t, "list_text", []byte(out))
}

func TestList_Empty(t *testing.T) {
	env := newTestEnv(t, "http://localhost:3000/api")
	out, err := env.execute(t, "list")
	require.NoError(t, err)
	assert.Equal(t, "Outbox is empty.\n", out)
}

func TestList_FiltersAndJSON(t *testing.T) {
	env := newTestEnv(t, "http://localhost:3000/api")
	env.seedTwo(t)

	out, err := env.execute(t, "--format", "json", "list", "--url", "http://localhost:3000/api/tasks/7")
	require.NoError(t, err)
	var resp struct {
		Status string     `json:"status"`
		Data   ListResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Records, 1)
	assert.Equal(t, outbox.StatusFailed, resp.Data.Records[0].Status)

	// The clock stands one minute after the first insert.
	out, err = env.execute(t, "list", "--since", "30s")
	require.NoError(t, err)
	assert.Contains(t, out, "Outbox: 1 record(s)")
	assert.Contains(t, out, "[2] PUT")

	_, err = env.execute(t, "list", "--since", "yesterday")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatsLocal_Golden(t *testing.T) {
	env := newTestEnv(t, "http://localhost:3000/api")
	env.seedTwo(t)

	out, err := env.execute(t, "stats", "--local")
	require.NoError(t, err)
	newGolden(t).Assert(t, "stats_local", []byte(out))
}

func TestStats_ServerThenFallback(t *testing.T) {
	api := newFakeAPI(t)
	env := newTestEnv(t, api.baseURL())
	env.seedTwo(t)

	out, err := env.execute(t, "stats")
	require.NoError(t, err)
	assert.Equal(t, "=== Sync Stats (server) ===\n  pending: 0\n  synced: 12\n", out)

	api.up.Store(false)
	out, err = env.execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "(local)")
	assert.Contains(t, out, "Total:   2")
}

func TestWrite_Delivered(t *testing.T) {
	api := newFakeAPI(t)
	env := newTestEnv(t, api.baseURL())

	out, err := env.execute(t, "write", "post", "/tasks", "--data", `{"title":"Buy milk"}`)
	require.NoError(t, err)
	assert.Equal(t, "Delivered (HTTP 201)\n", out)
	assert.Equal(t, "POST /api/tasks", api.lastMethod.Load())
	assert.Empty(t, listRecords(t, env))
}

func TestWrite_QueuedWhenOffline(t *testing.T) {
	api := newFakeAPI(t)
	api.writeCode.Store(http.StatusBadGateway)
	env := newTestEnv(t, api.baseURL())
	_, err := env.execute(t, "session", "set", "--token", "tok", "--user-id", "42")
	require.NoError(t, err)

	out, err := env.execute(t, "write", "PATCH", "/tasks/3/toggle")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "queued as #1")

	records := listRecords(t, env)
	require.Len(t, records, 1)
	assert.Equal(t, "PATCH", records[0].Method)
	assert.Equal(t, "42", records[0].OwnerID)
	assert.Equal(t, "42", records[0].Payload["userId"])
	assert.Equal(t, api.baseURL()+"/tasks/3/toggle", records[0].URL)
}

func TestWrite_InvalidData(t *testing.T) {
	env := newTestEnv(t, "http://localhost:3000/api")
	_, err := env.execute(t, "write", "POST", "/tasks", "--data", "[1,2]")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSync_DrainsInBulk(t *testing.T) {
	api := newFakeAPI(t)
	env := newTestEnv(t, api.baseURL())
	env.seedTwo(t)

	out, err := env.execute(t, "sync")
	require.NoError(t, err)
	assert.Equal(t, "Synced 1 of 1 pending (bulk)\n  errors: 0  marked failed: 0  rejected: 0  conflicts: 0\n", out)
	assert.Equal(t, int32(1), api.bulkCalls.Load())

	records := listRecords(t, env)
	require.Len(t, records, 1)
	assert.Equal(t, outbox.StatusFailed, records[0].Status)
}

func TestSync_VerboseDetailOnStderr(t *testing.T) {
	api := newFakeAPI(t)
	env := newTestEnv(t, api.baseURL())
	env.seedTwo(t)

	out, stderr, err := env.executeStreams(context.Background(), t, "--verbose", "sync")
	require.NoError(t, err)
	assert.Contains(t, stderr, "run run-1: 1 considered, 0 rejected, bulk=true")
	assert.NotContains(t, out, "considered")
}

func TestBackground_VerboseDetailOnStderr(t *testing.T) {
	api := newFakeAPI(t)
	env := newTestEnv(t, api.baseURL())
	env.seedTwo(t)

	_, stderr, err := env.executeStreams(context.Background(), t, "-v", "background")
	require.NoError(t, err)
	assert.Contains(t, stderr, ": 1 attempted, 0 conflicts")
}

func TestSync_Offline(t *testing.T) {
	api := newFakeAPI(t)
	api.up.Store(false)
	env := newTestEnv(t, api.baseURL())
	env.seedTwo(t)

	out, err := env.execute(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "API unreachable, sync postponed\n", out)
	assert.Len(t, listRecords(t, env), 2)
}

func TestRetry_JSON(t *testing.T) {
	api := newFakeAPI(t)
	env := newTestEnv(t, api.baseURL())
	env.seedTwo(t)

	out, err := env.execute(t, "--format", "json", "retry")
	require.NoError(t, err)
	var resp struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "run-1", resp.Data["runId"])
	assert.Equal(t, float64(1), resp.Data["synced"])
	assert.Equal(t, true, resp.Data["bulk"])
}

func TestBackground_Pass(t *testing.T) {
	api := newFakeAPI(t)
	env := newTestEnv(t, api.baseURL())
	env.seedTwo(t)
	_, err := env.execute(t, "session", "set", "--token", "tok")
	require.NoError(t, err)

	out, err := env.execute(t, "background")
	require.NoError(t, err)
	assert.Equal(t, "Replayed 1: 1 synced, 0 failed (0 marked failed), 0 remaining\n", out)
	assert.Equal(t, "Bearer tok", api.lastAuth.Load())
	assert.Equal(t, int32(0), api.bulkCalls.Load())

	out, err = env.execute(t, "background", "--tag", "other")
	require.NoError(t, err)
	assert.Equal(t, "Background sync skipped\n", out)
}

func TestRequeueAndClearFailed(t *testing.T) {
	env := newTestEnv(t, "http://localhost:3000/api")
	env.seedTwo(t)

	out, err := env.execute(t, "requeue", "2")
	require.NoError(t, err)
	assert.Equal(t, "Record #2 requeued\n", out)
	records := listRecords(t, env)
	require.Len(t, records, 2)
	assert.Equal(t, outbox.StatusPending, records[1].Status)
	assert.Equal(t, 0, records[1].RetryCount)

	_, err = env.execute(t, "requeue", "99")
	assert.Equal(t, ExitFailure, GetExitCode(err))
	_, err = env.execute(t, "requeue", "abc")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = env.execute(t, "clear-failed")
	require.NoError(t, err)
	assert.Equal(t, "Cleared 0 failed record(s)\n", out)
}

func TestClear_RequiresConfirmation(t *testing.T) {
	env := newTestEnv(t, "http://localhost:3000/api")
	env.seedTwo(t)

	_, err := env.execute(t, "clear")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Len(t, listRecords(t, env), 2)

	out, err := env.execute(t, "clear", "--yes")
	require.NoError(t, err)
	assert.Equal(t, "Outbox cleared\n", out)
	assert.Empty(t, listRecords(t, env))
}

func TestSession_SetShowClear(t *testing.T) {
	env := newTestEnv(t, "http://localhost:3000/api")

	out, err := env.execute(t, "session", "show")
	require.NoError(t, err)
	assert.Equal(t, "Not logged in\n", out)

	_, err = env.execute(t, "session", "set")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = env.execute(t, "session", "set", "--token", "secret", "--user-id", "42", "--username", "ada")
	require.NoError(t, err)
	assert.Equal(t, "Logged in as ada (user 42)\n", out)
	assert.NotContains(t, out, "secret")

	out, err = env.execute(t, "session", "show")
	require.NoError(t, err)
	assert.Equal(t, "Logged in as ada (user 42)\n", out)

	out, err = env.execute(t, "session", "clear")
	require.NoError(t, err)
	assert.Equal(t, "Logged out\n", out)
	_, err = os.Stat(filepath.Join(env.dir, "session.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	api := newFakeAPI(t)
	env := newTestEnv(t, api.baseURL())
	env.seedTwo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	errChan := make(chan error, 1)
	var out string
	go func() {
		var err error
		out, err = env.executeContext(ctx, t, "run")
		errChan <- err
	}()

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not respect context cancellation")
	}

	assert.Contains(t, out, "offsync daemon started")
	// The startup drain synced the pending record.
	records := listRecords(t, env)
	require.Len(t, records, 1)
	assert.Equal(t, outbox.StatusFailed, records[0].Status)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	got, err := parseSince("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), got)

	got, err = parseSince("2024-01-15T09:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), got)

	_, err = parseSince("-5m", now)
	assert.Error(t, err)
	_, err = parseSince("soon", now)
	assert.Error(t, err)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/outbox", redactDSN("postgres://app:hunter2@db:5432/outbox"))
	assert.Equal(t, "postgres://db/outbox", redactDSN("postgres://db/outbox"))
	assert.Equal(t, "sqlite:///tmp/outbox.db", redactDSN("sqlite:///tmp/outbox.db"))
}
