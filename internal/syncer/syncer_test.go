package syncer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/session"
	"github.com/roach88/offsync/internal/store/memstore"
	"github.com/roach88/offsync/internal/testutil"
)

type staticSession struct {
	sess session.Session
}

func (s staticSession) Load() (session.Session, error) {
	return s.sess, nil
}

var loggedIn = staticSession{sess: session.Session{Token: "tok", User: &session.User{ID: "42"}}}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []Summary
}

func (n *recordingNotifier) Notify(_ context.Context, s Summary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, s)
}

// fakeAPI is an httptest server with per-route behavior and request capture.
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	healthStatus atomic.Int32
	bulkCalls    atomic.Int32
	bulk         func(items []remote.BatchItem) (int, string)
	individual   func(r *http.Request, body map[string]any) int

	mu          sync.Mutex
	bulkItems   [][]remote.BatchItem
	replayed    []string
	replayBody  []map[string]any
	replayAuths []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{t: t}
	api.healthStatus.Store(http.StatusOK)
	api.bulk = func(items []remote.BatchItem) (int, string) {
		return http.StatusInternalServerError, ""
	}
	api.individual = func(*http.Request, map[string]any) int { return http.StatusOK }

	api.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(int(api.healthStatus.Load()))
		case r.URL.Path == "/api/sync/pending":
			api.bulkCalls.Add(1)
			var req struct {
				PendingData []remote.BatchItem `json:"pendingData"`
			}
			_ = json.Unmarshal(data, &req)
			api.mu.Lock()
			api.bulkItems = append(api.bulkItems, req.PendingData)
			api.mu.Unlock()
			status, body := api.bulk(req.PendingData)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		default:
			body := map[string]any{}
			_ = json.Unmarshal(data, &body)
			api.mu.Lock()
			api.replayed = append(api.replayed, r.Method+" "+r.URL.Path)
			api.replayBody = append(api.replayBody, body)
			api.replayAuths = append(api.replayAuths, r.Header.Get("Authorization"))
			api.mu.Unlock()
			w.WriteHeader(api.individual(r, body))
		}
	}))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeAPI) client() *remote.Client {
	return remote.NewClient(a.srv.URL + "/api")
}

func (a *fakeAPI) url(endpoint string) string {
	return a.srv.URL + "/api" + endpoint
}

func ackAll(items []remote.BatchItem) (int, string) {
	synced := make([]map[string]any, 0, len(items))
	for _, it := range items {
		synced = append(synced, map[string]any{"originalId": it.ID})
	}
	body, _ := json.Marshal(map[string]any{
		"success": true,
		"message": "ok",
		"data":    map[string]any{"synced": synced, "errors": []any{}},
	})
	return http.StatusOK, string(body)
}

func queue(t *testing.T, s outbox.Store, url, method, owner string) int64 {
	t.Helper()
	payload := map[string]any{"title": "task"}
	if owner != "" {
		payload[outbox.OwnerKey] = owner
	}
	id, err := s.Insert(context.Background(), outbox.NewWrite{
		URL:      url,
		Endpoint: endpointOf(url),
		Method:   method,
		Payload:  payload,
		OwnerID:  owner,
	})
	require.NoError(t, err)
	return id
}

func endpointOf(url string) string {
	if i := strings.Index(url, "/api"); i >= 0 {
		return url[i+len("/api"):]
	}
	return url
}

func newTestStore() *memstore.Store {
	return memstore.New(testutil.NewManualClock(testutil.Epoch).Now)
}

func TestForceSync_BulkAcknowledged(t *testing.T) {
	api := newFakeAPI(t)
	store := newTestStore()
	a := queue(t, store, api.url("/tasks"), "POST", "42")
	b := queue(t, store, api.url("/tasks"), "POST", "42")

	api.bulk = func(items []remote.BatchItem) (int, string) {
		body, _ := json.Marshal(map[string]any{
			"success": true,
			"data": map[string]any{
				"synced": []any{map[string]any{"originalId": a}},
				"errors": []any{map[string]any{"originalId": b, "error": "duplicate"}},
			},
		})
		return http.StatusOK, string(body)
	}

	notifier := &recordingNotifier{}
	s := New(store, api.client(), loggedIn, WithNotifier(notifier), WithRunIDs(testutil.NewSequentialRunIDs("").Next))

	report, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)
	assert.True(t, report.Bulk)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Errors)

	// Acknowledged id deleted, the other untouched
	_, err = store.Get(context.Background(), a)
	assert.ErrorIs(t, err, outbox.ErrNotFound)
	rec, err := store.Get(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)

	// Owner id echoed in the bulk payload
	require.Len(t, api.bulkItems, 1)
	require.Len(t, api.bulkItems[0], 2)
	assert.Equal(t, "42", api.bulkItems[0][0].Data["userId"])

	assert.Equal(t, []Summary{{Synced: 1, Errors: 1}}, notifier.calls)
	assert.Empty(t, api.replayed)
	assert.False(t, s.Status().SyncInProgress)
}

func TestForceSync_IgnoresUnsentAcknowledgment(t *testing.T) {
	api := newFakeAPI(t)
	store := newTestStore()
	id := queue(t, store, api.url("/tasks"), "POST", "42")
	api.bulk = func([]remote.BatchItem) (int, string) {
		return http.StatusOK, `{"success":true,"data":{"synced":[{"originalId":999}],"errors":[]}}`
	}

	s := New(store, api.client(), loggedIn)
	report, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Synced)

	_, err = store.Get(context.Background(), id)
	assert.NoError(t, err)
}

func TestForceSync_OfflineLeavesQueue(t *testing.T) {
	api := newFakeAPI(t)
	api.healthStatus.Store(http.StatusServiceUnavailable)
	store := newTestStore()
	id := queue(t, store, api.url("/tasks"), "POST", "42")

	s := New(store, api.client(), loggedIn)
	report, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Offline)
	assert.False(t, s.Status().Online)
	assert.Equal(t, int32(0), api.bulkCalls.Load())

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Nil(t, rec.LastRetryAt)
}

func TestForceSync_ConcurrentCallsProduceOneBatch(t *testing.T) {
	store := newTestStore()
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	var bulkCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			once.Do(func() { close(entered) })
			<-release
		case "/api/sync/pending":
			bulkCalls.Add(1)
			_, _ = w.Write([]byte(`{"success":true,"data":{"synced":[],"errors":[]}}`))
		}
	}))
	defer srv.Close()
	queue(t, store, srv.URL+"/api/tasks", "POST", "42")

	s := New(store, remote.NewClient(srv.URL+"/api"), loggedIn)

	first := make(chan Report, 1)
	go func() {
		report, _ := s.ForceSync(context.Background())
		first <- report
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first drain never reached the probe")
	}
	assert.True(t, s.Status().SyncInProgress)

	second, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(release)
	report := <-first
	assert.False(t, report.Skipped)
	assert.Equal(t, int32(1), bulkCalls.Load())
	assert.False(t, s.Status().SyncInProgress)
}

func TestScenario_TwoSucceedOneExhaustsRetries(t *testing.T) {
	api := newFakeAPI(t)
	api.individual = func(r *http.Request, _ map[string]any) int {
		if strings.HasSuffix(r.URL.Path, "/bad") {
			return http.StatusInternalServerError
		}
		return http.StatusCreated
	}
	store := newTestStore()
	queue(t, store, api.url("/tasks"), "POST", "42")
	queue(t, store, api.url("/tasks/7"), "PUT", "42")
	bad := queue(t, store, api.url("/tasks/bad"), "POST", "42")

	s := New(store, api.client(), loggedIn)
	ctx := context.Background()

	report, err := s.ForceSync(ctx)
	require.NoError(t, err)
	assert.False(t, report.Bulk)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 1, report.Errors)

	for i := 0; i < 2; i++ {
		_, err := s.ForceSync(ctx)
		require.NoError(t, err)
	}

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, bad, records[0].ID)
	assert.Equal(t, outbox.StatusFailed, records[0].Status)
	assert.Equal(t, outbox.MaxRetries, records[0].RetryCount)
	assert.NotNil(t, records[0].FailedAt)

	// A terminally failed record is never attempted again
	before := len(api.replayed)
	_, err = s.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, len(api.replayed))

	// Individual replays strip the client-asserted owner and carry the token
	for i, body := range api.replayBody {
		_, hasOwner := body["userId"]
		assert.False(t, hasOwner, "replay %d body carried userId", i)
		assert.Equal(t, "Bearer tok", api.replayAuths[i])
	}
}

func TestScenario_NullOwnerUntouched(t *testing.T) {
	api := newFakeAPI(t)
	store := newTestStore()
	id := queue(t, store, api.url("/tasks"), "POST", "")

	s := New(store, api.client(), loggedIn)
	report, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, int32(0), api.bulkCalls.Load())
	assert.Empty(t, api.replayed)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
}

func TestSentinelOwnerExcludedFromBatchAndReplay(t *testing.T) {
	api := newFakeAPI(t)
	store := newTestStore()
	ctx := context.Background()

	good := queue(t, store, api.url("/tasks"), "POST", "42")
	literal := queue(t, store, api.url("/tasks"), "POST", "1")
	numeric, err := store.Insert(ctx, outbox.NewWrite{
		URL:     api.url("/tasks"),
		Method:  "POST",
		Payload: map[string]any{"userId": float64(1)},
	})
	require.NoError(t, err)
	nullString, err := store.Insert(ctx, outbox.NewWrite{
		URL:     api.url("/tasks"),
		Method:  "POST",
		Payload: map[string]any{"userId": "null"},
	})
	require.NoError(t, err)
	// Retry count does not matter for exclusion
	require.NoError(t, store.UpdateRetry(ctx, literal, 2))

	s := New(store, api.client(), loggedIn)
	report, err := s.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Rejected)

	require.Len(t, api.bulkItems, 1)
	require.Len(t, api.bulkItems[0], 1)
	assert.Equal(t, good, api.bulkItems[0][0].ID)
	require.Len(t, api.replayed, 1)

	for _, id := range []int64{literal, numeric, nullString} {
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, rec.Status)
	}
	rec, err := store.Get(ctx, literal)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RetryCount)
}

func TestForceSync_SuccessFalseFallsBackToIndividual(t *testing.T) {
	api := newFakeAPI(t)
	api.bulk = func([]remote.BatchItem) (int, string) {
		return http.StatusOK, `{"success":false,"message":"maintenance"}`
	}
	store := newTestStore()
	queue(t, store, api.url("/tasks"), "POST", "42")

	s := New(store, api.client(), loggedIn)
	report, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Bulk)
	assert.Equal(t, 1, report.Synced)
	assert.Len(t, api.replayed, 1)
}

func TestForceSync_SucceedingDrainIsIdempotent(t *testing.T) {
	api := newFakeAPI(t)
	api.bulk = ackAll
	store := newTestStore()
	queue(t, store, api.url("/tasks"), "POST", "42")

	s := New(store, api.client(), loggedIn)
	_, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	second, err := s.ForceSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, second.Considered)
	assert.Equal(t, int32(1), api.bulkCalls.Load())
	records, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRetryFailedRequests_SkipsProbeAndExhausted(t *testing.T) {
	api := newFakeAPI(t)
	api.healthStatus.Store(http.StatusServiceUnavailable)
	api.bulk = ackAll
	store := newTestStore()
	ctx := context.Background()
	fresh := queue(t, store, api.url("/tasks"), "POST", "42")
	exhausted := queue(t, store, api.url("/tasks"), "POST", "42")
	require.NoError(t, store.UpdateRetry(ctx, exhausted, outbox.MaxRetries))

	s := New(store, api.client(), loggedIn)
	report, err := s.RetryFailedRequests(ctx)
	require.NoError(t, err)
	assert.False(t, report.Offline)
	assert.Equal(t, 1, report.Synced)

	require.Len(t, api.bulkItems, 1)
	require.Len(t, api.bulkItems[0], 1)
	assert.Equal(t, fresh, api.bulkItems[0][0].ID)

	_, err = store.Get(ctx, exhausted)
	assert.NoError(t, err)
}

func TestOnConnectivityRestored_Drains(t *testing.T) {
	api := newFakeAPI(t)
	api.bulk = ackAll
	store := newTestStore()
	queue(t, store, api.url("/tasks"), "POST", "42")

	s := New(store, api.client(), loggedIn)
	s.OnConnectivityLost()
	assert.False(t, s.Status().Online)

	report, err := s.OnConnectivityRestored(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.True(t, s.Status().Online)
}

func TestOnAuthenticated_UsesSessionUserForOwnerlessPayload(t *testing.T) {
	api := newFakeAPI(t)
	api.bulk = ackAll
	store := newTestStore()
	// Owner only on the record, not in the payload
	_, err := store.Insert(context.Background(), outbox.NewWrite{
		URL:     api.url("/tasks"),
		Method:  "POST",
		Payload: map[string]any{"title": "x"},
		OwnerID: "77",
	})
	require.NoError(t, err)

	s := New(store, api.client(), loggedIn)
	_, err = s.OnAuthenticated(context.Background())
	require.NoError(t, err)

	require.Len(t, api.bulkItems, 1)
	assert.Equal(t, "77", api.bulkItems[0][0].Data["userId"])
}

func TestForceSync_NoNotificationWhenNothingSynced(t *testing.T) {
	api := newFakeAPI(t)
	api.individual = func(*http.Request, map[string]any) int { return http.StatusBadGateway }
	store := newTestStore()
	queue(t, store, api.url("/tasks"), "POST", "42")

	notifier := &recordingNotifier{}
	s := New(store, api.client(), loggedIn, WithNotifier(notifier), WithReplayRate(1000))
	report, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Empty(t, notifier.calls)
}

// fakeRemote lets a test interleave another context's mutation.
type fakeRemote struct {
	do func(ctx context.Context, req remote.Request) (remote.Result, error)
}

func (f fakeRemote) Health(context.Context) error { return nil }

func (f fakeRemote) SyncPending(context.Context, string, []remote.BatchItem) (remote.BatchResult, error) {
	return remote.BatchResult{}, &remote.HTTPError{StatusCode: http.StatusBadGateway}
}

func (f fakeRemote) Do(ctx context.Context, req remote.Request) (remote.Result, error) {
	return f.do(ctx, req)
}

func TestReplay_ConcurrentMutationCountsOnce(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	id := queue(t, store, "http://api/tasks", "POST", "42")

	r := fakeRemote{do: func(ctx context.Context, _ remote.Request) (remote.Result, error) {
		// The background context records its own failure first.
		_, err := store.RecordFailure(ctx, id, 0, outbox.MaxRetries, "background")
		require.NoError(t, err)
		return remote.Result{}, &remote.HTTPError{StatusCode: http.StatusInternalServerError}
	}}

	s := New(store, r, loggedIn)
	report, err := s.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "background", rec.LastError)
}

type brokenStore struct {
	*memstore.Store
}

func (brokenStore) ListAll(context.Context) ([]outbox.PendingWrite, error) {
	return nil, &outbox.StorageError{Backend: "test", Err: errors.New("locked")}
}

func TestForceSync_StorageErrorPropagatesAndClearsFlag(t *testing.T) {
	api := newFakeAPI(t)
	s := New(brokenStore{newTestStore()}, api.client(), loggedIn)

	_, err := s.ForceSync(context.Background())
	assert.ErrorIs(t, err, outbox.ErrStorageUnavailable)
	assert.False(t, s.Status().SyncInProgress)

	again, err := s.ForceSync(context.Background())
	assert.Error(t, err)
	assert.False(t, again.Skipped)
}
