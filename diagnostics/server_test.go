package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/cache"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/metrics"
	"github.com/c0deZ3R0/storefront-sync/network"
	"github.com/c0deZ3R0/storefront-sync/schedule"
	"github.com/c0deZ3R0/storefront-sync/storage/sqlite"
	"github.com/c0deZ3R0/storefront-sync/synckit"
)

// storefront answers like the product API: p_locked always conflicts unless
// forced, p_flaky fails transiently and everything else is accepted.
func storefront(_ context.Context, op *synckit.PendingOperation) (any, error) {
	switch op.Key {
	case "p_locked":
		if !op.Options.Force {
			return nil, syncErrors.NewConflict(map[string]any{"price": 12.0}, nil)
		}
	case "p_flaky":
		return nil, errors.New("upstream timeout")
	}
	return map[string]any{"data": op.Data}, nil
}

type fixture struct {
	engine  *synckit.Engine
	net     *network.Monitor
	journal *sqlite.Journal
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mon := network.NewMonitor(true, network.WithLogger(logging.Discard()))
	collector := metrics.NewCollector()
	e, err := synckit.New(
		synckit.WithScheduler(schedule.NewManualScheduler(time.Unix(0, 0))),
		synckit.WithNetworkMonitor(mon),
		synckit.WithLogger(logging.Discard()),
		synckit.WithMetrics(collector),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.RegisterConflictResolver("p_locked", synckit.Manual))

	cfg := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "journal.db"))
	cfg.Logger = logging.Discard()
	j, err := sqlite.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	detach := j.Attach(e.Bus())
	t.Cleanup(detach)

	s := &Server{
		Engine: e,
		Remote: synckit.RemoteFunc(storefront),
		Fetcher: synckit.FetchFunc(func(_ context.Context, key string) (any, error) {
			return map[string]any{"price": 30.0, "stock": 4.0}, nil
		}),
		Metrics: collector,
		Journal: j,
		Logger:  logging.Discard(),
	}
	return &fixture{engine: e, net: mon, journal: j, handler: s.Routes()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestUpdateAndReadEntry(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/cache/cart_1", `{"qty":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	upd := decode[updateResp](t, rec)
	assert.NotEmpty(t, upd.OperationID)
	assert.Equal(t, cache.Document{"qty": 2.0}, upd.Data)

	rec = f.do(t, http.MethodGet, "/v1/cache/cart_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decode[entryResponse](t, rec)
	assert.Equal(t, "cart_1", entry.Key)
	assert.True(t, entry.Synced)
	assert.False(t, entry.Optimistic)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/cache/missing", "").Code)
}

func TestUpdateEntry_BadBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/v1/cache/cart_1", `{"qty":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(syncErrors.KindInvalid), decode[map[string]string](t, rec)["kind"])
}

func TestUpdateEntry_RetryingIsAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/v1/cache/p_flaky", `{"price":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, decode[updateResp](t, rec).Retrying)

	pending := decode[struct {
		Operations []synckit.OperationInfo `json:"operations"`
	}](t, f.do(t, http.MethodGet, "/v1/pending", ""))
	require.Len(t, pending.Operations, 1)
	assert.Equal(t, "p_flaky", pending.Operations[0].Key)
}

func TestOfflineQueueAndFlush(t *testing.T) {
	f := newFixture(t)
	f.net.SetOnline(false)

	rec := f.do(t, http.MethodPut, "/v1/cache/cart_9", `{"qty":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode[updateResp](t, rec).Queued)

	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/v1/flush", "").Code)

	f.net.SetOnline(true)
	rec = f.do(t, http.MethodPost, "/v1/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[synckit.SyncStatus](t, rec)
	assert.True(t, st.Online)
	assert.Zero(t, st.PendingOperations)
}

func TestManualConflictRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/cache/p_locked", `{"price":10}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	id := decode[map[string]string](t, rec)["operationId"]
	require.NotEmpty(t, id)

	list := decode[struct {
		Conflicts []synckit.ManualConflict `json:"conflicts"`
	}](t, f.do(t, http.MethodGet, "/v1/conflicts", ""))
	require.Len(t, list.Conflicts, 1)
	assert.Equal(t, id, list.Conflicts[0].OperationID)
	assert.Equal(t, cache.Document{"price": 12.0}, list.Conflicts[0].ServerData)

	rec = f.do(t, http.MethodPost, "/v1/conflicts/"+id+"/resolve", `{"strategy":"server_wins"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cache.Document{"price": 12.0}, decode[map[string]cache.Document](t, rec)["data"])
	assert.Empty(t, f.engine.Conflicts())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/conflicts/"+id+"/resolve", `{"strategy":"server_wins"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/conflicts/x/resolve", `{"strategy":"manual"}`).Code)
}

func TestInvalidateAndClear(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPut, "/v1/cache/a", `{"v":1}`)
	f.do(t, http.MethodPut, "/v1/cache/b", `{"v":2}`)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/cache/a", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/cache/a", "").Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/cache", "").Code)
	assert.Zero(t, f.engine.Status().CacheSize)
}

func TestRefreshAndConsistency(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPut, "/v1/cache/p1", `{"price":25,"stock":4}`)

	rec := f.do(t, http.MethodGet, "/v1/cache/p1/consistency", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[synckit.ConsistencyReport](t, rec)
	assert.False(t, report.Consistent)
	assert.NotEmpty(t, report.Inconsistencies)

	rec = f.do(t, http.MethodPost, "/v1/cache/p1/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entry, ok := f.engine.Read("p1")
	require.True(t, ok)
	assert.Equal(t, cache.Document{"price": 30.0, "stock": 4.0}, entry.Data)

	report = decode[synckit.ConsistencyReport](t, f.do(t, http.MethodGet, "/v1/cache/p1/consistency", ""))
	assert.True(t, report.Consistent)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/cache/nope/consistency", "").Code)
}

func TestStatusMetricsAndJournal(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPut, "/v1/cache/cart_1", `{"qty":2}`)

	st := decode[synckit.SyncStatus](t, f.do(t, http.MethodGet, "/v1/status", ""))
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.CacheSize)

	snap := decode[metrics.Snapshot](t, f.do(t, http.MethodGet, "/v1/metrics", ""))
	assert.EqualValues(t, 1, snap.Durations["execute"].Count)

	type record struct {
		Event string `json:"event"`
		Key   string `json:"key"`
	}
	all := decode[struct {
		Records []record `json:"records"`
	}](t, f.do(t, http.MethodGet, "/v1/journal?limit=50", ""))
	require.NotEmpty(t, all.Records)
	assert.Equal(t, record{Event: "cache_updated", Key: "cart_1"}, all.Records[0])

	rec := f.do(t, http.MethodGet, "/v1/journal/cart_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sync_success"`)
}

func TestUnconfiguredRoutes(t *testing.T) {
	e, err := synckit.New(synckit.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer e.Close()

	h := (&Server{Engine: e, Logger: logging.Discard()}).Routes()
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/metrics"},
		{http.MethodGet, "/v1/journal"},
		{http.MethodPut, "/v1/cache/k"},
		{http.MethodPost, "/v1/cache/k/refresh"},
		{http.MethodGet, "/v1/stream/events"},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader("{}")))
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 100, parseLimit("", 100, 1000))
	assert.Equal(t, 100, parseLimit("x", 100, 1000))
	assert.Equal(t, 5, parseLimit("5", 100, 1000))
	assert.Equal(t, 1000, parseLimit("5000", 100, 1000))
}
