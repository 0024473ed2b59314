package sse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/events"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/storage"
	"github.com/c0deZ3R0/storefront-sync/storage/sqlite"
	"github.com/c0deZ3R0/storefront-sync/synckit"
)

type memSource struct {
	mu      sync.Mutex
	records []storage.Record
}

func (m *memSource) add(kind events.Kind, key string, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, storage.Record{
		Seq:  int64(len(m.records) + 1),
		Kind: kind,
		Key:  key,
		Raw:  []byte(data),
		Time: time.UnixMilli(1000).UTC(),
	})
}

func (m *memSource) Since(_ context.Context, seq int64, limit int) ([]storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Record
	for _, r := range m.records {
		if r.Seq > seq && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

// notifySource wakes streams on every add.
type notifySource struct {
	memSource
	subs sync.Map
}

func (n *notifySource) add(kind events.Kind, key string, data string) {
	n.memSource.add(kind, key, data)
	n.subs.Range(func(k, _ any) bool {
		select {
		case k.(chan struct{}) <- struct{}{}:
		default:
		}
		return true
	})
}

func (n *notifySource) Notify() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.subs.Store(ch, struct{}{})
	return ch, func() { n.subs.Delete(ch) }
}

func newTestServer(src Source) *httptest.Server {
	s := NewServer(src, logging.Discard())
	s.PollInterval = 10 * time.Millisecond
	return httptest.NewServer(s.Handler())
}

func newTestClient(url string) *Client {
	c := NewClient(url, nil)
	c.Logger = logging.Discard()
	c.Backoff = synckit.ExponentialBackoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	return c
}

// collect subscribes until n entries arrive and returns them.
func collect(t *testing.T, c *Client, from int64, n int) []Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var got []Entry
	err := c.Subscribe(ctx, from, func(b Batch) error {
		got = append(got, b.Entries...)
		if len(got) >= n {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	return got
}

func TestSubscribe_StreamsEntries(t *testing.T) {
	src := &memSource{}
	src.add(events.KindQueued, "cart_1", `{"operationId":"op-1","key":"cart_1"}`)
	src.add(events.KindNetwork, "", `{"online":true}`)
	srv := newTestServer(src)
	defer srv.Close()

	got := collect(t, newTestClient(srv.URL), 0, 2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, events.KindQueued, got[0].Event)
	assert.Equal(t, "cart_1", got[0].Key)
	assert.Equal(t, int64(1000), got[0].Timestamp)

	p, err := got[1].Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, events.Network{Online: true}, p)
}

func TestSubscribe_ResumesFromCursor(t *testing.T) {
	src := &memSource{}
	for i := 0; i < 3; i++ {
		src.add(events.KindNetwork, "", `{"online":false}`)
	}
	srv := newTestServer(src)
	defer srv.Close()

	got := collect(t, newTestClient(srv.URL), 2, 1)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Seq)
}

func TestSubscribe_DeliversLaterEntries(t *testing.T) {
	src := &memSource{}
	srv := newTestServer(src)
	defer srv.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		src.add(events.KindRollback, "p1", `{"operationId":"op-9","key":"p1"}`)
	}()

	got := collect(t, newTestClient(srv.URL), 0, 1)
	require.Len(t, got, 1)
	assert.Equal(t, events.KindRollback, got[0].Event)
}

func TestServer_WakesOnNotify(t *testing.T) {
	src := &notifySource{}
	s := NewServer(src, logging.Discard())
	s.PollInterval = time.Hour
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		src.add(events.KindCacheCleared, "", `{}`)
	}()

	got := collect(t, newTestClient(srv.URL), 0, 1)
	require.Len(t, got, 1)
	assert.Equal(t, events.KindCacheCleared, got[0].Event)
}

func TestSubscribe_ReconnectsAfterFailures(t *testing.T) {
	src := &memSource{}
	src.add(events.KindNetwork, "", `{"online":true}`)
	inner := NewServer(src, logging.Discard())
	inner.PollInterval = 10 * time.Millisecond

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		inner.Handler().ServeHTTP(w, r)
	}))
	defer srv.Close()

	got := collect(t, newTestClient(srv.URL), 0, 1)
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestSubscribe_HandlerErrorStops(t *testing.T) {
	src := &memSource{}
	src.add(events.KindNetwork, "", `{"online":true}`)
	srv := newTestServer(src)
	defer srv.Close()

	boom := errors.New("boom")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := newTestClient(srv.URL).Subscribe(ctx, 0, func(Batch) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSubscribe_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := newTestClient(srv.URL).Subscribe(ctx, 0, func(Batch) error {
		t.Error("handler should not be called")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestServer_BadCursor(t *testing.T) {
	srv := newTestServer(&memSource{})
	defer srv.Close()

	for _, q := range []string{"?cursor=abc", "?cursor=-1"} {
		resp, err := http.Get(srv.URL + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestStartCursor_LastEventID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Last-Event-ID", "42")
	cur, err := startCursor(r)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cur)
}

func TestServer_TailsJournal(t *testing.T) {
	cfg := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "journal.db"))
	cfg.Logger = logging.Discard()
	j, err := sqlite.New(cfg)
	require.NoError(t, err)
	defer j.Close()

	bus := events.NewBus(events.WithLogger(logging.Discard()))
	detach := j.Attach(bus)
	defer detach()

	bus.Publish(events.CacheInvalidated{Key: "product_1"})
	bus.Publish(events.SyncFailed{OperationID: "op-1", Key: "product_1", Retries: 3, Err: errors.New("gateway timeout")})

	srv := newTestServer(j)
	defer srv.Close()

	got := collect(t, newTestClient(srv.URL), 0, 2)
	require.Len(t, got, 2)
	assert.Equal(t, events.KindCacheInvalidated, got[0].Event)
	assert.Equal(t, "gateway timeout", got[1].Error)

	p, err := got[1].Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, p.(events.SyncFailed).Retries)
}
