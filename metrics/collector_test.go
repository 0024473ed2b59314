package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/cache"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/network"
	"github.com/c0deZ3R0/storefront-sync/schedule"
	"github.com/c0deZ3R0/storefront-sync/synckit"
)

func TestCollector_Counters(t *testing.T) {
	m := NewCollector()
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	m.RecordSyncDuration("execute", 30*time.Millisecond)
	m.RecordSyncDuration("execute", 10*time.Millisecond)
	m.RecordSyncErrors("execute", "transient")
	m.RecordRetry(time.Second)
	m.RecordRetry(2 * time.Second)
	m.RecordConflict("merge")
	m.RecordRollback()
	m.RecordPending(4)
	m.RecordPending(2)

	s := m.Snapshot()
	assert.Equal(t, DurationSnapshot{Count: 2, TotalMS: 40, MaxMS: 30}, s.Durations["execute"])
	assert.EqualValues(t, 1, s.Errors["execute.transient"])
	assert.EqualValues(t, 2, s.Retries)
	assert.EqualValues(t, 3000, s.RetryDelayMS)
	assert.EqualValues(t, 1, s.Conflicts["merge"])
	assert.EqualValues(t, 1, s.Rollbacks)
	assert.EqualValues(t, 2, s.Pending)
	assert.Equal(t, "2026-01-02T03:04:05Z", s.LastSync)
	assert.Equal(t, []string{"execute"}, m.Operations())
}

func TestCollector_ConcurrentUse(t *testing.T) {
	m := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordSyncDuration("flush", time.Millisecond)
				m.RecordSyncErrors("flush", "fatal")
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.EqualValues(t, 800, s.Durations["flush"].Count)
	assert.EqualValues(t, 800, s.Errors["flush.fatal"])
}

func TestCollector_ServeHTTP(t *testing.T) {
	m := NewCollector()
	m.RecordRollback()

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.EqualValues(t, 1, got.Rollbacks)
}

func TestCollector_WiredIntoEngine(t *testing.T) {
	m := NewCollector()
	sched := schedule.NewManualScheduler(time.Unix(0, 0))
	e, err := synckit.New(
		synckit.WithScheduler(sched),
		synckit.WithNetworkMonitor(network.NewMonitor(true, network.WithLogger(logging.Discard()))),
		synckit.WithLogger(logging.Discard()),
		synckit.WithMetrics(m),
		synckit.WithMaxRetries(1),
	)
	require.NoError(t, err)
	defer e.Close()

	remote := synckit.RemoteFunc(func(context.Context, *synckit.PendingOperation) (any, error) {
		return nil, errors.New("unavailable")
	})
	_, err = e.OptimisticUpdate(context.Background(), "k", cache.Document{"a": 1}, remote, nil)
	require.Error(t, err)
	sched.Advance(time.Second)

	s := m.Snapshot()
	assert.EqualValues(t, 2, s.Durations["execute"].Count)
	assert.EqualValues(t, 2, s.Errors["execute.transient"])
	assert.EqualValues(t, 1, s.Retries)
	assert.EqualValues(t, 1, s.Rollbacks)
	assert.EqualValues(t, 0, s.Pending)
}
