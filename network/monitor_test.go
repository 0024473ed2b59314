package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/logging"
)

func TestMonitor_NotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(true, WithLogger(logging.Discard()))

	var seen []bool
	m.OnChange(func(online bool) { seen = append(seen, online) })

	assert.False(t, m.SetOnline(true))
	assert.True(t, m.SetOnline(false))
	assert.False(t, m.SetOnline(false))
	assert.True(t, m.SetOnline(true))

	assert.Equal(t, []bool{false, true}, seen)
	assert.True(t, m.Online())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(false, WithLogger(logging.Discard()))

	calls := 0
	unsubscribe := m.OnChange(func(bool) { calls++ })
	m.SetOnline(true)
	unsubscribe()
	m.SetOnline(false)

	assert.Equal(t, 1, calls)
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := &HTTPProbe{URL: srv.URL, Timeout: time.Second}
	assert.True(t, p.Probe(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, p.Probe(context.Background()))

	unreachable := &HTTPProbe{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}
	assert.False(t, unreachable.Probe(context.Background()))
}

func TestMonitor_Watch(t *testing.T) {
	m := NewMonitor(false, WithLogger(logging.Discard()))

	transitions := make(chan bool, 4)
	m.OnChange(func(online bool) { transitions <- online })

	var up atomic.Bool
	up.Store(true)
	probe := ProberFunc(func(context.Context) bool { return up.Load() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, probe, 5*time.Millisecond) }()

	require.True(t, <-transitions)
	up.Store(false)
	require.False(t, <-transitions)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
