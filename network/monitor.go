// Package network tracks connectivity and tells the engine when to replay
// queued work.
package network

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Listener is called with the new state after every transition.
type Listener func(online bool)

// Monitor holds the online flag. Listeners run only on transitions, in
// registration order, on the goroutine that caused the transition.
// Transitions are serialised, so a listener must not call SetOnline.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	listeners []subscription
	nextID    uint64
	changedAt time.Time

	transition sync.Mutex
	logger     *slog.Logger
}

type subscription struct {
	id uint64
	fn Listener
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a monitor seeded with the initial connectivity state.
func NewMonitor(online bool, opts ...Option) *Monitor {
	m := &Monitor{
		online:    online,
		changedAt: time.Now(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// ChangedAt reports when the state last changed.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// SetOnline records the state and notifies listeners if it changed. It
// reports whether a transition happened.
func (m *Monitor) SetOnline(online bool) bool {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.changedAt = time.Now()
	snapshot := make([]subscription, len(m.listeners))
	copy(snapshot, m.listeners)
	m.mu.Unlock()

	m.logger.Info("Network state changed", "online", online)
	for _, s := range snapshot {
		s.fn(online)
	}
	return true
}

// OnChange registers fn and returns a function that removes it.
func (m *Monitor) OnChange(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Prober checks connectivity.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProbe considers the network online when URL answers with a status
// below 500.
type HTTPProbe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// Probe issues a HEAD request to the configured URL.
func (p *HTTPProbe) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Watch probes immediately and then every interval, feeding the result into
// the monitor until ctx is done.
func (m *Monitor) Watch(ctx context.Context, p Prober, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.SetOnline(p.Probe(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SetOnline(p.Probe(ctx))
		}
	}
}
