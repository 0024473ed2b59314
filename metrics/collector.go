// Package metrics provides an in-process collector for the sync engine's
// metrics hook with a JSON HTTP endpoint.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/storefront-sync/synckit"
)

var _ synckit.MetricsCollector = (*Collector)(nil)

// Collector implements synckit.MetricsCollector with atomic counters.
type Collector struct {
	mu        sync.RWMutex
	durations map[string]*durationStat
	errors    map[string]*atomic.Int64
	conflicts map[string]*atomic.Int64

	retries      atomic.Int64
	retryDelayMS atomic.Int64
	rollbacks    atomic.Int64
	pending      atomic.Int64
	lastSyncTime atomic.Value // stores time.Time

	now func() time.Time
}

type durationStat struct {
	count   atomic.Int64
	totalMS atomic.Int64
	maxMS   atomic.Int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		durations: make(map[string]*durationStat),
		errors:    make(map[string]*atomic.Int64),
		conflicts: make(map[string]*atomic.Int64),
		now:       time.Now,
	}
}

func (m *Collector) RecordSyncDuration(operation string, duration time.Duration) {
	stat := lookup(&m.mu, m.durations, operation, func() *durationStat { return &durationStat{} })
	ms := duration.Milliseconds()
	stat.count.Add(1)
	stat.totalMS.Add(ms)
	for {
		cur := stat.maxMS.Load()
		if ms <= cur || stat.maxMS.CompareAndSwap(cur, ms) {
			break
		}
	}
	m.lastSyncTime.Store(m.now())
}

func (m *Collector) RecordSyncErrors(operation string, errorType string) {
	lookup(&m.mu, m.errors, operation+"."+errorType, newCounter).Add(1)
}

func (m *Collector) RecordRetry(delay time.Duration) {
	m.retries.Add(1)
	m.retryDelayMS.Add(delay.Milliseconds())
}

func (m *Collector) RecordConflict(strategy string) {
	lookup(&m.mu, m.conflicts, strategy, newCounter).Add(1)
}

func (m *Collector) RecordRollback() { m.rollbacks.Add(1) }

func (m *Collector) RecordPending(n int) { m.pending.Store(int64(n)) }

func newCounter() *atomic.Int64 { return &atomic.Int64{} }

func lookup[T any](mu *sync.RWMutex, m map[string]*T, key string, create func() *T) *T {
	mu.RLock()
	v, ok := m[key]
	mu.RUnlock()
	if ok {
		return v
	}
	mu.Lock()
	defer mu.Unlock()
	if v, ok := m[key]; ok {
		return v
	}
	v = create()
	m[key] = v
	return v
}

// DurationSnapshot summarises the recorded durations of one operation.
type DurationSnapshot struct {
	Count   int64 `json:"count"`
	TotalMS int64 `json:"total_ms"`
	MaxMS   int64 `json:"max_ms"`
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Durations    map[string]DurationSnapshot `json:"durations"`
	Errors       map[string]int64            `json:"errors"`
	Conflicts    map[string]int64            `json:"conflicts"`
	Retries      int64                       `json:"retries"`
	RetryDelayMS int64                       `json:"retry_delay_ms"`
	Rollbacks    int64                       `json:"rollbacks"`
	Pending      int64                       `json:"pending"`
	LastSync     string                      `json:"last_sync,omitempty"`
}

// Snapshot copies the current counters.
func (m *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Durations:    make(map[string]DurationSnapshot),
		Errors:       make(map[string]int64),
		Conflicts:    make(map[string]int64),
		Retries:      m.retries.Load(),
		RetryDelayMS: m.retryDelayMS.Load(),
		Rollbacks:    m.rollbacks.Load(),
		Pending:      m.pending.Load(),
	}

	m.mu.RLock()
	for op, d := range m.durations {
		s.Durations[op] = DurationSnapshot{Count: d.count.Load(), TotalMS: d.totalMS.Load(), MaxMS: d.maxMS.Load()}
	}
	for k, c := range m.errors {
		s.Errors[k] = c.Load()
	}
	for k, c := range m.conflicts {
		s.Conflicts[k] = c.Load()
	}
	m.mu.RUnlock()

	if last, ok := m.lastSyncTime.Load().(time.Time); ok {
		s.LastSync = last.Format(time.RFC3339)
	}
	return s
}

// Operations returns the operation names with recorded durations, sorted.
func (m *Collector) Operations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := make([]string, 0, len(m.durations))
	for op := range m.durations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// ServeHTTP exposes metrics via HTTP endpoint
func (m *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.Snapshot())
}
