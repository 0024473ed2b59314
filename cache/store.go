// Package cache holds the engine's view of every synchronized entity.
package cache

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/c0deZ3R0/storefront-sync/events"
)

// Document is an entity payload as exchanged with the remote store.
type Document = map[string]any

// Write reasons reported in events.CacheUpdated.
const (
	ReasonOptimistic = "optimistic"
	ReasonConfirmed  = "confirmed"
	ReasonRestored   = "restored"
)

// Entry is the last known state of a key.
type Entry struct {
	Data       Document
	Optimistic bool
	Synced     bool
	UpdatedAt  time.Time
}

// Store is a mutex-guarded key/value map of entries. Writes are
// last-writer-wins by call order.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry

	events events.Publisher
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store publishing to pub. pub may be nil.
func New(pub events.Publisher, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		events:  pub,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyOptimistic shallow-merges data into the entry for key and marks it
// optimistic.
func (s *Store) ApplyOptimistic(key string, data Document) Entry {
	s.mu.Lock()
	prev := s.entries[key]
	merged := Merge(prev.Data, data)
	e := Entry{
		Data:       merged,
		Optimistic: true,
		Synced:     false,
		UpdatedAt:  s.now(),
	}
	s.entries[key] = e
	s.mu.Unlock()

	s.publishUpdate(key, e, ReasonOptimistic)
	return e.clone()
}

// Confirm replaces the entry for key with server-confirmed data. Confirming
// data equal to an entry that is already synced leaves the entry untouched.
func (s *Store) Confirm(key string, data Document) Entry {
	s.mu.Lock()
	if cur, ok := s.entries[key]; ok && cur.Synced && !cur.Optimistic && reflect.DeepEqual(cur.Data, data) {
		s.mu.Unlock()
		return cur.clone()
	}
	e := Entry{
		Data:       Clone(data),
		Optimistic: false,
		Synced:     true,
		UpdatedAt:  s.now(),
	}
	s.entries[key] = e
	s.mu.Unlock()

	s.publishUpdate(key, e, ReasonConfirmed)
	return e.clone()
}

// Restore puts back an entry captured before an optimistic write. When
// existed is false the key is removed instead.
func (s *Store) Restore(key string, prev Entry, existed bool) {
	s.mu.Lock()
	if !existed {
		delete(s.entries, key)
		s.mu.Unlock()
		s.publish(events.CacheInvalidated{Key: key})
		return
	}
	e := prev.clone()
	s.entries[key] = e
	s.mu.Unlock()

	s.publishUpdate(key, e, ReasonRestored)
}

// Read returns the entry for key.
func (s *Store) Read(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Invalidate removes the entry for key. It reports whether an entry existed.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	s.publish(events.CacheInvalidated{Key: key})
	return ok
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]Entry)
	s.mu.Unlock()

	s.publish(events.CacheCleared{Count: n})
}

// Len reports the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns the cached keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (s *Store) publishUpdate(key string, e Entry, reason string) {
	s.publish(events.CacheUpdated{
		Key:        key,
		Data:       Clone(e.Data),
		Optimistic: e.Optimistic,
		Synced:     e.Synced,
		Reason:     reason,
	})
}

func (s *Store) publish(p events.Payload) {
	if s.events != nil {
		s.events.Publish(p)
	}
}

func (e Entry) clone() Entry {
	e.Data = Clone(e.Data)
	return e
}

// Merge returns a new document with patch's top-level fields laid over base.
func Merge(base, patch Document) Document {
	out := make(Document, len(base)+len(patch))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// Clone deep-copies a document. Nested maps and slices are copied; other
// values are shared.
func Clone(d Document) Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Normalize round-trips d through JSON so documents built in Go compare
// equal to documents decoded from the wire (all numbers become float64).
func Normalize(d Document) (Document, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
