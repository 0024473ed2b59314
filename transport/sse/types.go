package sse

import (
	"context"
	"encoding/json"

	"github.com/c0deZ3R0/storefront-sync/events"
	"github.com/c0deZ3R0/storefront-sync/storage"
)

// Source is the journal read API the server tails.
type Source interface {
	Since(ctx context.Context, seq int64, limit int) ([]storage.Record, error)
}

var _ Source = (storage.Journal)(nil)

// Notifier is implemented by sources that can signal new records, letting
// the server skip the poll interval. The returned channel receives at least
// one value after each append; stop releases it.
type Notifier interface {
	Notify() (ch <-chan struct{}, stop func())
}

// Entry is the wire form of one journal record.
type Entry struct {
	Seq       int64           `json:"seq"`
	Event     events.Kind     `json:"event"`
	Key       string          `json:"key,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Batch is the payload of one SSE message. Next is the cursor to resume from.
type Batch struct {
	Entries []Entry `json:"entries"`
	Next    int64   `json:"next"`
}

// Decode returns the typed payload using reg, or events.DefaultRegistry
// when reg is nil.
func (e Entry) Decode(reg *events.Registry) (events.Payload, error) {
	if reg == nil {
		reg = events.DefaultRegistry
	}
	return reg.Decode(e.Event, e.Data)
}

// NewEntry converts a journal record to its wire form.
func NewEntry(r storage.Record) Entry {
	return Entry{
		Seq:       r.Seq,
		Event:     r.Kind,
		Key:       r.Key,
		Data:      r.Raw,
		Error:     r.Error,
		Timestamp: r.Time.UnixMilli(),
	}
}
