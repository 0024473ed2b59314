// Package storage defines the event journal shared by the SQLite and
// PostgreSQL backends.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/storefront-sync/events"
	"github.com/c0deZ3R0/storefront-sync/logging"
)

// ErrJournalClosed is returned by every operation on a closed journal.
var ErrJournalClosed = errors.New("journal is closed")

// Record is a journaled event. Payload is nil when no codec could decode
// the stored data; Raw always holds it.
type Record struct {
	Seq     int64           `json:"seq"`
	Kind    events.Kind     `json:"event"`
	Key     string          `json:"key,omitempty"`
	Payload events.Payload  `json:"data,omitempty"`
	Raw     json.RawMessage `json:"-"`
	Error   string          `json:"error,omitempty"`
	Time    time.Time       `json:"time"`
}

// Journal is an append-only log of bus events ordered by sequence number.
type Journal interface {
	Append(ctx context.Context, ev events.Event) error
	AppendBatch(ctx context.Context, evs []events.Event) error
	Attach(bus *events.Bus) (detach func())

	// Recent returns up to limit of the newest records, oldest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Since returns up to limit records with a sequence number above seq.
	Since(ctx context.Context, seq int64, limit int) ([]Record, error)
	// ByKey returns up to limit of the newest records for a cache key,
	// oldest first.
	ByKey(ctx context.Context, key string, limit int) ([]Record, error)
	LatestSeq(ctx context.Context) (int64, error)
	// Prune deletes records older than before and reports how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)

	Stats() sql.DBStats
	Close() error
}

// Row is an event flattened into journal columns.
type Row struct {
	Kind  string
	Key   string
	Data  string
	Error string
	At    int64 // unix milliseconds
}

// EncodeRow flattens ev using codecs.
func EncodeRow(codecs *events.Registry, ev events.Event) (Row, error) {
	raw, err := codecs.Encode(ev.Payload)
	if err != nil {
		return Row{}, err
	}
	row := Row{
		Kind: string(ev.Kind),
		Key:  ev.Key(),
		Data: string(raw),
		At:   ev.Time.UnixMilli(),
	}
	if f, ok := ev.Payload.(events.Failure); ok && f.Cause() != nil {
		row.Error = f.Cause().Error()
	}
	return row, nil
}

// DecodeRecord rebuilds a Record from its columns. A payload no codec
// understands is kept only in Raw.
func DecodeRecord(codecs *events.Registry, logger *slog.Logger, seq int64, kind, key string, data sql.NullString, errText string, at int64) Record {
	r := Record{
		Seq:   seq,
		Kind:  events.Kind(kind),
		Key:   key,
		Error: errText,
		Time:  time.UnixMilli(at).UTC(),
	}
	if data.Valid {
		r.Raw = json.RawMessage(data.String)
		payload, err := codecs.Decode(r.Kind, r.Raw)
		if err != nil {
			logger.Debug("Journal payload not decoded", slog.Int64("seq", seq), slog.String("error", err.Error()))
		} else {
			r.Payload = payload
		}
	}
	return r
}

// Attach subscribes j to bus. Append failures are logged, never returned to
// the publisher.
func Attach(j Journal, bus *events.Bus, logger *slog.Logger) (detach func()) {
	return bus.Subscribe(func(ev events.Event) {
		if err := j.Append(context.Background(), ev); err != nil {
			if errors.Is(err, ErrJournalClosed) {
				return
			}
			logging.LogError(context.Background(), logger, err, "Failed to journal event",
				slog.String("event", string(ev.Kind)))
		}
	})
}

// ValidIdentifier reports whether s is safe to splice into SQL as a table name.
func ValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
