// Package sse tails the event journal over Server-Sent Events. The cursor is
// the journal sequence number, so a client that reconnects with the last
// cursor it saw resumes without gaps.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
)

const component = "transport/sse"

type Server struct {
	Source       Source
	Logger       *slog.Logger
	BatchSize    int
	PollInterval time.Duration
}

// NewServer creates a new SSE server with default settings
func NewServer(source Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Source:       source,
		Logger:       logger.With("component", logging.Component(component)),
		BatchSize:    100,
		PollInterval: 200 * time.Millisecond,
	}
}

// Handler streams batches of journal entries. The starting cursor comes from
// the cursor query parameter or the Last-Event-ID header; it defaults to 0.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		cur, err := startCursor(r)
		if err != nil {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := r.Context()
		ticker := time.NewTicker(s.PollInterval)
		defer ticker.Stop()

		var wake <-chan struct{}
		if n, ok := s.Source.(Notifier); ok {
			ch, stop := n.Notify()
			defer stop()
			wake = ch
		}

		for {
			records, err := s.Source.Since(ctx, cur, s.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.LogError(ctx, s.Logger,
					syncErrors.WrapOpComponent(err, syncErrors.OpTransport, component),
					"Failed to load journal entries",
					slog.Int64("cursor", cur))
				return
			}

			if len(records) > 0 {
				batch := Batch{Entries: make([]Entry, len(records))}
				for i, rec := range records {
					batch.Entries[i] = NewEntry(rec)
				}
				cur = records[len(records)-1].Seq
				batch.Next = cur

				b, err := json.Marshal(batch)
				if err != nil {
					s.Logger.Error("Failed to encode batch", slog.String("error", err.Error()))
					return
				}
				fmt.Fprintf(w, "id: %d\ndata: %s\n\n", cur, b)
				flusher.Flush()

				// A full batch means more may be waiting.
				if len(records) == s.BatchSize {
					continue
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-wake:
			}
		}
	})
}

func startCursor(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	cur, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cur < 0 {
		return 0, fmt.Errorf("invalid cursor %q", raw)
	}
	return cur, nil
}
