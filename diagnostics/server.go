// Package diagnostics exposes the sync engine over HTTP for the admin
// console: status, pending operations, manual conflicts, cache inspection
// and the event streams.
package diagnostics

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c0deZ3R0/storefront-sync/cache"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/metrics"
	"github.com/c0deZ3R0/storefront-sync/storage"
	"github.com/c0deZ3R0/storefront-sync/synckit"
	"github.com/c0deZ3R0/storefront-sync/transport/sse"
	"github.com/c0deZ3R0/storefront-sync/transport/ws"
)

const component = "diagnostics"

// Server holds dependencies for HTTP handlers. Only Engine is required;
// routes backed by a nil dependency answer 404.
type Server struct {
	Engine *synckit.Engine

	// Remote receives writes submitted through PUT /v1/cache/{key}.
	Remote synckit.RemoteOperation
	// Fetcher backs refresh and consistency checks.
	Fetcher synckit.Fetcher

	Metrics *metrics.Collector
	Journal storage.Journal
	Hub     *ws.Hub
	Stream  *sse.Server

	Logger *slog.Logger
}

// entryResponse is the JSON form of a cache entry.
type entryResponse struct {
	Key        string         `json:"key"`
	Data       cache.Document `json:"data"`
	Optimistic bool           `json:"optimistic"`
	Synced     bool           `json:"synced"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// updateResp is the response body for optimistic writes
type updateResp struct {
	OperationID string         `json:"operationId"`
	Data        cache.Document `json:"data,omitempty"`
	Queued      bool           `json:"queued"`
	Retrying    bool           `json:"retrying"`
}

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Logger = s.Logger.With("component", logging.Component(component))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Long-lived streams are kept out of the request logger.
	r.Route("/v1/stream", func(r chi.Router) {
		r.Get("/events", s.optional(s.Hub != nil, func(w http.ResponseWriter, r *http.Request) {
			s.Hub.Handler().ServeHTTP(w, r)
		}))
		r.Get("/journal", s.optional(s.Stream != nil, func(w http.ResponseWriter, r *http.Request) {
			s.Stream.Handler().ServeHTTP(w, r)
		}))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)

		r.Get("/v1/status", s.GetStatus)
		r.Get("/v1/metrics", s.optional(s.Metrics != nil, func(w http.ResponseWriter, r *http.Request) {
			s.Metrics.ServeHTTP(w, r)
		}))

		r.Get("/v1/pending", s.ListPending)
		r.Post("/v1/flush", s.Flush)

		r.Get("/v1/conflicts", s.ListConflicts)
		r.Post("/v1/conflicts/{id}/resolve", s.ResolveConflict)

		r.Delete("/v1/cache", s.ClearCache)
		r.Get("/v1/cache/{key}", s.GetEntry)
		r.Put("/v1/cache/{key}", s.optional(s.Remote != nil, s.UpdateEntry))
		r.Delete("/v1/cache/{key}", s.InvalidateEntry)
		r.Post("/v1/cache/{key}/refresh", s.optional(s.Fetcher != nil, s.RefreshEntry))
		r.Get("/v1/cache/{key}/consistency", s.optional(s.Fetcher != nil, s.CheckConsistency))

		r.Get("/v1/journal", s.optional(s.Journal != nil, s.RecentJournal))
		r.Get("/v1/journal/{key}", s.optional(s.Journal != nil, s.KeyJournal))
	})
	return r
}

func (s *Server) optional(enabled bool, h http.HandlerFunc) http.HandlerFunc {
	if enabled {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not configured"})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an engine error onto an HTTP status by its kind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := syncErrors.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case syncErrors.KindInvalid:
		code = http.StatusBadRequest
	case syncErrors.KindNotFound:
		code = http.StatusNotFound
	case syncErrors.KindClosed:
		code = http.StatusServiceUnavailable
	case syncErrors.KindConflict:
		code = http.StatusConflict
	case syncErrors.KindTransient, syncErrors.KindFatal:
		code = http.StatusBadGateway
	}
	if code >= 500 {
		logging.LogError(r.Context(), s.Logger, err, "Request failed", slog.String("path", r.URL.Path))
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "kind": string(kind)})
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return syncErrors.NewValidationError(syncErrors.OpTransport, errors.Join(errors.New("invalid request body"), err))
	}
	return nil
}
