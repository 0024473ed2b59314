package diagnostics

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/c0deZ3R0/storefront-sync/cache"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/synckit"
)

// GetStatus handles GET /v1/status
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Status())
}

// ListPending handles GET /v1/pending
func (s *Server) ListPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.Engine.Pending()})
}

// Flush handles POST /v1/flush
func (s *Server) Flush(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Flush(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Status())
}

// ListConflicts handles GET /v1/conflicts
func (s *Server) ListConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": s.Engine.Conflicts()})
}

// ResolveConflict handles POST /v1/conflicts/{id}/resolve with a
// synckit.Resolution body.
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var res synckit.Resolution
	if err := decodeBody(w, r, &res); err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.Engine.ResolveConflict(r.Context(), chi.URLParam(r, "id"), res)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// GetEntry handles GET /v1/cache/{key}
func (s *Server) GetEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, ok := s.Engine.Read(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not cached", "key": key})
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{
		Key:        key,
		Data:       entry.Data,
		Optimistic: entry.Optimistic,
		Synced:     entry.Synced,
		UpdatedAt:  entry.UpdatedAt,
	})
}

// UpdateEntry handles PUT /v1/cache/{key}: the body is applied
// optimistically and sent to the configured remote. A write that is queued
// or retrying answers 202; one parked for manual resolution answers 409
// with its operation id.
func (s *Server) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	var doc cache.Document
	if err := decodeBody(w, r, &doc); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.Engine.OptimisticUpdate(r.Context(), chi.URLParam(r, "key"), doc, s.Remote, nil)
	if errors.Is(err, syncErrors.ErrManualResolution) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":       err.Error(),
			"kind":        string(syncErrors.KindConflict),
			"operationId": res.OperationID,
		})
		return
	}
	if err != nil && !errors.Is(err, syncErrors.ErrRetrying) {
		s.writeError(w, r, err)
		return
	}

	code := http.StatusOK
	if res.Queued || res.Retrying {
		code = http.StatusAccepted
	}
	writeJSON(w, code, updateResp{
		OperationID: res.OperationID,
		Data:        res.Data,
		Queued:      res.Queued,
		Retrying:    res.Retrying,
	})
}

// InvalidateEntry handles DELETE /v1/cache/{key}
func (s *Server) InvalidateEntry(w http.ResponseWriter, r *http.Request) {
	if !s.Engine.Invalidate(chi.URLParam(r, "key")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not cached"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCache handles DELETE /v1/cache
func (s *Server) ClearCache(w http.ResponseWriter, r *http.Request) {
	s.Engine.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

// RefreshEntry handles POST /v1/cache/{key}/refresh
func (s *Server) RefreshEntry(w http.ResponseWriter, r *http.Request) {
	data, err := s.Engine.Refresh(r.Context(), chi.URLParam(r, "key"), s.Fetcher)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// CheckConsistency handles GET /v1/cache/{key}/consistency. The cached
// payload is compared with a fresh read from the server; the cache is left
// untouched.
func (s *Server) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, ok := s.Engine.Read(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not cached", "key": key})
		return
	}

	raw, err := s.Fetcher.Fetch(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	server, ok := raw.(map[string]any)
	if !ok {
		s.writeError(w, r, syncErrors.NewFatal(syncErrors.OpRefresh, errors.New("server returned a non-object payload")))
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.ValidateConsistency(key, entry.Data, server))
}

// RecentJournal handles GET /v1/journal?limit=N
func (s *Server) RecentJournal(w http.ResponseWriter, r *http.Request) {
	records, err := s.Journal.Recent(r.Context(), parseLimit(r.URL.Query().Get("limit"), 100, 1000))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// KeyJournal handles GET /v1/journal/{key}?limit=N
func (s *Server) KeyJournal(w http.ResponseWriter, r *http.Request) {
	records, err := s.Journal.ByKey(r.Context(), chi.URLParam(r, "key"), parseLimit(r.URL.Query().Get("limit"), 100, 1000))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
