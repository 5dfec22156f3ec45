// Package results serves finished interview results read-only over HTTP.
//
//   - GET /v1/results/{session_id} returns one result including snapshots.
//   - GET /v1/candidates/{candidate_id}/results returns the results of one
//     candidate, oldest first and without snapshots. The optional limit query
//     parameter caps the list.
//
// Errors are JSON objects with a single "error" field.
package results

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/proctorlive/internal/handoff"
	"github.com/MrWong99/proctorlive/internal/session"
)

// maxListLimit caps the number of results one list request returns.
const maxListLimit = 100

// Handler serves results from a [handoff.Reader].
type Handler struct {
	store handoff.Reader
	log   *slog.Logger
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New creates a Handler reading from store.
func New(store handoff.Reader, opts ...Option) *Handler {
	h := &Handler{store: store, log: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the result routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/results/{session_id}", h.Result)
	mux.HandleFunc("GET /v1/candidates/{candidate_id}/results", h.CandidateResults)
}

// Result writes the result of one session.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	res, err := h.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, handoff.ErrNotFound):
		writeError(w, http.StatusNotFound, "result not found")
	case err != nil:
		h.log.Warn("results: get", "session_id", id, "err", err)
		writeError(w, http.StatusBadGateway, "result store unavailable")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// CandidateResults writes the results of one candidate.
func (h *Handler) CandidateResults(w http.ResponseWriter, r *http.Request) {
	limit := maxListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	id := r.PathValue("candidate_id")
	list, err := h.store.ListByCandidate(r.Context(), id, limit)
	if err != nil {
		h.log.Warn("results: list", "candidate_id", id, "err", err)
		writeError(w, http.StatusBadGateway, "result store unavailable")
		return
	}
	if list == nil {
		list = []session.Result{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
