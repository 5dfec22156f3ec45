// Package health serves the liveness and readiness checks of the interview
// server.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when the server accepts new interview sessions:
//     it is not draining and every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail"),
// a "checks" map with the result of each named checker and, when a session
// counter is configured, the number of live sessions.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check for one dependency, such as the result
// archive or the result queue.
type Checker struct {
	// Name appears as a key in the JSON response.
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status   string            `json:"status"`
	Draining bool              `json:"draining,omitempty"`
	Sessions *int              `json:"sessions,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	sessions func() int
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithSessionCount reports the number of live sessions in health responses.
func WithSessionCount(fn func() int) Option {
	return func(h *Handler) { h.sessions = fn }
}

// New creates a [Handler] that evaluates the given checkers concurrently on
// each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining marks the server as shutting down. A draining server stays live
// but reports not ready so that load balancers stop routing new candidates
// to it while running interviews finish.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// Healthz is a liveness check that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	h.fillSessions(&res)
	writeJSON(w, http.StatusOK, res)
}

// Readyz returns 200 only when the handler is not draining and every
// registered [Checker] passes within [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		allOK = true
	)

	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
				return
			}
			checks[c.Name] = "ok"
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: checks}
	h.fillSessions(&res)
	status := http.StatusOK
	if h.draining.Load() {
		res.Draining = true
		allOK = false
	}
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) fillSessions(res *result) {
	if h.sessions == nil {
		return
	}
	n := h.sessions()
	res.Sessions = &n
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
