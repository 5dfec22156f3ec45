// Package handoff delivers finished interview results to the reporting side.
//
// A [Sink] receives each [session.Result] exactly once, when the session has
// ended. Concrete sinks live in sub-packages: postgres archives results for
// later review and redis queues them for the report generator. [Multi] fans
// one result out to several sinks.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/proctorlive/internal/session"
)

// Sink receives ended session results. Implementations must be safe for
// concurrent use.
type Sink interface {
	Deliver(ctx context.Context, r session.Result) error
}

var _ session.ResultSink = Sink(nil)

// ErrNotFound is returned by [Reader.Get] for unknown session IDs.
var ErrNotFound = errors.New("handoff: result not found")

// Reader looks up delivered results. Stores that keep results for later
// review implement it next to [Sink].
type Reader interface {
	// Get returns the result of sessionID or [ErrNotFound].
	Get(ctx context.Context, sessionID string) (session.Result, error)

	// ListByCandidate returns up to limit results of candidateID, oldest
	// first and without snapshots. A limit of zero or less means no limit.
	ListByCandidate(ctx context.Context, candidateID string, limit int) ([]session.Result, error)
}

// Named pairs a sink with the name used in logs and errors.
type Named struct {
	Name string
	Sink Sink
}

// Multi delivers every result to all of its sinks concurrently. A failing
// sink does not prevent delivery to the others; all failures are joined.
type Multi struct {
	sinks []Named
}

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...Named) *Multi {
	return &Multi{sinks: sinks}
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Deliver implements [Sink].
func (m *Multi) Deliver(ctx context.Context, r session.Result) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Sink.Deliver(ctx, r); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("handoff: %s: %w", s.Name, err))
				mu.Unlock()
				return
			}
			slog.Debug("handoff: result delivered", "sink", s.Name, "session_id", r.SessionID)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Memory keeps the most recent results in process. It backs tests and
// deployments without a result archive.
type Memory struct {
	mu      sync.Mutex
	limit   int
	results []session.Result
}

// NewMemory creates an in-memory sink holding at most limit results; the
// oldest is evicted first. A limit of zero or less keeps every result.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

// Deliver implements [Sink]. Redelivery of a session replaces the stored
// result.
func (m *Memory) Deliver(_ context.Context, r session.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(r.SessionID); i >= 0 {
		m.results[i] = r
		return nil
	}
	m.results = append(m.results, r)
	if m.limit > 0 && len(m.results) > m.limit {
		m.results = slices.Delete(m.results, 0, len(m.results)-m.limit)
	}
	return nil
}

// Get implements [Reader].
func (m *Memory) Get(_ context.Context, sessionID string) (session.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(sessionID)
	if i < 0 {
		return session.Result{}, ErrNotFound
	}
	return m.results[i], nil
}

// ListByCandidate implements [Reader].
func (m *Memory) ListByCandidate(_ context.Context, candidateID string, limit int) ([]session.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Result
	for _, r := range m.results {
		if r.CandidateID != candidateID {
			continue
		}
		r.Snapshots = nil
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) indexLocked(sessionID string) int {
	return slices.IndexFunc(m.results, func(r session.Result) bool { return r.SessionID == sessionID })
}

// Compile-time interface assertions.
var (
	_ Sink   = (*Multi)(nil)
	_ Sink   = (*Memory)(nil)
	_ Reader = (*Memory)(nil)
)
