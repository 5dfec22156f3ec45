package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/proctorlive/internal/handoff"
	"github.com/MrWong99/proctorlive/internal/session"
)

var (
	_ handoff.Sink   = (*Archive)(nil)
	_ handoff.Reader = (*Archive)(nil)
)

// ErrNotFound is returned by Get for unknown session IDs.
var ErrNotFound = handoff.ErrNotFound

// Archive is a PostgreSQL-backed result sink. All methods are safe for
// concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive connects to the database at dsn, verifies the connection and
// runs [Migrate].
func NewArchive(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: migrate: %w", err)
	}

	return &Archive{pool: pool}, nil
}

// Ping checks database connectivity. It serves as a readiness check.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (a *Archive) Close() {
	a.pool.Close()
}

// Deliver implements [handoff.Sink]. The result and its snapshots are written
// in one transaction. Redelivering a session that is already archived is a
// no-op.
func (a *Archive) Deliver(ctx context.Context, r session.Result) error {
	turns, err := json.Marshal(nonNil(r.Transcript))
	if err != nil {
		return fmt.Errorf("postgres archive: encode transcript: %w", err)
	}
	events, err := json.Marshal(nonNil(r.IntegrityEvents))
	if err != nil {
		return fmt.Errorf("postgres archive: encode integrity events: %w", err)
	}

	const insertResult = `
		INSERT INTO interview_results
		    (session_id, candidate_id, candidate_name, started_at, ended_at,
		     duration_ns, end_reason, violations, transcript, integrity_events)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO NOTHING`

	const insertSnapshot = `
		INSERT INTO interview_snapshots (session_id, seq, jpeg)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, seq) DO NOTHING`

	err = pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertResult,
			r.SessionID,
			r.CandidateID,
			r.CandidateName,
			r.StartedAt,
			r.EndedAt,
			r.Duration.Nanoseconds(),
			string(r.EndReason),
			r.Violations,
			turns,
			events,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, jpeg := range r.Snapshots {
			batch.Queue(insertSnapshot, r.SessionID, i, jpeg)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres archive: deliver %s: %w", r.SessionID, err)
	}
	return nil
}

// Get loads the archived result of sessionID including its snapshots.
func (a *Archive) Get(ctx context.Context, sessionID string) (session.Result, error) {
	const q = `
		SELECT session_id, candidate_id, candidate_name, started_at, ended_at,
		       duration_ns, end_reason, violations, transcript, integrity_events
		FROM   interview_results
		WHERE  session_id = $1`

	rows, err := a.pool.Query(ctx, q, sessionID)
	if err != nil {
		return session.Result{}, fmt.Errorf("postgres archive: get: %w", err)
	}
	results, err := collectResults(rows)
	if err != nil {
		return session.Result{}, fmt.Errorf("postgres archive: get: %w", err)
	}
	if len(results) == 0 {
		return session.Result{}, ErrNotFound
	}
	r := results[0]

	snaps, err := a.pool.Query(ctx,
		`SELECT jpeg FROM interview_snapshots WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return session.Result{}, fmt.Errorf("postgres archive: get snapshots: %w", err)
	}
	r.Snapshots, err = pgx.CollectRows(snaps, pgx.RowTo[[]byte])
	if err != nil {
		return session.Result{}, fmt.Errorf("postgres archive: get snapshots: %w", err)
	}
	return r, nil
}

// ListByCandidate returns the archived results of candidateID, oldest
// first, without snapshots.
func (a *Archive) ListByCandidate(ctx context.Context, candidateID string, limit int) ([]session.Result, error) {
	q := `
		SELECT session_id, candidate_id, candidate_name, started_at, ended_at,
		       duration_ns, end_reason, violations, transcript, integrity_events
		FROM   interview_results
		WHERE  candidate_id = $1
		ORDER  BY started_at`
	args := []any{candidateID}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := a.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: list: %w", err)
	}
	results, err := collectResults(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: list: %w", err)
	}
	return results, nil
}

// collectResults scans interview_results rows.
func collectResults(rows pgx.Rows) ([]session.Result, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Result, error) {
		var (
			r          session.Result
			durationNS int64
			reason     string
			turns      []byte
			events     []byte
		)
		if err := row.Scan(
			&r.SessionID,
			&r.CandidateID,
			&r.CandidateName,
			&r.StartedAt,
			&r.EndedAt,
			&durationNS,
			&reason,
			&r.Violations,
			&turns,
			&events,
		); err != nil {
			return session.Result{}, err
		}
		r.Duration = time.Duration(durationNS)
		r.EndReason = session.EndReason(reason)
		if err := json.Unmarshal(turns, &r.Transcript); err != nil {
			return session.Result{}, fmt.Errorf("decode transcript: %w", err)
		}
		if err := json.Unmarshal(events, &r.IntegrityEvents); err != nil {
			return session.Result{}, fmt.Errorf("decode integrity events: %w", err)
		}
		return r, nil
	})
}

// nonNil replaces a nil slice with an empty one so it encodes as [] rather
// than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
