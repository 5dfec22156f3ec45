// Package postgres archives interview results in PostgreSQL.
//
// Each ended session becomes one row in interview_results. The transcript and
// integrity ledger are stored as JSONB; snapshots go to interview_snapshots,
// one row per image.
//
// Usage:
//
//	archive, err := postgres.NewArchive(ctx, dsn)
//	if err != nil { … }
//	defer archive.Close()
//
//	_ = archive.Deliver(ctx, result)
//	r, _ := archive.Get(ctx, sessionID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlResults = `
CREATE TABLE IF NOT EXISTS interview_results (
    session_id       TEXT         PRIMARY KEY,
    candidate_id     TEXT         NOT NULL DEFAULT '',
    candidate_name   TEXT         NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ  NOT NULL,
    ended_at         TIMESTAMPTZ  NOT NULL,
    duration_ns      BIGINT       NOT NULL DEFAULT 0,
    end_reason       TEXT         NOT NULL DEFAULT '',
    violations       INTEGER      NOT NULL DEFAULT 0,
    transcript       JSONB        NOT NULL DEFAULT '[]',
    integrity_events JSONB        NOT NULL DEFAULT '[]',
    archived_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interview_results_candidate
    ON interview_results (candidate_id, started_at);
`

const ddlSnapshots = `
CREATE TABLE IF NOT EXISTS interview_snapshots (
    session_id  TEXT     NOT NULL REFERENCES interview_results (session_id) ON DELETE CASCADE,
    seq         INTEGER  NOT NULL,
    jpeg        BYTEA    NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// Migrate creates the archive tables if they do not exist. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlResults, ddlSnapshots} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
