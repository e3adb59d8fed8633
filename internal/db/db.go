package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const batchSize = 100

// Store is the run ledger: one row per pipeline run and one per artifact it
// wrote.
type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

func (s *Store) Close() { s.Pool.Close() }

// Export is one artifact written by a run.
type Export struct {
	RunID      string
	Name       string
	Path       string
	Layout     string
	Status     string
	Nodes      int
	Edges      int
	Bytes      int64
	DurationMS int64
	ErrorMsg   string
}

// Unpublished is an exported artifact not yet uploaded.
type Unpublished struct {
	RunID string
	Name  string
	Path  string
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS cvemaps_runs (
  id UUID PRIMARY KEY,
  status TEXT NOT NULL CHECK (status IN ('running','done','failed')),
  started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  finished_at TIMESTAMPTZ,
  progress_pct INTEGER NOT NULL DEFAULT 0 CHECK (progress_pct BETWEEN 0 AND 100),
  progress_msg TEXT,
  files_read INTEGER NOT NULL DEFAULT 0,
  records_kept INTEGER NOT NULL DEFAULT 0,
  error_msg TEXT
);

CREATE INDEX IF NOT EXISTS idx_cvemaps_runs_started ON cvemaps_runs (started_at);

CREATE TABLE IF NOT EXISTS cvemaps_exports (
  id BIGSERIAL PRIMARY KEY,
  run_id UUID NOT NULL REFERENCES cvemaps_runs(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  path TEXT NOT NULL,
  layout TEXT,
  status TEXT NOT NULL,
  node_count INTEGER NOT NULL DEFAULT 0,
  edge_count INTEGER NOT NULL DEFAULT 0,
  size_bytes BIGINT NOT NULL DEFAULT 0,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  error_msg TEXT,
  published_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE(run_id, name)
);

CREATE INDEX IF NOT EXISTS idx_cvemaps_exports_unpublished ON cvemaps_exports (status, published_at);
`)
	return err
}

func (s *Store) StartRun(ctx context.Context, runID string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO cvemaps_runs (id, status, progress_pct, progress_msg)
		VALUES ($1::uuid, 'running', 0, 'starting')
	`, runID)
	return err
}

// UpdateRunProgress never moves progress backwards.
func (s *Store) UpdateRunProgress(ctx context.Context, runID string, pct int, msg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE cvemaps_runs
		SET progress_pct=GREATEST(progress_pct, $2),
		    progress_msg=CASE WHEN $2 >= progress_pct THEN $3 ELSE progress_msg END
		WHERE id=$1::uuid
		  AND status='running'
	`, runID, pct, msg)
	return err
}

func (s *Store) FinishRun(ctx context.Context, runID string, filesRead, recordsKept int, runErr error) error {
	status, errMsg := "done", (*string)(nil)
	if runErr != nil {
		status = "failed"
		msg := runErr.Error()
		errMsg = &msg
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE cvemaps_runs
		SET status=$2, finished_at=now(),
		    progress_pct=CASE WHEN $2='done' THEN 100 ELSE progress_pct END,
		    progress_msg=CASE WHEN $2='done' THEN 'completed' ELSE COALESCE($5, progress_msg) END,
		    files_read=$3, records_kept=$4, error_msg=$5
		WHERE id=$1::uuid
	`, runID, status, filesRead, recordsKept, errMsg)
	return err
}

// RecordExports upserts export rows in pipelined batches.
func (s *Store) RecordExports(ctx context.Context, exports []Export) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for start := 0; start < len(exports); start += batchSize {
		chunk := exports[start:min(start+batchSize, len(exports))]
		batch := &pgx.Batch{}
		for _, e := range chunk {
			batch.Queue(`
INSERT INTO cvemaps_exports (
  run_id, name, path, layout, status, node_count, edge_count,
  size_bytes, duration_ms, error_msg
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (run_id, name)
DO UPDATE SET
  path = EXCLUDED.path,
  layout = EXCLUDED.layout,
  status = EXCLUDED.status,
  node_count = EXCLUDED.node_count,
  edge_count = EXCLUDED.edge_count,
  size_bytes = EXCLUDED.size_bytes,
  duration_ms = EXCLUDED.duration_ms,
  error_msg = EXCLUDED.error_msg`,
				e.RunID, e.Name, e.Path, nullableString(e.Layout), e.Status,
				e.Nodes, e.Edges, e.Bytes, e.DurationMS, nullableString(e.ErrorMsg),
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range chunk {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListUnpublished returns successful exports of finished runs that have not
// been uploaded, oldest first.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]Unpublished, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.Pool.Query(ctx, `
SELECT e.run_id::text, e.name, e.path
FROM cvemaps_exports e
JOIN cvemaps_runs r ON r.id = e.run_id
WHERE e.status='ok'
  AND e.published_at IS NULL
  AND r.status IN ('done','failed')
ORDER BY e.created_at, e.id
LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Unpublished, 0, limit)
	for rows.Next() {
		var u Unpublished
		if err := rows.Scan(&u.RunID, &u.Name, &u.Path); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, runID, name string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE cvemaps_exports
		SET published_at=now()
		WHERE run_id=$1::uuid AND name=$2
	`, runID, name)
	return err
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// IsInsufficientPrivilege reports a Postgres permission error, which schema
// creation treats as a warning.
func IsInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
