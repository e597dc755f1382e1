package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/db"
	"github.com/sells-group/tilestitch/internal/pipeline"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Open(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open store")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Close leaves the pool open.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	dataset     TEXT NOT NULL,
	bbox        JSONB NOT NULL,
	output_crs  TEXT NOT NULL,
	output_path TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	reused      BOOLEAN NOT NULL DEFAULT false,
	tiles       INTEGER NOT NULL DEFAULT 0,
	ready       INTEGER NOT NULL DEFAULT 0,
	excluded    INTEGER NOT NULL DEFAULT 0,
	fetches     INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_tiles (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	key         TEXT NOT NULL,
	cell        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	path        TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	fetched     BOOLEAN NOT NULL DEFAULT false,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, key)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs(dataset);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the ledger tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool when the store opened it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// StartRun implements pipeline.Recorder.
func (s *PostgresStore) StartRun(ctx context.Context, run pipeline.RunInfo) error {
	bbox, err := encodeBBox(run.BBox)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, dataset, bbox, output_crs, output_path, status, started_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Dataset, bbox, run.OutputCRS, run.OutputPath, string(RunStatusRunning), run.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

// RecordTile implements pipeline.Recorder.
func (s *PostgresStore) RecordTile(ctx context.Context, runID string, tile pipeline.TileRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_tiles (run_id, key, cell, outcome, path, reason, fetched, recorded_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, key) DO UPDATE SET outcome = EXCLUDED.outcome, path = EXCLUDED.path,
		 reason = EXCLUDED.reason, fetched = EXCLUDED.fetched, recorded_at = EXCLUDED.recorded_at`,
		runID, tile.Key, tile.Cell, tile.Outcome.String(), tile.Path, tile.Reason, tile.Fetched, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: record tile %s", tile.Key)
}

// FinishRun implements pipeline.Recorder.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, report *pipeline.Report, runErr error) error {
	f := newFinish(report, runErr)
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, reused = $2, tiles = $3, ready = $4, excluded = $5, fetches = $6, error = $7,
		 duration_ms = $8, finished_at = $9 WHERE id = $10`,
		string(f.status), f.reused, f.tiles, f.ready, f.excluded, f.fetches, f.errText,
		f.duration, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("run", runID)
	}
	return nil
}

// GetRun returns one run by id.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("run", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Dataset != "" {
		query += fmt.Sprintf(` AND dataset = $%d`, argIdx)
		args = append(args, filter.Dataset)
		argIdx++
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// RunTiles returns the tiles of a run ordered by key.
func (s *PostgresStore) RunTiles(ctx context.Context, runID string) ([]Tile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, key, cell, outcome, path, reason, fetched, recorded_at FROM run_tiles WHERE run_id = $1 ORDER BY key`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tiles %s", runID)
	}
	defer rows.Close()

	var tiles []Tile
	for rows.Next() {
		var t Tile
		if err := rows.Scan(&t.RunID, &t.Key, &t.Cell, &t.Outcome, &t.Path, &t.Reason, &t.Fetched, &t.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tile")
		}
		tiles = append(tiles, t)
	}
	return tiles, eris.Wrap(rows.Err(), "postgres: list tiles iterate")
}

func scanPostgresRun(row pgx.Row) (*Run, error) {
	var r Run
	var bbox []byte
	var errText *string

	err := row.Scan(&r.ID, &r.Dataset, &bbox, &r.OutputCRS, &r.OutputPath, &r.Status, &r.Reused,
		&r.Tiles, &r.Ready, &r.Excluded, &r.Fetches, &errText, &r.DurationMs, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	if r.BBox, err = decodeBBox(bbox); err != nil {
		return nil, err
	}
	if errText != nil {
		r.Error = *errText
	}
	return &r, nil
}
