package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tilestitch/internal/pipeline"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	dataset     TEXT NOT NULL,
	bbox        TEXT NOT NULL,
	output_crs  TEXT NOT NULL,
	output_path TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	reused      INTEGER NOT NULL DEFAULT 0,
	tiles       INTEGER NOT NULL DEFAULT 0,
	ready       INTEGER NOT NULL DEFAULT 0,
	excluded    INTEGER NOT NULL DEFAULT 0,
	fetches     INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS run_tiles (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	key         TEXT NOT NULL,
	cell        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	path        TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	fetched     INTEGER NOT NULL DEFAULT 0,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, key)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs(dataset);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Migrate creates the ledger tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StartRun implements pipeline.Recorder.
func (s *SQLiteStore) StartRun(ctx context.Context, run pipeline.RunInfo) error {
	bbox, err := encodeBBox(run.BBox)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, dataset, bbox, output_crs, output_path, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Dataset, string(bbox), run.OutputCRS, run.OutputPath, string(RunStatusRunning), run.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

// RecordTile implements pipeline.Recorder. Recording the same key twice
// keeps the latest outcome.
func (s *SQLiteStore) RecordTile(ctx context.Context, runID string, tile pipeline.TileRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_tiles (run_id, key, cell, outcome, path, reason, fetched, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, key) DO UPDATE SET outcome = excluded.outcome, path = excluded.path,
		 reason = excluded.reason, fetched = excluded.fetched, recorded_at = excluded.recorded_at`,
		runID, tile.Key, tile.Cell, tile.Outcome.String(), tile.Path, tile.Reason, tile.Fetched, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record tile %s", tile.Key)
}

// FinishRun implements pipeline.Recorder.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, report *pipeline.Report, runErr error) error {
	f := newFinish(report, runErr)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, reused = ?, tiles = ?, ready = ?, excluded = ?, fetches = ?, error = ?,
		 duration_ms = ?, finished_at = ? WHERE id = ?`,
		string(f.status), f.reused, f.tiles, f.ready, f.excluded, f.fetches, f.errText,
		f.duration, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const runColumns = `id, dataset, bbox, output_crs, output_path, status, reused, tiles, ready, excluded, fetches, error, duration_ms, started_at, finished_at`

// GetRun returns one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", runID)
	}
	return r, err
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Dataset != "" {
		query += ` AND dataset = ?`
		args = append(args, filter.Dataset)
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// RunTiles returns the tiles of a run ordered by key.
func (s *SQLiteStore) RunTiles(ctx context.Context, runID string) ([]Tile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, key, cell, outcome, path, reason, fetched, recorded_at FROM run_tiles WHERE run_id = ? ORDER BY key`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tiles %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var tiles []Tile
	for rows.Next() {
		var t Tile
		if err := rows.Scan(&t.RunID, &t.Key, &t.Cell, &t.Outcome, &t.Path, &t.Reason, &t.Fetched, &t.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tile")
		}
		tiles = append(tiles, t)
	}
	return tiles, eris.Wrap(rows.Err(), "sqlite: list tiles iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var bbox string
	var errText sql.NullString
	var finished sql.NullTime

	err := row.Scan(&r.ID, &r.Dataset, &bbox, &r.OutputCRS, &r.OutputPath, &r.Status, &r.Reused,
		&r.Tiles, &r.Ready, &r.Excluded, &r.Fetches, &errText, &r.DurationMs, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if r.BBox, err = decodeBBox([]byte(bbox)); err != nil {
		return nil, err
	}
	r.Error = errText.String
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
