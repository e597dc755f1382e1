package grid

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/wkb"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tilestitch/internal/geo"
)

// SQLiteStore holds rectangular grid extents in a local SQLite database.
// Envelopes are stored both as columns, for filtering, and as WKB polygons.
type SQLiteStore struct {
	db  *sql.DB
	dsn string
}

// OpenSQLite opens the extents database at dsn and configures WAL mode.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	unavailable := func(err error) error {
		return &UnavailableError{Source: "sqlite " + dsn, Err: err}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable(eris.Wrap(err, "grid: sqlite open"))
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, unavailable(eris.Wrapf(err, "grid: sqlite exec %s", pragma))
		}
	}
	return &SQLiteStore{db: db, dsn: dsn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS grid_layers (
	name        TEXT PRIMARY KEY,
	id_field    TEXT NOT NULL,
	crs         TEXT NOT NULL,
	imported_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS grid_cells (
	layer   TEXT NOT NULL REFERENCES grid_layers(name) ON DELETE CASCADE,
	cell_id TEXT NOT NULL,
	min_x   REAL NOT NULL,
	min_y   REAL NOT NULL,
	max_x   REAL NOT NULL,
	max_y   REAL NOT NULL,
	geom    BLOB NOT NULL,
	PRIMARY KEY (layer, cell_id)
);

CREATE INDEX IF NOT EXISTS idx_grid_cells_bounds ON grid_cells(layer, min_x, max_x, min_y, max_y);
`

// Migrate creates the schema if missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "grid: sqlite migrate")
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LayerInfo describes an imported layer.
type LayerInfo struct {
	Name       string
	IDField    string
	CRS        string
	Cells      int
	ImportedAt time.Time
}

// Layers lists the imported layers.
func (s *SQLiteStore) Layers(ctx context.Context) ([]LayerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.name, l.id_field, l.crs, l.imported_at, COUNT(c.cell_id)
		FROM grid_layers l LEFT JOIN grid_cells c ON c.layer = l.name
		GROUP BY l.name ORDER BY l.name`)
	if err != nil {
		return nil, eris.Wrap(err, "grid: list layers")
	}
	defer rows.Close() //nolint:errcheck

	var out []LayerInfo
	for rows.Next() {
		var li LayerInfo
		if err := rows.Scan(&li.Name, &li.IDField, &li.CRS, &li.ImportedAt, &li.Cells); err != nil {
			return nil, eris.Wrap(err, "grid: scan layer")
		}
		out = append(out, li)
	}
	return out, eris.Wrap(rows.Err(), "grid: list layers")
}

// ReplaceLayer atomically replaces every cell of a layer.
func (s *SQLiteStore) ReplaceLayer(ctx context.Context, info LayerInfo, cells []Extent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "grid: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM grid_cells WHERE layer = ?`, info.Name); err != nil {
		return eris.Wrapf(err, "grid: clear layer %s", info.Name)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO grid_layers (name, id_field, crs, imported_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET id_field = excluded.id_field, crs = excluded.crs, imported_at = excluded.imported_at`,
		info.Name, info.IDField, info.CRS, time.Now().UTC(),
	); err != nil {
		return eris.Wrapf(err, "grid: upsert layer %s", info.Name)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO grid_cells (layer, cell_id, min_x, min_y, max_x, max_y, geom) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "grid: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, c := range cells {
		g, err := wkb.Marshal(c.Box.Polygon(), wkb.NDR)
		if err != nil {
			return eris.Wrapf(err, "grid: encode cell %s", c.Name)
		}
		b := c.Box
		if _, err := stmt.ExecContext(ctx, info.Name, c.Name, b.XMin, b.YMin, b.XMax, b.YMax, g); err != nil {
			return eris.Wrapf(err, "grid: insert cell %s", c.Name)
		}
	}
	return eris.Wrap(tx.Commit(), "grid: commit import")
}

// Layer returns an Index over one imported layer.
func (s *SQLiteStore) Layer(name string) *SQLiteIndex {
	return &SQLiteIndex{store: s, layer: name}
}

// SQLiteIndex is an Index over one layer of a SQLiteStore.
type SQLiteIndex struct {
	store *SQLiteStore
	layer string
}

func (x *SQLiteIndex) unavailable(err error) *UnavailableError {
	return &UnavailableError{Source: "sqlite " + x.store.dsn, Layer: x.layer, Err: err}
}

// CellsIntersecting implements Index. Envelopes come from the stored WKB
// geometry and carry the layer's recorded CRS.
func (x *SQLiteIndex) CellsIntersecting(ctx context.Context, bbox geo.BBox) iter.Seq2[Cell, error] {
	return func(yield func(Cell, error) bool) {
		var crs string
		err := x.store.db.QueryRowContext(ctx, `SELECT crs FROM grid_layers WHERE name = ?`, x.layer).Scan(&crs)
		if errors.Is(err, sql.ErrNoRows) {
			yield(nil, x.unavailable(eris.New("grid: layer not imported")))
			return
		}
		if err != nil {
			yield(nil, x.unavailable(eris.Wrap(err, "grid: lookup layer")))
			return
		}

		rows, err := x.store.db.QueryContext(ctx, `
			SELECT cell_id, geom FROM grid_cells
			WHERE layer = ? AND max_x >= ? AND min_x <= ? AND max_y >= ? AND min_y <= ?
			ORDER BY cell_id`,
			x.layer, bbox.XMin, bbox.XMax, bbox.YMin, bbox.YMax)
		if err != nil {
			yield(nil, x.unavailable(eris.Wrap(err, "grid: query cells")))
			return
		}
		defer rows.Close() //nolint:errcheck

		for rows.Next() {
			var (
				id  string
				raw []byte
			)
			if err := rows.Scan(&id, &raw); err != nil {
				yield(nil, eris.Wrap(err, "grid: scan cell"))
				return
			}
			g, err := wkb.Unmarshal(raw)
			if err != nil {
				yield(nil, eris.Wrapf(err, "grid: decode cell %s", id))
				return
			}
			env, err := geo.FromBounds(g.Bounds(), cellCRS(crs, bbox))
			if err != nil {
				yield(nil, eris.Wrapf(err, "grid: cell %s envelope", id))
				return
			}
			if !yield(Extent{Name: id, Box: env}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, eris.Wrap(err, "grid: iterate cells"))
		}
	}
}
