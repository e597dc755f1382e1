package grid

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tilestitch/internal/db"
	"github.com/sells-group/tilestitch/internal/geo"
)

// ReadExtents reduces every feature of src to its rectangular extent.
// Features without an id and repeated ids are skipped.
func ReadExtents(ctx context.Context, src *ShapefileIndex) ([]Extent, string, error) {
	crs := src.CRS
	if crs == "" {
		crs = geo.DefaultCRS
	}
	world := geo.BBox{
		XMin: math.Inf(-1), YMin: math.Inf(-1),
		XMax: math.Inf(1), YMax: math.Inf(1),
		CRS: crs,
	}

	seen := make(map[string]bool)
	var cells []Extent
	for cell, err := range src.CellsIntersecting(ctx, world) {
		if err != nil {
			return nil, "", err
		}
		if cell.ID() == "" || seen[cell.ID()] {
			zap.L().Debug("grid: skipping feature", zap.String("cell_id", cell.ID()))
			continue
		}
		seen[cell.ID()] = true
		cells = append(cells, Extent{Name: cell.ID(), Box: cell.Envelope()})
	}
	if len(cells) == 0 {
		return nil, "", eris.Errorf("grid: layer %s has no features", src.Layer)
	}
	return cells, crs, nil
}

// ImportShapefile replaces layer in dst with the extents of src. An empty
// layer keeps the shapefile's name. Returns the number of cells imported.
func ImportShapefile(ctx context.Context, src *ShapefileIndex, dst *SQLiteStore, layer string) (int, error) {
	cells, crs, err := ReadExtents(ctx, src)
	if err != nil {
		return 0, err
	}
	if layer == "" {
		layer = src.Layer
	}
	info := LayerInfo{Name: layer, IDField: src.IDField, CRS: crs}
	if err := dst.ReplaceLayer(ctx, info, cells); err != nil {
		return 0, err
	}
	zap.L().Info("grid: imported layer",
		zap.String("layer", layer),
		zap.String("crs", crs),
		zap.Int("cells", len(cells)),
	)
	return len(cells), nil
}

var stagingColumns = []string{"cell_id", "min_x", "min_y", "max_x", "max_y"}

// ImportPostGIS replaces the contents of a PostGIS grid table with cells,
// creating the table when missing. Rows are staged with COPY and turned
// into envelopes server side.
func ImportPostGIS(ctx context.Context, pool db.Pool, opts PostGISOptions, cells []Extent) (int, error) {
	idx := NewPostGISIndex(nil, opts)
	table := pgx.Identifier{idx.table}.Sanitize()
	id := pgx.Identifier{idx.idColumn}.Sanitize()
	g := pgx.Identifier{idx.geomCol}.Sanitize()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "grid: begin import")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s text PRIMARY KEY, %s geometry(Polygon, %d) NOT NULL)`, table, id, g, idx.srid),
		`CREATE TEMP TABLE grid_import (cell_id text, min_x float8, min_y float8, max_x float8, max_y float8) ON COMMIT DROP`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s); err != nil {
			return 0, eris.Wrap(err, "grid: prepare import")
		}
	}

	rows := make([][]any, len(cells))
	for i, c := range cells {
		rows[i] = []any{c.Name, c.Box.XMin, c.Box.YMin, c.Box.XMax, c.Box.YMax}
	}
	if _, err := db.CopyFrom(ctx, tx, pgx.Identifier{"grid_import"}, stagingColumns, rows); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return 0, eris.Wrap(err, "grid: clear table")
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s, %s) SELECT cell_id, ST_MakeEnvelope(min_x, min_y, max_x, max_y, $1) FROM grid_import`,
		table, id, g), idx.srid)
	if err != nil {
		return 0, eris.Wrap(err, "grid: insert cells")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "grid: commit import")
	}
	zap.L().Info("grid: imported postgis table",
		zap.String("table", idx.table),
		zap.Int64("cells", tag.RowsAffected()),
	)
	return int(tag.RowsAffected()), nil
}
