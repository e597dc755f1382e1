package grid

import (
	"context"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/geo"
)

// Querier is the subset of pgxpool.Pool used by PostGISIndex.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostGISIndex queries a grid table in PostGIS with a bounding-box overlap.
type PostGISIndex struct {
	pool     Querier
	table    string
	idColumn string
	geomCol  string
	srid     int
	crs      string
}

// PostGISOptions names the grid table and its columns.
type PostGISOptions struct {
	Table      string
	IDColumn   string
	GeomColumn string
	SRID       int
	CRS        string
}

// NewPostGISIndex creates an index over a PostGIS grid table.
func NewPostGISIndex(pool Querier, opts PostGISOptions) *PostGISIndex {
	if opts.GeomColumn == "" {
		opts.GeomColumn = "geom"
	}
	if opts.SRID == 0 {
		opts.SRID = 4326
	}
	if opts.CRS == "" {
		opts.CRS = fmt.Sprintf("EPSG:%d", opts.SRID)
	}
	return &PostGISIndex{
		pool:     pool,
		table:    opts.Table,
		idColumn: opts.IDColumn,
		geomCol:  opts.GeomColumn,
		srid:     opts.SRID,
		crs:      opts.CRS,
	}
}

func (p *PostGISIndex) query() string {
	id := pgx.Identifier{p.idColumn}.Sanitize()
	g := pgx.Identifier{p.geomCol}.Sanitize()
	return fmt.Sprintf(`SELECT %[1]s::text, ST_XMin(%[2]s), ST_YMin(%[2]s), ST_XMax(%[2]s), ST_YMax(%[2]s)
		FROM %[3]s
		WHERE %[2]s && ST_MakeEnvelope($1, $2, $3, $4, $5)
		ORDER BY %[1]s`, id, g, pgx.Identifier{p.table}.Sanitize())
}

// CellsIntersecting implements Index.
func (p *PostGISIndex) CellsIntersecting(ctx context.Context, bbox geo.BBox) iter.Seq2[Cell, error] {
	return func(yield func(Cell, error) bool) {
		rows, err := p.pool.Query(ctx, p.query(), bbox.XMin, bbox.YMin, bbox.XMax, bbox.YMax, p.srid)
		if err != nil {
			yield(nil, &UnavailableError{Source: "postgis", Layer: p.table, Err: eris.Wrap(err, "grid: query cells")})
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id                     string
				xMin, yMin, xMax, yMax float64
			)
			if err := rows.Scan(&id, &xMin, &yMin, &xMax, &yMax); err != nil {
				yield(nil, eris.Wrap(err, "grid: scan cell"))
				return
			}
			env, err := geo.NewBBox(xMin, yMin, xMax, yMax, p.crs)
			if err != nil {
				yield(nil, eris.Wrapf(err, "grid: cell %s envelope", id))
				return
			}
			if !yield(Extent{Name: id, Box: env}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, &UnavailableError{Source: "postgis", Layer: p.table, Err: eris.Wrap(err, "grid: iterate cells")})
		}
	}
}
