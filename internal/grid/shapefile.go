package grid

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/geo"
)

// Sheet is a shapefile feature with its attribute table row.
type Sheet struct {
	Extent
	Attrs map[string]string
}

// Attr returns the attribute value for name (case-insensitive).
func (s Sheet) Attr(name string) string {
	return s.Attrs[strings.ToLower(name)]
}

// ShapefileIndex reads a control grid stored as <dir>/<layer>.shp.
type ShapefileIndex struct {
	Dir     string
	Layer   string
	IDField string
	// CRS labels the returned envelopes. Empty means the query box's CRS.
	CRS string
}

// NewShapefileIndex creates an index over the named layer in dir whose cell
// identifiers come from the idField attribute.
func NewShapefileIndex(dir, layer, idField, crs string) *ShapefileIndex {
	return &ShapefileIndex{Dir: dir, Layer: layer, IDField: idField, CRS: crs}
}

// Path returns the location of the layer's .shp file.
func (s *ShapefileIndex) Path() string {
	return filepath.Join(s.Dir, s.Layer+".shp")
}

func (s *ShapefileIndex) unavailable(err error) *UnavailableError {
	return &UnavailableError{Source: "shapefile " + s.Dir, Layer: s.Layer, Err: err}
}

// CellsIntersecting implements Index. Features are filtered on their
// bounding boxes.
func (s *ShapefileIndex) CellsIntersecting(ctx context.Context, bbox geo.BBox) iter.Seq2[Cell, error] {
	if _, err := os.Stat(s.Path()); err != nil {
		return fail(s.unavailable(err))
	}
	return func(yield func(Cell, error) bool) {
		reader, err := shp.Open(s.Path())
		if err != nil {
			yield(nil, s.unavailable(eris.Wrapf(err, "grid: open shapefile %s", s.Path())))
			return
		}
		defer func() { _ = reader.Close() }()

		names, idIdx := fieldNames(reader.Fields(), s.IDField)
		if idIdx < 0 {
			yield(nil, s.unavailable(eris.Errorf("grid: layer has no %q attribute", s.IDField)))
			return
		}

		crs := cellCRS(s.CRS, bbox)
		for reader.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			_, shape := reader.Shape()
			if shape == nil {
				continue
			}
			b := shape.BBox()
			env, err := geo.NewBBox(b.MinX, b.MinY, b.MaxX, b.MaxY, crs)
			if err != nil {
				continue
			}
			if !env.Intersects(bbox) {
				continue
			}
			attrs := make(map[string]string, len(names))
			for i, n := range names {
				attrs[n] = cleanAttr(reader.Attribute(i))
			}
			sheet := Sheet{Extent: Extent{Name: attrs[names[idIdx]], Box: env}, Attrs: attrs}
			if !yield(sheet, nil) {
				return
			}
		}
		if err := reader.Err(); err != nil {
			yield(nil, eris.Wrapf(err, "grid: read shapefile %s", s.Path()))
		}
	}
}

func fieldNames(fields []shp.Field, idField string) ([]string, int) {
	names := make([]string, len(fields))
	idIdx := -1
	for i, f := range fields {
		names[i] = strings.ToLower(strings.TrimRight(f.String(), "\x00"))
		if strings.EqualFold(names[i], idField) {
			idIdx = i
		}
	}
	return names, idIdx
}

func cleanAttr(v string) string {
	return strings.TrimSpace(strings.TrimRight(v, "\x00"))
}
