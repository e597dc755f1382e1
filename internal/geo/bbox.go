// Package geo provides the bounding box value type and the small CRS registry
// used to align, key and clip mosaic requests.
package geo

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// DefaultCRS is assumed when a request does not name one.
const DefaultCRS = "EPSG:4326"

// BBox is an axis-aligned query region in a named CRS.
type BBox struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
	CRS  string  `json:"crs"`
}

// NewBBox validates the corner ordering and returns the box.
// An empty crs defaults to DefaultCRS.
func NewBBox(xMin, yMin, xMax, yMax float64, crs string) (BBox, error) {
	for _, v := range []float64{xMin, yMin, xMax, yMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return BBox{}, eris.Errorf("geo: bbox ordinate %v is not finite", v)
		}
	}
	if xMin > xMax {
		return BBox{}, eris.Errorf("geo: bbox x_min %v greater than x_max %v", xMin, xMax)
	}
	if yMin > yMax {
		return BBox{}, eris.Errorf("geo: bbox y_min %v greater than y_max %v", yMin, yMax)
	}
	if crs == "" {
		crs = DefaultCRS
	}
	return BBox{XMin: xMin, YMin: yMin, XMax: xMax, YMax: yMax, CRS: strings.ToUpper(crs)}, nil
}

// Width returns the extent along x.
func (b BBox) Width() float64 { return b.XMax - b.XMin }

// Height returns the extent along y.
func (b BBox) Height() float64 { return b.YMax - b.YMin }

// Polygon returns the closed exterior ring ll, lr, ur, ul, ll.
func (b BBox) Polygon() *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		b.XMin, b.YMin,
		b.XMax, b.YMin,
		b.XMax, b.YMax,
		b.XMin, b.YMax,
		b.XMin, b.YMin,
	}, []int{10})
}

// WKT returns the canonical WKT polygon of the box.
func (b BBox) WKT() string {
	s, err := wkt.Marshal(b.Polygon())
	if err != nil {
		// a flat XY polygon always encodes
		panic(err)
	}
	return s
}

// PathPart returns the canonical "{xmin}-{ymin}-{xmax}-{ymax}" form used in
// generated file names.
func (b BBox) PathPart() string {
	return strings.Join([]string{
		formatOrdinate(b.XMin),
		formatOrdinate(b.YMin),
		formatOrdinate(b.XMax),
		formatOrdinate(b.YMax),
	}, "-")
}

// Intersects reports whether the two boxes share any point. CRS is not compared.
func (b BBox) Intersects(o BBox) bool {
	return b.XMin <= o.XMax && o.XMin <= b.XMax && b.YMin <= o.YMax && o.YMin <= b.YMax
}

// Bounds converts the box to go-geom bounds.
func (b BBox) Bounds() *geom.Bounds {
	return geom.NewBounds(geom.XY).Set(b.XMin, b.YMin, b.XMax, b.YMax)
}

// FromBounds builds a box from go-geom bounds.
func FromBounds(bounds *geom.Bounds, crs string) (BBox, error) {
	if bounds == nil || bounds.IsEmpty() {
		return BBox{}, eris.New("geo: empty bounds")
	}
	return NewBBox(bounds.Min(0), bounds.Min(1), bounds.Max(0), bounds.Max(1), crs)
}

// String implements fmt.Stringer.
func (b BBox) String() string {
	return b.CRS + "(" + b.PathPart() + ")"
}

func formatOrdinate(v float64) string {
	if v == 0 {
		v = 0 // -0 renders as "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
