// Package tiling snaps arbitrary bounding boxes onto a fixed-origin tile grid
// so independent, overlapping requests address the same tile footprints.
package tiling

import (
	"errors"
	"fmt"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/geo"
)

// DefaultDPI is the reference resolution WMS servers render at.
const DefaultDPI = 96

// ErrInvalidTiling marks non-positive tile sizes, scales, DPIs or pixel counts.
var ErrInvalidTiling = errors.New("tiling: invalid tiling parameters")

// Point is an origin in map units.
type Point struct {
	X, Y float64
}

// Interval is a half-open [Start, End) span along one axis.
type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Footprint is one aligned tile.
type Footprint struct {
	X Interval `json:"x"`
	Y Interval `json:"y"`
}

// BBox returns the footprint as a box in crs.
func (f Footprint) BBox(crs string) geo.BBox {
	return geo.BBox{XMin: f.X.Start, YMin: f.Y.Start, XMax: f.X.End, YMax: f.Y.End, CRS: crs}
}

// ID identifies the footprint by its lower-left corner.
func (f Footprint) ID() string {
	return fmt.Sprintf("%s_%s", ordinate(f.X.Start), ordinate(f.Y.Start))
}

// Intervals returns consecutive size-wide intervals on the grid
// origin + k*size covering [min, max]. At least one interval is returned.
func Intervals(origin, size, min, max float64) ([]Interval, error) {
	if !(size > 0) || math.IsInf(size, 0) {
		return nil, eris.Wrapf(ErrInvalidTiling, "tiling: interval size %v", size)
	}
	if min > max {
		return nil, eris.Errorf("tiling: interval min %v greater than max %v", min, max)
	}
	k := math.Floor((min - origin) / size)
	// floating point division can land one step off either way
	for origin+k*size > min {
		k--
	}
	for origin+(k+1)*size <= min {
		k++
	}

	var out []Interval
	for i := 0.0; ; i++ {
		start := origin + (k+i)*size
		end := origin + (k+i+1)*size
		out = append(out, Interval{Start: start, End: end})
		if end >= max {
			break
		}
	}
	return out, nil
}

// Align returns the footprints covering bbox, row-major from the lower-left.
// bbox must already be expressed in the CRS the origin belongs to.
func Align(origin Point, tileWidth, tileHeight float64, bbox geo.BBox) ([]Footprint, error) {
	xs, err := Intervals(origin.X, tileWidth, bbox.XMin, bbox.XMax)
	if err != nil {
		return nil, err
	}
	ys, err := Intervals(origin.Y, tileHeight, bbox.YMin, bbox.YMax)
	if err != nil {
		return nil, err
	}
	out := make([]Footprint, 0, len(xs)*len(ys))
	for _, x := range xs {
		for _, y := range ys {
			out = append(out, Footprint{X: x, Y: y})
		}
	}
	return out, nil
}

// MapUnits converts a pixel count rendered at scale and dpi into map units of crs.
func MapUnits(pixels int, scale int, dpi int, crs geo.CRS) (float64, error) {
	if pixels <= 0 || scale <= 0 || dpi <= 0 {
		return 0, eris.Wrapf(ErrInvalidTiling, "tiling: pixels=%d scale=%d dpi=%d", pixels, scale, dpi)
	}
	return float64(pixels) * float64(scale) / float64(dpi) * crs.UnitsPerInch(), nil
}

// Spec fixes everything but the bbox for a grid-aligned plan.
type Spec struct {
	CRS       string
	Scale     int
	DPI       int
	MaxWidth  int
	MaxHeight int
}

// Tile is one planned request: its footprint plus the pixel size to render it at.
type Tile struct {
	Footprint Footprint
	Width     int
	Height    int
}

// Plan transforms bbox into the tile CRS, widens it to whole map units and
// returns the grid-aligned tiles covering it. The origin is the south-west
// corner of the CRS area of use.
func Plan(bbox geo.BBox, spec Spec) ([]Tile, error) {
	dpi := spec.DPI
	if dpi == 0 {
		dpi = DefaultDPI
	}
	crs, err := geo.Lookup(spec.CRS)
	if err != nil {
		return nil, err
	}
	w, err := MapUnits(spec.MaxWidth, spec.Scale, dpi, crs)
	if err != nil {
		return nil, err
	}
	h, err := MapUnits(spec.MaxHeight, spec.Scale, dpi, crs)
	if err != nil {
		return nil, err
	}

	projected, err := geo.Transform(bbox, crs.Code)
	if err != nil {
		return nil, err
	}
	widened := geo.BBox{
		XMin: math.Floor(projected.XMin),
		YMin: math.Floor(projected.YMin),
		XMax: math.Ceil(projected.XMax),
		YMax: math.Ceil(projected.YMax),
		CRS:  crs.Code,
	}
	ox, oy, err := crs.Origin()
	if err != nil {
		return nil, err
	}

	footprints, err := Align(Point{X: ox, Y: oy}, w, h, widened)
	if err != nil {
		return nil, err
	}
	tiles := make([]Tile, len(footprints))
	for i, f := range footprints {
		tiles[i] = Tile{Footprint: f, Width: spec.MaxWidth, Height: spec.MaxHeight}
	}
	return tiles, nil
}

func ordinate(v float64) string {
	return fmt.Sprintf("%.6f", v)
}
