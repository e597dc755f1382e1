package geo

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
)

// densify is the number of segments each bbox edge is split into before
// reprojection, so curved edges in the target CRS stay inside the envelope.
const densify = 8

// TransformPoint moves a single coordinate between two registered CRSs.
// Datum differences between the registered CRSs are ignored.
// Points outside a projection's domain are an error.
func TransformPoint(x, y float64, from, to string) (float64, float64, error) {
	if strings.EqualFold(from, to) {
		return x, y, nil
	}
	src, err := Lookup(from)
	if err != nil {
		return 0, 0, err
	}
	dst, err := Lookup(to)
	if err != nil {
		return 0, 0, err
	}
	lon, lat, err := src.Inverse(x, y)
	if err != nil {
		return 0, 0, err
	}
	tx, ty, err := dst.Forward(lon, lat)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(tx) || math.IsNaN(ty) || math.IsInf(tx, 0) || math.IsInf(ty, 0) {
		return 0, 0, eris.Errorf("geo: point (%v, %v) has no image in %s", x, y, to)
	}
	return tx, ty, nil
}

// Transform reprojects the box into crs and returns the envelope of its
// densified outline.
func Transform(b BBox, crs string) (BBox, error) {
	if strings.EqualFold(b.CRS, crs) {
		return b, nil
	}
	xMin, yMin := math.Inf(1), math.Inf(1)
	xMax, yMax := math.Inf(-1), math.Inf(-1)
	for i := 0; i <= densify; i++ {
		t := float64(i) / densify
		x := b.XMin + t*b.Width()
		y := b.YMin + t*b.Height()
		for _, p := range [][2]float64{{x, b.YMin}, {x, b.YMax}, {b.XMin, y}, {b.XMax, y}} {
			tx, ty, err := TransformPoint(p[0], p[1], b.CRS, crs)
			if err != nil {
				return BBox{}, eris.Wrapf(err, "geo: transform %s to %s", b, crs)
			}
			xMin, yMin = math.Min(xMin, tx), math.Min(yMin, ty)
			xMax, yMax = math.Max(xMax, tx), math.Max(yMax, ty)
		}
	}
	return NewBBox(xMin, yMin, xMax, yMax, crs)
}
