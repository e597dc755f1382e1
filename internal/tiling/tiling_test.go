package tiling

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tilestitch/internal/geo"
)

func box(t *testing.T, xMin, yMin, xMax, yMax float64) geo.BBox {
	t.Helper()
	b, err := geo.NewBBox(xMin, yMin, xMax, yMax, "EPSG:3857")
	require.NoError(t, err)
	return b
}

func TestIntervals_SingleTile(t *testing.T) {
	got, err := Intervals(0, 10, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, []Interval{{Start: 0, End: 10}}, got)
}

func TestIntervals_Spanning(t *testing.T) {
	got, err := Intervals(0, 10, 5, 15)
	require.NoError(t, err)
	assert.Equal(t, []Interval{{0, 10}, {10, 20}}, got)
}

func TestIntervals_BelowOrigin(t *testing.T) {
	got, err := Intervals(0, 10, -15, -2)
	require.NoError(t, err)
	assert.Equal(t, []Interval{{-20, -10}, {-10, 0}}, got)
}

func TestIntervals_OnBoundary(t *testing.T) {
	got, err := Intervals(0, 10, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, []Interval{{10, 20}}, got)
}

func TestIntervals_Degenerate(t *testing.T) {
	got, err := Intervals(0, 10, 10, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Interval{10, 20}, got[0])
}

func TestIntervals_InvalidSize(t *testing.T) {
	for _, size := range []float64{0, -1} {
		_, err := Intervals(0, size, 0, 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTiling))
	}
}

func TestAlign_OverlappingRequestsShareTile(t *testing.T) {
	origin := Point{0, 0}
	a, err := Align(origin, 10, 10, box(t, 2, 2, 8, 8))
	require.NoError(t, err)
	b, err := Align(origin, 10, 10, box(t, 5, 5, 15, 15))
	require.NoError(t, err)

	shared := Footprint{X: Interval{0, 10}, Y: Interval{0, 10}}
	assert.Contains(t, a, shared)
	assert.Contains(t, b, shared)
	assert.Len(t, a, 1)
	assert.Len(t, b, 4)
}

func TestAlign_Deterministic(t *testing.T) {
	origin := Point{-20037508.342789244, -20048966.1040146}
	bbox := box(t, -13692297, 6274861, -13580977, 6446276)
	first, err := Align(origin, 10836.6, 10836.6, bbox)
	require.NoError(t, err)
	second, err := Align(origin, 10836.6, 10836.6, bbox)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, f := range first {
		assert.InDelta(t, 10836.6, f.X.End-f.X.Start, 1e-6)
	}
}

func TestAlign_CoversBBox(t *testing.T) {
	bbox := box(t, 3, -7, 41, 12)
	tiles, err := Align(Point{1, 1}, 5, 4, bbox)
	require.NoError(t, err)

	minX, minY := tiles[0].X.Start, tiles[0].Y.Start
	maxX, maxY := tiles[len(tiles)-1].X.End, tiles[len(tiles)-1].Y.End
	assert.LessOrEqual(t, minX, bbox.XMin)
	assert.LessOrEqual(t, minY, bbox.YMin)
	assert.GreaterOrEqual(t, maxX, bbox.XMax)
	assert.GreaterOrEqual(t, maxY, bbox.YMax)
}

func TestMapUnits(t *testing.T) {
	crs, err := geo.Lookup("EPSG:3857")
	require.NoError(t, err)
	got, err := MapUnits(4096, 35000, 96, crs)
	require.NoError(t, err)
	// 4096 px * 35000 / 96 dpi = 1493333.33 in, at 0.0254 m/in
	assert.InDelta(t, 37930.666666, got, 1e-5)
}

func TestMapUnits_Invalid(t *testing.T) {
	crs, _ := geo.Lookup("EPSG:3857")
	for _, tc := range []struct{ px, scale, dpi int }{
		{0, 1, 96}, {1, 0, 96}, {1, 1, 0}, {-1, 1, 96},
	} {
		_, err := MapUnits(tc.px, tc.scale, tc.dpi, crs)
		assert.True(t, errors.Is(err, ErrInvalidTiling))
	}
}

func TestPlan_GridAligned(t *testing.T) {
	spec := Spec{CRS: "EPSG:3857", Scale: 35000, MaxWidth: 4096, MaxHeight: 4096}
	a, _ := geo.NewBBox(-123.0, 49.0, -122.5, 49.5, "EPSG:4326")
	b, _ := geo.NewBBox(-122.8, 49.2, -122.0, 50.0, "EPSG:4326")

	tilesA, err := Plan(a, spec)
	require.NoError(t, err)
	tilesB, err := Plan(b, spec)
	require.NoError(t, err)
	require.NotEmpty(t, tilesA)

	seen := map[Footprint]bool{}
	for _, tile := range tilesA {
		seen[tile.Footprint] = true
		assert.Equal(t, 4096, tile.Width)
	}
	var shared int
	for _, tile := range tilesB {
		if seen[tile.Footprint] {
			shared++
		}
	}
	assert.Positive(t, shared)

	again, err := Plan(a, spec)
	require.NoError(t, err)
	assert.Equal(t, tilesA, again)
}

func TestPlan_InvalidScale(t *testing.T) {
	b, _ := geo.NewBBox(-123, 49, -122, 50, "EPSG:4326")
	_, err := Plan(b, Spec{CRS: "EPSG:3857", Scale: 0, MaxWidth: 256, MaxHeight: 256})
	assert.True(t, errors.Is(err, ErrInvalidTiling))
}

func TestFootprint_ID(t *testing.T) {
	f := Footprint{X: Interval{-10.5, 0}, Y: Interval{20, 30}}
	assert.Equal(t, "-10.500000_20.000000", f.ID())
	assert.Equal(t, geo.BBox{XMin: -10.5, YMin: 20, XMax: 0, YMax: 30, CRS: "EPSG:3857"}, f.BBox("EPSG:3857"))
}
