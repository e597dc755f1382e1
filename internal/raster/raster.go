// Package raster drives the external raster-processing engine: warping,
// hillshading, format translation and virtual mosaic builds.
package raster

import (
	"context"

	"github.com/sells-group/tilestitch/internal/geo"
)

// Engine performs raster operations. Each operation writes dst and nothing
// else; callers own naming and publishing.
type Engine interface {
	Warp(ctx context.Context, srcs []string, dst string, opts WarpOptions) error
	Hillshade(ctx context.Context, src, dst string, opts HillshadeOptions) error
	Translate(ctx context.Context, src, dst string, opts TranslateOptions) error
	BuildVRT(ctx context.Context, srcs []string, dst string) error
}

// WarpOptions configures a reproject/resample/clip pass.
type WarpOptions struct {
	// DstCRS is the target CRS. Empty keeps the source CRS.
	DstCRS     string
	Resampling string
	// Cutline clips the output, expressed in its own CRS.
	Cutline       *geo.BBox
	CropToCutline bool
	BlendDistance float64
	DstNodata     *float64
	Format        string
}

// HillshadeOptions configures DEM-to-hillshade.
type HillshadeOptions struct {
	Band         int
	Azimuth      float64
	Altitude     float64
	Scale        float64
	ZFactor      float64
	ComputeEdges bool
	Format       string
}

// DefaultHillshade matches the shading used for the provincial DEM sheets.
func DefaultHillshade() HillshadeOptions {
	return HillshadeOptions{Band: 1, Azimuth: 225, Altitude: 45, Scale: 1, ZFactor: 1, ComputeEdges: true, Format: "GTiff"}
}

// TranslateOptions georeferences an image with explicit bounds.
type TranslateOptions struct {
	// Bounds are the image's extent; Bounds.CRS is assigned to the output.
	Bounds geo.BBox
	Format string
}

// Float returns a pointer to v, for optional option fields.
func Float(v float64) *float64 { return &v }
