package pipeline

import (
	"context"

	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/raster"
)

// WarpProcessor clips one source raster to its grid cell.
type WarpProcessor struct {
	Engine  raster.Engine
	Options raster.WarpOptions
}

// Process implements Processor.
func (p WarpProcessor) Process(ctx context.Context, src, dst string) error {
	return p.Engine.Warp(ctx, []string{src}, dst, p.Options)
}

// HillshadeProcessor derives shaded relief from a DEM.
type HillshadeProcessor struct {
	Engine  raster.Engine
	Options raster.HillshadeOptions
}

// Process implements Processor.
func (p HillshadeProcessor) Process(ctx context.Context, src, dst string) error {
	return p.Engine.Hillshade(ctx, src, dst, p.Options)
}

// TranslateProcessor georeferences a rendered map image with its request
// bounds.
type TranslateProcessor struct {
	Engine raster.Engine
	Bounds geo.BBox
}

// Process implements Processor.
func (p TranslateProcessor) Process(ctx context.Context, src, dst string) error {
	return p.Engine.Translate(ctx, src, dst, raster.TranslateOptions{Bounds: p.Bounds, Format: "GTiff"})
}
