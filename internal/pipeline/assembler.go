package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/raster"
)

// AssembleOptions configures the final mosaic.
type AssembleOptions struct {
	// BBox clips the mosaic, in its own CRS.
	BBox          geo.BBox
	OutputCRS     string
	Resampling    string
	Nodata        *float64
	BlendDistance float64
	CropToCutline bool
	OutputPath    string
	// TempDir holds the intermediate virtual mosaic. Empty uses os.TempDir.
	TempDir string
}

// Assembler combines processed tiles into one clipped mosaic.
type Assembler struct {
	engine raster.Engine
}

// NewAssembler creates an Assembler backed by engine.
func NewAssembler(engine raster.Engine) *Assembler {
	return &Assembler{engine: engine}
}

// Assemble builds a virtual mosaic over paths and warps it to
// opts.OutputPath. paths are sorted first so the same set always yields
// the same mosaic. An empty set fails with ErrEmptyMosaic and produces
// nothing.
func (a *Assembler) Assemble(ctx context.Context, paths []string, opts AssembleOptions) (string, error) {
	if len(paths) == 0 {
		return "", &StageError{Stage: StageMosaic, Kind: ErrEmptyMosaic}
	}
	if opts.OutputPath == "" {
		return "", &StageError{Stage: StageMosaic, Kind: ErrRasterProcessing, Err: eris.New("pipeline: output path required")}
	}
	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	work, err := os.MkdirTemp(opts.TempDir, "mosaic-*")
	if err != nil {
		return "", &StageError{Stage: StageMosaic, Kind: ErrRasterProcessing, Err: eris.Wrap(err, "pipeline: create mosaic workdir")}
	}
	defer os.RemoveAll(work) //nolint:errcheck

	stem := strings.TrimSuffix(filepath.Base(opts.OutputPath), filepath.Ext(opts.OutputPath))
	vrt := filepath.Join(work, stem+".vrt")
	if err := a.engine.BuildVRT(ctx, sorted, vrt); err != nil {
		return "", &StageError{Stage: StageMosaic, Kind: ErrRasterProcessing, Err: err}
	}

	cutline := opts.BBox
	warp := raster.WarpOptions{
		DstCRS:        opts.OutputCRS,
		Resampling:    opts.Resampling,
		Cutline:       &cutline,
		CropToCutline: opts.CropToCutline,
		BlendDistance: opts.BlendDistance,
		DstNodata:     opts.Nodata,
		Format:        "GTiff",
	}
	err = publish(opts.OutputPath, func(tmp string) error {
		return a.engine.Warp(ctx, []string{vrt}, tmp, warp)
	})
	switch {
	case err == nil:
	case raster.IsBenign(err):
		return "", &StageError{Stage: StageMosaic, Kind: ErrEmptyMosaic, Err: err}
	default:
		return "", &StageError{Stage: StageMosaic, Kind: ErrRasterProcessing, Err: err}
	}

	zap.L().Info("mosaic assembled",
		zap.String("path", opts.OutputPath),
		zap.Int("tiles", len(sorted)),
	)
	return opts.OutputPath, nil
}
