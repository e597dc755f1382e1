package dataset

import (
	"context"
	"regexp"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/grid"
	"github.com/sells-group/tilestitch/internal/pipeline"
	"github.com/sells-group/tilestitch/internal/raster"
	"github.com/sells-group/tilestitch/internal/wms"
)

// DefaultArchiveTypes are accepted for archive downloads that name none.
var DefaultArchiveTypes = []string{"application/zip", "application/x-zip-compressed", "application/octet-stream"}

// GridOpener resolves a grid layer to an index.
type GridOpener func(ctx context.Context, g GridDef) (grid.Index, error)

// ShapefileGrids opens layers as <dir>/<layer>.shp.
func ShapefileGrids(dir string) GridOpener {
	return func(_ context.Context, g GridDef) (grid.Index, error) {
		return grid.NewShapefileIndex(dir, g.Layer, g.IDField, g.CRS), nil
	}
}

// Env supplies the collaborators a variant is built against.
type Env struct {
	CacheDir string
	Grids    GridOpener
	Engine   raster.Engine
}

// Build turns def into a runnable variant.
func Build(ctx context.Context, def Definition, env Env) (pipeline.Variant, error) {
	if env.Engine == nil {
		return pipeline.Variant{}, eris.New("dataset: raster engine required")
	}
	v := pipeline.Variant{
		Dataset:        def.ID,
		Label:          def.Label,
		Scale:          def.Scale,
		OutputTemplate: def.OutputTemplate,
		Mosaic: pipeline.MosaicOptions{
			OutputCRS:     def.Mosaic.OutputCRS,
			Resampling:    def.Mosaic.Resampling,
			Nodata:        def.Mosaic.Nodata,
			BlendDistance: def.Mosaic.BlendDistance,
			CropToCutline: def.Mosaic.CropToCutline == nil || *def.Mosaic.CropToCutline,
		},
	}

	switch def.Kind {
	case KindArchive:
		src, err := buildArchive(ctx, def, env)
		if err != nil {
			return pipeline.Variant{}, err
		}
		v.Source = src
	case KindWMS:
		if def.WMS == nil {
			return pipeline.Variant{}, eris.Errorf("dataset: %q has no wms block", def.ID)
		}
		w := def.WMS
		v.Source = &pipeline.WMSSource{
			Dataset: def.ID,
			GetMap: wms.GetMap{
				BaseURL:     w.BaseURL,
				Version:     w.Version,
				Layers:      w.Layers,
				Styles:      w.Styles,
				Format:      w.Format,
				DPI:         w.DPI,
				Transparent: w.Transparent,
			},
			Scale:     def.Scale,
			MaxWidth:  w.MaxWidth,
			MaxHeight: w.MaxHeight,
			CacheDir:  env.CacheDir,
			Engine:    env.Engine,
		}
	default:
		return pipeline.Variant{}, eris.Errorf("dataset: %q has unknown kind %q", def.ID, def.Kind)
	}
	return v, nil
}

func buildArchive(ctx context.Context, def Definition, env Env) (*pipeline.ArchiveSource, error) {
	if def.Grid == nil || def.Archive == nil {
		return nil, eris.Errorf("dataset: %q needs grid and archive blocks", def.ID)
	}
	if env.Grids == nil {
		return nil, eris.New("dataset: grid opener required")
	}
	a := def.Archive

	var parent *regexp.Regexp
	if a.ParentPattern != "" {
		re, err := regexp.Compile("(?i)" + a.ParentPattern)
		if err != nil {
			return nil, eris.Wrapf(err, "dataset: %q parent pattern", def.ID)
		}
		parent = re
	}
	index, err := env.Grids(ctx, *def.Grid)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: %q grid", def.ID)
	}
	accept := a.Accept
	if len(accept) == 0 {
		accept = DefaultArchiveTypes
	}

	return &pipeline.ArchiveSource{
		Dataset:        def.ID,
		Index:          index,
		CacheDir:       env.CacheDir,
		URLTemplate:    a.URL,
		MemberTemplate: a.Member,
		ParentPattern:  parent,
		TrimParentZero: a.TrimParentZero,
		Parts:          a.Parts,
		Accept:         accept,
		Op:             pipeline.Op(a.Op),
		Engine:         env.Engine,
		Warp: raster.WarpOptions{
			Resampling:    a.Warp.Resampling,
			BlendDistance: a.Warp.BlendDistance,
			DstNodata:     a.Warp.Nodata,
			Format:        "GTiff",
		},
		Hillshade: raster.DefaultHillshade(),
	}, nil
}
