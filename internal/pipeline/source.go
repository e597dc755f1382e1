package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/cachekey"
	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/grid"
	"github.com/sells-group/tilestitch/internal/raster"
	"github.com/sells-group/tilestitch/internal/tiling"
	"github.com/sells-group/tilestitch/internal/wms"
)

// Source plans the cache entries one request touches.
type Source interface {
	Entries(ctx context.Context, bbox geo.BBox, outputCRS string) ([]*Entry, error)
}

// Op selects the per-tile processing of an ArchiveSource.
type Op string

const (
	OpWarp      Op = "warp"
	OpHillshade Op = "hillshade"
)

// ArchiveSource addresses one zip archive per grid cell (and part).
//
// URLTemplate and MemberTemplate accept {cell}, {cell_lower}, {cell_upper},
// {parent}, {parent_lower} and {part}. The parent is the first match of
// ParentPattern against the cell identifier as the grid spells it, or the
// whole identifier when no pattern is set.
type ArchiveSource struct {
	Dataset        string
	Index          grid.Index
	CacheDir       string
	URLTemplate    string
	MemberTemplate string
	ParentPattern  *regexp.Regexp
	// TrimParentZero drops one leading '0' from the parent.
	TrimParentZero bool
	// Parts fans every cell out into one archive per part.
	Parts  []string
	Accept []string

	Op        Op
	Engine    raster.Engine
	Warp      raster.WarpOptions
	Hillshade raster.HillshadeOptions
}

// Entries implements Source. Cells are looked up with bbox as given; the
// grid store is expected to share its CRS.
func (s *ArchiveSource) Entries(ctx context.Context, bbox geo.BBox, _ string) ([]*Entry, error) {
	cells, err := grid.Collect(s.Index.CellsIntersecting(ctx, bbox))
	if err != nil {
		return nil, err
	}
	parts := s.Parts
	if len(parts) == 0 {
		parts = []string{""}
	}

	entries := make([]*Entry, 0, len(cells)*len(parts))
	for _, c := range cells {
		for _, part := range parts {
			e, err := s.entry(c, part)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *ArchiveSource) entry(c grid.Cell, part string) (*Entry, error) {
	vars := s.vars(c.ID(), part)
	rawURL := expand(s.URLTemplate, vars)
	if _, err := url.Parse(rawURL); err != nil {
		return nil, eris.Wrapf(err, "pipeline: archive url for %s", c.ID())
	}
	member := expand(s.MemberTemplate, vars)

	id := c.ID()
	if part != "" {
		id += "_" + part
	}
	dl := cachekey.Key{Dataset: s.Dataset, Cell: id, Stage: cachekey.StageDownload}
	ex := cachekey.Key{Dataset: s.Dataset, Cell: member, Stage: cachekey.StageExtract}
	pr := cachekey.Key{Dataset: s.Dataset, Cell: id, Stage: cachekey.StageProcess}

	var proc Processor
	switch s.Op {
	case OpHillshade:
		proc = HillshadeProcessor{Engine: s.Engine, Options: s.Hillshade}
	case OpWarp, "":
		opts := s.Warp
		env := c.Envelope()
		opts.Cutline = &env
		pr.Resampling = opts.Resampling
		proc = WarpProcessor{Engine: s.Engine, Options: opts}
	default:
		return nil, eris.Errorf("pipeline: unknown archive op %q", s.Op)
	}

	ext := path.Ext(strings.SplitN(rawURL, "?", 2)[0])
	if ext == "" {
		ext = ".zip"
	}
	e := &Entry{
		Key:           pr,
		DownloadKey:   dl,
		Cell:          c.ID(),
		RemoteURL:     rawURL,
		Accept:        s.Accept,
		DownloadPath:  s.cachePath(dl, ext),
		Member:        member,
		ProcessedPath: s.cachePath(pr, ".tif"),
		Processor:     proc,
	}
	if member != "" {
		e.ExtractKey = ex
		e.ExtractedPath = s.cachePath(ex, path.Ext(member))
	}
	return e, nil
}

func (s *ArchiveSource) vars(cell, part string) map[string]string {
	lower := strings.ToLower(cell)
	parent := cell
	if s.ParentPattern != nil {
		parent = s.ParentPattern.FindString(cell)
	}
	if s.TrimParentZero {
		parent = strings.TrimPrefix(parent, "0")
	}
	return map[string]string{
		"cell":         cell,
		"cell_lower":   lower,
		"cell_upper":   strings.ToUpper(cell),
		"parent":       parent,
		"parent_lower": strings.ToLower(parent),
		"part":         part,
	}
}

func (s *ArchiveSource) cachePath(k cachekey.Key, ext string) string {
	return filepath.Join(s.CacheDir, filepath.FromSlash(k.Path())+ext)
}

// WMSSource renders grid-aligned footprints through a GetMap endpoint and
// georeferences each image.
type WMSSource struct {
	Dataset   string
	GetMap    wms.GetMap
	Scale     int
	MaxWidth  int
	MaxHeight int
	CacheDir  string
	Engine    raster.Engine
}

// Entries implements Source. Footprints are laid out in outputCRS so the
// same scale and CRS always address the same tiles.
func (s *WMSSource) Entries(_ context.Context, bbox geo.BBox, outputCRS string) ([]*Entry, error) {
	gm := s.GetMap
	if outputCRS != "" {
		gm.CRS = outputCRS
	}
	if err := gm.Validate(); err != nil {
		return nil, err
	}
	dpi := gm.DPI
	if dpi == 0 {
		dpi = tiling.DefaultDPI
	}
	tiles, err := tiling.Plan(bbox, tiling.Spec{
		CRS:       gm.CRS,
		Scale:     s.Scale,
		DPI:       dpi,
		MaxWidth:  s.MaxWidth,
		MaxHeight: s.MaxHeight,
	})
	if err != nil {
		return nil, err
	}
	crs, err := geo.Lookup(gm.CRS)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(tiles))
	for _, t := range tiles {
		id := fmt.Sprintf("%d_%d_%s", s.Scale, dpi, t.Footprint.ID())
		dl := cachekey.Key{Dataset: s.Dataset, Cell: id, Stage: cachekey.StageDownload, CRS: crs.Code}
		pr := cachekey.Key{Dataset: s.Dataset, Cell: id, Stage: cachekey.StageProcess, CRS: crs.Code}
		entries = append(entries, &Entry{
			Key:           pr,
			DownloadKey:   dl,
			Cell:          id,
			RemoteURL:     gm.URL(t.Footprint, t.Width, t.Height),
			Accept:        []string{gm.ContentType()},
			DownloadPath:  s.cachePath(dl, "."+strings.ToLower(gm.Format)),
			ProcessedPath: s.cachePath(pr, ".tif"),
			Processor:     TranslateProcessor{Engine: s.Engine, Bounds: t.Footprint.BBox(crs.Code)},
		})
	}
	return entries, nil
}

func (s *WMSSource) cachePath(k cachekey.Key, ext string) string {
	return filepath.Join(s.CacheDir, filepath.FromSlash(k.Path())+ext)
}

func expand(template string, vars map[string]string) string {
	if template == "" {
		return ""
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
