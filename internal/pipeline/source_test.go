package pipeline

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tilestitch/internal/grid"
	"github.com/sells-group/tilestitch/internal/raster"
	"github.com/sells-group/tilestitch/internal/raster/rastertest"
	"github.com/sells-group/tilestitch/internal/wms"
)

func TestArchiveSource_Warp(t *testing.T) {
	dir := t.TempDir()
	src := ntsSource(t, dir, &rastertest.Engine{})
	src.ParentPattern = regexp.MustCompile(`(?i)^\d{2,3}[a-z]`)
	src.Warp = raster.WarpOptions{Resampling: "lanczos", BlendDistance: 1}

	entries, err := src.Entries(context.Background(), bbox(t, -123, 49, -122, 50), "EPSG:3857")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	e := entries[0]
	assert.Equal(t, "92G", e.Cell)
	assert.Equal(t, "https://archive.test/92g/92g.zip", e.RemoteURL)
	assert.Equal(t, "92g.tif", e.Member)
	assert.True(t, strings.HasPrefix(e.DownloadPath, filepath.Join(dir, "trim", "download")))
	assert.True(t, strings.HasSuffix(e.DownloadPath, ".zip"))
	assert.True(t, strings.HasSuffix(e.ExtractedPath, ".tif"))
	assert.Equal(t, "lanczos", e.Key.Resampling)

	proc, ok := e.Processor.(WarpProcessor)
	require.True(t, ok)
	require.NotNil(t, proc.Options.Cutline)
	assert.Equal(t, sheet(t, "92G", -124, 49, -122, 50).Box, *proc.Options.Cutline)
	assert.Nil(t, src.Warp.Cutline)

	assert.NotEqual(t, entries[0].ProcessedPath, entries[1].ProcessedPath)
	assert.NotEqual(t, entries[0].DownloadPath, entries[1].DownloadPath)
}

func TestArchiveSource_HillshadeParts(t *testing.T) {
	src := &ArchiveSource{
		Dataset:        "hillshade",
		Index:          grid.NewMemoryIndex(sheet(t, "092G01", -124, 49, -123.5, 49.25)),
		CacheDir:       t.TempDir(),
		URLTemplate:    "https://dem.test/{parent}/{cell_lower}_{part}.zip",
		MemberTemplate: "{cell_lower}_{part}.dem",
		ParentPattern:  regexp.MustCompile(`(?i)^\d{2,3}[a-z]`),
		TrimParentZero: true,
		Parts:          []string{"e", "w"},
		Op:             OpHillshade,
		Engine:         &rastertest.Engine{},
		Hillshade:      raster.DefaultHillshade(),
	}
	entries, err := src.Entries(context.Background(), bbox(t, -124, 49, -123, 50), "")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "https://dem.test/92G/092g01_e.zip", entries[0].RemoteURL)
	assert.Equal(t, "092g01_w.dem", entries[1].Member)
	assert.Equal(t, "092G01_e", entries[0].Key.Cell)
	assert.IsType(t, HillshadeProcessor{}, entries[0].Processor)
	assert.True(t, strings.HasSuffix(entries[0].ExtractedPath, ".dem"))
}

func TestArchiveSource_ParentKeepsCase(t *testing.T) {
	src := &ArchiveSource{ParentPattern: regexp.MustCompile(`(?i)^\d{2,3}[a-z]`)}
	vars := src.vars("092G001", "")
	assert.Equal(t, "092G", vars["parent"])
	assert.Equal(t, "092g", vars["parent_lower"])

	vars = src.vars("092g001", "")
	assert.Equal(t, "092g", vars["parent"])

	src.ParentPattern = nil
	vars = src.vars("92H", "")
	assert.Equal(t, "92H", vars["parent"])
	assert.Equal(t, "92h", vars["parent_lower"])
}

func TestArchiveSource_GridUnavailable(t *testing.T) {
	src := ntsSource(t, t.TempDir(), &rastertest.Engine{})
	src.Index = grid.NewShapefileIndex(t.TempDir(), "missing", "ID", "EPSG:4326")

	_, err := src.Entries(context.Background(), bbox(t, 0, 0, 1, 1), "")
	require.ErrorIs(t, err, grid.ErrUnavailable)
}

func TestArchiveSource_UnknownOp(t *testing.T) {
	src := ntsSource(t, t.TempDir(), &rastertest.Engine{})
	src.Op = "sharpen"
	_, err := src.Entries(context.Background(), bbox(t, -123, 49, -122, 50), "")
	assert.Error(t, err)
}

func canvecSource(t *testing.T) *WMSSource {
	t.Helper()
	return &WMSSource{
		Dataset: "canvec",
		GetMap: wms.GetMap{
			BaseURL: "https://maps.test/wms",
			Layers:  []string{"land", "hydro"},
			Format:  "png",
		},
		Scale:     35000,
		MaxWidth:  4096,
		MaxHeight: 4096,
		CacheDir:  t.TempDir(),
		Engine:    &rastertest.Engine{},
	}
}

func TestWMSSource_Entries(t *testing.T) {
	src := canvecSource(t)
	entries, err := src.Entries(context.Background(), bbox(t, -123.1, 49.2, -123.0, 49.3), "EPSG:3857")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	e := entries[0]
	assert.Empty(t, e.Member)
	assert.Equal(t, []string{"image/png"}, e.Accept)
	assert.Contains(t, e.RemoteURL, "SRS=EPSG%3A3857")
	assert.Contains(t, e.RemoteURL, "WIDTH=4096")
	assert.True(t, strings.HasPrefix(e.Cell, "35000_96_"))
	assert.Equal(t, "EPSG:3857", e.Key.CRS)
	assert.True(t, strings.HasSuffix(e.DownloadPath, ".png"))

	proc, ok := e.Processor.(TranslateProcessor)
	require.True(t, ok)
	assert.Equal(t, "EPSG:3857", proc.Bounds.CRS)
}

func TestWMSSource_OverlappingRequestsShareTiles(t *testing.T) {
	src := canvecSource(t)
	a, err := src.Entries(context.Background(), bbox(t, -123.10, 49.20, -123.00, 49.30), "EPSG:3857")
	require.NoError(t, err)
	b, err := src.Entries(context.Background(), bbox(t, -123.05, 49.25, -122.95, 49.35), "EPSG:3857")
	require.NoError(t, err)

	paths := make(map[string]bool)
	for _, e := range a {
		paths[e.ProcessedPath] = true
	}
	shared := 0
	for _, e := range b {
		if paths[e.ProcessedPath] {
			shared++
		}
	}
	assert.Positive(t, shared)
}

func TestWMSSource_InvalidTiling(t *testing.T) {
	src := canvecSource(t)
	src.Scale = 0
	_, err := src.Entries(context.Background(), bbox(t, -123.1, 49.2, -123.0, 49.3), "EPSG:3857")
	assert.Error(t, err)
}
