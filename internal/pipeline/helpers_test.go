package pipeline

import (
	"archive/zip"
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/tilestitch/internal/cachekey"
	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/grid"
	"github.com/sells-group/tilestitch/internal/raster/rastertest"
)

// zipFetcher serves every URL as a zip holding one member named after the
// URL's base name, with the .zip replaced by .tif.
type zipFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	// hook, when set, runs before the archive is written; a non-nil return
	// fails the download.
	hook func(ctx context.Context, url string) error
}

func newZipFetcher() *zipFetcher {
	return &zipFetcher{calls: make(map[string]int), fail: make(map[string]error)}
}

func (f *zipFetcher) DownloadToFile(ctx context.Context, url, dst string, _ ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.calls[url]++
	err := f.fail[url]
	hook := f.hook
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if hook != nil {
		if err := hook(ctx, url); err != nil {
			return 0, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close() //nolint:errcheck
	zw := zip.NewWriter(out)
	member := strings.ToLower(strings.TrimSuffix(path.Base(url), ".zip")) + ".tif"
	w, err := zw.Create(member)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write([]byte("raster " + member)); err != nil {
		return 0, err
	}
	return 1, zw.Close()
}

func (f *zipFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *zipFetcher) failURL(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[url] = err
}

func bbox(t *testing.T, xMin, yMin, xMax, yMax float64) geo.BBox {
	t.Helper()
	b, err := geo.NewBBox(xMin, yMin, xMax, yMax, "EPSG:4326")
	require.NoError(t, err)
	return b
}

func sheet(t *testing.T, id string, xMin, yMin, xMax, yMax float64) grid.Extent {
	t.Helper()
	return grid.Extent{Name: id, Box: bbox(t, xMin, yMin, xMax, yMax)}
}

const testURL = "https://archive.test/{parent_lower}/{cell_lower}.zip"

// ntsSource serves the 92G and 92H sheets through the given engine.
func ntsSource(t *testing.T, cacheDir string, engine *rastertest.Engine) *ArchiveSource {
	t.Helper()
	return &ArchiveSource{
		Dataset: "trim",
		Index: grid.NewMemoryIndex(
			sheet(t, "92G", -124, 49, -122, 50),
			sheet(t, "92H", -122, 49, -120, 50),
			sheet(t, "93A", -122, 52, -120, 53),
		),
		CacheDir:       cacheDir,
		URLTemplate:    testURL,
		MemberTemplate: "{cell_lower}.tif",
		Op:             OpWarp,
		Engine:         engine,
	}
}

// testEntry is a single archive entry under dir.
func testEntry(dir, url string, engine *rastertest.Engine) *Entry {
	key := cachekey.Key{Dataset: "test", Cell: "c1", Stage: cachekey.StageProcess}
	return &Entry{
		Key:           key,
		DownloadKey:   cachekey.Key{Dataset: "test", Cell: "c1", Stage: cachekey.StageDownload},
		ExtractKey:    cachekey.Key{Dataset: "test", Cell: "c1.tif", Stage: cachekey.StageExtract},
		Cell:          "c1",
		RemoteURL:     url,
		DownloadPath:  filepath.Join(dir, "download", "c1.zip"),
		Member:        "c1.tif",
		ExtractedPath: filepath.Join(dir, "extract", "c1.tif"),
		ProcessedPath: filepath.Join(dir, "process", "c1.tif"),
		Processor:     WarpProcessor{Engine: engine},
	}
}
