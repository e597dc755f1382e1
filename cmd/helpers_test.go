//go:build !integration

package main

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tilestitch/internal/config"
	"github.com/sells-group/tilestitch/internal/fetcher"
	"github.com/sells-group/tilestitch/internal/raster"
)

// zipFetcher answers every archive URL with a zip holding "<name>.tif".
type zipFetcher struct {
	mu   sync.Mutex
	urls []string
}

func (f *zipFetcher) DownloadToFile(_ context.Context, url, dst string, _ ...string) (int64, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()

	member := strings.TrimSuffix(path.Base(url), ".zip") + ".tif"
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(member)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write([]byte("raster " + member)); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	return int64(buf.Len()), os.WriteFile(dst, buf.Bytes(), 0o644)
}

func (f *zipFetcher) URLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

// swapBackends replaces the network fetcher and GDAL engine for one test.
func swapBackends(t *testing.T, f fetcher.Fetcher, e raster.Engine) {
	t.Helper()
	oldFetcher, oldEngine := newFetcher, newEngine
	newFetcher = func(*config.Config) fetcher.Fetcher { return f }
	newEngine = func(*config.Config) raster.Engine { return e }
	t.Cleanup(func() {
		newFetcher, newEngine = oldFetcher, oldEngine
	})
}

// testWorkspace points every configured path at a fresh temp directory.
func testWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, d := range []string{"cache", "generated", "tmp", "control"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d), 0o755))
	}
	t.Setenv("TILESTITCH_PATHS_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("TILESTITCH_PATHS_GENERATED_DIR", filepath.Join(dir, "generated"))
	t.Setenv("TILESTITCH_PATHS_TEMP_DIR", filepath.Join(dir, "tmp"))
	t.Setenv("TILESTITCH_PATHS_CONTROL_DIR", filepath.Join(dir, "control"))
	t.Setenv("TILESTITCH_STORE_PATH", filepath.Join(dir, "runs.db"))
	t.Setenv("TILESTITCH_GRID_SQLITE_PATH", filepath.Join(dir, "grid.db"))
	t.Setenv("TILESTITCH_LOG_LEVEL", "error")
	return dir
}

// writeSheets writes a polygon shapefile <dir>/<layer>.shp with one
// rectangle per sheet, in order.
func writeSheets(t *testing.T, dir, layer, idField string, sheets map[string][4]float64, order []string) {
	t.Helper()
	w, err := shp.Create(filepath.Join(dir, layer+".shp"), shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{shp.StringField(idField, 16)}))

	for _, id := range order {
		b := sheets[id]
		ring := []shp.Point{
			{X: b[0], Y: b[1]}, {X: b[0], Y: b[3]}, {X: b[2], Y: b[3]}, {X: b[2], Y: b[1]}, {X: b[0], Y: b[1]},
		}
		poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{ring}))
		n := w.Write(&poly)
		require.NoError(t, w.WriteAttribute(int(n), 0, id))
	}
	w.Close()
}

// zipDir writes every regular file in dir into archive.
func zipDir(t *testing.T, dir, archive string) {
	t.Helper()
	out, err := os.Create(archive)
	require.NoError(t, err)
	defer out.Close() //nolint:errcheck

	zw := zip.NewWriter(out)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		w, err := zw.Create(e.Name())
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}
