package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/grid"
	"github.com/sells-group/tilestitch/internal/raster"
	"github.com/sells-group/tilestitch/internal/raster/rastertest"
)

type harness struct {
	fetcher *zipFetcher
	engine  *rastertest.Engine
	source  *ArchiveSource
	gen     string
	p       *Pipeline
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{fetcher: newZipFetcher(), engine: &rastertest.Engine{}, gen: filepath.Join(dir, "generated")}
	h.source = ntsSource(t, filepath.Join(dir, "cache"), h.engine)
	opts.GeneratedDir = h.gen
	opts.TempDir = dir
	h.p = New(h.fetcher, h.engine, opts)
	return h
}

func (h *harness) request(t *testing.T) Request {
	return Request{
		BBox: bbox(t, -123.0, 49.0, -122.0, 50.0),
		Variant: Variant{
			Dataset: "trim",
			Label:   "bc-trim",
			Scale:   20000,
			Source:  h.source,
			Mosaic:  MosaicOptions{Resampling: "lanczos", Nodata: raster.Float(-1), BlendDistance: 1, CropToCutline: true},
		},
	}
}

func TestPipeline_Scenario92G92H(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 2})
	report, err := h.p.Run(context.Background(), h.request(t))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.gen, "bc_trim-20000--123-49--122-50-EPSG_4326.tif"), report.OutputPath)
	assert.FileExists(t, report.OutputPath)
	assert.Equal(t, 2, report.Tiles)
	assert.Equal(t, 2, report.Fetches)
	assert.Empty(t, report.Excluded)
	assert.False(t, report.Reused)
	assert.NotEmpty(t, report.RunID)

	vrt := h.engine.CallsFor("buildvrt")
	require.Len(t, vrt, 1)
	want := slices.Clone(report.Ready)
	slices.Sort(want)
	assert.Len(t, want, 2)
	assert.Equal(t, want, vrt[0].Sources)
	assert.Equal(t, 2, h.fetcher.total())
}

func TestPipeline_RerunReusesOutput(t *testing.T) {
	h := newHarness(t, Options{})
	first, err := h.p.Run(context.Background(), h.request(t))
	require.NoError(t, err)
	h.engine.Reset()

	second, err := h.p.Run(context.Background(), h.request(t))
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.OutputPath, second.OutputPath)
	assert.Equal(t, 0, second.Fetches)
	assert.Equal(t, 2, h.fetcher.total())
	assert.Empty(t, h.engine.Calls())
}

func TestPipeline_RerunFromTileCache(t *testing.T) {
	h := newHarness(t, Options{})
	first, err := h.p.Run(context.Background(), h.request(t))
	require.NoError(t, err)
	before, err := os.ReadFile(first.OutputPath)
	require.NoError(t, err)
	require.NoError(t, os.Remove(first.OutputPath))
	h.engine.Reset()

	second, err := h.p.Run(context.Background(), h.request(t))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Fetches)
	assert.Len(t, second.Ready, 2)
	assert.Len(t, h.engine.CallsFor("warp"), 1, "only the final warp runs")

	after, err := os.ReadFile(second.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPipeline_IgnoreCache(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.p.Run(context.Background(), h.request(t))
	require.NoError(t, err)

	req := h.request(t)
	req.IgnoreCache = true
	report, err := h.p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, report.Reused)
	assert.Equal(t, 2, report.Fetches)
	assert.Equal(t, 4, h.fetcher.total())
}

func TestPipeline_BenignExclusion(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.Fail = func(op string, srcs []string) error {
		if op == "warp" && len(srcs) == 1 && strings.Contains(filepath.Base(srcs[0]), "92h") {
			return rastertest.Empty(op)
		}
		return nil
	}

	report, err := h.p.Run(context.Background(), h.request(t))
	require.NoError(t, err)
	require.Len(t, report.Excluded, 1)
	assert.Equal(t, "92H", report.Excluded[0].Cell)
	assert.Len(t, report.Ready, 1)
	assert.FileExists(t, report.OutputPath)
	assert.Equal(t, []string{report.Ready[0]}, h.engine.CallsFor("buildvrt")[0].Sources)
}

func TestPipeline_AllExcluded(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.Fail = func(op string, _ []string) error {
		if op == "warp" {
			return rastertest.Empty(op)
		}
		return nil
	}

	report, err := h.p.Run(context.Background(), h.request(t))
	require.ErrorIs(t, err, ErrEmptyMosaic)
	assert.Equal(t, ErrEmptyMosaic, Kind(err))
	assert.Len(t, report.Excluded, 2)
	assert.NoFileExists(t, report.OutputPath)
	assert.Empty(t, h.engine.CallsFor("buildvrt"))
}

func TestPipeline_FatalFetchAborts(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 1})
	h.fetcher.failURL("https://archive.test/92h/92h.zip", errors.New("connection reset"))

	report, err := h.p.Run(context.Background(), h.request(t))
	require.ErrorIs(t, err, ErrFetch)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "92H", se.Key.Cell)
	assert.NoFileExists(t, report.OutputPath)
	assert.Empty(t, h.engine.CallsFor("buildvrt"))
}

func TestPipeline_FatalErrorCancelsSiblings(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 2})
	started := make(chan struct{})
	canceled := make(chan struct{})
	h.fetcher.hook = func(ctx context.Context, url string) error {
		switch url {
		case "https://archive.test/92g/92g.zip":
			close(started)
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		case "https://archive.test/92h/92h.zip":
			<-started
			return errors.New("connection reset")
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := h.p.Run(ctx, h.request(t))
	require.ErrorIs(t, err, ErrFetch)
	require.NoError(t, ctx.Err(), "run returned only after the deadline")

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "92H", se.Key.Cell)
	select {
	case <-canceled:
	default:
		t.Fatal("in-flight fetch did not see cancellation")
	}
	assert.NoFileExists(t, report.OutputPath)
	assert.Empty(t, h.engine.CallsFor("buildvrt"))
}

func TestPipeline_ExcludeFetchFailures(t *testing.T) {
	h := newHarness(t, Options{ExcludeFetchFailures: true})
	h.fetcher.failURL("https://archive.test/92h/92h.zip", errors.New("connection reset"))

	report, err := h.p.Run(context.Background(), h.request(t))
	require.NoError(t, err)
	require.Len(t, report.Excluded, 1)
	assert.Equal(t, "92H", report.Excluded[0].Cell)
	assert.Contains(t, report.Excluded[0].Reason, "connection reset")
	assert.FileExists(t, report.OutputPath)
}

func TestPipeline_GridUnavailable(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.Index = grid.NewShapefileIndex(t.TempDir(), "nts", "ID", "EPSG:4326")

	_, err := h.p.Run(context.Background(), h.request(t))
	require.ErrorIs(t, err, ErrGridUnavailable)
	assert.Equal(t, 0, h.fetcher.total())
}

func TestPipeline_InvalidRequest(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.request(t)
	req.OutputCRS = "EPSG 3005"

	_, err := h.p.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, geo.ErrMalformedCRS)

	req = h.request(t)
	req.Variant.Source = nil
	_, err = h.p.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPipeline_EngineOnlyOutputCRS(t *testing.T) {
	for _, code := range []string{"EPSG:32610", "EPSG:2056"} {
		t.Run(code, func(t *testing.T) {
			h := newHarness(t, Options{})
			req := h.request(t)
			req.OutputCRS = code

			report, err := h.p.Run(context.Background(), req)
			require.NoError(t, err)
			assert.FileExists(t, report.OutputPath)
			assert.True(t, strings.HasSuffix(report.OutputPath, strings.ReplaceAll(code, ":", "_")+".tif"))

			warps := h.engine.CallsFor("warp")
			require.NotEmpty(t, warps)
			assert.Equal(t, code, warps[len(warps)-1].Warp.DstCRS)
		})
	}
}

func TestPipeline_WMSOutputCRSMustBeRegistered(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.request(t)
	req.Variant.Source = canvecSource(t)
	req.OutputCRS = "EPSG:2056"

	_, err := h.p.Plan(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, geo.ErrUnknownCRS)

	req.OutputCRS = "EPSG:32610"
	entries, err := h.p.Plan(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "EPSG:32610", entries[0].Key.CRS)
}

func TestPipeline_OutputCRSNaming(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.request(t)
	req.Variant.Mosaic.OutputCRS = "EPSG:3005"
	assert.Equal(t, "bc_trim-20000--123-49--122-50-EPSG_3005.tif", filepath.Base(h.p.OutputPath(req)))

	req.OutputCRS = "EPSG:3857"
	assert.Equal(t, "bc_trim-20000--123-49--122-50-EPSG_3857.tif", filepath.Base(h.p.OutputPath(req)))
}

func TestPipeline_Plan(t *testing.T) {
	h := newHarness(t, Options{})
	entries, err := h.p.Plan(context.Background(), h.request(t))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 0, h.fetcher.total())
	assert.Empty(t, h.engine.Calls())
}

type memRecorder struct {
	mu       sync.Mutex
	started  []RunInfo
	tiles    []TileRecord
	finished []error
}

func (r *memRecorder) StartRun(_ context.Context, run RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, run)
	return nil
}

func (r *memRecorder) RecordTile(_ context.Context, _ string, tile TileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiles = append(r.tiles, tile)
	return errors.New("disk full")
}

func (r *memRecorder) FinishRun(_ context.Context, _ string, _ *Report, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, runErr)
	return nil
}

func TestPipeline_Recorder(t *testing.T) {
	rec := &memRecorder{}
	h := newHarness(t, Options{Recorder: rec})
	report, err := h.p.Run(context.Background(), h.request(t))
	require.NoError(t, err, "recorder failures never fail a run")

	require.Len(t, rec.started, 1)
	assert.Equal(t, report.RunID, rec.started[0].ID)
	assert.Equal(t, "EPSG:4326", rec.started[0].OutputCRS)
	assert.Len(t, rec.tiles, 2)
	require.Len(t, rec.finished, 1)
	assert.NoError(t, rec.finished[0])
}
