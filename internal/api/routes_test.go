package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tilestitch/internal/cachekey"
	"github.com/sells-group/tilestitch/internal/dataset"
	"github.com/sells-group/tilestitch/internal/grid"
	"github.com/sells-group/tilestitch/internal/pipeline"
	"github.com/sells-group/tilestitch/internal/store"
)

type fakeStitcher struct {
	got     dataset.StitchRequest
	reports []*pipeline.Report
	err     error
}

func (f *fakeStitcher) Stitch(_ context.Context, req dataset.StitchRequest) ([]*pipeline.Report, error) {
	f.got = req
	return f.reports, f.err
}

type fakeRuns struct {
	runs  []store.Run
	tiles []store.Tile
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (*store.Run, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, errors.Join(store.ErrNotFound, errors.New("run not found: "+id))
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]store.Run, error) {
	var out []store.Run
	for _, r := range f.runs {
		if filter.Dataset == "" || r.Dataset == filter.Dataset {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuns) RunTiles(context.Context, string) ([]store.Tile, error) {
	return f.tiles, nil
}

func newTestServer(t *testing.T, st Stitcher, runs Runs) *httptest.Server {
	t.Helper()
	c, err := dataset.Builtin()
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(RouterConfig{
		Catalog:     c,
		Stitcher:    st,
		Runs:        runs,
		CORSOrigins: []string{"*"},
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postMosaic(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/mosaics", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeStitcher{}, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestDatasets(t *testing.T) {
	srv := newTestServer(t, &fakeStitcher{}, nil)

	resp, err := http.Get(srv.URL + "/api/datasets")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Datasets []datasetView `json:"datasets"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Datasets, 3)
	assert.Equal(t, "bc-trim", out.Datasets[0].ID)
	assert.Equal(t, "canvec", out.Datasets[2].ID)
	assert.Equal(t, "bc-hillshade", out.Datasets[2].Companion)
	assert.Equal(t, "EPSG:3857", out.Datasets[2].OutputCRS)
}

func TestMosaic(t *testing.T) {
	st := &fakeStitcher{reports: []*pipeline.Report{
		{Dataset: "canvec", OutputPath: "/gen/canvec-35000--123-49--122-50-EPSG_3857.tif"},
		{Dataset: "bc-hillshade", OutputPath: "/gen/hillshade--123-49--122-50-EPSG_3857.tif"},
	}}
	srv := newTestServer(t, st, nil)

	resp, out := postMosaic(t, srv, `{"dataset":"canvec","bbox":[-123,49,-122,50],"hillshade":true,"ignore_cache":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{
		"/gen/canvec-35000--123-49--122-50-EPSG_3857.tif",
		"/gen/hillshade--123-49--122-50-EPSG_3857.tif",
	}, out["outputs"])

	assert.Equal(t, "canvec", st.got.Dataset)
	assert.True(t, st.got.Companion)
	assert.True(t, st.got.IgnoreCache)
	assert.Equal(t, "EPSG:4326", st.got.BBox.CRS)
	assert.Equal(t, -123.0, st.got.BBox.XMin)
}

func TestMosaic_BadRequests(t *testing.T) {
	srv := newTestServer(t, &fakeStitcher{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"dataset":`},
		{"unknown field", `{"dataset":"bc-trim","bbox":[0,0,1,1],"colour":"red"}`},
		{"missing dataset", `{"bbox":[0,0,1,1]}`},
		{"short bbox", `{"dataset":"bc-trim","bbox":[0,0,1]}`},
		{"inverted bbox", `{"dataset":"bc-trim","bbox":[1,0,0,1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postMosaic(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestMosaic_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown dataset", dataset.ErrUnknown, http.StatusNotFound},
		{"invalid", &pipeline.StageError{Stage: pipeline.StagePlan, Kind: pipeline.ErrInvalidRequest}, http.StatusBadRequest},
		{"empty mosaic", &pipeline.StageError{Stage: pipeline.StageMosaic, Kind: pipeline.ErrEmptyMosaic}, http.StatusUnprocessableEntity},
		{"grid", &grid.UnavailableError{Source: "sqlite", Layer: "nts-50000"}, http.StatusServiceUnavailable},
		{"fetch", &pipeline.StageError{Stage: cachekey.StageDownload, Kind: pipeline.ErrFetch}, http.StatusBadGateway},
		{"raster", &pipeline.StageError{Stage: cachekey.StageProcess, Kind: pipeline.ErrRasterProcessing}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeStitcher{err: tt.err}, nil)
			resp, out := postMosaic(t, srv, `{"dataset":"bc-trim","bbox":[-123,49,-122,50]}`)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestRuns(t *testing.T) {
	runs := &fakeRuns{
		runs: []store.Run{
			{ID: "a", Dataset: "bc-trim", Status: store.RunStatusComplete},
			{ID: "b", Dataset: "canvec", Status: store.RunStatusFailed},
		},
		tiles: []store.Tile{{RunID: "a", Key: "k", Outcome: "ready"}},
	}
	srv := newTestServer(t, &fakeStitcher{}, runs)

	resp, err := http.Get(srv.URL + "/api/runs?dataset=canvec&limit=5")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Runs []store.Run `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "b", list.Runs[0].ID)

	resp2, err := http.Get(srv.URL + "/api/runs/a")
	require.NoError(t, err)
	defer resp2.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var one struct {
		Run   store.Run    `json:"run"`
		Tiles []store.Tile `json:"tiles"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&one))
	assert.Equal(t, "a", one.Run.ID)
	require.Len(t, one.Tiles, 1)

	resp3, err := http.Get(srv.URL + "/api/runs/missing")
	require.NoError(t, err)
	defer resp3.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	resp4, err := http.Get(srv.URL + "/api/runs?limit=-1")
	require.NoError(t, err)
	defer resp4.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)
}

func TestRuns_NotMountedWithoutLedger(t *testing.T) {
	srv := newTestServer(t, &fakeStitcher{}, nil)

	resp, err := http.Get(srv.URL + "/api/runs")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &fakeStitcher{}, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/mosaics", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://maps.example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
