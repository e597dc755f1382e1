package wms

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tilestitch/internal/tiling"
)

func canvec() GetMap {
	return GetMap{
		BaseURL: "https://maps.geogratis.gc.ca/wms/canvec_en",
		Layers:  []string{"land", "hydro", "transport"},
		CRS:     "EPSG:3857",
		Format:  "png",
	}
}

func TestURL(t *testing.T) {
	f := tiling.Footprint{X: tiling.Interval{Start: -13692000, End: -13652000}, Y: tiling.Interval{Start: 6274000, End: 6314000.5}}
	got := canvec().URL(f, 4096, 4096)

	assert.Equal(t, "https://maps.geogratis.gc.ca/wms/canvec_en?SERVICE=WMS&VERSION=1.1.1&REQUEST=GetMap"+
		"&BBOX=-13692000%2C6274000%2C-13652000%2C6314000.5&SRS=EPSG%3A3857&WIDTH=4096&HEIGHT=4096"+
		"&LAYERS=land%2Chydro%2Ctransport&STYLES=&FORMAT=image%2Fpng&DPI=96&MAP_RESOLUTION=96"+
		"&FORMAT_OPTIONS=dpi%3A96&TRANSPARENT=FALSE", got)

	u, err := url.Parse(got)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "-13692000,6274000,-13652000,6314000.5", q.Get("BBOX"))
	assert.Equal(t, "image/png", q.Get("FORMAT"))
}

func TestURL_Deterministic(t *testing.T) {
	f := tiling.Footprint{X: tiling.Interval{Start: 0, End: 10}, Y: tiling.Interval{Start: 0, End: 10}}
	assert.Equal(t, canvec().URL(f, 256, 256), canvec().URL(f, 256, 256))
}

func TestURL_BaseWithQuery(t *testing.T) {
	g := canvec()
	g.BaseURL = "https://example.com/ows?map=canvec"
	g.Transparent = true
	g.DPI = 192
	got := g.URL(tiling.Footprint{}, 1, 1)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "canvec", u.Query().Get("map"))
	assert.Equal(t, "TRUE", u.Query().Get("TRANSPARENT"))
	assert.Equal(t, "dpi:192", u.Query().Get("FORMAT_OPTIONS"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, canvec().Validate())

	g := canvec()
	g.Layers = nil
	assert.Error(t, g.Validate())

	g = canvec()
	g.Format = ""
	assert.Error(t, g.Validate())
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", canvec().ContentType())
}
