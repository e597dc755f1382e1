package cachekey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tilestitch/internal/geo"
)

func baseKey() Key {
	return Key{Dataset: "canvec", Cell: "92G", Stage: StageProcess, CRS: "EPSG:3857", Resampling: "cubic"}
}

func TestKey_Deterministic(t *testing.T) {
	assert.Equal(t, baseKey().Path(), baseKey().Path())
}

func TestKey_Layout(t *testing.T) {
	p := baseKey().Path()
	assert.True(t, strings.HasPrefix(p, "canvec/process/92G__EPSG_3857__cubic-"), p)
	assert.Len(t, p[strings.LastIndex(p, "-")+1:], digestLen)
}

func TestKey_AnyFieldChangesPath(t *testing.T) {
	base := baseKey().Path()
	variants := []Key{
		{Dataset: "bc-trim", Cell: "92G", Stage: StageProcess, CRS: "EPSG:3857", Resampling: "cubic"},
		{Dataset: "canvec", Cell: "92H", Stage: StageProcess, CRS: "EPSG:3857", Resampling: "cubic"},
		{Dataset: "canvec", Cell: "92G", Stage: StageDownload, CRS: "EPSG:3857", Resampling: "cubic"},
		{Dataset: "canvec", Cell: "92G", Stage: StageProcess, CRS: "EPSG:4326", Resampling: "cubic"},
		{Dataset: "canvec", Cell: "92G", Stage: StageProcess, CRS: "EPSG:3857", Resampling: "lanczos"},
		{Dataset: "canvec", Cell: "92G", Stage: StageProcess, CRS: "EPSG:3857"},
	}
	seen := map[string]bool{base: true}
	for _, k := range variants {
		p := k.Path()
		assert.False(t, seen[p], "collision on %s", p)
		seen[p] = true
	}
}

func TestKey_NormalizationDoesNotCollide(t *testing.T) {
	a := Key{Dataset: "d", Cell: "c", Stage: StageProcess, CRS: "EPSG:3857"}
	b := Key{Dataset: "d", Cell: "c", Stage: StageProcess, CRS: "EPSG_3857"}
	assert.NotEqual(t, a.Path(), b.Path())
}

func TestSafe(t *testing.T) {
	assert.Equal(t, "EPSG_3857", Safe("EPSG:3857"))
	assert.Equal(t, "Quebec_Nord", Safe("Québec Nord"))
	assert.Equal(t, "a_b_c", Safe("a/b.c"))
	assert.Equal(t, "", Safe(""))
}

func TestOutputName(t *testing.T) {
	b, err := geo.NewBBox(-123, 49, -122, 50, "EPSG:4326")
	require.NoError(t, err)

	got := OutputName("", Values{Label: "canvec", Scale: 35000, BBox: b, CRS: "EPSG:3857"})
	assert.Equal(t, "canvec-35000--123-49--122-50-EPSG_3857", got)

	got = OutputName(DefaultOutputTemplate, Values{Label: "hillshade", BBox: b, CRS: "EPSG:3857"})
	assert.Equal(t, "hillshade--123-49--122-50-EPSG_3857", got)

	got = OutputName("{label}-{bbox}", Values{Label: "bc-trim", BBox: b})
	assert.Equal(t, "bc_trim--123-49--122-50", got)
}

func TestOutputName_DistinctBBoxes(t *testing.T) {
	a, _ := geo.NewBBox(-123, 49, -122, 50, "EPSG:4326")
	b, _ := geo.NewBBox(-123, 49, -122, 50.5, "EPSG:4326")
	v := Values{Label: "canvec", Scale: 35000, CRS: "EPSG:3857"}
	v.BBox = a
	first := OutputName("", v)
	v.BBox = b
	assert.NotEqual(t, first, OutputName("", v))
}
