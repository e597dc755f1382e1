// Package wms builds OGC Web Map Service GetMap requests.
package wms

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/tiling"
)

// DefaultVersion is the protocol version requested when none is set.
const DefaultVersion = "1.1.1"

// GetMap describes the fixed part of a GetMap request for one dataset.
type GetMap struct {
	BaseURL     string
	Version     string
	Layers      []string
	Styles      []string
	CRS         string
	Format      string
	DPI         int
	Transparent bool
}

// Validate reports a request that no server could answer.
func (g GetMap) Validate() error {
	if _, err := url.Parse(g.BaseURL); err != nil || g.BaseURL == "" {
		return eris.Errorf("wms: invalid base url %q", g.BaseURL)
	}
	if len(g.Layers) == 0 {
		return eris.New("wms: no layers")
	}
	if g.CRS == "" {
		return eris.New("wms: no crs")
	}
	if g.Format == "" {
		return eris.New("wms: no image format")
	}
	return nil
}

// ContentType is the media type a successful response carries.
func (g GetMap) ContentType() string {
	return "image/" + g.Format
}

func (g GetMap) version() string {
	if g.Version == "" {
		return DefaultVersion
	}
	return g.Version
}

func (g GetMap) dpi() int {
	if g.DPI == 0 {
		return tiling.DefaultDPI
	}
	return g.DPI
}

// URL returns the GetMap URL for one footprint rendered at width x height.
// Parameters are emitted in a fixed order so equal requests produce equal URLs.
func (g GetMap) URL(f tiling.Footprint, width, height int) string {
	num := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	dpi := strconv.Itoa(g.dpi())
	params := [][2]string{
		{"SERVICE", "WMS"},
		{"VERSION", g.version()},
		{"REQUEST", "GetMap"},
		{"BBOX", strings.Join([]string{num(f.X.Start), num(f.Y.Start), num(f.X.End), num(f.Y.End)}, ",")},
		{"SRS", g.CRS},
		{"WIDTH", strconv.Itoa(width)},
		{"HEIGHT", strconv.Itoa(height)},
		{"LAYERS", strings.Join(g.Layers, ",")},
		{"STYLES", strings.Join(g.Styles, ",")},
		{"FORMAT", g.ContentType()},
		{"DPI", dpi},
		{"MAP_RESOLUTION", dpi},
		{"FORMAT_OPTIONS", "dpi:" + dpi},
		{"TRANSPARENT", strings.ToUpper(strconv.FormatBool(g.Transparent))},
	}

	var b strings.Builder
	b.WriteString(g.BaseURL)
	if strings.Contains(g.BaseURL, "?") {
		if !strings.HasSuffix(g.BaseURL, "?") && !strings.HasSuffix(g.BaseURL, "&") {
			b.WriteByte('&')
		}
	} else {
		b.WriteByte('?')
	}
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String()
}
