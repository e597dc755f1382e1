package geo

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ctessum/geom/proj"
	"github.com/rotisserie/eris"
)

var (
	// ErrUnknownCRS is returned for identifiers missing from the registry.
	ErrUnknownCRS = errors.New("geo: unknown crs")
	// ErrMalformedCRS is returned for identifiers not of the form AUTHORITY:CODE.
	ErrMalformedCRS = errors.New("geo: malformed crs")
)

const (
	metresPerInch = 0.0254
	deg2rad       = math.Pi / 180
)

// AreaOfUse is the geographic extent, in degrees, a CRS is defined over.
type AreaOfUse struct {
	West, South, East, North float64
}

// CRS describes one registered coordinate reference system. Projection math
// comes from its proj4 definition; datum shifts are not applied.
type CRS struct {
	Code          string
	Name          string
	Proj4         string
	Area          AreaOfUse
	MetresPerUnit float64
	Geographic    bool

	forward, inverse proj.Transformer
}

// UnitsPerInch returns how many map units span one inch on the ground.
func (c CRS) UnitsPerInch() float64 {
	return metresPerInch / c.MetresPerUnit
}

// Origin returns the south-west corner of the area of use in map units.
func (c CRS) Origin() (x, y float64, err error) {
	return c.Forward(c.Area.West, c.Area.South)
}

// Forward projects lon/lat degrees to map units.
func (c CRS) Forward(lon, lat float64) (float64, float64, error) {
	if c.Geographic {
		return lon, lat, nil
	}
	x, y, err := c.forward(lon*deg2rad, lat*deg2rad)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "geo: project (%v, %v) to %s", lon, lat, c.Code)
	}
	return x / c.MetresPerUnit, y / c.MetresPerUnit, nil
}

// Inverse unprojects map units to lon/lat degrees.
func (c CRS) Inverse(x, y float64) (float64, float64, error) {
	if c.Geographic {
		return x, y, nil
	}
	lon, lat, err := c.inverse(x*c.MetresPerUnit, y*c.MetresPerUnit)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "geo: unproject (%v, %v) from %s", x, y, c.Code)
	}
	return lon / deg2rad, lat / deg2rad, nil
}

type definition struct {
	name  string
	proj4 string
	area  AreaOfUse
}

var definitions = map[string]definition{
	"EPSG:4326": {
		name:  "WGS 84",
		proj4: "+proj=longlat +ellps=WGS84 +no_defs",
		area:  AreaOfUse{West: -180, South: -90, East: 180, North: 90},
	},
	"EPSG:4269": {
		name:  "NAD83",
		proj4: "+proj=longlat +ellps=GRS80 +no_defs",
		area:  AreaOfUse{West: -172.54, South: 14.92, East: -47.74, North: 86.46},
	},
	"EPSG:3857": {
		name:  "WGS 84 / Pseudo-Mercator",
		proj4: "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +no_defs",
		area:  AreaOfUse{West: -180, South: -85.06, East: 180, North: 85.06},
	},
	"EPSG:3005": {
		name:  "NAD83 / BC Albers",
		proj4: "+proj=aea +lat_0=45 +lon_0=-126 +lat_1=50 +lat_2=58.5 +x_0=1000000 +y_0=0 +ellps=GRS80 +units=m +no_defs",
		area:  AreaOfUse{West: -139.04, South: 48.25, East: -114.08, North: 60.01},
	},
	"EPSG:3978": {
		name:  "NAD83 / Canada Atlas Lambert",
		proj4: "+proj=lcc +lat_0=49 +lon_0=-95 +lat_1=49 +lat_2=77 +x_0=0 +y_0=0 +ellps=GRS80 +units=m +no_defs",
		area:  AreaOfUse{West: -141.01, South: 38.21, East: -40.73, North: 86.46},
	},
}

// UTM zones: WGS 84 north (326zz) and south (327zz), NAD83 north (269zz).
func init() {
	for zone := 1; zone <= 60; zone++ {
		west := float64(-180 + 6*(zone-1))
		definitions[fmt.Sprintf("EPSG:%d", 32600+zone)] = definition{
			name:  fmt.Sprintf("WGS 84 / UTM zone %dN", zone),
			proj4: fmt.Sprintf("+proj=utm +zone=%d +ellps=WGS84 +units=m +no_defs", zone),
			area:  AreaOfUse{West: west, South: 0, East: west + 6, North: 84},
		}
		definitions[fmt.Sprintf("EPSG:%d", 32700+zone)] = definition{
			name:  fmt.Sprintf("WGS 84 / UTM zone %dS", zone),
			proj4: fmt.Sprintf("+proj=utm +zone=%d +south +ellps=WGS84 +units=m +no_defs", zone),
			area:  AreaOfUse{West: west, South: -80, East: west + 6, North: 0},
		}
		if zone <= 23 {
			definitions[fmt.Sprintf("EPSG:%d", 26900+zone)] = definition{
				name:  fmt.Sprintf("NAD83 / UTM zone %dN", zone),
				proj4: fmt.Sprintf("+proj=utm +zone=%d +ellps=GRS80 +units=m +no_defs", zone),
				area:  AreaOfUse{West: west, South: 0, East: west + 6, North: 84},
			}
		}
	}
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]CRS)
)

// Lookup returns the registered CRS for code (case-insensitive).
func Lookup(code string) (CRS, error) {
	key := strings.ToUpper(strings.TrimSpace(code))

	registryMu.Lock()
	defer registryMu.Unlock()
	if c, ok := registry[key]; ok {
		return c, nil
	}
	def, ok := definitions[key]
	if !ok {
		return CRS{}, eris.Wrapf(ErrUnknownCRS, "geo: lookup %q", code)
	}
	c, err := build(key, def)
	if err != nil {
		return CRS{}, err
	}
	registry[key] = c
	return c, nil
}

// build parses the definition once; the transformers it returns hold
// their derived constants and are safe for concurrent use.
func build(code string, def definition) (CRS, error) {
	sr, err := proj.Parse(def.proj4)
	if err != nil {
		return CRS{}, eris.Wrapf(err, "geo: parse %s", code)
	}
	fwd, inv, err := sr.Transformers()
	if err != nil {
		return CRS{}, eris.Wrapf(err, "geo: transformers for %s", code)
	}
	c := CRS{
		Code:       code,
		Name:       def.name,
		Proj4:      def.proj4,
		Area:       def.area,
		Geographic: sr.Name == "longlat",
		forward:    fwd,
		inverse:    inv,
	}
	switch {
	case c.Geographic:
		c.MetresPerUnit = 2 * math.Pi * sr.A / 360
	case math.IsNaN(sr.ToMeter) || sr.ToMeter <= 0:
		c.MetresPerUnit = 1
	default:
		c.MetresPerUnit = sr.ToMeter
	}
	return c, nil
}

// CheckCode validates the AUTHORITY:CODE form without requiring a registry
// entry, for CRSs that are only handed to the raster engine.
func CheckCode(code string) error {
	trimmed := strings.TrimSpace(code)
	auth, id, ok := strings.Cut(trimmed, ":")
	if !ok || auth == "" || id == "" || strings.ContainsAny(trimmed, " \t\n") {
		return eris.Wrapf(ErrMalformedCRS, "geo: crs %q", code)
	}
	return nil
}
