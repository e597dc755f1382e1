// Package dataset holds the catalog of mosaic products and turns a
// definition into a runnable pipeline variant.
package dataset

import (
	"bytes"
	_ "embed"
	"os"
	"slices"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed datasets.yaml
var builtin []byte

// Kinds of tile source.
const (
	KindArchive = "archive"
	KindWMS     = "wms"
)

// Definition describes one product.
type Definition struct {
	ID             string `yaml:"id" json:"id" validate:"required"`
	Label          string `yaml:"label" json:"label" validate:"required"`
	Title          string `yaml:"title" json:"title"`
	Kind           string `yaml:"kind" json:"kind" default:"archive" validate:"oneof=archive wms"`
	Scale          int    `yaml:"scale" json:"scale" validate:"gte=0"`
	OutputTemplate string `yaml:"output_template" json:"output_template" default:"{label}-{scale}-{bbox}-{crs}"`
	// Companion is produced alongside this product on request, over the
	// same bbox and output CRS.
	Companion string `yaml:"companion" json:"companion,omitempty"`

	Grid    *GridDef    `yaml:"grid" json:"grid,omitempty" validate:"required_if=Kind archive"`
	Archive *ArchiveDef `yaml:"archive" json:"archive,omitempty" validate:"required_if=Kind archive"`
	WMS     *WMSDef     `yaml:"wms" json:"wms,omitempty" validate:"required_if=Kind wms"`
	Mosaic  MosaicDef   `yaml:"mosaic" json:"mosaic"`
}

// GridDef names the control-grid layer an archive product is keyed on.
type GridDef struct {
	Layer   string `yaml:"layer" json:"layer" validate:"required"`
	IDField string `yaml:"id_field" json:"id_field" validate:"required"`
	CRS     string `yaml:"crs" json:"crs" default:"EPSG:4326"`
}

// ArchiveDef addresses one zip archive per cell.
type ArchiveDef struct {
	URL            string   `yaml:"url" json:"url" validate:"required"`
	Member         string   `yaml:"member" json:"member"`
	ParentPattern  string   `yaml:"parent_pattern" json:"parent_pattern"`
	TrimParentZero bool     `yaml:"trim_parent_zero" json:"trim_parent_zero"`
	Parts          []string `yaml:"parts" json:"parts,omitempty"`
	Accept         []string `yaml:"accept" json:"accept,omitempty"`
	Op             string   `yaml:"op" json:"op" default:"warp" validate:"oneof=warp hillshade"`
	Warp           WarpDef  `yaml:"warp" json:"warp"`
}

// WarpDef configures the per-cell clip.
type WarpDef struct {
	Resampling    string   `yaml:"resampling" json:"resampling"`
	BlendDistance float64  `yaml:"blend_distance" json:"blend_distance" validate:"gte=0"`
	Nodata        *float64 `yaml:"nodata" json:"nodata,omitempty"`
}

// WMSDef configures a GetMap source.
type WMSDef struct {
	BaseURL     string   `yaml:"base_url" json:"base_url" validate:"required,url"`
	Version     string   `yaml:"version" json:"version" default:"1.1.1"`
	Layers      []string `yaml:"layers" json:"layers" validate:"required,min=1"`
	Styles      []string `yaml:"styles" json:"styles,omitempty"`
	Format      string   `yaml:"format" json:"format" default:"png"`
	DPI         int      `yaml:"dpi" json:"dpi" default:"96" validate:"gt=0"`
	MaxWidth    int      `yaml:"max_width" json:"max_width" default:"4096" validate:"gt=0"`
	MaxHeight   int      `yaml:"max_height" json:"max_height" default:"4096" validate:"gt=0"`
	Transparent bool     `yaml:"transparent" json:"transparent"`
}

// MosaicDef configures the final assembly.
type MosaicDef struct {
	OutputCRS     string   `yaml:"output_crs" json:"output_crs,omitempty"`
	Resampling    string   `yaml:"resampling" json:"resampling" default:"cubic"`
	BlendDistance float64  `yaml:"blend_distance" json:"blend_distance" validate:"gte=0"`
	Nodata        *float64 `yaml:"nodata" json:"nodata,omitempty"`
	CropToCutline *bool    `yaml:"crop_to_cutline" json:"crop_to_cutline" default:"true"`
}

// Catalog is an ordered set of definitions.
type Catalog struct {
	defs []Definition
}

// Builtin returns the catalog compiled into the binary.
func Builtin() (*Catalog, error) {
	return Parse(builtin)
}

// Load reads a catalog file. An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "dataset: read catalog")
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a catalog document. Unknown keys,
// duplicate ids and dangling companions are rejected.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Datasets []Definition `yaml:"datasets"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "dataset: decode catalog")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	seen := make(map[string]bool, len(doc.Datasets))
	for i := range doc.Datasets {
		d := &doc.Datasets[i]
		if err := defaults.Set(d); err != nil {
			return nil, eris.Wrapf(err, "dataset: defaults for %q", d.ID)
		}
		if err := validate.Struct(d); err != nil {
			return nil, eris.Wrapf(err, "dataset: invalid definition %q", d.ID)
		}
		if seen[d.ID] {
			return nil, eris.Errorf("dataset: duplicate id %q", d.ID)
		}
		seen[d.ID] = true
	}
	for _, d := range doc.Datasets {
		if d.Companion != "" && !seen[d.Companion] {
			return nil, eris.Errorf("dataset: %q names unknown companion %q", d.ID, d.Companion)
		}
	}
	return &Catalog{defs: doc.Datasets}, nil
}

// Get returns the definition with the given id (case-insensitive).
func (c *Catalog) Get(id string) (Definition, bool) {
	i := slices.IndexFunc(c.defs, func(d Definition) bool { return strings.EqualFold(d.ID, id) })
	if i < 0 {
		return Definition{}, false
	}
	return c.defs[i], true
}

// List returns all definitions in catalog order.
func (c *Catalog) List() []Definition {
	return slices.Clone(c.defs)
}

// IDs returns the catalog ids in order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.defs))
	for i, d := range c.defs {
		ids[i] = d.ID
	}
	return ids
}
