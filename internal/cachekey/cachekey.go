// Package cachekey derives stable, filesystem-safe cache paths and run-scoped
// output names.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/tilestitch/internal/geo"
)

// Stage names the artifact a key addresses.
type Stage string

const (
	StageDownload Stage = "download"
	StageExtract  Stage = "extract"
	StageProcess  Stage = "process"
)

const digestLen = 10

// Key identifies one cached artifact. CRS and Resampling are empty for
// artifacts that do not depend on them (raw downloads, extracted members).
type Key struct {
	Dataset    string
	Cell       string
	Stage      Stage
	CRS        string
	Resampling string
}

// Path returns the slash-separated relative path of the artifact, without
// extension. Equal keys give equal paths; distinct keys never share one.
func (k Key) Path() string {
	name := Safe(k.Cell)
	if k.CRS != "" {
		name += "__" + Safe(k.CRS)
	}
	if k.Resampling != "" {
		name += "__" + Safe(k.Resampling)
	}
	return path.Join(Safe(k.Dataset), Safe(string(k.Stage)), name+"-"+k.digest())
}

// String implements fmt.Stringer.
func (k Key) String() string { return k.Path() }

func (k Key) digest() string {
	h := sha256.New()
	for _, part := range []string{k.Dataset, k.Cell, string(k.Stage), k.CRS, k.Resampling} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:digestLen]
}

// Safe folds accents and replaces every rune outside [A-Za-z0-9_] with '_'.
func Safe(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Values fill an output name template.
type Values struct {
	Label string
	Scale int
	BBox  geo.BBox
	CRS   string
}

// DefaultOutputTemplate is used when a dataset does not set one.
const DefaultOutputTemplate = "{label}-{scale}-{bbox}-{crs}"

// OutputName expands {label}, {scale}, {bbox} and {crs} in template. A zero
// scale drops the {scale} placeholder together with one adjacent '-'.
func OutputName(template string, v Values) string {
	if template == "" {
		template = DefaultOutputTemplate
	}
	scale := ""
	if v.Scale > 0 {
		scale = strconv.Itoa(v.Scale)
	} else {
		template = strings.Replace(template, "-{scale}", "", 1)
		template = strings.Replace(template, "{scale}-", "", 1)
	}
	return strings.NewReplacer(
		"{label}", Safe(v.Label),
		"{scale}", scale,
		"{bbox}", v.BBox.PathPart(),
		"{crs}", Safe(v.CRS),
	).Replace(template)
}
