package raster

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tilestitch/internal/geo"
)

// RunFunc executes a command and reports its output and exit status. A
// non-nil error means the command could not be run at all.
type RunFunc func(ctx context.Context, name string, args []string) (stdout, stderr []byte, exit int, err error)

// GDALOptions configures the GDAL command line engine.
type GDALOptions struct {
	// BinDir holds the GDAL utilities. Empty resolves them on PATH.
	BinDir  string
	TempDir string
	// Config is passed to every tool as --config KEY VALUE.
	Config map[string]string
	Run    RunFunc
}

// GDAL implements Engine with gdalwarp, gdaldem, gdal_translate and gdalbuildvrt.
type GDAL struct {
	opts GDALOptions
	log  *zap.Logger
}

// NewGDAL creates a GDAL engine.
func NewGDAL(opts GDALOptions) *GDAL {
	if opts.Run == nil {
		opts.Run = execRun
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &GDAL{opts: opts, log: zap.L().With(zap.String("component", "gdal"))}
}

func execRun(ctx context.Context, name string, args []string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, err
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

func (g *GDAL) tool(name string) string {
	if g.opts.BinDir == "" {
		return name
	}
	return filepath.Join(g.opts.BinDir, name)
}

func (g *GDAL) configArgs() []string {
	keys := make([]string, 0, len(g.opts.Config))
	for k := range g.opts.Config {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var args []string
	for _, k := range keys {
		args = append(args, "--config", k, g.opts.Config[k])
	}
	return args
}

// invoke runs tool and converts failures into *EngineError. When dst is
// set, a clean exit that leaves no file behind is an empty result.
func (g *GDAL) invoke(ctx context.Context, tool string, args []string, dst string) ([]byte, error) {
	args = append(g.configArgs(), args...)
	g.log.Debug("running", zap.String("tool", tool), zap.Strings("args", args))

	stdout, stderr, exit, err := g.opts.Run(ctx, g.tool(tool), args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &EngineError{Op: tool, ExitCode: exit, Err: err}
	}
	if exit != 0 {
		code, detail := parseDiagnostics(string(stderr))
		return nil, &EngineError{Op: tool, Code: code, ExitCode: exit, Detail: detail}
	}
	if dst != "" {
		if _, err := os.Stat(dst); err != nil {
			return nil, &EngineError{Op: tool, Code: CodeEmptyResult, Detail: "no output written"}
		}
	}
	return stdout, nil
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Warp implements Engine. A single source whose footprint misses the
// cutline fails with CodeEmptyResult before gdalwarp runs.
func (g *GDAL) Warp(ctx context.Context, srcs []string, dst string, opts WarpOptions) error {
	if len(srcs) == 0 {
		return &EngineError{Op: "gdalwarp", Code: CodeIllegalArg, Detail: "no sources"}
	}
	args := []string{"-overwrite", "-of", orDefault(opts.Format, "GTiff")}
	if opts.DstCRS != "" {
		args = append(args, "-t_srs", opts.DstCRS)
	}
	if opts.Resampling != "" {
		args = append(args, "-r", opts.Resampling)
	}
	if opts.Cutline != nil {
		if len(srcs) == 1 && !g.overlaps(ctx, srcs[0], *opts.Cutline) {
			return &EngineError{Op: "gdalwarp", Code: CodeEmptyResult, Detail: "source does not intersect cutline"}
		}
		dir, err := os.MkdirTemp(g.opts.TempDir, "cutline-*")
		if err != nil {
			return eris.Wrap(err, "raster: create cutline dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck
		layer, err := writeCutline(dir, *opts.Cutline)
		if err != nil {
			return err
		}
		args = append(args, "-cutline", layer, "-cl", cutlineLayer)
		if opts.CropToCutline {
			args = append(args, "-crop_to_cutline")
		}
	}
	if opts.BlendDistance > 0 {
		args = append(args, "-cblend", num(opts.BlendDistance))
	}
	if opts.DstNodata != nil {
		args = append(args, "-dstnodata", num(*opts.DstNodata))
	}
	args = append(args, srcs...)
	args = append(args, dst)

	_, err := g.invoke(ctx, "gdalwarp", args, dst)
	return err
}

// Hillshade implements Engine.
func (g *GDAL) Hillshade(ctx context.Context, src, dst string, opts HillshadeOptions) error {
	band := opts.Band
	if band == 0 {
		band = 1
	}
	args := []string{
		"hillshade", "-of", orDefault(opts.Format, "GTiff"),
		"-b", strconv.Itoa(band),
		"-az", num(opts.Azimuth),
		"-alt", num(opts.Altitude),
		"-s", num(opts.Scale),
		"-z", num(opts.ZFactor),
	}
	if opts.ComputeEdges {
		args = append(args, "-compute_edges")
	}
	args = append(args, src, dst)

	_, err := g.invoke(ctx, "gdaldem", args, dst)
	return err
}

// Translate implements Engine. gdal_translate takes bounds as ulx uly lrx lry.
func (g *GDAL) Translate(ctx context.Context, src, dst string, opts TranslateOptions) error {
	b := opts.Bounds
	args := []string{
		"-of", orDefault(opts.Format, "GTiff"),
		"-a_srs", b.CRS,
		"-a_ullr", num(b.XMin), num(b.YMax), num(b.XMax), num(b.YMin),
		src, dst,
	}
	_, err := g.invoke(ctx, "gdal_translate", args, dst)
	return err
}

// BuildVRT implements Engine. Sources are passed through a list file.
func (g *GDAL) BuildVRT(ctx context.Context, srcs []string, dst string) error {
	if len(srcs) == 0 {
		return &EngineError{Op: "gdalbuildvrt", Code: CodeIllegalArg, Detail: "no sources"}
	}
	list, err := os.CreateTemp(g.opts.TempDir, "vrt-sources-*.txt")
	if err != nil {
		return eris.Wrap(err, "raster: create vrt source list")
	}
	defer os.Remove(list.Name()) //nolint:errcheck
	_, err = list.WriteString(strings.Join(srcs, "\n") + "\n")
	if cerr := list.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return eris.Wrap(err, "raster: write vrt source list")
	}

	_, err = g.invoke(ctx, "gdalbuildvrt", []string{"-overwrite", "-input_file_list", list.Name(), dst}, dst)
	return err
}

// Version returns the GDAL release string.
func (g *GDAL) Version(ctx context.Context) (string, error) {
	out, err := g.invoke(ctx, "gdalinfo", []string{"--version"}, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

type gdalInfo struct {
	WGS84Extent *struct {
		Coordinates [][][]float64 `json:"coordinates"`
	} `json:"wgs84Extent"`
}

// overlaps reports whether src may intersect the cutline. Any doubt, such
// as a source without a georeferenced footprint, counts as overlapping.
func (g *GDAL) overlaps(ctx context.Context, src string, cutline geo.BBox) bool {
	out, err := g.invoke(ctx, "gdalinfo", []string{"-json", src}, "")
	if err != nil {
		return true
	}
	var info gdalInfo
	if err := json.Unmarshal(out, &info); err != nil || info.WGS84Extent == nil {
		return true
	}
	fp, ok := envelope(info.WGS84Extent.Coordinates)
	if !ok {
		return true
	}
	lonLat, err := geo.Transform(cutline, "EPSG:4326")
	if err != nil {
		return true
	}
	return fp.Intersects(lonLat)
}

func envelope(rings [][][]float64) (geo.BBox, bool) {
	var (
		b     geo.BBox
		found bool
	)
	for _, ring := range rings {
		for _, p := range ring {
			if len(p) < 2 {
				continue
			}
			if !found {
				b = geo.BBox{XMin: p[0], YMin: p[1], XMax: p[0], YMax: p[1], CRS: "EPSG:4326"}
				found = true
				continue
			}
			b.XMin, b.YMin = min(b.XMin, p[0]), min(b.YMin, p[1])
			b.XMax, b.YMax = max(b.XMax, p[0]), max(b.YMax, p[1])
		}
	}
	return b, found
}

const cutlineLayer = "cutline"

type ogrVRT struct {
	XMLName xml.Name `xml:"OGRVRTDataSource"`
	Layer   struct {
		Name          string `xml:"name,attr"`
		SrcDataSource string `xml:"SrcDataSource"`
		SrcLayer      string `xml:"SrcLayer"`
		GeometryType  string `xml:"GeometryType"`
		LayerSRS      string `xml:"LayerSRS"`
		GeometryField struct {
			Encoding string `xml:"encoding,attr"`
			Field    string `xml:"field,attr"`
		} `xml:"GeometryField"`
	} `xml:"OGRVRTLayer"`
}

// writeCutline stores the cutline polygon as a CSV with an OGR VRT wrapper
// that declares its CRS, and returns the VRT path.
func writeCutline(dir string, cutline geo.BBox) (string, error) {
	csvPath := filepath.Join(dir, cutlineLayer+".csv")
	f, err := os.Create(csvPath)
	if err != nil {
		return "", eris.Wrap(err, "raster: create cutline csv")
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"id", "WKT"})
	_ = w.Write([]string{"1", cutline.WKT()})
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return "", eris.Wrap(err, "raster: write cutline csv")
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrap(err, "raster: close cutline csv")
	}

	var v ogrVRT
	v.Layer.Name = cutlineLayer
	v.Layer.SrcDataSource = csvPath
	v.Layer.SrcLayer = cutlineLayer
	v.Layer.GeometryType = "wkbPolygon"
	v.Layer.LayerSRS = cutline.CRS
	v.Layer.GeometryField.Encoding = "WKT"
	v.Layer.GeometryField.Field = "WKT"
	data, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "raster: encode cutline vrt")
	}
	vrtPath := filepath.Join(dir, cutlineLayer+".vrt")
	if err := os.WriteFile(vrtPath, data, 0o644); err != nil {
		return "", eris.Wrap(err, "raster: write cutline vrt")
	}
	return vrtPath, nil
}
