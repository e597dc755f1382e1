// Package pipeline plans the cache entries a mosaic request touches, drives
// each through download, extract and process, and assembles the ready tiles
// into one clipped output.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tilestitch/internal/cachekey"
	"github.com/sells-group/tilestitch/internal/fetcher"
	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/grid"
	"github.com/sells-group/tilestitch/internal/raster"
)

// MosaicOptions are a variant's final assembly parameters.
type MosaicOptions struct {
	// OutputCRS is used when the request names none. Empty means the bbox CRS.
	OutputCRS     string
	Resampling    string
	Nodata        *float64
	BlendDistance float64
	CropToCutline bool
}

// Variant is one configured product: where its tiles come from, how the
// output is named and how the mosaic is assembled.
type Variant struct {
	Dataset        string
	Label          string
	Scale          int
	Source         Source
	OutputTemplate string
	Mosaic         MosaicOptions
}

// Options configure a Pipeline.
type Options struct {
	GeneratedDir string
	TempDir      string
	// Concurrency bounds in-flight tile pipelines. Zero uses GOMAXPROCS.
	Concurrency int
	// ExcludeFetchFailures downgrades fetch and extraction failures to tile
	// exclusions instead of aborting the run.
	ExcludeFetchFailures bool
	Recorder             Recorder
	// Locks may be shared between pipelines over the same cache.
	Locks *KeyLocks
}

// Request is one mosaic request.
type Request struct {
	BBox        geo.BBox
	Variant     Variant
	OutputCRS   string
	Resampling  string
	IgnoreCache bool
}

func (r Request) outputCRS() string {
	switch {
	case r.OutputCRS != "":
		return r.OutputCRS
	case r.Variant.Mosaic.OutputCRS != "":
		return r.Variant.Mosaic.OutputCRS
	default:
		return r.BBox.CRS
	}
}

func (r Request) resampling() string {
	if r.Resampling != "" {
		return r.Resampling
	}
	return r.Variant.Mosaic.Resampling
}

func (r Request) validate() error {
	if r.Variant.Source == nil {
		return eris.Errorf("pipeline: dataset %q has no source", r.Variant.Dataset)
	}
	if r.Variant.Dataset == "" {
		return eris.New("pipeline: dataset required")
	}
	if _, err := geo.NewBBox(r.BBox.XMin, r.BBox.YMin, r.BBox.XMax, r.BBox.YMax, r.BBox.CRS); err != nil {
		return err
	}
	if _, err := geo.Lookup(r.BBox.CRS); err != nil {
		return err
	}
	// Output CRSs only reach the raster engine; WMS sources resolve theirs
	// against the registry when tiling.
	return geo.CheckCode(r.outputCRS())
}

// Exclusion is a tile left out of the mosaic.
type Exclusion struct {
	Key    string `json:"key"`
	Cell   string `json:"cell"`
	Reason string `json:"reason"`
}

// Report summarizes one run.
type Report struct {
	RunID      string        `json:"run_id"`
	Dataset    string        `json:"dataset"`
	OutputPath string        `json:"output_path"`
	Reused     bool          `json:"reused"`
	Tiles      int           `json:"tiles"`
	Ready      []string      `json:"ready"`
	Excluded   []Exclusion   `json:"excluded"`
	Fetches    int           `json:"fetches"`
	Duration   time.Duration `json:"duration"`
}

// Pipeline runs mosaic requests against a shared cache.
type Pipeline struct {
	opts      Options
	locks     *KeyLocks
	coord     *Coordinator
	assembler *Assembler
	log       *zap.Logger
}

// New creates a Pipeline.
func New(f fetcher.Fetcher, engine raster.Engine, opts Options) *Pipeline {
	locks := opts.Locks
	if locks == nil {
		locks = NewKeyLocks()
	}
	return &Pipeline{
		opts:      opts,
		locks:     locks,
		coord:     NewCoordinator(f, locks),
		assembler: NewAssembler(engine),
		log:       zap.L().With(zap.String("component", "pipeline")),
	}
}

// OutputPath is where req's mosaic is published.
func (p *Pipeline) OutputPath(req Request) string {
	v := req.Variant
	name := cachekey.OutputName(v.OutputTemplate, cachekey.Values{
		Label: v.Label,
		Scale: v.Scale,
		BBox:  req.BBox,
		CRS:   req.outputCRS(),
	})
	return filepath.Join(p.opts.GeneratedDir, name+".tif")
}

// Plan validates req and returns the entries it would run, without
// touching the network or the cache.
func (p *Pipeline) Plan(ctx context.Context, req Request) ([]*Entry, error) {
	if err := req.validate(); err != nil {
		return nil, &StageError{Stage: StagePlan, Kind: ErrInvalidRequest, Err: err}
	}
	entries, err := req.Variant.Source.Entries(ctx, req.BBox, req.outputCRS())
	if err != nil {
		kind := ErrInvalidRequest
		if errors.Is(err, grid.ErrUnavailable) {
			kind = ErrGridUnavailable
		}
		return nil, &StageError{Stage: StagePlan, Kind: kind, Err: err}
	}
	return entries, nil
}

// Run produces req's mosaic. An existing output is reused unless
// req.IgnoreCache is set. The first fatal tile error cancels the remaining
// tiles and is returned; the report is returned alongside it.
func (p *Pipeline) Run(ctx context.Context, req Request) (report *Report, err error) {
	start := time.Now()
	report = &Report{
		RunID:      uuid.NewString(),
		Dataset:    req.Variant.Dataset,
		OutputPath: p.OutputPath(req),
	}
	log := p.log.With(zap.String("run_id", report.RunID), zap.String("dataset", report.Dataset))

	p.startRun(ctx, report, req)
	defer func() {
		report.Duration = time.Since(start)
		p.finishRun(ctx, report, err)
	}()

	if err := req.validate(); err != nil {
		return report, &StageError{Stage: StagePlan, Kind: ErrInvalidRequest, Err: err}
	}
	if !req.IgnoreCache && exists(report.OutputPath) {
		log.Info("reusing mosaic", zap.String("path", report.OutputPath))
		report.Reused = true
		return report, nil
	}
	entries, err := p.Plan(ctx, req)
	if err != nil {
		return report, err
	}
	report.Tiles = len(entries)
	log.Info("running tiles", zap.Int("tiles", len(entries)), zap.String("bbox", req.BBox.String()))

	results := make([]Result, len(entries))
	done := make([]bool, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())
	for i, e := range entries {
		g.Go(func() error {
			res, err := p.coord.Ensure(gctx, e, req.IgnoreCache)
			if err != nil && p.opts.ExcludeFetchFailures && gctx.Err() == nil &&
				(errors.Is(err, ErrFetch) || errors.Is(err, ErrExtraction)) {
				log.Warn("tile excluded after fetch failure", zap.String("cache_key", e.Key.Path()), zap.Error(err))
				res, err = Result{Outcome: OutcomeExcluded, Reason: err, Fetched: res.Fetched}, nil
			}
			if err != nil {
				return err
			}
			results[i], done[i] = res, true
			p.recordTile(gctx, report.RunID, e, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("tile pipeline failed", zap.Error(err))
		return report, err
	}

	for i, res := range results {
		if !done[i] {
			continue
		}
		if res.Fetched {
			report.Fetches++
		}
		switch res.Outcome {
		case OutcomeReady:
			report.Ready = append(report.Ready, res.Path)
		case OutcomeExcluded:
			report.Excluded = append(report.Excluded, Exclusion{
				Key:    entries[i].Key.Path(),
				Cell:   entries[i].Cell,
				Reason: errString(res.Reason),
			})
		}
	}

	unlock, err := p.locks.Lock(ctx, report.OutputPath)
	if err != nil {
		return report, &StageError{Stage: StageMosaic, Kind: ErrRasterProcessing, Err: err}
	}
	defer unlock()
	if !req.IgnoreCache && exists(report.OutputPath) {
		report.Reused = true
		return report, nil
	}

	if _, err := p.assembler.Assemble(ctx, report.Ready, AssembleOptions{
		BBox:          req.BBox,
		OutputCRS:     req.outputCRS(),
		Resampling:    req.resampling(),
		Nodata:        req.Variant.Mosaic.Nodata,
		BlendDistance: req.Variant.Mosaic.BlendDistance,
		CropToCutline: req.Variant.Mosaic.CropToCutline,
		OutputPath:    report.OutputPath,
		TempDir:       p.opts.TempDir,
	}); err != nil {
		return report, err
	}
	log.Info("run complete",
		zap.Int("ready", len(report.Ready)),
		zap.Int("excluded", len(report.Excluded)),
		zap.Int("fetches", report.Fetches),
	)
	return report, nil
}

func (p *Pipeline) concurrency() int {
	if p.opts.Concurrency > 0 {
		return p.opts.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
