package dataset

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/pipeline"
)

// ErrUnknown is returned for dataset ids missing from the catalog.
var ErrUnknown = errors.New("dataset: unknown dataset")

// Runner runs pipeline requests. *pipeline.Pipeline implements it.
type Runner interface {
	Plan(ctx context.Context, req pipeline.Request) ([]*pipeline.Entry, error)
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Report, error)
	OutputPath(req pipeline.Request) string
}

// StitchRequest asks for one catalog product over one bbox.
type StitchRequest struct {
	Dataset     string
	BBox        geo.BBox
	OutputCRS   string
	IgnoreCache bool
	// Companion also produces the product's companion over the same bbox
	// in the same output CRS.
	Companion bool
}

// Stitcher resolves catalog products into pipeline requests and runs them.
type Stitcher struct {
	Catalog  *Catalog
	Env      Env
	Pipeline Runner
}

// Requests returns the pipeline requests req expands to: the product
// itself first, then its companion when asked for.
func (s *Stitcher) Requests(ctx context.Context, req StitchRequest) ([]pipeline.Request, error) {
	def, ok := s.Catalog.Get(req.Dataset)
	if !ok {
		return nil, eris.Wrapf(ErrUnknown, "dataset: %q (known: %s)", req.Dataset, strings.Join(s.Catalog.IDs(), ", "))
	}
	main, err := s.request(ctx, def, req, req.OutputCRS)
	if err != nil {
		return nil, err
	}
	out := []pipeline.Request{main}
	if !req.Companion {
		return out, nil
	}

	if def.Companion == "" {
		return nil, eris.Wrapf(pipeline.ErrInvalidRequest, "dataset: %q has no companion product", def.ID)
	}
	comp, _ := s.Catalog.Get(def.Companion)
	crs := req.OutputCRS
	if crs == "" {
		crs = main.Variant.Mosaic.OutputCRS
	}
	if crs == "" {
		crs = req.BBox.CRS
	}
	companion, err := s.request(ctx, comp, req, crs)
	if err != nil {
		return nil, err
	}
	return append(out, companion), nil
}

func (s *Stitcher) request(ctx context.Context, def Definition, req StitchRequest, outputCRS string) (pipeline.Request, error) {
	v, err := Build(ctx, def, s.Env)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{
		BBox:        req.BBox,
		Variant:     v,
		OutputCRS:   outputCRS,
		IgnoreCache: req.IgnoreCache,
	}, nil
}

// Stitch runs every request in order and returns one report per mosaic.
// The first failure stops the remaining mosaics.
func (s *Stitcher) Stitch(ctx context.Context, req StitchRequest) ([]*pipeline.Report, error) {
	reqs, err := s.Requests(ctx, req)
	if err != nil {
		return nil, err
	}
	reports := make([]*pipeline.Report, 0, len(reqs))
	for _, r := range reqs {
		report, err := s.Pipeline.Run(ctx, r)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// Planned is the entry list of one mosaic.
type Planned struct {
	Dataset    string
	OutputPath string
	Entries    []*pipeline.Entry
}

// Plan lists the entries each mosaic of req would run.
func (s *Stitcher) Plan(ctx context.Context, req StitchRequest) ([]Planned, error) {
	reqs, err := s.Requests(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]Planned, 0, len(reqs))
	for _, r := range reqs {
		entries, err := s.Pipeline.Plan(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, Planned{Dataset: r.Variant.Dataset, OutputPath: s.Pipeline.OutputPath(r), Entries: entries})
	}
	return out, nil
}
