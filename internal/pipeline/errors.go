package pipeline

import (
	"errors"
	"fmt"

	"github.com/sells-group/tilestitch/internal/cachekey"
	"github.com/sells-group/tilestitch/internal/grid"
)

// Error kinds. Every error returned by Run matches exactly one of these
// with errors.Is.
var (
	ErrInvalidRequest          = errors.New("pipeline: invalid request")
	ErrGridUnavailable         = grid.ErrUnavailable
	ErrFetch                   = errors.New("pipeline: fetch failed")
	ErrExtraction              = errors.New("pipeline: extraction failed")
	ErrRasterProcessing        = errors.New("pipeline: raster processing failed")
	ErrBenignEmptyIntersection = errors.New("pipeline: tile does not intersect the clip region")
	ErrEmptyMosaic             = errors.New("pipeline: no tiles to assemble")
)

// Stages outside the per-entry cache stages.
const (
	StagePlan   cachekey.Stage = "plan"
	StageMosaic cachekey.Stage = "mosaic"
)

// StageError carries the cache key and stage a failure happened at.
type StageError struct {
	Key   cachekey.Key
	Stage cachekey.Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	subject := e.Key.Path()
	if e.Key == (cachekey.Key{}) {
		subject = "run"
	}
	cause := e.Kind
	if e.Err != nil {
		cause = e.Err
	}
	return fmt.Sprintf("pipeline: %s %s: %v", e.Stage, subject, cause)
}

// Unwrap exposes the kind and the cause.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Kind returns the error kind err matches, or nil.
func Kind(err error) error {
	for _, k := range []error{
		ErrBenignEmptyIntersection,
		ErrEmptyMosaic,
		ErrInvalidRequest,
		ErrGridUnavailable,
		ErrFetch,
		ErrExtraction,
		ErrRasterProcessing,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
