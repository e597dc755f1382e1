// Package grid looks up the control-grid cells that intersect a query box.
// A control grid is a fixed partition of a region into named sheets; the
// sheet identifier addresses the source archives of a dataset.
package grid

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/sells-group/tilestitch/internal/geo"
)

// ErrUnavailable is matched by every UnavailableError.
var ErrUnavailable = errors.New("grid: unavailable")

// Cell is a named cell of a control grid.
type Cell interface {
	ID() string
	Envelope() geo.BBox
}

// Index produces the cells intersecting a box. The filter rectangle is the
// box's own coordinates; no reprojection happens here. The sequence is
// single-pass and yields matches as the backing store produces them.
type Index interface {
	CellsIntersecting(ctx context.Context, bbox geo.BBox) iter.Seq2[Cell, error]
}

// Extent is a cell reduced to its identifier and rectangular envelope.
type Extent struct {
	Name string
	Box  geo.BBox
}

// ID implements Cell.
func (e Extent) ID() string { return e.Name }

// Envelope implements Cell.
func (e Extent) Envelope() geo.BBox { return e.Box }

// UnavailableError reports a grid source that cannot be opened or lacks the
// requested layer.
type UnavailableError struct {
	Source string
	Layer  string
	Err    error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("grid: %s layer %q unavailable", e.Source, e.Layer)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrUnavailable and the cause.
func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// Collect drains a cell sequence, stopping at the first error.
func Collect(seq iter.Seq2[Cell, error]) ([]Cell, error) {
	var cells []Cell
	for c, err := range seq {
		if err != nil {
			return nil, err
		}
		cells = append(cells, c)
	}
	return cells, nil
}

func fail(err error) iter.Seq2[Cell, error] {
	return func(yield func(Cell, error) bool) {
		yield(nil, err)
	}
}

func cellCRS(native string, bbox geo.BBox) string {
	if native != "" {
		return native
	}
	return bbox.CRS
}
