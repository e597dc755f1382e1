package grid

import (
	"context"
	"iter"

	"github.com/sells-group/tilestitch/internal/geo"
)

// MemoryIndex serves a fixed set of cells.
type MemoryIndex struct {
	cells []Cell
}

// NewMemoryIndex creates an index over cells.
func NewMemoryIndex(cells ...Cell) *MemoryIndex {
	return &MemoryIndex{cells: cells}
}

// CellsIntersecting implements Index.
func (m *MemoryIndex) CellsIntersecting(ctx context.Context, bbox geo.BBox) iter.Seq2[Cell, error] {
	return func(yield func(Cell, error) bool) {
		for _, c := range m.cells {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !c.Envelope().Intersects(bbox) {
				continue
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}
