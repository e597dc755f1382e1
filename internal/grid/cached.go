package grid

import (
	"context"
	"iter"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/geo"
)

// Cached memoizes complete lookups of another Index. Failed or abandoned
// lookups are not cached.
type Cached struct {
	inner Index
	cache *lru.Cache[geo.BBox, []Cell]
}

// NewCached wraps inner with an LRU of size entries.
func NewCached(inner Index, size int) (*Cached, error) {
	c, err := lru.New[geo.BBox, []Cell](size)
	if err != nil {
		return nil, eris.Wrap(err, "grid: create lookup cache")
	}
	return &Cached{inner: inner, cache: c}, nil
}

// CellsIntersecting implements Index.
func (c *Cached) CellsIntersecting(ctx context.Context, bbox geo.BBox) iter.Seq2[Cell, error] {
	if cells, ok := c.cache.Get(bbox); ok {
		return replay(cells)
	}
	return func(yield func(Cell, error) bool) {
		var cells []Cell
		for cell, err := range c.inner.CellsIntersecting(ctx, bbox) {
			if err != nil {
				yield(nil, err)
				return
			}
			cells = append(cells, cell)
			if !yield(cell, nil) {
				return
			}
		}
		c.cache.Add(bbox, cells)
	}
}

func replay(cells []Cell) iter.Seq2[Cell, error] {
	return func(yield func(Cell, error) bool) {
		for _, c := range cells {
			if !yield(c, nil) {
				return
			}
		}
	}
}
