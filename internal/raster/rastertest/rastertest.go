// Package rastertest provides an in-process raster.Engine for tests.
package rastertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/sells-group/tilestitch/internal/raster"
)

// Call records one engine invocation.
type Call struct {
	Op      string
	Sources []string
	Dst     string
	Warp    raster.WarpOptions
}

// Engine writes a small deterministic text artifact for every operation.
// The artifact for a VRT lists its sources in order, so assemblies over the
// same inputs produce identical bytes.
type Engine struct {
	// Fail, when set, is consulted before every operation; a non-nil
	// return fails the call without writing dst.
	Fail func(op string, srcs []string) error

	mu    sync.Mutex
	calls []Call
}

// Calls returns a copy of the recorded calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// CallsFor returns the recorded calls of one operation.
func (e *Engine) CallsFor(op string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func (e *Engine) do(ctx context.Context, c Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.calls = append(e.calls, c)
	e.mu.Unlock()

	if e.Fail != nil {
		if err := e.Fail(c.Op, c.Sources); err != nil {
			return err
		}
	}
	for _, s := range c.Sources {
		if _, err := os.Stat(s); err != nil {
			return &raster.EngineError{Op: c.Op, Code: raster.CodeOpenFailed, ExitCode: 1, Detail: err.Error()}
		}
	}
	names := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		names[i] = filepath.Base(s)
	}
	body := fmt.Sprintf("%s %s\n", c.Op, strings.Join(names, ","))
	if err := os.MkdirAll(filepath.Dir(c.Dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.Dst, []byte(body), 0o644)
}

// Warp implements raster.Engine.
func (e *Engine) Warp(ctx context.Context, srcs []string, dst string, opts raster.WarpOptions) error {
	return e.do(ctx, Call{Op: "warp", Sources: slices.Clone(srcs), Dst: dst, Warp: opts})
}

// Hillshade implements raster.Engine.
func (e *Engine) Hillshade(ctx context.Context, src, dst string, _ raster.HillshadeOptions) error {
	return e.do(ctx, Call{Op: "hillshade", Sources: []string{src}, Dst: dst})
}

// Translate implements raster.Engine.
func (e *Engine) Translate(ctx context.Context, src, dst string, _ raster.TranslateOptions) error {
	return e.do(ctx, Call{Op: "translate", Sources: []string{src}, Dst: dst})
}

// BuildVRT implements raster.Engine.
func (e *Engine) BuildVRT(ctx context.Context, srcs []string, dst string) error {
	return e.do(ctx, Call{Op: "buildvrt", Sources: slices.Clone(srcs), Dst: dst})
}

// Empty returns the benign empty-result error for op.
func Empty(op string) error {
	return &raster.EngineError{Op: op, Code: raster.CodeEmptyResult, Detail: "source does not intersect cutline"}
}

// FailSource fails op for any call whose sources include a file with the
// given base name.
func FailSource(op, base string, err error) func(string, []string) error {
	return func(o string, srcs []string) error {
		if o != op {
			return nil
		}
		for _, s := range srcs {
			if filepath.Base(s) == base {
				return err
			}
		}
		return nil
	}
}
