package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tilestitch/internal/geo"
)

// RunInfo describes a run as it starts.
type RunInfo struct {
	ID         string
	Dataset    string
	BBox       geo.BBox
	OutputCRS  string
	OutputPath string
	StartedAt  time.Time
}

// TileRecord is the outcome of one entry.
type TileRecord struct {
	Key     string
	Cell    string
	Outcome Outcome
	Path    string
	Reason  string
	Fetched bool
}

// Recorder persists run history. Recorder failures are logged and never
// fail a run.
type Recorder interface {
	StartRun(ctx context.Context, run RunInfo) error
	RecordTile(ctx context.Context, runID string, tile TileRecord) error
	FinishRun(ctx context.Context, runID string, report *Report, runErr error) error
}

func (p *Pipeline) startRun(ctx context.Context, report *Report, req Request) {
	if p.opts.Recorder == nil {
		return
	}
	err := p.opts.Recorder.StartRun(ctx, RunInfo{
		ID:         report.RunID,
		Dataset:    report.Dataset,
		BBox:       req.BBox,
		OutputCRS:  req.outputCRS(),
		OutputPath: report.OutputPath,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		p.log.Warn("pipeline: record run start", zap.String("run_id", report.RunID), zap.Error(err))
	}
}

func (p *Pipeline) recordTile(ctx context.Context, runID string, e *Entry, res Result) {
	if p.opts.Recorder == nil {
		return
	}
	err := p.opts.Recorder.RecordTile(ctx, runID, TileRecord{
		Key:     e.Key.Path(),
		Cell:    e.Cell,
		Outcome: res.Outcome,
		Path:    res.Path,
		Reason:  errString(res.Reason),
		Fetched: res.Fetched,
	})
	if err != nil {
		p.log.Warn("pipeline: record tile", zap.String("run_id", runID), zap.Error(err))
	}
}

func (p *Pipeline) finishRun(ctx context.Context, report *Report, runErr error) {
	if p.opts.Recorder == nil {
		return
	}
	// the run context may already be cancelled by a fatal tile error
	if err := p.opts.Recorder.FinishRun(context.WithoutCancel(ctx), report.RunID, report, runErr); err != nil {
		p.log.Warn("pipeline: record run finish", zap.String("run_id", report.RunID), zap.Error(err))
	}
}
