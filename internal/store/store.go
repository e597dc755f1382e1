// Package store keeps the run ledger: one row per mosaic request and one
// row per tile outcome.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/pipeline"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one recorded mosaic request.
type Run struct {
	ID         string     `json:"id"`
	Dataset    string     `json:"dataset"`
	BBox       geo.BBox   `json:"bbox"`
	OutputCRS  string     `json:"output_crs"`
	OutputPath string     `json:"output_path"`
	Status     RunStatus  `json:"status"`
	Reused     bool       `json:"reused"`
	Tiles      int        `json:"tiles"`
	Ready      int        `json:"ready"`
	Excluded   int        `json:"excluded"`
	Fetches    int        `json:"fetches"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Tile is the recorded outcome of one tile within a run.
type Tile struct {
	RunID      string    `json:"run_id"`
	Key        string    `json:"key"`
	Cell       string    `json:"cell"`
	Outcome    string    `json:"outcome"`
	Path       string    `json:"path,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Fetched    bool      `json:"fetched"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Dataset string    `json:"dataset,omitempty"`
	Status  RunStatus `json:"status,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Offset  int       `json:"offset,omitempty"`
}

// Store persists run history. Every Store is a pipeline.Recorder.
type Store interface {
	pipeline.Recorder

	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	RunTiles(ctx context.Context, runID string) ([]Tile, error)

	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// finish derives the terminal columns of a run from its report.
type finish struct {
	status   RunStatus
	reused   bool
	tiles    int
	ready    int
	excluded int
	fetches  int
	errText  *string
	duration int64
}

func newFinish(report *pipeline.Report, runErr error) finish {
	f := finish{status: RunStatusComplete}
	if report != nil {
		f.reused = report.Reused
		f.tiles = report.Tiles
		f.ready = len(report.Ready)
		f.excluded = len(report.Excluded)
		f.fetches = report.Fetches
		f.duration = report.Duration.Milliseconds()
	}
	if runErr != nil {
		f.status = RunStatusFailed
		msg := runErr.Error()
		f.errText = &msg
	}
	return f
}

func encodeBBox(b geo.BBox) ([]byte, error) {
	data, err := json.Marshal(b)
	return data, eris.Wrap(err, "store: marshal bbox")
}

func decodeBBox(data []byte) (geo.BBox, error) {
	var b geo.BBox
	if len(data) == 0 {
		return b, nil
	}
	return b, eris.Wrap(json.Unmarshal(data, &b), "store: unmarshal bbox")
}

func notFound(entity, id string) error {
	return eris.Wrapf(ErrNotFound, "%s not found: %s", entity, id)
}
