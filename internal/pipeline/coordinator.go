package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/tilestitch/internal/cachekey"
	"github.com/sells-group/tilestitch/internal/fetcher"
	"github.com/sells-group/tilestitch/internal/raster"
)

// Outcome is the non-fatal end state of an entry.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeExcluded
)

func (o Outcome) String() string {
	if o == OutcomeExcluded {
		return "excluded"
	}
	return "ready"
}

// Result is what Ensure produced for one entry.
type Result struct {
	Outcome Outcome
	// Path is the processed artifact; empty when excluded.
	Path string
	// Reason explains an exclusion.
	Reason error
	// Fetched reports whether a network fetch was issued.
	Fetched bool
}

// Coordinator drives entries through their cache stages. Each stage is
// skipped when its artifact exists, serialized per artifact path, and
// published atomically.
type Coordinator struct {
	fetcher fetcher.Fetcher
	locks   *KeyLocks
	log     *zap.Logger
}

// NewCoordinator creates a Coordinator using f for downloads.
func NewCoordinator(f fetcher.Fetcher, locks *KeyLocks) *Coordinator {
	if locks == nil {
		locks = NewKeyLocks()
	}
	return &Coordinator{fetcher: f, locks: locks, log: zap.L().With(zap.String("component", "coordinator"))}
}

// Ensure brings e to Ready or Excluded. Errors are fatal and are always a
// *StageError. With ignoreCache every stage runs regardless of existing
// artifacts.
func (c *Coordinator) Ensure(ctx context.Context, e *Entry, ignoreCache bool) (Result, error) {
	log := c.log.With(zap.String("cache_key", e.Key.Path()), zap.String("cell", e.Cell))

	unlock, err := c.locks.Lock(ctx, e.ProcessedPath)
	if err != nil {
		return c.fail(e, cachekey.StageProcess, ErrRasterProcessing, err)
	}
	defer unlock()

	if !ignoreCache && exists(e.ProcessedPath) {
		log.Debug("processed artifact cached")
		return Result{Outcome: OutcomeReady, Path: e.ProcessedPath}, c.advance(e, cachekey.StageProcess, Ready)
	}

	var res Result
	if err := c.ensureSource(ctx, e, ignoreCache, &res, log); err != nil {
		return res, err
	}

	if err := c.advance(e, cachekey.StageProcess, Processing); err != nil {
		return res, err
	}
	log.Debug("processing", zap.String("src", e.SourcePath()))
	err = publish(e.ProcessedPath, func(tmp string) error {
		return e.Processor.Process(ctx, e.SourcePath(), tmp)
	})
	switch {
	case err == nil:
		res.Outcome, res.Path = OutcomeReady, e.ProcessedPath
		return res, c.advance(e, cachekey.StageProcess, Ready)
	case raster.IsBenign(err):
		res.Outcome = OutcomeExcluded
		res.Reason = &StageError{Key: e.Key, Stage: cachekey.StageProcess, Kind: ErrBenignEmptyIntersection, Err: err}
		log.Warn("tile excluded", zap.Error(err))
		return res, c.advance(e, cachekey.StageProcess, Excluded)
	default:
		_, serr := c.fail(e, cachekey.StageProcess, ErrRasterProcessing, err)
		return res, serr
	}
}

func (c *Coordinator) ensureSource(ctx context.Context, e *Entry, ignoreCache bool, res *Result, log *zap.Logger) error {
	if e.Member != "" {
		unlock, err := c.locks.Lock(ctx, e.ExtractedPath)
		if err != nil {
			_, serr := c.fail(e, cachekey.StageExtract, ErrExtraction, err)
			return serr
		}
		defer unlock()

		if !ignoreCache && exists(e.ExtractedPath) {
			log.Debug("extracted artifact cached")
			return c.advance(e, cachekey.StageExtract, Extracted)
		}
	}

	if err := c.download(ctx, e, ignoreCache, res, log); err != nil {
		return err
	}

	if e.Member == "" {
		return c.advance(e, cachekey.StageExtract, Extracted)
	}
	if err := c.advance(e, cachekey.StageExtract, Extracting); err != nil {
		return err
	}
	log.Debug("extracting", zap.String("member", e.Member))
	if _, err := fetcher.ExtractZIPFile(e.DownloadPath, e.Member, e.ExtractedPath); err != nil {
		_, serr := c.fail(e, cachekey.StageExtract, ErrExtraction, err)
		return serr
	}
	return c.advance(e, cachekey.StageExtract, Extracted)
}

func (c *Coordinator) download(ctx context.Context, e *Entry, ignoreCache bool, res *Result, log *zap.Logger) error {
	unlock, err := c.locks.Lock(ctx, e.DownloadPath)
	if err != nil {
		_, serr := c.fail(e, cachekey.StageDownload, ErrFetch, err)
		return serr
	}
	defer unlock()

	if !ignoreCache && exists(e.DownloadPath) {
		log.Debug("download cached")
		return c.advance(e, cachekey.StageDownload, Downloaded)
	}
	if err := c.advance(e, cachekey.StageDownload, Downloading); err != nil {
		return err
	}
	log.Info("fetching", zap.String("url", e.RemoteURL))
	res.Fetched = true
	if _, err := c.fetcher.DownloadToFile(ctx, e.RemoteURL, e.DownloadPath, e.Accept...); err != nil {
		_, serr := c.fail(e, cachekey.StageDownload, ErrFetch, err)
		return serr
	}
	return c.advance(e, cachekey.StageDownload, Downloaded)
}

// advance moves e to next. An illegal move fails the entry as a raster
// processing error at stage.
func (c *Coordinator) advance(e *Entry, stage cachekey.Stage, next State) error {
	if err := e.Transition(next); err != nil {
		_, serr := c.fail(e, stage, ErrRasterProcessing, err)
		return serr
	}
	return nil
}

func (c *Coordinator) fail(e *Entry, stage cachekey.Stage, kind, err error) (Result, error) {
	if !e.state.Terminal() {
		if terr := e.Transition(Failed); terr != nil {
			e.state = Failed
		}
	}
	return Result{}, &StageError{Key: e.StageKey(stage), Stage: stage, Kind: kind, Err: err}
}
