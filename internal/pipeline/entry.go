package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/cachekey"
)

// State is the lifecycle position of an Entry.
type State int

const (
	Missing State = iota
	Downloading
	Downloaded
	Extracting
	Extracted
	Processing
	Ready
	Failed
	Excluded
)

var stateNames = [...]string{
	Missing:     "missing",
	Downloading: "downloading",
	Downloaded:  "downloaded",
	Extracting:  "extracting",
	Extracted:   "extracted",
	Processing:  "processing",
	Ready:       "ready",
	Failed:      "failed",
	Excluded:    "excluded",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Ready || s == Failed || s == Excluded
}

// transitions lists the legal successors. Skips over a stage are legal
// only when that stage's artifact already exists.
var transitions = map[State][]State{
	Missing:     {Downloading, Downloaded, Extracted, Ready, Failed},
	Downloading: {Downloaded, Failed},
	Downloaded:  {Extracting, Extracted, Failed},
	Extracting:  {Extracted, Failed},
	Extracted:   {Processing, Failed},
	Processing:  {Ready, Excluded, Failed},
}

// Processor turns an entry's source artifact into its mosaic contribution
// at dst.
type Processor interface {
	Process(ctx context.Context, src, dst string) error
}

// Entry is one tile's trip through download, extract and process. It is
// owned by a single Ensure call; the files it names are shared cache state.
type Entry struct {
	// Key addresses the processed artifact.
	Key       cachekey.Key
	Cell      string
	RemoteURL string
	Accept    []string

	// DownloadKey and ExtractKey address the intermediate artifacts. A zero
	// value falls back to Key with the stage replaced.
	DownloadKey cachekey.Key
	ExtractKey  cachekey.Key

	DownloadPath string
	// Member names the archive member to extract. Empty means the download
	// is used as is and ExtractedPath is ignored.
	Member        string
	ExtractedPath string
	ProcessedPath string
	Processor     Processor

	state State
}

// State returns the current lifecycle state.
func (e *Entry) State() State { return e.state }

// Transition moves the entry to next, rejecting illegal moves.
func (e *Entry) Transition(next State) error {
	if !slices.Contains(transitions[e.state], next) {
		return eris.Errorf("pipeline: entry %s: illegal transition %s -> %s", e.Key.Path(), e.state, next)
	}
	e.state = next
	return nil
}

// StageKey returns the cache key of the artifact stage produces.
func (e *Entry) StageKey(stage cachekey.Stage) cachekey.Key {
	var k cachekey.Key
	switch stage {
	case cachekey.StageDownload:
		k = e.DownloadKey
	case cachekey.StageExtract:
		k = e.ExtractKey
	default:
		return e.Key
	}
	if k == (cachekey.Key{}) {
		k = e.Key
		k.Stage = stage
	}
	return k
}

// SourcePath is the artifact fed to the processor.
func (e *Entry) SourcePath() string {
	if e.Member == "" {
		return e.DownloadPath
	}
	return e.ExtractedPath
}
