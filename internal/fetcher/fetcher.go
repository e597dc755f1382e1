// Package fetcher downloads remote artifacts to local files. Every download
// is written to a temporary sibling and renamed into place, so a partially
// written file is never visible under its final name.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// DownloadToFile fetches the URL and publishes it at path. When accept
	// is non-empty the response media type must be one of the listed values.
	// Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string, accept ...string) (int64, error)
}

// StatusError reports a non-success response status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetcher: unexpected status %d from %s", e.StatusCode, e.URL)
}

// ContentTypeError reports a response whose media type was not accepted.
// Map services answer failed requests with 200 and an XML exception body.
type ContentTypeError struct {
	URL  string
	Got  string
	Want []string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("fetcher: content type %q from %s, want one of [%s]",
		e.Got, e.URL, strings.Join(e.Want, ", "))
}

// Mux dispatches downloads to a Fetcher by URL scheme.
type Mux struct {
	mu      sync.RWMutex
	schemes map[string]Fetcher
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{schemes: make(map[string]Fetcher)}
}

// Handle registers f for the given URL scheme.
func (m *Mux) Handle(scheme string, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemes[strings.ToLower(scheme)] = f
}

// DownloadToFile implements Fetcher.
func (m *Mux) DownloadToFile(ctx context.Context, rawURL string, path string, accept ...string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: parse url")
	}
	m.mu.RLock()
	f, ok := m.schemes[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return 0, eris.Errorf("fetcher: no fetcher for scheme %q", u.Scheme)
	}
	return f.DownloadToFile(ctx, rawURL, path, accept...)
}

// WriteAtomic copies r into a temporary file next to path and renames it
// into place once fully written and synced.
func WriteAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, eris.Wrap(err, "fetcher: create parent directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create temp file")
	}
	tmpName := tmp.Name()
	published := false
	defer func() {
		if !published {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, eris.Wrap(err, "fetcher: write file")
	}
	if err := tmp.Sync(); err != nil {
		return n, eris.Wrap(err, "fetcher: sync file")
	}
	if err := tmp.Close(); err != nil {
		return n, eris.Wrap(err, "fetcher: close file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return n, eris.Wrap(err, "fetcher: publish file")
	}
	published = true
	return n, nil
}
