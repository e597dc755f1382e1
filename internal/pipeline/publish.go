package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// publish has produce write a temporary sibling of dst, then renames it
// into place. The temporary name keeps dst's extension, since the raster
// engine picks drivers by extension. Nothing is left behind on failure.
func publish(dst string, produce func(tmp string) error) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "pipeline: create artifact directory")
	}
	ext := filepath.Ext(dst)
	stem := strings.TrimSuffix(filepath.Base(dst), ext)
	f, err := os.CreateTemp(dir, "."+stem+".*.tmp"+ext)
	if err != nil {
		return eris.Wrap(err, "pipeline: reserve temp artifact")
	}
	tmp := f.Name()
	_ = f.Close()
	// engines refuse to overwrite some formats in place
	_ = os.Remove(tmp)

	if err := produce(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if _, err := os.Stat(tmp); err != nil {
		return eris.Wrapf(err, "pipeline: %s was not produced", filepath.Base(dst))
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrap(err, "pipeline: publish artifact")
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
