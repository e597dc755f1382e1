package fetcher

import (
	"archive/zip"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrMemberNotFound is returned when an archive lacks the requested member.
var ErrMemberNotFound = errors.New("zip: member not found")

// ExtractZIP extracts all files from a ZIP archive to the destination directory.
// Returns the list of extracted file paths.
func ExtractZIP(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var extracted []string
	for _, f := range r.File {
		p, err := extractZIPEntry(f, destDir)
		if err != nil {
			return extracted, err
		}
		if p != "" {
			extracted = append(extracted, p)
		}
	}

	return extracted, nil
}

// ExtractZIPFile extracts the named member and atomically publishes it at
// destPath. A member matches on its full name or, failing that, on its base
// name, since some archives nest their payload under a folder.
func ExtractZIPFile(zipPath, member, destPath string) (int64, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	f := findMember(r.File, member)
	if f == nil {
		return 0, eris.Wrapf(ErrMemberNotFound, "zip: %q in %s", member, filepath.Base(zipPath))
	}

	rc, err := f.Open()
	if err != nil {
		return 0, eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	n, err := WriteAtomic(destPath, rc)
	if err != nil {
		return n, eris.Wrapf(err, "zip: extract %q", member)
	}
	return n, nil
}

func findMember(files []*zip.File, member string) *zip.File {
	for _, f := range files {
		if f.Name == member {
			return f
		}
	}
	for _, f := range files {
		if !f.FileInfo().IsDir() && strings.EqualFold(path.Base(f.Name), member) {
			return f
		}
	}
	return nil
}

// extractZIPEntry extracts a single zip.File to the destination directory.
// Returns the extracted file path, or empty string for directories.
func extractZIPEntry(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
	}

	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return "", eris.Wrap(err, "zip: create directory")
		}
		return "", nil
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	if _, err := WriteAtomic(destPath, rc); err != nil {
		return "", eris.Wrap(err, "zip: write file")
	}
	return destPath, nil
}
