package scan

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Candidate is a direct folder entry considered for deduplication and renaming.
type Candidate struct {
	Path   string // absolute path
	Name   string // base name
	Ext    string // extension including the leading dot, "" if none
	Size   int64
	Hidden bool
}

// List returns the regular files directly inside dir, sorted lexicographically
// by name. Hidden files are included and flagged; use Visible to drop them.
// Symlinks, directories and other special files are never returned.
func List(fsys afero.Fs, dir string) ([]Candidate, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	// afero.ReadDir lstats entries and sorts them by name
	infos, err := afero.ReadDir(fsys, abs)
	if err != nil {
		return nil, err
	}

	files := make([]Candidate, 0, len(infos))
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}

		path := filepath.Join(abs, info.Name())
		files = append(files, Candidate{
			Path:   path,
			Name:   info.Name(),
			Ext:    filepath.Ext(info.Name()),
			Size:   info.Size(),
			Hidden: IsHidden(path),
		})
	}

	return files, nil
}

// Visible filters out hidden candidates, preserving order.
func Visible(files []Candidate) []Candidate {
	out := make([]Candidate, 0, len(files))
	for _, f := range files {
		if !f.Hidden {
			out = append(out, f)
		}
	}
	return out
}

// Subfolders returns the non-hidden directories directly inside root, sorted
// by name. Each one can be processed as an independent job.
func Subfolders(fsys afero.Fs, root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	infos, err := afero.ReadDir(fsys, abs)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		path := filepath.Join(abs, info.Name())
		if IsHidden(path) {
			continue
		}
		dirs = append(dirs, path)
	}

	return dirs, nil
}

// hasDotPrefix reports the POSIX hidden-file convention. It is honoured on
// every platform.
func hasDotPrefix(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
