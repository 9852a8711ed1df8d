package tidy

import (
	"io"
	"io/fs"
	"os"

	"github.com/spf13/afero"

	"github.com/schaermu/dirtidy/internal/scan"
)

// FileSystem abstracts the folder operations the engine performs
type FileSystem interface {
	// Stat returns file info, following symlinks
	Stat(path string) (os.FileInfo, error)
	// List returns the regular files directly inside dir, sorted by name
	List(dir string) ([]scan.Candidate, error)
	// Names returns the name of every entry in dir, whatever its type
	Names(dir string) ([]string, error)
	// Open opens a file for reading
	Open(path string) (io.ReadCloser, error)
	// Remove deletes a file
	Remove(path string) error
	// Rename renames a file and must fail if newpath already exists
	Rename(oldpath, newpath string) error
}

// AferoFileSystem implements FileSystem on an afero.Fs. The zero value
// operates on the local disk.
type AferoFileSystem struct {
	Fs afero.Fs
}

// NewOSFileSystem returns a FileSystem backed by the local disk.
func NewOSFileSystem() AferoFileSystem {
	return AferoFileSystem{Fs: afero.NewOsFs()}
}

func (a AferoFileSystem) backend() afero.Fs {
	if a.Fs == nil {
		return afero.NewOsFs()
	}
	return a.Fs
}

func (a AferoFileSystem) Stat(path string) (os.FileInfo, error) {
	return a.backend().Stat(path)
}

func (a AferoFileSystem) List(dir string) ([]scan.Candidate, error) {
	return scan.List(a.backend(), dir)
}

func (a AferoFileSystem) Names(dir string) ([]string, error) {
	f, err := a.backend().Open(dir)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	return f.Readdirnames(-1)
}

func (a AferoFileSystem) Open(path string) (io.ReadCloser, error) {
	return a.backend().Open(path)
}

func (a AferoFileSystem) Remove(path string) error {
	return a.backend().Remove(path)
}

// Rename refuses to replace an existing entry; a plain rename would
// silently overwrite it on POSIX systems.
func (a AferoFileSystem) Rename(oldpath, newpath string) error {
	fsys := a.backend()
	if _, err := lstat(fsys, newpath); err == nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrExist}
	}
	return fsys.Rename(oldpath, newpath)
}

// lstat does not follow a symlink at path, so a dangling link still counts
// as an existing entry.
func lstat(fsys afero.Fs, path string) (os.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		return info, err
	}
	return fsys.Stat(path)
}
