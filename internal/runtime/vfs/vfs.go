// Package vfs is the file layer program images are loaded from: an
// in-memory filesystem for built-in images, a host directory for images
// built elsewhere, and watchers used to follow configuration changes.
package vfs

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"
)

// File represents an open file handle within a FileSystem.
type File interface {
	io.Reader
	io.Writer
	io.ReaderAt
	io.Closer
	Stat() (fs.FileInfo, error)
}

// FileSystem abstracts the filesystem operations the kernel needs. Names
// are slash separated and rooted at "/".
type FileSystem interface {
	Open(name string) (File, error)
	Create(name string) (File, error)
	MkdirAll(name string, perm fs.FileMode) error
	Remove(name string) error
	Stat(name string) (fs.FileInfo, error)
	ReadDir(name string) ([]fs.DirEntry, error)
}

// WatchOp indicates a change operation in the filesystem.
type WatchOp uint32

const (
	OpCreate WatchOp = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// Event describes a filesystem change event.
type Event struct {
	Path string
	Op   WatchOp
	Time time.Time
}

// Watcher provides a platform-independent file watching API.
type Watcher interface {
	Events() <-chan Event
	Errors() <-chan error
	Add(name string) error
	Remove(name string) error
	Close() error
}

// Join joins any number of path elements into a single path, using forward slashes.
func Join(elem ...string) string { return path.Join(elem...) }

// Clean returns the rooted, shortest path name equivalent to p.
func Clean(p string) string { return path.Clean("/" + p) }

// ReadFile reads the whole file name from fsys.
func ReadFile(fsys FileSystem, name string) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile creates name in fsys, along with its parent directories, and
// writes data to it.
func WriteFile(fsys FileSystem, name string, data []byte) error {
	if err := fsys.MkdirAll(path.Dir(Clean(name)), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", name, err)
	}
	f, err := fsys.Create(name)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
