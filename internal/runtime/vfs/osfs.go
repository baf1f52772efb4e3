package vfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// OSFS serves files from a host directory. Names are resolved below Root,
// so "/bin/sh" with Root "progs" is the host file progs/bin/sh.
type OSFS struct {
	Root string
}

// NewOS returns a filesystem rooted at the host directory root. An empty
// root means the host's own root.
func NewOS(root string) *OSFS { return &OSFS{Root: root} }

func (fsys *OSFS) host(name string) string {
	rel := strings.TrimPrefix(Clean(name), "/")
	if fsys.Root == "" {
		return filepath.FromSlash("/" + rel)
	}
	return filepath.Join(fsys.Root, filepath.FromSlash(rel))
}

func (fsys *OSFS) Open(name string) (File, error) { return os.Open(fsys.host(name)) }
func (fsys *OSFS) Create(name string) (File, error) {
	return os.Create(fsys.host(name))
}
func (fsys *OSFS) MkdirAll(name string, perm fs.FileMode) error {
	return os.MkdirAll(fsys.host(name), perm)
}
func (fsys *OSFS) Remove(name string) error                   { return os.Remove(fsys.host(name)) }
func (fsys *OSFS) Stat(name string) (fs.FileInfo, error)      { return os.Stat(fsys.host(name)) }
func (fsys *OSFS) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(fsys.host(name)) }
