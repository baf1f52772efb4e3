package vfs

import (
	"bytes"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// memNode is a file or directory of a MemFS. File contents are replaced
// wholesale when a handle created by Create is closed.
type memNode struct {
	dir  bool
	data []byte
	mod  time.Time
}

// memFile is an open handle. Handles from Open read a snapshot of the
// contents; handles from Create buffer writes until Close.
type memFile struct {
	fs   *MemFS
	name string
	r    *bytes.Reader
	w    *bytes.Buffer
	mod  time.Time
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.r == nil {
		return 0, fs.ErrPermission
	}
	return f.r.Read(p)
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.r == nil {
		return 0, fs.ErrPermission
	}
	return f.r.ReadAt(p, off)
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.w == nil {
		return 0, fs.ErrPermission
	}
	return f.w.Write(p)
}

func (f *memFile) Close() error {
	if f.w != nil {
		f.fs.commit(f.name, f.w.Bytes())
		f.w = nil
	}
	return nil
}

func (f *memFile) Stat() (fs.FileInfo, error) {
	size := int64(0)
	switch {
	case f.r != nil:
		size = f.r.Size()
	case f.w != nil:
		size = int64(f.w.Len())
	}
	return fileInfo{name: path.Base(f.name), size: size, mod: f.mod}, nil
}

type fileInfo struct {
	name string
	size int64
	mode fs.FileMode
	mod  time.Time
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return fi.mod }
func (fi fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi fileInfo) Sys() any           { return nil }

// MemFS is an in-memory FileSystem, used for the built-in program images.
type MemFS struct {
	mu    sync.RWMutex
	nodes map[string]*memNode // keyed by cleaned, rooted path
}

// NewMem returns an empty filesystem holding only "/".
func NewMem() *MemFS {
	return &MemFS{nodes: map[string]*memNode{"/": {dir: true, mod: time.Now()}}}
}

// mkdirsLocked creates p and every missing parent. It fails if one of them
// is a file.
func (m *MemFS) mkdirsLocked(p string) error {
	if n, ok := m.nodes[p]; ok {
		if !n.dir {
			return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
		}
		return nil
	}
	if err := m.mkdirsLocked(path.Dir(p)); err != nil {
		return err
	}
	m.nodes[p] = &memNode{dir: true, mod: time.Now()}
	return nil
}

func (m *MemFS) commit(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[name] = &memNode{data: append([]byte(nil), data...), mod: time.Now()}
}

func (m *MemFS) Open(name string) (File, error) {
	p := Clean(name)
	m.mu.RLock()
	n := m.nodes[p]
	m.mu.RUnlock()
	if n == nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if n.dir {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	return &memFile{fs: m, name: p, r: bytes.NewReader(n.data), mod: n.mod}, nil
}

// Create truncates or creates name. The parent directory must exist.
func (m *MemFS) Create(name string) (File, error) {
	p := Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if parent := m.nodes[path.Dir(p)]; parent == nil || !parent.dir {
		return nil, &fs.PathError{Op: "create", Path: name, Err: fs.ErrNotExist}
	}
	if n := m.nodes[p]; n != nil && n.dir {
		return nil, &fs.PathError{Op: "create", Path: name, Err: fs.ErrInvalid}
	}
	m.nodes[p] = &memNode{mod: time.Now()}
	return &memFile{fs: m, name: p, w: new(bytes.Buffer), mod: time.Now()}, nil
}

func (m *MemFS) MkdirAll(name string, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mkdirsLocked(Clean(name))
}

func (m *MemFS) Remove(name string) error {
	p := Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[p]; !ok || p == "/" {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	for k := range m.nodes {
		if strings.HasPrefix(k, p+"/") {
			return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrExist}
		}
	}
	delete(m.nodes, p)
	return nil
}

func (m *MemFS) Stat(name string) (fs.FileInfo, error) {
	p := Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.nodes[p]
	if n == nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return n.info(p), nil
}

func (n *memNode) info(p string) fileInfo {
	fi := fileInfo{name: path.Base(p), size: int64(len(n.data)), mod: n.mod}
	if n.dir {
		fi.mode = fs.ModeDir | 0o755
		fi.size = 0
	}
	return fi
}

// ReadDir lists the direct children of name, sorted by name.
func (m *MemFS) ReadDir(name string) ([]fs.DirEntry, error) {
	p := Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n := m.nodes[p]; n == nil || !n.dir {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	var out []fs.DirEntry
	for k, n := range m.nodes {
		if k != "/" && path.Dir(k) == p {
			out = append(out, fs.FileInfoToDirEntry(n.info(k)))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

var _ io.ReaderAt = (*memFile)(nil)
