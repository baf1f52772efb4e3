package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOSFS_WriteReadUnderRoot(t *testing.T) {
	dir := t.TempDir()
	fsys := NewOS(dir)

	if err := WriteFile(fsys, "/bin/hello", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bin", "hello")); err != nil {
		t.Fatalf("host file missing: %v", err)
	}
	got, err := ReadFile(fsys, "bin/hello")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}

	f, err := fsys.Open("/bin/hello")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	buf := make([]byte, 3)
	if _, err := f.ReadAt(buf, 2); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "llo" {
		t.Fatalf("ReadAt got %q", buf)
	}
}

func TestOSFS_NamesStayBelowRoot(t *testing.T) {
	dir := t.TempDir()
	fsys := NewOS(filepath.Join(dir, "root"))
	if err := WriteFile(fsys, "/../../escape", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "root", "escape")); err != nil {
		t.Fatalf("expected file inside root: %v", err)
	}
}

func TestMemFS_CreateRequiresParent(t *testing.T) {
	m := NewMem()
	if _, err := m.Create("/x/y/z"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Create without parent: %v", err)
	}
	if err := m.MkdirAll("/x/y", 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := m.Create("/x/y/z")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	// Contents become visible on Close.
	if info, _ := m.Stat("/x/y/z"); info.Size() != 0 {
		t.Fatalf("size before close = %d", info.Size())
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(m, "/x/y/z")
	if err != nil || string(got) != "abc" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}
}

func TestMemFS_ReadDirAndRemove(t *testing.T) {
	m := NewMem()
	for _, p := range []string{"/bin/b", "/bin/a", "/testbin/c"} {
		if err := WriteFile(m, p, []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	ds, err := m.ReadDir("/bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 2 || ds[0].Name() != "a" || ds[1].Name() != "b" {
		t.Fatalf("ReadDir(/bin) = %v", ds)
	}
	root, _ := m.ReadDir("/")
	if len(root) != 2 || !root[0].IsDir() {
		t.Fatalf("ReadDir(/) = %v", root)
	}

	if err := m.Remove("/bin"); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("Remove of non-empty dir: %v", err)
	}
	if err := m.Remove("/bin/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open("/bin/a"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Open after Remove: %v", err)
	}
	if _, err := m.Open("/bin"); err == nil {
		t.Fatal("Open of a directory succeeded")
	}
}

func TestWatcher_Polling(t *testing.T) {
	dir := t.TempDir()
	fsys := NewOS(dir)
	if err := WriteFile(fsys, "/w.txt", []byte("a")); err != nil {
		t.Fatal(err)
	}
	w := NewPollingWatcher(fsys, 20*time.Millisecond)
	defer w.Close()
	if err := w.Add("/w.txt"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := WriteFile(fsys, "/w.txt", []byte("changed")); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-w.Events():
		if ev.Path != "/w.txt" || ev.Op != OpWrite {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for poll event")
	}
}

func TestWatcher_FSNotify(t *testing.T) {
	fw, err := NewFSWatcher()
	if err != nil {
		t.Skip("fsnotify not supported: ", err)
	}
	defer fw.Close()
	dir := t.TempDir()
	if err := fw.Add(dir); err != nil {
		t.Fatal(err)
	}
	f := filepath.Join(dir, "f.txt")
	go func() { _ = os.WriteFile(f, []byte("x"), 0o644) }()

	select {
	case ev := <-fw.Events():
		if ev.Path != f {
			t.Fatalf("event for %q, want %q", ev.Path, f)
		}
		if ev.Op&(OpCreate|OpWrite) == 0 {
			t.Fatalf("unexpected op %v", ev.Op)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fsnotify event")
	}
}
