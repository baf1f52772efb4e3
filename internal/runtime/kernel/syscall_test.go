package kernel

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/kcore/internal/loader"
	"github.com/orizon-lang/kcore/internal/runtime/vfs"
)

// spawn runs body as the child of a fresh /bin/init process and returns the
// child's wait status once the parent has collected it.
func spawn(t *testing.T, k *Kernel, body Program) int {
	t.Helper()
	status := make(chan int, 1)
	errc := make(chan error, 1)
	install(t, k, "/bin/init", 1, func(u *User) int {
		pid, err := u.Fork(body)
		if err != nil {
			errc <- err
			return 1
		}
		st, err := u.Wait(pid)
		if err != nil {
			errc <- err
			return 1
		}
		status <- st
		return 0
	})
	run(t, k, "/bin/init")
	waitIdle(t, k)
	select {
	case err := <-errc:
		t.Fatalf("init: %v", err)
	case st := <-status:
		return st
	default:
		t.Fatal("init reported nothing")
	}
	return 0
}

func TestScenario_CopyOnWriteAndReadOnlyKill(t *testing.T) {
	k := bootTest(t, nil, Options{})
	img := loader.Build(0x5000,
		loader.Segment{Vaddr: 0x1000, MemSize: 2 * PageSize, Flags: elf.PF_R | elf.PF_W},
		loader.Segment{Vaddr: 0x5000, Data: []byte("code"), Flags: elf.PF_R | elf.PF_X},
	)
	free := k.Coremap().Stats().Free

	trace := make(chan string, 16)
	err := k.Install("/bin/scenario", img, func(u *User) int {
		u.StoreWord(0x1000, 0x11111111)
		pid, err := u.Fork(func(c *User) int {
			c.StoreWord(0x1000, 0x22222222)
			if v := c.LoadWord(0x1000); v != 0x22222222 {
				trace <- fmt.Sprintf("child reads %#x", v)
			}
			return 0
		})
		if err != nil {
			trace <- "fork: " + err.Error()
			return 1
		}
		if st, err := u.Wait(pid); err != nil || !WIFEXITED(st) || WEXITSTATUS(st) != 0 {
			trace <- fmt.Sprintf("wait child: %#x %v", st, err)
		}
		if v := u.LoadWord(0x1000); v != 0x11111111 {
			trace <- fmt.Sprintf("parent reads %#x", v)
		}
		dirty := false
		for _, e := range u.Thread().CPU().ValidEntries() {
			if e.VPage == 0x1000 && e.Dirty {
				dirty = true
			}
		}
		if !dirty {
			trace <- "no writable translation for 0x1000"
		}
		trace <- "store to text"
		u.StoreWord(0x5000, 1)
		trace <- "survived"
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}

	status := spawn(t, k, func(u *User) int {
		err := u.Exec("/bin/scenario", "scenario")
		trace <- "exec: " + fmt.Sprint(err)
		return 99
	})
	if !WIFSIGNALED(status) || WTERMSIG(status) != SIGSEGV {
		t.Fatalf("status = %#x, want SIGSEGV", status)
	}
	close(trace)
	var got []string
	for s := range trace {
		got = append(got, s)
	}
	if !slices.Equal(got, []string{"store to text"}) {
		t.Fatalf("trace = %q", got)
	}
	if k.Coremap().Stats().Free != free {
		t.Fatalf("frames leaked: free %d, want %d", k.Coremap().Stats().Free, free)
	}
}

func TestFork_PidsAndParents(t *testing.T) {
	k := bootTest(t, nil, Options{})
	type ids struct{ self, parent, child PID }
	got := make(chan ids, 2)
	install(t, k, "/bin/forker", 1, func(u *User) int {
		self := u.Getpid()
		child, err := u.Fork(func(c *User) int {
			me := c.Getpid()
			got <- ids{self: me, parent: k.Procs().Lookup(me).Parent()}
			return 0
		})
		if err != nil {
			return 1
		}
		if _, err := u.Wait(child); err != nil {
			return 2
		}
		got <- ids{self: self, parent: k.Procs().Lookup(self).Parent(), child: child}
		return 0
	})
	pid := run(t, k, "/bin/forker")
	waitIdle(t, k)

	c, p := <-got, <-got
	if p.self != pid || p.parent != NoPID {
		t.Fatalf("parent ids = %+v, RunProgram pid %d", p, pid)
	}
	if c.self != p.child || c.parent != pid || c.self == pid {
		t.Fatalf("child ids = %+v, parent %+v", c, p)
	}
}

func TestWaitpid_ExitStatuses(t *testing.T) {
	k := bootTest(t, nil, Options{})
	if st := spawn(t, k, func(*User) int { return 42 }); !WIFEXITED(st) || WEXITSTATUS(st) != 42 {
		t.Fatalf("exit 42 gave %#x", st)
	}
	st := spawn(t, k, func(u *User) int {
		u.StoreWord(0x7000, 1)
		return 0
	})
	if !WIFSIGNALED(st) || WTERMSIG(st) != SIGSEGV {
		t.Fatalf("store outside every region gave %#x", st)
	}
}

func TestExecv_ReplacesProgramWithArgs(t *testing.T) {
	k := bootTest(t, nil, Options{})
	args := make(chan []string, 1)
	install(t, k, "/bin/echo", 1, func(u *User) int {
		args <- u.Args()
		return 5
	})

	st := spawn(t, k, func(u *User) int {
		u.Exec("/bin/echo", "echo", "hello", "", "world")
		return 99
	})
	if !WIFEXITED(st) || WEXITSTATUS(st) != 5 {
		t.Fatalf("status = %#x", st)
	}
	if got := <-args; !slices.Equal(got, []string{"echo", "hello", "", "world"}) {
		t.Fatalf("args = %q", got)
	}
}

func TestExecv_FailureKeepsRunning(t *testing.T) {
	fsys := vfs.NewMem()
	k := bootTest(t, nil, Options{FS: fsys})
	if err := vfs.WriteFile(fsys, "/bin/unbound", []byte("not an image")); err != nil {
		t.Fatal(err)
	}
	k.RegisterProgram("/bin/garbage", func(*User) int { return 0 })
	if err := vfs.WriteFile(fsys, "/bin/garbage", []byte("\x7fELF but not really")); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 3)
	st := spawn(t, k, func(u *User) int {
		u.StoreWord(dataBase, 0xabcd)
		for _, p := range []string{"/bin/missing", "/bin/unbound", "/bin/garbage"} {
			errs <- u.Exec(p, p)
		}
		if u.LoadWord(dataBase) != 0xabcd {
			return 1
		}
		return 0
	})
	if !WIFEXITED(st) || WEXITSTATUS(st) != 0 {
		t.Fatalf("status = %#x", st)
	}
	for _, want := range []error{ENOENT, ENOEXEC, ENOEXEC} {
		if err := <-errs; !errors.Is(err, want) {
			t.Fatalf("exec error %v, want %v", err, want)
		}
	}
}

func TestCopyoutArgs_Layout(t *testing.T) {
	k := bootTest(t, nil, Options{})
	as, err := k.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	defer as.Destroy()

	sp, err := copyoutArgs(as, []string{"ab", "cde"})
	if err != nil {
		t.Fatal(err)
	}
	if sp != UserStackTop-20 {
		t.Fatalf("sp = %#x, want %#x", sp, UserStackTop-20)
	}
	buf := make([]byte, 20)
	if err := as.ReadAt(buf, sp); err != nil {
		t.Fatal(err)
	}
	word := func(i int) uint32 { return binary.BigEndian.Uint32(buf[4*i:]) }
	if word(0) != uint32(sp)+12 || word(1) != uint32(sp)+16 || word(2) != 0 {
		t.Fatalf("argv = %#x %#x %#x", word(0), word(1), word(2))
	}
	if !bytes.Equal(buf[12:], []byte("ab\x00\x00cde\x00")) {
		t.Fatalf("strings = %q", buf[12:])
	}

	if _, err := copyoutArgs(as, []string{strings.Repeat("x", argMax)}); !errors.Is(err, E2BIG) {
		t.Fatalf("oversized args: %v", err)
	}

	// Under argMax but larger than a two-page stack.
	small, err := NewAddressSpace(k.Coremap(), VMPaged, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer small.Destroy()
	if _, err := copyoutArgs(small, []string{strings.Repeat("x", 3*PageSize)}); !errors.Is(err, E2BIG) {
		t.Fatalf("args larger than the stack: %v", err)
	}
}

func TestRunProgram_Args(t *testing.T) {
	k := bootTest(t, nil, Options{})
	args := make(chan []string, 2)
	install(t, k, "/bin/args", 1, func(u *User) int {
		args <- u.Args()
		return 0
	})
	run(t, k, "/bin/args")
	waitIdle(t, k)
	run(t, k, "/bin/args", "x", "yz")
	waitIdle(t, k)

	if got := <-args; !slices.Equal(got, []string{"/bin/args"}) {
		t.Fatalf("default args = %q", got)
	}
	if got := <-args; !slices.Equal(got, []string{"x", "yz"}) {
		t.Fatalf("args = %q", got)
	}
}

func TestRunProgram_Errors(t *testing.T) {
	k := bootTest(t, func(c *KernelConfig) { c.MaxProcesses = 1 }, Options{})
	install(t, k, "/bin/true", 1, func(*User) int { return 0 })
	free := k.Coremap().Stats().Free

	if _, err := k.RunProgram("/bin/none"); !errors.Is(err, ENOENT) {
		t.Fatalf("missing program: %v", err)
	}
	if _, err := k.RunProgram("/bin/true"); !errors.Is(err, ENPROC) {
		t.Fatalf("full process table: %v", err)
	}
	if _, err := k.RunProgram("/bin/true", strings.Repeat("y", argMax)); !errors.Is(err, E2BIG) {
		t.Fatalf("oversized args: %v", err)
	}
	stack := k.Config().StackPages * PageSize
	if _, err := k.RunProgram("/bin/true", strings.Repeat("y", stack+PageSize)); !errors.Is(err, E2BIG) {
		t.Fatalf("args larger than the stack: %v", err)
	}
	if got := k.Coremap().Stats().Free; got != free {
		t.Fatalf("failed RunProgram leaked %d frames", free-got)
	}
	if k.Procs().Count() != 0 {
		t.Fatalf("count = %d", k.Procs().Count())
	}
}

func TestSyscall_DirectDispatch(t *testing.T) {
	k := bootTest(t, nil, Options{})
	parent, th := attach(t, k, "parent", nil)
	_, cth := attach(t, k, "child", parent)
	k.exitThread(cth, MkWaitExit(0))
	cpid := parent.Children()[0]

	tests := []struct {
		name  string
		tf    Trapframe
		errno Errno
		v0    uint32
	}{
		{name: "getpid", tf: Trapframe{V0: uint32(SysGetpid)}, v0: uint32(parent.PID())},
		{name: "unknown", tf: Trapframe{V0: 42}, errno: ENOSYS},
		{name: "vfork", tf: Trapframe{V0: uint32(SysVfork)}, errno: ENOSYS},
		{name: "waitpid options", tf: Trapframe{V0: uint32(SysWaitpid), A0: uint32(cpid), A2: 1}, errno: EINVAL},
		{name: "waitpid no process", tf: Trapframe{V0: uint32(SysWaitpid), A0: 77}, errno: ESRCH},
		{name: "waitpid bad status pointer", tf: Trapframe{V0: uint32(SysWaitpid), A0: uint32(cpid)}, errno: EFAULT},
		{name: "execv bad path pointer", tf: Trapframe{V0: uint32(SysExecv)}, errno: EFAULT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf := tt.tf
			tf.EPC = 0x400100
			k.Syscall(th, &tf)
			if tf.EPC != 0x400104 {
				t.Fatalf("epc = %#x", tf.EPC)
			}
			if tt.errno != 0 {
				if tf.A3 != 1 || Errno(tf.V0) != tt.errno {
					t.Fatalf("a3 %d v0 %d, want errno %d", tf.A3, tf.V0, tt.errno)
				}
				return
			}
			if tf.A3 != 0 || tf.V0 != tt.v0 {
				t.Fatalf("a3 %d v0 %d, want %d", tf.A3, tf.V0, tt.v0)
			}
		})
	}
}

func TestLegacy_TLBFullKillsProcess(t *testing.T) {
	touch := func(u *User) int {
		for i := 0; i < 3; i++ {
			u.StoreWord(dataBase+VirtAddr(i*PageSize), uint32(i))
		}
		return 0
	}
	small := func(mode VMMode) func(*KernelConfig) {
		return func(c *KernelConfig) {
			c.VMMode = mode
			c.TLBSize = 2
			c.NumCPUs = 1
		}
	}

	k := bootTest(t, small(VMLegacy), Options{})
	install(t, k, "/bin/touch", 3, touch)
	st := spawn(t, k, func(u *User) int {
		u.Exec("/bin/touch")
		return 99
	})
	if !WIFSIGNALED(st) || WTERMSIG(st) != SIGSEGV {
		t.Fatalf("legacy status = %#x", st)
	}

	k = bootTest(t, small(VMPaged), Options{})
	install(t, k, "/bin/touch", 3, touch)
	st = spawn(t, k, func(u *User) int {
		u.Exec("/bin/touch")
		return 99
	})
	if !WIFEXITED(st) || WEXITSTATUS(st) != 0 {
		t.Fatalf("paged status = %#x", st)
	}
}

func TestConcurrentForkStress(t *testing.T) {
	k := bootTest(t, func(c *KernelConfig) { c.NumCPUs = 4 }, Options{})
	const children = 3
	failures := make(chan string, 64)
	install(t, k, "/bin/stress", 1, func(u *User) int {
		var pids []PID
		for i := 0; i < children; i++ {
			pid, err := u.Fork(func(c *User) int {
				c.StoreWord(dataBase, uint32(i))
				if c.LoadWord(dataBase) != uint32(i) {
					return 100
				}
				return i + 1
			})
			if err != nil {
				failures <- "fork: " + err.Error()
				return 1
			}
			pids = append(pids, pid)
		}
		for i, pid := range pids {
			st, err := u.Wait(pid)
			if err != nil || !WIFEXITED(st) || WEXITSTATUS(st) != i+1 {
				failures <- fmt.Sprintf("child %d: status %#x, %v", i, st, err)
			}
		}
		if u.LoadWord(dataBase) != 0 {
			failures <- "parent data changed"
		}
		return 0
	})
	free := k.Coremap().Stats().Free

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := k.RunProgram("/bin/stress")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, k)

	close(failures)
	for f := range failures {
		t.Error(f)
	}
	st := k.Stats()
	if st.Coremap.Free != free || len(st.Procs.Procs) != 0 {
		t.Fatalf("after stress: free %d (want %d), procs %+v", st.Coremap.Free, free, st.Procs.Procs)
	}
}
