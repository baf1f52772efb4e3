package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

// Program is the body of a user program. It receives the user context of
// the thread running it and returns the program's exit code.
type Program func(u *User) int

// ============================================================================
// Memory access through the MMU
// ============================================================================

// access performs a load (write == false) or store of p at va the way the
// hardware would: each page is translated through t's TLB, and a miss or a
// store through a read-only entry raises a fault that VMFault services
// before the access is retried.
func (t *Thread) access(p []byte, va VirtAddr, write bool) error {
	if uint64(va)+uint64(len(p)) > uint64(UserStackTop) {
		return fmt.Errorf("user access [%#x, +%#x): %w", va, len(p), EFAULT)
	}
	for done := 0; done < len(p); {
		cur := va + VirtAddr(done)
		off := int(cur &^ PageFrame)
		n := min(PageSize-off, len(p)-done)

		ft, hit := t.accessPage(p[done:done+n], cur, write)
		if hit {
			done += n
			continue
		}
		if err := t.k.VMFault(t, ft, cur); err != nil {
			return err
		}
	}
	return nil
}

// accessPage copies within one page if the TLB holds a usable translation,
// otherwise it reports the fault to raise.
func (t *Thread) accessPage(p []byte, va VirtAddr, write bool) (FaultType, bool) {
	p0 := t.Proc()
	if p0 == nil {
		return FaultRead, false
	}
	as := p0.AddressSpace()

	c := t.cpu
	c.splhigh()
	defer c.splx()
	c.switchToLocked(as)

	i, ok := c.tlb.Probe(va.PageAlign())
	if !ok {
		if write {
			return FaultWrite, false
		}
		return FaultRead, false
	}
	e := c.tlb.Read(i)
	if write && !e.Dirty {
		return FaultReadOnly, false
	}
	mem := t.k.ram.Bytes(e.PFrame+PhysAddr(va&^PageFrame), len(p))
	if write {
		copy(mem, p)
	} else {
		copy(p, mem)
	}
	return 0, true
}

// copyin copies len(p) bytes from user address va.
func (t *Thread) copyin(p []byte, va VirtAddr) error { return t.access(p, va, false) }

// copyout copies p to user address va.
func (t *Thread) copyout(p []byte, va VirtAddr) error { return t.access(p, va, true) }

// copyinstr copies a NUL-terminated string of at most max bytes from va.
func (t *Thread) copyinstr(va VirtAddr, max int) (string, error) {
	var b []byte
	var c [1]byte
	for len(b) < max {
		if err := t.copyin(c[:], va+VirtAddr(len(b))); err != nil {
			return "", err
		}
		if c[0] == 0 {
			return string(b), nil
		}
		b = append(b, c[0])
	}
	return "", fmt.Errorf("string at %#x: %w", va, ENAMETOOLONG)
}

// ============================================================================
// User context
// ============================================================================

// User is what a running Program sees: its memory, its arguments and the
// system call interface. All methods must be called from the program's own
// thread. A fault the kernel cannot service terminates the process and the
// method does not return.
type User struct {
	t    *Thread
	sp   VirtAddr
	argc int
	argv VirtAddr
}

func newUser(t *Thread, sp VirtAddr) *User {
	return &User{t: t, sp: sp}
}

// fault terminates the process after an unserviceable user-mode fault.
func (u *User) fault(err error) {
	if !errors.Is(err, ErrKilled) {
		u.t.k.vmLog.Info("fatal user fault", "pid", u.t.Proc().PID(), "err", err)
		u.t.k.exitThread(u.t, MkWaitSig(SIGSEGV))
	}
	runtime.Goexit()
}

// Load reads len(p) bytes at va.
func (u *User) Load(p []byte, va VirtAddr) {
	if err := u.t.copyin(p, va); err != nil {
		u.fault(err)
	}
}

// Store writes p at va.
func (u *User) Store(p []byte, va VirtAddr) {
	if err := u.t.copyout(p, va); err != nil {
		u.fault(err)
	}
}

// LoadWord reads a big-endian word at va.
func (u *User) LoadWord(va VirtAddr) uint32 {
	var b [4]byte
	u.Load(b[:], va)
	return binary.BigEndian.Uint32(b[:])
}

// StoreWord writes a big-endian word at va.
func (u *User) StoreWord(va VirtAddr, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	u.Store(b[:], va)
}

// LoadString reads a NUL-terminated string at va.
func (u *User) LoadString(va VirtAddr) string {
	s, err := u.t.copyinstr(va, argMax)
	if err != nil {
		u.fault(err)
	}
	return s
}

// Alloca reserves n bytes on the user stack, word aligned, and returns
// their address.
func (u *User) Alloca(n int) VirtAddr {
	u.sp = (u.sp - VirtAddr(n)) &^ 3
	return u.sp
}

// SP is the current user stack pointer.
func (u *User) SP() VirtAddr { return u.sp }

// Args reads the argument vector the program was started with.
func (u *User) Args() []string {
	args := make([]string, 0, u.argc)
	for i := 0; i < u.argc; i++ {
		ptr := VirtAddr(u.LoadWord(u.argv + VirtAddr(4*i)))
		args = append(args, u.LoadString(ptr))
	}
	return args
}

// Thread is the kernel thread running the program.
func (u *User) Thread() *Thread { return u.t }

func (u *User) syscall(tf *Trapframe) (uint32, error) {
	tf.SP = uint32(u.sp)
	u.t.k.Syscall(u.t, tf)
	if tf.A3 != 0 {
		return 0, Errno(tf.V0)
	}
	return tf.V0, nil
}

// Getpid returns the process id.
func (u *User) Getpid() PID {
	v, _ := u.syscall(&Trapframe{V0: uint32(SysGetpid)})
	return PID(int32(v))
}

// Fork creates a child process. The parent gets the child's pid; the child
// runs child with a copy of this context and exits with its result.
func (u *User) Fork(child Program) (PID, error) {
	v, err := u.syscall(&Trapframe{V0: uint32(SysFork), Resume: child})
	if err != nil {
		return NoPID, err
	}
	return PID(int32(v)), nil
}

// Exec replaces the running program. It returns only on failure.
func (u *User) Exec(path string, args ...string) error {
	sp := u.sp
	defer func() { u.sp = sp }()

	pathPtr := u.pushString(path)
	ptrs := make([]uint32, len(args)+1)
	for i, a := range args {
		ptrs[i] = uint32(u.pushString(a))
	}
	argv := u.Alloca(4 * len(ptrs))
	for i, p := range ptrs {
		u.StoreWord(argv+VirtAddr(4*i), p)
	}

	_, err := u.syscall(&Trapframe{V0: uint32(SysExecv), A0: uint32(pathPtr), A1: uint32(argv)})
	return err
}

func (u *User) pushString(s string) VirtAddr {
	va := u.Alloca(len(s) + 1)
	u.Store(append([]byte(s), 0), va)
	return va
}

// Waitpid waits for child pid and stores its wait status at status.
func (u *User) Waitpid(pid PID, status VirtAddr, options int) (PID, error) {
	v, err := u.syscall(&Trapframe{
		V0: uint32(SysWaitpid),
		A0: uint32(int32(pid)),
		A1: uint32(status),
		A2: uint32(int32(options)),
	})
	if err != nil {
		return NoPID, err
	}
	return PID(int32(v)), nil
}

// Wait waits for child pid and returns its wait status, using a word of
// stack for the status.
func (u *User) Wait(pid PID) (int, error) {
	sp := u.sp
	defer func() { u.sp = sp }()

	status := u.Alloca(4)
	if _, err := u.Waitpid(pid, status, 0); err != nil {
		return 0, err
	}
	return int(int32(u.LoadWord(status))), nil
}

// Exit terminates the process with code. It does not return.
func (u *User) Exit(code int) {
	u.syscall(&Trapframe{V0: uint32(SysExit), A0: uint32(int32(code))})
	u.t.k.Panicf("proc: _exit returned")
}

// cstrings packs strings NUL-terminated and padded to a word.
func cstrings(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		b := bytes.NewBufferString(s)
		b.WriteByte(0)
		for b.Len()%4 != 0 {
			b.WriteByte(0)
		}
		out[i] = b.Bytes()
	}
	return out
}
