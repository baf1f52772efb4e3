package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

// ============================================================================
// Trap frames
// ============================================================================

// Trapframe is the user register state saved on a system call, following
// the MIPS convention: v0 carries the call number in and the result out, a3
// is nonzero on error, and epc is advanced past the syscall instruction.
type Trapframe struct {
	V0, A0, A1, A2, A3 uint32
	EPC                uint32
	SP                 uint32

	// Resume is the user code a forked child continues with when it
	// returns from fork. User code is Go, so this stands in for the saved
	// program counter.
	Resume Program
}

// ============================================================================
// System call interface
// ============================================================================

// SystemCallNumber is a system call's index in the dispatch table.
type SystemCallNumber uint32

const (
	SysFork    SystemCallNumber = 0
	SysVfork   SystemCallNumber = 1
	SysExecv   SystemCallNumber = 2
	SysExit    SystemCallNumber = 3
	SysWaitpid SystemCallNumber = 4
	SysGetpid  SystemCallNumber = 5
)

func (n SystemCallNumber) String() string {
	switch n {
	case SysFork:
		return "fork"
	case SysVfork:
		return "vfork"
	case SysExecv:
		return "execv"
	case SysExit:
		return "_exit"
	case SysWaitpid:
		return "waitpid"
	case SysGetpid:
		return "getpid"
	default:
		return fmt.Sprintf("syscall(%d)", uint32(n))
	}
}

const (
	pathMax = 1024
	argMax  = 64 * 1024
)

// Syscall dispatches the system call in tf for thread t and writes the
// result back into tf. _exit and a successful execv do not return: the
// calling goroutine ends, so Syscall must only be called on a thread started
// by ThreadFork.
func (k *Kernel) Syscall(t *Thread, tf *Trapframe) {
	callno := SystemCallNumber(tf.V0)
	k.sysLog.Debug("syscall", "call", callno, "pid", t.Proc().PID())

	var retval int32
	var err error
	switch callno {
	case SysFork:
		var pid PID
		pid, err = k.sysFork(t, tf)
		retval = int32(pid)
	case SysExecv:
		err = k.sysExecv(t, VirtAddr(tf.A0), VirtAddr(tf.A1))
	case SysExit:
		k.sysExit(t, int(int32(tf.A0)))
	case SysWaitpid:
		var pid PID
		pid, err = k.sysWaitpid(t, PID(int32(tf.A0)), VirtAddr(tf.A1), int(int32(tf.A2)))
		retval = int32(pid)
	case SysGetpid:
		retval = int32(t.Proc().PID())
	default:
		err = fmt.Errorf("%v: %w", callno, ENOSYS)
	}

	if errors.Is(err, ErrKilled) {
		// The process died in a fault taken on its behalf.
		runtime.Goexit()
	}
	if err != nil {
		k.sysLog.Debug("syscall failed", "call", callno, "pid", t.Proc().PID(), "err", err)
		tf.V0 = uint32(ErrnoOf(err))
		tf.A3 = 1
	} else {
		tf.V0 = uint32(retval)
		tf.A3 = 0
	}
	tf.EPC += 4
}

// ============================================================================
// System call implementations
// ============================================================================

// sysFork duplicates the calling process. The child gets a copy-on-write
// copy of the address space and a copy of tf, and starts in
// enterForkedProcess.
func (k *Kernel) sysFork(t *Thread, tf *Trapframe) (PID, error) {
	parent := t.Proc()
	as := parent.AddressSpace()
	if as == nil {
		return NoPID, fmt.Errorf("fork without an address space: %w", EFAULT)
	}

	child := newProcess(parent.Name() + "_child")
	childAS, err := as.Copy()
	if err != nil {
		return NoPID, fmt.Errorf("fork: %w", err)
	}
	// The parent's translations may still mark now-shared frames writable.
	t.cpu.Activate(as)
	child.setAddressSpace(childAS)

	pid, err := k.procs.Register(child, parent)
	if err != nil {
		child.setAddressSpace(nil)
		childAS.Destroy()
		return NoPID, fmt.Errorf("fork: %w", err)
	}

	ctf := *tf
	if _, err := k.ThreadFork(child.Name()+"_thread", child, func(ct *Thread) {
		k.enterForkedProcess(ct, &ctf)
	}); err != nil {
		child.setAddressSpace(nil)
		childAS.Destroy()
		k.procs.unregister(child)
		return NoPID, fmt.Errorf("fork: %w", err)
	}
	k.procLog.Info("fork", "parent", parent.PID(), "child", pid)
	return pid, nil
}

// enterForkedProcess is the first thing a forked child runs: fork returns
// zero in the child.
func (k *Kernel) enterForkedProcess(t *Thread, tf *Trapframe) {
	tf.V0 = 0
	tf.A3 = 0
	tf.EPC += 4
	t.cpu.Activate(t.Proc().AddressSpace())

	u := newUser(t, VirtAddr(tf.SP))
	code := 0
	if tf.Resume != nil {
		code = tf.Resume(u)
	}
	u.Exit(code)
}

// sysExit terminates the calling process and ends its thread.
func (k *Kernel) sysExit(t *Thread, code int) {
	k.exitThread(t, MkWaitExit(code))
	runtime.Goexit()
}

// sysWaitpid waits for a child and copies its wait status to status.
func (k *Kernel) sysWaitpid(t *Thread, pid PID, status VirtAddr, options int) (PID, error) {
	st, err := k.procs.Wait(t.Proc(), pid, options)
	if err != nil {
		return NoPID, err
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(int32(st)))
	if err := t.copyout(buf[:], status); err != nil {
		return NoPID, err
	}
	return pid, nil
}

// sysExecv replaces the calling process's program. It returns only on
// failure, in which case the old program keeps running.
func (k *Kernel) sysExecv(t *Thread, progPtr, argvPtr VirtAddr) error {
	path, err := t.copyinstr(progPtr, pathMax)
	if err != nil {
		return err
	}

	var args []string
	total := 0
	for i := 0; ; i++ {
		var buf [4]byte
		if err := t.copyin(buf[:], argvPtr+VirtAddr(4*i)); err != nil {
			return err
		}
		ptr := VirtAddr(binary.BigEndian.Uint32(buf[:]))
		if ptr == 0 {
			break
		}
		arg, err := t.copyinstr(ptr, argMax)
		if err != nil {
			return err
		}
		total += 4 + len(arg) + 1
		if total > argMax {
			return fmt.Errorf("execv %s: %w", path, E2BIG)
		}
		args = append(args, arg)
	}

	return k.exec(t, path, args)
}

// ErrnoOf extracts the Errno carried by err, defaulting to EINVAL.
func ErrnoOf(err error) Errno {
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EINVAL
}
