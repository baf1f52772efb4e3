package kernel

import (
	"fmt"
)

// FaultType classifies a TLB exception.
type FaultType int

const (
	// FaultRead is a load that missed the TLB.
	FaultRead FaultType = iota
	// FaultWrite is a store that missed the TLB.
	FaultWrite
	// FaultReadOnly is a store through a valid entry whose dirty bit is
	// clear.
	FaultReadOnly
)

func (f FaultType) String() string {
	switch f {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultReadOnly:
		return "readonly"
	default:
		return fmt.Sprintf("fault(%d)", int(f))
	}
}

// VMFault services a TLB exception taken by t at addr.
//
// A store to a read-only page terminates the process with a SIGSEGV wait
// status and returns an error matching ErrKilled; the calling thread must
// not touch the process again. Addresses outside both regions and the stack
// fail with EFAULT, and running out of frames fails with ENOMEM. Otherwise
// the page is materialized (unsharing a copy-on-write frame) and its
// translation is installed in the TLB of t's CPU.
func (k *Kernel) VMFault(t *Thread, ft FaultType, addr VirtAddr) error {
	faultPage := addr.PageAlign()
	k.vmLog.Debug("vm fault", "type", ft, "addr", fmt.Sprintf("%#x", addr))

	p := t.Proc()
	if p == nil {
		// Probably a kernel fault early in boot.
		return fmt.Errorf("fault at %#x with no process: %w", addr, EFAULT)
	}
	as := p.AddressSpace()
	if as == nil {
		return fmt.Errorf("fault at %#x with no address space: %w", addr, EFAULT)
	}

	switch ft {
	case FaultReadOnly:
		if k.mode == VMLegacy {
			// Every legacy page is mapped writable.
			k.Panicf("vm: read-only fault at %#x in legacy mode", addr)
		}
		status := MkWaitSig(SIGSEGV)
		k.vmLog.Info("write to read-only page", "pid", p.PID(), "addr", fmt.Sprintf("%#x", addr))
		k.exitThread(t, status)
		return &killedError{status: status}
	case FaultRead, FaultWrite:
	default:
		return fmt.Errorf("fault type %d: %w", int(ft), EINVAL)
	}

	writable, ok := as.permFor(faultPage)
	if !ok {
		return fmt.Errorf("segmentation violation at %#x: %w", addr, EFAULT)
	}
	if as.mode == VMLegacy {
		writable = true
	}

	k.cm.Lock()
	pa, err := as.resolveLocked(faultPage)
	k.cm.Unlock()
	if err != nil {
		return err
	}

	entry := TLBEntry{VPage: faultPage, PFrame: pa, Valid: true, Dirty: writable}

	cpu := t.cpu
	cpu.splhigh()
	defer cpu.splx()
	cpu.switchToLocked(as)

	// A stale translation of the same page (a read-only entry after an
	// unshare, say) is replaced in place.
	if i, ok := cpu.tlb.Probe(faultPage); ok {
		cpu.tlb.Write(i, entry)
		return nil
	}
	for i := 0; i < cpu.tlb.Size(); i++ {
		if cpu.tlb.Read(i).Valid {
			continue
		}
		k.vmLog.Debug("tlb install", "slot", i, "vpage", fmt.Sprintf("%#x", faultPage), "pframe", fmt.Sprintf("%#x", pa))
		cpu.tlb.Write(i, entry)
		return nil
	}
	if as.mode == VMLegacy {
		k.vmLog.Warn("ran out of TLB entries, cannot handle page fault", "addr", fmt.Sprintf("%#x", addr))
		return fmt.Errorf("tlb full at %#x: %w", addr, EFAULT)
	}
	cpu.tlb.Random(entry)
	return nil
}

// UpdateReadOnlyTLB clears the dirty bit of every live translation on cpu
// that maps a page of a read-only region of as.
func (k *Kernel) UpdateReadOnlyTLB(cpu *CPU, as *AddressSpace) {
	cpu.splhigh()
	defer cpu.splx()

	if cpu.active != as {
		return
	}
	for i := 0; i < cpu.tlb.Size(); i++ {
		e := cpu.tlb.Read(i)
		if !e.Valid || !e.Dirty {
			continue
		}
		for _, r := range as.Regions() {
			if r.Contains(e.VPage) && r.Perm&PermWrite == 0 {
				e.Dirty = false
				cpu.tlb.Write(i, e)
				break
			}
		}
	}
}

// TLBShootdown would invalidate translations on other CPUs. Threads never
// migrate between CPUs, so a request for one means the bookkeeping is broken.
func (k *Kernel) TLBShootdown(target *CPU, vpage VirtAddr) {
	k.Panicf("vm: tlb shootdown of %#x on cpu %d is not supported", vpage, target.ID)
}
