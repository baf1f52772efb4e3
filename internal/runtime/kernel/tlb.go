package kernel

import (
	"math/rand/v2"
	"sync"
)

// NumTLB is the number of hardware TLB slots per CPU.
const NumTLB = 64

// TLBEntry is one hardware translation. Dirty is the MIPS name for the
// writable bit: a store through a clean entry raises a read-only fault.
type TLBEntry struct {
	VPage  VirtAddr
	PFrame PhysAddr
	Valid  bool
	Dirty  bool
}

//go:generate go run go.uber.org/mock/mockgen -source=tlb.go -destination=mock_tlb_test.go -package=kernel

// TLB is the register-level interface to one CPU's translation buffer.
type TLB interface {
	// Size is the number of slots.
	Size() int
	// Read returns the entry in slot i.
	Read(i int) TLBEntry
	// Write replaces the entry in slot i.
	Write(i int, e TLBEntry)
	// Random writes e into a slot of the hardware's choosing.
	Random(e TLBEntry)
	// Probe finds the valid slot translating vpage.
	Probe(vpage VirtAddr) (int, bool)
}

// SoftTLB is a software model of a fully associative TLB.
type SoftTLB struct {
	slots []TLBEntry
}

// NewSoftTLB returns a TLB with n invalid slots.
func NewSoftTLB(n int) *SoftTLB {
	if n < 1 {
		n = NumTLB
	}
	return &SoftTLB{slots: make([]TLBEntry, n)}
}

func (t *SoftTLB) Size() int               { return len(t.slots) }
func (t *SoftTLB) Read(i int) TLBEntry     { return t.slots[i] }
func (t *SoftTLB) Write(i int, e TLBEntry) { t.slots[i] = e }
func (t *SoftTLB) Random(e TLBEntry)       { t.slots[rand.IntN(len(t.slots))] = e }

func (t *SoftTLB) Probe(vpage VirtAddr) (int, bool) {
	for i, e := range t.slots {
		if e.Valid && e.VPage == vpage {
			return i, true
		}
	}
	return -1, false
}

// ============================================================================
// CPU
// ============================================================================

// CPU is one processor core. Holding spl is the equivalent of running with
// interrupts disabled on this core: nothing else may touch its TLB.
type CPU struct {
	ID     int
	tlb    TLB
	kstack PhysAddr

	spl    sync.Mutex
	active *AddressSpace // address space whose translations are in the TLB
}

// NewCPU returns a core with the given TLB.
func NewCPU(id int, tlb TLB) *CPU {
	return &CPU{ID: id, tlb: tlb}
}

// splhigh disables interrupts on the core.
func (c *CPU) splhigh() { c.spl.Lock() }

// splx restores interrupts on the core.
func (c *CPU) splx() { c.spl.Unlock() }

// invalidateLocked invalidates every slot. Caller holds spl.
func (c *CPU) invalidateLocked() {
	for i := 0; i < c.tlb.Size(); i++ {
		c.tlb.Write(i, TLBEntry{})
	}
}

// Activate makes as the current address space of the core, discarding every
// translation left by whatever ran before.
func (c *CPU) Activate(as *AddressSpace) {
	if as == nil {
		return
	}
	c.splhigh()
	defer c.splx()
	c.invalidateLocked()
	c.active = as
}

// Deactivate forgets the current address space and its translations.
func (c *CPU) Deactivate() {
	c.splhigh()
	defer c.splx()
	c.invalidateLocked()
	c.active = nil
}

// switchToLocked performs the context-switch half of Activate when as is
// not already current. Caller holds spl.
func (c *CPU) switchToLocked(as *AddressSpace) {
	if c.active != as {
		c.invalidateLocked()
		c.active = as
	}
}

// TLB returns the core's translation buffer.
func (c *CPU) TLB() TLB { return c.tlb }

// ValidEntries returns a copy of the live translations, for inspection.
func (c *CPU) ValidEntries() []TLBEntry {
	c.splhigh()
	defer c.splx()

	var out []TLBEntry
	for i := 0; i < c.tlb.Size(); i++ {
		if e := c.tlb.Read(i); e.Valid {
			out = append(out, e)
		}
	}
	return out
}
