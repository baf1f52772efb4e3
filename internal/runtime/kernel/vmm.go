package kernel

import (
	"fmt"
)

// ============================================================================
// Address spaces
// ============================================================================

// UserStackTop is the highest user address; the stack grows down from it.
const UserStackTop VirtAddr = 0x80000000

// DefaultStackPages is the fixed size of every user stack.
const DefaultStackPages = 12

const (
	pageDirSize   = 1024 // directory slots, indexed by vaddr bits 31..22
	pageTableSize = 1024 // entries per table, indexed by vaddr bits 21..12
)

// VMMode selects how address spaces are backed.
type VMMode int

const (
	// VMPaged materializes pages lazily through the fault handler and shares
	// them copy-on-write across fork.
	VMPaged VMMode = iota
	// VMLegacy backs each region and the stack with one contiguous run at
	// load time and copies eagerly on fork.
	VMLegacy
)

func (m VMMode) String() string {
	if m == VMLegacy {
		return "legacy"
	}
	return "paged"
}

// Perm holds region permissions, using the ELF segment flag values.
type Perm uint8

const (
	PermExec Perm = 1 << iota
	PermWrite
	PermRead
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is a page-aligned span of user memory with uniform permissions.
type Region struct {
	Base  VirtAddr `json:"base"`
	Pages int      `json:"pages"`
	Perm  Perm     `json:"perm"`
}

// Top is the first address past the region.
func (r Region) Top() VirtAddr { return r.Base + VirtAddr(r.Pages*PageSize) }

// Contains reports whether va falls inside the region.
func (r Region) Contains(va VirtAddr) bool {
	return r.Pages > 0 && va >= r.Base && va < r.Top()
}

// pageTable is one lazily allocated second-level table. Each table is
// charged a kernel frame so that table allocation can run out of memory.
type pageTable struct {
	frame   PhysAddr
	entries [pageTableSize]PhysAddr // 0 means not yet mapped
}

func dirIndex(va VirtAddr) int   { return int(va >> 22) }
func tableIndex(va VirtAddr) int { return int(va>>12) & (pageTableSize - 1) }

// AddressSpace is the virtual memory of one process: two data regions, a
// fixed stack below UserStackTop and a sparse two-level page table.
//
// An AddressSpace is owned by a single process and is not safe for
// concurrent use; frame bookkeeping is serialized by the coremap.
type AddressSpace struct {
	cm         *Coremap
	mode       VMMode
	stackPages int

	dirFrame PhysAddr
	dir      [pageDirSize]*pageTable

	regions  [2]Region
	nregions int

	// legacy mode backing
	pbase      [2]PhysAddr
	stackpbase PhysAddr
}

// NewAddressSpace creates an empty address space. In paged mode the page
// directory is charged one frame.
func NewAddressSpace(cm *Coremap, mode VMMode, stackPages int) (*AddressSpace, error) {
	if stackPages < 1 {
		stackPages = DefaultStackPages
	}
	as := &AddressSpace{cm: cm, mode: mode, stackPages: stackPages}
	if mode == VMPaged {
		f, err := cm.Alloc(1)
		if err != nil {
			return nil, fmt.Errorf("allocate page directory: %w", err)
		}
		as.dirFrame = f
	}
	return as, nil
}

// Mode reports how the address space is backed.
func (as *AddressSpace) Mode() VMMode { return as.mode }

// Regions returns the declared data regions.
func (as *AddressSpace) Regions() []Region {
	return append([]Region(nil), as.regions[:as.nregions]...)
}

// StackBase is the lowest address of the stack window.
func (as *AddressSpace) StackBase() VirtAddr {
	return UserStackTop - VirtAddr(as.stackPages*PageSize)
}

// DefineRegion declares a data region. The base is rounded down and the
// size rounded up to whole pages. A region must end below the stack window.
// Only two regions are supported; a third call fails with EUNIMP, whatever
// its range, and leaves the address space untouched.
func (as *AddressSpace) DefineRegion(vaddr VirtAddr, size int, readable, writable, executable bool) error {
	if as.nregions == len(as.regions) {
		return fmt.Errorf("define region at %#x: too many regions: %w", vaddr, ErrTooManyRegion)
	}
	if size < 0 {
		return fmt.Errorf("define region at %#x: %w", vaddr, EINVAL)
	}
	size += int(vaddr &^ PageFrame)
	vaddr &= PageFrame
	size = (size + PageSize - 1) &^ (PageSize - 1)
	if uint64(vaddr)+uint64(size) > uint64(as.StackBase()) {
		return fmt.Errorf("define region [%#x, +%#x) reaches the stack at %#x: %w", vaddr, size, as.StackBase(), EFAULT)
	}

	var perm Perm
	if readable {
		perm |= PermRead
	}
	if writable {
		perm |= PermWrite
	}
	if executable {
		perm |= PermExec
	}
	as.regions[as.nregions] = Region{Base: vaddr, Pages: size / PageSize, Perm: perm}
	as.nregions++
	return nil
}

// PrepareLoad is called before the program image is copied in. Paged
// address spaces materialize pages on demand, so only legacy mode backs the
// regions and the stack here.
func (as *AddressSpace) PrepareLoad() error {
	if as.mode == VMPaged {
		return nil
	}
	if as.pbase[0] != 0 || as.pbase[1] != 0 || as.stackpbase != 0 {
		return fmt.Errorf("prepare load: address space already loaded: %w", EINVAL)
	}

	for i := 0; i < as.nregions; i++ {
		pa, err := as.cm.Alloc(as.regions[i].Pages)
		if err != nil {
			as.releaseLegacy()
			return fmt.Errorf("back region %d: %w", i+1, err)
		}
		as.pbase[i] = pa
	}
	pa, err := as.cm.Alloc(as.stackPages)
	if err != nil {
		as.releaseLegacy()
		return fmt.Errorf("back stack: %w", err)
	}
	as.stackpbase = pa
	return nil
}

// CompleteLoad is called once the image has been copied in.
func (as *AddressSpace) CompleteLoad() error { return nil }

// DefineStack returns the initial user stack pointer.
func (as *AddressSpace) DefineStack() (VirtAddr, error) {
	if as.mode == VMLegacy && as.stackpbase == 0 {
		return 0, fmt.Errorf("define stack before load: %w", EINVAL)
	}
	return UserStackTop, nil
}

// permFor reports whether va belongs to the address space and whether it
// may be written.
func (as *AddressSpace) permFor(va VirtAddr) (writable, ok bool) {
	for i := 0; i < as.nregions; i++ {
		if as.regions[i].Contains(va) {
			return as.regions[i].Perm&PermWrite != 0, true
		}
	}
	if va >= as.StackBase() && va < UserStackTop {
		return true, true
	}
	return false, false
}

// resolveLocked returns the frame backing the page of va, allocating the
// second-level table and the frame on first touch and breaking copy-on-write
// sharing. The caller holds the coremap lock and has checked that va lies
// inside the address space.
func (as *AddressSpace) resolveLocked(va VirtAddr) (PhysAddr, error) {
	if as.mode == VMLegacy {
		return as.legacyFrame(va)
	}

	pt := as.dir[dirIndex(va)]
	if pt == nil {
		f, err := as.cm.AllocLocked(1)
		if err != nil {
			return 0, fmt.Errorf("allocate page table for %#x: %w", va, err)
		}
		pt = &pageTable{frame: f}
		as.dir[dirIndex(va)] = pt
	}

	slot := &pt.entries[tableIndex(va)]
	if *slot == 0 {
		f, err := as.cm.AllocLocked(1)
		if err != nil {
			return 0, fmt.Errorf("allocate page %#x: %w", va.PageAlign(), err)
		}
		*slot = f
		return f, nil
	}

	pa := *slot
	if as.cm.OwnersLocked(pa) > 1 {
		f, err := as.cm.AllocLocked(1)
		if err != nil {
			return 0, fmt.Errorf("unshare page %#x: %w", va.PageAlign(), err)
		}
		copy(as.cm.Frame(f), as.cm.Frame(pa))
		*slot = f
		as.cm.FreeLocked(pa)
		pa = f
	}
	return pa, nil
}

// legacyFrame maps va by its offset into the contiguous backing run.
func (as *AddressSpace) legacyFrame(va VirtAddr) (PhysAddr, error) {
	va = va.PageAlign()
	for i := 0; i < as.nregions; i++ {
		if as.regions[i].Contains(va) {
			if as.pbase[i] == 0 {
				return 0, fmt.Errorf("region %d not loaded: %w", i+1, EFAULT)
			}
			return as.pbase[i] + PhysAddr(va-as.regions[i].Base), nil
		}
	}
	if as.stackpbase == 0 {
		return 0, fmt.Errorf("stack not loaded: %w", EFAULT)
	}
	return as.stackpbase + PhysAddr(va-as.StackBase()), nil
}

// Lookup returns the frame currently mapped at va without allocating.
func (as *AddressSpace) Lookup(va VirtAddr) (PhysAddr, bool) {
	if _, ok := as.permFor(va); !ok {
		return 0, false
	}
	if as.mode == VMLegacy {
		pa, err := as.legacyFrame(va)
		return pa, err == nil
	}
	pt := as.dir[dirIndex(va)]
	if pt == nil || pt.entries[tableIndex(va)] == 0 {
		return 0, false
	}
	return pt.entries[tableIndex(va)], true
}

// MappedPages counts populated page-table entries.
func (as *AddressSpace) MappedPages() int {
	as.cm.Lock()
	defer as.cm.Unlock()
	if as.mode == VMLegacy {
		if as.stackpbase == 0 {
			return 0
		}
		n := as.stackPages
		for i := 0; i < as.nregions; i++ {
			n += as.regions[i].Pages
		}
		return n
	}
	n := 0
	for _, pt := range as.dir {
		if pt == nil {
			continue
		}
		for _, pa := range pt.entries {
			if pa != 0 {
				n++
			}
		}
	}
	return n
}

// WriteAt copies p into the address space at va on behalf of the kernel
// (program loading, argument copy-out). Pages are materialized as needed and
// region write permission is not enforced.
func (as *AddressSpace) WriteAt(p []byte, va VirtAddr) error {
	return as.walk(va, len(p), func(pa PhysAddr, off, n, done int) {
		copy(as.cm.ram.Bytes(pa+PhysAddr(off), n), p[done:done+n])
	}, true)
}

// ReadAt copies bytes at va into p. Pages never touched read as zero and
// are not materialized.
func (as *AddressSpace) ReadAt(p []byte, va VirtAddr) error {
	return as.walk(va, len(p), func(pa PhysAddr, off, n, done int) {
		if pa == 0 {
			clear(p[done : done+n])
			return
		}
		copy(p[done:done+n], as.cm.ram.Bytes(pa+PhysAddr(off), n))
	}, false)
}

// walk visits [va, va+length) page by page with the backing frame of each.
func (as *AddressSpace) walk(va VirtAddr, length int, fn func(pa PhysAddr, off, n, done int), materialize bool) error {
	if uint64(va)+uint64(length) > uint64(UserStackTop) {
		return fmt.Errorf("access [%#x, +%#x): %w", va, length, EFAULT)
	}
	for done := 0; done < length; {
		cur := va + VirtAddr(done)
		if _, ok := as.permFor(cur); !ok {
			return fmt.Errorf("access %#x: %w", cur, EFAULT)
		}
		off := int(cur &^ PageFrame)
		n := min(PageSize-off, length-done)

		as.cm.Lock()
		var pa PhysAddr
		var err error
		if materialize {
			pa, err = as.resolveLocked(cur)
		} else {
			pa, _ = as.Lookup(cur)
		}
		if err == nil {
			fn(pa, off, n, done)
		}
		as.cm.Unlock()
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

// Copy duplicates the address space for fork. Pages are not copied: each
// mapped frame gains an owner and is unshared by the fault handler on the
// next touch. The caller must invalidate the TLB translations of the source
// so that stale writable entries are not used. On failure everything the
// copy acquired is released.
func (as *AddressSpace) Copy() (*AddressSpace, error) {
	n, err := NewAddressSpace(as.cm, as.mode, as.stackPages)
	if err != nil {
		return nil, err
	}
	n.regions = as.regions
	n.nregions = as.nregions

	if as.mode == VMLegacy {
		if err := n.PrepareLoad(); err != nil {
			n.Destroy()
			return nil, err
		}
		as.cm.Lock()
		for i := 0; i < as.nregions; i++ {
			copy(as.cm.ram.Bytes(n.pbase[i], as.regions[i].Pages*PageSize),
				as.cm.ram.Bytes(as.pbase[i], as.regions[i].Pages*PageSize))
		}
		copy(as.cm.ram.Bytes(n.stackpbase, as.stackPages*PageSize),
			as.cm.ram.Bytes(as.stackpbase, as.stackPages*PageSize))
		as.cm.Unlock()
		return n, nil
	}

	for d, pt := range as.dir {
		if pt == nil {
			continue
		}
		f, err := as.cm.Alloc(1)
		if err != nil {
			n.Destroy()
			return nil, fmt.Errorf("copy page table %d: %w", d, err)
		}
		npt := &pageTable{frame: f}
		n.dir[d] = npt

		as.cm.Lock()
		for j, pa := range pt.entries {
			if pa != 0 {
				npt.entries[j] = pa
				as.cm.ShareLocked(pa)
			}
		}
		as.cm.Unlock()
	}
	return n, nil
}

// Destroy releases every frame reachable from the address space, including
// the page tables themselves. Shared frames only lose an owner.
func (as *AddressSpace) Destroy() {
	if as.mode == VMLegacy {
		as.releaseLegacy()
		return
	}

	as.cm.Lock()
	defer as.cm.Unlock()
	for d, pt := range as.dir {
		if pt == nil {
			continue
		}
		for _, pa := range pt.entries {
			if pa != 0 {
				as.cm.FreeLocked(pa)
			}
		}
		as.cm.FreeLocked(pt.frame)
		as.dir[d] = nil
	}
	if as.dirFrame != 0 {
		as.cm.FreeLocked(as.dirFrame)
		as.dirFrame = 0
	}
}

func (as *AddressSpace) releaseLegacy() {
	for i, pa := range as.pbase {
		if pa != 0 {
			as.cm.Free(pa)
			as.pbase[i] = 0
		}
	}
	if as.stackpbase != 0 {
		as.cm.Free(as.stackpbase)
		as.stackpbase = 0
	}
}
