// Package kernel provides the memory-management and process-lifecycle core of
// a teaching kernel on a software-TLB machine: the physical frame allocator
// (coremap), per-process address spaces, the soft MMU fault handler and the
// process table with fork/exec/exit/wait.
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Workiva/go-datastructures/bitarray"
)

// ============================================================================
// Physical memory
// ============================================================================

// PageSize is the size of a page and of a physical frame.
const (
	PageSize  = 4096
	PageFrame = 0xfffff000 // mask for the page-aligned part of an address
)

// PhysAddr is a physical address on the simulated 32-bit machine.
type PhysAddr uint32

// VirtAddr is a user virtual address.
type VirtAddr uint32

// PageAlign rounds the address down to its page.
func (a VirtAddr) PageAlign() VirtAddr { return a & PageFrame }

// RAM is the machine's installed physical memory. Before the coremap is
// bootstrapped, pages are handed out by stealing from the low end.
type RAM struct {
	mu        sync.Mutex // stealmem lock
	mem       []byte
	unmap     func() error
	firstfree PhysAddr
	last      PhysAddr
}

// NewRAM installs size bytes of physical memory. The first kernelImage bytes
// (rounded up to a page) hold the kernel image and are never handed out, so
// physical address 0 is never a valid allocation.
func NewRAM(size, kernelImage int) (*RAM, error) {
	if size <= 0 || size%PageSize != 0 || size > 1<<31 {
		return nil, fmt.Errorf("ram size %d is not a positive page multiple below 2GB", size)
	}
	kernelImage = (kernelImage + PageSize - 1) &^ (PageSize - 1)
	if kernelImage < PageSize || kernelImage >= size {
		return nil, fmt.Errorf("kernel image of %d bytes does not fit in %d bytes of ram", kernelImage, size)
	}
	mem, unmap, err := mapPhysical(size)
	if err != nil {
		return nil, err
	}
	return &RAM{
		mem:       mem,
		unmap:     unmap,
		firstfree: PhysAddr(kernelImage),
		last:      PhysAddr(size),
	}, nil
}

// StealMem returns the base of npages unmanaged contiguous pages, or 0 if
// none are left. After GetSize has been called nothing more can be stolen.
func (r *RAM) StealMem(npages int) PhysAddr {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := PhysAddr(npages * PageSize)
	if npages < 1 || r.firstfree == 0 || r.firstfree+size > r.last {
		return 0
	}
	pa := r.firstfree
	r.firstfree += size
	return pa
}

// GetSize reports the physical range not yet stolen and hands ownership of
// it to the caller (the coremap). Subsequent StealMem calls fail.
func (r *RAM) GetSize() (lo, hi PhysAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lo, hi = r.firstfree, r.last
	r.firstfree, r.last = 0, 0
	return lo, hi
}

// Bytes returns the n bytes of physical memory starting at pa.
func (r *RAM) Bytes(pa PhysAddr, n int) []byte {
	end := int(pa) + n
	if n < 0 || end > len(r.mem) {
		panic(fmt.Sprintf("ram: access [%#x, %#x) outside %#x bytes of memory", pa, end, len(r.mem)))
	}
	return r.mem[pa:end:end]
}

// Size is the amount of installed memory in bytes.
func (r *RAM) Size() int { return len(r.mem) }

// Close releases the backing store.
func (r *RAM) Close() error {
	if r.unmap == nil {
		return nil
	}
	err := r.unmap()
	r.unmap = nil
	r.mem = nil
	return err
}

// ============================================================================
// Coremap: the physical frame allocator
// ============================================================================

// frame describes one physical page.
type frame struct {
	owners    atomic.Int32 // 0 free, 1 exclusive, >1 shared copy-on-write
	runLength int32        // pages in the allocation; first frame only
}

// Coremap tracks every frame between the bootstrap boundary and the top of
// RAM. All mutation happens under mu; methods suffixed Locked expect the
// caller to hold it (see Lock).
type Coremap struct {
	mu     sync.Mutex
	ram    *RAM
	base   PhysAddr
	frames []frame
	first  int // frames below this index hold the coremap itself
	used   bitarray.BitArray
}

// NewCoremap takes over the remaining physical memory of ram. The frames
// needed to hold the coremap are permanently reserved.
func NewCoremap(ram *RAM) *Coremap {
	lo, hi := ram.GetSize()
	n := int(hi-lo) / PageSize
	reserved := int(unsafe.Sizeof(frame{}))*n/PageSize + 1
	if n == 0 || reserved >= n {
		panic(fmt.Sprintf("coremap: %d frames cannot hold a %d-frame coremap", n, reserved))
	}

	cm := &Coremap{
		ram:    ram,
		base:   lo,
		frames: make([]frame, n),
		first:  reserved,
		used:   bitarray.NewBitArray(uint64(n)),
	}
	for i := 0; i < reserved; i++ {
		cm.frames[i].owners.Store(1)
		cm.frames[i].runLength = 1
		_ = cm.used.SetBit(uint64(i))
	}
	return cm
}

// Lock acquires the coremap lock for a sequence of Locked calls.
func (cm *Coremap) Lock() { cm.mu.Lock() }

// Unlock releases the coremap lock.
func (cm *Coremap) Unlock() { cm.mu.Unlock() }

func (cm *Coremap) addr(i int) PhysAddr { return cm.base + PhysAddr(i*PageSize) }

// index maps a frame address to its coremap slot.
func (cm *Coremap) index(pa PhysAddr) (int, bool) {
	if pa < cm.base || pa%PageSize != 0 {
		return 0, false
	}
	i := int(pa-cm.base) / PageSize
	return i, i < len(cm.frames)
}

func (cm *Coremap) mustIndex(pa PhysAddr) int {
	i, ok := cm.index(pa)
	if !ok || i < cm.first {
		panic(fmt.Sprintf("coremap: %#x is not a managed frame", pa))
	}
	return i
}

// Contains reports whether pa is a frame managed by the coremap.
func (cm *Coremap) Contains(pa PhysAddr) bool {
	i, ok := cm.index(pa)
	return ok && i >= cm.first
}

// Alloc allocates npages contiguous frames, first fit.
func (cm *Coremap) Alloc(npages int) (PhysAddr, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.AllocLocked(npages)
}

// AllocLocked is Alloc for callers already holding the coremap lock.
func (cm *Coremap) AllocLocked(npages int) (PhysAddr, error) {
	if npages < 1 {
		return 0, EINVAL
	}
	run := 0
	for i := cm.first; i < len(cm.frames); i++ {
		if cm.frames[i].owners.Load() >= 1 {
			run = 0
			continue
		}
		run++
		if run == npages {
			start := i - npages + 1
			for j := start; j <= i; j++ {
				cm.frames[j].owners.Store(1)
				_ = cm.used.SetBit(uint64(j))
			}
			cm.frames[start].runLength = int32(npages)
			return cm.addr(start), nil
		}
	}
	return 0, ErrNoMem
}

// Free drops one owner of the allocation starting at pa. The last owner
// zeroes the whole run and returns it to the free pool.
func (cm *Coremap) Free(pa PhysAddr) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.FreeLocked(pa)
}

// FreeLocked is Free for callers already holding the coremap lock.
func (cm *Coremap) FreeLocked(pa PhysAddr) {
	i := cm.mustIndex(pa)
	f := &cm.frames[i]
	switch owners := f.owners.Load(); {
	case owners > 1:
		f.owners.Add(-1)
		return
	case owners < 1:
		panic(fmt.Sprintf("coremap: free of unowned frame %#x", pa))
	}

	n := int(f.runLength)
	if n < 1 {
		panic(fmt.Sprintf("coremap: free of %#x, which does not start an allocation", pa))
	}
	clear(cm.ram.Bytes(pa, n*PageSize))
	for j := i; j < i+n; j++ {
		cm.frames[j].owners.Store(0)
		cm.frames[j].runLength = 0
		_ = cm.used.ClearBit(uint64(j))
	}
}

// Share adds an owner to the single frame at pa (copy-on-write fork).
func (cm *Coremap) Share(pa PhysAddr) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.ShareLocked(pa)
}

// ShareLocked is Share for callers already holding the coremap lock.
func (cm *Coremap) ShareLocked(pa PhysAddr) {
	f := &cm.frames[cm.mustIndex(pa)]
	if f.owners.Load() < 1 {
		panic(fmt.Sprintf("coremap: sharing unowned frame %#x", pa))
	}
	f.owners.Add(1)
}

// OwnersLocked returns the owner count of the frame at pa.
func (cm *Coremap) OwnersLocked(pa PhysAddr) int {
	return int(cm.frames[cm.mustIndex(pa)].owners.Load())
}

// Owners is OwnersLocked without the lock held. The count may be stale by
// the time the caller looks at it.
func (cm *Coremap) Owners(pa PhysAddr) int {
	i, ok := cm.index(pa)
	if !ok {
		return 0
	}
	return int(cm.frames[i].owners.Load())
}

// Frame returns the bytes of the physical page at pa.
func (cm *Coremap) Frame(pa PhysAddr) []byte { return cm.ram.Bytes(pa, PageSize) }

// CoremapStats is a point-in-time view of the allocator.
type CoremapStats struct {
	Base     PhysAddr `json:"base"`
	Frames   int      `json:"frames"`
	Reserved int      `json:"reserved"`
	Used     int      `json:"used"`
	Shared   int      `json:"shared"`
	Free     int      `json:"free"`
}

// Stats summarizes frame usage.
func (cm *Coremap) Stats() CoremapStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	st := CoremapStats{
		Base:     cm.base,
		Frames:   len(cm.frames),
		Reserved: cm.first,
		Used:     len(cm.used.ToNums()),
	}
	for i := cm.first; i < len(cm.frames); i++ {
		if cm.frames[i].owners.Load() > 1 {
			st.Shared++
		}
	}
	st.Free = st.Frames - st.Used
	return st
}
