package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/kcore/internal/loader"
	"github.com/orizon-lang/kcore/internal/runtime/vfs"
)

// ============================================================================
// Kernel configuration
// ============================================================================

// KernelConfig sizes the simulated machine.
type KernelConfig struct {
	// Memory configuration
	MemorySize      int
	KernelImageSize int

	// Processor configuration
	NumCPUs int
	TLBSize int

	// Virtual memory configuration
	VMMode     VMMode
	StackPages int

	// Process configuration
	MaxProcesses int
}

// DefaultKernelConfig returns the default machine: 4MB of RAM, two CPUs and
// paged virtual memory.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		MemorySize:      4 * 1024 * 1024,
		KernelImageSize: 256 * 1024,

		NumCPUs: 2,
		TLBSize: NumTLB,

		VMMode:     VMPaged,
		StackPages: DefaultStackPages,

		MaxProcesses: 128,
	}
}

// Validate checks that the configuration describes a bootable machine.
func (c *KernelConfig) Validate() error {
	switch {
	case c.MemorySize <= 0 || c.MemorySize%PageSize != 0:
		return fmt.Errorf("memory size %d is not a positive multiple of %d", c.MemorySize, PageSize)
	case c.KernelImageSize <= 0 || c.KernelImageSize >= c.MemorySize:
		return fmt.Errorf("kernel image size %d does not fit in %d bytes", c.KernelImageSize, c.MemorySize)
	case c.NumCPUs < 1:
		return fmt.Errorf("need at least one cpu, got %d", c.NumCPUs)
	case c.TLBSize < 1:
		return fmt.Errorf("tlb size %d must be positive", c.TLBSize)
	case c.StackPages < 1:
		return fmt.Errorf("stack pages %d must be positive", c.StackPages)
	case c.VMMode != VMPaged && c.VMMode != VMLegacy:
		return fmt.Errorf("unknown vm mode %d", int(c.VMMode))
	case c.MaxProcesses < 0:
		return fmt.Errorf("max processes %d must not be negative", c.MaxProcesses)
	}
	return nil
}

// Options carries the collaborators of a kernel.
type Options struct {
	// Logger receives kernel diagnostics. Nil discards them.
	Logger *slog.Logger
	// FS holds program images. Nil means an empty in-memory filesystem.
	FS vfs.FileSystem
	// NewTLB builds the TLB of each CPU. Nil means a SoftTLB.
	NewTLB func(cpu int) TLB
}

// ============================================================================
// Kernel
// ============================================================================

// Kernel owns the machine: RAM, CPUs, the coremap and the process table.
// Everything is reached through it; there is no global state.
type Kernel struct {
	cfg KernelConfig

	log     *slog.Logger
	vmLog   *slog.Logger
	procLog *slog.Logger
	sysLog  *slog.Logger

	ram     *RAM
	cm      *Coremap
	vmReady atomic.Bool
	mode    VMMode

	cpus    []*CPU
	nextCPU atomic.Uint32

	kproc *Process
	procs *ProcTable

	fs         vfs.FileSystem
	programsMu sync.RWMutex
	programs   map[string]Program

	threads  sync.WaitGroup
	stopping atomic.Bool
}

// Boot brings up a kernel on a fresh machine described by cfg.
func Boot(cfg *KernelConfig, opts Options) (*Kernel, error) {
	if cfg == nil {
		cfg = DefaultKernelConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = vfs.NewMem()
	}

	k := &Kernel{
		cfg:      *cfg,
		log:      logger,
		vmLog:    logger.With("subsystem", "vm"),
		procLog:  logger.With("subsystem", "proc"),
		sysLog:   logger.With("subsystem", "syscall"),
		mode:     cfg.VMMode,
		fs:       fsys,
		programs: make(map[string]Program),
	}

	ram, err := NewRAM(cfg.MemorySize, cfg.KernelImageSize)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	k.ram = ram

	// CPUs come up before the VM system, so their kernel stacks are stolen
	// straight from RAM.
	for i := 0; i < cfg.NumCPUs; i++ {
		var tlb TLB
		if opts.NewTLB != nil {
			tlb = opts.NewTLB(i)
		} else {
			tlb = NewSoftTLB(cfg.TLBSize)
		}
		cpu := NewCPU(i, tlb)
		if cpu.kstack, err = k.AllocKPages(1); err != nil {
			ram.Close()
			return nil, fmt.Errorf("boot: kernel stack for cpu %d: %w", i, err)
		}
		k.cpus = append(k.cpus, cpu)
	}

	k.vmBootstrap()

	k.kproc = newProcess("[kernel]")
	k.procs = NewProcTable(k.kproc, cfg.MaxProcesses)

	st := k.cm.Stats()
	k.log.Info("kernel booted",
		"mode", k.mode,
		"cpus", len(k.cpus),
		"ram", ram.Size(),
		"frames", st.Frames,
		"reserved", st.Reserved,
	)
	return k, nil
}

// vmBootstrap hands the remaining RAM to the coremap.
func (k *Kernel) vmBootstrap() {
	k.cm = NewCoremap(k.ram)
	k.vmReady.Store(true)
}

// AllocKPages allocates npages contiguous kernel pages. Before the coremap
// exists they are stolen from RAM and can never be freed.
func (k *Kernel) AllocKPages(npages int) (PhysAddr, error) {
	if !k.vmReady.Load() {
		pa := k.ram.StealMem(npages)
		if pa == 0 {
			return 0, fmt.Errorf("steal %d pages: %w", npages, ErrNoMem)
		}
		return pa, nil
	}
	return k.cm.Alloc(npages)
}

// FreeKPages releases pages from AllocKPages. Stolen pages are ignored.
func (k *Kernel) FreeKPages(pa PhysAddr) {
	if !k.cm.Contains(pa) {
		return
	}
	k.cm.Free(pa)
}

// Coremap exposes the frame allocator.
func (k *Kernel) Coremap() *Coremap { return k.cm }

// Procs exposes the process table.
func (k *Kernel) Procs() *ProcTable { return k.procs }

// KernelProcess is the process in slot 0.
func (k *Kernel) KernelProcess() *Process { return k.kproc }

// CPUs returns the processors.
func (k *Kernel) CPUs() []*CPU { return k.cpus }

// Mode is the virtual memory mode.
func (k *Kernel) Mode() VMMode { return k.mode }

// Config returns the configuration the kernel booted with.
func (k *Kernel) Config() KernelConfig { return k.cfg }

// NewAddressSpace creates an empty address space in the kernel's VM mode.
func (k *Kernel) NewAddressSpace() (*AddressSpace, error) {
	return NewAddressSpace(k.cm, k.mode, k.cfg.StackPages)
}

// Panicf logs a fatal kernel error and halts by panicking.
func (k *Kernel) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	k.log.Error("panic", "msg", msg)
	panic("kernel: " + msg)
}

// WaitIdle blocks until no user process is left or ctx is done.
func (k *Kernel) WaitIdle(ctx context.Context) error {
	return k.procs.WaitIdle(ctx)
}

// Shutdown refuses new threads and waits for running ones to finish, then
// releases physical memory. If ctx ends first, memory is left mapped and
// ctx's error is returned. A thread cannot be interrupted, so in that case
// one goroutine stays parked until the last thread exits.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.stopping.Store(true)

	done := make(chan struct{})
	go func() {
		k.threads.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
	k.log.Info("kernel halted")
	return k.ram.Close()
}

// ============================================================================
// Programs
// ============================================================================

// RegisterProgram binds the executable at path to main, the code run when
// the image is executed.
func (k *Kernel) RegisterProgram(path string, main Program) {
	k.programsMu.Lock()
	defer k.programsMu.Unlock()
	k.programs[vfs.Clean(path)] = main
}

// Install writes image to path, creating its directory, and registers main
// for it.
func (k *Kernel) Install(path string, image []byte, main Program) error {
	if err := vfs.WriteFile(k.fs, path, image); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	k.RegisterProgram(path, main)
	return nil
}

func (k *Kernel) program(p string) Program {
	k.programsMu.RLock()
	defer k.programsMu.RUnlock()
	return k.programs[vfs.Clean(p)]
}

// loadTarget feeds loader callbacks into an address space.
type loadTarget struct{ as *AddressSpace }

func (l loadTarget) DefineRegion(vaddr, size uint32, r, w, x bool) error {
	return l.as.DefineRegion(VirtAddr(vaddr), int(size), r, w, x)
}
func (l loadTarget) PrepareLoad() error                   { return l.as.PrepareLoad() }
func (l loadTarget) WriteAt(p []byte, vaddr uint32) error { return l.as.WriteAt(p, VirtAddr(vaddr)) }
func (l loadTarget) CompleteLoad() error                  { return l.as.CompleteLoad() }

// load builds a new address space holding the program at path.
func (k *Kernel) load(p string) (*AddressSpace, VirtAddr, Program, error) {
	f, err := k.fs.Open(p)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("load %s: %w: %v", p, ENOENT, err)
	}
	defer f.Close()
	main := k.program(p)
	if main == nil {
		return nil, 0, nil, fmt.Errorf("load %s: no program registered: %w", p, ENOEXEC)
	}

	as, err := k.NewAddressSpace()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("load %s: %w", p, err)
	}
	entry, err := loader.Load(f, loadTarget{as})
	if err != nil {
		as.Destroy()
		var e Errno
		if !errors.As(err, &e) {
			err = fmt.Errorf("%w: %v", ENOEXEC, err)
		}
		return nil, 0, nil, fmt.Errorf("load %s: %w", p, err)
	}
	return as, VirtAddr(entry), main, nil
}

// copyoutArgs lays args out at the top of the stack of as: the argv pointer
// array, NULL terminated, followed by the strings, each padded to a word.
// The vector must fit in both argMax and the stack window. It returns the new stack pointer, which is also the address of argv.
func copyoutArgs(as *AddressSpace, args []string) (VirtAddr, error) {
	strs := cstrings(args)
	size := 4 * (len(args) + 1)
	for _, s := range strs {
		size += len(s)
	}
	if limit := min(argMax, as.stackPages*PageSize); size > limit {
		return 0, fmt.Errorf("copy out %d bytes of arguments, limit %d: %w", size, limit, E2BIG)
	}

	top, err := as.DefineStack()
	if err != nil {
		return 0, err
	}
	sp := top - VirtAddr(size)

	buf := make([]byte, size)
	off := 4 * (len(args) + 1)
	for i, s := range strs {
		binary.BigEndian.PutUint32(buf[4*i:], uint32(sp)+uint32(off))
		copy(buf[off:], s)
		off += len(s)
	}
	if err := as.WriteAt(buf, sp); err != nil {
		return 0, err
	}
	return sp, nil
}

// enterProgram runs main as the user program of t and exits with its result.
func (k *Kernel) enterProgram(t *Thread, sp VirtAddr, argc int, main Program) {
	u := newUser(t, sp)
	u.argc = argc
	u.argv = sp
	u.Exit(main(u))
}

// RunProgram starts the program at path in a new process with no parent
// and returns its pid. Load errors are returned to the caller and leave
// nothing behind.
func (k *Kernel) RunProgram(p string, args ...string) (PID, error) {
	if k.stopping.Load() {
		return NoPID, fmt.Errorf("runprogram %s: kernel is shutting down: %w", p, EAGAIN)
	}
	if len(args) == 0 {
		args = []string{p}
	}
	as, entry, main, err := k.load(p)
	if err != nil {
		return NoPID, err
	}
	sp, err := copyoutArgs(as, args)
	if err != nil {
		as.Destroy()
		return NoPID, fmt.Errorf("runprogram %s: %w", p, err)
	}

	proc := newProcess(path.Base(p))
	proc.setAddressSpace(as)
	pid, err := k.procs.Register(proc, nil)
	if err != nil {
		proc.setAddressSpace(nil)
		as.Destroy()
		return NoPID, fmt.Errorf("runprogram %s: %w", p, err)
	}

	if _, err := k.ThreadFork(proc.Name(), proc, func(t *Thread) {
		t.cpu.Activate(as)
		k.enterProgram(t, sp, len(args), main)
	}); err != nil {
		proc.setAddressSpace(nil)
		as.Destroy()
		k.procs.unregister(proc)
		return NoPID, fmt.Errorf("runprogram %s: %w", p, err)
	}
	k.procLog.Info("runprogram", "path", p, "pid", pid, "entry", fmt.Sprintf("%#x", entry), "argc", len(args))
	return pid, nil
}

// exec replaces the program of t's process. The old address space is only
// discarded once the new image has loaded, so a failed exec leaves the
// caller running its old program. On success exec does not return.
func (k *Kernel) exec(t *Thread, p string, args []string) error {
	as, entry, main, err := k.load(p)
	if err != nil {
		return err
	}
	sp, err := copyoutArgs(as, args)
	if err != nil {
		as.Destroy()
		return fmt.Errorf("execv %s: %w", p, err)
	}

	proc := t.Proc()
	old := proc.setAddressSpace(as)
	t.cpu.Activate(as)
	if old != nil {
		old.Destroy()
	}
	k.procLog.Info("execv", "pid", proc.PID(), "path", p, "entry", fmt.Sprintf("%#x", entry), "argc", len(args))

	k.enterProgram(t, sp, len(args), main)
	return nil
}

// ============================================================================
// Statistics
// ============================================================================

// KernelStats is a snapshot of the machine.
type KernelStats struct {
	Mode    string         `json:"mode"`
	CPUs    []CPUStats     `json:"cpus"`
	Coremap CoremapStats   `json:"coremap"`
	Procs   ProcTableStats `json:"procs"`
}

// CPUStats describes one processor.
type CPUStats struct {
	ID         int `json:"id"`
	TLBEntries int `json:"tlb_entries"`
}

// Stats snapshots the coremap, the process table and the TLBs.
func (k *Kernel) Stats() KernelStats {
	st := KernelStats{
		Mode:    k.mode.String(),
		Coremap: k.cm.Stats(),
		Procs:   k.procs.Stats(),
	}
	for _, c := range k.cpus {
		st.CPUs = append(st.CPUs, CPUStats{ID: c.ID, TLBEntries: len(c.ValidEntries())})
	}
	return st
}
