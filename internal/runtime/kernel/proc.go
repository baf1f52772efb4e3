package kernel

import (
	"context"
	"fmt"
	"sync"
)

// PID identifies a process. It is the process's index in the process table.
type PID int32

const (
	// NoPID marks an absent parent.
	NoPID PID = -1
	// KernelPID is the slot of the kernel process.
	KernelPID PID = 0
)

// childRecord tracks one child of a process and, once it has exited, its
// encoded wait status.
type childRecord struct {
	pid    PID
	exited bool
	status int
}

// Process is a user process: an address space plus the threads running in
// it, linked into the process table.
type Process struct {
	name string

	// mu protects the fields below; hold it only for the duration of a read
	// or write and never together with another process's mu.
	mu         sync.Mutex
	pid        PID
	parent     PID
	as         *AddressSpace
	threads    []*Thread
	exitStatus int
	children   []childRecord

	// waitMu and cond deliver child exits to a waiting parent.
	waitMu sync.Mutex
	cond   *sync.Cond
}

func newProcess(name string) *Process {
	p := &Process{
		name:       name,
		pid:        NoPID,
		parent:     NoPID,
		exitStatus: MkWaitStop(0),
	}
	p.cond = sync.NewCond(&p.waitMu)
	return p
}

// Name is the process name.
func (p *Process) Name() string { return p.name }

// PID returns the process id, or NoPID for a nil or unregistered process.
func (p *Process) PID() PID {
	if p == nil {
		return NoPID
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Parent returns the parent's pid, or NoPID once the parent has exited.
func (p *Process) Parent() PID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// AddressSpace returns the current address space, which may be nil.
func (p *Process) AddressSpace() *AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.as
}

// setAddressSpace installs as and returns the previous address space.
func (p *Process) setAddressSpace(as *AddressSpace) *AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.as
	p.as = as
	return old
}

// ExitStatus is the encoded wait status stored by exit.
func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

func (p *Process) setExitStatus(status int) {
	p.mu.Lock()
	p.exitStatus = status
	p.mu.Unlock()
}

// NumThreads counts the threads attached to the process.
func (p *Process) NumThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// Children returns the pids of every child the process has created and
// not yet had reaped.
func (p *Process) Children() []PID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PID, len(p.children))
	for i, c := range p.children {
		out[i] = c.pid
	}
	return out
}

func (p *Process) findChild(pid PID) int {
	for i, c := range p.children {
		if c.pid == pid {
			return i
		}
	}
	return -1
}

func (p *Process) isChild(pid PID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findChild(pid) >= 0
}

// childExited records a child's wait status and wakes every waiter.
func (p *Process) childExited(pid PID, status int) {
	p.mu.Lock()
	if i := p.findChild(pid); i >= 0 {
		p.children[i].exited = true
		p.children[i].status = status
	}
	p.mu.Unlock()

	p.waitMu.Lock()
	p.cond.Broadcast()
	p.waitMu.Unlock()
}

// waitChild blocks until the child pid has exited and returns its status.
func (p *Process) waitChild(pid PID) int {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	for {
		p.mu.Lock()
		i := p.findChild(pid)
		done := i >= 0 && p.children[i].exited
		var status int
		if done {
			status = p.children[i].status
		}
		p.mu.Unlock()
		if done {
			return status
		}
		p.cond.Wait()
	}
}

// ============================================================================
// Process table
// ============================================================================

// ProcTableStats is a snapshot of the process table.
type ProcTableStats struct {
	Slots   int       `json:"slots"`
	Live    int       `json:"live"`
	Zombies int       `json:"zombies"`
	Procs   []ProcRow `json:"procs"`
}

// ProcRow describes one process in a snapshot.
type ProcRow struct {
	PID     PID    `json:"pid"`
	Parent  PID    `json:"parent"`
	Name    string `json:"name"`
	Threads int    `json:"threads"`
	Pages   int    `json:"pages"`
	Zombie  bool   `json:"zombie"`
}

// ProcTable maps pids to processes. Slot 0 holds the kernel process.
//
// Lock order is the table lock, then at most one process lock.
type ProcTable struct {
	mu    sync.Mutex
	slots []*Process
	max   int

	// count of user processes not yet destroyed, and its waiters
	count int
	idle  *sync.Cond
}

// NewProcTable creates a table holding kproc in slot 0. max bounds the
// number of slots; zero means unbounded.
func NewProcTable(kproc *Process, max int) *ProcTable {
	pt := &ProcTable{slots: []*Process{kproc}, max: max}
	pt.idle = sync.NewCond(&pt.mu)
	kproc.mu.Lock()
	kproc.pid = KernelPID
	kproc.mu.Unlock()
	return pt
}

// Register installs p in the lowest free slot above the kernel's and links
// it to parent (NoPID for processes the kernel starts itself).
func (pt *ProcTable) Register(p *Process, parent *Process) (PID, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	slot := -1
	for i := 1; i < len(pt.slots); i++ {
		if pt.slots[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		if pt.max > 0 && len(pt.slots) >= pt.max {
			return NoPID, fmt.Errorf("register %s: %w", p.name, ErrProcTable)
		}
		slot = len(pt.slots)
		pt.slots = append(pt.slots, nil)
	}
	pt.slots[slot] = p
	pid := PID(slot)

	ppid := NoPID
	if parent != nil {
		parent.mu.Lock()
		ppid = parent.pid
		parent.children = append(parent.children, childRecord{pid: pid})
		parent.mu.Unlock()
	}

	p.mu.Lock()
	p.pid = pid
	p.parent = ppid
	p.mu.Unlock()

	pt.count++
	return pid, nil
}

// Lookup returns the process in slot pid, or nil.
func (pt *ProcTable) Lookup(pid PID) *Process {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.lookupLocked(pid)
}

func (pt *ProcTable) lookupLocked(pid PID) *Process {
	if pid < 0 || int(pid) >= len(pt.slots) {
		return nil
	}
	return pt.slots[pid]
}

// unregister undoes Register for a process that never ran.
func (pt *ProcTable) unregister(p *Process) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p.mu.Lock()
	pid, ppid := p.pid, p.parent
	p.pid, p.parent = NoPID, NoPID
	p.mu.Unlock()

	if parent := pt.lookupLocked(ppid); parent != nil {
		parent.mu.Lock()
		if i := parent.findChild(pid); i >= 0 {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
		}
		parent.mu.Unlock()
	}
	if pt.lookupLocked(pid) == p {
		pt.slots[pid] = nil
	}
	pt.dropLocked()
}

// destroy runs the exit bookkeeping of p once its last thread is gone. The
// exit status goes to a living parent, which may reap the slot later; a
// process without a parent is reclaimed at once. Running children are
// orphaned and exited children reaped.
func (pt *ProcTable) destroy(p *Process) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p.mu.Lock()
	pid, ppid, status := p.pid, p.parent, p.exitStatus
	children := append([]childRecord(nil), p.children...)
	p.children = nil
	p.mu.Unlock()

	if pid == KernelPID {
		panic("proc: destroy of the kernel process")
	}

	if parent := pt.lookupLocked(ppid); parent != nil {
		parent.childExited(pid, status)
	}

	for _, c := range children {
		child := pt.lookupLocked(c.pid)
		if child == nil {
			continue
		}
		if c.exited {
			pt.slots[c.pid] = nil
			continue
		}
		child.mu.Lock()
		child.parent = NoPID
		child.mu.Unlock()
	}

	if ppid == NoPID || pt.lookupLocked(ppid) == nil {
		pt.slots[pid] = nil
	}
	pt.dropLocked()
}

func (pt *ProcTable) dropLocked() {
	if pt.count < 1 {
		panic("proc: process count underflow")
	}
	pt.count--
	if pt.count == 0 {
		pt.idle.Broadcast()
	}
}

// Count is the number of user processes that have not yet exited.
func (pt *ProcTable) Count() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.count
}

// WaitIdle blocks until every user process has exited or ctx is done.
func (pt *ProcTable) WaitIdle(ctx context.Context) error {
	// Wake the waiter when ctx ends so it can give up.
	stop := context.AfterFunc(ctx, func() {
		pt.mu.Lock()
		pt.idle.Broadcast()
		pt.mu.Unlock()
	})
	defer stop()

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for pt.count > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		pt.idle.Wait()
	}
	return nil
}

// Wait blocks parent until its child pid exits and returns the child's wait
// status. options must be zero.
func (pt *ProcTable) Wait(parent *Process, pid PID, options int) (int, error) {
	if options != 0 {
		return 0, fmt.Errorf("waitpid options %#x: %w", options, ErrBadOptions)
	}
	if pt.Lookup(pid) == nil {
		return 0, fmt.Errorf("waitpid %d: %w", pid, ErrNoSuchProcess)
	}
	if !parent.isChild(pid) {
		return 0, fmt.Errorf("waitpid %d: %w", pid, ErrNotChild)
	}
	return parent.waitChild(pid), nil
}

// Stats snapshots the table. Zombies are exited processes still holding
// their slot for a living parent.
func (pt *ProcTable) Stats() ProcTableStats {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	st := ProcTableStats{Slots: len(pt.slots), Live: pt.count}
	for i := 1; i < len(pt.slots); i++ {
		p := pt.slots[i]
		if p == nil {
			continue
		}
		p.mu.Lock()
		row := ProcRow{
			PID:     p.pid,
			Parent:  p.parent,
			Name:    p.name,
			Threads: len(p.threads),
			Zombie:  p.exitStatus != MkWaitStop(0),
		}
		if p.as != nil {
			row.Pages = p.as.MappedPages()
		}
		p.mu.Unlock()
		if row.Zombie {
			st.Zombies++
		}
		st.Procs = append(st.Procs, row)
	}
	return st
}
