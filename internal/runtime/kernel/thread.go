package kernel

import (
	"fmt"
)

// Thread is a kernel thread. It runs as its own goroutine, is bound to one
// CPU for its whole life and belongs to at most one process.
type Thread struct {
	name string
	k    *Kernel
	cpu  *CPU
	proc *Process // guarded by proc.mu while attached
}

// Name is the thread name.
func (t *Thread) Name() string { return t.name }

// CPU is the core the thread runs on.
func (t *Thread) CPU() *CPU { return t.cpu }

// Proc returns the process the thread belongs to, or nil once it has
// detached.
func (t *Thread) Proc() *Process {
	if t == nil {
		return nil
	}
	return t.proc
}

// newThread creates a thread bound to the next CPU in round-robin order.
func (k *Kernel) newThread(name string) *Thread {
	n := k.nextCPU.Add(1) - 1
	return &Thread{name: name, k: k, cpu: k.cpus[int(n)%len(k.cpus)]}
}

// addThread attaches t to p.
func (k *Kernel) addThread(p *Process, t *Thread) {
	if t.proc != nil {
		k.Panicf("proc: thread %s already belongs to %s", t.name, t.proc.name)
	}
	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()
	t.proc = p
}

// remThread detaches t from its process. A thread that is missing from its
// process's list is a bookkeeping bug and halts the kernel.
func (k *Kernel) remThread(t *Thread) {
	p := t.proc
	if p == nil {
		k.Panicf("proc: thread %s has no process", t.name)
	}
	p.mu.Lock()
	for i, th := range p.threads {
		if th == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			p.mu.Unlock()
			t.proc = nil
			return
		}
	}
	p.mu.Unlock()
	k.Panicf("proc: thread %s has escaped from its process %s", t.name, p.name)
}

// ThreadFork starts a kernel thread in p running entry. The thread is
// attached to p before it starts.
func (k *Kernel) ThreadFork(name string, p *Process, entry func(t *Thread)) (*Thread, error) {
	if k.stopping.Load() {
		return nil, fmt.Errorf("thread_fork %s: kernel is shutting down: %w", name, EAGAIN)
	}
	t := k.newThread(name)
	if p != nil {
		k.addThread(p, t)
	}
	k.threads.Add(1)
	go func() {
		defer k.threads.Done()
		entry(t)
	}()
	k.procLog.Debug("thread forked", "thread", name, "cpu", t.cpu.ID, "pid", p.PID())
	return t, nil
}

// exitThread is the exit path shared by _exit and fatal faults: it stores the
// wait status, tears down the address space, detaches t and destroys the
// process. t must not touch the process afterwards.
func (k *Kernel) exitThread(t *Thread, status int) {
	p := t.proc
	if p == nil {
		k.Panicf("proc: exit from thread %s with no process", t.name)
	}
	if WIFSIGNALED(status) {
		k.procLog.Info("exit", "pid", p.PID(), "name", p.name, "signal", WTERMSIG(status))
	} else {
		k.procLog.Info("exit", "pid", p.PID(), "name", p.name, "code", WEXITSTATUS(status))
	}

	p.setExitStatus(status)
	t.cpu.Deactivate()
	if as := p.setAddressSpace(nil); as != nil {
		as.Destroy()
	}
	k.remThread(t)
	k.procs.destroy(p)
}
