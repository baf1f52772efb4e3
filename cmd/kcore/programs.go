package main

import (
	"debug/elf"
	"log/slog"

	"github.com/orizon-lang/kcore/internal/loader"
	"github.com/orizon-lang/kcore/internal/runtime/kernel"
)

// Layout shared by the built-in images: one read-only text page and one
// writable data page.
const (
	textBase kernel.VirtAddr = 0x00400000
	dataBase kernel.VirtAddr = 0x10000000
)

type builtin struct {
	path string
	main kernel.Program
}

func builtins(log *slog.Logger) []builtin {
	return []builtin{
		{"/bin/true", func(*kernel.User) int { return 0 }},
		{"/bin/false", func(*kernel.User) int { return 1 }},
		{"/bin/hello", hello(log)},
		{"/bin/forktest", forktest(log)},
		{"/bin/exectest", exectest(log)},
		{"/bin/faulter", faulter},
	}
}

// image builds the executable for a built-in program. The text segment
// carries the program path so images differ on disk.
func image(path string) []byte {
	return loader.Build(uint32(textBase),
		loader.Segment{Vaddr: uint32(textBase), Data: []byte("kcore:" + path), Flags: elf.PF_R | elf.PF_X},
		loader.Segment{Vaddr: uint32(dataBase), MemSize: kernel.PageSize, Flags: elf.PF_R | elf.PF_W},
	)
}

func hello(log *slog.Logger) kernel.Program {
	return func(u *kernel.User) int {
		log.Info("hello", "pid", u.Getpid(), "args", u.Args())
		return 0
	}
}

// forktest forks children that each scribble over the shared data page and
// exit with their index. The parent checks every status and that its own
// copy of the page was left alone.
func forktest(log *slog.Logger) kernel.Program {
	return func(u *kernel.User) int {
		const children = 4
		const marker = 0xfeedface

		u.StoreWord(dataBase, marker)
		pids := make([]kernel.PID, 0, children)
		for i := 0; i < children; i++ {
			pid, err := u.Fork(func(c *kernel.User) int {
				c.StoreWord(dataBase, uint32(i))
				if c.LoadWord(dataBase) != uint32(i) {
					return 100
				}
				return i + 1
			})
			if err != nil {
				log.Error("forktest: fork failed", "err", err)
				return 1
			}
			pids = append(pids, pid)
		}

		for i, pid := range pids {
			status, err := u.Wait(pid)
			if err != nil {
				log.Error("forktest: waitpid failed", "pid", pid, "err", err)
				return 2
			}
			if !kernel.WIFEXITED(status) || kernel.WEXITSTATUS(status) != i+1 {
				log.Error("forktest: bad child status", "pid", pid, "status", status)
				return 2
			}
		}
		if got := u.LoadWord(dataBase); got != marker {
			log.Error("forktest: parent page changed", "got", got)
			return 3
		}
		log.Info("forktest passed", "pid", u.Getpid(), "children", children)
		return 0
	}
}

// exectest checks that a failed exec leaves the caller running, then execs
// /bin/hello in a child.
func exectest(log *slog.Logger) kernel.Program {
	return func(u *kernel.User) int {
		if err := u.Exec("/bin/does-not-exist"); kernel.ErrnoOf(err) != kernel.ENOENT {
			log.Error("exectest: exec of missing program", "err", err)
			return 1
		}

		pid, err := u.Fork(func(c *kernel.User) int {
			err := c.Exec("/bin/hello", "hello", "from", "exec")
			log.Error("exectest: exec returned", "err", err)
			return 10
		})
		if err != nil {
			log.Error("exectest: fork failed", "err", err)
			return 2
		}
		status, err := u.Wait(pid)
		if err != nil || !kernel.WIFEXITED(status) || kernel.WEXITSTATUS(status) != 0 {
			log.Error("exectest: child failed", "pid", pid, "status", status, "err", err)
			return 3
		}
		log.Info("exectest passed", "pid", u.Getpid())
		return 0
	}
}

// faulter stores into its own text segment and is killed for it.
func faulter(u *kernel.User) int {
	u.Store([]byte{0}, textBase)
	return 0
}
