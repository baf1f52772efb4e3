//go:build unix

package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapPhysical backs simulated physical memory with an anonymous private
// mapping so frames are untouched (and zero) until first use.
func mapPhysical(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes of physical memory: %w", size, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
