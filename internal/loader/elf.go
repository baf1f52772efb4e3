// Package loader reads 32-bit big-endian MIPS ELF executables into an
// address space.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotExecutable reports an image the loader cannot run.
var ErrNotExecutable = errors.New("loader: not a runnable executable")

// Target is the address space being loaded. The loader declares every
// loadable segment as a region, brackets the copy with PrepareLoad and
// CompleteLoad, and copies segment contents with WriteAt.
type Target interface {
	DefineRegion(vaddr, size uint32, readable, writable, executable bool) error
	PrepareLoad() error
	WriteAt(p []byte, vaddr uint32) error
	CompleteLoad() error
}

// Load loads the executable in r into t and returns its entry point.
func Load(r io.ReaderAt, t Target) (uint32, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	defer f.Close()

	switch {
	case f.Class != elf.ELFCLASS32:
		return 0, fmt.Errorf("%w: class %v", ErrNotExecutable, f.Class)
	case f.Data != elf.ELFDATA2MSB:
		return 0, fmt.Errorf("%w: byte order %v", ErrNotExecutable, f.Data)
	case f.Machine != elf.EM_MIPS:
		return 0, fmt.Errorf("%w: machine %v", ErrNotExecutable, f.Machine)
	case f.Type != elf.ET_EXEC:
		return 0, fmt.Errorf("%w: type %v", ErrNotExecutable, f.Type)
	}

	var segs []*elf.Prog
	for i, p := range f.Progs {
		switch p.Type {
		case elf.PT_NULL, elf.PT_PHDR, elf.PT_MIPS_REGINFO:
			continue
		case elf.PT_LOAD:
		default:
			return 0, fmt.Errorf("%w: segment %d has unknown type %v", ErrNotExecutable, i, p.Type)
		}
		if p.Filesz > p.Memsz {
			return 0, fmt.Errorf("%w: segment %d file size exceeds memory size", ErrNotExecutable, i)
		}
		err := t.DefineRegion(uint32(p.Vaddr), uint32(p.Memsz),
			p.Flags&elf.PF_R != 0, p.Flags&elf.PF_W != 0, p.Flags&elf.PF_X != 0)
		if err != nil {
			return 0, fmt.Errorf("segment %d: %w", i, err)
		}
		segs = append(segs, p)
	}

	if err := t.PrepareLoad(); err != nil {
		return 0, err
	}
	for _, p := range segs {
		if p.Filesz == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: read segment at %#x: %v", ErrNotExecutable, p.Vaddr, err)
		}
		if err := t.WriteAt(data, uint32(p.Vaddr)); err != nil {
			return 0, fmt.Errorf("load segment at %#x: %w", p.Vaddr, err)
		}
	}
	if err := t.CompleteLoad(); err != nil {
		return 0, err
	}
	return uint32(f.Entry), nil
}

// Segment describes one loadable segment for Build.
type Segment struct {
	Vaddr   uint32
	Data    []byte
	MemSize uint32 // at least len(Data); the rest is zero filled
	Flags   elf.ProgFlag
}

// Build assembles a minimal executable with the given entry point and
// segments, suitable for Load.
func Build(entry uint32, segs ...Segment) []byte {
	const (
		ehsize    = 52
		phentsize = 32
	)

	var buf bytes.Buffer
	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_MIPS),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(segs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	_ = binary.Write(&buf, binary.BigEndian, &hdr)

	off := uint32(ehsize + phentsize*len(segs))
	for _, s := range segs {
		memsz := max(s.MemSize, uint32(len(s.Data)))
		ph := elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint32(len(s.Data)),
			Memsz:  memsz,
			Flags:  uint32(s.Flags),
			Align:  4096,
		}
		_ = binary.Write(&buf, binary.BigEndian, &ph)
		off += uint32(len(s.Data))
	}
	for _, s := range segs {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}
