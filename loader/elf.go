// Package loader reads x86-64 ELF executables into a code image that the
// oracle cracks wrong-path instructions from.
package loader

import (
	"debug/elf"
	"fmt"
	"io"
	"sort"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the virtual address where this segment should be loaded.
	VirtAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Executable reports whether the segment holds code.
func (s *Segment) Executable() bool {
	return s.Flags&SegmentFlagExecute != 0
}

// Program is a loaded executable.
type Program struct {
	EntryPoint uint64
	Segments   []Segment
}

// Load parses an x86-64 ELF executable.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("not a 64-bit ELF file")
	}

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("not an x86-64 ELF file (machine type: %v)", f.Machine)
	}

	prog := &Program{EntryPoint: f.Entry}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  phdr.Memsz,
			Flags:    flags,
		})
	}

	return prog, nil
}

// MaxInstLen is the longest x86 instruction encoding.
const MaxInstLen = 15

// Image serves instruction bytes from the executable segments of a program.
type Image struct {
	segs []Segment
}

// NewImage indexes the executable segments of prog.
func NewImage(prog *Program) *Image {
	img := &Image{}
	for _, s := range prog.Segments {
		if s.Executable() && len(s.Data) > 0 {
			img.segs = append(img.segs, s)
		}
	}

	sort.Slice(img.segs, func(i, j int) bool {
		return img.segs[i].VirtAddr < img.segs[j].VirtAddr
	})

	return img
}

// Code returns up to MaxInstLen bytes starting at pc. The slice is shorter
// near the end of a segment. It aliases the image and must not be modified.
func (img *Image) Code(pc uint64) ([]byte, bool) {
	i := sort.Search(len(img.segs), func(i int) bool {
		return img.segs[i].VirtAddr > pc
	}) - 1
	if i < 0 {
		return nil, false
	}

	s := &img.segs[i]
	off := pc - s.VirtAddr
	if off >= uint64(len(s.Data)) {
		return nil, false
	}

	end := min(off+MaxInstLen, uint64(len(s.Data)))

	return s.Data[off:end], true
}
