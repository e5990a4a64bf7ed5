package loader_test

import (
	"encoding/binary"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/loader"
)

const (
	machineX86    = 62
	machineARM64  = 183
	flagsCode     = 0x5 // PF_R | PF_X
	flagsReadData = 0x6 // PF_R | PF_W
)

type testSegment struct {
	addr    uint64
	flags   uint32
	data    []byte
	memSize uint64
}

// writeELF writes a 64-bit little-endian executable with one PT_LOAD per
// segment and no section headers.
func writeELF(path string, machine uint16, entry uint64, segs ...testSegment) {
	const (
		ehsize    = 64
		phentsize = 56
	)

	hdr := make([]byte, ehsize)
	copy(hdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // little endian
	hdr[6] = 1
	binary.LittleEndian.PutUint16(hdr[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(hdr[18:20], machine)
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	binary.LittleEndian.PutUint64(hdr[24:32], entry)
	binary.LittleEndian.PutUint64(hdr[32:40], ehsize)
	binary.LittleEndian.PutUint16(hdr[52:54], ehsize)
	binary.LittleEndian.PutUint16(hdr[54:56], phentsize)
	binary.LittleEndian.PutUint16(hdr[56:58], uint16(len(segs)))
	binary.LittleEndian.PutUint16(hdr[58:60], 64)

	out := append([]byte(nil), hdr...)
	offset := uint64(ehsize + phentsize*len(segs))
	var body []byte

	for _, s := range segs {
		memSize := s.memSize
		if memSize == 0 {
			memSize = uint64(len(s.data))
		}

		ph := make([]byte, phentsize)
		binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
		binary.LittleEndian.PutUint32(ph[4:8], s.flags)
		binary.LittleEndian.PutUint64(ph[8:16], offset)
		binary.LittleEndian.PutUint64(ph[16:24], s.addr)
		binary.LittleEndian.PutUint64(ph[24:32], s.addr)
		binary.LittleEndian.PutUint64(ph[32:40], uint64(len(s.data)))
		binary.LittleEndian.PutUint64(ph[40:48], memSize)
		binary.LittleEndian.PutUint64(ph[48:56], 0x1000)

		out = append(out, ph...)
		body = append(body, s.data...)
		offset += uint64(len(s.data))
	}

	Expect(os.WriteFile(path, append(out, body...), 0644)).To(Succeed())
}

var _ = Describe("ELF Loader", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	code := []byte{
		0x01, 0xc3, // add ebx, eax
		0x75, 0xfc, // jne -4
	}

	Describe("Load", func() {
		It("should load an x86-64 executable", func() {
			path := filepath.Join(dir, "a.out")
			writeELF(path, machineX86, 0x401000,
				testSegment{addr: 0x401000, flags: flagsCode, data: code})

			prog, err := loader.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.EntryPoint).To(Equal(uint64(0x401000)))
			Expect(prog.Segments).To(HaveLen(1))
			Expect(prog.Segments[0].Data).To(Equal(code))
			Expect(prog.Segments[0].Executable()).To(BeTrue())
			Expect(prog.Segments[0].Flags & loader.SegmentFlagWrite).To(BeZero())
		})

		It("should keep BSS sizes", func() {
			path := filepath.Join(dir, "bss.out")
			writeELF(path, machineX86, 0x401000,
				testSegment{addr: 0x401000, flags: flagsCode, data: code},
				testSegment{addr: 0x600000, flags: flagsReadData, data: []byte{1, 2}, memSize: 0x100})

			prog, err := loader.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.Segments).To(HaveLen(2))
			Expect(prog.Segments[1].MemSize).To(Equal(uint64(0x100)))
			Expect(prog.Segments[1].Executable()).To(BeFalse())
		})

		It("should reject other machines", func() {
			path := filepath.Join(dir, "arm.out")
			writeELF(path, machineARM64, 0x400000,
				testSegment{addr: 0x400000, flags: flagsCode, data: []byte{0xc0, 0x03, 0x5f, 0xd6}})

			_, err := loader.Load(path)
			Expect(err).To(MatchError(ContainSubstring("not an x86-64 ELF")))
		})

		It("should reject files that are not ELF", func() {
			path := filepath.Join(dir, "text")
			Expect(os.WriteFile(path, []byte("not an elf file"), 0644)).To(Succeed())

			_, err := loader.Load(path)
			Expect(err).To(MatchError(ContainSubstring("failed to open ELF file")))
		})

		It("should report missing files", func() {
			_, err := loader.Load(filepath.Join(dir, "missing"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Image", func() {
		var img *loader.Image

		BeforeEach(func() {
			long := make([]byte, 32)
			for i := range long {
				long[i] = 0x90
			}

			img = loader.NewImage(&loader.Program{Segments: []loader.Segment{
				{VirtAddr: 0x500000, Data: long, Flags: loader.SegmentFlagExecute},
				{VirtAddr: 0x401000, Data: code, Flags: loader.SegmentFlagExecute},
				{VirtAddr: 0x600000, Data: []byte{1, 2, 3}, Flags: loader.SegmentFlagRead},
			}})
		})

		It("should return bytes from executable segments", func() {
			b, ok := img.Code(0x401002)
			Expect(ok).To(BeTrue())
			Expect(b).To(Equal([]byte{0x75, 0xfc}))
		})

		It("should cap the window at the longest encoding", func() {
			b, ok := img.Code(0x500000)
			Expect(ok).To(BeTrue())
			Expect(b).To(HaveLen(loader.MaxInstLen))
		})

		It("should miss outside code", func() {
			_, ok := img.Code(0x400fff)
			Expect(ok).To(BeFalse())

			_, ok = img.Code(0x401004)
			Expect(ok).To(BeFalse())

			_, ok = img.Code(0x600000)
			Expect(ok).To(BeFalse())
		})
	})
})
