package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x86sim/insts"
)

var (
	rax = insts.Reg(x86asm.RAX)
	rbx = insts.Reg(x86asm.RBX)
	rcx = insts.Reg(x86asm.RCX)
	rsi = insts.Reg(x86asm.RSI)
	rdi = insts.Reg(x86asm.RDI)
	rsp = insts.Reg(x86asm.RSP)
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	decode := func(pc uint64, code ...byte) *insts.Instruction {
		inst, err := decoder.Decode(pc, code)
		Expect(err).NotTo(HaveOccurred())
		return inst
	}

	Describe("ALU forms", func() {
		// add ebx, eax -> 01 c3
		It("should crack a register add into one uop", func() {
			inst := decode(0x401003, 0x01, 0xc3)

			Expect(inst.Op).To(Equal("ADD"))
			Expect(inst.Len).To(Equal(2))
			Expect(inst.Flow).To(HaveLen(1))
			Expect(inst.Flow[0].Class).To(Equal(insts.ClassALU))
			Expect(inst.Flow[0].Idep[:2]).To(Equal([]insts.Reg{rbx, rax}))
			Expect(inst.Flow[0].Odep).To(Equal([insts.MaxOdeps]insts.Reg{rbx, insts.RegFlags}))
		})

		// lea rax, [rsi+rcx*4] -> 48 8d 04 8e
		It("should crack LEA without a memory access", func() {
			inst := decode(0, 0x48, 0x8d, 0x04, 0x8e)

			Expect(inst.Flow).To(HaveLen(1))
			Expect(inst.Flow[0].IsLoad).To(BeFalse())
			Expect(inst.Flow[0].Idep[:2]).To(Equal([]insts.Reg{rsi, rcx}))
			Expect(inst.Flow[0].Odep[0]).To(Equal(rax))
		})

		// nop -> 90
		It("should crack NOP into a nop uop", func() {
			inst := decode(0, 0x90)

			Expect(inst.Flow).To(HaveLen(1))
			Expect(inst.Flow[0].Class).To(Equal(insts.ClassNop))
		})
	})

	Describe("memory forms", func() {
		// mov eax, [rsi+rcx*4] -> 8b 04 8e
		It("should crack a load move into a single load", func() {
			inst := decode(0x401000, 0x8b, 0x04, 0x8e)

			Expect(inst.Flow).To(HaveLen(1))
			Expect(inst.Flow[0].IsLoad).To(BeTrue())
			Expect(inst.Flow[0].MemSlot).To(Equal(0))
			Expect(inst.Flow[0].Idep[:2]).To(Equal([]insts.Reg{rsi, rcx}))
			Expect(inst.Flow[0].Odep[0]).To(Equal(rax))
		})

		// mov [rdi+8], ebx -> 89 5f 08
		It("should crack a store into STA and STD", func() {
			inst := decode(0x401008, 0x89, 0x5f, 0x08)

			Expect(inst.Flow).To(HaveLen(2))
			Expect(inst.Flow[0].IsSTA).To(BeTrue())
			Expect(inst.Flow[0].Idep[0]).To(Equal(rdi))
			Expect(inst.Flow[1].IsSTD).To(BeTrue())
			Expect(inst.Flow[1].Idep[0]).To(Equal(rbx))
		})

		// add dword [rdi], 1 -> 83 07 01
		It("should crack read-modify-write into load, op, STA, STD", func() {
			inst := decode(0x401005, 0x83, 0x07, 0x01)

			Expect(inst.Flow).To(HaveLen(4))
			Expect(inst.Flow[0].IsLoad).To(BeTrue())
			Expect(inst.Flow[1].Idep[0]).To(Equal(insts.RegTmp0))
			Expect(inst.Flow[1].Odep[0]).To(Equal(insts.RegTmp1))
			Expect(inst.Flow[2].IsSTA).To(BeTrue())
			Expect(inst.Flow[3].IsSTD).To(BeTrue())
			Expect(inst.Flow[3].Idep[0]).To(Equal(insts.RegTmp1))
			for _, u := range inst.Flow {
				Expect(u.FuseNext).To(BeFalse())
			}
		})

		It("should fuse load-op and STA-STD pairs when enabled", func() {
			decoder = insts.NewDecoder(
				insts.WithLoadOpFusion(true),
				insts.WithStoreFusion(true))

			inst := decode(0x401005, 0x83, 0x07, 0x01)

			Expect(inst.Flow[0].FuseNext).To(BeTrue())
			Expect(inst.Flow[1].FuseNext).To(BeFalse())
			Expect(inst.Flow[2].FuseNext).To(BeTrue())
			Expect(inst.Flow[3].FuseNext).To(BeFalse())
		})
	})

	Describe("control flow", func() {
		// jne 0x401000 at 0x401011 -> 75 ed
		It("should compute the direct target of a conditional jump", func() {
			inst := decode(0x401011, 0x75, 0xed)

			Expect(inst.Flags.Ctrl).To(BeTrue())
			Expect(inst.Flags.Cond).To(BeTrue())
			Expect(inst.TargetKnown).To(BeTrue())
			Expect(inst.Target).To(Equal(uint64(0x401000)))
			Expect(inst.Flow).To(HaveLen(1))
			Expect(inst.Flow[0].IsCtrl).To(BeTrue())
			Expect(inst.Flow[0].Idep[0]).To(Equal(insts.RegFlags))
		})

		// call +0x10 -> e8 10 00 00 00
		It("should crack a call into a push and a branch", func() {
			inst := decode(0x1000, 0xe8, 0x10, 0x00, 0x00, 0x00)

			Expect(inst.Flags.Call).To(BeTrue())
			Expect(inst.Flags.Uncond).To(BeTrue())
			Expect(inst.Target).To(Equal(uint64(0x1015)))
			Expect(inst.Flow).To(HaveLen(4))
			Expect(inst.Flow[0].IsSTA).To(BeTrue())
			Expect(inst.Flow[2].Odep[0]).To(Equal(rsp))
			Expect(inst.Flow[3].IsCtrl).To(BeTrue())
		})

		// ret -> c3
		It("should crack a return into load, stack update, and indirect branch", func() {
			inst := decode(0x2000, 0xc3)

			Expect(inst.Flags.Ret).To(BeTrue())
			Expect(inst.Flags.Indir).To(BeTrue())
			Expect(inst.TargetKnown).To(BeFalse())
			Expect(inst.Flow).To(HaveLen(3))
			Expect(inst.Flow[0].IsLoad).To(BeTrue())
			Expect(inst.Flow[2].Idep[0]).To(Equal(insts.RegTmp0))
		})

		// jmp rax -> ff e0
		It("should mark register jumps indirect", func() {
			inst := decode(0, 0xff, 0xe0)

			Expect(inst.Flags.Indir).To(BeTrue())
			Expect(inst.Flow[0].Idep[0]).To(Equal(rax))
		})
	})

	Describe("string operations", func() {
		// rep movsb -> f3 a4
		It("should detect the REP prefix", func() {
			inst := decode(0x401013, 0xf3, 0xa4)

			Expect(inst.HasRep).To(BeTrue())
			Expect(inst.Flow).To(HaveLen(6))
			Expect(inst.Flow[5].Odep[0]).To(Equal(rcx))
		})

		// movsb -> a4
		It("should crack a plain MOVS without the counter update", func() {
			inst := decode(0, 0xa4)

			Expect(inst.HasRep).To(BeFalse())
			Expect(inst.Flow).To(HaveLen(5))
			Expect(inst.NumMemSlots()).To(Equal(2))
		})
	})

	Describe("microcode, traps, and serialization", func() {
		// cpuid -> 0f a2
		It("should sequence CPUID from microcode and mark it serializing", func() {
			inst := decode(0, 0x0f, 0xa2)

			Expect(inst.Microcoded).To(BeTrue())
			Expect(inst.Flags.Serialize).To(BeTrue())
			Expect(inst.Flow).To(HaveLen(24))
			Expect(inst.Flow[0].Idep[0]).To(Equal(rax))
		})

		It("should clamp flows to the maximum length", func() {
			decoder = insts.NewDecoder(insts.WithMaxFlowLength(8))

			inst := decode(0, 0x0f, 0xa2)

			Expect(inst.Flow).To(HaveLen(8))
		})

		// syscall -> 0f 05
		It("should mark SYSCALL as a trap", func() {
			inst := decode(0, 0x0f, 0x05)

			Expect(inst.Flags.Trap).To(BeTrue())
			Expect(inst.Flow).To(HaveLen(1))
		})

		// mfence -> 0f ae f0
		It("should mark MFENCE serializing", func() {
			inst := decode(0, 0x0f, 0xae, 0xf0)

			Expect(inst.Flags.Serialize).To(BeTrue())
			Expect(inst.Microcoded).To(BeFalse())
		})
	})

	It("should report truncated encodings", func() {
		_, err := decoder.Decode(0x10, []byte{0x0f})
		Expect(err).To(HaveOccurred())
	})

	It("should build a generic placeholder", func() {
		inst := decoder.Generic(0x10, 3)

		Expect(inst.Len).To(Equal(3))
		Expect(inst.Flow).To(HaveLen(1))
		Expect(inst.Flow[0].MemSlot).To(Equal(-1))
	})
})
