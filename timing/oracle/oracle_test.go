package oracle_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/feeder"
	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/timing/bpred"
	"github.com/sarchlab/x86sim/timing/config"
	"github.com/sarchlab/x86sim/timing/oracle"
	"github.com/sarchlab/x86sim/timing/uarch"
	"golang.org/x/arch/x86/x86asm"
)

type recordingPipeline struct {
	recovered []uint64
	recoverPC []uint64
	flushedTo []uint64
}

func (p *recordingPipeline) RecoverPipe(m *uarch.Mop, pc uint64) {
	p.recovered = append(p.recovered, m.Oracle.Seq)
	p.recoverPC = append(p.recoverPC, pc)
}

func (p *recordingPipeline) FlushPipe(pc uint64) {
	p.flushedTo = append(p.flushedTo, pc)
}

type mapImage map[uint64][]byte

func (img mapImage) Code(pc uint64) ([]byte, bool) {
	b, ok := img[pc]
	return b, ok
}

func bufferOf(hs ...feeder.Handshake) *feeder.Buffer {
	b := feeder.NewBuffer(len(hs) + 1)
	for _, h := range hs {
		Expect(b.Push(context.Background(), h)).To(Succeed())
	}
	b.Close()

	return b
}

func commitMop(o *oracle.Oracle, m *uarch.Mop) {
	for i := range m.Flow {
		o.CommitUop(&m.Flow[i])
	}
	o.Commit(m)
}

var (
	// mov eax, [rsi+rcx*4]
	hLoad = feeder.Handshake{
		PC: 0x401000, NPC: 0x401003, TPC: 0x401003,
		Code: feeder.Code{0x8b, 0x04, 0x8e},
		Mem:  []feeder.MemAccess{{Addr: 0x600000, Size: 4}},
	}
	// add ebx, eax
	hAdd = feeder.Handshake{
		PC: 0x401003, NPC: 0x401005, TPC: 0x401005,
		Code: feeder.Code{0x01, 0xc3},
	}
	// add dword [rdi], 1
	hRMW = feeder.Handshake{
		PC: 0x401005, NPC: 0x401008, TPC: 0x401008,
		Code: feeder.Code{0x83, 0x07, 0x01},
		Mem: []feeder.MemAccess{
			{Addr: 0x700000, Size: 4},
			{Addr: 0x700000, Size: 4},
		},
	}
)

var _ = Describe("Oracle", func() {
	var (
		ctx   *uarch.Context
		knobs config.OracleKnobs
		pipe  *recordingPipeline
	)

	newOracle := func(buf *feeder.Buffer, opts ...oracle.Option) *oracle.Oracle {
		opts = append([]oracle.Option{oracle.WithPipeline(pipe)}, opts...)
		return oracle.New(ctx, knobs, buf, opts...)
	}

	execConsume := func(o *oracle.Oracle, pc uint64) *uarch.Mop {
		m := o.Exec(pc)
		Expect(m).NotTo(BeNil())
		o.Consume(m)
		return m
	}

	BeforeEach(func() {
		knobs = config.DefaultKnobs().Oracle
		knobs.MopQSize = 8
		knobs.ShadowSize = 16
		ctx = uarch.NewContext(0, uarch.NewArena(knobs.MopQSize, knobs.MaxFlowLength), nil)
		pipe = &recordingPipeline{}
	})

	It("should return nil while the feeder is empty", func() {
		o := newOracle(feeder.NewBuffer(1))

		Expect(o.CanExec()).To(BeTrue())
		Expect(o.Exec(0x401000)).To(BeNil())
		Expect(o.MopQNum()).To(Equal(0))
	})

	It("should execute the correct path", func() {
		o := newOracle(bufferOf(hLoad, hAdd))

		pc, ok := o.PendingPC()
		Expect(ok).To(BeTrue())
		Expect(pc).To(Equal(uint64(0x401000)))

		m := o.Exec(0x401000)
		Expect(m).NotTo(BeNil())
		Expect(m.Oracle.Seq).To(Equal(uint64(1)))
		Expect(m.Oracle.SpecMode).To(BeFalse())
		Expect(m.Fetch.FtPC).To(Equal(uint64(0x401003)))
		Expect(m.Oracle.NextPC).To(Equal(uint64(0x401003)))
		Expect(m.Flow).To(HaveLen(1))
		Expect(m.Flow[0].Decode.IsLoad).To(BeTrue())
		Expect(m.Flow[0].Exec.MemAddr).To(Equal(uint64(0x600000)))
		Expect(m.Flow[0].Decode.BOM).To(BeTrue())
		Expect(m.Flow[0].Decode.EOM).To(BeTrue())
	})

	It("should count handshakes missing memory accesses", func() {
		short := hRMW
		short.Mem = hRMW.Mem[:1]
		o := newOracle(bufferOf(hLoad, hAdd, short))

		execConsume(o, 0x401000)
		execConsume(o, 0x401003)
		Expect(o.Stats().MemMismatches).To(BeZero())

		execConsume(o, 0x401005)
		Expect(o.Stats().MemMismatches).To(Equal(uint64(1)))
	})

	It("should hold the unconsumed Mop", func() {
		o := newOracle(bufferOf(hLoad, hAdd))

		m := o.Exec(0x401000)
		Expect(o.CanExec()).To(BeFalse())
		Expect(o.Exec(0x401000)).To(BeIdenticalTo(m))

		o.Consume(m)
		Expect(o.CanExec()).To(BeTrue())
	})

	It("should stop when the MopQ is full", func() {
		knobs.MopQSize = 1
		ctx = uarch.NewContext(0, uarch.NewArena(1, knobs.MaxFlowLength), nil)
		o := newOracle(bufferOf(hLoad, hAdd))

		execConsume(o, 0x401000)
		Expect(o.CanExec()).To(BeFalse())
	})

	It("should link consumers to the youngest producer", func() {
		o := newOracle(bufferOf(hLoad, hAdd))

		load := execConsume(o, 0x401000)
		add := execConsume(o, 0x401003)

		rax := insts.Reg(x86asm.RAX)
		Expect(o.Producers(rax)).To(ConsistOf(load.Flow[0].ID))
		Expect(add.Flow[0].Exec.Idep).To(ContainElement(load.Flow[0].ID))
		Expect(ctx.Arena.Consumers(load.Flow[0].ID)).To(ConsistOf(add.Flow[0].ID))
	})

	It("should fuse load-op and store uops", func() {
		o := newOracle(bufferOf(hRMW))

		m := execConsume(o, 0x401005)

		Expect(m.Flow).To(HaveLen(4))
		Expect(m.Stat.NumUops).To(Equal(2))
		Expect(m.Stat.NumEffUops).To(Equal(4))
		Expect(m.Stat.NumLoads).To(Equal(1))
		Expect(m.Stat.NumRefs).To(Equal(2))

		head := &m.Flow[0]
		Expect(head.Decode.IsFusionHead).To(BeTrue())
		Expect(head.Decode.FusionSize).To(Equal(2))
		Expect(head.Decode.FusionNext).To(Equal(m.Flow[1].ID))
		Expect(m.Flow[1].Decode.FusionHead).To(Equal(head.ID))
		Expect(m.Flow[1].Decode.IsFusionHead).To(BeFalse())
		Expect(m.Flow[2].Decode.IsFusionHead).To(BeTrue())
		Expect(m.Flow[2].Exec.MemAddr).To(Equal(uint64(0x700000)))
	})

	It("should commit in order and release mappings", func() {
		o := newOracle(bufferOf(hLoad, hAdd))

		load := execConsume(o, 0x401000)
		add := execConsume(o, 0x401003)

		commitMop(o, load)
		Expect(add.Flow[0].Exec.Idep).NotTo(ContainElement(load.Flow[0].ID))
		commitMop(o, add)

		Expect(o.MopQNum()).To(Equal(0))
		Expect(o.Producers(insts.Reg(x86asm.RAX))).To(BeEmpty())
		Expect(ctx.Arena.LiveEdges()).To(Equal(0))
		Expect(o.Drained()).To(BeTrue())
		Expect(o.Histogram().Count("MOV")).To(Equal(uint64(1)))
	})

	It("should panic when committing out of order", func() {
		o := newOracle(bufferOf(hLoad, hAdd))

		execConsume(o, 0x401000)
		add := execConsume(o, 0x401003)

		Expect(func() { o.Commit(add) }).To(PanicWith(BeAssignableToTypeOf(&uarch.InvariantError{})))
	})

	Context("on a wrong path", func() {
		It("should enter spec mode without consuming the feeder", func() {
			o := newOracle(bufferOf(hLoad, hAdd))

			load := execConsume(o, 0x401000)
			spec := execConsume(o, 0x401010)

			Expect(spec.Oracle.SpecMode).To(BeTrue())
			Expect(o.SpecMode()).To(BeTrue())
			Expect(spec.Decode.Op).To(Equal("NOP"))
			Expect(spec.Oracle.NextPC).To(Equal(uint64(0x401011)))

			pc, ok := o.PendingPC()
			Expect(ok).To(BeTrue())
			Expect(pc).To(Equal(uint64(0x401003)))

			o.Recover(load)
			Expect(o.SpecMode()).To(BeFalse())
			Expect(o.MopQNum()).To(Equal(1))

			add := execConsume(o, 0x401003)
			Expect(add.Oracle.SpecMode).To(BeFalse())
			Expect(add.Oracle.Seq).To(Equal(uint64(3)))
		})

		It("should crack wrong-path code seen before", func() {
			o := newOracle(bufferOf(hLoad, hAdd, hLoad, hRMW))

			first := execConsume(o, 0x401000)
			execConsume(o, 0x401003)
			commitMop(o, first)

			again := execConsume(o, 0x401000)
			Expect(again.Oracle.SpecMode).To(BeFalse())

			wrong := execConsume(o, 0x401003)
			Expect(wrong.Oracle.SpecMode).To(BeTrue())
			Expect(wrong.Decode.Op).To(Equal("ADD"))
		})

		It("should crack wrong-path code from the code image", func() {
			img := mapImage{
				// jmp rel32 followed by padding
				0x402000: {0xe9, 0xfb, 0x0f, 0x00, 0x00, 0x90, 0x90},
			}
			o := newOracle(bufferOf(hLoad, hAdd), oracle.WithCodeImage(img))

			execConsume(o, 0x401000)
			wrong := execConsume(o, 0x402000)

			Expect(wrong.Oracle.SpecMode).To(BeTrue())
			Expect(wrong.Decode.Op).To(Equal("JMP"))
			Expect(wrong.Fetch.FtPC).To(Equal(uint64(0x402005)))
			Expect(wrong.Oracle.NextPC).To(Equal(uint64(0x403000)))

			junk := execConsume(o, 0x403000)
			Expect(junk.Decode.Op).To(Equal("NOP"))
		})

		It("should fall back to a NOP for a truncated code image tail", func() {
			img := mapImage{0x402000: {0x0f}}
			o := newOracle(bufferOf(hLoad, hAdd), oracle.WithCodeImage(img))

			execConsume(o, 0x401000)
			wrong := execConsume(o, 0x402000)

			Expect(wrong.Oracle.SpecMode).To(BeTrue())
			Expect(wrong.Decode.Op).To(Equal("NOP"))
			Expect(wrong.Fetch.FtPC).To(Equal(uint64(0x402001)))
		})

		It("should purge wrong-path stores on recovery", func() {
			o := newOracle(bufferOf(hRMW, hLoad, hAdd))

			rmw := execConsume(o, 0x401005)
			commitMop(o, rmw)

			load := execConsume(o, 0x401000)
			execConsume(o, 0x401005)
			Expect(o.SpecStores()).To(Equal(1))

			o.Recover(load)
			Expect(o.SpecStores()).To(Equal(0))
		})

		It("should count repeated wrong-path stores to one address", func() {
			o := newOracle(bufferOf(hRMW, hLoad, hAdd))

			rmw := execConsume(o, 0x401005)
			commitMop(o, rmw)

			load := execConsume(o, 0x401000)
			execConsume(o, 0x401005)
			execConsume(o, 0x401005)
			Expect(o.SpecStores()).To(Equal(1))

			Expect(func() { o.Recover(load) }).NotTo(Panic())
			Expect(o.SpecStores()).To(Equal(0))
		})
	})

	Context("when recovering", func() {
		It("should unroll mappings and edges of younger Mops", func() {
			o := newOracle(bufferOf(hLoad, hAdd, hRMW))

			load := execConsume(o, 0x401000)
			edges := ctx.Arena.LiveEdges()
			add := execConsume(o, 0x401003)
			execConsume(o, 0x401005)

			o.PipeRecover(load, 0x401003)

			Expect(pipe.recovered).To(Equal([]uint64{1}))
			Expect(pipe.recoverPC).To(Equal([]uint64{0x401003}))
			Expect(o.MopQNum()).To(Equal(1))
			Expect(add.Valid).To(BeFalse())
			Expect(ctx.Arena.LiveEdges()).To(Equal(edges))
			Expect(o.Producers(insts.Reg(x86asm.RBX))).To(BeEmpty())
			Expect(o.Producers(insts.Reg(x86asm.RAX))).To(ConsistOf(load.Flow[0].ID))
			Expect(o.OnNukeRecoveryPath()).To(BeTrue())
			Expect(o.MopsBeforeFeeder()).To(Equal(2))

			replay := execConsume(o, 0x401003)
			Expect(replay.Oracle.SpecMode).To(BeFalse())
			Expect(replay.Decode.Op).To(Equal("ADD"))
			Expect(o.Stats().Replayed).To(Equal(uint64(1)))
		})

		It("should return state caches of undone Mops", func() {
			bp := bpred.NewPredictor(bpred.DefaultConfig())
			o := newOracle(bufferOf(hLoad, hAdd), oracle.WithStateCacheReturner(bp))

			load := execConsume(o, 0x401000)
			add := execConsume(o, 0x401003)
			_, sc := bp.Lookup(bpred.Query{
				PC: 0x401003, FtPC: 0x401005,
				Flags: insts.OpFlags{Ctrl: true, Cond: true},
			})
			add.Fetch.BpredUpdate = sc
			Expect(bp.Outstanding()).To(Equal(1))

			o.Recover(load)
			Expect(bp.Outstanding()).To(Equal(0))
		})

		It("should replay everything after a flush", func() {
			o := newOracle(bufferOf(hLoad, hAdd, hRMW))

			load := execConsume(o, 0x401000)
			execConsume(o, 0x401003)
			execConsume(o, 0x401005)

			commitMop(o, load)
			o.PipeFlush(load)

			Expect(pipe.flushedTo).To(Equal([]uint64{0x401003}))
			Expect(o.MopQNum()).To(Equal(0))
			Expect(o.MopsBeforeFeeder()).To(Equal(2))
			Expect(ctx.Arena.LiveEdges()).To(Equal(0))

			add := execConsume(o, 0x401003)
			rmw := execConsume(o, 0x401005)
			Expect(add.Oracle.Seq).To(BeNumerically("<", rmw.Oracle.Seq))
			Expect(o.OnNukeRecoveryPath()).To(BeFalse())
			Expect(o.Stats().Flushes).To(Equal(uint64(1)))
		})
	})

	It("should mark REP iterations", func() {
		rep := func(npc uint64, mem bool) feeder.Handshake {
			h := feeder.Handshake{
				PC: 0x401013, NPC: npc, TPC: 0x401015,
				Code: feeder.Code{0xf3, 0xa4},
			}
			if mem {
				h.Mem = []feeder.MemAccess{{Addr: 0x800000, Size: 1}, {Addr: 0x900000, Size: 1}}
			}
			return h
		}
		o := newOracle(bufferOf(rep(0x401013, true), rep(0x401013, true), rep(0x401015, true)))

		first := execConsume(o, 0x401013)
		second := execConsume(o, 0x401013)
		third := execConsume(o, 0x401013)

		last := len(first.Flow) - 1
		Expect(first.Decode.HasRep).To(BeTrue())
		Expect(first.Decode.TargetPC).To(Equal(uint64(0x401013)))
		Expect(first.Oracle.RepContinues).To(BeTrue())
		Expect(first.Flow[0].Decode.BOM).To(BeTrue())
		Expect(first.Flow[last].Decode.EOM).To(BeFalse())
		Expect(second.Flow[0].Decode.BOM).To(BeFalse())
		Expect(second.Flow[last].Decode.EOM).To(BeFalse())
		Expect(third.Flow[0].Decode.BOM).To(BeFalse())
		Expect(third.Flow[last].Decode.EOM).To(BeTrue())
	})

	It("should crack a zero-trip REP into one uop", func() {
		o := newOracle(bufferOf(feeder.Handshake{
			PC: 0x401013, NPC: 0x401015, TPC: 0x401015,
			Code: feeder.Code{0xf3, 0xa4},
		}))

		m := execConsume(o, 0x401013)
		Expect(m.Oracle.ZeroRep).To(BeTrue())
		Expect(m.Flow).To(HaveLen(1))
		Expect(m.Flow[0].Decode.BOM).To(BeTrue())
		Expect(m.Flow[0].Decode.EOM).To(BeTrue())
	})

	It("should drain the pipeline behind a trap", func() {
		syscall := feeder.Handshake{
			PC: 0x401000, NPC: 0x401002, TPC: 0x401002,
			Code: feeder.Code{0x0f, 0x05},
		}
		o := newOracle(bufferOf(syscall, hLoad))

		trap := execConsume(o, 0x401000)
		Expect(o.Draining()).To(BeTrue())
		Expect(o.CanExec()).To(BeFalse())

		commitMop(o, trap)
		Expect(o.CanExec()).To(BeTrue())
	})

	It("should stop at the end of the thread", func() {
		o := newOracle(bufferOf(hLoad, feeder.Handshake{KillThread: true}))

		load := execConsume(o, 0x401000)
		Expect(o.Exec(0x401003)).To(BeNil())

		commitMop(o, load)
		Expect(o.Drained()).To(BeTrue())
	})
})
