package fetch_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/timing/bpred"
	"github.com/sarchlab/x86sim/timing/config"
	"github.com/sarchlab/x86sim/timing/fetch"
	"github.com/sarchlab/x86sim/timing/uarch"
)

type record struct {
	pc     uint64
	len    int
	nextPC uint64
	flags  insts.OpFlags
	rep    bool
}

type recovery struct {
	seq uint64
	pc  uint64
}

type fakeOracle struct {
	arena    *uarch.Arena
	records  []record
	seq      uint64
	blocked  bool
	draining bool

	requested []uint64
	consumed  []uint64
	recovered []recovery
}

func (o *fakeOracle) CanExec() bool  { return !o.blocked && !o.draining }
func (o *fakeOracle) Draining() bool { return o.draining }

func (o *fakeOracle) Exec(pc uint64) *uarch.Mop {
	o.requested = append(o.requested, pc)
	if len(o.records) == 0 {
		return nil
	}

	r := o.records[0]
	o.records = o.records[1:]

	o.seq++
	m := o.arena.AllocMop(int(o.seq-1)%o.arena.NumSlots(), 1)
	m.Oracle.Seq = o.seq
	m.Fetch.PC = r.pc
	m.Fetch.Len = r.len
	m.Fetch.FtPC = r.pc + uint64(r.len)
	m.Oracle.NextPC = r.nextPC
	m.Decode.Flags = r.flags
	m.Decode.HasRep = r.rep

	return m
}

func (o *fakeOracle) Consume(m *uarch.Mop) {
	o.consumed = append(o.consumed, m.Oracle.Seq)
}

func (o *fakeOracle) PendingPC() (uint64, bool) {
	if len(o.records) == 0 {
		return 0, false
	}

	return o.records[0].pc, true
}

func (o *fakeOracle) PipeRecover(m *uarch.Mop, pc uint64) {
	o.recovered = append(o.recovered, recovery{seq: m.Oracle.Seq, pc: pc})
}

type fakePredictor struct {
	targets   map[uint64]uint64
	lookups   []uint64
	recovered []bool
}

func (p *fakePredictor) Lookup(q bpred.Query) (uint64, *bpred.StateCache) {
	p.lookups = append(p.lookups, q.PC)
	if t, ok := p.targets[q.PC]; ok {
		return t, &bpred.StateCache{PC: q.PC, PredNPC: t}
	}

	return q.FtPC, nil
}

func (p *fakePredictor) Recover(_ *bpred.StateCache, taken bool) {
	p.recovered = append(p.recovered, taken)
}

var _ = Describe("Fetch", func() {
	var (
		ctx    *uarch.Context
		arena  *uarch.Arena
		knobs  config.FetchKnobs
		oracle *fakeOracle
		pred   *fakePredictor
		f      *fetch.Stage
	)

	seqRecords := func(n int) []record {
		out := make([]record, n)
		pc := uint64(0x401000)
		for i := range out {
			out[i] = record{pc: pc, len: 2, nextPC: pc + 2}
			pc += 2
		}
		return out
	}

	build := func() {
		ctx = uarch.NewContext(0, arena, nil)
		f = fetch.New(ctx, knobs, oracle, fetch.WithPredictor(pred))
	}

	BeforeEach(func() {
		arena = uarch.NewArena(16, 4)
		knobs = config.FetchKnobs{IQSize: 4, Width: 2, JeclearDelay: 1}
		oracle = &fakeOracle{arena: arena}
		pred = &fakePredictor{targets: map[uint64]uint64{}}
		build()
	})

	It("should wait for the first instruction", func() {
		f.Step()

		_, ok := f.PC()
		Expect(ok).To(BeFalse())
		Expect(f.LastStall()).To(Equal(fetch.StallNoInput))
		Expect(f.MopAvailable()).To(BeFalse())
	})

	It("should fetch up to width sequential macro-ops", func() {
		oracle.records = seqRecords(3)

		f.Step()

		Expect(f.IQNum()).To(Equal(2))
		Expect(f.LastStall()).To(Equal(fetch.StallNone))
		Expect(oracle.requested).To(Equal([]uint64{0x401000, 0x401002}))
		Expect(oracle.consumed).To(Equal([]uint64{1, 2}))

		m := f.MopPeek()
		Expect(m.Fetch.PredNPC).To(Equal(uint64(0x401002)))
		Expect(m.Timing.WhenFetched).To(Equal(uint64(0)))

		pc, _ := f.PC()
		Expect(pc).To(Equal(uint64(0x401004)))
	})

	It("should stop at a full IQ", func() {
		oracle.records = seqRecords(8)

		f.Step()
		f.Step()
		f.Step()

		Expect(f.IQNum()).To(Equal(4))
		Expect(f.LastStall()).To(Equal(fetch.StallIQFull))

		f.MopConsume()
		Expect(f.IQNum()).To(Equal(3))
		Expect(f.MopPeek().Oracle.Seq).To(Equal(uint64(2)))
	})

	It("should end the group at a predicted-taken branch", func() {
		oracle.records = seqRecords(3)
		pred.targets[0x401000] = 0x402000

		f.Step()

		Expect(f.IQNum()).To(Equal(1))
		Expect(f.LastStall()).To(Equal(fetch.StallTaken))
		Expect(f.MopPeek().Fetch.BpredUpdate).NotTo(BeNil())

		pc, _ := f.PC()
		Expect(pc).To(Equal(uint64(0x402000)))
		Expect(f.Stats().Taken).To(Equal(uint64(1)))
	})

	It("should follow the functional stream for REP iterations", func() {
		oracle.records = []record{{pc: 0x401000, len: 2, nextPC: 0x401000, rep: true}}

		f.Step()

		Expect(pred.lookups).To(BeEmpty())
		Expect(f.MopPeek().Fetch.PredNPC).To(Equal(uint64(0x401000)))
		Expect(f.LastStall()).To(Equal(fetch.StallTaken))
	})

	It("should report a trap drain", func() {
		oracle.records = seqRecords(1)
		oracle.draining = true

		f.Step()

		Expect(f.LastStall()).To(Equal(fetch.StallTrapDrain))
	})

	It("should report a full MopQ", func() {
		oracle.records = seqRecords(1)
		oracle.blocked = true

		f.Step()

		Expect(f.LastStall()).To(Equal(fetch.StallMopQFull))
	})

	Describe("jeclears", func() {
		var m *uarch.Mop

		BeforeEach(func() {
			oracle.records = seqRecords(1)
			oracle.records[0].flags = insts.OpFlags{Ctrl: true, Cond: true}
			oracle.records[0].nextPC = 0x403000
			f.Step()
			m = f.MopPeek()
			f.MopConsume()
		})

		It("should deliver after the configured delay", func() {
			f.JeclearEnqueue(m, 0x403000)
			Expect(m.Commit.JeclearInFlight).To(BeTrue())

			f.Step()
			Expect(oracle.recovered).To(BeEmpty())

			ctx.Cycle++
			f.Step()

			Expect(oracle.recovered).To(Equal([]recovery{{seq: m.Oracle.Seq, pc: 0x403000}}))
			Expect(m.Commit.JeclearInFlight).To(BeFalse())
			Expect(m.Fetch.PredNPC).To(Equal(uint64(0x403000)))
			Expect(pred.recovered).To(HaveLen(1))
			Expect(f.PendingJeclears()).To(BeZero())
		})

		It("should drop a recovery for a squashed macro-op", func() {
			f.JeclearEnqueue(m, 0x403000)
			arena.FreeMop(m)

			ctx.Cycle++
			f.Step()

			Expect(oracle.recovered).To(BeEmpty())
			Expect(f.Stats().StaleJeclears).To(Equal(uint64(1)))
		})
	})

	It("should empty the IQ and redirect on recovery", func() {
		oracle.records = seqRecords(4)
		f.Step()

		f.Recover(0x405000)

		Expect(f.MopAvailable()).To(BeFalse())
		pc, ok := f.PC()
		Expect(ok).To(BeTrue())
		Expect(pc).To(Equal(uint64(0x405000)))

		f.Step()
		Expect(oracle.requested[2]).To(Equal(uint64(0x405000)))
	})
})
