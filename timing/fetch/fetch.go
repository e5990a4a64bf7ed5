// Package fetch implements the front end: oracle-driven fetch into the
// instruction queue (IQ), next-PC prediction, and delivery of branch
// misprediction recoveries (jeclears) from the execution core.
package fetch

import (
	"github.com/sarchlab/x86sim/timing/bpred"
	"github.com/sarchlab/x86sim/timing/config"
	"github.com/sarchlab/x86sim/timing/stats"
	"github.com/sarchlab/x86sim/timing/uarch"
)

// Oracle produces macro-ops and rewinds after a misprediction.
type Oracle interface {
	CanExec() bool
	Draining() bool
	Exec(pc uint64) *uarch.Mop
	Consume(m *uarch.Mop)
	PendingPC() (uint64, bool)
	PipeRecover(m *uarch.Mop, pc uint64)
}

// Predictor predicts next PCs and repairs its speculative state.
type Predictor interface {
	Lookup(q bpred.Query) (uint64, *bpred.StateCache)
	Recover(sc *bpred.StateCache, taken bool)
}

// StallReason explains why fetch delivered less than its width.
type StallReason int

// Fetch stall reasons.
const (
	StallNone StallReason = iota
	StallIQFull
	StallMopQFull
	StallTrapDrain
	StallNoInput
	StallTaken
	NumStallReasons
)

var stallNames = [NumStallReasons]string{
	"no stall",
	"IQ full",
	"MopQ full",
	"trap drain",
	"no input",
	"taken branch",
}

// String returns a description of the reason.
func (r StallReason) String() string {
	if r >= 0 && r < NumStallReasons {
		return stallNames[r]
	}

	return "unknown"
}

// Stats holds the fetch statistics.
type Stats struct {
	Insns   uint64
	Bytes   uint64
	Taken   uint64
	BPLooks uint64

	Jeclears      uint64
	StaleJeclears uint64

	IQOccupancy  uint64
	IQFullCycles uint64

	Stall *stats.Distribution
}

type jeclear struct {
	mop  *uarch.Mop
	seq  uint64
	pc   uint64
	when uint64
}

// Option configures a Stage.
type Option func(*Stage)

// WithPredictor sets the next-PC predictor. Without one, fetch always
// predicts the fall-through.
func WithPredictor(p Predictor) Option {
	return func(s *Stage) {
		s.bpred = p
	}
}

// Stage is the front end of one core.
type Stage struct {
	ctx    *uarch.Context
	knobs  config.FetchKnobs
	oracle Oracle
	bpred  Predictor

	pc      uint64
	pcValid bool

	iq     []*uarch.Mop
	iqHead int
	iqNum  int

	jeclears []jeclear

	lastStall StallReason
	stats     Stats
}

// New creates a fetch stage.
func New(ctx *uarch.Context, knobs config.FetchKnobs, oracle Oracle, opts ...Option) *Stage {
	s := &Stage{
		ctx:    ctx,
		knobs:  knobs,
		oracle: oracle,
		iq:     make([]*uarch.Mop, knobs.IQSize),
	}
	s.stats.Stall = stats.NewDistribution(stallNames[:]...)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Stats returns the fetch statistics.
func (s *Stage) Stats() *Stats {
	return &s.stats
}

// LastStall returns the stall reason recorded by the last Step.
func (s *Stage) LastStall() StallReason {
	return s.lastStall
}

// PC returns the next fetch address and whether it is known yet.
func (s *Stage) PC() (uint64, bool) {
	return s.pc, s.pcValid
}

// PendingJeclears returns the number of undelivered jeclears.
func (s *Stage) PendingJeclears() int {
	return len(s.jeclears)
}

// Step delivers due jeclears and then fetches up to width macro-ops.
func (s *Stage) Step() {
	s.deliverJeclears()

	stall := s.fetch()

	s.lastStall = stall
	s.stats.Stall.AddSample(int(stall))
}

func (s *Stage) fetch() StallReason {
	if !s.pcValid {
		pc, ok := s.oracle.PendingPC()
		if !ok {
			return StallNoInput
		}
		s.pc = pc
		s.pcValid = true
	}

	now := s.ctx.Cycle

	for n := 0; n < s.knobs.Width; n++ {
		if s.iqNum >= len(s.iq) {
			return StallIQFull
		}

		if !s.oracle.CanExec() {
			if s.oracle.Draining() {
				return StallTrapDrain
			}
			return StallMopQFull
		}

		m := s.oracle.Exec(s.pc)
		if m == nil {
			return StallNoInput
		}

		m.Timing.WhenFetchStarted = now
		m.Timing.WhenFetched = now
		m.Fetch.PredNPC = s.predict(m)

		s.oracle.Consume(m)
		s.enqueue(m)
		s.stats.Insns++
		s.stats.Bytes += uint64(m.Fetch.Len)

		s.pc = m.Fetch.PredNPC
		if s.pc != m.Fetch.FtPC {
			s.stats.Taken++
			return StallTaken
		}
	}

	return StallNone
}

func (s *Stage) predict(m *uarch.Mop) uint64 {
	// REP iterations follow the functional stream.
	if m.Decode.HasRep {
		return m.Oracle.NextPC
	}

	if s.bpred == nil {
		return m.Fetch.FtPC
	}

	s.stats.BPLooks++
	npc, sc := s.bpred.Lookup(bpred.Query{
		PC:        m.Fetch.PC,
		FtPC:      m.Fetch.FtPC,
		Flags:     m.Decode.Flags,
		OracleNPC: m.Oracle.NextPC,
	})
	m.Fetch.BpredUpdate = sc

	return npc
}

func (s *Stage) enqueue(m *uarch.Mop) {
	tail := (s.iqHead + s.iqNum) % len(s.iq)
	s.iq[tail] = m
	s.iqNum++
	s.ctx.Trace("fetch", "seq", m.Oracle.Seq, "pc", m.Fetch.PC, "pred_npc", m.Fetch.PredNPC,
		"spec", m.Oracle.SpecMode)
}

// MopAvailable reports whether the IQ holds a macro-op.
func (s *Stage) MopAvailable() bool {
	return s.iqNum > 0
}

// MopPeek returns the oldest macro-op in the IQ.
func (s *Stage) MopPeek() *uarch.Mop {
	return s.iq[s.iqHead]
}

// MopConsume removes the oldest macro-op from the IQ.
func (s *Stage) MopConsume() {
	s.iq[s.iqHead] = nil
	s.iqHead = (s.iqHead + 1) % len(s.iq)
	s.iqNum--
}

// IQNum returns the number of macro-ops in the IQ.
func (s *Stage) IQNum() int {
	return s.iqNum
}

// Recover empties the IQ and restarts fetch at pc. Pending jeclears of
// squashed macro-ops are discarded when they arrive.
func (s *Stage) Recover(pc uint64) {
	for s.iqNum > 0 {
		s.MopConsume()
	}
	s.iqHead = 0

	s.pc = pc
	s.pcValid = true
	s.ctx.Trace("fetch recover", "pc", pc)
}

// JeclearEnqueue schedules a misprediction recovery of m to pc. Commit holds
// m until the recovery is delivered.
func (s *Stage) JeclearEnqueue(m *uarch.Mop, pc uint64) {
	m.Commit.JeclearInFlight = true
	s.jeclears = append(s.jeclears, jeclear{
		mop:  m,
		seq:  m.Oracle.Seq,
		pc:   pc,
		when: s.ctx.Cycle + uint64(s.knobs.JeclearDelay),
	})
}

func (s *Stage) deliverJeclears() {
	for len(s.jeclears) > 0 && s.jeclears[0].when <= s.ctx.Cycle {
		j := s.jeclears[0]
		s.jeclears = s.jeclears[1:]

		m := j.mop
		if !m.Valid || m.Oracle.Seq != j.seq {
			s.stats.StaleJeclears++
			continue
		}

		m.Commit.JeclearInFlight = false
		s.stats.Jeclears++

		if s.bpred != nil {
			s.bpred.Recover(m.Fetch.BpredUpdate, m.Oracle.TakenBranch)
		}
		m.Fetch.PredNPC = j.pc

		s.ctx.Trace("jeclear", "seq", m.Oracle.Seq, "pc", j.pc)
		s.oracle.PipeRecover(m, j.pc)
	}

	if len(s.jeclears) == 0 {
		s.jeclears = nil
	}
}

// UpdateOccupancy samples the IQ occupancy.
func (s *Stage) UpdateOccupancy() {
	s.stats.IQOccupancy += uint64(s.iqNum)
	if s.iqNum >= len(s.iq) {
		s.stats.IQFullCycles++
	}
}

// RegisterStats registers the fetch statistics.
func (s *Stage) RegisterStats(r *stats.Registry) {
	st := &s.stats
	r.Counter("fetch_insn", "total number of instructions fetched", &st.Insns)
	r.Counter("fetch_bytes", "total number of bytes fetched", &st.Bytes)
	r.Counter("fetch_taken", "fetch groups ended by a predicted-taken branch", &st.Taken)
	r.Counter("fetch_bpred_lookups", "branch predictor lookups", &st.BPLooks)
	r.Counter("fetch_jeclears", "misprediction recoveries delivered", &st.Jeclears)
	r.Counter("fetch_stale_jeclears", "recoveries dropped for squashed Mops", &st.StaleJeclears)
	r.Counter("IQ_total_occupancy", "cumulative IQ occupancy", &st.IQOccupancy)
	r.Counter("IQ_full_cycles", "cycles the IQ was full", &st.IQFullCycles)
	r.Formula("fetch_IPC", "IPC at fetch", stats.Ratio(&st.Insns, &s.ctx.Cycle))
	r.Formula("IQ_avg", "average IQ occupancy", stats.Ratio(&st.IQOccupancy, &s.ctx.Cycle))
	r.Dist("fetch_stall", "breakdown of stalls at fetch", st.Stall)
}
