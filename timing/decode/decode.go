// Package decode implements the decode pipe and the uop queue.
//
// The decode pipe is a shift register of depth stages, each holding up to
// width macro-ops. A stage only receives the previous stage's contents once it
// is completely empty. Macro-ops in the last stage are cracked into the uop
// queue uop by uop; fused bodies travel with their head. At the target-check
// stage, each macro-op's predicted next PC is checked against its decoded
// control flow, and fetch is resteered on a mismatch.
package decode

import (
	"github.com/sarchlab/x86sim/timing/bpred"
	"github.com/sarchlab/x86sim/timing/config"
	"github.com/sarchlab/x86sim/timing/stats"
	"github.com/sarchlab/x86sim/timing/uarch"
)

// Fetcher is the front end feeding the decode pipe.
type Fetcher interface {
	MopAvailable() bool
	MopPeek() *uarch.Mop
	MopConsume()
	Recover(pc uint64)
}

// Oracle rewinds the functional window after a resteer.
type Oracle interface {
	Recover(m *uarch.Mop)
}

// Predictor repairs speculative predictor state after a resteer.
type Predictor interface {
	Recover(sc *bpred.StateCache, taken bool)
}

// Stats holds the decode statistics.
type Stats struct {
	Insns   uint64
	Uops    uint64
	EffUops uint64

	PhantomResteers uint64
	TargetResteers  uint64

	UopQOccupancy    uint64
	UopQEffOccupancy uint64
	UopQFullCycles   uint64
	UopQEmptyCycles  uint64

	Stall *stats.Distribution
}

// Option configures a Stage.
type Option func(*Stage)

// WithPredictor sets the predictor repaired on target resteers.
func WithPredictor(p Predictor) Option {
	return func(s *Stage) {
		s.bpred = p
	}
}

// Stage is the decode pipe of one core.
type Stage struct {
	ctx    *uarch.Context
	knobs  config.DecodeKnobs
	fetch  Fetcher
	oracle Oracle
	bpred  Predictor

	pipe      [][]*uarch.Mop
	occupancy []int

	uopQ       []*uarch.Uop
	uopQHead   int
	uopQTail   int
	uopQNum    int
	uopQEffNum int

	lastStall StallReason
	stats     Stats
}

// New creates a decode pipe.
func New(
	ctx *uarch.Context,
	knobs config.DecodeKnobs,
	fetch Fetcher,
	oracle Oracle,
	opts ...Option,
) *Stage {
	s := &Stage{
		ctx:       ctx,
		knobs:     knobs,
		fetch:     fetch,
		oracle:    oracle,
		pipe:      make([][]*uarch.Mop, knobs.Depth),
		occupancy: make([]int, knobs.Depth),
		uopQ:      make([]*uarch.Uop, knobs.UopQSize),
	}

	for i := range s.pipe {
		s.pipe[i] = make([]*uarch.Mop, knobs.Width)
	}

	s.stats.Stall = stats.NewDistribution(StallNames()...)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Stats returns the decode statistics.
func (s *Stage) Stats() *Stats {
	return &s.stats
}

// LastStall returns the stall reason recorded by the last Step.
func (s *Stage) LastStall() StallReason {
	return s.lastStall
}

// Slot returns the macro-op in decoder i of stage, or nil.
func (s *Stage) Slot(stage, i int) *uarch.Mop {
	return s.pipe[stage][i]
}

// Occupancy returns the number of macro-ops in stage.
func (s *Stage) Occupancy(stage int) int {
	return s.occupancy[stage]
}

// UopQNum returns the number of uop queue entries.
func (s *Stage) UopQNum() int {
	return s.uopQNum
}

// UopQEffNum returns the number of uops in the queue counting fused bodies.
func (s *Stage) UopQEffNum() int {
	return s.uopQEffNum
}

// PipeEmpty reports whether neither the pipe nor the uop queue holds
// anything.
func (s *Stage) PipeEmpty() bool {
	if s.uopQNum > 0 {
		return false
	}

	for _, n := range s.occupancy {
		if n > 0 {
			return false
		}
	}

	return true
}

// RegisterStats registers the decode statistics.
func (s *Stage) RegisterStats(r *stats.Registry) {
	st := &s.stats
	r.Counter("decode_insn", "total number of instructions decoded", &st.Insns)
	r.Counter("decode_uops", "total number of uops decoded", &st.Uops)
	r.Counter("decode_eff_uops", "total number of effective uops decoded", &st.EffUops)
	r.Formula("decode_IPC", "IPC at decode", stats.Ratio(&st.Insns, &s.ctx.Cycle))
	r.Formula("decode_uPC", "uPC at decode", stats.Ratio(&st.Uops, &s.ctx.Cycle))
	r.Formula("decode_euPC", "effective uPC at decode", stats.Ratio(&st.EffUops, &s.ctx.Cycle))
	r.Counter("num_phantom_resteers", "taken branches predicted where none exist", &st.PhantomResteers)
	r.Counter("num_target_resteers", "branches predicted to the wrong target", &st.TargetResteers)
	r.Counter("uopQ_total_occupancy", "cumulative uopQ occupancy", &st.UopQOccupancy)
	r.Counter("uopQ_total_eff_occupancy", "cumulative uopQ effective occupancy", &st.UopQEffOccupancy)
	r.Counter("uopQ_full_cycles", "cycles the uopQ was full", &st.UopQFullCycles)
	r.Counter("uopQ_empty_cycles", "cycles the uopQ was empty", &st.UopQEmptyCycles)
	r.Formula("uopQ_avg", "average uopQ occupancy", stats.Ratio(&st.UopQOccupancy, &s.ctx.Cycle))
	r.Formula("uopQ_eff_avg", "average uopQ effective occupancy",
		stats.Ratio(&st.UopQEffOccupancy, &s.ctx.Cycle))
	r.Formula("uopQ_frac_full", "fraction of cycles the uopQ was full",
		stats.Ratio(&st.UopQFullCycles, &s.ctx.Cycle))
	r.Formula("uopQ_frac_empty", "fraction of cycles the uopQ was empty",
		stats.Ratio(&st.UopQEmptyCycles, &s.ctx.Cycle))
	r.Dist("decode_stall", "breakdown of stalls at decode", st.Stall)
}

// UpdateOccupancy samples the uop queue for this cycle.
func (s *Stage) UpdateOccupancy() {
	s.stats.UopQOccupancy += uint64(s.uopQNum)
	s.stats.UopQEffOccupancy += uint64(s.uopQEffNum)
	if s.uopQNum >= s.knobs.UopQSize {
		s.stats.UopQFullCycles++
	}
	if s.uopQNum == 0 {
		s.stats.UopQEmptyCycles++
	}
}

// Step advances the decode pipe by one cycle.
func (s *Stage) Step() {
	s.drainLastStage()

	if reason, resteered := s.advance(); resteered {
		s.record(reason)
		return
	}

	s.record(s.admit())
}

func (s *Stage) record(reason StallReason) {
	s.lastStall = reason
	s.stats.Stall.AddSample(int(reason))
	s.checkOccupancy()
}

func (s *Stage) checkOccupancy() {
	for stage, slots := range s.pipe {
		n := 0
		for _, m := range slots {
			if m != nil {
				n++
			}
		}
		s.ctx.Assertf(n == s.occupancy[stage],
			"decode stage %d holds %d Mops, occupancy says %d", stage, n, s.occupancy[stage])
	}
}

// drainLastStage moves uops of the last stage into the uop queue.
func (s *Stage) drainLastStage() {
	last := s.knobs.Depth - 1
	if s.occupancy[last] == 0 {
		return
	}

	for i, m := range s.pipe[last] {
		if m == nil {
			continue
		}

		for s.uopQNum < s.knobs.UopQSize {
			u := &m.Flow[m.Decode.LastStageIndex]
			m.Decode.LastStageIndex++

			if !u.Decode.InFusion || u.Decode.IsFusionHead {
				s.enqueue(u)
			}
			s.stats.EffUops++

			u.Timing.WhenDecoded = s.ctx.Cycle
			if u.Decode.BOM {
				m.Timing.WhenDecodeStarted = s.ctx.Cycle
			}
			if u.Decode.EOM {
				m.Timing.WhenDecodeFinished = s.ctx.Cycle
			}

			if m.Decode.LastStageIndex >= m.Decode.FlowLength {
				if m.Flow[m.Decode.LastUopIndex].Decode.EOM {
					s.stats.Insns++
				}
				s.pipe[last][i] = nil
				s.occupancy[last]--
				s.ctx.Trace("decode dequeue", "seq", m.Oracle.Seq)

				break
			}
		}

		if s.uopQNum >= s.knobs.UopQSize {
			break
		}
	}
}

func (s *Stage) enqueue(u *uarch.Uop) {
	s.uopQ[s.uopQTail] = u
	s.uopQTail = (s.uopQTail + 1) % len(s.uopQ)
	s.uopQNum++
	if u.Decode.IsFusionHead {
		s.uopQEffNum += u.Decode.FusionSize
	} else {
		s.uopQEffNum++
	}
	s.stats.Uops++
}

// advance shifts whole stages forward, youngest boundary last. It reports
// whether a resteer ended the cycle.
func (s *Stage) advance() (StallReason, bool) {
	for stage := s.knobs.Depth - 1; stage > 0; stage-- {
		if s.occupancy[stage] != 0 {
			continue
		}

		if first := s.pipe[stage-1][0]; first != nil {
			ms := first.Timing.WhenMSStarted
			if ms != uarch.TickMax && ms >= s.ctx.Cycle {
				break
			}
		}

		if s.occupancy[stage-1] == 0 {
			continue
		}

		for i := 0; i < s.knobs.Width; i++ {
			if reason := s.checkFlush(stage, i); reason != StallNone {
				return reason, true
			}

			s.move(stage, i)
		}
	}

	return StallNone, false
}

func (s *Stage) move(stage, i int) {
	m := s.pipe[stage-1][i]
	if m == nil {
		return
	}

	s.ctx.Assertf(s.pipe[stage][i] == nil, "decode stage %d slot %d is not empty", stage, i)
	s.pipe[stage][i] = m
	s.pipe[stage-1][i] = nil
	s.occupancy[stage]++
	s.occupancy[stage-1]--
}

// checkFlush runs the target check on a macro-op leaving the target stage.
// On a resteer the macro-op still moves forward.
func (s *Stage) checkFlush(stage, i int) StallReason {
	m := s.pipe[stage-1][i]
	if m == nil || stage-1 != s.knobs.TargetStage {
		return StallNone
	}

	reason := s.checkTarget(m)
	if reason != StallNone {
		s.move(stage, i)
	}

	return reason
}

func (s *Stage) checkTarget(m *uarch.Mop) StallReason {
	if !m.Decode.IsCtrl() && !m.Decode.HasRep {
		if m.Fetch.PredNPC == m.Fetch.FtPC {
			return StallNone
		}

		s.stats.PhantomResteers++
		if s.bpred != nil && m.Fetch.BpredUpdate != nil {
			s.bpred.Recover(m.Fetch.BpredUpdate, false)
		}
		s.resteer(m, m.Fetch.FtPC)
		s.ctx.Trace("decode phantom resteer", "seq", m.Oracle.Seq, "pc", m.Fetch.PC)

		return StallPhantom
	}

	predTaken := m.Fetch.PredNPC != m.Fetch.FtPC
	if !predTaken && !m.Decode.Flags.Uncond {
		return StallNone
	}

	// Indirect targets are only known at execute.
	if !m.Decode.TargetKnown || m.Fetch.PredNPC == m.Decode.TargetPC {
		return StallNone
	}

	s.stats.TargetResteers++
	if s.bpred != nil && m.Fetch.BpredUpdate != nil {
		s.bpred.Recover(m.Fetch.BpredUpdate, true)
	}
	s.resteer(m, m.Decode.TargetPC)
	s.ctx.Trace("decode target resteer", "seq", m.Oracle.Seq, "target", m.Decode.TargetPC)

	return StallTarget
}

func (s *Stage) resteer(m *uarch.Mop, pc uint64) {
	s.recoverPipe(m)
	m.Fetch.PredNPC = pc
	s.fetch.Recover(pc)
	s.oracle.Recover(m)
}

// admit moves macro-ops from the IQ into the first stage.
func (s *Stage) admit() StallReason {
	if !s.fetch.MopAvailable() {
		return StallEmpty
	}

	stall := StallNone
	decoded, branches := 0, 0

	for i := 0; i < s.knobs.Width && s.fetch.MopAvailable(); i++ {
		if s.pipe[0][i] != nil {
			continue
		}

		m := s.fetch.MopPeek()
		limit := s.knobs.BranchDecodeLimit
		if m.Decode.IsCtrl() && limit > 0 && branches >= limit {
			stall = StallMaxBranches
			break
		}

		if i == 0 {
			if s.needsMS(m) {
				m.Timing.WhenMSStarted = s.ctx.Cycle + uint64(s.knobs.MSLatency)
			}
		} else if m.Stat.NumUops > s.knobs.MaxUops[i] || m.Decode.HasRep {
			stall = s.tooComplex(m)
			break
		}

		s.pipe[0][i] = m
		s.occupancy[0]++
		s.fetch.MopConsume()
		decoded++
		if m.Decode.IsCtrl() {
			branches++
		}

		s.ctx.Trace("decode enqueue", "seq", m.Oracle.Seq, "decoder", i)
	}

	if decoded == 0 && stall == StallNone {
		stall = StallFull
	}

	return stall
}

func (s *Stage) needsMS(m *uarch.Mop) bool {
	return m.Stat.NumUops > s.knobs.MaxUops[0] || m.Decode.HasRep
}

func (s *Stage) tooComplex(m *uarch.Mop) StallReason {
	switch {
	case m.Decode.HasRep:
		return StallRep
	case m.Stat.NumUops < s.knobs.MaxUops[0]:
		return StallSmall
	default:
		return StallUROM
	}
}

// UopAvailable reports whether the uop queue is not empty.
func (s *Stage) UopAvailable() bool {
	return s.uopQNum > 0
}

// UopPeek returns the oldest queued uop.
func (s *Stage) UopPeek() *uarch.Uop {
	return s.uopQ[s.uopQHead]
}

// UopConsume removes the oldest queued uop.
func (s *Stage) UopConsume() {
	u := s.uopQ[s.uopQHead]
	s.uopQ[s.uopQHead] = nil
	s.uopQNum--
	if u.Decode.IsFusionHead {
		s.uopQEffNum -= u.Decode.FusionSize
	} else {
		s.uopQEffNum--
	}
	s.uopQHead = (s.uopQHead + 1) % len(s.uopQ)
}

// Recover squashes every macro-op younger than m in the pipe and the uop
// queue. It must run before the oracle rewinds.
func (s *Stage) Recover(m *uarch.Mop) {
	if s.recoverPipe(m) {
		return
	}

	s.recoverUopQ(m)
}

// RecoverAll empties the pipe and the uop queue.
func (s *Stage) RecoverAll() {
	for i := range s.uopQ {
		s.uopQ[i] = nil
	}
	s.uopQHead, s.uopQTail, s.uopQNum, s.uopQEffNum = 0, 0, 0, 0

	for stage := range s.pipe {
		for i := range s.pipe[stage] {
			s.pipe[stage][i] = nil
		}
		s.occupancy[stage] = 0
	}
}

// recoverPipe squashes pipe slots from the youngest until it reaches m. It
// reports whether m was found.
func (s *Stage) recoverPipe(m *uarch.Mop) bool {
	for stage := 0; stage < s.knobs.Depth; stage++ {
		if s.occupancy[stage] == 0 {
			continue
		}

		for i := s.knobs.Width - 1; i >= 0; i-- {
			slot := s.pipe[stage][i]
			if slot == nil {
				continue
			}

			if slot.Oracle.Seq <= m.Oracle.Seq {
				return true
			}

			s.pipe[stage][i] = nil
			s.occupancy[stage]--
			s.ctx.Assertf(s.occupancy[stage] >= 0, "decode stage %d occupancy underflow", stage)
		}
	}

	return false
}

func (s *Stage) recoverUopQ(m *uarch.Mop) {
	for s.uopQNum > 0 {
		idx := (s.uopQTail - 1 + len(s.uopQ)) % len(s.uopQ)
		u := s.uopQ[idx]
		if u.Decode.MopSeq <= m.Oracle.Seq {
			return
		}

		if u.Decode.IsFusionHead {
			s.uopQEffNum -= u.Decode.FusionSize
		} else {
			s.uopQEffNum--
		}
		s.uopQNum--
		s.uopQ[idx] = nil
		s.uopQTail = idx
	}

	s.ctx.Assertf(s.uopQEffNum == 0, "uopQ empty with %d effective uops", s.uopQEffNum)
	s.uopQEffNum = 0
}
