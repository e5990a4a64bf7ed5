package commit

import "github.com/sarchlab/x86sim/timing/uarch"

// IOStep retires up to width uops from the ROB head in program order and
// records exactly one stall reason for the cycle.
func (c *Stage) IOStep() {
	now := c.ctx.Cycle

	if c.knobs.DeadlockThreshold > 0 && c.ctx.Active {
		last := c.exec.LastCompleted()
		if now > last && now-last > c.knobs.DeadlockThreshold {
			if !c.deadlocked {
				c.ctx.Log.Warn("possible deadlock detected",
					"cycle", now, "last_completed", last, "rob", c.robNum)
			}
			c.deadlocked = true

			return
		}
	}

	c.exec.STQDeallocateSenior()

	stall := StallNone
	branches := 0
	var flush *uarch.Mop

	for n := 0; n < c.knobs.Width; n++ {
		if c.robNum == 0 {
			stall = StallEmpty
			break
		}

		m := c.rob[c.robHead].Mop

		if m.Commit.JeclearInFlight {
			stall = StallJeclearInFlight
			break
		}

		if m.Decode.IsCtrl() && c.knobs.BranchLimit > 0 && branches >= c.knobs.BranchLimit {
			stall = StallMaxBranches
			break
		}

		c.ctx.Assertf(!m.Oracle.SpecMode, "wrong-path Mop seq %d reached commit", m.Oracle.Seq)

		if stall = c.advanceComplete(m, now); stall != StallNone {
			break
		}

		if m.Commit.CompleteIndex != -1 {
			if m.Commit.CompleteIndex == 0 {
				stall = StallNotReady
			} else {
				stall = StallPartial
			}
			break
		}

		var fused bool
		if fused, stall = c.commitHead(m, now); stall != StallNone {
			break
		}
		if fused {
			n--
		}

		if m.Commit.CommitIndex != -1 {
			continue
		}

		if m.Decode.IsCtrl() {
			branches++
		}

		if m.Decode.Flags.Serialize {
			flush = m
			break
		}
	}

	c.lastStall = stall
	c.stats.Stall.AddSample(int(stall))

	if flush != nil {
		c.stats.MachineClears++
		c.ctx.Trace("serializing flush", "seq", flush.Oracle.Seq, "pc", flush.Fetch.PC)
		c.oracle.PipeFlush(flush)
	}
}

// advanceComplete moves the completion frontier of m over completed uops.
// When the whole flow has completed, the branch predictor is trained.
func (c *Stage) advanceComplete(m *uarch.Mop, now uint64) StallReason {
	if m.Commit.CompleteIndex == -1 {
		return StallNone
	}

	for {
		u := &m.Flow[m.Commit.CompleteIndex]
		if !u.Completed(now) {
			return StallNone
		}

		if u.Decode.IsSTA && !c.exec.ExecFusedST(u) {
			return StallSTQ
		}

		m.Commit.CompleteIndex++
		if m.Commit.CompleteIndex < m.Decode.FlowLength {
			continue
		}

		m.Commit.CompleteIndex = -1
		if c.bpred != nil && m.Fetch.BpredUpdate != nil {
			c.bpred.Update(m.Fetch.BpredUpdate, m.Decode.Flags,
				m.Fetch.PC, m.Fetch.FtPC, m.Decode.TargetPC, m.Oracle.NextPC, m.Oracle.TakenBranch)
			c.bpred.ReturnStateCache(m.Fetch.BpredUpdate)
			m.Fetch.BpredUpdate = nil
		}

		return StallNone
	}
}

// commitHead retires the uop at the ROB head. fused is set when the entry
// still holds later members of the same fused group.
func (c *Stage) commitHead(m *uarch.Mop, now uint64) (fused bool, stall StallReason) {
	u := c.rob[c.robHead]

	c.ctx.Assertf(u.Completed(now), "committing incomplete uop %d", u.ID)
	c.ctx.Assertf(u.Alloc.ROBIndex == c.robHead, "uop %d ROB index %d, head %d",
		u.ID, u.Alloc.ROBIndex, c.robHead)
	c.ctx.Assertf(u == &m.Flow[m.Commit.CommitIndex], "uop %d committed out of flow order", u.ID)

	if u.Decode.BOM && m.Timing.WhenCommitStarted == uarch.TickMax {
		m.Timing.WhenCommitStarted = now
	}

	if u.Decode.IsSTA {
		c.exec.STQDeallocateSTA(u)
	}

	if u.Decode.IsSTD && !c.exec.STQDeallocateSTD(u) {
		return false, StallSTQ
	}

	if u.Decode.IsLoad {
		u.Exec.ActionID = c.ctx.NewActionID()
	}

	if u.Decode.EOM {
		m.Timing.WhenCommitFinished = now
	}

	if !u.Decode.InFusion || u.Decode.FusionNext == uarch.NoUop {
		c.rob[c.robHead] = nil
		c.robNum--
		c.robEffNum--
		c.robHead = (c.robHead + 1) % c.knobs.ROBSize
		if u.Decode.InFusion {
			c.stats.Fusions++
		}
	} else {
		next := c.ctx.Arena.Uop(u.Decode.FusionNext)
		c.rob[c.robHead] = next
		c.robEffNum--
		fused = true
	}

	u.Alloc.ROBIndex = -1

	if !m.Decode.Flags.Trap {
		c.uopSlip(u, now)
	}

	for _, r := range u.Decode.Odep {
		switch {
		case r.IsInt():
			c.stats.RegfileWrites++
		case r.IsFP():
			c.stats.FPRegfileWrites++
		}
	}

	c.oracle.CommitUop(u)
	c.ctx.Trace("commit uop", "uop", u.ID, "seq", m.Oracle.Seq, "index", u.Decode.Index)

	m.Commit.CommitIndex++
	if m.Commit.CommitIndex >= m.Decode.FlowLength {
		m.Commit.CommitIndex = -1
		c.finishMop(m, now)
	}

	return fused, StallNone
}

// finishMop accounts a fully committed macro-op and retires it from the
// oracle.
func (c *Stage) finishMop(m *uarch.Mop, now uint64) {
	s := &c.stats
	eom := m.Flow[m.Decode.LastUopIndex].Decode.EOM

	if eom {
		s.Insns++
		s.Bytes += uint64(m.Fetch.Len)
	}

	s.Uops += uint64(m.Stat.NumUops)
	s.EffUops += uint64(m.Stat.NumEffUops)
	s.Branches += uint64(m.Stat.NumBranches)
	s.Refs += uint64(m.Stat.NumRefs)
	s.Loads += uint64(m.Stat.NumLoads)

	if m.Decode.HasRep {
		if eom {
			s.RepInsns++
		}
		if !m.Oracle.ZeroRep {
			s.RepIters++
		}
		s.RepUops += uint64(m.Stat.NumUops)
	}

	if m.Stat.NumUops > c.uromThreshold {
		s.UROMInsns++
		s.UROMUops += uint64(m.Stat.NumUops)
		s.UROMEffUops += uint64(m.Stat.NumEffUops)
	}

	s.flowCount += m.Stat.NumUops
	s.effFlowCount += m.Stat.NumEffUops

	if m.Decode.HasRep && m.Flow[0].Decode.BOM {
		c.rep = repTiming{
			fetchStarted:   m.Timing.WhenFetchStarted,
			fetched:        m.Timing.WhenFetched,
			decodeStarted:  m.Timing.WhenDecodeStarted,
			decodeFinished: m.Timing.WhenDecodeFinished,
			commitStarted:  m.Timing.WhenCommitStarted,
		}
	}

	if eom {
		s.FlowHisto.AddSample(s.flowCount)
		s.EffFlowHisto.AddSample(s.effFlowCount)
		s.flowCount = 0
		s.effFlowCount = 0

		switch {
		case m.Decode.Flags.Trap:
			s.Traps++
		case m.Decode.HasRep:
			// Only the last iteration carries EOM, so it alone finishes decode.
			t := c.rep
			t.decodeFinished = m.Timing.WhenDecodeFinished
			c.mopSlip(t, now)
		default:
			c.mopSlip(repTiming{
				fetchStarted:   m.Timing.WhenFetchStarted,
				fetched:        m.Timing.WhenFetched,
				decodeStarted:  m.Timing.WhenDecodeStarted,
				decodeFinished: m.Timing.WhenDecodeFinished,
				commitStarted:  m.Timing.WhenCommitStarted,
			}, now)
		}
	}

	c.ctx.Trace("commit Mop", "seq", m.Oracle.Seq, "pc", m.Fetch.PC, "op", m.Decode.Op)
	c.oracle.Commit(m)
}

func (c *Stage) mopSlip(t repTiming, now uint64) {
	s := &c.stats
	s.MopFetchSlip += slip(t.fetchStarted, t.fetched)
	s.MopF2DSlip += slip(t.fetched, t.decodeStarted)
	s.MopDecodeSlip += slip(t.decodeStarted, t.decodeFinished)
	s.MopD2CSlip += slip(t.decodeFinished, t.commitStarted)
	s.MopCommitSlip += slip(t.commitStarted, now)
}

func (c *Stage) uopSlip(u *uarch.Uop, now uint64) {
	s := &c.stats
	t := &u.Timing
	s.UopD2ASlip += slip(t.WhenDecoded, t.WhenAllocated)
	s.UopA2RSlip += slip(t.WhenAllocated, t.WhenReady)
	s.UopR2ISlip += slip(t.WhenReady, t.WhenIssued)
	s.UopI2ESlip += slip(t.WhenIssued, t.WhenExec)
	s.UopE2WSlip += slip(t.WhenExec, t.WhenCompleted)
	s.UopW2CSlip += slip(t.WhenCompleted, now)
}

// slip returns the cycles between two timestamps, or zero when either has
// not happened.
func slip(from, to uint64) uint64 {
	if from == uarch.TickMax || to == uarch.TickMax || to < from {
		return 0
	}

	return to - from
}
