package commit

import "github.com/sarchlab/x86sim/timing/uarch"

// PreCommitAvailable reports whether the first wavefront of the pre-commit
// pipe has a free slot.
func (c *Stage) PreCommitAvailable() bool {
	for i := 0; i < c.knobs.Width; i++ {
		if c.preCommit[i] == nil {
			return true
		}
	}

	return false
}

// PreCommitInsert places a completed uop into the first wavefront. A member
// of a fused group is represented by its head.
func (c *Stage) PreCommitInsert(u *uarch.Uop) {
	if u.Decode.InFusion {
		u = c.ctx.Arena.Uop(u.Decode.FusionHead)
	}

	for i := c.knobs.Width - 1; i >= 0; i-- {
		if c.preCommit[i] == nil {
			c.preCommit[i] = u
			c.ctx.Trace("pre-commit insert", "uop", u.ID, "seq", u.Decode.MopSeq, "slot", i)

			return
		}
	}

	c.ctx.Assertf(false, "pre-commit insert with no free slot")
}

// PreCommitStep moves the last wavefront into the ROB and shifts the rest of
// the pipe forward by one wavefront. The oldest uop of a wavefront sits in
// its highest slot. When the ROB cannot take the whole wavefront, the pipe
// does not move this cycle.
func (c *Stage) PreCommitStep() {
	width := c.knobs.Width
	depth := len(c.preCommit)
	last := depth - width

	need := 0
	for i := last; i < depth; i++ {
		if c.preCommit[i] != nil {
			need++
		}
	}

	if c.robNum+need > c.knobs.ROBSize {
		c.stats.PreCommitStalls++
		return
	}

	for i := depth - 1; i >= last; i-- {
		u := c.preCommit[i]
		if u == nil {
			continue
		}

		c.robInsert(u)
		if u.Decode.InFusion {
			for id := u.Decode.FusionNext; id != uarch.NoUop; {
				body := c.ctx.Arena.Uop(id)
				c.robFuseInsert(body, u)
				id = body.Decode.FusionNext
			}
		}

		c.preCommit[i] = nil
	}

	for i := last - 1; i >= 0; i-- {
		if c.preCommit[i] == nil {
			continue
		}

		c.ctx.Assertf(c.preCommit[i+width] == nil, "pre-commit slot %d still occupied", i+width)
		c.preCommit[i+width] = c.preCommit[i]
		c.preCommit[i] = nil
	}
}

func (c *Stage) preCommitRecover(m *uarch.Mop) {
	for i := len(c.preCommit) - 1; i >= 0; i-- {
		u := c.preCommit[i]
		if u == nil || u.Decode.MopSeq <= m.Oracle.Seq {
			continue
		}

		c.squashUop(u)
		c.preCommit[i] = nil
	}
}

func (c *Stage) preCommitRecoverAll() {
	for i := len(c.preCommit) - 1; i >= 0; i-- {
		if u := c.preCommit[i]; u != nil {
			c.squashUop(u)
			c.preCommit[i] = nil
		}
	}
}
