package commit

import "github.com/sarchlab/x86sim/timing/uarch"

func (c *Stage) robInsert(u *uarch.Uop) {
	c.ctx.Assertf(c.robNum < c.knobs.ROBSize, "ROB insert with the ROB full")
	c.ctx.Assertf(c.rob[c.robTail] == nil, "ROB tail %d occupied", c.robTail)

	c.rob[c.robTail] = u
	u.Alloc.ROBIndex = c.robTail
	c.robTail = (c.robTail + 1) % c.knobs.ROBSize
	c.robNum++
	c.robEffNum++
}

// robFuseInsert accounts a fused body that shares its head's ROB entry.
func (c *Stage) robFuseInsert(u, head *uarch.Uop) {
	u.Alloc.ROBIndex = head.Alloc.ROBIndex
	c.robEffNum++
}

// effEntries returns how many uops of the entry holding u still occupy the
// ROB.
func (c *Stage) effEntries(u *uarch.Uop) int {
	if !u.Decode.InFusion {
		if u.Alloc.ROBIndex >= 0 {
			return 1
		}
		return 0
	}

	n := 0
	for id := u.Decode.FusionHead; id != uarch.NoUop; {
		m := c.ctx.Arena.Uop(id)
		if m.Alloc.ROBIndex >= 0 {
			n++
		}
		id = m.Decode.FusionNext
	}

	return n
}

// squashUop squashes u, or the whole fused group u belongs to, releasing
// its queue entries and dependency edges.
func (c *Stage) squashUop(u *uarch.Uop) {
	arena := c.ctx.Arena
	if u.Decode.InFusion {
		u = arena.Uop(u.Decode.FusionHead)
	}

	for u != nil {
		u.Exec.ActionID = c.ctx.NewActionID()

		switch {
		case u.Decode.IsLoad && u.Alloc.LDQIndex != -1:
			c.exec.LDQSquash(u)
		case u.Decode.IsSTD && u.Alloc.STQIndex != -1:
			c.exec.STQSquashSTD(u)
		case u.Decode.IsSTA && u.Alloc.STQIndex != -1:
			c.exec.STQSquashSTA(u)
		}

		arena.Unlink(u.ID)
		u.Alloc.ROBIndex = -1

		if !u.Decode.InFusion {
			break
		}
		u = arena.Uop(u.Decode.FusionNext)
	}
}

// Recover squashes every ROB and pre-commit entry younger than m.
func (c *Stage) Recover(m *uarch.Mop) {
	c.robRecover(m)
	c.preCommitRecover(m)
}

func (c *Stage) robRecover(m *uarch.Mop) {
	if c.robNum == 0 {
		return
	}

	size := c.knobs.ROBSize
	total := c.robNum
	kept := 0
	squashed := 0

	for n, i := 0, c.robHead; n < total; n, i = n+1, (i+1)%size {
		u := c.rob[i]
		if u.Decode.MopSeq <= m.Oracle.Seq {
			kept++
			continue
		}

		c.robEffNum -= c.effEntries(u)
		c.squashUop(u)
		c.rob[i] = nil
		c.robNum--
		squashed++
	}

	c.robTail = (c.robTail - squashed + size) % size
	c.ctx.Assertf(c.robNum == kept, "ROB recover left %d entries, expected %d", c.robNum, kept)

	if squashed > 0 {
		c.ctx.Trace("ROB recover", "seq", m.Oracle.Seq, "squashed", squashed)
	}
}

// RecoverAll squashes everything in the ROB and the pre-commit pipe and
// empties the senior store queue.
func (c *Stage) RecoverAll() {
	size := c.knobs.ROBSize
	for n, i := c.robNum, c.robHead; n > 0; n, i = n-1, (i+1)%size {
		u := c.rob[i]
		c.robEffNum -= c.effEntries(u)
		c.squashUop(u)
		c.rob[i] = nil
		c.robNum--
	}

	c.ctx.Assertf(c.robNum == 0 && c.robEffNum == 0,
		"ROB not empty after full recover: %d entries, %d uops", c.robNum, c.robEffNum)
	c.robTail = c.robHead

	c.preCommitRecoverAll()
	c.exec.STQSquashSenior()
}
