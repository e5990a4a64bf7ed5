package exec

import "github.com/sarchlab/x86sim/timing/uarch"

// ExecFusedST hands the address of a completed store to its STQ entry. One
// store address is accepted per cycle.
func (e *Unit) ExecFusedST(u *uarch.Uop) bool {
	now := e.ctx.Cycle
	if e.lastFusedST == now {
		return false
	}

	e.lastFusedST = now
	if u.Alloc.STQIndex >= 0 {
		e.stq[u.Alloc.STQIndex].addrReady = true
	}

	return true
}

// STQDeallocateSTA marks the store address of u committed.
func (e *Unit) STQDeallocateSTA(u *uarch.Uop) {
	e.ctx.Assertf(u.Alloc.STQIndex >= 0, "committing store address %d without an STQ entry", u.ID)
	e.stq[u.Alloc.STQIndex].staCommitted = true
}

// STQDeallocateSTD retires the oldest STQ entry into the senior store
// queue. It returns false when the senior queue is full.
func (e *Unit) STQDeallocateSTD(u *uarch.Uop) bool {
	if e.seniorNum >= len(e.senior) {
		return false
	}

	idx := u.Alloc.STQIndex
	e.ctx.Assertf(idx == e.stqHead && e.stqNum > 0,
		"store data %d commits from STQ entry %d, head %d", u.ID, idx, e.stqHead)

	entry := &e.stq[idx]
	e.ctx.Assertf(entry.staCommitted, "store data %d commits before its address", u.ID)

	tail := (e.seniorHead + e.seniorNum) % len(e.senior)
	e.senior[tail] = seniorStore{addr: entry.addr, size: entry.size}
	e.seniorNum++

	if entry.sta != nil {
		entry.sta.Alloc.STQIndex = -1
	}
	u.Alloc.STQIndex = -1

	*entry = storeEntry{}
	e.stqHead = (e.stqHead + 1) % len(e.stq)
	e.stqNum--

	return true
}

// STQDeallocateSenior writes the oldest senior store to the data cache.
func (e *Unit) STQDeallocateSenior() {
	if e.seniorNum == 0 {
		return
	}

	s := e.senior[e.seniorHead]
	e.dl1.Write(s.addr, s.size)
	e.seniorHead = (e.seniorHead + 1) % len(e.senior)
	e.seniorNum--
	e.stats.SeniorWrites++
}

// LDQSquash releases the LDQ entry of a squashed load.
func (e *Unit) LDQSquash(u *uarch.Uop) {
	idx := u.Alloc.LDQIndex
	e.ctx.Assertf(e.ldq[idx] == u, "LDQ entry %d does not hold uop %d", idx, u.ID)

	e.ldq[idx] = nil
	e.ldqNum--
	u.Alloc.LDQIndex = -1
}

// STQSquashSTA drops the store address of a squashed uop.
func (e *Unit) STQSquashSTA(u *uarch.Uop) {
	e.stq[u.Alloc.STQIndex].sta = nil
	u.Alloc.STQIndex = -1
	e.trimSTQ()
}

// STQSquashSTD drops the store data of a squashed uop.
func (e *Unit) STQSquashSTD(u *uarch.Uop) {
	e.stq[u.Alloc.STQIndex].std = nil
	u.Alloc.STQIndex = -1
	e.trimSTQ()
}

// trimSTQ frees dead entries at the young end of the STQ.
func (e *Unit) trimSTQ() {
	for e.stqNum > 0 {
		last := (e.stqTail - 1 + len(e.stq)) % len(e.stq)
		if e.stq[last].live() {
			return
		}

		e.stq[last] = storeEntry{}
		e.stqTail = last
		e.stqNum--
	}
}

// STQSquashSenior drops every senior store.
func (e *Unit) STQSquashSenior() {
	e.stats.SeniorSquashed += uint64(e.seniorNum)
	e.seniorHead = 0
	e.seniorNum = 0
}
