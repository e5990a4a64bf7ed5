// Package exec implements a simple in-order execution core that drives the
// commit engine: allocation and issue from the uop queue, the load queue
// (LDQ), the store queue (STQ) with its senior stores, the L1 data cache,
// and branch resolution.
//
// Issued uops enter the pre-commit pipe immediately; commit retires them
// once their completion time has passed. A load that misses in the data
// cache completes when its response arrives. Responses are tagged with the
// uop's action id and dropped if the uop was squashed in the meantime.
package exec

import (
	"github.com/sarchlab/x86sim/timing/cache"
	"github.com/sarchlab/x86sim/timing/config"
	"github.com/sarchlab/x86sim/timing/latency"
	"github.com/sarchlab/x86sim/timing/stats"
	"github.com/sarchlab/x86sim/timing/uarch"
)

// UopQueue is the decoded uop stream.
type UopQueue interface {
	UopAvailable() bool
	UopPeek() *uarch.Uop
	UopConsume()
}

// PreCommit accepts issued uops.
type PreCommit interface {
	PreCommitAvailable() bool
	PreCommitInsert(u *uarch.Uop)
}

// Resteerer receives branch mispredictions.
type Resteerer interface {
	JeclearEnqueue(m *uarch.Mop, pc uint64)
}

// StallReason explains why issue stopped before its width.
type StallReason int

// Issue stall reasons.
const (
	StallNone StallReason = iota
	StallEmpty
	StallNotDecoded
	StallPreCommit
	StallLDQ
	StallSTQ
	StallNotReady
	NumStallReasons
)

var stallNames = [NumStallReasons]string{
	"no stall",
	"uop queue empty",
	"fused group not decoded",
	"pre-commit full",
	"LDQ full",
	"STQ full",
	"operands not ready",
}

// String returns a description of the reason.
func (r StallReason) String() string {
	if r >= 0 && r < NumStallReasons {
		return stallNames[r]
	}

	return "unknown"
}

// Stats holds the execution statistics.
type Stats struct {
	Issued        uint64
	IssuedEntries uint64
	Loads         uint64
	Stores        uint64
	Forwards      uint64

	DL1Hits        uint64
	DL1Misses      uint64
	StaleResponses uint64

	Mispredictions   uint64
	StaleResolutions uint64

	SeniorWrites   uint64
	SeniorSquashed uint64

	LDQOccupancy    uint64
	STQOccupancy    uint64
	SeniorOccupancy uint64

	Stall *stats.Distribution
}

type storeEntry struct {
	sta *uarch.Uop
	std *uarch.Uop

	addr         uint64
	size         int
	addrReady    bool
	staCommitted bool
}

func (e *storeEntry) live() bool {
	return e.sta != nil || e.std != nil
}

type seniorStore struct {
	addr uint64
	size int
}

type response struct {
	uop      *uarch.Uop
	actionID uint64
	when     uint64
}

type resolution struct {
	mop      *uarch.Mop
	seq      uint64
	uop      *uarch.Uop
	actionID uint64
	when     uint64
}

// Unit is the execution core of one core.
type Unit struct {
	ctx   *uarch.Context
	knobs config.ExecKnobs

	uopQ   UopQueue
	commit PreCommit
	fetch  Resteerer

	lat *latency.Table
	dl1 *cache.Cache

	ldq    []*uarch.Uop
	ldqNum int

	stq     []storeEntry
	stqHead int
	stqTail int
	stqNum  int

	senior     []seniorStore
	seniorHead int
	seniorNum  int

	waiting     []*uarch.Uop
	responses   []response
	resolutions []resolution
	group       []*uarch.Uop

	lastCompleted uint64
	lastFusedST   uint64

	lastStall StallReason
	stats     Stats
}

// New creates an execution unit and its data cache hierarchy.
func New(ctx *uarch.Context, knobs config.ExecKnobs) *Unit {
	timing := knobs.Latency
	if timing == nil {
		timing = latency.DefaultTimingConfig()
	}

	var next cache.Level = cache.NewMemory(knobs.MemLatency)
	if knobs.L2 != nil {
		next = cache.New(*knobs.L2, next)
	}

	e := &Unit{
		ctx:         ctx,
		knobs:       knobs,
		lat:         latency.NewTable(timing),
		dl1:         cache.New(knobs.DL1, next),
		ldq:         make([]*uarch.Uop, knobs.LDQSize),
		stq:         make([]storeEntry, knobs.STQSize),
		senior:      make([]seniorStore, knobs.SeniorSize),
		lastFusedST: uarch.TickMax,
	}
	e.stats.Stall = stats.NewDistribution(stallNames[:]...)

	return e
}

// Connect wires the unit to its neighbours.
func (e *Unit) Connect(uopQ UopQueue, commit PreCommit, fetch Resteerer) {
	e.uopQ = uopQ
	e.commit = commit
	e.fetch = fetch
}

// Stats returns the execution statistics.
func (e *Unit) Stats() *Stats {
	return &e.stats
}

// DL1 returns the L1 data cache.
func (e *Unit) DL1() *cache.Cache {
	return e.dl1
}

// LastStall returns the stall reason recorded by the last Step.
func (e *Unit) LastStall() StallReason {
	return e.lastStall
}

// LastCompleted returns the latest completion cycle scheduled so far.
func (e *Unit) LastCompleted() uint64 {
	return e.lastCompleted
}

// LDQNum returns the number of occupied LDQ entries.
func (e *Unit) LDQNum() int {
	return e.ldqNum
}

// STQNum returns the number of occupied STQ entries.
func (e *Unit) STQNum() int {
	return e.stqNum
}

// SeniorNum returns the number of committed stores waiting to write.
func (e *Unit) SeniorNum() int {
	return e.seniorNum
}

// Step processes arrivals for this cycle and then issues up to width uop
// queue entries in order.
func (e *Unit) Step() {
	now := e.ctx.Cycle

	e.deliverResponses(now)
	e.wakeup()
	e.resolve(now)
	e.releaseLoads(now)

	stall := e.issue(now)

	e.lastStall = stall
	e.stats.Stall.AddSample(int(stall))
}

func (e *Unit) issue(now uint64) StallReason {
	for n := 0; n < e.knobs.Width; n++ {
		if !e.uopQ.UopAvailable() {
			return StallEmpty
		}

		head := e.uopQ.UopPeek()
		group := e.members(head)

		loads, stas := 0, 0
		for _, u := range group {
			if u.Timing.WhenDecoded == uarch.TickMax {
				return StallNotDecoded
			}
			if u.Decode.IsLoad {
				loads++
			}
			if u.Decode.IsSTA {
				stas++
			}
		}

		if !e.commit.PreCommitAvailable() {
			return StallPreCommit
		}

		if e.ldqNum+loads > len(e.ldq) {
			return StallLDQ
		}

		if e.stqNum+stas > len(e.stq) {
			return StallSTQ
		}

		if !e.operandsReady(group, now) {
			return StallNotReady
		}

		e.uopQ.UopConsume()

		for _, u := range group {
			e.allocate(u, now)
		}
		for _, u := range group {
			e.schedule(u)
		}

		e.commit.PreCommitInsert(head)
		e.stats.IssuedEntries++
		e.stats.Issued += uint64(len(group))

		e.ctx.Trace("issue", "uop", head.ID, "seq", head.Decode.MopSeq, "uops", len(group))
	}

	return StallNone
}

// members returns the uops issued together with u, in program order.
func (e *Unit) members(u *uarch.Uop) []*uarch.Uop {
	e.group = e.group[:0]
	if !u.Decode.InFusion {
		return append(e.group, u)
	}

	for id := u.Decode.FusionHead; id != uarch.NoUop; {
		m := e.ctx.Arena.Uop(id)
		e.group = append(e.group, m)
		id = m.Decode.FusionNext
	}

	return e.group
}

func sameGroup(a, b *uarch.Uop) bool {
	return a.Decode.InFusion && b.Decode.InFusion && a.Decode.FusionHead == b.Decode.FusionHead
}

func (e *Unit) operandsReady(group []*uarch.Uop, now uint64) bool {
	for _, u := range group {
		for _, p := range u.Exec.Idep {
			if p == uarch.NoUop {
				continue
			}

			pu := e.ctx.Arena.Uop(p)
			if sameGroup(u, pu) {
				continue
			}

			if !pu.Completed(now) {
				return false
			}
		}
	}

	return true
}

func (e *Unit) allocate(u *uarch.Uop, now uint64) {
	u.Timing.WhenAllocated = now
	u.Timing.WhenIssued = now

	switch {
	case u.Decode.IsLoad:
		e.stats.Loads++
		for i, slot := range e.ldq {
			if slot == nil {
				e.ldq[i] = u
				e.ldqNum++
				u.Alloc.LDQIndex = i
				return
			}
		}
		e.ctx.Assertf(false, "LDQ allocation with no free entry")

	case u.Decode.IsSTA:
		e.stats.Stores++
		idx := e.stqTail
		e.stq[idx] = storeEntry{sta: u, addr: u.Exec.MemAddr, size: u.Exec.MemSize}
		e.stqTail = (e.stqTail + 1) % len(e.stq)
		e.stqNum++
		u.Alloc.STQIndex = idx

	case u.Decode.IsSTD:
		idx := e.staIndex(u)
		e.ctx.Assertf(idx >= 0, "store data uop %d without a store address", u.ID)
		e.stq[idx].std = u
		u.Alloc.STQIndex = idx
	}
}

// staIndex returns the STQ entry of the store address uop preceding u in its
// flow.
func (e *Unit) staIndex(u *uarch.Uop) int {
	flow := u.Mop.Flow
	for i := u.Decode.Index - 1; i >= 0; i-- {
		if flow[i].Decode.IsSTA {
			return flow[i].Alloc.STQIndex
		}
	}

	return -1
}

// schedule starts u as soon as all its producers have a completion time.
func (e *Unit) schedule(u *uarch.Uop) {
	ready, ok := e.readyTime(u)
	if !ok {
		e.waiting = append(e.waiting, u)
		return
	}

	e.start(u, ready)
}

func (e *Unit) readyTime(u *uarch.Uop) (uint64, bool) {
	ready := e.ctx.Cycle
	for _, p := range u.Exec.Idep {
		if p == uarch.NoUop {
			continue
		}

		done := e.ctx.Arena.Uop(p).Timing.WhenCompleted
		if done == uarch.TickMax {
			return 0, false
		}
		ready = max(ready, done)
	}

	return ready, true
}

func (e *Unit) start(u *uarch.Uop, t uint64) {
	u.Timing.WhenReady = t
	u.Timing.WhenExec = t

	lat := e.lat.GetLatency(u.Decode.Class)
	if !u.Decode.IsLoad {
		e.complete(u, t+lat)
		return
	}

	if e.forwards(u.Exec.MemAddr) {
		e.stats.Forwards++
		e.complete(u, t+lat+e.knobs.DL1.HitLatency)
		return
	}

	res := e.dl1.Read(u.Exec.MemAddr, u.Exec.MemSize)
	if res.Hit {
		e.stats.DL1Hits++
		e.complete(u, t+lat+res.Latency)
		return
	}

	e.stats.DL1Misses++
	e.responses = append(e.responses, response{
		uop:      u,
		actionID: u.Exec.ActionID,
		when:     t + lat + res.Latency,
	})
	e.ctx.Trace("DL1 miss", "uop", u.ID, "addr", u.Exec.MemAddr, "latency", res.Latency)
}

// forwards reports whether an in-flight or senior store writes addr.
func (e *Unit) forwards(addr uint64) bool {
	for i, n := e.stqHead, 0; n < e.stqNum; i, n = (i+1)%len(e.stq), n+1 {
		if e.stq[i].sta != nil && e.stq[i].addr == addr {
			return true
		}
	}

	for i, n := e.seniorHead, 0; n < e.seniorNum; i, n = (i+1)%len(e.senior), n+1 {
		if e.senior[i].addr == addr {
			return true
		}
	}

	return false
}

func (e *Unit) complete(u *uarch.Uop, t uint64) {
	u.Timing.WhenCompleted = t
	e.lastCompleted = max(e.lastCompleted, t)

	m := u.Mop
	if u.Decode.Index != m.Decode.LastUopIndex || m.Oracle.SpecMode {
		return
	}

	if m.Fetch.PredNPC != m.Oracle.NextPC {
		// Commit runs before exec in a cycle; hold the macro-op from the
		// moment its completion is known.
		m.Commit.JeclearInFlight = true
		e.resolutions = append(e.resolutions, resolution{
			mop:      m,
			seq:      m.Oracle.Seq,
			uop:      u,
			actionID: u.Exec.ActionID,
			when:     t,
		})
	}
}

func (e *Unit) deliverResponses(now uint64) {
	kept := e.responses[:0]
	for _, r := range e.responses {
		switch {
		case r.when > now:
			kept = append(kept, r)
		case r.uop.Exec.ActionID != r.actionID:
			e.stats.StaleResponses++
		default:
			e.complete(r.uop, now)
		}
	}
	e.responses = kept
}

func (e *Unit) wakeup() {
	kept := e.waiting[:0]
	for _, u := range e.waiting {
		ready, ok := e.readyTime(u)
		if !ok {
			kept = append(kept, u)
			continue
		}
		e.start(u, ready)
	}
	e.waiting = kept
}

// resolve reports mispredicted macro-ops whose final uop has completed.
func (e *Unit) resolve(now uint64) {
	kept := e.resolutions[:0]
	for _, r := range e.resolutions {
		switch {
		case r.when > now:
			kept = append(kept, r)
		case r.uop.Exec.ActionID != r.actionID || !r.mop.Valid || r.mop.Oracle.Seq != r.seq:
			e.stats.StaleResolutions++
		default:
			e.stats.Mispredictions++
			e.fetch.JeclearEnqueue(r.mop, r.mop.Oracle.NextPC)
			e.ctx.Trace("mispredict", "seq", r.seq, "pred", r.mop.Fetch.PredNPC,
				"actual", r.mop.Oracle.NextPC)
		}
	}
	e.resolutions = kept
}

func (e *Unit) releaseLoads(now uint64) {
	for i, u := range e.ldq {
		if u != nil && u.Completed(now) {
			e.ldq[i] = nil
			e.ldqNum--
			u.Alloc.LDQIndex = -1
		}
	}
}

// Recover drops scheduling state of uops younger than m. Queue entries are
// released by the commit engine's squash. Recover before resolve.
func (e *Unit) Recover(m *uarch.Mop) {
	seq := m.Oracle.Seq

	waiting := e.waiting[:0]
	for _, u := range e.waiting {
		if u.Decode.MopSeq <= seq {
			waiting = append(waiting, u)
		}
	}
	e.waiting = waiting

	resolutions := e.resolutions[:0]
	for _, r := range e.resolutions {
		if r.seq <= seq {
			resolutions = append(resolutions, r)
		}
	}
	e.resolutions = resolutions
}

// RecoverAll drops all scheduling state.
func (e *Unit) RecoverAll() {
	e.waiting = e.waiting[:0]
	e.resolutions = e.resolutions[:0]
}

// UpdateOccupancy samples the queue occupancies.
func (e *Unit) UpdateOccupancy() {
	e.stats.LDQOccupancy += uint64(e.ldqNum)
	e.stats.STQOccupancy += uint64(e.stqNum)
	e.stats.SeniorOccupancy += uint64(e.seniorNum)
}

// RegisterStats registers the execution and data cache statistics.
func (e *Unit) RegisterStats(r *stats.Registry) {
	s := &e.stats
	cycles := &e.ctx.Cycle

	r.Counter("exec_uops", "total number of uops issued", &s.Issued)
	r.Counter("exec_entries", "total number of uop queue entries issued", &s.IssuedEntries)
	r.Formula("exec_uPC", "uops issued per cycle", stats.Ratio(&s.Issued, cycles))
	r.Counter("exec_loads", "loads issued", &s.Loads)
	r.Counter("exec_stores", "stores issued", &s.Stores)
	r.Counter("exec_forwards", "loads served by store forwarding", &s.Forwards)
	r.Counter("exec_mispredictions", "mispredicted Mops resolved", &s.Mispredictions)
	r.Counter("exec_stale_resolutions", "resolutions dropped for squashed Mops", &s.StaleResolutions)
	r.Counter("exec_stale_responses", "memory responses dropped for squashed uops", &s.StaleResponses)
	r.Counter("exec_senior_writes", "committed stores written to the DL1", &s.SeniorWrites)
	r.Counter("exec_senior_squashed", "senior stores dropped by a flush", &s.SeniorSquashed)
	r.Formula("LDQ_avg", "average LDQ occupancy", stats.Ratio(&s.LDQOccupancy, cycles))
	r.Formula("STQ_avg", "average STQ occupancy", stats.Ratio(&s.STQOccupancy, cycles))
	r.Formula("senior_STQ_avg", "average senior store occupancy", stats.Ratio(&s.SeniorOccupancy, cycles))
	r.Dist("exec_stall", "breakdown of stalls at issue", s.Stall)

	d := e.dl1.StatsRef()
	r.Counter("DL1_reads", "DL1 reads", &d.Reads)
	r.Counter("DL1_writes", "DL1 writes", &d.Writes)
	r.Counter("DL1_hits", "DL1 hits", &d.Hits)
	r.Counter("DL1_misses", "DL1 misses", &d.Misses)
	r.Counter("DL1_evictions", "DL1 evictions", &d.Evictions)
	r.Counter("DL1_writebacks", "DL1 writebacks", &d.Writebacks)
	r.Formula("DL1_hit_rate", "DL1 hit rate", func() float64 {
		return d.HitRate()
	})
}
