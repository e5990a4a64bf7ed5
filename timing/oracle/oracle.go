// Package oracle tracks the functional instruction stream of a core. It
// turns handshakes into macro-ops, keeps them in an ordered window until they
// commit, follows wrong paths when fetch asks for a PC the program never
// executed, and rewinds itself when the pipeline recovers.
package oracle

import (
	"bytes"

	"github.com/sarchlab/x86sim/feeder"
	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/timing/bpred"
	"github.com/sarchlab/x86sim/timing/config"
	"github.com/sarchlab/x86sim/timing/stats"
	"github.com/sarchlab/x86sim/timing/uarch"
	"golang.org/x/arch/x86/x86asm"
)

// Feeder supplies the correct-path handshakes.
type Feeder interface {
	Peek() (*feeder.Handshake, bool)
	Pop()
	Exhausted() bool
}

// Pipeline unrolls the state the pipeline stages hold for squashed
// macro-ops. The core implements it.
type Pipeline interface {
	// RecoverPipe squashes everything younger than m and redirects fetch
	// to pc.
	RecoverPipe(m *uarch.Mop, pc uint64)
	// FlushPipe squashes everything and redirects fetch to pc.
	FlushPipe(pc uint64)
}

// StateCacheReturner takes back branch predictor state caches of squashed
// macro-ops.
type StateCacheReturner interface {
	ReturnStateCache(sc *bpred.StateCache)
}

// CodeImage serves instruction bytes of the simulated program.
type CodeImage interface {
	Code(pc uint64) ([]byte, bool)
}

// Stats counts oracle activity.
type Stats struct {
	Executed       uint64
	SpecExecuted   uint64
	Replayed       uint64
	Committed      uint64
	Undone         uint64
	Recoveries     uint64
	Flushes        uint64
	DecodeErrors   uint64
	MemMismatches  uint64
	Occupancy      uint64
	SpecOccupancy  uint64
	CrackCacheHits uint64
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithCodeImage lets wrong-path fetch crack instructions at addresses the
// correct path has not executed yet.
func WithCodeImage(img CodeImage) Option {
	return func(o *Oracle) {
		o.image = img
	}
}

// WithPipeline sets the pipeline unrolled by PipeRecover and PipeFlush.
func WithPipeline(p Pipeline) Option {
	return func(o *Oracle) {
		o.pipe = p
	}
}

// WithStateCacheReturner sets where squashed predictor state goes.
func WithStateCacheReturner(r StateCacheReturner) Option {
	return func(o *Oracle) {
		o.bpred = r
	}
}

type crackEntry struct {
	code []byte
	inst *insts.Instruction
}

type codeEntry struct {
	code []byte
	mem  []feeder.MemAccess
}

// Oracle is the functional front of a core.
type Oracle struct {
	ctx     *uarch.Context
	decoder *insts.Decoder
	feed    Feeder
	pipe    Pipeline
	bpred   StateCacheReturner
	image   CodeImage

	// The MopQ is a ring over the arena slots.
	head, tail, num int
	nonSpecNum      int
	seq             uint64

	current       *uarch.Mop
	specMode      bool
	drainPipeline bool

	lastCommitRepContinues bool
	lastCommitPC           uint64

	shadow *shadowWindow
	depMap map[insts.Reg][]uarch.UopID

	crackCache map[uint64]crackEntry
	codeCache  map[uint64]codeEntry
	specStores map[uint64]int

	histogram *stats.Histogram
	stats     Stats
}

// New creates an oracle over ctx.Arena, whose slot count is the MopQ size.
func New(
	ctx *uarch.Context,
	knobs config.OracleKnobs,
	feed Feeder,
	opts ...Option,
) *Oracle {
	o := &Oracle{
		ctx:  ctx,
		feed: feed,
		decoder: insts.NewDecoder(
			insts.WithMode(knobs.Mode),
			insts.WithMaxFlowLength(knobs.MaxFlowLength),
			insts.WithLoadOpFusion(knobs.FuseLoadOp),
			insts.WithStoreFusion(knobs.FuseSTASTD),
		),
		shadow:     newShadowWindow(knobs.ShadowSize),
		depMap:     make(map[insts.Reg][]uarch.UopID),
		crackCache: make(map[uint64]crackEntry),
		codeCache:  make(map[uint64]codeEntry),
		specStores: make(map[uint64]int),
		histogram:  stats.NewNamedHistogram(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// CanExec reports whether Exec may produce a new macro-op.
func (o *Oracle) CanExec() bool {
	return o.current == nil && !o.drainPipeline && o.num < o.ctx.Arena.NumSlots()
}

// Draining reports whether a trap is waiting to commit.
func (o *Oracle) Draining() bool {
	return o.drainPipeline
}

// SpecMode reports whether the oracle is on a wrong path.
func (o *Oracle) SpecMode() bool {
	return o.specMode
}

// MopQNum returns the number of in-flight macro-ops.
func (o *Oracle) MopQNum() int {
	return o.num
}

// MopsBeforeFeeder returns how many handshakes will be replayed from the
// shadow window before the feeder is consulted again.
func (o *Oracle) MopsBeforeFeeder() int {
	return o.shadow.num - o.nonSpecNum
}

// OnNukeRecoveryPath reports whether the oracle is replaying.
func (o *Oracle) OnNukeRecoveryPath() bool {
	return o.MopsBeforeFeeder() > 0
}

// PendingPC returns the PC of the next correct-path instruction, if known.
func (o *Oracle) PendingPC() (uint64, bool) {
	if o.OnNukeRecoveryPath() {
		return o.shadow.at(o.nonSpecNum).PC, true
	}

	h, ok := o.feed.Peek()
	if !ok || h.KillThread {
		return 0, false
	}

	return h.PC, true
}

// Drained reports whether the stream ended and every macro-op committed.
func (o *Oracle) Drained() bool {
	return o.num == 0 && !o.OnNukeRecoveryPath() && o.feed.Exhausted()
}

// Head returns the oldest in-flight macro-op, or nil.
func (o *Oracle) Head() *uarch.Mop {
	if o.num == 0 {
		return nil
	}

	return o.ctx.Arena.Mop(o.head)
}

// Producers returns the in-flight writers of r, oldest first.
func (o *Oracle) Producers(r insts.Reg) []uarch.UopID {
	return o.depMap[r]
}

// SpecStores returns the number of addresses written on wrong paths.
func (o *Oracle) SpecStores() int {
	return len(o.specStores)
}

// Stats returns the oracle statistics.
func (o *Oracle) Stats() Stats {
	return o.stats
}

// Histogram returns the committed instruction mix by mnemonic.
func (o *Oracle) Histogram() *stats.Histogram {
	return o.histogram
}

// RegisterStats registers the oracle statistics.
func (o *Oracle) RegisterStats(r *stats.Registry) {
	s := &o.stats
	r.Counter("oracle_num_Mops", "Mops executed, including wrong path", &s.Executed)
	r.Counter("oracle_num_spec_Mops", "wrong-path Mops executed", &s.SpecExecuted)
	r.Counter("oracle_num_replayed", "handshakes replayed from the shadow window", &s.Replayed)
	r.Counter("oracle_num_undone", "Mops undone by recovery", &s.Undone)
	r.Counter("oracle_num_recoveries", "oracle recoveries", &s.Recoveries)
	r.Counter("oracle_num_flushes", "complete pipeline flushes", &s.Flushes)
	r.Counter("oracle_decode_errors", "handshakes the decoder did not understand", &s.DecodeErrors)
	r.Counter("oracle_mem_mismatches", "handshakes with fewer memory accesses than their flow", &s.MemMismatches)
	r.Counter("oracle_crack_cache_hits", "decodes served from the crack cache", &s.CrackCacheHits)
	r.Counter("oracle_total_occupancy", "cumulative MopQ occupancy", &s.Occupancy)
	r.Counter("oracle_total_spec_occupancy", "cumulative wrong-path MopQ occupancy", &s.SpecOccupancy)
	r.Formula("oracle_avg_occupancy", "average MopQ occupancy",
		stats.Ratio(&s.Occupancy, &o.ctx.Cycle))
}

// UpdateOccupancy samples the MopQ occupancy for this cycle.
func (o *Oracle) UpdateOccupancy() {
	o.stats.Occupancy += uint64(o.num)
	o.stats.SpecOccupancy += uint64(o.num - o.nonSpecNum)
}

func (o *Oracle) next(idx int) int {
	return (idx + 1) % o.ctx.Arena.NumSlots()
}

func (o *Oracle) prev(idx int) int {
	n := o.ctx.Arena.NumSlots()
	return (idx - 1 + n) % n
}

func (o *Oracle) youngest() *uarch.Mop {
	if o.num == 0 {
		return nil
	}

	return o.ctx.Arena.Mop(o.prev(o.tail))
}

// Exec returns the macro-op at requestedPC. It returns the macro-op of an
// earlier call that was not consumed yet, and nil while the feeder has
// nothing to offer.
func (o *Oracle) Exec(requestedPC uint64) *uarch.Mop {
	if o.current != nil {
		return o.current
	}

	o.ctx.Assertf(o.CanExec(), "oracle exec while it cannot execute")

	var h *feeder.Handshake
	if !o.specMode {
		var fromFeeder bool
		h, fromFeeder = o.nextHandshake()
		if h == nil {
			return nil
		}

		if h.PC != requestedPC {
			o.specMode = true
			o.ctx.Trace("oracle enters wrong path", "pc", requestedPC, "expected", h.PC)
			h = nil
		} else if fromFeeder {
			o.ctx.Assertf(!o.shadow.full(), "shadow window overflow")
			o.shadow.push(*h)
			o.feed.Pop()
			h = o.shadow.at(o.shadow.num - 1)
		} else {
			o.stats.Replayed++
		}
	}

	var m *uarch.Mop
	if h != nil {
		m = o.execHandshake(h)
	} else {
		m = o.execWrongPath(requestedPC)
	}

	o.current = m
	o.stats.Executed++

	return m
}

// nextHandshake returns the next correct-path handshake and whether it still
// sits in the feeder.
func (o *Oracle) nextHandshake() (*feeder.Handshake, bool) {
	if o.OnNukeRecoveryPath() {
		return o.shadow.at(o.nonSpecNum), false
	}

	h, ok := o.feed.Peek()
	if !ok {
		return nil, false
	}

	if h.KillThread {
		o.feed.Pop()
		return nil, false
	}

	return h, true
}

func (o *Oracle) crack(pc uint64, code []byte) *insts.Instruction {
	if e, ok := o.crackCache[pc]; ok && bytes.Equal(e.code, code) {
		o.stats.CrackCacheHits++
		return e.inst
	}

	inst, err := o.decoder.Decode(pc, code)
	if err != nil {
		o.stats.DecodeErrors++
		o.ctx.Trace("oracle decode error", "err", err)
		inst = o.decoder.Generic(pc, len(code))
	}

	o.crackCache[pc] = crackEntry{code: append([]byte(nil), code...), inst: inst}

	return inst
}

// imageCode returns the encoding at pc from the code image, trimmed to one
// instruction.
func (o *Oracle) imageCode(pc uint64) ([]byte, bool) {
	if o.image == nil {
		return nil, false
	}

	code, ok := o.image.Code(pc)
	if !ok {
		return nil, false
	}

	if e, ok := o.crackCache[pc]; ok && bytes.HasPrefix(code, e.code) {
		return code[:len(e.code)], true
	}

	inst, err := o.decoder.Decode(pc, code)
	if err != nil {
		return nil, false
	}

	return code[:inst.Len], true
}

func (o *Oracle) execHandshake(h *feeder.Handshake) *uarch.Mop {
	o.codeCache[h.PC] = codeEntry{
		code: append([]byte(nil), h.Code...),
		mem:  append([]feeder.MemAccess(nil), h.Mem...),
	}

	inst := o.crack(h.PC, h.Code)

	zeroRep := inst.HasRep && len(h.Mem) == 0
	if !zeroRep && len(h.Mem) < inst.NumMemSlots() {
		o.stats.MemMismatches++
		o.ctx.Trace("oracle memory mismatch", "pc", h.PC, "accesses", len(h.Mem),
			"slots", inst.NumMemSlots())
	}

	m := o.allocMop(inst, zeroRep)
	m.Oracle.NextPC = h.NPC
	m.Oracle.TakenBranch = h.Taken
	m.Oracle.RepContinues = inst.HasRep && h.NPC == h.PC

	o.setupFlow(m, inst, h.Mem, zeroRep)
	o.nonSpecNum++

	if inst.Flags.Trap {
		o.drainPipeline = true
	}

	return m
}

func (o *Oracle) execWrongPath(pc uint64) *uarch.Mop {
	var (
		inst *insts.Instruction
		mem  []feeder.MemAccess
	)

	if e, ok := o.codeCache[pc]; ok {
		inst = o.crack(pc, e.code)
		mem = e.mem
	} else if code, ok := o.imageCode(pc); ok {
		inst = o.crack(pc, code)
	} else {
		inst = o.decoder.Generic(pc, 1)
	}

	zeroRep := inst.HasRep && len(mem) == 0
	m := o.allocMop(inst, zeroRep)
	m.Oracle.SpecMode = true
	m.Oracle.NextPC = m.Fetch.FtPC
	if inst.TargetKnown && inst.Flags.Uncond {
		m.Oracle.NextPC = inst.Target
		m.Oracle.TakenBranch = true
	}

	o.setupFlow(m, inst, mem, zeroRep)

	for i := range m.Flow {
		u := &m.Flow[i]
		if specStore(u) {
			o.specStores[u.Exec.MemAddr]++
		}
	}

	o.stats.SpecExecuted++

	return m
}

// specStore reports whether u is a store address tracked in the wrong-path
// store overlay.
func specStore(u *uarch.Uop) bool {
	return u.Decode.IsSTA && u.Decode.MemSlot >= 0
}

var zeroRepFlow = []insts.UopTemplate{{
	Class:   insts.ClassALU,
	Idep:    [insts.MaxIdeps]insts.Reg{insts.Reg(x86asm.RCX)},
	MemSlot: -1,
}}

func (o *Oracle) allocMop(inst *insts.Instruction, zeroRep bool) *uarch.Mop {
	flowLen := len(inst.Flow)
	if zeroRep {
		flowLen = len(zeroRepFlow)
	}

	m := o.ctx.Arena.AllocMop(o.tail, flowLen)
	o.tail = o.next(o.tail)
	o.num++

	o.seq++
	m.Oracle.Seq = o.seq
	m.Oracle.ZeroRep = zeroRep

	m.Fetch.PC = inst.PC
	m.Fetch.Len = inst.Len
	m.Fetch.FtPC = inst.PC + uint64(inst.Len)

	m.Decode.Op = inst.Op
	m.Decode.Flags = inst.Flags
	m.Decode.TargetPC = inst.Target
	m.Decode.TargetKnown = inst.TargetKnown
	m.Decode.HasRep = inst.HasRep
	m.Decode.Microcoded = inst.Microcoded
	if inst.HasRep {
		// A REP iteration either loops on itself or falls through.
		m.Decode.TargetPC = inst.PC
		m.Decode.TargetKnown = true
	}

	return m
}

func (o *Oracle) setupFlow(
	m *uarch.Mop,
	inst *insts.Instruction,
	mem []feeder.MemAccess,
	zeroRep bool,
) {
	flow := inst.Flow
	if zeroRep {
		flow = zeroRepFlow
	}

	firstIteration := true
	if inst.HasRep {
		prevContinues, prevPC := o.lastCommitRepContinues, o.lastCommitPC
		if o.num > 1 {
			prev := o.ctx.Arena.Mop(o.prev(o.prev(o.tail)))
			prevContinues, prevPC = prev.Oracle.RepContinues, prev.Fetch.PC
		}
		firstIteration = !(prevContinues && prevPC == inst.PC)
	}

	last := len(flow) - 1
	for i := range flow {
		u := &m.Flow[i]
		u.Decode.UopTemplate = flow[i]
		u.Decode.MopSeq = m.Oracle.Seq
		u.Decode.BOM = i == 0 && firstIteration
		u.Decode.EOM = i == last && !m.Oracle.RepContinues
		u.Exec.ActionID = o.ctx.NewActionID()

		if s := flow[i].MemSlot; s >= 0 && s < len(mem) {
			u.Exec.MemAddr = mem[s].Addr
			u.Exec.MemSize = mem[s].Size
		}

		m.Stat.NumEffUops++
		switch {
		case u.Decode.IsLoad:
			m.Stat.NumLoads++
			m.Stat.NumRefs++
		case u.Decode.IsSTA:
			m.Stat.NumRefs++
		}
	}

	o.linkFusion(m)

	for i := range m.Flow {
		if !m.Flow[i].Decode.InFusion || m.Flow[i].Decode.IsFusionHead {
			m.Stat.NumUops++
		}
	}
	if m.Decode.Flags.Ctrl {
		m.Stat.NumBranches = 1
	}

	for i := range m.Flow {
		o.installDependencies(&m.Flow[i])
		o.installMapping(&m.Flow[i])
	}
}

func (o *Oracle) linkFusion(m *uarch.Mop) {
	for i := 0; i < len(m.Flow); {
		if !m.Flow[i].Decode.FuseNext || i+1 == len(m.Flow) {
			i++
			continue
		}

		head := &m.Flow[i]
		head.Decode.InFusion = true
		head.Decode.IsFusionHead = true
		head.Decode.FusionHead = head.ID
		head.Decode.FusionSize = 1

		j := i
		for m.Flow[j].Decode.FuseNext && j+1 < len(m.Flow) {
			cur, nxt := &m.Flow[j], &m.Flow[j+1]
			cur.Decode.FusionNext = nxt.ID
			nxt.Decode.InFusion = true
			nxt.Decode.FusionHead = head.ID
			head.Decode.FusionSize++
			j++
		}
		i = j + 1
	}
}

func (o *Oracle) installDependencies(u *uarch.Uop) {
	for j, r := range u.Decode.Idep {
		if r == insts.RegNone {
			continue
		}

		if producers := o.depMap[r]; len(producers) > 0 {
			o.ctx.Arena.Link(producers[len(producers)-1], u.ID, j)
		}
	}
}

func (o *Oracle) installMapping(u *uarch.Uop) {
	for _, r := range u.Decode.Odep {
		if r == insts.RegNone {
			continue
		}

		o.depMap[r] = append(o.depMap[r], u.ID)
	}
}

func (o *Oracle) commitMapping(u *uarch.Uop) {
	for _, r := range u.Decode.Odep {
		if r == insts.RegNone {
			continue
		}

		producers := o.depMap[r]
		o.ctx.Assertf(len(producers) > 0 && producers[0] == u.ID,
			"uop %d is not the oldest writer of %s", u.ID, r)

		if len(producers) == 1 {
			delete(o.depMap, r)
		} else {
			o.depMap[r] = producers[1:]
		}
	}
}

func (o *Oracle) undoMapping(u *uarch.Uop) {
	for k := len(u.Decode.Odep) - 1; k >= 0; k-- {
		r := u.Decode.Odep[k]
		if r == insts.RegNone {
			continue
		}

		producers := o.depMap[r]
		n := len(producers)
		o.ctx.Assertf(n > 0 && producers[n-1] == u.ID,
			"uop %d is not the youngest writer of %s", u.ID, r)

		if n == 1 {
			delete(o.depMap, r)
		} else {
			o.depMap[r] = producers[:n-1]
		}
	}
}

// Consume hands m over to the pipeline.
func (o *Oracle) Consume(m *uarch.Mop) {
	o.ctx.Assertf(m == o.current, "consuming Mop seq %d that is not current", m.Oracle.Seq)
	o.current = nil
}

// CommitUop retires u. Uops must commit oldest first.
func (o *Oracle) CommitUop(u *uarch.Uop) {
	m := u.Mop
	o.ctx.Assertf(m == o.Head(), "committing uop of Mop seq %d out of order", m.Oracle.Seq)
	for _, p := range u.Exec.Idep {
		o.ctx.Assertf(p == uarch.NoUop, "committing uop %d with an uncommitted producer", u.ID)
	}

	o.ctx.Arena.UnlinkConsumers(u.ID)
	o.commitMapping(u)
}

// Commit retires m, the oldest macro-op, after all its uops committed.
func (o *Oracle) Commit(m *uarch.Mop) {
	o.ctx.Assertf(m == o.Head(), "committing Mop seq %d that is not the oldest", m.Oracle.Seq)
	o.ctx.Assertf(!m.Oracle.SpecMode, "committing wrong-path Mop seq %d", m.Oracle.Seq)
	o.ctx.Assertf(o.shadow.num > 0, "shadow window empty at commit")

	o.lastCommitRepContinues = m.Oracle.RepContinues
	o.lastCommitPC = m.Fetch.PC

	if m.Decode.Flags.Trap {
		o.drainPipeline = false
	}

	if m.Flow[len(m.Flow)-1].Decode.EOM {
		o.histogram.Add(m.Decode.Op)
	}

	o.shadow.popFront()
	o.nonSpecNum--
	o.ctx.Arena.FreeMop(m)
	o.head = o.next(o.head)
	o.num--
	o.stats.Committed++

	o.ctx.Trace("oracle commit", "seq", m.Oracle.Seq, "pc", m.Fetch.PC)
}

// Recover undoes every macro-op younger than m. The pipeline stages must
// already have squashed their own state for those macro-ops.
func (o *Oracle) Recover(m *uarch.Mop) {
	o.stats.Recoveries++

	for o.num > 0 {
		y := o.youngest()
		if y == m {
			break
		}
		o.ctx.Assertf(m.Older(y), "Mop seq %d not found during recovery", m.Oracle.Seq)

		o.undo(y, false)
	}

	o.current = nil
	o.specMode = m.Oracle.SpecMode

	o.ctx.Trace("oracle recover", "seq", m.Oracle.Seq, "spec", o.specMode)
}

// PipeRecover squashes everything younger than m in the pipeline and the
// oracle and restarts fetch at pc.
func (o *Oracle) PipeRecover(m *uarch.Mop, pc uint64) {
	if o.pipe != nil {
		o.pipe.RecoverPipe(m, pc)
	}

	o.Recover(m)
}

// PipeFlush squashes every in-flight macro-op and restarts fetch after m,
// which may already have committed. Correct-path instructions already taken
// from the feeder are replayed from the shadow window.
func (o *Oracle) PipeFlush(m *uarch.Mop) {
	pc := m.Oracle.NextPC

	if o.pipe != nil {
		o.pipe.FlushPipe(pc)
	}

	o.completeFlush()

	o.ctx.Trace("oracle flush", "seq", m.Oracle.Seq, "pc", pc)
}

func (o *Oracle) completeFlush() {
	o.stats.Flushes++

	for o.num > 0 {
		o.undo(o.youngest(), true)
	}

	o.current = nil
	o.specMode = false
	o.drainPipeline = false
	o.ctx.Assertf(len(o.depMap) == 0, "dependency map not empty after flush")
	o.ctx.Assertf(len(o.specStores) == 0, "wrong-path stores left after flush")
}

// undo removes the youngest macro-op m.
func (o *Oracle) undo(m *uarch.Mop, nuke bool) {
	o.ctx.Assertf(m == o.youngest(), "undoing Mop seq %d that is not the youngest", m.Oracle.Seq)

	for i := len(m.Flow) - 1; i >= 0; i-- {
		u := &m.Flow[i]
		u.Exec.ActionID = o.ctx.NewActionID()
		o.ctx.Arena.Unlink(u.ID)
		o.undoMapping(u)

		if m.Oracle.SpecMode && specStore(u) {
			addr := u.Exec.MemAddr
			o.ctx.Assertf(o.specStores[addr] > 0, "wrong-path store %#x undone twice", addr)
			if o.specStores[addr]--; o.specStores[addr] == 0 {
				delete(o.specStores, addr)
			}
		}
	}

	if m.Fetch.BpredUpdate != nil && o.bpred != nil {
		o.bpred.ReturnStateCache(m.Fetch.BpredUpdate)
	}
	m.Fetch.BpredUpdate = nil

	if m.Decode.Flags.Trap && !m.Oracle.SpecMode {
		o.drainPipeline = false
	}

	if !m.Oracle.SpecMode {
		o.nonSpecNum--
	}

	o.ctx.Arena.FreeMop(m)
	o.tail = o.prev(o.tail)
	o.num--
	o.stats.Undone++

	if nuke {
		o.ctx.Trace("oracle nuke", "seq", m.Oracle.Seq)
	}
}
