package bpred

import "github.com/sarchlab/x86sim/insts"

// Prediction represents a branch prediction result.
type Prediction struct {
	// Taken indicates whether the branch is predicted to be taken.
	Taken bool
	// Target is the predicted target address (if known from BTB).
	Target uint64
	// TargetKnown indicates whether the target address is known.
	TargetKnown bool
	// Flags are the branch attributes recorded in the BTB.
	Flags insts.OpFlags
}

// Query describes a macro-op presented to the predictor at fetch.
type Query struct {
	PC   uint64
	FtPC uint64
	// Flags are the decoded attributes of the macro-op. Only the perfect
	// predictor consults them for the prediction itself.
	Flags insts.OpFlags
	// OracleNPC is the architecturally correct next PC, when known.
	OracleNPC uint64
}

// StateCache records the speculative predictor state touched by one lookup.
// It is the update token carried by a macro-op from fetch to commit.
type StateCache struct {
	PC      uint64
	FtPC    uint64
	PredNPC uint64
	Flags   insts.OpFlags

	history     uint64
	rasTop      int
	rasTopValue uint64

	bimodalTaken bool
	globalTaken  bool
	predTaken    bool
	inUse        bool
}

// Predictor implements bimodal and tournament direction predictors with a
// Branch Target Buffer (BTB) and a return address stack (RAS).
type Predictor struct {
	kind       Kind
	tournament bool

	// Branch History Table (BHT) - 2-bit saturating counters
	// States: 0=Strongly Not Taken, 1=Weakly Not Taken,
	//         2=Weakly Taken, 3=Strongly Taken
	bht     []uint8
	pht     []uint8
	chooser []uint8

	history     uint64
	historyMask uint64

	btb      []btbEntry
	btbValid []bool

	ras    []uint64
	rasTop int

	bhtSize uint32
	btbSize uint32

	free        []*StateCache
	outstanding int

	stats Stats
}

// btbEntry represents an entry in the Branch Target Buffer.
type btbEntry struct {
	pc     uint64
	target uint64
	flags  insts.OpFlags
}

// NewPredictor creates a new branch predictor with the given configuration.
func NewPredictor(config Config) *Predictor {
	bhtSize := config.BHTSize
	btbSize := config.BTBSize

	if bhtSize == 0 {
		bhtSize = 1024
	}
	if btbSize == 0 {
		btbSize = 256
	}

	kind := config.Kind
	if kind == "" {
		kind = KindBimodal
	}

	bp := &Predictor{
		kind:        kind,
		tournament:  kind == KindTournament || config.UseTournament,
		bht:         make([]uint8, bhtSize),
		pht:         make([]uint8, bhtSize),
		chooser:     make([]uint8, bhtSize),
		historyMask: uint64(1)<<config.GlobalHistoryLength - 1,
		btb:         make([]btbEntry, btbSize),
		btbValid:    make([]bool, btbSize),
		ras:         make([]uint64, max(config.RASSize, 1)),
		bhtSize:     bhtSize,
		btbSize:     btbSize,
	}

	bp.initTables()

	return bp
}

func (bp *Predictor) initTables() {
	// Counters start weakly taken; the chooser starts weakly bimodal.
	for i := range bp.bht {
		bp.bht[i] = 2
		bp.pht[i] = 2
		bp.chooser[i] = 1
	}
}

func (bp *Predictor) bhtIndex(pc uint64) uint32 {
	return uint32((pc ^ pc>>12) & uint64(bp.bhtSize-1))
}

func (bp *Predictor) phtIndex(pc, history uint64) uint32 {
	return uint32((pc ^ history) & uint64(bp.bhtSize-1))
}

func (bp *Predictor) btbIndex(pc uint64) uint32 {
	return uint32((pc ^ pc>>9) & uint64(bp.btbSize-1))
}

// Predict makes a branch prediction for the given PC against the current
// global history.
func (bp *Predictor) Predict(pc uint64) Prediction {
	pred := Prediction{}

	bimodal, global := bp.directions(pc, bp.history)
	pred.Taken = bimodal
	if bp.tournament && bp.chooser[bp.bhtIndex(pc)] >= 2 {
		pred.Taken = global
	}

	btbIdx := bp.btbIndex(pc)
	if bp.btbValid[btbIdx] && bp.btb[btbIdx].pc == pc {
		pred.Target = bp.btb[btbIdx].target
		pred.TargetKnown = true
		pred.Flags = bp.btb[btbIdx].flags
		bp.stats.BTBHits++
	} else {
		bp.stats.BTBMisses++
	}

	return pred
}

func (bp *Predictor) directions(pc, history uint64) (bimodal, global bool) {
	return bp.bht[bp.bhtIndex(pc)] >= 2, bp.pht[bp.phtIndex(pc, history)] >= 2
}

// Lookup predicts the next fetch PC of a macro-op. The returned state cache
// is nil when the predictor kept no state for it.
func (bp *Predictor) Lookup(q Query) (uint64, *StateCache) {
	bp.stats.Lookups++

	switch bp.kind {
	case KindNotTaken:
		return q.FtPC, nil
	case KindPerfect:
		if !q.Flags.Ctrl {
			return q.FtPC, nil
		}
		sc := bp.get(q)
		sc.PredNPC = q.OracleNPC
		sc.predTaken = q.OracleNPC != q.FtPC
		return sc.PredNPC, sc
	}

	pred := bp.Predict(q.PC)
	if !pred.TargetKnown && !q.Flags.Ctrl {
		return q.FtPC, nil
	}

	sc := bp.get(q)
	sc.bimodalTaken, sc.globalTaken = bp.directions(q.PC, bp.history)

	npc := q.FtPC
	switch {
	case !pred.TargetKnown:
		if q.Flags.Cond {
			bp.pushHistory(false)
		}
	case pred.Flags.Ret:
		npc = bp.popRAS(pred.Target)
		sc.predTaken = true
	case pred.Flags.Cond:
		sc.predTaken = pred.Taken
		bp.pushHistory(pred.Taken)
		if pred.Taken {
			npc = pred.Target
		}
	default:
		sc.predTaken = true
		npc = pred.Target
	}

	if pred.TargetKnown && pred.Flags.Call {
		bp.pushRAS(q.FtPC)
	}

	sc.PredNPC = npc

	return npc, sc
}

func (bp *Predictor) get(q Query) *StateCache {
	var sc *StateCache
	if n := len(bp.free); n > 0 {
		sc = bp.free[n-1]
		bp.free = bp.free[:n-1]
	} else {
		sc = &StateCache{}
	}

	*sc = StateCache{
		PC:          q.PC,
		FtPC:        q.FtPC,
		Flags:       q.Flags,
		history:     bp.history,
		rasTop:      bp.rasTop,
		rasTopValue: bp.ras[bp.rasTop],
		inUse:       true,
	}
	bp.outstanding++

	return sc
}

func (bp *Predictor) pushHistory(taken bool) {
	bp.history = bp.history << 1
	if taken {
		bp.history |= 1
	}
	bp.history &= bp.historyMask
}

func (bp *Predictor) pushRAS(ret uint64) {
	bp.rasTop = (bp.rasTop + 1) % len(bp.ras)
	bp.ras[bp.rasTop] = ret
}

func (bp *Predictor) popRAS(fallback uint64) uint64 {
	target := bp.ras[bp.rasTop]
	if target == 0 {
		target = fallback
	}
	bp.ras[bp.rasTop] = 0
	bp.rasTop = (bp.rasTop - 1 + len(bp.ras)) % len(bp.ras)

	return target
}

// Recover restores the speculative history and return stack to the state
// right after the macro-op owning sc, given its actual direction.
func (bp *Predictor) Recover(sc *StateCache, taken bool) {
	if sc == nil || bp.kind == KindNotTaken || bp.kind == KindPerfect {
		return
	}

	bp.stats.Recoveries++

	bp.history = sc.history
	bp.rasTop = sc.rasTop
	bp.ras[bp.rasTop] = sc.rasTopValue

	switch {
	case sc.Flags.Cond:
		bp.pushHistory(taken)
	case sc.Flags.Ret:
		bp.popRAS(0)
	case sc.Flags.Call:
		bp.pushRAS(sc.FtPC)
	}
}

// Update trains the predictor with the committed outcome of the macro-op
// owning sc.
func (bp *Predictor) Update(
	sc *StateCache,
	flags insts.OpFlags,
	pc, ftPC, targetPC, nextPC uint64,
	taken bool,
) {
	if sc == nil {
		return
	}

	if !flags.Ctrl {
		bp.invalidate(pc)
		return
	}

	bp.stats.Predictions++
	if sc.PredNPC == nextPC {
		bp.stats.Correct++
	} else {
		bp.stats.Mispredictions++
	}

	if bp.kind == KindPerfect {
		return
	}

	if flags.Cond {
		bp.trainDirection(pc, sc, taken)
	}

	if taken || nextPC != ftPC {
		target := nextPC
		if !flags.Indir && targetPC != 0 {
			target = targetPC
		}
		bp.install(pc, target, flags)
	}
}

func (bp *Predictor) trainDirection(pc uint64, sc *StateCache, taken bool) {
	idx := bp.bhtIndex(pc)

	if bp.tournament && sc.bimodalTaken != sc.globalTaken {
		if sc.globalTaken == taken {
			bp.chooser[idx] = inc(bp.chooser[idx])
		} else {
			bp.chooser[idx] = dec(bp.chooser[idx])
		}
	}

	gidx := bp.phtIndex(pc, sc.history)
	if taken {
		bp.bht[idx] = inc(bp.bht[idx])
		bp.pht[gidx] = inc(bp.pht[gidx])
	} else {
		bp.bht[idx] = dec(bp.bht[idx])
		bp.pht[gidx] = dec(bp.pht[gidx])
	}
}

func inc(c uint8) uint8 {
	if c < 3 {
		return c + 1
	}
	return c
}

func dec(c uint8) uint8 {
	if c > 0 {
		return c - 1
	}
	return c
}

func (bp *Predictor) install(pc, target uint64, flags insts.OpFlags) {
	idx := bp.btbIndex(pc)
	bp.btb[idx] = btbEntry{pc: pc, target: target, flags: flags}
	bp.btbValid[idx] = true
}

func (bp *Predictor) invalidate(pc uint64) {
	idx := bp.btbIndex(pc)
	if bp.btbValid[idx] && bp.btb[idx].pc == pc {
		bp.btbValid[idx] = false
		bp.stats.PhantomInvalidations++
	}
}

// ReturnStateCache releases sc back to the pool. It accepts nil.
func (bp *Predictor) ReturnStateCache(sc *StateCache) {
	if sc == nil {
		return
	}

	if !sc.inUse {
		panic("bpred: state cache returned twice")
	}

	sc.inUse = false
	bp.outstanding--
	bp.free = append(bp.free, sc)
}

// Outstanding returns the number of state caches not yet returned.
func (bp *Predictor) Outstanding() int {
	return bp.outstanding
}

// Stats returns the branch predictor statistics.
func (bp *Predictor) Stats() Stats {
	return bp.stats
}

// StatsRef exposes the live statistics for registration.
func (bp *Predictor) StatsRef() *Stats {
	return &bp.stats
}
