// Package uarch defines the per-core microarchitectural records shared by
// the pipeline stages: macro-ops, micro-ops, the micro-op arena, dependency
// edges, and the core context every stage reads the clock from.
package uarch

import (
	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/timing/bpred"
)

// TickMax marks a timestamp that has not happened yet.
const TickMax = ^uint64(0)

// UopID is a stable handle into the uop arena.
type UopID int32

// NoUop is the null uop handle.
const NoUop UopID = -1

// UopDecode holds the decode-time attributes of a uop.
type UopDecode struct {
	insts.UopTemplate

	BOM bool
	EOM bool

	InFusion     bool
	IsFusionHead bool
	// FusionHead is set on every member of a fused group.
	FusionHead UopID
	// FusionNext links the group in program order.
	FusionNext UopID
	// FusionSize is the member count, valid on the head.
	FusionSize int

	MopSeq uint64
	Index  int
}

// UopAlloc holds the queue entries a uop occupies. -1 means none.
type UopAlloc struct {
	ROBIndex int
	LDQIndex int
	STQIndex int
}

// UopExec holds the execution state of a uop.
type UopExec struct {
	// ActionID changes whenever the uop is squashed so that in-flight
	// events addressed to the old incarnation can be recognized as stale.
	ActionID uint64

	Idep [insts.MaxIdeps]UopID
	Odep EdgeID

	MemAddr uint64
	MemSize int
}

// UopTiming holds the cycle a uop reached each milestone.
type UopTiming struct {
	WhenDecoded   uint64
	WhenAllocated uint64
	WhenReady     uint64
	WhenIssued    uint64
	WhenExec      uint64
	WhenCompleted uint64
}

// Uop is a micro-op.
type Uop struct {
	ID  UopID
	Mop *Mop

	Decode UopDecode
	Alloc  UopAlloc
	Exec   UopExec
	Timing UopTiming
}

// Completed reports whether the uop has completed by cycle now.
func (u *Uop) Completed(now uint64) bool {
	return u.Timing.WhenCompleted != TickMax && u.Timing.WhenCompleted <= now
}

func (u *Uop) reset() {
	id := u.ID
	*u = Uop{ID: id}
	u.Decode.FusionHead = NoUop
	u.Decode.FusionNext = NoUop
	u.Alloc = UopAlloc{ROBIndex: -1, LDQIndex: -1, STQIndex: -1}
	u.Exec.Odep = NoEdge
	for i := range u.Exec.Idep {
		u.Exec.Idep[i] = NoUop
	}
	u.Timing = UopTiming{
		WhenDecoded:   TickMax,
		WhenAllocated: TickMax,
		WhenReady:     TickMax,
		WhenIssued:    TickMax,
		WhenExec:      TickMax,
		WhenCompleted: TickMax,
	}
}

// MopFetch holds the front-end state of a macro-op.
type MopFetch struct {
	PC      uint64
	FtPC    uint64
	PredNPC uint64
	Len     int

	BpredUpdate *bpred.StateCache
}

// MopDecode holds the decoded attributes of a macro-op.
type MopDecode struct {
	Op       string
	Flags    insts.OpFlags
	TargetPC uint64
	// TargetKnown is set for direct branches.
	TargetKnown bool
	HasRep      bool
	Microcoded  bool

	FlowLength int
	// LastUopIndex is the index of the final uop of the flow.
	LastUopIndex int
	// LastStageIndex is the next uop cracked in the last decode stage.
	LastStageIndex int
}

// IsCtrl reports whether the macro-op is a branch.
func (d *MopDecode) IsCtrl() bool {
	return d.Flags.Ctrl
}

// MopOracle holds the functional outcome of a macro-op.
type MopOracle struct {
	Seq         uint64
	NextPC      uint64
	TakenBranch bool
	SpecMode    bool
	ZeroRep     bool
	// RepContinues is set when a REP iteration loops back to itself.
	RepContinues bool
}

// MopCommit holds the commit progress of a macro-op.
type MopCommit struct {
	CompleteIndex   int
	CommitIndex     int
	JeclearInFlight bool
}

// MopTiming holds the cycle a macro-op reached each milestone.
type MopTiming struct {
	WhenFetchStarted   uint64
	WhenFetched        uint64
	WhenMSStarted      uint64
	WhenDecodeStarted  uint64
	WhenDecodeFinished uint64
	WhenCommitStarted  uint64
	WhenCommitFinished uint64
}

// MopStat counts the composition of a macro-op.
type MopStat struct {
	NumUops     int
	NumEffUops  int
	NumBranches int
	NumRefs     int
	NumLoads    int
}

// Mop is a macro-op: one x86 instruction and its uop flow.
type Mop struct {
	Valid bool
	Slot  int

	Fetch  MopFetch
	Decode MopDecode
	Oracle MopOracle
	Commit MopCommit
	Timing MopTiming
	Stat   MopStat

	// Flow aliases the arena range reserved for this macro-op.
	Flow []Uop
}

// BOM returns the first uop of the flow.
func (m *Mop) BOM() *Uop {
	return &m.Flow[0]
}

// Older reports whether m precedes other in program order.
func (m *Mop) Older(other *Mop) bool {
	return m.Oracle.Seq < other.Oracle.Seq
}
