// Package commit implements the pre-commit pipe, the reorder buffer (ROB),
// and in-order retirement.
//
// Completed uops enter the pre-commit pipe, a shift register of depth/width
// wavefronts, and reach the ROB once they drain out of its last wavefront.
// Fused groups occupy a single ROB entry. Commit retires uops from the ROB
// head in program order, atomically per macro-op: no uop of a macro-op
// commits until every uop of it has completed.
package commit

import (
	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/timing/bpred"
	"github.com/sarchlab/x86sim/timing/config"
	"github.com/sarchlab/x86sim/timing/uarch"
)

// ExecUnit is the part of the execution core that commit drives.
type ExecUnit interface {
	// LastCompleted returns the cycle the last uop completed.
	LastCompleted() uint64
	// ExecFusedST hands a completed store address to the store queue.
	// It returns false when the hand-off cannot happen this cycle.
	ExecFusedST(u *uarch.Uop) bool

	STQDeallocateSenior()
	STQDeallocateSTA(u *uarch.Uop)
	// STQDeallocateSTD moves the store to the senior store queue. It
	// returns false when the senior queue is full.
	STQDeallocateSTD(u *uarch.Uop) bool

	LDQSquash(u *uarch.Uop)
	STQSquashSTA(u *uarch.Uop)
	STQSquashSTD(u *uarch.Uop)
	STQSquashSenior()
}

// Oracle is the functional window that commit retires from.
type Oracle interface {
	CommitUop(u *uarch.Uop)
	Commit(m *uarch.Mop)
	PipeFlush(m *uarch.Mop)
}

// Predictor is trained with committed branch outcomes.
type Predictor interface {
	Update(sc *bpred.StateCache, flags insts.OpFlags, pc, ftPC, targetPC, nextPC uint64, taken bool)
	ReturnStateCache(sc *bpred.StateCache)
}

// Option configures a Stage.
type Option func(*Stage)

// WithPredictor sets the predictor trained at commit.
func WithPredictor(p Predictor) Option {
	return func(c *Stage) {
		c.bpred = p
	}
}

// WithUROMThreshold sets the flow length above which a committed macro-op
// counts as sequenced from the microcode ROM.
func WithUROMThreshold(n int) Option {
	return func(c *Stage) {
		c.uromThreshold = n
	}
}

// repTiming holds the timestamps of the first iteration of a REP
// instruction, used to time the whole instruction at its last iteration.
type repTiming struct {
	fetchStarted   uint64
	fetched        uint64
	decodeStarted  uint64
	decodeFinished uint64
	commitStarted  uint64
}

// Stage is the commit engine of one core.
type Stage struct {
	ctx    *uarch.Context
	knobs  config.CommitKnobs
	exec   ExecUnit
	oracle Oracle
	bpred  Predictor

	uromThreshold int

	rob       []*uarch.Uop
	robHead   int
	robTail   int
	robNum    int
	robEffNum int

	preCommit []*uarch.Uop

	deadlocked bool
	rep        repTiming
	lastStall  StallReason
	stats      Stats
}

// New creates a commit stage.
func New(
	ctx *uarch.Context,
	knobs config.CommitKnobs,
	exec ExecUnit,
	oracle Oracle,
	opts ...Option,
) *Stage {
	c := &Stage{
		ctx:           ctx,
		knobs:         knobs,
		exec:          exec,
		oracle:        oracle,
		uromThreshold: 4,
		rob:           make([]*uarch.Uop, knobs.ROBSize),
		preCommit:     make([]*uarch.Uop, knobs.PreCommitDepth),
		stats:         newStats(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Stats returns the commit statistics.
func (c *Stage) Stats() *Stats {
	return &c.stats
}

// LastStall returns the stall reason recorded by the last IOStep.
func (c *Stage) LastStall() StallReason {
	return c.lastStall
}

// Deadlocked reports whether the watchdog has fired.
func (c *Stage) Deadlocked() bool {
	return c.deadlocked
}

// ROBNum returns the number of occupied ROB entries.
func (c *Stage) ROBNum() int {
	return c.robNum
}

// ROBEffNum returns the number of uops in the ROB counting fused bodies.
func (c *Stage) ROBEffNum() int {
	return c.robEffNum
}

// ROBHead returns the index of the oldest ROB entry.
func (c *Stage) ROBHead() int {
	return c.robHead
}

// ROBTail returns the index the next ROB entry is written to.
func (c *Stage) ROBTail() int {
	return c.robTail
}

// ROBEntry returns the uop in ROB entry i, or nil.
func (c *Stage) ROBEntry(i int) *uarch.Uop {
	return c.rob[i]
}

// ROBEmpty reports whether the ROB holds no uop.
func (c *Stage) ROBEmpty() bool {
	return c.robNum == 0
}

// PreCommitSlot returns the uop in pre-commit slot i, or nil.
func (c *Stage) PreCommitSlot(i int) *uarch.Uop {
	return c.preCommit[i]
}

// PipeEmpty reports whether neither the pre-commit pipe nor the ROB holds
// anything.
func (c *Stage) PipeEmpty() bool {
	if c.robNum > 0 {
		return false
	}

	for _, u := range c.preCommit {
		if u != nil {
			return false
		}
	}

	return true
}

// UpdateOccupancy samples the ROB occupancy.
func (c *Stage) UpdateOccupancy() {
	c.stats.ROBOccupancy += uint64(c.robNum)
	c.stats.ROBEffOccupancy += uint64(c.robEffNum)

	if c.robNum >= c.knobs.ROBSize {
		c.stats.ROBFullCycles++
	}

	if c.robNum == 0 {
		c.stats.ROBEmptyCycles++
	}
}
