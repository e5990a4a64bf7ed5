// Package core provides the cycle-level x86 core model.
// It wires the oracle, front end, decode pipe, execution unit, and commit
// engine of one core and steps them in a fixed order every cycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sarchlab/x86sim/timing/bpred"
	"github.com/sarchlab/x86sim/timing/commit"
	"github.com/sarchlab/x86sim/timing/config"
	"github.com/sarchlab/x86sim/timing/decode"
	"github.com/sarchlab/x86sim/timing/exec"
	"github.com/sarchlab/x86sim/timing/fetch"
	"github.com/sarchlab/x86sim/timing/oracle"
	"github.com/sarchlab/x86sim/timing/stats"
	"github.com/sarchlab/x86sim/timing/uarch"
)

// Errors returned by Run.
var (
	ErrDeadlock   = errors.New("core: deadlock detected")
	ErrCycleLimit = errors.New("core: cycle limit reached")
)

// Feeder is the handshake stream of one core.
type Feeder interface {
	oracle.Feeder
	// Wait blocks until a handshake is available or the stream ends.
	Wait(ctx context.Context) error
}

// Stats holds performance statistics for the core.
type Stats struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64
	// Instructions is the number of instructions committed.
	Instructions uint64
	// Uops is the number of uops committed.
	Uops uint64
	// Stalls is the number of cycles commit recorded a stall.
	Stalls uint64
	// Recoveries is the number of partial pipeline recoveries.
	Recoveries uint64
	// Flushes is the number of full pipeline flushes.
	Flushes uint64
}

// IPC returns committed instructions per cycle.
func (s Stats) IPC() float64 {
	if s.Cycles == 0 {
		return 0
	}

	return float64(s.Instructions) / float64(s.Cycles)
}

// Option configures a Core.
type Option func(*Core)

// WithID sets the core id used in logs and statistic names.
func WithID(id int) Option {
	return func(c *Core) {
		c.id = id
	}
}

// WithLogger sets the logger. The core tags it with its id.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) {
		c.logger = l
	}
}

// WithCodeImage gives the oracle the program image for wrong-path fetch.
func WithCodeImage(img oracle.CodeImage) Option {
	return func(c *Core) {
		c.image = img
	}
}

// WithMaxCycles stops Run after n cycles. Zero means no limit.
func WithMaxCycles(n uint64) Option {
	return func(c *Core) {
		c.maxCycles = n
	}
}

// Core is one simulated x86 core.
type Core struct {
	id     int
	logger *slog.Logger
	knobs  *config.Knobs
	feed   Feeder
	image  oracle.CodeImage

	maxCycles uint64

	ctx *uarch.Context

	Oracle *oracle.Oracle
	BPred  *bpred.Predictor
	Fetch  *fetch.Stage
	Decode *decode.Stage
	Exec   *exec.Unit
	Commit *commit.Stage

	recoveries uint64
	flushes    uint64
}

// NewCore creates a core consuming feed. knobs must be valid.
func NewCore(knobs *config.Knobs, feed Feeder, opts ...Option) *Core {
	c := &Core{knobs: knobs, feed: feed}
	for _, opt := range opts {
		opt(c)
	}

	arena := uarch.NewArena(knobs.Oracle.MopQSize, knobs.Oracle.MaxFlowLength)
	c.ctx = uarch.NewContext(c.id, arena, c.logger)

	c.BPred = bpred.NewPredictor(knobs.Fetch.PredictorConfig())
	oracleOpts := []oracle.Option{
		oracle.WithPipeline(c),
		oracle.WithStateCacheReturner(c.BPred),
	}
	if c.image != nil {
		oracleOpts = append(oracleOpts, oracle.WithCodeImage(c.image))
	}
	c.Oracle = oracle.New(c.ctx, knobs.Oracle, feed, oracleOpts...)
	c.Fetch = fetch.New(c.ctx, knobs.Fetch, c.Oracle, fetch.WithPredictor(c.BPred))
	c.Decode = decode.New(c.ctx, knobs.Decode, c.Fetch, c.Oracle, decode.WithPredictor(c.BPred))
	c.Exec = exec.New(c.ctx, knobs.Exec)
	c.Commit = commit.New(c.ctx, knobs.Commit, c.Exec, c.Oracle,
		commit.WithPredictor(c.BPred),
		commit.WithUROMThreshold(knobs.Decode.MaxUops[0]))
	c.Exec.Connect(c.Decode, c.Commit, c.Fetch)

	return c
}

// ID returns the core id.
func (c *Core) ID() int {
	return c.id
}

// Cycle returns the current cycle.
func (c *Core) Cycle() uint64 {
	return c.ctx.Cycle
}

// Context returns the per-core context shared by the stages.
func (c *Core) Context() *uarch.Context {
	return c.ctx
}

// Tick simulates one cycle. Stages run from the back of the pipeline to the
// front so that each stage sees the state its successor left last cycle.
func (c *Core) Tick() {
	c.ctx.Active = c.Oracle.MopQNum() > 0

	c.Commit.IOStep()
	c.Commit.PreCommitStep()
	c.Exec.Step()
	c.Decode.Step()
	c.Fetch.Step()

	c.Oracle.UpdateOccupancy()
	c.Fetch.UpdateOccupancy()
	c.Decode.UpdateOccupancy()
	c.Exec.UpdateOccupancy()
	c.Commit.UpdateOccupancy()

	c.ctx.Cycle++
}

// RecoverPipe squashes every macro-op younger than m in the pipeline and
// restarts fetch at pc. The oracle rewinds itself afterwards.
func (c *Core) RecoverPipe(m *uarch.Mop, pc uint64) {
	c.recoveries++

	c.Commit.Recover(m)
	c.Exec.Recover(m)
	c.Decode.Recover(m)
	c.Fetch.Recover(pc)
}

// FlushPipe squashes everything in the pipeline and restarts fetch at pc.
func (c *Core) FlushPipe(pc uint64) {
	c.flushes++

	c.Commit.RecoverAll()
	c.Exec.RecoverAll()
	c.Decode.RecoverAll()
	c.Fetch.Recover(pc)
}

// Drained reports whether the stream ended and every instruction committed.
func (c *Core) Drained() bool {
	return c.Oracle.Drained() && c.Commit.PipeEmpty() && c.Decode.PipeEmpty()
}

// Deadlocked reports whether the commit watchdog fired.
func (c *Core) Deadlocked() bool {
	return c.Commit.Deadlocked()
}

// starved reports whether the core can only make progress once the
// producer delivers more handshakes.
func (c *Core) starved() bool {
	if c.Oracle.SpecMode() || c.Oracle.OnNukeRecoveryPath() || c.feed.Exhausted() {
		return false
	}

	_, ok := c.feed.Peek()

	return !ok
}

// Run simulates until the stream drains. It blocks on the feeder rather
// than spending cycles while the producer is behind.
func (c *Core) Run(ctx context.Context) error {
	for !c.Drained() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.starved() {
			if err := c.feed.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		if c.maxCycles > 0 && c.ctx.Cycle >= c.maxCycles {
			return fmt.Errorf("%w: core %d after %d cycles", ErrCycleLimit, c.id, c.ctx.Cycle)
		}

		c.Tick()

		if c.Deadlocked() {
			return fmt.Errorf("%w: core %d at cycle %d", ErrDeadlock, c.id, c.ctx.Cycle)
		}
	}

	return nil
}

// Stats returns performance statistics for the core.
func (c *Core) Stats() Stats {
	cs := c.Commit.Stats()

	return Stats{
		Cycles:       c.ctx.Cycle,
		Instructions: cs.Insns,
		Uops:         cs.Uops,
		Stalls:       cs.Stall.Total() - cs.Stall.Count(int(commit.StallNone)),
		Recoveries:   c.recoveries,
		Flushes:      c.flushes,
	}
}

// RegisterStats registers every statistic of the core under c<id>.
func (c *Core) RegisterStats(r *stats.Registry) {
	r = r.Scope(fmt.Sprintf("c%d", c.id))

	r.Counter("sim_cycle", "total number of cycles simulated", &c.ctx.Cycle)
	r.Counter("pipe_recoveries", "partial pipeline recoveries", &c.recoveries)
	r.Counter("pipe_flushes", "full pipeline flushes", &c.flushes)

	c.Oracle.RegisterStats(r)
	c.Fetch.RegisterStats(r)
	c.Decode.RegisterStats(r)
	c.Exec.RegisterStats(r)
	c.Commit.RegisterStats(r)

	b := c.BPred.StatsRef()
	r.Counter("bpred_lookups", "branch predictor lookups", &b.Lookups)
	r.Counter("bpred_predictions", "committed branch predictions", &b.Predictions)
	r.Counter("bpred_correct", "correct branch predictions", &b.Correct)
	r.Counter("bpred_mispredictions", "incorrect branch predictions", &b.Mispredictions)
	r.Counter("bpred_btb_hits", "BTB hits", &b.BTBHits)
	r.Counter("bpred_btb_misses", "BTB misses", &b.BTBMisses)
	r.Counter("bpred_recoveries", "speculative predictor repairs", &b.Recoveries)
	r.Counter("bpred_phantom_invalidations", "BTB entries removed for non-branches", &b.PhantomInvalidations)
	r.Formula("bpred_accuracy", "percentage of correct predictions", func() float64 {
		return b.Accuracy()
	})
	r.Formula("bpred_mispred_rate", "percentage of mispredicted branches", func() float64 {
		return b.MispredictionRate()
	})
	r.Formula("bpred_btb_hit_rate", "percentage of lookups hitting the BTB", func() float64 {
		return b.BTBHitRate()
	})
}
