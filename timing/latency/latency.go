// Package latency provides uop execution latencies for cycle-level
// simulation. The values can be configured via TimingConfig.
package latency

import (
	"github.com/sarchlab/x86sim/insts"
)

// Table provides uop latency lookups.
type Table struct {
	byClass [insts.NumClasses]uint64
}

// NewTable creates a latency table from a timing configuration.
func NewTable(config *TimingConfig) *Table {
	t := &Table{}

	t.byClass[insts.ClassNop] = 1
	t.byClass[insts.ClassALU] = config.ALULatency
	t.byClass[insts.ClassMul] = config.MultiplyLatency
	t.byClass[insts.ClassDiv] = config.DivideLatency
	t.byClass[insts.ClassFP] = config.FPLatency
	t.byClass[insts.ClassLoad] = config.LoadLatency
	t.byClass[insts.ClassSTA] = config.StoreLatency
	t.byClass[insts.ClassSTD] = config.StoreLatency
	t.byClass[insts.ClassBranch] = config.BranchLatency
	t.byClass[insts.ClassMicrocode] = config.MicrocodeLatency

	return t
}

// GetLatency returns the execution latency in cycles for a uop class.
// Loads return only their address generation latency; the data cache adds
// the rest.
func (t *Table) GetLatency(class insts.Class) uint64 {
	if class >= insts.NumClasses || t.byClass[class] == 0 {
		return 1
	}

	return t.byClass[class]
}
