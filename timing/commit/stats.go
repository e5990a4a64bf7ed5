package commit

import "github.com/sarchlab/x86sim/timing/stats"

const flowHistoSize = 32

// Stats holds the commit statistics.
type Stats struct {
	Insns    uint64
	Uops     uint64
	EffUops  uint64
	Bytes    uint64
	Branches uint64
	Refs     uint64
	Loads    uint64

	RepInsns    uint64
	RepIters    uint64
	RepUops     uint64
	UROMInsns   uint64
	UROMUops    uint64
	UROMEffUops uint64
	Traps       uint64
	Fusions     uint64

	RegfileWrites   uint64
	FPRegfileWrites uint64
	MachineClears   uint64

	MopFetchSlip  uint64
	MopF2DSlip    uint64
	MopDecodeSlip uint64
	MopD2CSlip    uint64
	MopCommitSlip uint64
	UopD2ASlip    uint64
	UopA2RSlip    uint64
	UopR2ISlip    uint64
	UopI2ESlip    uint64
	UopE2WSlip    uint64
	UopW2CSlip    uint64

	ROBOccupancy    uint64
	ROBEffOccupancy uint64
	ROBFullCycles   uint64
	ROBEmptyCycles  uint64
	PreCommitStalls uint64

	Stall        *stats.Distribution
	FlowHisto    *stats.Distribution
	EffFlowHisto *stats.Distribution

	flowCount    int
	effFlowCount int
}

func newStats() Stats {
	return Stats{
		Stall:        stats.NewDistribution(StallNames()...),
		FlowHisto:    stats.NewHistogram(flowHistoSize),
		EffFlowHisto: stats.NewHistogram(flowHistoSize),
	}
}

// Stores returns the number of committed stores.
func (s *Stats) Stores() uint64 {
	return s.Refs - s.Loads
}

// RegisterStats registers the commit statistics.
func (c *Stage) RegisterStats(r *stats.Registry) {
	s := &c.stats
	cycles := &c.ctx.Cycle

	r.Counter("commit_insn", "total number of instructions committed", &s.Insns)
	r.Counter("commit_uops", "total number of uops committed", &s.Uops)
	r.Counter("commit_eff_uops", "total number of effective uops committed", &s.EffUops)
	r.Counter("commit_bytes", "total number of instruction bytes committed", &s.Bytes)
	r.Formula("commit_IPC", "IPC at commit", stats.Ratio(&s.Insns, cycles))
	r.Formula("commit_uPC", "uPC at commit", stats.Ratio(&s.Uops, cycles))
	r.Formula("commit_euPC", "effective uPC at commit", stats.Ratio(&s.EffUops, cycles))
	r.Formula("commit_BPC", "bytes committed per cycle", stats.Ratio(&s.Bytes, cycles))
	r.Formula("avg_commit_flowlen", "uops per instruction at commit", stats.Ratio(&s.Uops, &s.Insns))

	r.Counter("ROB_total_occupancy", "cumulative ROB occupancy", &s.ROBOccupancy)
	r.Counter("ROB_total_eff_occupancy", "cumulative ROB effective occupancy", &s.ROBEffOccupancy)
	r.Counter("ROB_full_cycles", "cycles the ROB was full", &s.ROBFullCycles)
	r.Counter("ROB_empty_cycles", "cycles the ROB was empty", &s.ROBEmptyCycles)
	r.Formula("ROB_avg", "average ROB occupancy", stats.Ratio(&s.ROBOccupancy, cycles))
	r.Formula("ROB_eff_avg", "average ROB effective occupancy", stats.Ratio(&s.ROBEffOccupancy, cycles))
	r.Formula("ROB_frac_full", "fraction of cycles the ROB was full", stats.Ratio(&s.ROBFullCycles, cycles))
	r.Formula("ROB_frac_empty", "fraction of cycles the ROB was empty", stats.Ratio(&s.ROBEmptyCycles, cycles))
	r.Counter("pre_commit_stalls", "cycles the pre-commit wavefront waited for the ROB", &s.PreCommitStalls)
	r.Dist("commit_stall", "breakdown of stalls at commit", s.Stall)

	r.Counter("Mop_fetch_Tslip", "total Mop fetch slip cycles", &s.MopFetchSlip)
	r.Counter("Mop_f2d_Tslip", "total Mop fetch-to-decode slip cycles", &s.MopF2DSlip)
	r.Counter("Mop_decode_Tslip", "total Mop decode slip cycles", &s.MopDecodeSlip)
	r.Counter("uop_d2a_Tslip", "total uop decode-to-alloc slip cycles", &s.UopD2ASlip)
	r.Counter("uop_a2r_Tslip", "total uop alloc-to-ready slip cycles", &s.UopA2RSlip)
	r.Counter("uop_r2i_Tslip", "total uop ready-to-issue slip cycles", &s.UopR2ISlip)
	r.Counter("uop_i2e_Tslip", "total uop issue-to-exec slip cycles", &s.UopI2ESlip)
	r.Counter("uop_e2w_Tslip", "total uop exec-to-WB slip cycles", &s.UopE2WSlip)
	r.Counter("uop_w2c_Tslip", "total uop WB-to-commit slip cycles", &s.UopW2CSlip)
	r.Counter("Mop_d2c_Tslip", "total Mop decode-to-commit slip cycles", &s.MopD2CSlip)
	r.Counter("Mop_commit_Tslip", "total Mop commit slip cycles", &s.MopCommitSlip)
	r.Formula("Mop_fetch_avg_slip", "Mop fetch average delay", stats.Ratio(&s.MopFetchSlip, &s.Insns))
	r.Formula("Mop_f2d_avg_slip", "Mop fetch-to-decode average delay", stats.Ratio(&s.MopF2DSlip, &s.Insns))
	r.Formula("Mop_decode_avg_slip", "Mop decode average delay", stats.Ratio(&s.MopDecodeSlip, &s.Insns))
	r.Formula("uop_d2a_avg_slip", "uop decode-to-alloc average delay", stats.Ratio(&s.UopD2ASlip, &s.Uops))
	r.Formula("uop_a2r_avg_slip", "uop alloc-to-ready average delay", stats.Ratio(&s.UopA2RSlip, &s.Uops))
	r.Formula("uop_r2i_avg_slip", "uop ready-to-issue average delay", stats.Ratio(&s.UopR2ISlip, &s.Uops))
	r.Formula("uop_i2e_avg_slip", "uop issue-to-exec average delay", stats.Ratio(&s.UopI2ESlip, &s.Uops))
	r.Formula("uop_e2w_avg_slip", "uop exec-to-WB average delay", stats.Ratio(&s.UopE2WSlip, &s.Uops))
	r.Formula("uop_w2c_avg_slip", "uop WB-to-commit average delay", stats.Ratio(&s.UopW2CSlip, &s.Uops))
	r.Formula("Mop_d2c_avg_slip", "Mop decode-to-commit average delay", stats.Ratio(&s.MopD2CSlip, &s.Insns))
	r.Formula("Mop_commit_avg_slip", "Mop commit average delay", stats.Ratio(&s.MopCommitSlip, &s.Insns))
	r.Formula("Mop_avg_end_to_end", "Mop average end-to-end pipeline delay", func() float64 {
		total := s.MopFetchSlip + s.MopF2DSlip + s.MopDecodeSlip + s.MopD2CSlip + s.MopCommitSlip
		return stats.Ratio(&total, &s.Insns)()
	})

	r.Counter("num_traps", "total number of traps committed", &s.Traps)
	r.Counter("num_machine_clears", "pipeline flushes after serializing instructions", &s.MachineClears)
	r.Counter("num_refs", "total number of loads and stores committed", &s.Refs)
	r.Counter("num_loads", "total number of loads committed", &s.Loads)
	r.Formula("num_stores", "total number of stores committed", func() float64 {
		return float64(s.Stores())
	})
	r.Counter("num_branches", "total number of branches committed", &s.Branches)
	r.Counter("num_rep_insn", "total number of REP insts committed", &s.RepInsns)
	r.Counter("num_rep_iter", "total number of REP iterations committed", &s.RepIters)
	r.Counter("num_rep_uops", "total number of uops in REP insts committed", &s.RepUops)
	r.Formula("num_avg_reps", "average iterations per REP inst", stats.Ratio(&s.RepIters, &s.RepInsns))
	r.Formula("num_avg_rep_uops", "average uops per REP inst", stats.Ratio(&s.RepUops, &s.RepInsns))
	r.Counter("num_UROM_insn", "total number of insn using the UROM committed", &s.UROMInsns)
	r.Counter("num_UROM_uops", "total number of uops using the UROM committed", &s.UROMUops)
	r.Counter("num_UROM_eff_uops", "total number of effective uops using the UROM committed", &s.UROMEffUops)
	r.Formula("num_avg_UROM_uops", "average uops per UROM inst", stats.Ratio(&s.UROMUops, &s.UROMInsns))
	r.Formula("avg_flowlen", "average uops per instruction", stats.Ratio(&s.Uops, &s.Insns))
	r.Formula("avg_eff_flowlen", "average effective uops per instruction", stats.Ratio(&s.EffUops, &s.Insns))
	r.Counter("num_fusions", "fused uop groups committed", &s.Fusions)
	r.Counter("regfile_writes", "number of register file writes", &s.RegfileWrites)
	r.Counter("fp_regfile_writes", "number of fp register file writes", &s.FPRegfileWrites)
	r.Dist("flow_lengths", "histogram of uop flow lengths", s.FlowHisto)
	r.Dist("eff_flow_lengths", "histogram of effective uop flow lengths", s.EffFlowHisto)
}
