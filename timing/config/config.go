// Package config holds the core configuration knobs, grouped by pipeline
// stage, and their JSON persistence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sarchlab/x86sim/timing/bpred"
	"github.com/sarchlab/x86sim/timing/cache"
	"github.com/sarchlab/x86sim/timing/latency"
)

// FetchKnobs configure the front end.
type FetchKnobs struct {
	IQSize       int `json:"iq_size"`
	Width        int `json:"width"`
	JeclearDelay int `json:"jeclear_delay"`

	BPred      bpred.Kind `json:"bpred"`
	BHTSize    uint32     `json:"bht_size"`
	BTBSize    uint32     `json:"btb_size"`
	HistoryLen uint       `json:"history_length"`
	RASSize    int        `json:"ras_size"`
	UseChooser bool       `json:"use_tournament"`
}

// PredictorConfig returns the branch predictor configuration.
func (f FetchKnobs) PredictorConfig() bpred.Config {
	return bpred.Config{
		Kind:                f.BPred,
		BHTSize:             f.BHTSize,
		BTBSize:             f.BTBSize,
		GlobalHistoryLength: f.HistoryLen,
		UseTournament:       f.UseChooser,
		RASSize:             f.RASSize,
	}
}

// DecodeKnobs configure the decode pipe and the uop queue.
type DecodeKnobs struct {
	Depth       int `json:"depth"`
	Width       int `json:"width"`
	TargetStage int `json:"target_stage"`
	UopQSize    int `json:"uopq_size"`
	// MaxUops is the largest flow each decoder accepts. Decoder 0 also
	// accepts longer flows through the microcode sequencer.
	MaxUops           []int `json:"max_uops"`
	MSLatency         int   `json:"ms_latency"`
	BranchDecodeLimit int   `json:"branch_decode_limit"`
}

// ExecKnobs configure allocation, issue and the memory pipeline.
type ExecKnobs struct {
	Width      int `json:"width"`
	LDQSize    int `json:"ldq_size"`
	STQSize    int `json:"stq_size"`
	SeniorSize int `json:"senior_size"`

	Latency    *latency.TimingConfig `json:"latency"`
	DL1        cache.Config          `json:"dl1"`
	L2         *cache.Config         `json:"l2,omitempty"`
	MemLatency uint64                `json:"mem_latency"`
}

// CommitKnobs configure the pre-commit pipe and the ROB.
type CommitKnobs struct {
	ROBSize           int    `json:"rob_size"`
	Width             int    `json:"width"`
	PreCommitDepth    int    `json:"pre_commit_depth"`
	BranchLimit       int    `json:"branch_limit"`
	DeadlockThreshold uint64 `json:"deadlock_threshold"`
}

// OracleKnobs configure the functional oracle.
type OracleKnobs struct {
	MopQSize      int  `json:"mopq_size"`
	ShadowSize    int  `json:"shadow_size"`
	MaxFlowLength int  `json:"max_flow_length"`
	Mode          int  `json:"mode"`
	FuseLoadOp    bool `json:"fuse_load_op"`
	FuseSTASTD    bool `json:"fuse_sta_std"`
}

// Knobs holds every configuration group of a core.
type Knobs struct {
	Fetch  FetchKnobs  `json:"fetch"`
	Decode DecodeKnobs `json:"decode"`
	Exec   ExecKnobs   `json:"exec"`
	Commit CommitKnobs `json:"commit"`
	Oracle OracleKnobs `json:"oracle"`
}

// DefaultKnobs returns an in-order two-wide core configuration.
func DefaultKnobs() *Knobs {
	l2 := cache.DefaultL2Config()

	return &Knobs{
		Fetch: FetchKnobs{
			IQSize:       8,
			Width:        2,
			JeclearDelay: 1,
			BPred:        bpred.KindTournament,
			BHTSize:      4096,
			BTBSize:      512,
			HistoryLen:   8,
			RASSize:      16,
			UseChooser:   true,
		},
		Decode: DecodeKnobs{
			Depth:             3,
			Width:             2,
			TargetStage:       1,
			UopQSize:          8,
			MaxUops:           []int{4, 1},
			MSLatency:         2,
			BranchDecodeLimit: 1,
		},
		Exec: ExecKnobs{
			Width:      2,
			LDQSize:    8,
			STQSize:    8,
			SeniorSize: 4,
			Latency:    latency.DefaultTimingConfig(),
			DL1:        cache.DefaultL1DConfig(),
			L2:         &l2,
			MemLatency: 150,
		},
		Commit: CommitKnobs{
			ROBSize:           64,
			Width:             2,
			PreCommitDepth:    4,
			BranchLimit:       1,
			DeadlockThreshold: 500000,
		},
		Oracle: OracleKnobs{
			MopQSize:      64,
			ShadowSize:    512,
			MaxFlowLength: 32,
			Mode:          64,
			FuseLoadOp:    true,
			FuseSTASTD:    true,
		},
	}
}

// LoadConfig loads Knobs from a JSON file. Missing fields keep their
// defaults.
func LoadConfig(path string) (*Knobs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	knobs := DefaultKnobs()
	if err := json.Unmarshal(data, knobs); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := knobs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return knobs, nil
}

// SaveConfig writes Knobs to a JSON file.
func (k *Knobs) SaveConfig(path string) error {
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks every knob group and reports all violations.
func (k *Knobs) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	f := k.Fetch
	check(f.IQSize > 0, "fetch.iq_size must be > 0")
	check(f.Width > 0, "fetch.width must be > 0")
	check(f.JeclearDelay >= 0, "fetch.jeclear_delay must not be negative")
	if err := f.PredictorConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("fetch: %w", err))
	}

	d := k.Decode
	check(d.Depth > 0, "decode.depth must be > 0")
	check(d.Width > 0, "decode.width must be > 0")
	check(d.TargetStage >= 0 && d.TargetStage < d.Depth,
		"decode.target_stage %d must be in [0, depth)", d.TargetStage)
	check(d.UopQSize > 0, "decode.uopq_size must be > 0")
	check(len(d.MaxUops) == d.Width,
		"decode.max_uops has %d entries, want width %d", len(d.MaxUops), d.Width)
	for i, n := range d.MaxUops {
		check(n > 0, "decode.max_uops[%d] must be > 0", i)
	}
	check(d.MSLatency >= 0, "decode.ms_latency must not be negative")
	check(d.BranchDecodeLimit > 0, "decode.branch_decode_limit must be > 0")

	e := k.Exec
	check(e.Width > 0, "exec.width must be > 0")
	check(e.LDQSize > 0, "exec.ldq_size must be > 0")
	check(e.STQSize > 0, "exec.stq_size must be > 0")
	check(e.SeniorSize > 0 && e.SeniorSize <= e.STQSize,
		"exec.senior_size must be in (0, stq_size]")
	if e.Latency == nil {
		errs = append(errs, errors.New("exec.latency is missing"))
	} else if err := e.Latency.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("exec.latency: %w", err))
	}
	if err := e.DL1.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("exec.dl1: %w", err))
	}
	if e.L2 != nil {
		if err := e.L2.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("exec.l2: %w", err))
		}
	}

	c := k.Commit
	check(c.ROBSize > 0, "commit.rob_size must be > 0")
	check(c.Width > 0, "commit.width must be > 0")
	check(c.PreCommitDepth >= c.Width && c.PreCommitDepth%c.Width == 0,
		"commit.pre_commit_depth %d must be a positive multiple of width %d",
		c.PreCommitDepth, c.Width)
	check(c.BranchLimit > 0, "commit.branch_limit must be > 0")
	check(c.DeadlockThreshold > 0, "commit.deadlock_threshold must be > 0")

	o := k.Oracle
	check(o.MopQSize > 0, "oracle.mopq_size must be > 0")
	check(o.ShadowSize >= o.MopQSize, "oracle.shadow_size must be >= mopq_size")
	check(o.MaxFlowLength > 0, "oracle.max_flow_length must be > 0")
	check(o.Mode == 16 || o.Mode == 32 || o.Mode == 64, "oracle.mode must be 16, 32 or 64")
	for i, n := range d.MaxUops {
		check(n <= o.MaxFlowLength, "decode.max_uops[%d] exceeds oracle.max_flow_length", i)
	}
	// A macro-op commits only once its whole flow has completed in the ROB.
	check(c.ROBSize >= o.MaxFlowLength,
		"commit.rob_size %d must be >= oracle.max_flow_length %d", c.ROBSize, o.MaxFlowLength)

	return errors.Join(errs...)
}

// Clone returns a deep copy of the Knobs.
func (k *Knobs) Clone() *Knobs {
	clone := *k
	clone.Decode.MaxUops = append([]int(nil), k.Decode.MaxUops...)
	if k.Exec.Latency != nil {
		clone.Exec.Latency = k.Exec.Latency.Clone()
	}
	if k.Exec.L2 != nil {
		l2 := *k.Exec.L2
		clone.Exec.L2 = &l2
	}

	return &clone
}
