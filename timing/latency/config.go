package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// TimingConfig holds execution latency values for each uop class.
type TimingConfig struct {
	// ALULatency is the execution latency for integer ALU uops.
	// Default: 1 cycle.
	ALULatency uint64 `json:"alu_latency"`

	// BranchLatency is the execution latency for branch uops. This does not
	// include the misprediction recovery time. Default: 1 cycle.
	BranchLatency uint64 `json:"branch_latency"`

	// LoadLatency is the address generation latency of a load before the
	// data cache is accessed. Default: 1 cycle.
	LoadLatency uint64 `json:"load_latency"`

	// StoreLatency is the latency of store address and store data uops.
	// Default: 1 cycle.
	StoreLatency uint64 `json:"store_latency"`

	// MultiplyLatency is the latency for integer multiply uops.
	// Default: 3 cycles.
	MultiplyLatency uint64 `json:"multiply_latency"`

	// DivideLatency is the latency for integer divide uops.
	// Default: 20 cycles.
	DivideLatency uint64 `json:"divide_latency"`

	// FPLatency is the latency for floating point and SIMD uops.
	// Default: 4 cycles.
	FPLatency uint64 `json:"fp_latency"`

	// MicrocodeLatency is the latency of each microcode ROM uop.
	// Default: 1 cycle.
	MicrocodeLatency uint64 `json:"microcode_latency"`
}

// DefaultTimingConfig returns a TimingConfig with default values.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		ALULatency:       1,
		BranchLatency:    1,
		LoadLatency:      1,
		StoreLatency:     1,
		MultiplyLatency:  3,
		DivideLatency:    20,
		FPLatency:        4,
		MicrocodeLatency: 1,
	}
}

// LoadConfig loads a TimingConfig from a JSON file.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timing config %s: %w", path, err)
	}

	return config, nil
}

// SaveConfig writes a TimingConfig to a JSON file.
func (c *TimingConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that all latency values are valid (> 0).
func (c *TimingConfig) Validate() error {
	fields := []struct {
		name  string
		value uint64
	}{
		{"alu_latency", c.ALULatency},
		{"branch_latency", c.BranchLatency},
		{"load_latency", c.LoadLatency},
		{"store_latency", c.StoreLatency},
		{"multiply_latency", c.MultiplyLatency},
		{"divide_latency", c.DivideLatency},
		{"fp_latency", c.FPLatency},
		{"microcode_latency", c.MicrocodeLatency},
	}

	for _, f := range fields {
		if f.value == 0 {
			return fmt.Errorf("%s must be > 0", f.name)
		}
	}

	return nil
}

// Clone returns a deep copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	return &clone
}
