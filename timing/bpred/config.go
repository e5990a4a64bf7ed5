// Package bpred provides the front-end branch predictor: a direction
// predictor, a branch target buffer, and a return address stack, with
// per-prediction state caches used to repair speculative history.
package bpred

import "fmt"

// Kind selects the direction prediction scheme.
type Kind string

// Supported predictor kinds.
const (
	KindNotTaken   Kind = "nottaken"
	KindPerfect    Kind = "perfect"
	KindBimodal    Kind = "bimodal"
	KindTournament Kind = "tournament"
)

// Config holds configuration for the branch predictor.
type Config struct {
	Kind Kind
	// BHTSize is the number of entries in the Branch History Table.
	// Must be a power of 2. Default is 1024.
	BHTSize uint32
	// BTBSize is the number of entries in the Branch Target Buffer.
	// Must be a power of 2. Default is 256.
	BTBSize uint32
	// GlobalHistoryLength is the number of outcomes kept in the global
	// history register.
	GlobalHistoryLength uint
	// UseTournament selects between bimodal and global-history predictions
	// with a per-branch chooser.
	UseTournament bool
	// RASSize is the depth of the return address stack.
	RASSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Kind:                KindTournament,
		BHTSize:             1024,
		BTBSize:             256,
		GlobalHistoryLength: 8,
		UseTournament:       true,
		RASSize:             16,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch c.Kind {
	case KindNotTaken, KindPerfect, KindBimodal, KindTournament:
	default:
		return fmt.Errorf("unknown branch predictor %q", c.Kind)
	}

	if c.BHTSize != 0 && c.BHTSize&(c.BHTSize-1) != 0 {
		return fmt.Errorf("bht_size must be a power of 2, got %d", c.BHTSize)
	}

	if c.BTBSize != 0 && c.BTBSize&(c.BTBSize-1) != 0 {
		return fmt.Errorf("btb_size must be a power of 2, got %d", c.BTBSize)
	}

	if c.GlobalHistoryLength > 32 {
		return fmt.Errorf("history_length must be at most 32, got %d", c.GlobalHistoryLength)
	}

	if c.RASSize < 0 {
		return fmt.Errorf("ras_size must not be negative, got %d", c.RASSize)
	}

	return nil
}

// Stats holds statistics for the branch predictor.
type Stats struct {
	// Lookups is the number of fetch-time lookups.
	Lookups uint64
	// Predictions is the total number of committed branch predictions.
	Predictions uint64
	// Correct is the number of correct predictions.
	Correct uint64
	// Mispredictions is the number of incorrect predictions.
	Mispredictions uint64
	// BTBHits is the number of BTB hits.
	BTBHits uint64
	// BTBMisses is the number of BTB misses.
	BTBMisses uint64
	// Recoveries is the number of speculative state repairs.
	Recoveries uint64
	// PhantomInvalidations counts BTB entries removed for non-branches.
	PhantomInvalidations uint64
}

// Accuracy returns the prediction accuracy as a percentage.
func (s Stats) Accuracy() float64 {
	if s.Predictions == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Predictions) * 100
}

// MispredictionRate returns the misprediction rate as a percentage.
func (s Stats) MispredictionRate() float64 {
	if s.Predictions == 0 {
		return 0
	}
	return float64(s.Mispredictions) / float64(s.Predictions) * 100
}

// BTBHitRate returns the BTB hit rate as a percentage.
func (s Stats) BTBHitRate() float64 {
	total := s.BTBHits + s.BTBMisses
	if total == 0 {
		return 0
	}
	return float64(s.BTBHits) / float64(total) * 100
}
