package commit

// StallReason explains why commit retired less than its width in a cycle.
// Exactly one reason is recorded per cycle.
type StallReason int

// Commit stall reasons.
const (
	StallNone StallReason = iota
	// StallNotReady means the oldest Mop has no completed uop.
	StallNotReady
	// StallPartial means the oldest Mop has some but not all uops completed.
	StallPartial
	StallEmpty
	// StallJeclearInFlight means the front end has not yet processed the
	// oldest Mop's misprediction recovery.
	StallJeclearInFlight
	StallMaxBranches
	StallSTQ
	NumStallReasons
)

var stallNames = [NumStallReasons]string{
	"no stall",
	"oldest uop not ready",
	"oldest Mop partially ready",
	"ROB empty",
	"jeclear in flight",
	"branch commit limit",
	"store queue full",
}

// String returns a description of the reason.
func (r StallReason) String() string {
	if r >= 0 && r < NumStallReasons {
		return stallNames[r]
	}

	return "unknown"
}

// StallNames returns the reason descriptions indexed by StallReason.
func StallNames() []string {
	return stallNames[:]
}
