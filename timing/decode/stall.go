package decode

// StallReason explains why decode made less than full progress in a cycle.
// Exactly one reason is recorded per cycle.
type StallReason int

// Decode stall reasons.
const (
	StallNone StallReason = iota
	// StallFull means no decoder was free.
	StallFull
	// StallRep means a REP Mop waited for decoder 0.
	StallRep
	// StallUROM means a microcoded Mop waited for decoder 0.
	StallUROM
	// StallSmall means the flow was too long for the free decoder.
	StallSmall
	// StallEmpty means the IQ had nothing to decode.
	StallEmpty
	StallPhantom
	StallTarget
	StallMaxBranches
	NumStallReasons
)

var stallNames = [NumStallReasons]string{
	"no stall",
	"decoders full",
	"REP waiting for decoder 0",
	"UROM waiting for decoder 0",
	"flow too long for decoder",
	"no Mops to decode",
	"phantom taken branch resteer",
	"wrong target resteer",
	"branch decode limit",
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
