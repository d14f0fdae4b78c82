package locks

// Mode is a multi-granularity lock mode.
type Mode int

const (
	S Mode = iota
	X
	IS
	IX
	SIX
)

// compatibility[granted][requested]
var compatibility = [5][5]bool{
	//  S      X      IS     IX     SIX
	{true, false, true, true, false},   // S
	{false, false, false, false, false}, // X
	{true, false, true, true, true},    // IS
	{true, false, true, true, false},   // IX
	{false, false, true, false, false}, // SIX
}

// Compatible reports whether requested can be granted next to a granted m.
func (m Mode) Compatible(requested Mode) bool {
	return compatibility[m][requested]
}

// Covers reports whether holding m already grants everything other grants.
func (m Mode) Covers(other Mode) bool {
	if m == other {
		return true
	}
	switch m {
	case X:
		return true
	case SIX:
		return other == S || other == IX || other == IS
	case S, IX:
		return other == IS
	}
	return false
}

// Combine returns the weakest mode covering both held and requested.
func Combine(held, requested Mode) Mode {
	switch {
	case held.Covers(requested):
		return held
	case requested.Covers(held):
		return requested
	case (held == S && requested == IX) || (held == IX && requested == S):
		return SIX
	}
	return X
}

func (m Mode) String() string {
	switch m {
	case S:
		return "S"
	case X:
		return "X"
	case IS:
		return "IS"
	case IX:
		return "IX"
	case SIX:
		return "SIX"
	default:
		return "UNKNOWN"
	}
}
