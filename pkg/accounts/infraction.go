package accounts

// Infraction records the most recent admission rule an account tripped.
// Exactly one code is kept per account; the arbiter's prioritization decides
// which one survives when several rules fail in the same attempt.
type Infraction int

const (
	InfractionNone Infraction = iota
	InfractionConcurrentIPLimit
	InfractionTotalIPLimit
	InfractionHardwareLimit
	InfractionIPStillHot
	InfractionAccessDenied
	InfractionBadPassword
	InfractionBanned
	InfractionExitNode
)

// String returns a human-readable name for the infraction code.
func (i Infraction) String() string {
	switch i {
	case InfractionNone:
		return "none"
	case InfractionConcurrentIPLimit:
		return "concurrent-ip-limit"
	case InfractionTotalIPLimit:
		return "total-ip-limit"
	case InfractionHardwareLimit:
		return "hardware-limit"
	case InfractionIPStillHot:
		return "ip-still-hot"
	case InfractionAccessDenied:
		return "access-denied"
	case InfractionBadPassword:
		return "bad-password"
	case InfractionBanned:
		return "banned"
	case InfractionExitNode:
		return "exit-node"
	default:
		return "unknown"
	}
}

// Gating reports whether the infraction is one of the three codes allowed to
// override an account already parked at character creation. All other codes
// are informational once that terminal state is reached.
func (i Infraction) Gating() bool {
	switch i {
	case InfractionConcurrentIPLimit, InfractionTotalIPLimit, InfractionHardwareLimit:
		return true
	}
	return false
}

// Prioritize resolves which infraction should be kept when a new one is
// recorded on top of an existing state. When the account is already parked at
// character creation, only the gating codes may displace the current value.
func Prioritize(current, incoming Infraction, parked bool) Infraction {
	if incoming == InfractionNone {
		return current
	}
	if parked && !incoming.Gating() {
		return current
	}
	return incoming
}
