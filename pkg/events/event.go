package events

import "time"

// Kind classifies events for subscriber-specific handling.
type Kind int

const (
	EvDecision   Kind = iota // Admission decision (accept or reject)
	EvConnect                // Session attached
	EvDisconnect             // Session detached
	EvFirewall               // Connection refused by the firewall pre-check
	EvAccount                // Account created or administratively changed
	EvNotice                 // Free-form operational notice
)

// String returns a human-readable name for the event kind.
func (k Kind) String() string {
	switch k {
	case EvDecision:
		return "decision"
	case EvConnect:
		return "connect"
	case EvDisconnect:
		return "disconnect"
	case EvFirewall:
		return "firewall"
	case EvAccount:
		return "account"
	case EvNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Event is a structured record of something the admission layer did.
// Subscribers decide how to encode it: the audit logger formats a line, the
// SQL mirror inserts a row, the admin feed pushes JSON.
type Event struct {
	Kind       Kind
	Time       time.Time
	Username   string
	Address    string
	Reason     string // decision reason code, empty for non-decision events
	Infraction string // infraction code recorded, if any
	Text       string // pre-formatted human-readable line
	Data       map[string]any
}
