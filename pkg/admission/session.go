// Package admission is the account admission decision engine: the attack
// throttle, the three multi-accounting limiters and the arbiter that runs
// them in priority order against every login attempt.
//
// The package assumes the host's single-threaded dispatch model: all calls
// into the arbiter, the limiters and the session registry happen on one
// thread. The types are re-entrant-safe but not concurrent-safe.
package admission

import (
	"strings"

	"github.com/ember-shard/shardgate/pkg/accounts"
)

// Session is the capability view of one live connection, regardless of the
// concrete transport behind it.
type Session interface {
	// Account returns the logged-in account, or nil before login completes.
	Account() *accounts.Account
	// SourceAddress returns the remote host address without the port.
	SourceAddress() string
	// Confined reports whether the session has been redirected into the
	// quarantine flow after an in-world limiter failure.
	Confined() bool
	// Deliver sends an in-band text message to the client.
	Deliver(msg string)
}

// Registry is the live connection table the concurrency limiter counts over
// and warnings are broadcast through.
type Registry struct {
	sessions []Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a live session.
func (r *Registry) Add(s Session) {
	r.sessions = append(r.sessions, s)
}

// Remove drops a session from the table.
func (r *Registry) Remove(s Session) {
	for i, cur := range r.sessions {
		if cur == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// All returns the live session slice. Callers must not mutate it.
func (r *Registry) All() []Session {
	return r.sessions
}

// ForAddress returns every live session whose source address equals addr.
func (r *Registry) ForAddress(addr string) []Session {
	var out []Session
	for _, s := range r.sessions {
		if s.SourceAddress() == addr {
			out = append(out, s)
		}
	}
	return out
}

// BroadcastAddress delivers msg to every session on addr except the one
// given (which may be nil).
func (r *Registry) BroadcastAddress(addr string, except Session, msg string) {
	for _, s := range r.sessions {
		if s == except || s.SourceAddress() != addr {
			continue
		}
		s.Deliver(msg)
	}
}

// BroadcastMachine delivers msg to every session whose account shares a
// fingerprint with the given account.
func (r *Registry) BroadcastMachine(acct *accounts.Account, except Session, msg string) {
	for _, s := range r.sessions {
		if s == except {
			continue
		}
		other := s.Account()
		if other == nil || strings.EqualFold(other.Username, acct.Username) {
			continue
		}
		if other.SharesMachineWith(acct) {
			s.Deliver(msg)
		}
	}
}
