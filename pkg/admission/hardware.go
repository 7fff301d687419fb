package admission

import (
	"github.com/ember-shard/shardgate/pkg/accounts"
)

// HardwareLimiter caps the number of accounts sharing a machine, identified
// by intersecting hardware fingerprint sets. The cap binds to the accounts
// created earliest, not the ones that acquired a fingerprint first: an
// account created before its peers is legal on the machine even if it only
// picked up the shared fingerprint later, and a younger account that
// fingerprinted first becomes retroactively illegal.
type HardwareLimiter struct {
	// Max is the accounts-per-machine cap.
	Max int

	store    *accounts.Store
	registry *Registry
}

// NewHardwareLimiter creates a limiter scanning the given account store.
func NewHardwareLimiter(store *accounts.Store, registry *Registry, max int) *HardwareLimiter {
	return &HardwareLimiter{Max: max, store: store, registry: registry}
}

// AccountsByMachine returns every non-staff account whose fingerprint set
// intersects acct's, sorted ascending by creation time. An account with no
// known fingerprints groups with nothing, including itself.
func (l *HardwareLimiter) AccountsByMachine(acct *accounts.Account) []*accounts.Account {
	if !acct.HardwareKnown() {
		return nil
	}
	var out []*accounts.Account
	for _, a := range l.store.All() {
		if a.Access.IsStaff() {
			continue
		}
		if a.SharesMachineWith(acct) {
			out = append(out, a)
		}
	}
	return out
}

// IsOk reports whether acct may log in under the machine cap. Accounts with
// no observed fingerprint are always allowed: the limiter cannot group what
// it cannot see. Staff accounts are exempt.
func (l *HardwareLimiter) IsOk(acct *accounts.Account) bool {
	if acct.Access.IsStaff() {
		return true
	}
	if l.Max <= 0 || !acct.HardwareKnown() {
		return true
	}
	machine := l.AccountsByMachine(acct)
	if len(machine) <= l.Max {
		return true
	}
	for _, a := range machine[:l.Max] {
		if a.Is(acct.Username) {
			return true
		}
	}
	return false
}

// Notify warns every live session sharing a fingerprint with the blocked
// account.
func (l *HardwareLimiter) Notify(acct *accounts.Account, except Session) {
	l.registry.BroadcastMachine(acct, except,
		"An account sharing your machine was refused: too many accounts for one machine.")
}
