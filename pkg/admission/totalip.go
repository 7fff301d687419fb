package admission

import (
	"github.com/ember-shard/shardgate/pkg/accounts"
)

// ExceptionSource answers per-address overrides of the total-accounts cap.
// The admin API maintains the table; absence means the default cap applies.
type ExceptionSource interface {
	AccountLimit(addr string) (limit int, ok bool)
}

// TotalIPLimiter caps the number of distinct accounts that may ever log in
// from one source address. The cap binds to the earliest-created accounts:
// those are "legal" for the address, any later account that backfills the
// same address is not, even if it logged in from it first.
type TotalIPLimiter struct {
	// Max is the default accounts-per-address cap.
	Max int
	// Exceptions optionally overrides the cap per address.
	Exceptions ExceptionSource

	store    *accounts.Store
	registry *Registry
}

// NewTotalIPLimiter creates a limiter scanning the given account store.
func NewTotalIPLimiter(store *accounts.Store, registry *Registry, max int) *TotalIPLimiter {
	return &TotalIPLimiter{Max: max, store: store, registry: registry}
}

// limitFor resolves the effective cap for addr.
func (l *TotalIPLimiter) limitFor(addr string) int {
	if l.Exceptions != nil {
		if limit, ok := l.Exceptions.AccountLimit(addr); ok {
			return limit
		}
	}
	return l.Max
}

// MatchingAccounts returns every non-staff account whose login history
// contains addr, sorted ascending by creation time.
func (l *TotalIPLimiter) MatchingAccounts(addr string) []*accounts.Account {
	var out []*accounts.Account
	for _, a := range l.store.All() {
		if a.Access.IsStaff() {
			continue
		}
		if a.HasLoggedInFrom(addr) {
			out = append(out, a)
		}
	}
	return out
}

// IsOk reports whether acct may log in from addr, and how many accounts
// matched the address in total. Staff accounts are allowed without
// evaluation. A player account is allowed when it sits within the first
// limit matches by creation time, or when the address has never filled its
// quota.
func (l *TotalIPLimiter) IsOk(acct *accounts.Account, addr string) (ok bool, matches int) {
	if acct.Access.IsStaff() {
		return true, 0
	}
	limit := l.limitFor(addr)
	if limit <= 0 {
		return true, 0
	}

	matched := l.MatchingAccounts(addr)
	matches = len(matched)

	legal := matched
	if len(legal) > limit {
		legal = legal[:limit]
	}
	for _, a := range legal {
		if a.Is(acct.Username) {
			return true, matches
		}
	}
	// An address below quota admits accounts it has never seen.
	if matches < limit {
		return true, matches
	}
	return false, matches
}

// Notify warns every other live session on addr that the address has been
// blackholed for acct, and returns the usernames sharing the address for the
// audit log.
func (l *TotalIPLimiter) Notify(acct *accounts.Account, addr string, matches int, except Session) []string {
	l.registry.BroadcastAddress(addr, except,
		"An account sharing your address was blackholed: too many accounts for one address.")
	var names []string
	for _, a := range l.MatchingAccounts(addr) {
		names = append(names, a.Username)
	}
	return names
}
