// Package accounts holds the account records the admission pipeline decides
// over: credentials, access levels, login IP history, hardware fingerprints
// and ban state, plus the in-memory store that is the source of truth for
// every limiter query.
package accounts

import (
	"strings"
	"time"
)

const (
	// MaxIPHistory caps the most-recent-first login address list.
	MaxIPHistory = 32
	// MaxFingerprints caps the retained hardware fingerprint set.
	MaxFingerprints = 16
)

// Account is one user record. Fields are exported for gob persistence and
// the admin API; all mutation goes through the methods so the history and
// fingerprint invariants hold.
type Account struct {
	Username     string
	PasswordHash string
	Access       AccessLevel
	Created      time.Time
	LastLogin    time.Time

	// Seq is the creation sequence number, assigned by the store. It is the
	// stable tie-break when two accounts share a creation timestamp.
	Seq uint64

	Banned      bool
	BanStart    time.Time
	BanDuration time.Duration // 0 means infinite

	Watched     bool
	WatchReason string
	WatchExpiry time.Time

	// LoginIPHistory is most-recent-first. A repeated address is promoted to
	// the front rather than duplicated.
	LoginIPHistory []string

	// Fingerprints holds every hardware fingerprint ever observed for this
	// account, oldest first, capped at MaxFingerprints. The zero value is a
	// "no fingerprint reported" sentinel and is never stored.
	Fingerprints             []uint32
	FingerprintFirstAcquired time.Time

	Infraction Infraction

	// AllowedIPs restricts logins to the listed addresses when non-empty.
	AllowedIPs []string

	// ResetToken is a one-time password set by an administrator. It is
	// consumed by the next successful password check.
	ResetToken string

	// LogoutGrace overrides the configured post-disconnect grace window for
	// this account when non-zero.
	LogoutGrace time.Duration
}

// Key returns the canonical (case-insensitive) store key for a username.
func Key(username string) string {
	return strings.ToLower(username)
}

// Is reports whether name refers to this account, case-insensitively.
func (a *Account) Is(name string) bool {
	return strings.EqualFold(a.Username, name)
}

// RecordIP inserts addr at the front of the login history. An address already
// present is moved to the front; the history never exceeds MaxIPHistory, the
// oldest entry dropping first.
func (a *Account) RecordIP(addr string) {
	if addr == "" {
		return
	}
	for i, prev := range a.LoginIPHistory {
		if prev == addr {
			if i == 0 {
				return
			}
			copy(a.LoginIPHistory[1:i+1], a.LoginIPHistory[:i])
			a.LoginIPHistory[0] = addr
			return
		}
	}
	a.LoginIPHistory = append(a.LoginIPHistory, "")
	copy(a.LoginIPHistory[1:], a.LoginIPHistory)
	a.LoginIPHistory[0] = addr
	if len(a.LoginIPHistory) > MaxIPHistory {
		a.LoginIPHistory = a.LoginIPHistory[:MaxIPHistory]
	}
}

// HasLoggedInFrom reports whether addr appears anywhere in the login history.
func (a *Account) HasLoggedInFrom(addr string) bool {
	for _, prev := range a.LoginIPHistory {
		if prev == addr {
			return true
		}
	}
	return false
}

// RecordFingerprint adds a hardware fingerprint to the account's set. The
// zero sentinel is ignored. The first non-zero fingerprint ever recorded
// stamps FingerprintFirstAcquired exactly once; later additions never move
// it. When the set exceeds MaxFingerprints the oldest entry is dropped.
func (a *Account) RecordFingerprint(fp uint32, now time.Time) {
	if fp == 0 {
		return
	}
	for _, prev := range a.Fingerprints {
		if prev == fp {
			return
		}
	}
	if a.FingerprintFirstAcquired.IsZero() {
		a.FingerprintFirstAcquired = now
	}
	a.Fingerprints = append(a.Fingerprints, fp)
	if len(a.Fingerprints) > MaxFingerprints {
		a.Fingerprints = a.Fingerprints[1:]
	}
}

// HardwareKnown reports whether any fingerprint has ever been observed.
func (a *Account) HardwareKnown() bool {
	return len(a.Fingerprints) > 0
}

// SharesMachineWith reports whether the two accounts' fingerprint sets
// intersect.
func (a *Account) SharesMachineWith(other *Account) bool {
	for _, fp := range a.Fingerprints {
		for _, ofp := range other.Fingerprints {
			if fp == ofp {
				return true
			}
		}
	}
	return false
}

// ClearFingerprints is the explicit administrative reset: it empties the
// fingerprint set and unsets FingerprintFirstAcquired together.
func (a *Account) ClearFingerprints() {
	a.Fingerprints = nil
	a.FingerprintFirstAcquired = time.Time{}
}

// Ban marks the account banned starting now. A zero duration means the ban
// never expires.
func (a *Account) Ban(now time.Time, duration time.Duration) {
	a.Banned = true
	a.BanStart = now
	a.BanDuration = duration
}

// Unban clears the ban state.
func (a *Account) Unban() {
	a.Banned = false
	a.BanStart = time.Time{}
	a.BanDuration = 0
}

// CheckBanned reports whether the account is banned at now. A finite ban
// whose duration has elapsed is cleared as a side effect; an infinite ban
// (zero duration) is never auto-cleared.
func (a *Account) CheckBanned(now time.Time) bool {
	if !a.Banned {
		return false
	}
	if a.BanDuration > 0 && !now.Before(a.BanStart.Add(a.BanDuration)) {
		a.Unban()
		return false
	}
	return true
}

// Watch flags the account for observation until expiry.
func (a *Account) Watch(reason string, expiry time.Time) {
	a.Watched = true
	a.WatchReason = reason
	a.WatchExpiry = expiry
}

// CheckWatched reports whether the account is still watched at now, clearing
// an expired watch as a side effect.
func (a *Account) CheckWatched(now time.Time) bool {
	if !a.Watched {
		return false
	}
	if !a.WatchExpiry.IsZero() && !now.Before(a.WatchExpiry) {
		a.Watched = false
		a.WatchReason = ""
		a.WatchExpiry = time.Time{}
		return false
	}
	return true
}

// HasAccess reports whether the account clears the server's lockdown level
// and, when an allowlist is configured, whether addr is on it.
func (a *Account) HasAccess(lockdown AccessLevel, addr string) bool {
	if a.Access < lockdown {
		return false
	}
	if len(a.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range a.AllowedIPs {
		if allowed == addr {
			return true
		}
	}
	return false
}
