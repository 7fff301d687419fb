package admission

import (
	"strings"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
)

// watchdogEntry marks a source address as "hot" for a grace window after a
// disconnect, remembering which account left.
type watchdogEntry struct {
	expiry   time.Time
	username string
}

// ConcurrentIPLimiter caps the number of simultaneous sessions sharing one
// source address and blocks hot-swap logins (disconnect account A, instantly
// reconnect account B from the same address) while the grace window runs.
type ConcurrentIPLimiter struct {
	// Max is the concurrent session cap per source address.
	Max int
	// DefaultGrace is the post-disconnect hot window for accounts without
	// their own override.
	DefaultGrace time.Duration

	registry *Registry
	watchdog map[string]watchdogEntry
	now      func() time.Time
}

// NewConcurrentIPLimiter creates a limiter counting over the given registry.
func NewConcurrentIPLimiter(registry *Registry, max int, grace time.Duration) *ConcurrentIPLimiter {
	return &ConcurrentIPLimiter{
		Max:          max,
		DefaultGrace: grace,
		registry:     registry,
		watchdog:     make(map[string]watchdogEntry),
		now:          time.Now,
	}
}

// IsOk reports whether acct may open another session from addr. Staff
// accounts are never limited and never counted. Sessions are excluded from
// the count when they belong to staff, when they are the excluded session
// itself (the attempt's own connection, at the game-login call site), or,
// when filterConfined is set, when they sit in the quarantine flow.
func (c *ConcurrentIPLimiter) IsOk(acct *accounts.Account, addr string, except Session, filterConfined bool) bool {
	if acct.Access.IsStaff() {
		return true
	}
	if c.Max <= 0 {
		return true
	}
	count := 0
	for _, s := range c.registry.ForAddress(addr) {
		if s == except {
			continue
		}
		if other := s.Account(); other != nil && other.Access.IsStaff() {
			continue
		}
		if filterConfined && s.Confined() {
			continue
		}
		count++
	}
	return count < c.Max
}

// Disconnected records addr as hot for the disembarking account's grace
// window. Called by the arbiter on every disconnect event.
func (c *ConcurrentIPLimiter) Disconnected(acct *accounts.Account, addr string) {
	if acct == nil || addr == "" {
		return
	}
	grace := acct.LogoutGrace
	if grace <= 0 {
		grace = c.DefaultGrace
	}
	if grace <= 0 {
		return
	}
	c.watchdog[addr] = watchdogEntry{
		expiry:   c.now().Add(grace),
		username: acct.Username,
	}
}

// IsStillHot reports whether a login by acct from addr should be rejected
// because a different account just disconnected from that address. The check
// only applies when the concurrency cap is one, which is the configuration
// hot-swapping abuses; reconnecting the same account is always allowed.
// Expired entries are dropped lazily.
func (c *ConcurrentIPLimiter) IsStillHot(acct *accounts.Account, addr string) bool {
	entry, ok := c.watchdog[addr]
	if !ok {
		return false
	}
	if !c.now().Before(entry.expiry) {
		delete(c.watchdog, addr)
		return false
	}
	if c.Max != 1 {
		return false
	}
	return !strings.EqualFold(entry.username, acct.Username)
}

// NotifyBlocked warns every other live session on addr that a connection
// from their address was refused by the concurrency cap.
func (c *ConcurrentIPLimiter) NotifyBlocked(addr string, except Session) {
	c.registry.BroadcastAddress(addr, except,
		"Another connection from your address was refused: too many concurrent sessions.")
}

// WatchdogLen returns the number of hot addresses currently tracked.
func (c *ConcurrentIPLimiter) WatchdogLen() int {
	return len(c.watchdog)
}
