package admission

import "time"

// attackLogExpiry evicts a source's failure record after an hour of quiet.
const attackLogExpiry = time.Hour

// attackLog tracks repeated invalid login attempts from one source address.
type attackLog struct {
	address     string
	lastAttempt time.Time
	failures    int
}

// penalty returns the cooldown a source must wait out before its next
// attempt is evaluated at all. The window is a monotonic step function of
// the failure count.
func penalty(failures int) time.Duration {
	switch {
	case failures <= 0:
		return 0
	case failures <= 2:
		return 2 * time.Second
	case failures <= 4:
		return 10 * time.Second
	case failures <= 9:
		return 20 * time.Second
	case failures <= 14:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

// AttackThrottle is the per-source-IP brute-force gate. It keeps no
// persistent state; everything resets on process restart.
type AttackThrottle struct {
	logs []*attackLog
	now  func() time.Time
}

// NewAttackThrottle creates an empty throttle.
func NewAttackThrottle() *AttackThrottle {
	return &AttackThrottle{now: time.Now}
}

// ShouldAllow reports whether a login attempt from addr may proceed to the
// rest of the pipeline. Expired logs encountered during the scan are pruned.
// An address with no log always passes.
func (t *AttackThrottle) ShouldAllow(addr string) bool {
	now := t.now()

	kept := t.logs[:0]
	var found *attackLog
	for _, l := range t.logs {
		if now.Sub(l.lastAttempt) >= attackLogExpiry {
			continue
		}
		kept = append(kept, l)
		if l.address == addr {
			found = l
		}
	}
	t.logs = kept

	if found == nil {
		return true
	}
	return !now.Before(found.lastAttempt.Add(penalty(found.failures)))
}

// RecordFailure notes one rejected login attempt from addr, creating the log
// if necessary and refreshing its attempt time.
func (t *AttackThrottle) RecordFailure(addr string) {
	now := t.now()
	for _, l := range t.logs {
		if l.address == addr {
			l.failures++
			l.lastAttempt = now
			return
		}
	}
	t.logs = append(t.logs, &attackLog{address: addr, lastAttempt: now, failures: 1})
}

// Failures returns the current failure count for addr, for diagnostics.
func (t *AttackThrottle) Failures(addr string) int {
	for _, l := range t.logs {
		if l.address == addr {
			return l.failures
		}
	}
	return 0
}

// Len returns the number of tracked source addresses.
func (t *AttackThrottle) Len() int {
	return len(t.logs)
}
