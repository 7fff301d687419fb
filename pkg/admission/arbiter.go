package admission

import (
	"fmt"
	"log"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
	"github.com/ember-shard/shardgate/pkg/events"
)

// Reason is the outcome code of one admission decision.
type Reason int

const (
	Accepted Reason = iota
	RateLimited
	InvalidCredentials
	BadPassword
	InUse
	Blocked
	BadComm
)

// String returns a human-readable name for the reason code.
func (r Reason) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RateLimited:
		return "rate-limited"
	case InvalidCredentials:
		return "invalid-credentials"
	case BadPassword:
		return "bad-password"
	case InUse:
		return "in-use"
	case Blocked:
		return "blocked"
	case BadComm:
		return "bad-comm"
	default:
		return "unknown"
	}
}

// Request is one login attempt presented to the arbiter.
type Request struct {
	Username    string
	Password    string
	Address     string
	Fingerprint uint32
	// Session is the attempt's own connection. It may be nil at the
	// account-login call site, where the session is not yet registered.
	Session Session
	// RoutingTier marks attempts arriving through the login-routing tier,
	// which skips the total-IP, hardware and hot-address checks.
	RoutingTier bool
}

// Decision is the structured outcome returned to the host.
type Decision struct {
	Reason     Reason
	Account    *accounts.Account
	Infraction accounts.Infraction
	// Confined is set at the game-login call site when a limiter failed but
	// the connection proceeds into the quarantine flow instead of being
	// rejected.
	Confined bool
	// Matches carries the total-IP limiter's match count for diagnostics.
	Matches int
	// Created is set when the account was auto-created by this attempt.
	Created bool
}

// Accepted reports whether the connection proceeds (possibly confined).
func (d Decision) Accepted() bool {
	return d.Reason == Accepted
}

// ExitNodeSource reports whether an address is a known anonymizing exit
// node. Advisory only; absence of an answer never blocks a login.
type ExitNodeSource interface {
	IsExitNode(addr string) bool
}

// Policy holds the arbiter's tunable knobs. The config watcher swaps these
// live.
type Policy struct {
	AutoCreate        bool
	Lockdown          accounts.AccessLevel
	ThrottleEnabled   bool
	ConcurrentEnabled bool
	TotalEnabled      bool
	HardwareEnabled   bool
	// GrandfatherBefore exempts accounts created before the cutoff from the
	// total-IP and hardware limiters. Zero means no exemption.
	GrandfatherBefore time.Time
}

// Arbiter runs every login attempt through the limiters in a fixed priority
// order and produces a single decision. The first failing check wins and its
// infraction is the one recorded.
type Arbiter struct {
	Policy Policy

	store      *accounts.Store
	throttle   *AttackThrottle
	concurrent *ConcurrentIPLimiter
	total      *TotalIPLimiter
	hardware   *HardwareLimiter
	registry   *Registry
	bus        *events.Bus
	exitNodes  ExitNodeSource
	now        func() time.Time
}

// NewArbiter wires the decision pipeline. bus and exitNodes may be nil.
func NewArbiter(store *accounts.Store, registry *Registry, throttle *AttackThrottle,
	concurrent *ConcurrentIPLimiter, total *TotalIPLimiter, hardware *HardwareLimiter,
	bus *events.Bus, policy Policy) *Arbiter {
	return &Arbiter{
		Policy:     policy,
		store:      store,
		throttle:   throttle,
		concurrent: concurrent,
		total:      total,
		hardware:   hardware,
		registry:   registry,
		bus:        bus,
		now:        time.Now,
	}
}

// SetExitNodeSource attaches the advisory exit-node lookup.
func (a *Arbiter) SetExitNodeSource(src ExitNodeSource) {
	a.exitNodes = src
}

// attempt is the mutable state threaded through one pipeline run.
type attempt struct {
	req       Request
	gameLogin bool
	acct      *accounts.Account
	created   bool
	matches   int

	confined   bool
	infraction accounts.Infraction
}

// check is one step of the pipeline. soft checks confine instead of
// rejecting at the game-login call site; noRecord suppresses the attack
// throttle's failure bookkeeping.
type check struct {
	name     string
	soft     bool
	noRecord bool
	skip     func(a *Arbiter, at *attempt) bool
	run      func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool)
}

// pipeline is the priority order of the admission checks. The first failing
// check decides the attempt.
var pipeline = []check{
	{
		name:     "throttle",
		noRecord: true,
		skip:     func(a *Arbiter, at *attempt) bool { return !a.Policy.ThrottleEnabled },
		run: func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool) {
			return RateLimited, accounts.InfractionNone, a.throttle.ShouldAllow(at.req.Address)
		},
	},
	{
		name: "resolve",
		run: func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool) {
			return InvalidCredentials, accounts.InfractionNone, a.resolveAccount(at)
		},
	},
	{
		name: "concurrent",
		soft: true,
		skip: func(a *Arbiter, at *attempt) bool { return !a.Policy.ConcurrentEnabled },
		run: func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool) {
			if a.concurrent.IsOk(at.acct, at.req.Address, at.req.Session, true) {
				return Accepted, accounts.InfractionNone, true
			}
			a.concurrent.NotifyBlocked(at.req.Address, at.req.Session)
			return InUse, accounts.InfractionConcurrentIPLimit, false
		},
	},
	{
		name: "total-ip",
		soft: true,
		skip: func(a *Arbiter, at *attempt) bool {
			return !a.Policy.TotalEnabled || at.req.RoutingTier || a.grandfathered(at.acct)
		},
		run: func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool) {
			ok, matches := a.total.IsOk(at.acct, at.req.Address)
			at.matches = matches
			if ok {
				return Accepted, accounts.InfractionNone, true
			}
			names := a.total.Notify(at.acct, at.req.Address, matches, at.req.Session)
			log.Printf("admission: address %s blackholed for %s; accounts sharing it: %v",
				at.req.Address, at.acct.Username, names)
			return Blocked, accounts.InfractionTotalIPLimit, false
		},
	},
	{
		name: "hardware",
		soft: true,
		skip: func(a *Arbiter, at *attempt) bool {
			return !a.Policy.HardwareEnabled || at.req.RoutingTier || a.grandfathered(at.acct)
		},
		run: func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool) {
			if a.hardware.IsOk(at.acct) {
				return Accepted, accounts.InfractionNone, true
			}
			a.hardware.Notify(at.acct, at.req.Session)
			return Blocked, accounts.InfractionHardwareLimit, false
		},
	},
	{
		name: "hot-address",
		soft: true,
		skip: func(a *Arbiter, at *attempt) bool {
			return !a.Policy.ConcurrentEnabled || at.req.RoutingTier
		},
		run: func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool) {
			if a.concurrent.IsStillHot(at.acct, at.req.Address) {
				return InUse, accounts.InfractionIPStillHot, false
			}
			return Accepted, accounts.InfractionNone, true
		},
	},
	{
		name: "access",
		run: func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool) {
			if at.acct.HasAccess(a.Policy.Lockdown, at.req.Address) {
				return Accepted, accounts.InfractionNone, true
			}
			reason := BadPassword
			if a.Policy.Lockdown > accounts.AccessPlayer {
				reason = BadComm
			}
			return reason, accounts.InfractionAccessDenied, false
		},
	},
	{
		name: "password",
		run: func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool) {
			return BadPassword, accounts.InfractionBadPassword, at.acct.CheckPassword(at.req.Password)
		},
	},
	{
		name: "ban",
		run: func(a *Arbiter, at *attempt) (Reason, accounts.Infraction, bool) {
			return Blocked, accounts.InfractionBanned, !at.acct.CheckBanned(a.now())
		},
	},
}

// AccountLogin evaluates a pre-world login attempt. Any failing check
// rejects the connection outright.
func (a *Arbiter) AccountLogin(req Request) Decision {
	return a.evaluate(&attempt{req: req})
}

// GameLogin evaluates an in-world login attempt. Limiter failures tag the
// account and confine the session instead of rejecting; credential and ban
// failures still reject.
func (a *Arbiter) GameLogin(req Request) Decision {
	return a.evaluate(&attempt{req: req, gameLogin: true})
}

// Disconnect feeds the post-disconnect watchdog and announces the event.
func (a *Arbiter) Disconnect(acct *accounts.Account, addr string) {
	a.concurrent.Disconnected(acct, addr)
	if a.bus != nil && acct != nil {
		a.bus.Emit(events.Event{
			Kind:     events.EvDisconnect,
			Time:     a.now(),
			Username: acct.Username,
			Address:  addr,
			Text:     fmt.Sprintf("%s disconnected from %s", acct.Username, addr),
		})
	}
}

func (a *Arbiter) evaluate(at *attempt) Decision {
	for _, c := range pipeline {
		if c.skip != nil && c.skip(a, at) {
			continue
		}
		reason, infraction, ok := c.run(a, at)
		if ok {
			continue
		}
		if c.soft && at.gameLogin {
			// Post-world rejections hang the client, so tag the account and
			// keep evaluating; the session is redirected to confinement.
			at.confined = true
			at.infraction = accounts.Prioritize(at.infraction, infraction, a.parked(at))
			continue
		}
		return a.reject(at, c, reason, infraction)
	}
	return a.accept(at)
}

// parked reports whether the attempt's session already reached the terminal
// sit-at-character-creation state, which restricts which infractions may
// still be recorded over it.
func (a *Arbiter) parked(at *attempt) bool {
	return at.req.Session != nil && at.req.Session.Confined()
}

func (a *Arbiter) grandfathered(acct *accounts.Account) bool {
	cutoff := a.Policy.GrandfatherBefore
	return !cutoff.IsZero() && acct.Created.Before(cutoff)
}

// resolveAccount looks up the account, auto-creating it when allowed.
func (a *Arbiter) resolveAccount(at *attempt) bool {
	if acct, ok := a.store.Get(at.req.Username); ok {
		at.acct = acct
		return true
	}
	if !a.Policy.AutoCreate || at.gameLogin {
		return false
	}
	if !accounts.ValidCredentials(at.req.Username, at.req.Password) {
		return false
	}
	acct, err := a.store.Create(at.req.Username, at.req.Password, a.now())
	if err != nil {
		log.Printf("admission: auto-create %q failed: %v", at.req.Username, err)
		return false
	}
	at.acct = acct
	at.created = true
	return true
}

func (a *Arbiter) reject(at *attempt, c check, reason Reason, infraction accounts.Infraction) Decision {
	if at.acct != nil && infraction != accounts.InfractionNone {
		at.acct.Infraction = accounts.Prioritize(at.acct.Infraction, infraction, a.parked(at))
	}
	if !c.noRecord {
		a.throttle.RecordFailure(at.req.Address)
	}
	d := Decision{
		Reason:     reason,
		Account:    at.acct,
		Infraction: infraction,
		Matches:    at.matches,
	}
	a.audit(at, d, c.name)
	return d
}

func (a *Arbiter) accept(at *attempt) Decision {
	now := a.now()
	acct := at.acct
	acct.RecordIP(at.req.Address)
	acct.RecordFingerprint(at.req.Fingerprint, now)
	acct.LastLogin = now

	if at.confined {
		acct.Infraction = accounts.Prioritize(acct.Infraction, at.infraction, a.parked(at))
	} else if a.exitNodes != nil && a.exitNodes.IsExitNode(at.req.Address) {
		// Informational only: logged and tagged, never a block.
		acct.Infraction = accounts.Prioritize(acct.Infraction, accounts.InfractionExitNode, a.parked(at))
		log.Printf("admission: %s logged in via exit node %s", acct.Username, at.req.Address)
	}

	d := Decision{
		Reason:     Accepted,
		Account:    acct,
		Infraction: at.infraction,
		Confined:   at.confined,
		Matches:    at.matches,
		Created:    at.created,
	}
	a.audit(at, d, "")
	if at.created && a.bus != nil {
		a.bus.Emit(events.Event{
			Kind:     events.EvAccount,
			Time:     now,
			Username: acct.Username,
			Address:  at.req.Address,
			Text:     fmt.Sprintf("auto-created account %s from %s", acct.Username, at.req.Address),
		})
	}
	return d
}

// audit writes the decision to the process log and the event bus. Every
// accept and every block produces exactly one line.
func (a *Arbiter) audit(at *attempt, d Decision, failedCheck string) {
	site := "account-login"
	if at.gameLogin {
		site = "game-login"
	}
	text := fmt.Sprintf("%s %s for %q from %s", site, d.Reason, at.req.Username, at.req.Address)
	if failedCheck != "" {
		text += fmt.Sprintf(" (check %s)", failedCheck)
	}
	if d.Confined {
		text += " [confined]"
	}
	log.Printf("admission: %s", text)

	if a.bus == nil {
		return
	}
	inf := ""
	if d.Infraction != accounts.InfractionNone {
		inf = d.Infraction.String()
	}
	a.bus.Emit(events.Event{
		Kind:       events.EvDecision,
		Time:       a.now(),
		Username:   at.req.Username,
		Address:    at.req.Address,
		Reason:     d.Reason.String(),
		Infraction: inf,
		Text:       text,
		Data: map[string]any{
			"site":     site,
			"confined": d.Confined,
			"matches":  d.Matches,
			"created":  d.Created,
		},
	})
}
