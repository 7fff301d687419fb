package server

import (
	"log"
	"sync"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
	"github.com/ember-shard/shardgate/pkg/accountstore"
	"github.com/ember-shard/shardgate/pkg/admission"
	"github.com/ember-shard/shardgate/pkg/config"
	"github.com/ember-shard/shardgate/pkg/events"
	"github.com/ember-shard/shardgate/pkg/firewall"
	"github.com/ember-shard/shardgate/pkg/ipinfo"
	"github.com/ember-shard/shardgate/pkg/sqlmirror"
)

// Gate bundles the admission engine with its persistence and plumbing. The
// admission core is single-threaded; the gate's mutex is the one place that
// serializes connection goroutines, the admin API and the config reloader
// into it.
type Gate struct {
	mu sync.Mutex

	Accounts   *accounts.Store
	Registry   *admission.Registry
	Arbiter    *admission.Arbiter
	Throttle   *admission.AttackThrottle
	Concurrent *admission.ConcurrentIPLimiter
	Total      *admission.TotalIPLimiter
	Hardware   *admission.HardwareLimiter

	Firewall *firewall.Firewall
	Store    *accountstore.Store // nil in tests
	Mirror   *sqlmirror.Mirror   // nil when the SQL mirror is disabled
	Bus      *events.Bus
	IPInfo   *ipinfo.Service // nil when enrichment is disabled

	conns     map[int]*Descriptor
	nextID    int
	startTime time.Time
}

// NewGate builds the admission engine from the configured limits.
func NewGate(cfg *config.Config, bus *events.Bus) *Gate {
	accts := accounts.NewStore()
	registry := admission.NewRegistry()
	throttle := admission.NewAttackThrottle()
	concurrent := admission.NewConcurrentIPLimiter(registry,
		cfg.Limits.MaxConcurrentPerIP, cfg.Limits.LogoutGrace())
	total := admission.NewTotalIPLimiter(accts, registry, cfg.Limits.MaxAccountsPerIP)
	hardware := admission.NewHardwareLimiter(accts, registry, cfg.Limits.MaxAccountsPerMachine)
	arbiter := admission.NewArbiter(accts, registry, throttle, concurrent, total, hardware,
		bus, policyFromLimits(cfg.Limits))

	return &Gate{
		Accounts:   accts,
		Registry:   registry,
		Arbiter:    arbiter,
		Throttle:   throttle,
		Concurrent: concurrent,
		Total:      total,
		Hardware:   hardware,
		Bus:        bus,
		conns:      make(map[int]*Descriptor),
		nextID:     1,
		startTime:  time.Now(),
	}
}

// policyFromLimits translates config knobs into an arbiter policy.
func policyFromLimits(l config.Limits) admission.Policy {
	lockdown := accounts.AccessPlayer
	if l.LockdownLevel != "" {
		if lvl, ok := accounts.ParseAccessLevel(l.LockdownLevel); ok {
			lockdown = lvl
		} else {
			log.Printf("gate: unknown lockdown level %q, ignoring", l.LockdownLevel)
		}
	}
	return admission.Policy{
		AutoCreate:        l.AutoCreateAccounts,
		Lockdown:          lockdown,
		ThrottleEnabled:   l.ThrottleEnabled,
		ConcurrentEnabled: l.ConcurrentEnabled,
		TotalEnabled:      l.TotalEnabled,
		HardwareEnabled:   l.HardwareEnabled,
		GrandfatherBefore: l.GrandfatherCutoff(),
	}
}

// ApplyLimits swaps the live limits, called by the config watcher.
func (g *Gate) ApplyLimits(l config.Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Arbiter.Policy = policyFromLimits(l)
	g.Concurrent.Max = l.MaxConcurrentPerIP
	g.Concurrent.DefaultGrace = l.LogoutGrace()
	g.Total.Max = l.MaxAccountsPerIP
	g.Hardware.Max = l.MaxAccountsPerMachine
	log.Printf("gate: limits applied (concurrent=%d total=%d hardware=%d grace=%s)",
		l.MaxConcurrentPerIP, l.MaxAccountsPerIP, l.MaxAccountsPerMachine, l.LogoutGrace())
}

// Attach registers a new connection and assigns its descriptor ID.
func (g *Gate) Attach(d *Descriptor) {
	g.mu.Lock()
	d.ID = g.nextID
	g.nextID++
	g.conns[d.ID] = d
	g.Registry.Add(d)
	g.mu.Unlock()

	if g.IPInfo != nil {
		g.IPInfo.Enqueue(d.Addr)
	}
	if g.Bus != nil {
		g.Bus.Emit(events.Event{
			Kind:    events.EvConnect,
			Time:    time.Now(),
			Address: d.Addr,
			Text:    "connection from " + d.Addr,
		})
	}
}

// Detach removes a closing connection, feeding the post-disconnect watchdog
// when it carried a logged-in account.
func (g *Gate) Detach(d *Descriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, d.ID)
	g.Registry.Remove(d)
	if d.acct != nil {
		g.Arbiter.Disconnect(d.acct, d.Addr)
	}
}

// AccountLogin runs the pre-world admission pipeline for a connection.
func (g *Gate) AccountLogin(d *Descriptor, username, password string) admission.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	dec := g.Arbiter.AccountLogin(admission.Request{
		Username:    username,
		Password:    password,
		Address:     d.Addr,
		Fingerprint: d.Fingerprint,
		Session:     d,
		RoutingTier: d.RoutingTier,
	})
	if dec.Accepted() {
		d.acct = dec.Account
		d.password = password
		d.State = StateAuthed
	}
	g.persistAccount(dec.Account)
	return dec
}

// GameLogin runs the in-world admission pipeline. Limiter failures confine
// the session instead of rejecting it.
func (g *Gate) GameLogin(d *Descriptor) admission.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d.acct == nil {
		return admission.Decision{Reason: admission.InvalidCredentials}
	}
	// The routing-tier exemption ends at world entry. The gateway has no
	// downstream tier that would re-run the address and hardware checks, so
	// game login evaluates the full pipeline for every transport.
	dec := g.Arbiter.GameLogin(admission.Request{
		Username:    d.acct.Username,
		Password:    d.password,
		Address:     d.Addr,
		Fingerprint: d.Fingerprint,
		Session:     d,
	})
	if dec.Accepted() {
		d.State = StateInWorld
		if dec.Confined {
			d.confined = true
		}
	}
	g.persistAccount(dec.Account)
	return dec
}

// persistAccount writes an account through to bolt and the SQL mirror.
// Callers hold the gate lock. A nil account is a no-op.
func (g *Gate) persistAccount(a *accounts.Account) {
	if a == nil {
		return
	}
	if g.Store != nil {
		if err := g.Store.SaveAccount(a); err != nil {
			log.Printf("gate: persisting account %q: %v", a.Username, err)
		}
	}
	if g.Mirror != nil {
		g.Mirror.MirrorAccount(a)
	}
}

// Snapshot is a point-in-time view of the gate's counters for metrics and
// the admin dashboard.
type Snapshot struct {
	SessionsTCP     int
	SessionsWS      int
	Accounts        int
	ThrottleEntries int
	WatchdogEntries int
	FirewallEntries int
	Uptime          time.Duration
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{
		Accounts:        g.Accounts.Len(),
		ThrottleEntries: g.Throttle.Len(),
		WatchdogEntries: g.Concurrent.WatchdogLen(),
		Uptime:          time.Since(g.startTime),
	}
	if g.Firewall != nil {
		snap.FirewallEntries = len(g.Firewall.Entries())
	}
	for _, d := range g.conns {
		if d.Transport == TransportWebSocket {
			snap.SessionsWS++
		} else {
			snap.SessionsTCP++
		}
	}
	return snap
}

// descriptorsFor returns the live descriptors logged in as username.
// Callers hold the gate lock.
func (g *Gate) descriptorsFor(username string) []*Descriptor {
	var out []*Descriptor
	for _, d := range g.conns {
		if d.acct != nil && d.acct.Is(username) {
			out = append(out, d)
		}
	}
	return out
}
