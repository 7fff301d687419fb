package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
	"github.com/ember-shard/shardgate/pkg/events"
)

// collector implements events.Subscriber for testing.
type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) Receive(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) Closed() bool { return false }

func (c *collector) byKind(k events.Kind) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	store    *accounts.Store
	registry *Registry
	arbiter  *Arbiter
	events   *collector
	now      time.Time
}

func defaultPolicy() Policy {
	return Policy{
		AutoCreate:        true,
		ThrottleEnabled:   true,
		ConcurrentEnabled: true,
		TotalEnabled:      true,
		HardwareEnabled:   true,
	}
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		store:    accounts.NewStore(),
		registry: NewRegistry(),
		events:   &collector{},
		now:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }

	throttle := NewAttackThrottle()
	throttle.now = clock
	concurrent := NewConcurrentIPLimiter(h.registry, 1, 30*time.Second)
	concurrent.now = clock
	total := NewTotalIPLimiter(h.store, h.registry, 1)
	hardware := NewHardwareLimiter(h.store, h.registry, 1)

	bus := events.NewBus()
	bus.Subscribe(h.events)

	h.arbiter = NewArbiter(h.store, h.registry, throttle, concurrent, total, hardware, bus, policy)
	h.arbiter.now = clock
	return h
}

func (h *harness) addAccount(t *testing.T, name, password string) *accounts.Account {
	t.Helper()
	a, err := h.store.Create(name, password, h.now)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	h.now = h.now.Add(time.Second)
	return a
}

func TestAccountLoginAutoCreates(t *testing.T) {
	h := newHarness(t, defaultPolicy())

	d := h.arbiter.AccountLogin(Request{Username: "alice", Password: "secret", Address: "10.0.0.5"})
	if !d.Accepted() || !d.Created {
		t.Fatalf("decision = %+v, want accepted auto-create", d)
	}
	acct, ok := h.store.Get("alice")
	if !ok {
		t.Fatalf("created account not committed to the store")
	}
	if !acct.HasLoggedInFrom("10.0.0.5") {
		t.Errorf("login address not recorded")
	}
	if !acct.LastLogin.Equal(h.now) {
		t.Errorf("last login = %v, want %v", acct.LastLogin, h.now)
	}
	if got := h.events.byKind(events.EvAccount); len(got) != 1 {
		t.Errorf("auto-create notifications = %d, want 1", len(got))
	}
}

func TestAccountLoginRejectsBadAutoCreateCredentials(t *testing.T) {
	h := newHarness(t, defaultPolicy())

	d := h.arbiter.AccountLogin(Request{Username: "al\tice", Password: "secret", Address: "10.0.0.5"})
	if d.Reason != InvalidCredentials {
		t.Errorf("reason = %v, want InvalidCredentials", d.Reason)
	}

	policy := defaultPolicy()
	policy.AutoCreate = false
	h2 := newHarness(t, policy)
	d = h2.arbiter.AccountLogin(Request{Username: "ghost", Password: "secret", Address: "10.0.0.5"})
	if d.Reason != InvalidCredentials {
		t.Errorf("unknown account with auto-create off: reason = %v", d.Reason)
	}
}

func TestAccountLoginFingerprintRecordedOnSuccess(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	acct := h.addAccount(t, "alice", "secret")

	d := h.arbiter.AccountLogin(Request{
		Username: "alice", Password: "secret", Address: "10.0.0.5", Fingerprint: 0xabcd,
	})
	if !d.Accepted() {
		t.Fatalf("decision = %+v", d)
	}
	if !acct.HardwareKnown() || acct.Fingerprints[0] != 0xabcd {
		t.Errorf("fingerprint not recorded on success")
	}
}

func TestBadPasswordRecordsOneFailure(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	acct := h.addAccount(t, "alice", "secret")

	d := h.arbiter.AccountLogin(Request{Username: "alice", Password: "wrong", Address: "10.0.0.5"})
	if d.Reason != BadPassword {
		t.Fatalf("reason = %v, want BadPassword", d.Reason)
	}
	if acct.Infraction != accounts.InfractionBadPassword {
		t.Errorf("infraction = %v", acct.Infraction)
	}
	if got := h.arbiter.throttle.Failures("10.0.0.5"); got != 1 {
		t.Errorf("throttle failures = %d, want exactly 1", got)
	}

	// Success records nothing.
	h.now = h.now.Add(time.Minute)
	d = h.arbiter.AccountLogin(Request{Username: "alice", Password: "secret", Address: "10.0.0.5"})
	if !d.Accepted() {
		t.Fatalf("decision = %+v", d)
	}
	if got := h.arbiter.throttle.Failures("10.0.0.5"); got != 1 {
		t.Errorf("success changed failure count to %d", got)
	}
}

func TestThrottleGateRunsFirstAndRecordsNothing(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.addAccount(t, "alice", "secret")

	// Put the address inside a penalty window.
	h.arbiter.throttle.RecordFailure("10.0.0.5")

	// Even a correct password is rejected while cooling down, and the
	// rejection itself does not deepen the penalty.
	d := h.arbiter.AccountLogin(Request{Username: "alice", Password: "secret", Address: "10.0.0.5"})
	if d.Reason != RateLimited {
		t.Fatalf("reason = %v, want RateLimited", d.Reason)
	}
	if got := h.arbiter.throttle.Failures("10.0.0.5"); got != 1 {
		t.Errorf("throttled rejection recorded a failure: count = %d", got)
	}
}

func TestConcurrentCapRejectsWithInUse(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	alice := h.addAccount(t, "alice", "secret")
	h.addAccount(t, "bob", "secret")
	h.registry.Add(&fakeSession{addr: "10.0.0.5", acct: alice})

	d := h.arbiter.AccountLogin(Request{Username: "bob", Password: "secret", Address: "10.0.0.5"})
	if d.Reason != InUse {
		t.Fatalf("reason = %v, want InUse", d.Reason)
	}
	if d.Infraction != accounts.InfractionConcurrentIPLimit {
		t.Errorf("infraction = %v", d.Infraction)
	}
}

func TestTotalIPRejectsWithBlockedAndMatches(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	alice := h.addAccount(t, "alice", "secret")
	h.addAccount(t, "bob", "secret")
	alice.RecordIP("10.0.0.5")

	d := h.arbiter.AccountLogin(Request{Username: "bob", Password: "secret", Address: "10.0.0.5"})
	if d.Reason != Blocked {
		t.Fatalf("reason = %v, want Blocked", d.Reason)
	}
	if d.Infraction != accounts.InfractionTotalIPLimit {
		t.Errorf("infraction = %v", d.Infraction)
	}
	if d.Matches != 1 {
		t.Errorf("matches = %d, want 1", d.Matches)
	}
}

func TestHotSwapRejectedSameAccountAllowed(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	alice := h.addAccount(t, "alice", "secret")
	bob := h.addAccount(t, "bob", "secret")
	// Keep the total-IP limiter out of the way: both are legal for the address.
	h.arbiter.total.Max = 2
	alice.RecordIP("10.0.0.5")
	bob.RecordIP("10.0.0.5")

	h.arbiter.Disconnect(alice, "10.0.0.5")

	d := h.arbiter.AccountLogin(Request{Username: "bob", Password: "secret", Address: "10.0.0.5"})
	if d.Reason != InUse {
		t.Fatalf("hot-swap reason = %v, want InUse", d.Reason)
	}
	if d.Infraction != accounts.InfractionIPStillHot {
		t.Errorf("infraction = %v", d.Infraction)
	}

	// Step past the attack-throttle penalty the rejection just added, but
	// stay inside the 30s hot window.
	h.now = h.now.Add(5 * time.Second)
	d = h.arbiter.AccountLogin(Request{Username: "alice", Password: "secret", Address: "10.0.0.5"})
	if !d.Accepted() {
		t.Errorf("same-account reconnect refused during grace: %+v", d)
	}
}

func TestLockdownBadComm(t *testing.T) {
	policy := defaultPolicy()
	policy.Lockdown = accounts.AccessGameMaster
	h := newHarness(t, policy)
	h.addAccount(t, "alice", "secret")

	d := h.arbiter.AccountLogin(Request{Username: "alice", Password: "secret", Address: "10.0.0.5"})
	if d.Reason != BadComm {
		t.Fatalf("reason = %v, want BadComm under lockdown", d.Reason)
	}
	if d.Infraction != accounts.InfractionAccessDenied {
		t.Errorf("infraction = %v", d.Infraction)
	}
}

func TestBanCheckedAfterPassword(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	acct := h.addAccount(t, "alice", "secret")
	acct.Ban(h.now, 0)

	// Wrong password on a banned account reports the password failure: the
	// ban check is last in the priority order.
	d := h.arbiter.AccountLogin(Request{Username: "alice", Password: "wrong", Address: "10.0.0.5"})
	if d.Reason != BadPassword {
		t.Errorf("reason = %v, want BadPassword before ban", d.Reason)
	}

	h.now = h.now.Add(time.Minute)
	d = h.arbiter.AccountLogin(Request{Username: "alice", Password: "secret", Address: "10.0.0.5"})
	if d.Reason != Blocked || d.Infraction != accounts.InfractionBanned {
		t.Errorf("banned login decision = %+v", d)
	}

	// A finite ban that has elapsed clears itself and admits the login.
	acct.Ban(h.now, time.Hour)
	h.now = h.now.Add(2 * time.Hour)
	d = h.arbiter.AccountLogin(Request{Username: "alice", Password: "secret", Address: "10.0.0.5"})
	if !d.Accepted() {
		t.Errorf("expired ban still blocking: %+v", d)
	}
	if acct.Banned {
		t.Errorf("expired ban not cleared")
	}
}

func TestGameLoginConfinesInsteadOfRejecting(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	alice := h.addAccount(t, "alice", "secret")
	bob := h.addAccount(t, "bob", "secret")
	alice.RecordIP("10.0.0.5")

	own := &fakeSession{addr: "10.0.0.5", acct: bob}
	h.registry.Add(own)

	d := h.arbiter.GameLogin(Request{
		Username: "bob", Password: "secret", Address: "10.0.0.5", Session: own,
	})
	if !d.Accepted() {
		t.Fatalf("game login rejected on a limiter failure: %+v", d)
	}
	if !d.Confined {
		t.Errorf("limiter failure did not confine")
	}
	if d.Infraction != accounts.InfractionTotalIPLimit {
		t.Errorf("infraction = %v, want total-ip-limit", d.Infraction)
	}
	if bob.Infraction != accounts.InfractionTotalIPLimit {
		t.Errorf("account not tagged: %v", bob.Infraction)
	}
}

func TestGameLoginHardFailuresStillReject(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	bob := h.addAccount(t, "bob", "secret")
	own := &fakeSession{addr: "10.0.0.5", acct: bob}
	h.registry.Add(own)

	d := h.arbiter.GameLogin(Request{
		Username: "bob", Password: "wrong", Address: "10.0.0.5", Session: own,
	})
	if d.Reason != BadPassword {
		t.Errorf("game login with wrong password: reason = %v", d.Reason)
	}
	if d.Confined {
		t.Errorf("hard failure marked confined")
	}
}

func TestGameLoginParkedKeepsGatingInfractionsOnly(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	bob := h.addAccount(t, "bob", "secret")
	bob.Infraction = accounts.InfractionTotalIPLimit

	// The session already reached the terminal parked state; a non-gating
	// infraction must not displace the recorded one.
	own := &fakeSession{addr: "10.0.0.5", acct: bob, confined: true}
	h.registry.Add(own)
	h.arbiter.concurrent.Disconnected(h.addAccount(t, "carol", "secret"), "10.0.0.5")

	d := h.arbiter.GameLogin(Request{
		Username: "bob", Password: "secret", Address: "10.0.0.5", Session: own, Fingerprint: 0,
	})
	if !d.Accepted() {
		t.Fatalf("decision = %+v", d)
	}
	if bob.Infraction != accounts.InfractionTotalIPLimit {
		t.Errorf("parked infraction displaced by %v", bob.Infraction)
	}
}

func TestGrandfatheredSkipsIPAndHardwareLimits(t *testing.T) {
	policy := defaultPolicy()
	h := newHarness(t, policy)
	old := h.addAccount(t, "old", "secret")
	young := h.addAccount(t, "young", "secret")
	h.arbiter.Policy.GrandfatherBefore = h.now

	// Fill the address quota with the younger account.
	young.RecordIP("10.0.0.5")

	d := h.arbiter.AccountLogin(Request{Username: "old", Password: "secret", Address: "10.0.0.5"})
	if !d.Accepted() {
		t.Errorf("grandfathered account blocked: %+v", d)
	}
	_ = old
}

func TestRoutingTierSkipsSoftChecksExceptConcurrent(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	alice := h.addAccount(t, "alice", "secret")
	h.addAccount(t, "bob", "secret")
	alice.RecordIP("10.0.0.5")
	h.arbiter.Disconnect(alice, "10.0.0.5")

	// Routing-tier attempts skip total-IP, hardware and hot checks.
	d := h.arbiter.AccountLogin(Request{
		Username: "bob", Password: "secret", Address: "10.0.0.5", RoutingTier: true,
	})
	if !d.Accepted() {
		t.Errorf("routing-tier attempt blocked: %+v", d)
	}
}

func TestDecisionEventsEmitted(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.addAccount(t, "alice", "secret")

	h.arbiter.AccountLogin(Request{Username: "alice", Password: "secret", Address: "10.0.0.5"})
	h.arbiter.AccountLogin(Request{Username: "alice", Password: "nope", Address: "10.0.0.6"})

	decisions := h.events.byKind(events.EvDecision)
	if len(decisions) != 2 {
		t.Fatalf("decision events = %d, want 2", len(decisions))
	}
	if decisions[0].Reason != "accepted" || decisions[1].Reason != "bad-password" {
		t.Errorf("event reasons = %q, %q", decisions[0].Reason, decisions[1].Reason)
	}
}

type fixedExitNodes map[string]bool

func (f fixedExitNodes) IsExitNode(addr string) bool { return f[addr] }

func TestExitNodeTagIsInformational(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	acct := h.addAccount(t, "alice", "secret")
	h.arbiter.SetExitNodeSource(fixedExitNodes{"10.0.0.5": true})

	d := h.arbiter.AccountLogin(Request{Username: "alice", Password: "secret", Address: "10.0.0.5"})
	if !d.Accepted() {
		t.Fatalf("exit node blocked the login: %+v", d)
	}
	if acct.Infraction != accounts.InfractionExitNode {
		t.Errorf("infraction = %v, want exit-node tag", acct.Infraction)
	}
}
