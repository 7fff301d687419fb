package admission

import (
	"testing"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
)

func player(name string) *accounts.Account {
	return &accounts.Account{Username: name, Created: time.Now()}
}

func staff(name string) *accounts.Account {
	return &accounts.Account{Username: name, Access: accounts.AccessGameMaster, Created: time.Now()}
}

func TestConcurrentCap(t *testing.T) {
	r := NewRegistry()
	c := NewConcurrentIPLimiter(r, 2, time.Minute)
	addr := "10.0.0.5"

	// Empty table: first and second connections fit under max=2.
	if !c.IsOk(player("a"), addr, nil, false) {
		t.Fatalf("first connection refused")
	}
	r.Add(&fakeSession{addr: addr, acct: player("a")})
	if !c.IsOk(player("b"), addr, nil, false) {
		t.Fatalf("second connection refused")
	}
	r.Add(&fakeSession{addr: addr, acct: player("b")})

	// Third from the same address is over the cap.
	if c.IsOk(player("c"), addr, nil, false) {
		t.Errorf("connection over the cap accepted")
	}
	// A different address is unaffected.
	if !c.IsOk(player("c"), "10.0.0.6", nil, false) {
		t.Errorf("unrelated address refused")
	}
}

func TestConcurrentStaffExemption(t *testing.T) {
	r := NewRegistry()
	c := NewConcurrentIPLimiter(r, 1, time.Minute)
	addr := "10.0.0.5"

	// A staff session does not count toward the total.
	r.Add(&fakeSession{addr: addr, acct: staff("gm")})
	if !c.IsOk(player("a"), addr, nil, false) {
		t.Errorf("staff session counted against the cap")
	}

	// A staff account is never limited, even over the cap.
	r.Add(&fakeSession{addr: addr, acct: player("a")})
	if !c.IsOk(staff("gm2"), addr, nil, false) {
		t.Errorf("staff account blocked by the cap")
	}
}

func TestConcurrentConfinedFilter(t *testing.T) {
	r := NewRegistry()
	c := NewConcurrentIPLimiter(r, 1, time.Minute)
	addr := "10.0.0.5"
	r.Add(&fakeSession{addr: addr, acct: player("a"), confined: true})

	if c.IsOk(player("b"), addr, nil, false) {
		t.Errorf("confined session ignored without the filter")
	}
	if !c.IsOk(player("b"), addr, nil, true) {
		t.Errorf("confined session counted despite the filter")
	}
}

func TestConcurrentExcludesOwnSession(t *testing.T) {
	r := NewRegistry()
	c := NewConcurrentIPLimiter(r, 1, time.Minute)
	addr := "10.0.0.5"
	own := &fakeSession{addr: addr, acct: player("a")}
	r.Add(own)

	// At the game-login call site the attempt's session is already in the
	// table and must not count against itself.
	if !c.IsOk(player("a"), addr, own, false) {
		t.Errorf("session counted against its own attempt")
	}
}

func TestHotSwapGrace(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry()
	c := NewConcurrentIPLimiter(r, 1, 30*time.Second)
	c.now = func() time.Time { return now }
	addr := "10.0.0.5"

	alice := player("alice")
	c.Disconnected(alice, addr)

	// A different account inside the window is hot.
	if !c.IsStillHot(player("bob"), addr) {
		t.Errorf("hot-swap attempt not detected")
	}
	// The same account may always reconnect.
	if c.IsStillHot(player("Alice"), addr) {
		t.Errorf("same-account reconnect flagged hot")
	}
	// After expiry the entry is dropped.
	now = now.Add(30 * time.Second)
	if c.IsStillHot(player("bob"), addr) {
		t.Errorf("expired watchdog entry still hot")
	}
	if c.WatchdogLen() != 0 {
		t.Errorf("expired entry not pruned")
	}
}

func TestHotCheckOnlyAtCapOne(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry()
	c := NewConcurrentIPLimiter(r, 2, 30*time.Second)
	c.now = func() time.Time { return now }
	addr := "10.0.0.5"

	c.Disconnected(player("alice"), addr)
	if c.IsStillHot(player("bob"), addr) {
		t.Errorf("hot check applied with a cap above one")
	}
}

func TestPerAccountGraceOverride(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry()
	c := NewConcurrentIPLimiter(r, 1, 10*time.Second)
	c.now = func() time.Time { return now }
	addr := "10.0.0.5"

	alice := player("alice")
	alice.LogoutGrace = time.Minute
	c.Disconnected(alice, addr)

	now = now.Add(30 * time.Second)
	if !c.IsStillHot(player("bob"), addr) {
		t.Errorf("per-account grace override not honored")
	}
}

func TestNotifyBlockedWarnsSameAddress(t *testing.T) {
	r := NewRegistry()
	c := NewConcurrentIPLimiter(r, 1, time.Minute)
	addr := "10.0.0.5"
	peer := &fakeSession{addr: addr, acct: player("a")}
	other := &fakeSession{addr: "10.0.0.9", acct: player("b")}
	r.Add(peer)
	r.Add(other)

	c.NotifyBlocked(addr, nil)
	if len(peer.msgs) != 1 {
		t.Errorf("same-address session got %d warnings, want 1", len(peer.msgs))
	}
	if len(other.msgs) != 0 {
		t.Errorf("unrelated session warned")
	}
}
