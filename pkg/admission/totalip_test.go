package admission

import (
	"testing"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
)

func storeWith(accts ...*accounts.Account) *accounts.Store {
	s := accounts.NewStore()
	for _, a := range accts {
		s.Put(a)
	}
	return s
}

func createdAt(name string, created time.Time, history ...string) *accounts.Account {
	return &accounts.Account{Username: name, Created: created, LoginIPHistory: history}
}

func TestTotalIPEarliestCreatedAreLegal(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	addr := "10.0.0.5"
	// Three accounts all logged in from addr; cap of two.
	first := createdAt("first", base, addr)
	second := createdAt("second", base.Add(time.Hour), "192.0.2.1", addr)
	third := createdAt("third", base.Add(2*time.Hour), addr)
	store := storeWith(third, first, second)

	l := NewTotalIPLimiter(store, NewRegistry(), 2)

	for _, legal := range []*accounts.Account{first, second} {
		ok, matches := l.IsOk(legal, addr)
		if !ok {
			t.Errorf("%s refused, want legal", legal.Username)
		}
		if matches != 3 {
			t.Errorf("%s: matches = %d, want 3", legal.Username, matches)
		}
	}

	ok, matches := l.IsOk(third, addr)
	if ok {
		t.Errorf("latest-created account accepted over the cap")
	}
	if matches != 3 {
		t.Errorf("matches = %d, want 3", matches)
	}
}

func TestTotalIPFreshAddressAdmitsNewAccount(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	addr := "10.0.0.5"
	alice := createdAt("alice", base, addr)
	bob := createdAt("bob", base.Add(time.Hour))
	store := storeWith(alice, bob)

	l := NewTotalIPLimiter(store, NewRegistry(), 2)

	// One match, cap two: bob has never logged in from addr but fits.
	ok, matches := l.IsOk(bob, addr)
	if !ok {
		t.Errorf("account refused below quota")
	}
	if matches != 1 {
		t.Errorf("matches = %d, want 1", matches)
	}
}

func TestTotalIPStaffExempt(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	addr := "10.0.0.5"
	alice := createdAt("alice", base, addr)
	gm := &accounts.Account{Username: "gm", Access: accounts.AccessSeer, Created: base.Add(time.Hour),
		LoginIPHistory: []string{addr}}
	store := storeWith(alice, gm)

	l := NewTotalIPLimiter(store, NewRegistry(), 1)

	// Staff accounts are allowed without evaluation and never counted.
	if ok, _ := l.IsOk(gm, addr); !ok {
		t.Errorf("staff account evaluated against the cap")
	}
	if got := len(l.MatchingAccounts(addr)); got != 1 {
		t.Errorf("staff account counted in matches: %d", got)
	}
}

type fixedExceptions map[string]int

func (f fixedExceptions) AccountLimit(addr string) (int, bool) {
	limit, ok := f[addr]
	return limit, ok
}

func TestTotalIPExceptionOverride(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	addr := "10.0.0.5"
	first := createdAt("first", base, addr)
	second := createdAt("second", base.Add(time.Hour), addr)
	store := storeWith(first, second)

	l := NewTotalIPLimiter(store, NewRegistry(), 1)
	if ok, _ := l.IsOk(second, addr); ok {
		t.Fatalf("default cap not applied")
	}
	l.Exceptions = fixedExceptions{addr: 5}
	if ok, _ := l.IsOk(second, addr); !ok {
		t.Errorf("exception limit not honored")
	}
}

// Two accounts sharing one address with the cap at one: the first-created
// account owns the address and the other is blackholed.
func TestBlackholeScenario(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	addr := "10.0.0.5"
	alice := createdAt("alice", base)
	bob := createdAt("bob", base.Add(time.Minute))
	store := storeWith(alice, bob)

	registry := NewRegistry()
	l := NewTotalIPLimiter(store, registry, 1)

	// Alice logs in first and becomes the address's sole legal account.
	ok, _ := l.IsOk(alice, addr)
	if !ok {
		t.Fatalf("alice refused on a fresh address")
	}
	alice.RecordIP(addr)
	aliceSession := &fakeSession{addr: addr, acct: alice}
	registry.Add(aliceSession)

	// Bob is over the quota.
	ok, matches := l.IsOk(bob, addr)
	if ok {
		t.Fatalf("bob accepted over the quota")
	}
	if matches != 1 {
		t.Errorf("matches = %d, want 1", matches)
	}

	names := l.Notify(bob, addr, matches, nil)
	if len(aliceSession.msgs) != 1 {
		t.Errorf("live session on the address got %d warnings, want 1", len(aliceSession.msgs))
	}
	if len(names) != 1 || names[0] != "alice" {
		t.Errorf("accounts sharing the address = %v, want [alice]", names)
	}
}
