package server

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
	"github.com/ember-shard/shardgate/pkg/admission"
	"github.com/ember-shard/shardgate/pkg/config"
	"github.com/ember-shard/shardgate/pkg/events"
	"github.com/ember-shard/shardgate/pkg/firewall"
)

// fakeConn is a no-op net.Conn for descriptors in tests.
type fakeConn struct{}

func (fakeConn) Read([]byte) (int, error)         { return 0, fmt.Errorf("no connection") }
func (fakeConn) Write(b []byte) (int, error)      { return len(b), nil }
func (fakeConn) Close() error                     { return nil }
func (fakeConn) LocalAddr() net.Addr              { return nil }
func (fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (fakeConn) SetDeadline(time.Time) error      { return nil }
func (fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error { return nil }

// newTestServer builds a server around an in-memory gate with relaxed
// throttling left on.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	gate := NewGate(cfg, events.NewBus())
	return NewServer(cfg, gate)
}

// attach creates a descriptor on addr whose output is captured.
func attach(s *Server, addr string) (*Descriptor, *[]string) {
	var sent []string
	d := &Descriptor{
		Conn:     fakeConn{},
		Addr:     addr,
		ConnTime: time.Now(),
		LastCmd:  time.Now(),
		Retries:  3,
	}
	d.SendFunc = func(msg string) { sent = append(sent, msg) }
	s.Gate.Attach(d)
	return d, &sent
}

func sawLine(sent *[]string, substr string) bool {
	for _, m := range *sent {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func TestLoginFlowAutoCreate(t *testing.T) {
	s := newTestServer(t)
	d, sent := attach(s, "203.0.113.5")

	s.handleLine(d, "id 777")
	s.handleLine(d, "connect alice hunter2x")

	if d.State != StateAuthed {
		t.Fatalf("state = %v after connect, want StateAuthed", d.State)
	}
	if !sawLine(sent, "created") {
		t.Errorf("no auto-create notice in output: %v", *sent)
	}

	acct, ok := s.Gate.Accounts.Get("alice")
	if !ok {
		t.Fatal("account alice not in store")
	}
	if len(acct.Fingerprints) != 1 || acct.Fingerprints[0] != 777 {
		t.Errorf("fingerprints = %v, want [777]", acct.Fingerprints)
	}

	s.handleLine(d, "enter")
	if d.State != StateInWorld {
		t.Fatalf("state = %v after enter, want StateInWorld", d.State)
	}
	if d.Confined() {
		t.Error("clean first login confined")
	}
}

func TestSecondSessionSameAddressRejected(t *testing.T) {
	s := newTestServer(t)
	d1, _ := attach(s, "203.0.113.5")
	s.handleLine(d1, "connect alice hunter2x")
	s.handleLine(d1, "enter")

	d2, sent2 := attach(s, "203.0.113.5")
	s.handleLine(d2, "connect bob swordfish9")

	if d2.State != StateLogin {
		t.Fatalf("second session state = %v, want StateLogin", d2.State)
	}
	if !sawLine(sent2, "already in use") {
		t.Errorf("no in-use notice: %v", *sent2)
	}
}

func TestBanDropsLiveSessions(t *testing.T) {
	s := newTestServer(t)
	d, _ := attach(s, "203.0.113.5")
	s.handleLine(d, "connect alice hunter2x")
	s.handleLine(d, "enter")

	if err := s.Gate.BanAccount("alice", 0); err != nil {
		t.Fatalf("BanAccount: %v", err)
	}
	if !d.IsClosed() {
		t.Error("banned account's session not closed")
	}

	acct, _ := s.Gate.Accounts.Get("alice")
	if !acct.Banned {
		t.Error("account not marked banned")
	}

	// A fresh attempt is refused outright.
	s.Gate.Detach(d)
	d2, sent2 := attach(s, "198.51.100.7")
	s.handleLine(d2, "connect alice hunter2x")
	if !sawLine(sent2, "refused") {
		t.Errorf("banned login not refused: %v", *sent2)
	}
	if !d2.IsClosed() {
		t.Error("banned login left connection open")
	}
}

func TestEnterWithoutConnect(t *testing.T) {
	s := newTestServer(t)
	d, sent := attach(s, "203.0.113.5")

	s.handleLine(d, "enter")
	if d.State != StateLogin {
		t.Fatalf("state = %v, want StateLogin", d.State)
	}
	if !sawLine(sent, "Connect to an account first") {
		t.Errorf("missing guidance: %v", *sent)
	}
}

func TestApplyLimitsHotReload(t *testing.T) {
	s := newTestServer(t)

	limits := config.Default().Limits
	limits.MaxConcurrentPerIP = 4
	limits.MaxAccountsPerIP = 9
	limits.MaxAccountsPerMachine = 2
	limits.LogoutGraceSeconds = 120
	s.Gate.ApplyLimits(limits)

	if s.Gate.Concurrent.Max != 4 {
		t.Errorf("Concurrent.Max = %d, want 4", s.Gate.Concurrent.Max)
	}
	if s.Gate.Total.Max != 9 {
		t.Errorf("Total.Max = %d, want 9", s.Gate.Total.Max)
	}
	if s.Gate.Hardware.Max != 2 {
		t.Errorf("Hardware.Max = %d, want 2", s.Gate.Hardware.Max)
	}
	if got := s.Gate.Concurrent.DefaultGrace; got != 2*time.Minute {
		t.Errorf("DefaultGrace = %s, want 2m", got)
	}
}

func TestFirewallControllerRoundTrip(t *testing.T) {
	s := newTestServer(t)
	fw, errs := firewall.New(nil, nil)
	if len(errs) != 0 {
		t.Fatalf("firewall.New errors: %v", errs)
	}
	s.Gate.Firewall = fw

	if err := s.Gate.FirewallAdd("203.0.113.0/24"); err != nil {
		t.Fatalf("FirewallAdd: %v", err)
	}
	if !fw.Contains("203.0.113.77") {
		t.Error("added range does not match member address")
	}
	if err := s.Gate.FirewallAdd("not-an-address"); err == nil {
		t.Error("malformed entry accepted")
	}
	if err := s.Gate.FirewallRemove("203.0.113.0/24"); err != nil {
		t.Fatalf("FirewallRemove: %v", err)
	}
	if len(s.Gate.FirewallEntries()) != 0 {
		t.Errorf("entries = %v, want empty", s.Gate.FirewallEntries())
	}
}

func TestGateStats(t *testing.T) {
	s := newTestServer(t)
	d1, _ := attach(s, "203.0.113.5")
	d2, _ := attach(s, "203.0.113.6")
	d2.Transport = TransportWebSocket
	_ = d1

	snap := s.Gate.Stats()
	if snap.SessionsTCP != 1 || snap.SessionsWS != 1 {
		t.Errorf("sessions = %d tcp / %d ws, want 1/1", snap.SessionsTCP, snap.SessionsWS)
	}
}

func TestAdminControllerAccountOps(t *testing.T) {
	s := newTestServer(t)
	d, _ := attach(s, "203.0.113.5")
	s.handleLine(d, "connect alice hunter2x")

	list := s.Gate.ListAccounts()
	if len(list) != 1 || list[0].Username != "alice" {
		t.Fatalf("ListAccounts = %v, want one entry for alice", list)
	}

	if err := s.Gate.SetAccessLevel("alice", "seer"); err != nil {
		t.Fatalf("SetAccessLevel: %v", err)
	}
	detail, err := s.Gate.Account("alice")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if detail.Access != "seer" {
		t.Errorf("access = %q, want seer", detail.Access)
	}

	if err := s.Gate.SetAccessLevel("alice", "demigod"); err == nil {
		t.Error("bogus access level accepted")
	}

	token, err := s.Gate.IssueResetToken("alice")
	if err != nil {
		t.Fatalf("IssueResetToken: %v", err)
	}
	acct, _ := s.Gate.Accounts.Get("alice")
	if acct.ResetToken != token || token == "" {
		t.Errorf("reset token not stored: %q vs %q", acct.ResetToken, token)
	}

	if err := s.Gate.DeleteAccount("alice"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, ok := s.Gate.Accounts.Get("alice"); ok {
		t.Error("account still present after delete")
	}
}

func TestGatewayExemptionEndsAtWorldEntry(t *testing.T) {
	s := newTestServer(t)

	// Fill the address quota with a full in-world session.
	d1, _ := attach(s, "203.0.113.5")
	s.handleLine(d1, "connect alice hunter2x")
	s.handleLine(d1, "enter")
	s.Gate.Detach(d1)
	d1.Close()

	// A gateway connection for a second account on the same address passes
	// the total-IP limiter at account login; the downstream checks apply at
	// world entry instead.
	d2, _ := attach(s, "203.0.113.5")
	d2.RoutingTier = true
	s.handleLine(d2, "connect bob swordfish9")
	if d2.State != StateAuthed {
		t.Fatalf("routing-tier login state = %v, want StateAuthed", d2.State)
	}

	// World entry runs the full pipeline regardless of transport: bob is
	// over the address quota and must come in confined, not clean.
	dec := s.Gate.GameLogin(d2)
	if !dec.Accepted() {
		t.Fatalf("gateway game login rejected: %v", dec.Reason)
	}
	if !dec.Confined {
		t.Error("over-quota gateway session entered the world unconfined")
	}
	if !d2.Confined() {
		t.Error("descriptor not marked confined")
	}
	if bob, ok := s.Gate.Accounts.Get("bob"); !ok || bob.Infraction == accounts.InfractionNone {
		t.Error("over-quota gateway account carries no infraction")
	}
}

func TestRejectionTexts(t *testing.T) {
	cases := []struct {
		reason admission.Reason
		want   string
	}{
		{admission.RateLimited, "Too many attempts"},
		{admission.InvalidCredentials, "Incorrect name or password"},
		{admission.BadPassword, "Incorrect name or password"},
		{admission.InUse, "already in use"},
		{admission.Blocked, "refused"},
		{admission.BadComm, "not accepting"},
	}
	for _, c := range cases {
		got := rejectionText(admission.Decision{Reason: c.reason})
		if !strings.Contains(got, c.want) {
			t.Errorf("rejectionText(%v) = %q, want substring %q", c.reason, got, c.want)
		}
	}
}
