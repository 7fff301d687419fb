package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
	"github.com/ember-shard/shardgate/pkg/admin"
	"github.com/ember-shard/shardgate/pkg/events"
)

// This file implements admin.GateController on *Gate. Every method takes the
// gate lock, since the admin API runs on HTTP goroutines.

var _ admin.GateController = (*Gate)(nil)

func summarize(g *Gate, a *accounts.Account) admin.AccountSummary {
	s := admin.AccountSummary{
		Username: a.Username,
		Access:   a.Access.String(),
		Created:  a.Created.Format(time.RFC3339),
		Banned:   a.Banned,
		Watched:  a.Watched,
		Online:   len(g.descriptorsFor(a.Username)),
	}
	if !a.LastLogin.IsZero() {
		s.LastLogin = a.LastLogin.Format(time.RFC3339)
	}
	if a.Infraction != accounts.InfractionNone {
		s.Infraction = a.Infraction.String()
	}
	return s
}

// ListAccounts returns summaries of every account in creation order.
func (g *Gate) ListAccounts() []admin.AccountSummary {
	g.mu.Lock()
	defer g.mu.Unlock()

	all := g.Accounts.All()
	out := make([]admin.AccountSummary, 0, len(all))
	for _, a := range all {
		out = append(out, summarize(g, a))
	}
	return out
}

// Account returns the full inspection record for one account.
func (g *Gate) Account(username string) (*admin.AccountDetail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.Accounts.Get(username)
	if !ok {
		return nil, fmt.Errorf("no such account %q", username)
	}
	d := &admin.AccountDetail{
		AccountSummary: summarize(g, a),
		IPHistory:      append([]string(nil), a.LoginIPHistory...),
		Fingerprints:   append([]uint32(nil), a.Fingerprints...),
		AllowedIPs:     append([]string(nil), a.AllowedIPs...),
		LogoutGrace:    int(a.LogoutGrace.Seconds()),
	}
	if a.Banned {
		d.BanStart = a.BanStart.Format(time.RFC3339)
		d.BanDuration = int(a.BanDuration.Seconds())
	}
	return d, nil
}

// BanAccount bans an account and drops its live sessions.
func (g *Gate) BanAccount(username string, seconds int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.Accounts.Get(username)
	if !ok {
		return fmt.Errorf("no such account %q", username)
	}
	a.Ban(time.Now(), time.Duration(seconds)*time.Second)
	g.persistAccount(a)

	for _, d := range g.descriptorsFor(username) {
		d.Deliver("Your account has been suspended.")
		d.Close()
	}
	g.notice(username, fmt.Sprintf("account %s banned (%ds)", a.Username, seconds))
	return nil
}

// UnbanAccount lifts a ban.
func (g *Gate) UnbanAccount(username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.Accounts.Get(username)
	if !ok {
		return fmt.Errorf("no such account %q", username)
	}
	a.Unban()
	g.persistAccount(a)
	g.notice(username, "account "+a.Username+" unbanned")
	return nil
}

// SetWatched marks or unmarks an account for elevated logging.
func (g *Gate) SetWatched(username string, watched bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.Accounts.Get(username)
	if !ok {
		return fmt.Errorf("no such account %q", username)
	}
	if watched {
		a.Watch("flagged by admin", time.Time{})
	} else {
		a.Watched = false
		a.WatchReason = ""
		a.WatchExpiry = time.Time{}
	}
	g.persistAccount(a)
	return nil
}

// ClearFingerprints wipes an account's hardware history.
func (g *Gate) ClearFingerprints(username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.Accounts.Get(username)
	if !ok {
		return fmt.Errorf("no such account %q", username)
	}
	a.ClearFingerprints()
	g.persistAccount(a)
	g.notice(username, "fingerprints cleared for "+a.Username)
	return nil
}

// SetAccessLevel changes an account's access level by name.
func (g *Gate) SetAccessLevel(username, level string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.Accounts.Get(username)
	if !ok {
		return fmt.Errorf("no such account %q", username)
	}
	lvl, ok := accounts.ParseAccessLevel(level)
	if !ok {
		return fmt.Errorf("unknown access level %q", level)
	}
	a.Access = lvl
	g.persistAccount(a)
	g.notice(username, fmt.Sprintf("access level of %s set to %s", a.Username, lvl))
	return nil
}

// IssueResetToken generates a one-shot password reset token.
func (g *Gate) IssueResetToken(username string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.Accounts.Get(username)
	if !ok {
		return "", fmt.Errorf("no such account %q", username)
	}
	b := make([]byte, 8)
	rand.Read(b)
	a.ResetToken = hex.EncodeToString(b)
	g.persistAccount(a)
	return a.ResetToken, nil
}

// DeleteAccount removes an account entirely.
func (g *Gate) DeleteAccount(username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.Accounts.Get(username)
	if !ok {
		return fmt.Errorf("no such account %q", username)
	}
	for _, d := range g.descriptorsFor(username) {
		d.Close()
	}
	g.Accounts.Delete(username)
	if g.Store != nil {
		if err := g.Store.DeleteAccount(username); err != nil {
			return err
		}
	}
	if g.Mirror != nil {
		g.Mirror.RemoveAccount(username)
	}
	g.notice(username, "account "+a.Username+" deleted")
	return nil
}

// FirewallEntries lists the current firewall.
func (g *Gate) FirewallEntries() []string {
	if g.Firewall == nil {
		return nil
	}
	return g.Firewall.Entries()
}

// FirewallAdd inserts a firewall entry.
func (g *Gate) FirewallAdd(entry string) error {
	if g.Firewall == nil {
		return fmt.Errorf("firewall not configured")
	}
	return g.Firewall.Add(entry)
}

// FirewallRemove deletes a firewall entry.
func (g *Gate) FirewallRemove(entry string) error {
	if g.Firewall == nil {
		return fmt.Errorf("firewall not configured")
	}
	return g.Firewall.Remove(entry)
}

// Exceptions lists per-address total-account limit overrides.
func (g *Gate) Exceptions() map[string]int {
	if g.Store == nil {
		return map[string]int{}
	}
	return g.Store.Exceptions()
}

// SetException sets a per-address total-account limit.
func (g *Gate) SetException(addr string, limit int) error {
	if g.Store == nil {
		return fmt.Errorf("persistent store not configured")
	}
	return g.Store.SetAccountLimit(addr, limit)
}

// RemoveException deletes a per-address override.
func (g *Gate) RemoveException(addr string) error {
	if g.Store == nil {
		return fmt.Errorf("persistent store not configured")
	}
	return g.Store.RemoveAccountLimit(addr)
}

// Status returns the dashboard snapshot.
func (g *Gate) Status() map[string]any {
	snap := g.Stats()
	return map[string]any{
		"sessions_tcp":       snap.SessionsTCP,
		"sessions_websocket": snap.SessionsWS,
		"accounts":           snap.Accounts,
		"throttle_entries":   snap.ThrottleEntries,
		"watchdog_entries":   snap.WatchdogEntries,
		"firewall_entries":   snap.FirewallEntries,
		"uptime_seconds":     snap.Uptime.Seconds(),
	}
}

// notice emits an administrative event. Callers hold the gate lock.
func (g *Gate) notice(username, text string) {
	if g.Bus == nil {
		return
	}
	g.Bus.Emit(events.Event{
		Kind:     events.EvAccount,
		Time:     time.Now(),
		Username: username,
		Text:     text,
	})
}
