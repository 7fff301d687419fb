// Package admin provides the HTTP administration API for the gate server:
// account inspection and discipline, firewall and per-address exception
// management, and a live websocket feed of admission decisions.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/ember-shard/shardgate/pkg/events"
)

// GateController is the interface the admin API uses to inspect and mutate
// the gate. It is implemented by the server package; going through an
// interface avoids a direct import cycle and lets tests substitute a fake.
// Implementations are responsible for serializing access to the admission
// core, which is otherwise single-threaded.
type GateController interface {
	// ListAccounts returns summaries of every account, in creation order.
	ListAccounts() []AccountSummary
	// Account returns the full detail record for one account.
	Account(username string) (*AccountDetail, error)
	// BanAccount bans an account for the given number of seconds
	// (0 = indefinite) and drops its live sessions.
	BanAccount(username string, seconds int) error
	// UnbanAccount lifts a ban.
	UnbanAccount(username string) error
	// SetWatched marks or unmarks an account for elevated logging.
	SetWatched(username string, watched bool) error
	// ClearFingerprints wipes an account's recorded hardware history.
	ClearFingerprints(username string) error
	// SetAccessLevel changes an account's access level by name.
	SetAccessLevel(username, level string) error
	// IssueResetToken generates a one-shot password reset token.
	IssueResetToken(username string) (string, error)
	// DeleteAccount removes an account entirely.
	DeleteAccount(username string) error

	// FirewallEntries lists the current firewall, exact entries and CIDRs.
	FirewallEntries() []string
	// FirewallAdd inserts an entry; malformed entries are rejected.
	FirewallAdd(entry string) error
	// FirewallRemove deletes an entry.
	FirewallRemove(entry string) error

	// Exceptions lists per-address total-account limit overrides.
	Exceptions() map[string]int
	// SetException sets a per-address total-account limit.
	SetException(addr string, limit int) error
	// RemoveException deletes an override.
	RemoveException(addr string) error

	// Status returns a snapshot of gate counters for the dashboard.
	Status() map[string]any
}

// AccountSummary is the list-view projection of an account.
type AccountSummary struct {
	Username   string `json:"username"`
	Access     string `json:"access"`
	Created    string `json:"created"`
	LastLogin  string `json:"last_login"`
	Banned     bool   `json:"banned"`
	Watched    bool   `json:"watched"`
	Infraction string `json:"infraction"`
	Online     int    `json:"online"`
}

// AccountDetail is the full inspection record for one account.
type AccountDetail struct {
	AccountSummary
	BanStart     string   `json:"ban_start,omitempty"`
	BanDuration  int      `json:"ban_duration_seconds,omitempty"`
	IPHistory    []string `json:"ip_history"`
	Fingerprints []uint32 `json:"fingerprints"`
	AllowedIPs   []string `json:"allowed_ips,omitempty"`
	LogoutGrace  int      `json:"logout_grace_seconds,omitempty"`
}

// Admin is the admin API HTTP handler.
type Admin struct {
	controller GateController
	bus        *events.Bus
	auth       *Auth
}

// New creates the admin API handler. The bus powers the live decision feed
// and may be nil, which disables it.
func New(controller GateController, bus *events.Bus, auth *Auth) *Admin {
	return &Admin{
		controller: controller,
		bus:        bus,
		auth:       auth,
	}
}

// Handler returns an http.Handler serving the admin API at the given prefix.
// The prefix should be "/admin" (without trailing slash).
func (a *Admin) Handler(prefix string) http.Handler {
	mux := http.NewServeMux()

	// Only login is reachable without a token; changing the password
	// requires an authenticated session like every other route.
	mux.HandleFunc("POST /api/auth/login", a.handleAuthLogin)
	mux.HandleFunc("POST /api/auth/change-password", a.handleAuthChangePassword)

	mux.HandleFunc("GET /api/status", a.handleStatus)

	mux.HandleFunc("GET /api/accounts", a.handleAccountList)
	mux.HandleFunc("GET /api/accounts/{name}", a.handleAccountGet)
	mux.HandleFunc("DELETE /api/accounts/{name}", a.handleAccountDelete)
	mux.HandleFunc("POST /api/accounts/{name}/ban", a.handleAccountBan)
	mux.HandleFunc("POST /api/accounts/{name}/unban", a.handleAccountUnban)
	mux.HandleFunc("POST /api/accounts/{name}/watch", a.handleAccountWatch)
	mux.HandleFunc("POST /api/accounts/{name}/clear-fingerprints", a.handleAccountClearFingerprints)
	mux.HandleFunc("POST /api/accounts/{name}/access", a.handleAccountAccess)
	mux.HandleFunc("POST /api/accounts/{name}/reset-token", a.handleAccountResetToken)

	mux.HandleFunc("GET /api/firewall", a.handleFirewallList)
	mux.HandleFunc("POST /api/firewall", a.handleFirewallAdd)
	mux.HandleFunc("DELETE /api/firewall", a.handleFirewallRemove)

	mux.HandleFunc("GET /api/exceptions", a.handleExceptionList)
	mux.HandleFunc("PUT /api/exceptions/{addr}", a.handleExceptionSet)
	mux.HandleFunc("DELETE /api/exceptions/{addr}", a.handleExceptionRemove)

	mux.HandleFunc("GET /api/feed", a.handleFeed)

	return http.StripPrefix(prefix, a.authMiddleware(mux))
}

// readJSON decodes a JSON request body.
func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
