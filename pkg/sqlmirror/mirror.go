// Package sqlmirror maintains a one-way SQLite mirror of accounts and
// admission decisions for external web and stats tooling. The mirror is
// advisory: a write failure is logged and never blocks a login decision.
package sqlmirror

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
	"github.com/ember-shard/shardgate/pkg/events"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	username     TEXT PRIMARY KEY,
	access       TEXT NOT NULL,
	created      INTEGER NOT NULL,
	last_login   INTEGER,
	banned       INTEGER NOT NULL DEFAULT 0,
	infraction   TEXT,
	ip_history   TEXT,
	fingerprints INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS decisions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         INTEGER NOT NULL,
	site       TEXT,
	username   TEXT,
	address    TEXT,
	reason     TEXT,
	infraction TEXT,
	confined   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS decisions_at ON decisions(at);
CREATE INDEX IF NOT EXISTS decisions_address ON decisions(address);
`

// Mirror wraps the SQLite connection. Writes happen from the event bus and
// the admin thread, so they are serialized by a mutex.
type Mirror struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens the mirror database, sets WAL mode and a busy timeout, and
// creates the schema.
func Open(path string) (*Mirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlmirror: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlmirror: setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlmirror: setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlmirror: creating schema: %w", err)
	}
	return &Mirror{db: db, path: path}, nil
}

// Close closes the mirror database.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Path returns the filesystem path of the mirror database.
func (m *Mirror) Path() string { return m.path }

// MirrorAccount upserts one account row.
func (m *Mirror) MirrorAccount(a *accounts.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return
	}
	var lastLogin int64
	if !a.LastLogin.IsZero() {
		lastLogin = a.LastLogin.Unix()
	}
	banned := 0
	if a.Banned {
		banned = 1
	}
	_, err := m.db.Exec(`
		INSERT INTO accounts (username, access, created, last_login, banned, infraction, ip_history, fingerprints)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			access = excluded.access,
			last_login = excluded.last_login,
			banned = excluded.banned,
			infraction = excluded.infraction,
			ip_history = excluded.ip_history,
			fingerprints = excluded.fingerprints`,
		accounts.Key(a.Username), a.Access.String(), a.Created.Unix(), lastLogin,
		banned, a.Infraction.String(), strings.Join(a.LoginIPHistory, ","), len(a.Fingerprints))
	if err != nil {
		log.Printf("sqlmirror: account %q: %v", a.Username, err)
	}
}

// RemoveAccount drops a mirrored account row.
func (m *Mirror) RemoveAccount(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return
	}
	if _, err := m.db.Exec(`DELETE FROM accounts WHERE username = ?`, accounts.Key(username)); err != nil {
		log.Printf("sqlmirror: remove %q: %v", username, err)
	}
}

// Receive implements events.Subscriber: every admission decision becomes a
// row in the decisions table.
func (m *Mirror) Receive(ev events.Event) {
	if ev.Kind != events.EvDecision {
		return
	}
	site := ""
	confined := 0
	if ev.Data != nil {
		if s, ok := ev.Data["site"].(string); ok {
			site = s
		}
		if c, ok := ev.Data["confined"].(bool); ok && c {
			confined = 1
		}
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return
	}
	_, err := m.db.Exec(`
		INSERT INTO decisions (at, site, username, address, reason, infraction, confined)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		at.Unix(), site, ev.Username, ev.Address, ev.Reason, ev.Infraction, confined)
	if err != nil {
		log.Printf("sqlmirror: decision row: %v", err)
	}
}

// Closed implements events.Subscriber.
func (m *Mirror) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db == nil
}

// PruneDecisions deletes decision rows older than the retention window and
// returns how many went.
func (m *Mirror) PruneDecisions(olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return 0, fmt.Errorf("sqlmirror: closed")
	}
	res, err := m.db.Exec(`DELETE FROM decisions WHERE at < ?`, time.Now().Add(-olderThan).Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartRetention launches a background pruner for the decisions table.
// Returns a stop function.
func (m *Mirror) StartRetention(retention, interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if n, err := m.PruneDecisions(retention); err == nil && n > 0 {
					log.Printf("sqlmirror: pruned %d old decisions", n)
				}
			}
		}
	}()
	return func() { close(stop) }
}
