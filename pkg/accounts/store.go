package accounts

import (
	"fmt"
	"sort"
	"time"
)

// Store is the in-memory account table, keyed by lowercased username. It is
// the source of truth for every limiter query. Access is single-threaded:
// the host dispatches all admission and administration work on one thread,
// so the store carries no locking of its own.
type Store struct {
	accounts map[string]*Account
	nextSeq  uint64
}

// NewStore creates an empty account store.
func NewStore() *Store {
	return &Store{accounts: make(map[string]*Account)}
}

// Get looks up an account by username, case-insensitively.
func (s *Store) Get(username string) (*Account, bool) {
	a, ok := s.accounts[Key(username)]
	return a, ok
}

// Len returns the number of accounts.
func (s *Store) Len() int {
	return len(s.accounts)
}

// Put inserts or replaces an account record. Records without a sequence
// number are assigned the next one, so creation order stays total even for
// accounts loaded from persistence in map order.
func (s *Store) Put(a *Account) {
	if a.Seq == 0 {
		s.nextSeq++
		a.Seq = s.nextSeq
	} else if a.Seq > s.nextSeq {
		s.nextSeq = a.Seq
	}
	s.accounts[Key(a.Username)] = a
}

// Create makes a new player-level account with a bcrypt password hash.
func (s *Store) Create(username, password string, now time.Time) (*Account, error) {
	if !ValidCredentials(username, password) {
		return nil, fmt.Errorf("accounts: invalid username or password for %q", username)
	}
	if _, ok := s.Get(username); ok {
		return nil, fmt.Errorf("accounts: %q already exists", username)
	}
	a := &Account{
		Username: username,
		Access:   AccessPlayer,
		Created:  now,
	}
	if err := a.SetPassword(password); err != nil {
		return nil, err
	}
	s.Put(a)
	return a, nil
}

// Delete removes an account by username.
func (s *Store) Delete(username string) bool {
	key := Key(username)
	if _, ok := s.accounts[key]; !ok {
		return false
	}
	delete(s.accounts, key)
	return true
}

// All returns every account sorted by creation time ascending, with the
// creation sequence number as the stable tie-break. The limiters depend on
// this ordering: the earliest-created accounts are the ones "bound" to an
// IP or machine.
func (s *Store) All() []*Account {
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// ValidCredentials reports whether a username/password pair is acceptable
// for account auto-creation: both non-empty and printable ASCII.
func ValidCredentials(username, password string) bool {
	return printableASCII(username) && printableASCII(password)
}

func printableASCII(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return false
		}
	}
	return true
}
