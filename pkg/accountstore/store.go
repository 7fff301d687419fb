// Package accountstore persists accounts, firewall entries and per-address
// cap exceptions in a bbolt database, write-through over the in-memory
// account table.
package accountstore

import (
	"fmt"
	"log"
	"strings"

	"github.com/ember-shard/shardgate/pkg/accounts"
	bbolt "go.etcd.io/bbolt"
)

// Store wraps a bbolt database. Exceptions are cached in memory at open and
// written through on change, so the total-IP limiter never touches disk on
// the login path.
type Store struct {
	bolt       *bbolt.DB
	exceptions map[string]int
}

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("accountstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketAccounts, bucketFirewall, bucketExceptions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyFormat, []byte(formatVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("accountstore: create buckets: %w", err)
	}

	s := &Store{bolt: db, exceptions: make(map[string]int)}
	if err := s.loadExceptions(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// LoadAccounts reads every persisted account into the in-memory table and
// returns how many loaded. A record that fails to decode is logged and
// skipped rather than aborting the boot.
func (s *Store) LoadAccounts(into *accounts.Store) (int, error) {
	loaded := 0
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			a, err := decodeAccount(v)
			if err != nil {
				log.Printf("accountstore: skipping undecodable account %q: %v", k, err)
				return nil
			}
			into.Put(a)
			loaded++
			return nil
		})
	})
	if err != nil {
		return loaded, fmt.Errorf("accountstore: load accounts: %w", err)
	}
	return loaded, nil
}

// SaveAccount persists a single account (write-through).
func (s *Store) SaveAccount(a *accounts.Account) error {
	data, err := encodeAccount(a)
	if err != nil {
		return fmt.Errorf("accountstore: encode %q: %w", a.Username, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).Put([]byte(accounts.Key(a.Username)), data)
	})
}

// DeleteAccount removes a persisted account.
func (s *Store) DeleteAccount(username string) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).Delete([]byte(accounts.Key(username)))
	})
}

// FirewallEntries returns the persisted block list.
func (s *Store) FirewallEntries() ([]string, error) {
	var entries []string
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFirewall).ForEach(func(k, _ []byte) error {
			entries = append(entries, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("accountstore: load firewall: %w", err)
	}
	return entries, nil
}

// SaveFirewall replaces the persisted block list with the given entries.
func (s *Store) SaveFirewall(entries []string) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketFirewall); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketFirewall)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := b.Put([]byte(e), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) loadExceptions() error {
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExceptions).ForEach(func(k, v []byte) error {
			s.exceptions[string(k)] = decodeLimit(v)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("accountstore: load exceptions: %w", err)
	}
	return nil
}

// AccountLimit reports the per-address total-accounts override, if any.
// Implements the total-IP limiter's exception source.
func (s *Store) AccountLimit(addr string) (int, bool) {
	limit, ok := s.exceptions[strings.TrimSpace(addr)]
	return limit, ok
}

// SetAccountLimit stores a per-address cap override.
func (s *Store) SetAccountLimit(addr string, limit int) error {
	addr = strings.TrimSpace(addr)
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExceptions).Put([]byte(addr), encodeLimit(limit))
	})
	if err != nil {
		return fmt.Errorf("accountstore: save exception %q: %w", addr, err)
	}
	s.exceptions[addr] = limit
	return nil
}

// RemoveAccountLimit deletes a per-address override.
func (s *Store) RemoveAccountLimit(addr string) error {
	addr = strings.TrimSpace(addr)
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExceptions).Delete([]byte(addr))
	})
	if err != nil {
		return fmt.Errorf("accountstore: remove exception %q: %w", addr, err)
	}
	delete(s.exceptions, addr)
	return nil
}

// Exceptions returns a copy of the override table for the admin API.
func (s *Store) Exceptions() map[string]int {
	out := make(map[string]int, len(s.exceptions))
	for k, v := range s.exceptions {
		out[k] = v
	}
	return out
}
