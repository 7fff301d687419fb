// Package firewall is the persisted source-address block list consulted
// before any admission logic runs: a connection from a blocked address is
// refused outright.
package firewall

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
)

// Firewall holds exact addresses and CIDR ranges. It is read on the network
// accept path, which runs off the main thread, so lookups are mutex-guarded.
type Firewall struct {
	mu    sync.RWMutex
	exact map[string]struct{}
	cidrs map[string]*net.IPNet

	// persist, when set, is called with the full entry list after every
	// mutation. Failures are returned to the caller; the in-memory state
	// keeps the change either way.
	persist func(entries []string) error
}

// New creates a firewall from a stored entry list. Unparseable entries are
// reported but do not prevent the rest from loading.
func New(entries []string, persist func([]string) error) (*Firewall, []error) {
	f := &Firewall{
		exact:   make(map[string]struct{}),
		cidrs:   make(map[string]*net.IPNet),
		persist: persist,
	}
	var errs []error
	for _, e := range entries {
		if err := f.add(e); err != nil {
			errs = append(errs, err)
		}
	}
	return f, errs
}

func (f *Firewall) add(entry string) error {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return fmt.Errorf("firewall: bad CIDR %q: %w", entry, err)
		}
		f.cidrs[ipnet.String()] = ipnet
		return nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return fmt.Errorf("firewall: bad address %q", entry)
	}
	f.exact[ip.String()] = struct{}{}
	return nil
}

// Add blocks an address or CIDR range and persists the new list.
func (f *Firewall) Add(entry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.add(entry); err != nil {
		return err
	}
	return f.save()
}

// Remove unblocks an address or CIDR range.
func (f *Firewall) Remove(entry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			entry = ipnet.String()
		}
		if _, ok := f.cidrs[entry]; !ok {
			return fmt.Errorf("firewall: %q not blocked", entry)
		}
		delete(f.cidrs, entry)
		return f.save()
	}
	if ip := net.ParseIP(entry); ip != nil {
		entry = ip.String()
	}
	if _, ok := f.exact[entry]; !ok {
		return fmt.Errorf("firewall: %q not blocked", entry)
	}
	delete(f.exact, entry)
	return f.save()
}

// Contains reports whether addr is blocked, either exactly or by a range.
// An unparseable address is treated as not blocked.
func (f *Firewall) Contains(addr string) bool {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.exact[ip.String()]; ok {
		return true
	}
	for _, ipnet := range f.cidrs {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Entries returns the sorted entry list, exact addresses first.
func (f *Firewall) Entries() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.entries()
}

func (f *Firewall) entries() []string {
	var exact, cidrs []string
	for e := range f.exact {
		exact = append(exact, e)
	}
	for c := range f.cidrs {
		cidrs = append(cidrs, c)
	}
	sort.Strings(exact)
	sort.Strings(cidrs)
	return append(exact, cidrs...)
}

func (f *Firewall) save() error {
	if f.persist == nil {
		return nil
	}
	return f.persist(f.entries())
}
