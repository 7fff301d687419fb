// Package ipinfo enriches login addresses with geo/ISP data from an HTTP
// lookup service. It is the only concurrent part of the admission layer:
// lookups are queued from the game-login path and resolved on a background
// worker. Results are advisory; a missing or failed lookup never delays or
// blocks a login decision.
package ipinfo

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Info is one resolved address record.
type Info struct {
	Address  string `json:"address"`
	Country  string `json:"country"`
	Region   string `json:"region"`
	City     string `json:"city"`
	ISP      string `json:"isp"`
	ExitNode bool   `json:"exit_node"`

	Fetched time.Time `json:"-"`
}

// cacheTTL bounds how long a resolved record is trusted.
const cacheTTL = 24 * time.Hour

// Service queues and caches address lookups.
type Service struct {
	endpoint string
	client   *http.Client
	queue    chan string

	mu    sync.Mutex
	cache map[string]*Info

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a service querying the given endpoint. The address is appended
// to the endpoint path; the response must be a JSON object with country,
// region, city, isp and exit_node fields.
func New(endpoint string) *Service {
	return &Service{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan string, 256),
		cache:    make(map[string]*Info),
		stop:     make(chan struct{}),
	}
}

// Start launches the background worker.
func (s *Service) Start() {
	go s.worker()
}

// Stop shuts the worker down.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Enqueue schedules an address for enrichment. A full queue or an already
// cached address drops the request silently.
func (s *Service) Enqueue(addr string) {
	if addr == "" {
		return
	}
	if _, ok := s.Lookup(addr); ok {
		return
	}
	select {
	case s.queue <- addr:
	default:
	}
}

// Lookup returns the cached record for addr, if fresh.
func (s *Service) Lookup(addr string) (*Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.cache[addr]
	if !ok || time.Since(info.Fetched) > cacheTTL {
		return nil, false
	}
	return info, true
}

// IsExitNode reports whether addr resolved to a known anonymizing exit
// node. Implements the arbiter's advisory exit-node source: an unknown
// address is simply not an exit node.
func (s *Service) IsExitNode(addr string) bool {
	info, ok := s.Lookup(addr)
	return ok && info.ExitNode
}

// Len returns the cache size, for metrics.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *Service) worker() {
	for {
		select {
		case <-s.stop:
			return
		case addr := <-s.queue:
			info, err := s.fetch(addr)
			if err != nil {
				log.Printf("ipinfo: %s: %v", addr, err)
				continue
			}
			s.mu.Lock()
			s.cache[addr] = info
			s.mu.Unlock()
			log.Printf("ipinfo: %s -> %s/%s (%s)", addr, info.Country, info.City, info.ISP)
		}
	}
}

func (s *Service) fetch(addr string) (*Info, error) {
	resp, err := s.client.Get(s.endpoint + "/" + url.PathEscape(addr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup status %s", resp.Status)
	}
	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding lookup response: %w", err)
	}
	info.Address = addr
	info.Fetched = time.Now()
	return &info, nil
}
