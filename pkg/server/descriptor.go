package server

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
	"github.com/ember-shard/shardgate/pkg/admission"
)

// TransportType identifies the kind of transport a Descriptor uses.
type TransportType int

const (
	TransportTCP       TransportType = iota // Traditional raw TCP
	TransportWebSocket                      // WebSocket (JSON messages)
)

// String returns the transport name used in logs and metrics labels.
func (t TransportType) String() string {
	if t == TransportWebSocket {
		return "websocket"
	}
	return "tcp"
}

// ConnState tracks where a connection is in the login flow.
type ConnState int

const (
	StateLogin   ConnState = iota // Awaiting account credentials
	StateAuthed                   // Account login accepted, not yet in world
	StateInWorld                  // Game login accepted
)

// Descriptor represents a single client connection. It implements
// admission.Session so the limiters can count it and broadcast to it.
type Descriptor struct {
	ID          int
	Conn        net.Conn
	Addr        string // remote host, port stripped
	Transport   TransportType
	ConnTime    time.Time
	LastCmd     time.Time
	Retries     int
	Fingerprint uint32 // client-reported hardware fingerprint, 0 = unknown
	// RoutingTier marks connections arriving through the web gateway, which
	// was already admitted upstream and skips the per-address limiters.
	RoutingTier bool
	BytesSent   int
	BytesRecv   int

	// State fields below are written only under the gate lock.
	State    ConnState
	acct     *accounts.Account
	password string // retained for the in-world login re-check
	confined bool

	// SendFunc overrides the default Send behavior (used by the WebSocket
	// transport). If nil, the default TCP write path is used.
	SendFunc func(msg string)

	mu     sync.Mutex
	closed bool
}

// NewDescriptor wraps a net.Conn into a Descriptor.
func NewDescriptor(id int, conn net.Conn) *Descriptor {
	now := time.Now()
	return &Descriptor{
		ID:       id,
		Conn:     conn,
		Addr:     hostOnly(conn.RemoteAddr().String()),
		ConnTime: now,
		LastCmd:  now,
		Retries:  3,
	}
}

// hostOnly strips the port from a host:port address.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Account implements admission.Session.
func (d *Descriptor) Account() *accounts.Account {
	return d.acct
}

// SourceAddress implements admission.Session.
func (d *Descriptor) SourceAddress() string {
	return d.Addr
}

// Confined implements admission.Session.
func (d *Descriptor) Confined() bool {
	return d.confined
}

// Deliver implements admission.Session.
func (d *Descriptor) Deliver(msg string) {
	d.Send(msg)
}

// Send writes a line to the client connection.
func (d *Descriptor) Send(msg string) {
	if d.SendFunc != nil {
		d.SendFunc(msg)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\r\n"
	}
	d.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	n, _ := d.Conn.Write([]byte(msg))
	d.BytesSent += n
}

// Close shuts down the connection.
func (d *Descriptor) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.Conn.Close()
	}
}

// IsClosed returns whether the connection has been closed.
func (d *Descriptor) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Compile-time check that Descriptor implements admission.Session.
var _ admission.Session = (*Descriptor)(nil)
