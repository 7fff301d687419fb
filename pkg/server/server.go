package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ember-shard/shardgate/pkg/admission"
	"github.com/ember-shard/shardgate/pkg/config"
	"github.com/ember-shard/shardgate/pkg/events"
)

// Server owns the listeners and drives connections through the gate.
type Server struct {
	Cfg  *config.Config
	Gate *Gate

	listener    net.Listener
	tlsListener net.Listener
	web         *WebServer
}

// NewServer creates a server around an assembled gate.
func NewServer(cfg *config.Config, gate *Gate) *Server {
	return &Server{Cfg: cfg, Gate: gate}
}

// Start begins listening for connections. It blocks until all listeners
// stop.
func (s *Server) Start() error {
	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Cfg.Port))
		if err != nil {
			errCh <- fmt.Errorf("listener: %w", err)
			return
		}
		s.listener = ln
		log.Printf("server: listening on port %d", s.Cfg.Port)
		s.acceptLoop(ln)
	}()

	if s.Cfg.TLS {
		wg.Add(1)
		go func() {
			defer wg.Done()
			material, err := SetupTLS(s.Cfg.Domain, s.Cfg.TLSCert, s.Cfg.TLSKey, s.Cfg.CertDir)
			if err != nil {
				errCh <- fmt.Errorf("TLS setup: %w", err)
				return
			}
			ln, err := material.Listen(s.Cfg.TLSPort)
			if err != nil {
				errCh <- fmt.Errorf("TLS listener: %w", err)
				return
			}
			s.tlsListener = ln
			log.Printf("server: listening (TLS) on port %d", s.Cfg.TLSPort)
			s.acceptLoop(ln)
		}()
	}

	if s.Cfg.WebEnabled {
		s.web = NewWebServer(s, webConfigFrom(s.Cfg))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.web.Start(); err != nil {
				errCh <- fmt.Errorf("web server: %w", err)
			}
		}()
	}

	// Check for early startup errors.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// Stop closes all active listeners.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.tlsListener != nil {
		s.tlsListener.Close()
	}
	if s.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.web.Stop(ctx)
	}
}

// acceptLoop accepts connections until the listener is closed. The firewall
// check runs here, before any goroutine or descriptor is spent on the
// connection.
func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("server: accept error: %v", err)
			continue
		}

		host := hostOnly(conn.RemoteAddr().String())
		if s.Gate.Firewall != nil && s.Gate.Firewall.Contains(host) {
			conn.Close()
			log.Printf("server: firewalled connection from %s dropped", host)
			if s.Gate.Bus != nil {
				s.Gate.Bus.Emit(events.Event{
					Kind:    events.EvFirewall,
					Time:    time.Now(),
					Address: host,
					Text:    "firewalled connection from " + host + " dropped",
				})
			}
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection manages a single client connection lifecycle.
func (s *Server) handleConnection(conn net.Conn) {
	d := NewDescriptor(0, conn)
	s.Gate.Attach(d)
	log.Printf("[%d] new connection from %s", d.ID, d.Addr)

	defer func() {
		s.Gate.Detach(d)
		d.Close()
		log.Printf("[%d] connection closed from %s", d.ID, d.Addr)
	}()

	d.Send(fmt.Sprintf("Welcome to %s.", s.Cfg.ShardName))
	d.Send("Commands: id <fingerprint>, connect <name> <password>, enter, quit")

	idle := time.Duration(s.Cfg.IdleTimeout) * time.Second
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 2048), 2048)

	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		if !scanner.Scan() {
			return
		}
		if d.IsClosed() {
			return
		}
		line := strings.TrimRight(scanner.Text(), "\r\n")
		d.BytesRecv += len(line) + 1
		d.LastCmd = time.Now()
		s.handleLine(d, line)
		if d.IsClosed() {
			return
		}
	}
}

// handleLine dispatches one client line according to connection state.
func (s *Server) handleLine(d *Descriptor, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	verb, rest := splitVerb(line)

	switch strings.ToLower(verb) {
	case "quit":
		d.Send("Goodbye.")
		d.Close()
		return
	case "id":
		// Hardware fingerprint report, only honored before login.
		if d.State != StateLogin {
			d.Send("Too late for that.")
			return
		}
		fp, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			d.Send("Usage: id <fingerprint>")
			return
		}
		d.Fingerprint = uint32(fp)
		return
	case "connect":
		if d.State != StateLogin {
			d.Send("Already connected.")
			return
		}
		user, pass, ok := splitCredentials(rest)
		if !ok {
			d.Send("Usage: connect <name> <password>")
			return
		}
		s.handleAccountLogin(d, user, pass)
		return
	case "enter":
		if d.State != StateAuthed {
			d.Send("Connect to an account first.")
			return
		}
		s.handleGameLogin(d)
		return
	}

	if d.State == StateInWorld {
		if d.Confined() {
			d.Send("Your session is restricted; contact the shard staff.")
			return
		}
		d.Send("The world awaits beyond this gate.")
		return
	}
	d.Send("Commands: id <fingerprint>, connect <name> <password>, enter, quit")
}

// handleAccountLogin runs the pre-world admission pipeline and reports the
// outcome to the client.
func (s *Server) handleAccountLogin(d *Descriptor, user, pass string) {
	dec := s.Gate.AccountLogin(d, user, pass)
	if dec.Accepted() {
		if dec.Created {
			d.Send(fmt.Sprintf("Account %s created. Welcome, %s.", dec.Account.Username, dec.Account.Username))
		} else {
			d.Send(fmt.Sprintf("Welcome back, %s.", dec.Account.Username))
		}
		d.Send("Type 'enter' to join the world.")
		return
	}

	d.Send(rejectionText(dec))
	switch dec.Reason {
	case admission.RateLimited, admission.Blocked:
		d.Close()
	default:
		d.Retries--
		if d.Retries <= 0 {
			d.Send("Too many failed attempts. Disconnecting.")
			d.Close()
		}
	}
}

// handleGameLogin runs the in-world admission pipeline.
func (s *Server) handleGameLogin(d *Descriptor) {
	dec := s.Gate.GameLogin(d)
	if !dec.Accepted() {
		d.Send(rejectionText(dec))
		d.Close()
		return
	}
	if dec.Confined {
		d.Send("You have entered the world under restriction; contact the shard staff.")
		return
	}
	d.Send("You step through the gate.")
}

// rejectionText maps a decision to the line shown to the client. The codes
// deliberately reveal as little as possible.
func rejectionText(dec admission.Decision) string {
	switch dec.Reason {
	case admission.RateLimited:
		return "Too many attempts from your address. Try again later."
	case admission.InvalidCredentials, admission.BadPassword:
		return "Incorrect name or password."
	case admission.InUse:
		return "That account is already in use."
	case admission.Blocked:
		return "Your connection has been refused."
	case admission.BadComm:
		return "The shard is not accepting connections right now."
	default:
		return "Login failed."
	}
}

// splitVerb returns the first word and the remainder of a line.
func splitVerb(line string) (string, string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}

// splitCredentials parses "<name> <password>". The password is everything
// after the first space, so passwords may contain spaces.
func splitCredentials(rest string) (user, pass string, ok bool) {
	i := strings.IndexByte(rest, ' ')
	if i < 0 {
		return "", "", false
	}
	user = strings.TrimSpace(rest[:i])
	pass = rest[i+1:]
	if user == "" || pass == "" {
		return "", "", false
	}
	return user, pass, true
}
