package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ember-shard/shardgate/pkg/admin"
	"github.com/ember-shard/shardgate/pkg/config"
)

// WebConfig holds configuration for the web listener.
type WebConfig struct {
	Port        int
	Host        string
	Domain      string
	CertFile    string
	KeyFile     string
	CertDir     string
	CORSOrigins []string
	AdminOn     bool
	JWTSecret   string
	JWTExpiry   int
	DataDir     string
	TLS         bool
}

// webConfigFrom projects the relevant config keys.
func webConfigFrom(cfg *config.Config) WebConfig {
	return WebConfig{
		Port:        cfg.WebPort,
		Host:        cfg.WebHost,
		Domain:      cfg.Domain,
		CertFile:    cfg.TLSCert,
		KeyFile:     cfg.TLSKey,
		CertDir:     cfg.CertDir,
		CORSOrigins: cfg.CORSOrigins,
		AdminOn:     cfg.AdminEnabled,
		JWTSecret:   cfg.JWTSecret,
		JWTExpiry:   cfg.JWTExpiry,
		DataDir:     cfg.DataDir,
		TLS:         cfg.TLS,
	}
}

// WebServer provides the HTTP surface alongside the TCP listeners: the
// websocket gateway transport, health, Prometheus metrics and the admin API.
type WebServer struct {
	srv      *Server
	gate     *Gate
	cfg      WebConfig
	httpSrv  *http.Server
	mux      *http.ServeMux
	rl       *rateLimiter
	upgrader websocket.Upgrader
	admin    *admin.Admin
	metrics  *Metrics
}

// NewWebServer creates the web listener bound to the gate.
func NewWebServer(srv *Server, cfg WebConfig) *WebServer {
	ws := &WebServer{
		srv:  srv,
		gate: srv.Gate,
		cfg:  cfg,
		mux:  http.NewServeMux(),
		rl:   newRateLimiter(120),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.CORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range cfg.CORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
	ws.registerRoutes()
	return ws
}

// Metrics exposes the metrics collector so main can subscribe it to the bus.
func (ws *WebServer) Metrics() *Metrics {
	return ws.metrics
}

// registerRoutes sets up all HTTP routes.
func (ws *WebServer) registerRoutes() {
	handler := http.Handler(ws.mux)
	handler = rateLimitMiddleware(ws.rl, handler)
	handler = corsMiddleware(ws.cfg.CORSOrigins, handler)

	ws.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", ws.cfg.Host, ws.cfg.Port),
		Handler: handler,
	}

	ws.mux.HandleFunc("GET /ws", ws.handleWebSocket)
	ws.mux.HandleFunc("GET /health", ws.handleHealth)

	ws.metrics = NewMetrics(ws.gate, time.Now())
	if ws.gate.Bus != nil {
		ws.gate.Bus.Subscribe(ws.metrics)
	}
	ws.mux.Handle("GET /metrics", ws.metrics.Handler())

	if ws.cfg.AdminOn {
		auth := admin.NewAuth(ws.cfg.DataDir, ws.cfg.JWTSecret, ws.cfg.JWTExpiry)
		ws.admin = admin.New(ws.gate, ws.gate.Bus, auth)
		ws.mux.Handle("/admin/", ws.admin.Handler("/admin"))
	}
}

// Start begins listening. Uses HTTPS when TLS is configured, plain HTTP
// otherwise.
func (ws *WebServer) Start() error {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ws.rl.cleanup()
		}
	}()

	if ws.cfg.TLS {
		material, err := SetupTLS(ws.cfg.Domain, ws.cfg.CertFile, ws.cfg.KeyFile, ws.cfg.CertDir)
		if err != nil {
			log.Printf("web: TLS setup failed (%v), falling back to HTTP", err)
		} else {
			ws.httpSrv.TLSConfig = material.Config

			// Let's Encrypt needs an HTTP listener on :80 for ACME
			// challenges; it also redirects HTTP to HTTPS.
			if material.ACME != nil {
				go func() {
					httpSrv := &http.Server{
						Addr:    ":80",
						Handler: material.ACME.HTTPHandler(nil),
					}
					log.Printf("web: ACME HTTP challenge listener on :80")
					if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Printf("web: ACME HTTP listener error: %v", err)
					}
				}()
			}

			log.Printf("web: listening on %s (HTTPS)", ws.httpSrv.Addr)
			err = ws.httpSrv.ListenAndServeTLS("", "")
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	}

	log.Printf("web: listening on %s (HTTP)", ws.httpSrv.Addr)
	err := ws.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the web server.
func (ws *WebServer) Stop(ctx context.Context) error {
	return ws.httpSrv.Shutdown(ctx)
}

// WSMessage is the JSON message format for the websocket gateway.
type WSMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Command string `json:"command,omitempty"`
}

// wsConn holds the websocket connection and its write mutex.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (wc *wsConn) sendJSON(msg WSMessage) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	wc.conn.WriteJSON(msg)
}

// handleWebSocket upgrades an HTTP connection and creates a gateway
// descriptor for the client. Gateway connections are treated as the routing
// tier: the per-address limiters were already applied upstream.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(clientAddr(r))
	if ws.gate.Firewall != nil && ws.gate.Firewall.Contains(host) {
		http.Error(w, `{"error":"refused"}`, http.StatusForbidden)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}

	d, wc := newWSDescriptor(conn, host)
	ws.gate.Attach(d)
	log.Printf("[ws:%d] new connection from %s", d.ID, d.Addr)
	wc.sendJSON(WSMessage{Type: "welcome", Text: fmt.Sprintf("Welcome to %s.", ws.srv.Cfg.ShardName)})

	go ws.wsReadLoop(d, wc)
}

// clientAddr returns the client address, honoring reverse-proxy headers.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return r.RemoteAddr
}

// newWSDescriptor creates a Descriptor configured for websocket transport.
func newWSDescriptor(conn *websocket.Conn, addr string) (*Descriptor, *wsConn) {
	wc := &wsConn{conn: conn}
	now := time.Now()
	d := &Descriptor{
		Conn:        conn.NetConn(),
		Addr:        addr,
		ConnTime:    now,
		LastCmd:     now,
		Retries:     3,
		Transport:   TransportWebSocket,
		RoutingTier: true,
	}
	d.SendFunc = func(msg string) {
		wc.sendJSON(WSMessage{Type: "text", Text: msg})
	}
	return d, wc
}

func (ws *WebServer) wsReadLoop(d *Descriptor, wc *wsConn) {
	defer func() {
		ws.gate.Detach(d)
		d.Close()
		log.Printf("[ws:%d] connection closed from %s", d.ID, d.Addr)
	}()

	for {
		_, msgBytes, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws:%d] read error: %v", d.ID, err)
			}
			return
		}
		if d.IsClosed() {
			return
		}

		d.LastCmd = time.Now()
		d.BytesRecv += len(msgBytes)

		var msg WSMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			wc.sendJSON(WSMessage{Type: "error", Text: "Invalid JSON message"})
			continue
		}

		switch msg.Type {
		case "command", "login":
			ws.srv.handleLine(d, msg.Command)
		default:
			wc.sendJSON(WSMessage{Type: "error", Text: fmt.Sprintf("Unknown message type: %s", msg.Type)})
		}
		if d.IsClosed() {
			return
		}
	}
}

// handleHealth serves the unauthenticated liveness endpoint.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := ws.gate.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"sessions":       snap.SessionsTCP + snap.SessionsWS,
		"uptime_seconds": snap.Uptime.Seconds(),
	})
}
