package admin

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ember-shard/shardgate/pkg/events"
)

// feedClient streams bus events to one websocket connection. It buffers
// events in a channel so a slow admin client never stalls the emitter.
type feedClient struct {
	conn   *websocket.Conn
	ch     chan events.Event
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// Receive implements events.Subscriber. Events are dropped if the client
// buffer is full.
func (c *feedClient) Receive(ev events.Event) {
	select {
	case c.ch <- ev:
	default:
	}
}

// Closed implements events.Subscriber.
func (c *feedClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *feedClient) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
	c.conn.Close()
}

// feedMessage is the wire shape of one feed entry.
type feedMessage struct {
	Kind       string         `json:"kind"`
	Time       time.Time      `json:"time"`
	Username   string         `json:"username,omitempty"`
	Address    string         `json:"address,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Infraction string         `json:"infraction,omitempty"`
	Text       string         `json:"text,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// handleFeed handles GET /api/feed — upgrades to a websocket and streams
// admission events until the client disconnects.
func (a *Admin) handleFeed(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed not available")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true }, // token-authed already
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("admin: feed upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	client := &feedClient{
		conn: conn,
		ch:   make(chan events.Event, 64),
		done: make(chan struct{}),
	}
	a.bus.Subscribe(client)
	log.Printf("admin: feed client connected from %s", r.RemoteAddr)

	// Reader goroutine: we never expect client messages, only a close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				client.close()
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-client.done:
			break loop
		case ev := <-client.ch:
			msg := feedMessage{
				Kind:       ev.Kind.String(),
				Time:       ev.Time,
				Username:   ev.Username,
				Address:    ev.Address,
				Reason:     ev.Reason,
				Infraction: ev.Infraction,
				Text:       ev.Text,
				Data:       ev.Data,
			}
			if err := conn.WriteJSON(msg); err != nil {
				client.close()
				break loop
			}
		}
	}

	a.bus.Unsubscribe(client)
	log.Printf("admin: feed client from %s disconnected", r.RemoteAddr)
}
