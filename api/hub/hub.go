package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

type Event struct {
	Type    string `json:"type"` // run.phase, run.step, run.completed, run.failed, env.created, env.removed
	RunID   string `json:"runId,omitempty"`
	Payload any    `json:"payload"`
}

// Publisher is what the orchestrator needs from the hub.
type Publisher interface {
	Broadcast(evt Event)
}

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	runID string // empty subscribes to every run
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
}

func New(allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser clients (CLI, curl)
				}
				if allowed[origin] || allowed["*"] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				log.Printf("hub: marshal error: %v", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if c.runID != "" && c.runID != evt.RunID {
					continue
				}
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues evt for every subscribed client. It drops the event when
// the queue is full rather than stall a workflow run.
func (h *Hub) Broadcast(evt Event) {
	select {
	case h.broadcast <- evt:
	default:
		log.Printf("hub: queue full, dropping %s event", evt.Type)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnect upgrades the request. ?run=<id> limits the stream to one run.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: ws upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64), runID: r.URL.Query().Get("run")}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
