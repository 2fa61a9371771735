package bus

import (
	"log"
	"sync"

	"github.com/alpinesboltltd/taskcore/internal/engine/metrics"
	"github.com/gorilla/websocket"
)

// Client is one connected WebSocket session, scoped to a single user
// (§4.4: per-user events are routed by user_id; only Hub.Broadcast
// reaches every user).
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan interface{}

	hub *Hub
}

// Hub owns the process-wide set of connected clients, keyed by user_id
// so SendToUser never touches connections belonging to anyone else.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
}

// NewHub returns a Hub. Call Run in its own goroutine before serving
// connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run is the hub's single-owner event loop; it must run in exactly one
// goroutine for the lifetime of the process.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.UserID] == nil {
				h.clients[c.UserID] = make(map[*Client]bool)
			}
			h.clients[c.UserID][c] = true
			n := h.connectionCountLocked()
			h.mu.Unlock()
			metrics.SetBusConnections(n)
			log.Printf("bus: client registered user=%s id=%s", c.UserID, c.ID)

		case c := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.clients[c.UserID]; ok {
				if _, ok := conns[c]; ok {
					delete(conns, c)
					close(c.Send)
				}
				if len(conns) == 0 {
					delete(h.clients, c.UserID)
				}
			}
			n := h.connectionCountLocked()
			h.mu.Unlock()
			metrics.SetBusConnections(n)
			log.Printf("bus: client unregistered user=%s id=%s", c.UserID, c.ID)
		}
	}
}

// Register admits a client to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// SendToUser delivers env to every connection belonging to userID. For a
// client whose Send buffer is full the event is dropped rather than
// blocking the hub loop; the client itself stays registered.
func (h *Hub) SendToUser(userID string, env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.Send <- env:
		default:
			log.Printf("bus: dropping event type=%s for user=%s client=%s: send buffer full", env.Type, userID, c.ID)
		}
	}
}

// Broadcast delivers env to every connected client across every user. It
// is a distinct operation from SendToUser and must never be used for
// per-user confirmation traffic (Design Notes open question 1).
func (h *Hub) Broadcast(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, conns := range h.clients {
		for c := range conns {
			select {
			case c.Send <- env:
			default:
				log.Printf("bus: dropping broadcast type=%s for user=%s client=%s: send buffer full", env.Type, userID, c.ID)
			}
		}
	}
}

// ConnectionCount returns the number of live connections across every
// user, for MaxConnections enforcement at accept time.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connectionCountLocked()
}

func (h *Hub) connectionCountLocked() int {
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}
