package bus

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server hosts the bus's single HTTP surface: the WebSocket upgrade
// endpoint. It is deliberately the only gin route this module
// registers; a general HTTP API is out of scope (§1).
type Server struct {
	hub      *Hub
	registry *ConfirmationRegistry
	cancels  *CancelRegistry
	upgrader websocket.Upgrader
	pump     pumpConfig
	maxConns int
}

// Config configures a Server.
type Config struct {
	AllowedOrigins  []string
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxConnections  int
}

// NewServer returns a Server. hub.Run must already be running in its own
// goroutine.
func NewServer(hub *Hub, registry *ConfirmationRegistry, cancels *CancelRegistry, cfg Config) *Server {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	return &Server{
		hub:      hub,
		registry: registry,
		cancels:  cancels,
		maxConns: cfg.MaxConnections,
		pump:     pumpConfig{pingInterval: cfg.PingInterval, pongTimeout: cfg.PongTimeout},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			HandshakeTimeout: 30 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Handle upgrades the request to a WebSocket connection for the user
// identified by the "user_id" query parameter, registers it with the
// hub, and blocks for the life of the connection.
func (s *Server) Handle(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if s.maxConns > 0 && s.hub.ConnectionCount() >= s.maxConns {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection limit reached"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	client := &Client{
		ID:     fmt.Sprintf("bus-%s", uuid.NewString()),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan interface{}, 32),
		hub:    s.hub,
	}
	s.hub.Register(client)

	go client.WritePump(s.pump)
	client.ReadPump(s.registry, s.cancels, s.pump)
}
