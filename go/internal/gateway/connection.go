package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mcdev12/hanoiboard/go/internal/models"
)

// DefaultRole is shown for connections that have not reported a role yet.
const DefaultRole = "Pre-Auth"

// Connection is one connected client. Role, Auth and the send buffer are owned by the
// ConnectionManager goroutine; nothing else may touch them after Register.
type Connection struct {
	ID          string
	ConnectedAt time.Time
	Role        string
	Auth        models.Auth
	UserAgent   *string

	conn         *websocket.Conn
	send         chan []byte
	claimLimiter *rate.Limiter
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  256 * 1024, // full leaderboard updates
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// newConnection creates an unregistered connection. ws may be nil for in-process clients.
func newConnection(ws *websocket.Conn, userAgent *string, connectedAt time.Time, sendBuffer int, claims *rate.Limiter) *Connection {
	return &Connection{
		ID:           uuid.New().String(),
		ConnectedAt:  connectedAt,
		Role:         DefaultRole,
		Auth:         models.NoAuth(),
		UserAgent:    userAgent,
		conn:         ws,
		send:         make(chan []byte, sendBuffer),
		claimLimiter: claims,
	}
}

// IsAdmin reports whether the connection holds the admin role
func (c *Connection) IsAdmin() bool {
	return c.Auth.Kind == models.AuthAdmin
}
