package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dealbridge/dealbridge-api/internal/auth"
	"github.com/dealbridge/dealbridge-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to the connection
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// Hub keeps a registry of live websocket connections per user and pushes
// events to them. It implements Notifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[string][]*client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string][]*client),
	}
}

// Notify pushes an event to every live connection of the user. Users without
// a connection miss the event; callers must not depend on delivery.
func (h *Hub) Notify(userID string, event Event) {
	h.mu.RLock()
	clients := h.clients[userID]
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	for _, cl := range clients {
		if err := cl.write(websocket.TextMessage, marshalEvent(event)); err != nil {
			log.Debug().
				Err(err).
				Str("user_id", userID).
				Str("event_type", event.Type).
				Msg("dropping dead websocket connection")
			h.remove(userID, cl)
		}
	}
}

// ServeWS upgrades an authenticated HTTP request to a websocket connection
// and registers it for push delivery. The token is taken from the query
// string or the Authorization header.
func (h *Hub) ServeWS(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			parts := strings.Split(c.GetHeader("Authorization"), " ")
			if len(parts) == 2 {
				token = parts[1]
			}
		}
		if token == "" {
			response.Unauthorized(c, "Missing token")
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		cl := &client{conn: conn}
		h.add(claims.UserID, cl)

		log.Info().
			Str("user_id", claims.UserID).
			Str("role", claims.Role).
			Msg("websocket connected")

		// Drain inbound frames; the channel is push-only.
		go func() {
			defer func() {
				h.remove(claims.UserID, cl)
				conn.Close()
				log.Info().Str("user_id", claims.UserID).Msg("websocket disconnected")
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// Start runs the keepalive loop until the context is cancelled, pinging every
// live connection and dropping the ones that no longer respond.
func (h *Hub) Start(ctx context.Context) {
	logger := log.With().Str("component", "notify_hub").Logger()
	logger.Info().Msg("starting notification hub")

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down notification hub")
			h.closeAll()
			return
		case <-ticker.C:
			h.pingAll()
		}
	}
}

func (h *Hub) add(userID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[userID] = append(h.clients[userID], cl)
}

func (h *Hub) remove(userID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[userID]
	for i, existing := range clients {
		if existing == cl {
			h.clients[userID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) pingAll() {
	h.mu.RLock()
	stale := make(map[string][]*client)
	for userID, clients := range h.clients {
		for _, cl := range clients {
			if err := cl.write(websocket.PingMessage, nil); err != nil {
				stale[userID] = append(stale[userID], cl)
			}
		}
	}
	h.mu.RUnlock()

	for userID, clients := range stale {
		for _, cl := range clients {
			h.remove(userID, cl)
			cl.conn.Close()
		}
	}
}

func marshalEvent(event Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", event.Type).Msg("failed to marshal push event")
		return []byte(`{}`)
	}
	return data
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for _, cl := range clients {
			cl.conn.Close()
		}
	}
	h.clients = make(map[string][]*client)
}
