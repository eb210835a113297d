package ws

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type Config struct {
	MaxMessageSize    int64
	BufferSize        int
	RateLimitBurst    int
	RateLimitInterval time.Duration
	AllowedOrigins    []string
	PongWait          time.Duration
	PingPeriod        time.Duration
	WriteWait         time.Duration
}

// DefaultConfig keeps the classic keepalive: 60s read deadline, pings every 54s.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    4096,
		BufferSize:        256,
		RateLimitBurst:    5,
		RateLimitInterval: time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
		WriteWait:         10 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig. Rate limiting stays off when unset.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	return c
}

// Handler upgrades HTTP requests and runs one client per connection.
type Handler struct {
	ctx      context.Context
	log      *slog.Logger
	hub      *Hub
	router   contract.IRouter
	config   Config
	upgrader websocket.Upgrader
}

// NewHandler builds the upgrade endpoint. ctx bounds every router call made on
// behalf of clients; it is canceled on shutdown.
func NewHandler(ctx context.Context, log *slog.Logger, hub *Hub, router contract.IRouter, config Config) *Handler {
	config = config.withDefaults()
	policy := newOriginPolicy(config.AllowedOrigins, log)
	return &Handler{
		ctx:    ctx,
		log:    log,
		hub:    hub,
		router: router,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := domain.NewConnectionID()
	client := newClient(id, conn, h.hub, h.router, h.log, h.config)
	if !h.hub.add(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}
	h.router.Connect(id)
	h.log.Debug("Client connected", "connection", id, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump(h.ctx)
}
