package ws

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/validation"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Client is one WebSocket connection. The read pump is the only reader and the
// write pump the only writer of conn.
type Client struct {
	id      domain.ConnectionID
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	router  contract.IRouter
	log     *slog.Logger
	limiter *rate.Limiter
	config  Config
}

func newClient(id domain.ConnectionID, conn *websocket.Conn, hub *Hub, router contract.IRouter,
	log *slog.Logger, config Config) *Client {
	var limiter *rate.Limiter
	if config.RateLimitBurst > 0 && config.RateLimitInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(config.RateLimitInterval/time.Duration(config.RateLimitBurst)), config.RateLimitBurst)
	}
	conn.SetReadLimit(config.MaxMessageSize)
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, config.BufferSize),
		hub:     hub,
		router:  router,
		log:     log.With("connection", id),
		limiter: limiter,
		config:  config,
	}
}

// readPump decodes inbound events and hands them to the router until the
// connection fails. Leaving it is what closes the connection for the router.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.router.OnClose(c.id)
		c.hub.remove(c.id)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.fail(ctx, errors.ErrRateLimited)
			continue
		}
		if err := c.handle(ctx, raw); err != nil {
			c.fail(ctx, err)
		}
	}
}

func (c *Client) handle(ctx context.Context, raw []byte) error {
	var in domain.InboundEvent
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("%w: invalid event: %v", errors.ErrValidation, err)
	}
	if err := validation.Inbound(in); err != nil {
		return err
	}

	switch in.Type {
	case domain.JoinType:
		return c.router.Join(ctx, domain.JoinCommand{Connection: c.id, Name: in.Username})
	case domain.PublicType:
		_, err := c.router.SendPublic(ctx, domain.SendPublicCommand{Connection: c.id, Body: in.Body})
		return err
	case domain.PrivateType:
		_, err := c.router.SendPrivate(ctx, domain.SendPrivateCommand{
			Connection: c.id,
			Recipient:  in.Recipient,
			Body:       in.Body,
		})
		return err
	}
	return nil
}

// fail reports an error to this connection only.
func (c *Client) fail(ctx context.Context, err error) {
	c.log.Debug("Inbound event rejected", "error", err)
	if pushErr := c.hub.Push(ctx, c.id, event.Failure(errors.Code(err), err)); pushErr != nil {
		c.log.Debug("Error event not delivered", "error", pushErr)
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait)); err != nil {
		c.log.Debug("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Message exceeded maximum size", "limit", c.config.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug("Client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("Client connection closed", "error", err)
	default:
		c.log.Warn("WebSocket read error", "error", err)
	}
}

// writePump writes queued events, one frame each, and pings on idle.
// It exits when the hub closes the queue or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Error closing connection in writePump", "error", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Debug("Error writing message", "error", err)
				}
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE)
}
