package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/common/logger"
)

const (
	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong; the read
	// deadline is reset on every pong and every inbound frame.
	pongWait = 60 * time.Second

	// pingPeriod is how often the Gateway sends a keepalive, comfortably
	// inside pongWait.
	pingPeriod = 54 * time.Second

	// maxMessageSize bounds a single inbound frame.
	maxMessageSize = 512 * 1024
)

// Role is the peer kind bound to a Client connection.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleUser    Role = "user"
	RoleMonitor Role = "monitor"
)

// Client is one Gateway connection: opaque id, bounded send channel,
// peer role, and (for Agent peers) the agent id it's bound to.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub

	send chan []byte

	mu       sync.RWMutex
	role     Role
	agentID  string
	lastSeen time.Time
	closed   bool

	logger *logger.Logger
}

// NewClient constructs an unbound Client (role is assigned once the peer
// identifies itself via agent.register or attaches as a User/Monitor).
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBufferSize),
		lastSeen: time.Now().UTC(),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Client) bindAgent(agentID string) {
	c.mu.Lock()
	c.role = RoleAgent
	c.agentID = agentID
	c.mu.Unlock()
}

func (c *Client) boundAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// ReadPump drains inbound frames until the connection errors or closes.
// This is one of the connection's two cooperating loops;
// it never blocks on delivery to the hub or the coordinator.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}

		// Each frame is handled inline: inbound handling never blocks on
		// a remote round-trip, so there's no need to fan these out to
		// goroutines the way a slow downstream handler would require.
		c.hub.handleInbound(ctx, c, &frame)
	}
}

// WritePump drains the send channel to the socket and emits the periodic
// keepalive. It is the connection's other cooperating loop; a slow
// reader never stalls it and vice versa.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue pushes an already-encoded frame onto the send channel.
// Under backpressure, a full channel drops the frame at the
// producer rather than blocking; the caller treats that as delivery
// failure.
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("client send buffer full, dropping frame")
		return false
	}
}

func (c *Client) sendFrame(f *Frame) bool {
	data, err := f.encode()
	if err != nil {
		c.logger.Error("failed to encode frame", zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
