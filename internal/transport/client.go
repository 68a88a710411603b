// Package transport implements the per-connection WebSocket session:
// inbound frame decode, outbound send, ping/pong liveness, and disconnect.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netsblox/cloud-topology/internal/topology"
)

// wsConnection is the subset of *websocket.Conn the Client needs, kept as
// an interface for testability.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Router is the callback surface a Client needs from the owning server to
// turn inbound frames into topology commands. hub.go supplies the concrete
// implementation backed by a *topology.Topology.
type Router interface {
	HandleMessage(client topology.ClientID, frame InboundFrame)
	HandleDisconnect(client topology.ClientID)
}

// InboundFrame is the generic envelope for inbound client frames.
type InboundFrame struct {
	Type       string              `json:"type"`
	DstID      json.RawMessage     `json:"dstId,omitempty"`
	MsgType    string              `json:"msgType,omitempty"`
	Content    json.RawMessage     `json:"content,omitempty"`
	Recipients []topology.ClientID `json:"recipients,omitempty"`
	ID         string              `json:"id,omitempty"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
}

// ErrSendChannelFull is returned from Send when the outbound channel is at
// capacity. The client is dropped rather than the message: silently losing
// one frame would break the per-recipient ordering delivery promises.
var ErrSendChannelFull = errors.New("transport: client send channel full")

// ErrClientClosing is returned from Send once the outbound channel has
// been closed and the connection is on its way down.
var ErrClientClosing = errors.New("transport: client is closing")

// Client is one live WebSocket connection. It implements topology.Sender so
// Topology can push outbound frames directly.
type Client struct {
	conn   wsConnection
	router Router
	ID     topology.ClientID

	mu     sync.Mutex
	send   chan []byte
	closed bool

	pingInterval time.Duration
}

// NewClient constructs a Client. A ping is issued every pingInterval; if no
// pong arrives within twice the interval, the read deadline fires and the
// connection is torn down.
func NewClient(id topology.ClientID, conn wsConnection, router Router, pingInterval time.Duration) *Client {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Client{
		conn:         conn,
		send:         make(chan []byte, 256),
		router:       router,
		ID:           id,
		pingInterval: pingInterval,
	}
}

// Send implements topology.Sender: a non-blocking enqueue onto the client's
// outbound channel. A full channel means the client isn't draining fast
// enough; the channel is closed so WritePump shuts the socket down, and
// every later Send reports the client as closing.
func (c *Client) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosing
	}
	select {
	case c.send <- data:
		return nil
	default:
		slog.Warn("client send channel full, closing connection", "client_id", c.ID)
		c.closed = true
		close(c.send)
		return ErrSendChannelFull
	}
}

// closeSend shuts the outbound channel exactly once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump processes inbound frames until the socket errs or closes, then
// notifies the router so Topology.RemoveClient runs exactly once. A panic
// while handling one frame is confined to this connection.
func (c *Client) ReadPump() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in client read pump", "client_id", c.ID, "recovered", r)
		}
		c.router.HandleDisconnect(c.ID)
		c.closeSend()
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("failed to unmarshal inbound frame", "client_id", c.ID, "error", err)
			continue
		}

		// Any well-formed frame counts as liveness, not just pong.
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))

		if frame.Type == "pong" {
			continue
		}
		c.router.HandleMessage(c.ID, frame)
	}
}

// WritePump is the single writer into the socket: it drains the outbound
// channel and interleaves liveness pings, so no other goroutine ever
// touches the connection for writing.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in client write pump", "client_id", c.ID, "recovered", r)
		}
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := 10 * time.Second

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("error writing message", "client_id", c.ID, "error", err)
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
