package feed

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	writeWait      = 10 * time.Second
	sendBuffer     = 64
)

// client is one WebSocket connection.
type client struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex

	dropped atomic.Int64
}

func (s *Server) newClient(conn *websocket.Conn) *client {
	return &client{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, sendBuffer),
		done:   make(chan struct{}),
	}
}

// readPump handles calls until the socket closes. Calls are answered in
// order.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	readWait := 2 * c.server.cfg.PingInterval
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.log.WithField("client", c.id).WithError(err).Warn("websocket read failed")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *client) handleMessage(message []byte) {
	var req rpcRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.Send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "Parse error"}})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	resp := c.server.call(ctx, req)
	cancel()
	// Notifications get no response.
	if req.ID != nil {
		c.Send(resp)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.WithField("client", c.id).WithError(err).Warn("websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"))
			return
		}
	}
}

// Send queues msg. A slow client loses messages rather than stalling the
// broadcast.
func (c *client) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		if c.dropped.Add(1) == 1 {
			c.server.log.Warn("client %d is not keeping up, dropping messages", c.id)
		}
	}
}

// Close is safe to call more than once.
func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}
