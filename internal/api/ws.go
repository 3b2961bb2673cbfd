package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = time.Second
	wsSendBuffer = 256
)

var errClientClosed = errors.New("websocket client closed")

// wsClient adapts one websocket connection to the market-data fan-out.
// Frames are queued on a buffered channel and written by a single pump,
// so the fan-out never blocks on the socket itself.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues a frame, failing if the client is gone or the queue stays
// full past the context deadline. A failure here gets the subscriber
// dropped by the fan-out.
func (c *wsClient) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump discards client frames; it exists to observe disconnects.
func (c *wsClient) readPump() {
	defer c.close()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// handleWebSocket subscribes a connection to one symbol's market data. The
// first frame is always a unicast, unrated snapshot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if !s.pipeline.HasSymbol(symbol) {
		s.writeErrors(w, http.StatusBadRequest, "unknown symbol")
		return
	}

	depth := 0
	if d := r.URL.Query().Get("depth"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			depth = n
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := newWSClient(conn)
	connID := s.fanout.Subscribe(symbol, client)

	go client.writePump()

	snap, err := s.pipeline.Snapshot(symbol, depth)
	if err == nil {
		s.fanout.SendSnapshot(symbol, connID, snap)
	}

	go func() {
		client.readPump()
		s.fanout.Unsubscribe(symbol, connID)
	}()
}
