// Package transport implements the client message channel: a
// gorilla/websocket gateway that upgrades incoming connections, decodes
// the JSON envelope client messages carry, and dispatches each to the
// Session Runner, Fan-out, ask-user Bridge, or chat queue. It is the
// concrete Conn the proxy package's buffered fan-out writes frames to.
package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentforge/orchestrator/internal/logger"
)

const (
	// writeWait bounds how long a single websocket write may take.
	writeWait = 10 * time.Second
	// pongWait bounds how long the connection tolerates silence from the
	// client before it's considered dead.
	pongWait = 60 * time.Second
	// pingPeriod keeps the server's keepalive pings comfortably inside
	// pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds one inbound client message.
	maxMessageSize = 1 << 20

	// sendBacklog bounds the per-connection outbound queue; a slow
	// client that can't keep up gets its write dropped rather than
	// blocking the broadcaster that queued it.
	sendBacklog = 256
)

var errConnBacklogFull = errors.New("transport: connection send backlog full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps one client's websocket connection. It satisfies proxy.Conn so
// the fan-out can treat it as an opaque frame sink; all actual writes are
// serialized through writePump, since gorilla/websocket forbids concurrent
// writers on the same connection.
type Conn struct {
	ws        *websocket.Conn
	send      chan []byte
	logger    *logger.Logger
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, log *logger.Logger) *Conn {
	return &Conn{ws: ws, send: make(chan []byte, sendBacklog), logger: log}
}

// WriteMessage implements proxy.Conn: it enqueues raw for the write pump
// rather than writing synchronously, so a frame emitted from whichever
// goroutine is driving the turn never races with the pump's own pings.
// After Close it returns an error instead of sending on the closed queue.
func (c *Conn) WriteMessage(raw []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = errors.New("transport: connection closed")
		}
	}()
	select {
	case c.send <- raw:
		return nil
	default:
		return errConnBacklogFull
	}
}

// writePump owns the connection's write side: it drains send, writing
// each frame as a text message, and pings on pingPeriod to keep the
// connection alive through idle intermediaries.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 1001 going-away: the server is shutting the channel down,
				// not reporting a protocol error.
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump owns the connection's read side, handing each decoded message
// to handle until the connection errors or closes.
func (c *Conn) readPump(handle func(raw []byte)) {
	defer c.ws.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		handle(raw)
	}
}

// Close shuts down the write pump, which sends the client a going-away
// close frame on its way out. Safe to call more than once: the gateway
// closes a connection when its read pump exits, and graceful shutdown
// closes every connection still attached to the fan-out.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.send) })
	return nil
}
