package ws

import (
	"time"

	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/gofiber/websocket/v2"
)

type connection struct {
	conn       *websocket.Conn
	sess       *hub.Session
	srv        *Server
	writerDone chan struct{}
}

func newConnection(conn *websocket.Conn, sess *hub.Session, srv *Server) *connection {
	return &connection{
		conn:       conn,
		sess:       sess,
		srv:        srv,
		writerDone: make(chan struct{}),
	}
}

// readPump reads frames until the peer goes away or stops answering pings.
// It returns the disconnect reason.
func (c *connection) readPump() string {
	defer func() {
		_ = c.conn.Close()
	}()
	opts := c.srv.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.srv.heartbeat(c.sess)
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err.Error()
			}
			return "closed"
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		if !c.srv.accept(c.sess, data) {
			return "server stopping"
		}
	}
}

// writePump drains the session's outbound queue and keeps the connection
// alive with pings. It exits when the session leaves the hub.
func (c *connection) writePump() {
	opts := c.srv.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case b := <-c.sess.Outbound():
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-c.sess.Done():
			code, text := websocket.CloseNormalClosure, ""
			if c.sess.Evicted() {
				code, text = websocket.CloseTryAgainLater, "fell behind"
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteDeadline)); err != nil {
				return
			}
		}
	}
}
