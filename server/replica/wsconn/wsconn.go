// Package wsconn carries replica blocks and query frames to a device over a websocket.
package wsconn

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deuxdrop/chat/server/logs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Default time allowed to read the next pong message from the peer.
	defaultPongWait = 55 * time.Second

	// Default limit of the outbound queue.
	defaultQueueLimit = 128
)

var (
	// ErrClosed is returned by Send after the connection is closed.
	ErrClosed = errors.New("wsconn: connection closed")
	// ErrQueueFull is returned by Send when the peer does not keep up.
	ErrQueueFull = errors.New("wsconn: outbound queue limit exceeded")
)

// Options tune a connection. Zero values mean defaults.
type Options struct {
	PongWait       time.Duration
	QueueLimit     int
	MaxMessageSize int64
}

// Conn is a websocket connection of one device. It implements replica.Transport.
type Conn struct {
	ws       *websocket.Conn
	id       string
	send     chan []byte
	stop     chan struct{}
	once     sync.Once
	pongWait time.Duration
	maxSize  int64
}

// New wraps an upgraded websocket.
func New(ws *websocket.Conn, id string, opts Options) *Conn {
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = defaultQueueLimit
	}
	return &Conn{
		ws:       ws,
		id:       id,
		send:     make(chan []byte, opts.QueueLimit),
		stop:     make(chan struct{}),
		pongWait: opts.PongWait,
		maxSize:  opts.MaxMessageSize,
	}
}

// ID returns the connection id used in logs.
func (c *Conn) ID() string {
	return c.id
}

// Send queues the data for the write loop. It never blocks.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		logs.Err.Println("ws: outbound queue limit exceeded", c.id)
		return ErrQueueFull
	}
}

// Close stops the write loop which in turn breaks the read loop.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.stop)
	})
	return nil
}

// ReadLoop reads messages and hands them to the handler until the peer goes away.
// It returns after the socket is closed.
func (c *Conn) ReadLoop(handler func(raw []byte)) {
	defer func() {
		c.Close()
		c.ws.Close()
	}()

	if c.maxSize > 0 {
		c.ws.SetReadLimit(c.maxSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", c.id, err)
			}
			return
		}
		handler(raw)
	}
}

// WriteLoop writes queued messages and pings the peer. It returns when the connection
// is closed or a write fails.
func (c *Conn) WriteLoop() {
	ticker := time.NewTicker((c.pongWait * 9) / 10)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := wsWrite(c.ws, websocket.TextMessage, msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop", c.id, err)
				}
				return
			}

		case <-c.stop:
			// Flush what is already queued, don't care if it's delivered.
			for {
				select {
				case msg := <-c.send:
					wsWrite(c.ws, websocket.TextMessage, msg)
				default:
					wsWrite(c.ws, websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			if err := wsWrite(c.ws, websocket.PingMessage, nil); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", c.id, err)
				}
				return
			}
		}
	}
}

// Writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, msg []byte) error {
	if msg == nil {
		msg = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, msg)
}
