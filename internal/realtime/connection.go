package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	sendBufferSize = 128
)

var ErrConnectionClosed = errors.New("connection closed")

// socket is the subset of *websocket.Conn a Connection drives.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
	SetReadLimit(int64)
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetPongHandler(func(string) error)
	Close() error
}

// Connection wraps one websocket. Outbound frames go through a buffered
// channel drained by a single writer goroutine; Send is safe for concurrent use.
type Connection struct {
	ID     string
	UserID string

	ws     socket
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func NewConnection(userID string, ws *websocket.Conn) *Connection {
	return newConnection(userID, ws)
}

func newConnection(userID string, ws socket) *Connection {
	return &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Start launches the write loop. Call it once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues a frame. A client whose buffer is full is disconnected so a
// slow reader never stalls a broadcast.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case <-c.closed:
		return ErrConnectionClosed
	case c.send <- frame:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// Close terminates the connection once; later calls are no-ops. It marks the
// connection closed and returns; the close frame and socket teardown happen
// on their own goroutine, since the frame may wait behind a stuck write.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		go c.teardown(code, reason)
	})
}

func (c *Connection) teardown(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = c.ws.Close()
}

// Done is closed when the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// ReadLoop blocks, handing every inbound text frame to handle, until the
// peer goes away or the connection is closed.
func (c *Connection) ReadLoop(handle func([]byte)) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(payload)
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
