package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/auth"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/presence"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/room"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

// Conn is one WebSocket client. Operation frames and presence frames wait in
// separate bounded queues drained by a single writer goroutine.
type Conn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	opts     Options
	log      *zap.Logger

	ops      chan []byte
	presence chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	reason    error
}

func newConn(id string, identity auth.Identity, ws *websocket.Conn, opts Options, log *zap.Logger) *Conn {
	return &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		opts:     opts,
		log:      log.With(zap.String("connectionId", id), zap.String("userId", identity.UserID)),
		ops:      make(chan []byte, opts.OpQueueSize),
		presence: make(chan []byte, opts.PresenceQueueSize),
		closed:   make(chan struct{}),
	}
}

func (c *Conn) ConnectionID() string { return c.id }

// Send queues a room message. It reports false when the operation queue is
// full; the room then drops this connection.
func (c *Conn) Send(msg room.Message) bool {
	frame, err := roomFrame(msg, c.id)
	if err != nil {
		c.log.Error("encode room frame", zap.Error(err))
		return true
	}
	return c.enqueue(c.ops, frame)
}

// SendPresence queues a presence event. A full presence queue loses the
// event and keeps the connection.
func (c *Conn) SendPresence(ev presence.Event) bool {
	return c.enqueue(c.presence, presenceFrame(ev))
}

// Reply sends a frame to this client outside the room, such as an error
// caused by one of its own frames.
func (c *Conn) Reply(frame ServerFrame) bool {
	return c.enqueue(c.ops, frame)
}

func (c *Conn) enqueue(queue chan []byte, frame ServerFrame) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("marshal frame", zap.String("type", frame.Type), zap.Error(err))
		return true
	}
	select {
	case queue <- data:
		return true
	default:
		return false
	}
}

// Close stops the writer, which tells the client why before closing the
// socket. It does not block.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Conn) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writePump owns every write to the socket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.writeClose(c.closeReason())
			return
		case data := <-c.ops:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close(nil)
				return
			}
		case data := <-c.presence:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close(nil)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.opts.WriteWait)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.Close(nil)
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}

// writeClose sends an error frame for taxonomy errors, then the close frame.
// An overflowing connection gets only the close frame since its queue is
// what fell behind.
func (c *Conn) writeClose(reason error) {
	code := websocket.CloseNormalClosure
	text := ""
	var e *syncerr.Error
	if errors.As(reason, &e) {
		text = string(e.Code)
		code = websocket.ClosePolicyViolation
		if e.Retryable {
			code = websocket.CloseTryAgainLater
		}
		if !errors.Is(reason, syncerr.ErrConnectionOverflow) {
			if data, err := json.Marshal(errorFrame(reason)); err == nil {
				_ = c.write(websocket.TextMessage, data)
			}
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.opts.WriteWait))
}
