// Package transport carries the collaboration protocol over WebSockets.
//
// A client connects to /room/{documentId} with a bearer token, sends a join
// frame, and then exchanges op, presence and ack frames. Each connection has
// a bounded operation queue and a bounded presence queue; overflowing the
// operation queue closes the connection and the client resyncs on reconnect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/auth"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/presence"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/room"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/util"
)

type Options struct {
	JoinTimeout       time.Duration
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	OpQueueSize       int
	PresenceQueueSize int
	MaxMessageBytes   int64
	// AllowedOrigin is the browser origin allowed to open sockets, matching
	// the CORS origin of the HTTP API. "*" allows any origin; empty allows
	// only the server's own host. CheckOrigin, when set, replaces it.
	AllowedOrigin string
	CheckOrigin   func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.OpQueueSize <= 0 {
		o.OpQueueSize = 256
	}
	if o.PresenceQueueSize <= 0 {
		o.PresenceQueueSize = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = originChecker(o.AllowedOrigin)
	}
	return o
}

// Rooms is the room manager as seen by the transport.
type Rooms interface {
	Join(ctx context.Context, req room.JoinRequest) (*room.Handle, error)
}

type Presence interface {
	Join(documentID string, sink presence.Sink, meta presence.Meta) []presence.Entry
	Update(documentID, connectionID string, partial map[string]json.RawMessage) (presence.Entry, error)
	Leave(documentID string, sink presence.Sink)
}

// Authenticator returns the verified identity behind a request.
type Authenticator func(r *http.Request) (auth.Identity, error)

type Server struct {
	rooms        Rooms
	presence     Presence
	authenticate Authenticator
	opts         Options
	upgrader     websocket.Upgrader
	log          *zap.Logger
	wg           sync.WaitGroup
}

func NewServer(rooms Rooms, pres Presence, authenticate Authenticator, opts Options, log *zap.Logger) *Server {
	opts = opts.withDefaults()
	return &Server{
		rooms:        rooms,
		presence:     pres,
		authenticate: authenticate,
		opts:         opts,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: opts.CheckOrigin},
		log:          log.Named("transport"),
	}
}

// ServeRoom authenticates the request, upgrades it and runs the connection
// until either side leaves.
func (s *Server) ServeRoom(w http.ResponseWriter, r *http.Request, documentID string) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, syncerr.CodeUnauthorized, "Unauthorized")
		return
	}
	if !util.ValidID(documentID) {
		writeHTTPError(w, http.StatusNotFound, syncerr.CodeNotFound, "Not found")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(r.Context(), ws, identity, documentID)
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) serve(ctx context.Context, ws *websocket.Conn, identity auth.Identity, documentID string) {
	ws.SetReadLimit(s.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.JoinTimeout))

	join, err := readFrame(ws)
	if err != nil || join.Type != FrameJoin {
		s.log.Debug("no join frame", zap.String("documentId", documentID), zap.Error(err))
		reject(ws, s.opts.WriteWait, syncerr.New(syncerr.ErrMalformedOperation, "first frame must be join"))
		return
	}

	connID := join.ConnectionID
	if !util.ValidID(connID) {
		connID = util.NewID("conn")
	}
	c := newConn(connID, identity, ws, s.opts, s.log.With(zap.String("documentId", documentID)))
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump()
	}()
	defer func() {
		c.Close(nil)
		<-written
	}()

	handle, err := s.rooms.Join(ctx, room.JoinRequest{
		DocumentID: documentID,
		Peer:       c,
		UserID:     identity.UserID,
		Version:    join.Version,
		Initial:    join.Initial,
	})
	if err != nil {
		c.log.Info("join rejected", zap.Error(err))
		c.Close(err)
		return
	}
	defer handle.Leave()

	others := s.presence.Join(documentID, c, presence.Meta{
		UserID:    identity.UserID,
		Name:      identity.Name,
		AvatarURL: identity.AvatarURL,
		Color:     identity.Color,
	})
	defer s.presence.Leave(documentID, c)
	if !c.enqueue(c.presence, ServerFrame{Type: FramePresence, Event: PresenceSnapshot, Entries: others}) {
		c.log.Debug("presence snapshot dropped")
	}

	_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	s.readLoop(ctx, c, handle, documentID)
}

func (s *Server) readLoop(ctx context.Context, c *Conn, handle *room.Handle, documentID string) {
	for {
		frame, err := readFrame(c.ws)
		if err != nil {
			var syntax *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typeErr) {
				c.Reply(errorFrame(syncerr.Wrap(syncerr.ErrMalformedOperation, err, "frame is not valid JSON")))
				continue
			}
			logReadError(c.log, err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		switch frame.Type {
		case FrameOp:
			op, err := oplog.Decode(frame.Op)
			if err != nil {
				c.Reply(errorFrame(err))
				continue
			}
			if err := handle.Submit(ctx, op); err != nil {
				if errors.Is(err, syncerr.ErrRoomClosed) {
					return
				}
				c.Reply(opErrorFrame(err, op.ID))
			}
		case FramePresence:
			if _, err := s.presence.Update(documentID, c.id, frame.State); err != nil {
				c.Reply(errorFrame(err))
			}
		case FrameAck:
			if frame.Version != nil {
				handle.Ack(*frame.Version)
			}
		case FrameLeave:
			return
		default:
			c.Reply(errorFrame(syncerr.New(syncerr.ErrMalformedOperation, "unexpected frame type "+frame.Type)))
		}
	}
}

func opErrorFrame(err error, id oplog.OpID) ServerFrame {
	f := errorFrame(err)
	f.OpID = &id
	return f
}

func readFrame(ws *websocket.Conn) (ClientFrame, error) {
	var frame ClientFrame
	_, data, err := ws.ReadMessage()
	if err != nil {
		return frame, err
	}
	err = json.Unmarshal(data, &frame)
	return frame, err
}

func logReadError(log *zap.Logger, err error) {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		log.Debug("peer closed", zap.Error(err))
	case errors.As(err, &ne) && ne.Timeout():
		log.Info("read timeout", zap.Error(err))
	default:
		log.Debug("read failed", zap.Error(err))
	}
}

// reject answers a connection that never joined and closes it.
func reject(ws *websocket.Conn, wait time.Duration, err error) {
	defer ws.Close()
	if data, merr := json.Marshal(errorFrame(err)); merr == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(wait))
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(syncerr.CodeOf(err))), time.Now().Add(wait))
}

func writeHTTPError(w http.ResponseWriter, status int, code syncerr.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "error": message})
}
