package transport

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ogent-io/ogent/shared/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the Controller waits for a pong reply after
	// sending a ping before considering the connection dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the Agent has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds a single incoming frame. Progress frames carry
	// output one line at a time (stdout_chunk/stderr_chunk); command_result
	// carries the full stdout/stderr buffers in one frame and is not chunked.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of a session's outbound frame channel.
	// A session whose buffer fills up is considered too slow and is closed.
	sendBufferSize = 64
)

// ErrSessionClosed is returned by Send once the session's connection has
// been torn down.
var ErrSessionClosed = errors.New("transport: session closed")

// upgrader performs the HTTP → WebSocket protocol upgrade. Origin
// validation is left to the reverse proxy in front of the Controller.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EnvelopeHandler processes one decoded frame received from the Agent on
// sess. Implemented by the Router.
type EnvelopeHandler func(sess *Session, env protocol.Envelope)

// CloseHandler is invoked exactly once when a session's connection tears
// down, after its removal has been queued with the Hub. Implemented by the Router
// to evict the agent bound to this session.
type CloseHandler func(sessionID string)

// Session represents one live, bidirectional connection to an Agent. It
// runs two goroutines: readPump (decodes inbound frames, detects
// disconnection) and writePump (serialises outbound frames onto the wire,
// the only goroutine allowed to write to conn).
type Session struct {
	id     string
	hub    *Hub
	conn    *websocket.Conn
	send    chan protocol.Envelope
	onRecv  EnvelopeHandler
	onClose CloseHandler
	logger  *zap.Logger

	closeOnce chan struct{}
}

// NewSession upgrades the HTTP connection to a WebSocket and wraps it in a
// Session. onRecv is invoked synchronously from readPump for every decoded
// frame — handlers must not block. onClose is invoked once the connection
// has torn down and the session's removal has been queued with the hub; it
// may be nil.
func NewSession(hub *Hub, w http.ResponseWriter, r *http.Request, onRecv EnvelopeHandler, onClose CloseHandler, logger *zap.Logger) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sess := &Session{
		id:        id,
		hub:       hub,
		conn:      conn,
		send:      make(chan protocol.Envelope, sendBufferSize),
		onRecv:    onRecv,
		onClose:   onClose,
		logger:    logger.With(zap.String("session_id", id), zap.String("remote_addr", r.RemoteAddr)),
		closeOnce: make(chan struct{}),
	}
	return sess, nil
}

// ID returns the session's transport-assigned identifier, distinct from
// the agent_id the Agent registers with.
func (s *Session) ID() string { return s.id }

// Send enqueues env for delivery to the Agent. Non-blocking: if the send
// buffer is full the session is closed rather than let a slow Agent
// backpressure the Router.
func (s *Session) Send(env protocol.Envelope) error {
	select {
	case s.send <- env:
		return nil
	default:
	}

	select {
	case <-s.closeOnce:
		return ErrSessionClosed
	default:
	}

	s.hub.Unsubscribe(s)
	return ErrSessionClosed
}

// Close tears down the underlying connection. Safe to call multiple times
// and concurrently with Run.
func (s *Session) Close() error {
	select {
	case <-s.closeOnce:
	default:
		close(s.closeOnce)
	}
	return s.conn.Close()
}

// Run registers the session with the hub and starts the read and write
// pumps. Blocks until the connection closes.
func (s *Session) Run() {
	s.hub.Subscribe(s)

	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer func() {
		s.hub.Unsubscribe(s)
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s.id)
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("transport: failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env protocol.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("transport: unexpected close", zap.Error(err))
			}
			return
		}
		s.onRecv(s, env)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("transport: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Warn("transport: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("transport: failed to set write deadline", zap.Error(err))
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("transport: ping error", zap.Error(err))
				return
			}
		}
	}
}
