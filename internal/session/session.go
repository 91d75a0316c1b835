package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"biodata-backend/internal/clock"
)

const (
	writeWait = 10 * time.Second
	// sendQueue is how many outbound frames a session buffers before it is
	// treated as a slow consumer.
	sendQueue = 32
)

var (
	// ErrSendQueueFull is returned by Send when the peer is not keeping up.
	ErrSendQueueFull = errors.New("session send queue is full")
	// ErrSessionClosed is returned by Send after the session was closed.
	ErrSessionClosed = errors.New("session is closed")
)

// Close reasons reported by CloseReason.
const (
	ReasonClosed          = "websocket_close"
	ReasonAuthTimeout     = "auth_timeout"
	ReasonLivenessTimeout = "timeout"
	ReasonSlowConsumer    = "slow_consumer"
)

// Conn is the part of *websocket.Conn a session uses. WriteControl and Close
// may be called concurrently with WriteMessage.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one WebSocket connection. Its identity is set at most once.
// Data frames are queued and written by the session's own write pump.
type Session struct {
	id     string
	remote string
	conn   Conn
	send   chan []byte
	done   chan struct{}

	mu          sync.Mutex
	identity    string
	lastSeen    time.Time
	alive       bool
	closed      bool
	closeReason string
	authTimer   clock.Timer
}

func newSession(conn Conn, remote string, now time.Time) *Session {
	return &Session{
		id:       uuid.NewString(),
		remote:   remote,
		conn:     conn,
		send:     make(chan []byte, sendQueue),
		done:     make(chan struct{}),
		lastSeen: now,
		alive:    true,
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Remote returns the peer address.
func (s *Session) Remote() string { return s.remote }

// Identity returns the identity, or "" before identification.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Touch records inbound activity of any kind.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
	s.alive = true
}

// LastSeen returns the time of the last inbound activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// CloseReason returns why the server closed the session, or
// ReasonClosed when the peer went away.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		return ReasonClosed
	}
	return s.closeReason
}

// Send queues a text frame without blocking.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writePump writes queued frames until the session closes. A failed write
// closes the session.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close(ReasonClosed)
				return
			}
		}
	}
}

func (s *Session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close closes the connection once and records reason.
func (s *Session) close(reason string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.closeReason = reason
	close(s.done)
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()

	code := websocket.ClosePolicyViolation
	if reason == ReasonClosed {
		code = websocket.CloseGoingAway
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = s.conn.Close()
	return true
}
