package relay

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/burrow/internal/proto"
)

// Session is one registered forward: the agent's control connection for
// a public port. Frame writes are serialized so notifications from
// concurrent accept handlers and keepalives from the read loop never
// interleave on the socket.
type Session struct {
	port         uint16
	conn         net.Conn
	registeredAt time.Time

	wmu sync.Mutex
}

func newSession(port uint16, conn net.Conn) *Session {
	return &Session{port: port, conn: conn, registeredAt: time.Now()}
}

// RemoteAddr returns the agent's address for logs.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// SendNewConn tells the agent to open a data channel for id.
func (s *Session) SendNewConn(id uuid.UUID, timeout time.Duration) error {
	return s.send(timeout, func() error { return proto.WriteNewConn(s.conn, id) })
}

// SendHeartbeat emits a keepalive frame.
func (s *Session) SendHeartbeat(timeout time.Duration) error {
	return s.send(timeout, func() error { return proto.WriteHeartbeat(s.conn) })
}

func (s *Session) send(timeout time.Duration, write func() error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return write()
}

// Close closes the control connection. The session's read loop notices
// and deregisters.
func (s *Session) Close() error { return s.conn.Close() }

// Pending is an external connection waiting for the agent's data
// channel. Buffered holds bytes already consumed from the socket before
// pairing; they are flushed onto the data channel before pumping starts.
type Pending struct {
	ID       uuid.UUID
	Port     uint16
	Conn     net.Conn
	Buffered []byte
	Created  time.Time
}
