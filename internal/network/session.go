package network

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionName is the display name given to every new session.
const DefaultSessionName = "Player"

// ErrSessionClosed is returned by Send and Close once the session is closed.
var ErrSessionClosed = errors.New("network: session closed")

// Session is one connected client. Writes are serialized; the underlying
// connection is closed exactly once.
type Session struct {
	id  string
	raw net.Conn

	writeTimeout time.Duration
	writeMu      sync.Mutex

	nameMu sync.RWMutex
	name   string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wraps raw with a fresh ID and the given display name.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Session that owns raw.
func NewSession(raw net.Conn, name string, writeTimeout time.Duration) *Session {
	return &Session{
		id:           uuid.NewString(),
		raw:          raw,
		writeTimeout: writeTimeout,
		name:         name,
		closed:       make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Name returns the display name.
func (s *Session) Name() string {
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	return s.name
}

// SetName updates the display name.
func (s *Session) SetName(name string) {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	s.name = name
}

// Send writes data to the client as-is.
//
// Postcondition: data is written, or an error is returned. Returns
// ErrSessionClosed without touching the connection after Close.
func (s *Session) Send(data []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.raw.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := s.raw.Write(data)
	return err
}

// Close closes the underlying connection.
//
// Postcondition: The connection is closed. Calls after the first return
// ErrSessionClosed and leave the connection untouched.
func (s *Session) Close() error {
	err := ErrSessionClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.raw.Close()
	})
	return err
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// RemoteAddr returns the remote network address of the client.
func (s *Session) RemoteAddr() net.Addr {
	return s.raw.RemoteAddr()
}
