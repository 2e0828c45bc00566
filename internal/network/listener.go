// Package network accepts TCP clients and runs one receive loop per session.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cory-johannsen/ludistry/internal/config"
	"github.com/cory-johannsen/ludistry/internal/observability"
	"github.com/cory-johannsen/ludistry/internal/protocol"
	"github.com/cory-johannsen/ludistry/internal/registry"
	"github.com/cory-johannsen/ludistry/internal/scripting"
)

var (
	// ErrListenerStopped is returned by ServeConn and Start once Stop has been called.
	ErrListenerStopped = errors.New("network: listener stopped")
	// ErrConnectionLimit is returned by ServeConn when max_connections sessions are active.
	ErrConnectionLimit = errors.New("network: connection limit reached")
)

// DefaultShutdownTimeout bounds how long Stop waits for the in-flight callback.
const DefaultShutdownTimeout = 5 * time.Second

// Handler consumes raw messages received on a session.
type Handler interface {
	// HandleRaw processes one message. A non-nil error ends the session.
	HandleRaw(ctx context.Context, peer scripting.Peer, raw []byte) error
	// Quiesce stops new callbacks from starting without waiting for the
	// in-flight one.
	Quiesce()
	// Stop quiesces, then waits for the in-flight callback until ctx ends.
	Stop(ctx context.Context) error
}

// Listener accepts TCP connections, owns the session table and feeds every
// received message to a Handler.
type Listener struct {
	cfg      config.ListenerConfig
	handler  Handler
	registry *registry.Registry
	release  func(registry.Ref)
	logger   *zap.Logger

	// Optional; set before Start.
	Metrics         *observability.Metrics
	ShutdownTimeout time.Duration

	listener net.Listener
	slots    *semaphore.Weighted

	sessMu   sync.RWMutex
	sessions map[string]*Session // session ID → session

	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	running bool
	stopped bool
}

// NewListener creates a Listener. release is applied to every registry entry
// when the listener stops.
//
// Precondition: handler, reg, release and logger must be non-nil.
// Postcondition: Returns a Listener ready for Start.
func NewListener(cfg config.ListenerConfig, handler Handler, reg *registry.Registry, release func(registry.Ref), logger *zap.Logger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:             cfg,
		handler:         handler,
		registry:        reg,
		release:         release,
		logger:          logger,
		ShutdownTimeout: DefaultShutdownTimeout,
		sessions:        make(map[string]*Session),
		ctx:             ctx,
		cancel:          cancel,
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		l.slots = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return l
}

// Start binds the configured address and launches the accept loop. Bind and
// listen failures are returned so the caller can abort the process.
//
// Precondition: The listener must not already be running or stopped.
// Postcondition: On nil error the listener is accepting connections.
func (l *Listener) Start() error {
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrListenerStopped
	}
	if l.running {
		return errors.New("network: listener already running")
	}

	ln, err := net.Listen("tcp", l.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.cfg.Addr(), err)
	}
	l.listener = ln
	l.running = true

	l.acceptWG.Add(1)
	go l.acceptLoop(ln)

	l.logger.Info("server started",
		zap.String("addr", ln.Addr().String()),
		zap.Int("backlog", l.cfg.Backlog),
		zap.String("framing", l.cfg.Framing),
		zap.Int("max_connections", l.cfg.MaxConnections),
		zap.Duration("startup", time.Since(start)),
	)
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.acceptWG.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				l.logger.Error("listener closed unexpectedly", zap.Error(err))
				return
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			l.logger.Error("failed to accept client", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if _, err := l.ServeConn(conn); err != nil {
			l.logger.Warn("connection refused",
				zap.String("remote_addr", conn.RemoteAddr().String()),
				zap.Error(err),
			)
		}
	}
}

// ServeConn registers conn as a new session and starts its receive loop.
//
// Postcondition: Returns the session, or closes conn and returns
// ErrListenerStopped or ErrConnectionLimit.
func (l *Listener) ServeConn(conn net.Conn) (*Session, error) {
	if l.slots != nil && !l.slots.TryAcquire(1) {
		l.Metrics.ConnectionRejected()
		_ = conn.Close()
		return nil, ErrConnectionLimit
	}

	sess := NewSession(conn, DefaultSessionName, l.cfg.WriteTimeout)

	l.sessMu.Lock()
	select {
	case <-l.quit:
		l.sessMu.Unlock()
		l.releaseSlot()
		_ = conn.Close()
		return nil, ErrListenerStopped
	default:
	}
	l.sessions[sess.ID()] = sess
	l.connWG.Add(1)
	l.sessMu.Unlock()

	l.Metrics.SessionOpened()
	l.logger.Info("client connected",
		zap.String("session", sess.ID()),
		zap.String("name", sess.Name()),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	go l.receiveLoop(sess)
	return sess, nil
}

// receiveLoop reads messages from sess until disconnect, error or shutdown.
// On exit the session leaves the table and its connection is closed.
func (l *Listener) receiveLoop(sess *Session) {
	start := time.Now()
	defer l.connWG.Done()
	defer l.removeSession(sess, start)
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("receive loop panicked",
				zap.String("session", sess.ID()),
				zap.Any("panic", p),
			)
		}
	}()

	framer, err := protocol.NewFramer(l.cfg.Framing, sess.raw, l.cfg.ReadBufferSize)
	if err != nil {
		l.logger.Error("creating framer", zap.String("session", sess.ID()), zap.Error(err))
		return
	}

	for {
		if l.cfg.ReadTimeout > 0 {
			_ = sess.raw.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		}

		raw, err := framer.Next()
		if err != nil {
			l.logReceiveEnd(sess, err)
			return
		}

		if err := l.handler.HandleRaw(l.ctx, sess, raw); err != nil {
			l.logger.Debug("handler refused message, closing session",
				zap.String("session", sess.ID()),
				zap.Error(err),
			)
			return
		}
	}
}

func (l *Listener) logReceiveEnd(sess *Session, err error) {
	switch {
	case l.isStopping() || sess.IsClosed():
		l.logger.Debug("session closed locally", zap.String("session", sess.ID()))
	case errors.Is(err, io.EOF):
		l.logger.Info("client disconnected",
			zap.String("session", sess.ID()),
			zap.String("name", sess.Name()),
		)
	case isTimeout(err):
		l.logger.Info("client idle timeout",
			zap.String("session", sess.ID()),
			zap.Duration("read_timeout", l.cfg.ReadTimeout),
		)
	default:
		l.logger.Error("error receiving data from client",
			zap.String("session", sess.ID()),
			zap.Error(err),
		)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (l *Listener) removeSession(sess *Session, start time.Time) {
	if err := sess.Close(); err != nil && !errors.Is(err, ErrSessionClosed) {
		l.logger.Debug("closing session", zap.String("session", sess.ID()), zap.Error(err))
	}
	// free the slot first: a session missing from the table never holds one
	l.releaseSlot()

	l.sessMu.Lock()
	delete(l.sessions, sess.ID())
	l.sessMu.Unlock()
	l.Metrics.SessionClosed()
	l.logger.Info("session ended",
		zap.String("session", sess.ID()),
		zap.Duration("duration", time.Since(start)),
	)
}

func (l *Listener) releaseSlot() {
	if l.slots != nil {
		l.slots.Release(1)
	}
}

func (l *Listener) isStopping() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

// Stop quiesces the handler so no further callback starts, closes the
// listening socket, closes every session, waits for the accept loop and all
// receive loops, waits for the in-flight callback and finally releases every
// registered callback. Safe to call from any goroutine; later calls wait for
// the first to finish.
//
// Postcondition: No goroutine started by the listener is running, the
// session table is empty and the registry is released.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	l.running = false
	ln := l.listener
	l.mu.Unlock()

	start := time.Now()

	l.handler.Quiesce()
	close(l.quit)
	l.cancel()
	if ln != nil {
		_ = ln.Close()
	}
	l.acceptWG.Wait()

	l.sessMu.RLock()
	open := make([]*Session, 0, len(l.sessions))
	for _, sess := range l.sessions {
		open = append(open, sess)
	}
	l.sessMu.RUnlock()
	for _, sess := range open {
		_ = sess.Close()
	}
	l.connWG.Wait()

	timeout := l.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.handler.Stop(ctx); err != nil {
		// Releasing still serializes behind the in-flight callback in the runtime.
		l.logger.Error("dispatcher did not stop in time", zap.Error(err))
	}

	l.registry.ReleaseAll(l.release)
	l.Metrics.SetRegisteredCallbacks(0)
	close(l.done)

	l.logger.Info("listener stopped",
		zap.Int("closed_sessions", len(open)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// Done is closed once Stop has completed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Broadcast sends data to every connected session.
//
// Postcondition: Returns the number of sessions the data was written to.
func (l *Listener) Broadcast(data []byte) int {
	sent := 0
	for _, sess := range l.Sessions() {
		if err := sess.Send(data); err != nil {
			l.logger.Debug("broadcast send failed", zap.String("session", sess.ID()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Sessions returns a snapshot of the connected sessions.
func (l *Listener) Sessions() []*Session {
	l.sessMu.RLock()
	defer l.sessMu.RUnlock()
	out := make([]*Session, 0, len(l.sessions))
	for _, sess := range l.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of connected sessions.
func (l *Listener) Count() int {
	l.sessMu.RLock()
	defer l.sessMu.RUnlock()
	return len(l.sessions)
}

// Addr returns the actual listening address, or empty string if not listening.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil && l.running {
		return l.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the listener is accepting connections. It turns
// false as soon as Stop begins.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
