// Package dispatch routes decoded client messages to script callbacks.
//
// Connection goroutines submit messages into a bounded FIFO queue; one worker
// goroutine drains it and is the only caller of the script runtime for
// callback traffic. Messages from one connection are therefore invoked in
// arrival order, and no two callbacks ever run at the same time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/ludistry/internal/observability"
	"github.com/cory-johannsen/ludistry/internal/protocol"
	"github.com/cory-johannsen/ludistry/internal/registry"
	"github.com/cory-johannsen/ludistry/internal/scripting"
)

// ErrStopped is returned by Submit and HandleRaw once Stop has been called.
var ErrStopped = errors.New("dispatch: stopped")

// Invoker calls the script callback behind a ref.
type Invoker interface {
	Invoke(ref registry.Ref, peer scripting.Peer, payload protocol.Payload) error
}

type job struct {
	peer scripting.Peer
	msg  protocol.ActionMessage
}

// Dispatcher resolves actions through the registry and invokes callbacks
// through the Invoker, one at a time.
type Dispatcher struct {
	registry *registry.Registry
	invoker  Invoker
	logger   *zap.Logger
	metrics  *observability.Metrics

	queue chan job
	quit  chan struct{}
	done  chan struct{}

	// stopped is checked by the worker immediately before each invocation.
	stopped atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Dispatcher with a queue of queueSize messages.
//
// Precondition: reg, invoker and logger must be non-nil; queueSize > 0.
// metrics may be nil.
// Postcondition: Returns a Dispatcher ready for Start.
func New(reg *registry.Registry, invoker Invoker, queueSize int, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		invoker:  invoker,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan job, queueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calls after the first, or after Stop, are no-ops.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// HandleRaw decodes raw and submits it. Decode failures are logged and
// swallowed: the message is dropped and nil is returned so the connection
// stays open.
//
// Postcondition: Returns ErrStopped after Stop, or ctx.Err() if ctx ends while
// the queue is full.
func (d *Dispatcher) HandleRaw(ctx context.Context, peer scripting.Peer, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		d.metrics.DecodeFailed()
		d.logger.Error("failed to decode message",
			zap.String("session", peer.ID()),
			zap.Int("bytes", len(raw)),
			zap.Error(err),
		)
		return nil
	}
	return d.Submit(ctx, peer, msg)
}

// Submit queues msg for dispatch, blocking while the queue is full.
//
// Postcondition: Returns nil once queued, ErrStopped after Stop, or ctx.Err().
func (d *Dispatcher) Submit(ctx context.Context, peer scripting.Peer, msg protocol.ActionMessage) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	select {
	case d.queue <- job{peer: peer, msg: msg}:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	case <-d.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			d.drain()
			return
		case j := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.dispatch(j)
		}
	}
}

// drain discards messages still queued at shutdown.
func (d *Dispatcher) drain() {
	dropped := 0
	for {
		select {
		case <-d.queue:
			dropped++
			d.metrics.MessageDispatched(observability.OutcomeDropped, 0)
		default:
			d.metrics.SetQueueDepth(0)
			if dropped > 0 {
				d.logger.Info("dropped queued messages at shutdown", zap.Int("count", dropped))
			}
			return
		}
	}
}

func (d *Dispatcher) dispatch(j job) {
	if d.stopped.Load() {
		d.metrics.MessageDispatched(observability.OutcomeDropped, 0)
		return
	}

	ref, ok := d.registry.Lookup(j.msg.Action)
	if !ok {
		d.metrics.MessageDispatched(observability.OutcomeUnhandled, 0)
		d.logger.Debug("unhandled action",
			zap.String("action", j.msg.Action),
			zap.String("session", j.peer.ID()),
		)
		return
	}

	start := time.Now()
	err := d.invoke(ref, j)
	elapsed := time.Since(start)
	if err != nil {
		d.metrics.MessageDispatched(observability.OutcomeFailed, elapsed)
		d.metrics.CallbackFailed(j.msg.Action)
		d.logger.Error("callback failed",
			zap.String("action", j.msg.Action),
			zap.String("session", j.peer.ID()),
			zap.Error(err),
		)
		return
	}
	d.metrics.MessageDispatched(observability.OutcomeHandled, elapsed)
}

// invoke converts a panic in the invoker into an error.
func (d *Dispatcher) invoke(ref registry.Ref, j job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback panicked: %v", p)
		}
	}()
	return d.invoker.Invoke(ref, j.peer, j.msg.Payload)
}

// Quiesce stops accepting messages and guarantees no further callback
// starts. It does not wait for the in-flight callback. Safe to call more than
// once and from any goroutine.
//
// Postcondition: Submit returns ErrStopped; queued messages will be discarded.
func (d *Dispatcher) Quiesce() {
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		close(d.quit)
		// a dispatcher that never started has no worker to close done
		d.startOnce.Do(func() { close(d.done) })
	})
}

// Stop quiesces the dispatcher, then waits for the in-flight callback to
// finish and for anything still queued to be discarded.
//
// Postcondition: No callback starts after Stop returns nil. Returns an error if
// ctx ends before the worker exits; the worker still exits once the
// in-flight callback returns.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.Quiesce()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight dispatch: %w", ctx.Err())
	}
}
