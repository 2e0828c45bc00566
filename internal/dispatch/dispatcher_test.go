package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/ludistry/internal/protocol"
	"github.com/cory-johannsen/ludistry/internal/registry"
	"github.com/cory-johannsen/ludistry/internal/scripting"
)

type call struct {
	ref     registry.Ref
	peer    string
	payload protocol.Payload
}

// recordingInvoker records calls and detects overlapping entries.
type recordingInvoker struct {
	mu        sync.Mutex
	calls     []call
	active    atomic.Int32
	maxActive atomic.Int32
	block     chan struct{}
	entered   chan struct{}
	errFor    map[registry.Ref]error
	panicFor  map[registry.Ref]bool
}

func (r *recordingInvoker) Invoke(ref registry.Ref, peer scripting.Peer, payload protocol.Payload) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}

	r.mu.Lock()
	r.calls = append(r.calls, call{ref: ref, peer: peer.ID(), payload: payload})
	r.mu.Unlock()

	if r.panicFor[ref] {
		panic("script exploded")
	}
	return r.errFor[ref]
}

func (r *recordingInvoker) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type testPeer struct{ id string }

func (p testPeer) ID() string        { return p.id }
func (p testPeer) Name() string      { return "Player" }
func (p testPeer) SetName(string)    {}
func (p testPeer) Send([]byte) error { return nil }

func newTestDispatcher(t *testing.T, inv Invoker, queueSize int) (*Dispatcher, *registry.Registry, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	reg := registry.New()
	d := New(reg, inv, queueSize, zap.New(core), nil)
	d.Start()
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d, reg, logs
}

func register(t *testing.T, reg *registry.Registry, action string, ref registry.Ref) {
	t.Helper()
	_, _, err := reg.Register(action, ref)
	require.NoError(t, err)
}

func waitForCalls(t *testing.T, inv *recordingInvoker, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(inv.Calls()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestHandleRaw_InvokesRegisteredCallbackOnce(t *testing.T) {
	inv := &recordingInvoker{}
	d, reg, _ := newTestDispatcher(t, inv, 8)
	register(t, reg, "move", 1)

	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`move {"x":1,"y":2}`)))
	waitForCalls(t, inv, 1)

	// give a duplicate invocation a chance to show up
	time.Sleep(20 * time.Millisecond)
	calls := inv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, registry.Ref(1), calls[0].ref)
	assert.Equal(t, "p1", calls[0].peer)
	assert.Equal(t, protocol.Payload{"x": 1.0, "y": 2.0}, calls[0].payload)
}

func TestHandleRaw_UnregisteredActionNoCallbackNoError(t *testing.T) {
	inv := &recordingInvoker{}
	d, reg, logs := newTestDispatcher(t, inv, 8)
	register(t, reg, "known", 1)

	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`unknown {}`)))
	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`known {}`)))
	waitForCalls(t, inv, 1)

	calls := inv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, registry.Ref(1), calls[0].ref)
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("unhandled action").Len())
}

func TestHandleRaw_MalformedLoggedThenRecovers(t *testing.T) {
	inv := &recordingInvoker{}
	d, reg, logs := newTestDispatcher(t, inv, 8)
	register(t, reg, "move", 1)

	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`move {"x":`)))
	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`no-separator`)))
	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`move {"x":3}`)))
	waitForCalls(t, inv, 1)

	calls := inv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, protocol.Payload{"x": 3.0}, calls[0].payload)
	assert.Equal(t, 2, logs.FilterMessage("failed to decode message").Len())
}

func TestDispatch_PreservesPerPeerOrder(t *testing.T) {
	inv := &recordingInvoker{}
	d, reg, _ := newTestDispatcher(t, inv, 4)
	register(t, reg, "step", 1)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, d.Submit(context.Background(), testPeer{"p1"},
			protocol.ActionMessage{Action: "step", Payload: protocol.Payload{"i": float64(i)}}))
	}
	waitForCalls(t, inv, n)

	for i, c := range inv.Calls() {
		assert.Equal(t, float64(i), c.payload["i"])
	}
}

func TestDispatch_CallbackErrorLoggedAndContinues(t *testing.T) {
	inv := &recordingInvoker{errFor: map[registry.Ref]error{1: errors.New("lua: boom")}}
	d, reg, logs := newTestDispatcher(t, inv, 8)
	register(t, reg, "bad", 1)
	register(t, reg, "good", 2)

	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`bad {}`)))
	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`good {}`)))
	waitForCalls(t, inv, 2)

	entries := logs.FilterMessage("callback failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "bad", entries[0].ContextMap()["action"])
}

func TestDispatch_PanicRecovered(t *testing.T) {
	inv := &recordingInvoker{panicFor: map[registry.Ref]bool{1: true}}
	d, reg, logs := newTestDispatcher(t, inv, 8)
	register(t, reg, "explode", 1)
	register(t, reg, "good", 2)

	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`explode {}`)))
	require.NoError(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`good {}`)))
	waitForCalls(t, inv, 2)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("callback failed").Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatch_ConcurrentSubmittersNeverOverlap(t *testing.T) {
	inv := &recordingInvoker{}
	d, reg, _ := newTestDispatcher(t, inv, 16)
	register(t, reg, "inc", 1)

	const peers, perPeer = 10, 50
	var wg sync.WaitGroup
	for p := 0; p < peers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			peer := testPeer{fmt.Sprintf("p%d", p)}
			for i := 0; i < perPeer; i++ {
				assert.NoError(t, d.HandleRaw(context.Background(), peer, []byte(`inc {}`)))
			}
		}(p)
	}
	wg.Wait()
	waitForCalls(t, inv, peers*perPeer)

	assert.Len(t, inv.Calls(), peers*perPeer)
	assert.Equal(t, int32(1), inv.maxActive.Load())
}

func TestSubmit_BlocksWhenQueueFull(t *testing.T) {
	inv := &recordingInvoker{block: make(chan struct{}), entered: make(chan struct{}, 8)}
	d, reg, _ := newTestDispatcher(t, inv, 1)
	register(t, reg, "slow", 1)
	msg := protocol.ActionMessage{Action: "slow", Payload: protocol.Payload{}}

	require.NoError(t, d.Submit(context.Background(), testPeer{"p1"}, msg))
	<-inv.entered // worker is now stuck in the first callback
	require.NoError(t, d.Submit(context.Background(), testPeer{"p1"}, msg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Submit(ctx, testPeer{"p1"}, msg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(inv.block)
	waitForCalls(t, inv, 2)
}

func TestStop_WaitsForInFlightAndDropsQueued(t *testing.T) {
	inv := &recordingInvoker{block: make(chan struct{}), entered: make(chan struct{}, 8)}
	core, _ := observer.New(zap.DebugLevel)
	reg := registry.New()
	d := New(reg, inv, 8, zap.New(core), nil)
	d.Start()
	register(t, reg, "slow", 1)
	msg := protocol.ActionMessage{Action: "slow", Payload: protocol.Payload{}}

	require.NoError(t, d.Submit(context.Background(), testPeer{"p1"}, msg))
	<-inv.entered
	require.NoError(t, d.Submit(context.Background(), testPeer{"p1"}, msg))
	require.NoError(t, d.Submit(context.Background(), testPeer{"p1"}, msg))

	// in-flight callback still blocked: Stop must time out
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Stop(ctx))

	close(inv.block)
	require.NoError(t, d.Stop(context.Background()))

	// only the in-flight callback completed; queued messages were discarded
	assert.Len(t, inv.Calls(), 1)
	assert.ErrorIs(t, d.Submit(context.Background(), testPeer{"p1"}, msg), ErrStopped)
	assert.ErrorIs(t, d.HandleRaw(context.Background(), testPeer{"p1"}, []byte(`slow {}`)), ErrStopped)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, inv.Calls(), 1, "no callback may run after Stop")
}

func TestStop_WithoutStart(t *testing.T) {
	core, _ := observer.New(zap.DebugLevel)
	d := New(registry.New(), &recordingInvoker{}, 1, zap.New(core), nil)
	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	d.Start() // no-op after Stop
	assert.ErrorIs(t, d.Submit(context.Background(), testPeer{"p1"}, protocol.ActionMessage{Action: "x"}), ErrStopped)
}

func TestQuiesce_NoCallbackStartsAfterward(t *testing.T) {
	inv := &recordingInvoker{block: make(chan struct{}), entered: make(chan struct{}, 8)}
	d, reg, _ := newTestDispatcher(t, inv, 8)
	register(t, reg, "slow", 1)
	msg := protocol.ActionMessage{Action: "slow", Payload: protocol.Payload{}}

	require.NoError(t, d.Submit(context.Background(), testPeer{"p1"}, msg))
	<-inv.entered
	require.NoError(t, d.Submit(context.Background(), testPeer{"p1"}, msg))
	require.NoError(t, d.Submit(context.Background(), testPeer{"p1"}, msg))

	d.Quiesce() // returns without waiting for the blocked callback
	assert.ErrorIs(t, d.Submit(context.Background(), testPeer{"p1"}, msg), ErrStopped)

	close(inv.block)
	require.NoError(t, d.Stop(context.Background()))
	assert.Len(t, inv.Calls(), 1)
	assert.Len(t, inv.entered, 0, "queued messages must not reach the invoker")
}
