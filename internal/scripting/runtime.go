package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/ludistry/internal/observability"
	"github.com/cory-johannsen/ludistry/internal/protocol"
	"github.com/cory-johannsen/ludistry/internal/registry"
)

var (
	// ErrUnknownRef is returned by Invoke for a ref that was never issued or was released.
	ErrUnknownRef = errors.New("scripting: unknown callback ref")
	// ErrPathEscapes is returned when a script path resolves outside the runtime root.
	ErrPathEscapes = errors.New("scripting: path escapes script root")
	// ErrClosed is returned by every entry point after Close.
	ErrClosed = errors.New("scripting: runtime closed")
)

// Peer is the view of a connected session that scripts operate on.
type Peer interface {
	ID() string
	Name() string
	SetName(name string)
	Send(data []byte) error
}

// Runtime owns one sandboxed LState and the table of callback refs issued to
// the registry.
//
// The LState is not safe for concurrent use. Every entry point holds mu for
// its whole duration, so at most one goroutine is ever inside the VM.
type Runtime struct {
	mu        sync.Mutex
	L         *lua.LState
	root      string
	instLimit int
	registry  *registry.Registry
	refs      map[registry.Ref]*lua.LFunction
	nextRef   registry.Ref
	closed    bool
	logger    *zap.Logger

	// Injected after construction. nil = no-op in net.* functions.
	Broadcast    func(data []byte) int
	SessionCount func() int
	Metrics      *observability.Metrics
}

// NewRuntime creates a Runtime rooted at root. Scripts loaded through LoadFile
// or include() must resolve inside root.
//
// Precondition: root must be an existing directory; reg and logger must be non-nil.
// Postcondition: Returns a Runtime with net, engine, include, GAME and the
// Session type registered, or an error if root cannot be resolved.
func NewRuntime(root string, instLimit int, reg *registry.Registry, logger *zap.Logger) (*Runtime, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("scripting: resolving root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("scripting: resolving root %q: %w", root, err)
	}
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}

	r := &Runtime{
		L:         NewSandboxedState(),
		root:      resolved,
		instLimit: instLimit,
		registry:  reg,
		refs:      make(map[registry.Ref]*lua.LFunction),
		logger:    logger,
	}
	r.registerModules()
	return r, nil
}

// Root returns the resolved script root directory.
func (r *Runtime) Root() string { return r.root }

// Do runs fn with exclusive access to the LState under the instruction budget.
//
// Precondition: fn must not retain L after returning.
func (r *Runtime) Do(fn func(L *lua.LState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return withBudget(r.L, r.instLimit, func() error { return fn(r.L) })
}

// LoadFile executes the script at path, resolved relative to the root.
//
// Postcondition: Returns ErrPathEscapes if path resolves outside the root, or
// the Lua load/runtime error.
func (r *Runtime) LoadFile(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return withBudget(r.L, r.instLimit, func() error { return r.loadFileLocked(path) })
}

// loadFileLocked resolves and runs path. The caller holds mu.
func (r *Runtime) loadFileLocked(path string) error {
	full, err := r.resolve(path)
	if err != nil {
		r.logger.Error("scripting: invalid include path",
			zap.String("path", path),
			zap.Error(err),
		)
		return err
	}
	if err := r.L.DoFile(full); err != nil {
		return fmt.Errorf("scripting: loading %q: %w", full, err)
	}
	r.logger.Debug("scripting: loaded script", zap.String("path", full))
	return nil
}

func (r *Runtime) resolve(path string) (string, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(r.root, full)
	}
	full = filepath.Clean(full)
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		full = resolved
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("scripting: resolving %q: %w", path, err)
	}

	rel, err := filepath.Rel(r.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", path, ErrPathEscapes)
	}
	return full, nil
}

// CallHook calls the named Lua global function. Returns (LNil, nil) if the
// hook is not defined. Lua runtime errors are logged at Warn level and never
// propagated.
//
// Precondition: args must be valid lua.LValue instances.
// Postcondition: Returns the first return value of the hook, or LNil.
func (r *Runtime) CallHook(hook string, args ...lua.LValue) (lua.LValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return lua.LNil, ErrClosed
	}

	fn := r.L.GetGlobal(hook)
	if fn.Type() != lua.LTFunction {
		r.logger.Debug("scripting: hook not defined", zap.String("hook", hook))
		return lua.LNil, nil
	}

	ret := lua.LValue(lua.LNil)
	err := withBudget(r.L, r.instLimit, func() error {
		if err := r.L.CallByParam(lua.P{
			Fn:      fn,
			NRet:    1,
			Protect: true,
		}, args...); err != nil {
			return err
		}
		ret = r.L.Get(-1)
		r.L.Pop(1)
		return nil
	})
	if err != nil {
		r.logger.Warn("scripting: Lua runtime error",
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, nil
	}
	return ret, nil
}

// Invoke calls the callback behind ref with a Session handle for peer and
// the payload as a table.
//
// Postcondition: Returns ErrUnknownRef for an unissued or released ref, or
// the Lua error raised by the callback. The VM is left balanced either way.
func (r *Runtime) Invoke(ref registry.Ref, peer Peer, payload protocol.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	fn, ok := r.refs[ref]
	if !ok {
		return fmt.Errorf("invoking ref %d: %w", ref, ErrUnknownRef)
	}

	return withBudget(r.L, r.instLimit, func() error {
		return r.L.CallByParam(lua.P{
			Fn:      fn,
			NRet:    0,
			Protect: true,
		}, r.newSession(peer), r.payloadTable(payload))
	})
}

// Release drops the function behind ref. Releasing an unknown ref is a no-op.
func (r *Runtime) Release(ref registry.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refs, ref)
}

// RefCount returns the number of live callback refs.
func (r *Runtime) RefCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// Close releases every remaining ref and closes the LState.
//
// Postcondition: Every entry point returns ErrClosed afterwards.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.refs = make(map[registry.Ref]*lua.LFunction)
	r.L.Close()
}

// newRef stores fn and returns its handle. The caller holds mu.
func (r *Runtime) newRef(fn *lua.LFunction) registry.Ref {
	r.nextRef++
	r.refs[r.nextRef] = fn
	return r.nextRef
}

func (r *Runtime) payloadTable(payload protocol.Payload) *lua.LTable {
	tbl := r.L.CreateTable(0, len(payload))
	for k, v := range payload {
		r.L.SetField(tbl, k, toLValue(v))
	}
	return tbl
}

// toLValue converts a decoded payload value (float64, string, bool or nil).
func toLValue(v any) lua.LValue {
	switch x := v.(type) {
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	default:
		return lua.LNil
	}
}
