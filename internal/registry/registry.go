// Package registry maps action names to opaque script callback references.
//
// The registry never interprets a Ref; it only stores, returns and hands refs
// back to a release function. The script runtime owns what a Ref points to.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrClosed is returned by Register after ReleaseAll.
var ErrClosed = errors.New("registry: closed")

// Ref is an opaque handle to a callback owned by the script runtime.
type Ref uint64

// Registry maps actions to callback refs.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Ref // action → callback ref
	closed   bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Ref)}
}

// Register stores ref under action, replacing any previous entry.
//
// Postcondition: When an entry was replaced, the previous ref is returned with
// replaced=true and the caller owns releasing it. Returns ErrClosed after
// ReleaseAll; the caller then still owns ref.
func (r *Registry) Register(action string, ref Ref) (prev Ref, replaced bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, false, ErrClosed
	}
	prev, replaced = r.handlers[action]
	r.handlers[action] = ref
	return prev, replaced, nil
}

// Lookup returns the ref registered for action.
//
// Postcondition: Returns (ref, true) if found, or (0, false).
func (r *Registry) Lookup(action string) (Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.handlers[action]
	return ref, ok
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Actions returns the registered action names in sorted order.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for action := range r.handlers {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

// ReleaseAll empties and closes the registry, passing every stored ref to
// release exactly once. Calls after the first are no-ops.
//
// Precondition: release must be non-nil and must not call back into r.
// Postcondition: The registry is empty and Register returns ErrClosed.
func (r *Registry) ReleaseAll(release func(Ref)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handlers := r.handlers
	r.handlers = make(map[string]Ref)
	r.mu.Unlock()

	for _, ref := range handlers {
		release(ref)
	}
}
