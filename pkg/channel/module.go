package channel

import (
	"context"
	"slices"
	"sync"

	"github.com/getmockd/lime/pkg/envelope"
)

// Kindable is satisfied by the envelope kinds that have a module pipeline.
type Kindable interface {
	comparable
	envelope.Envelope
}

// Module intercepts envelopes of one kind around send and receive.
//
// OnSending and OnReceiving may transform the envelope or drop it by
// returning nil, which skips the remaining modules. OnStateChanged is
// called after every session state change.
type Module[T Kindable] interface {
	OnSending(ctx context.Context, e T) (T, error)
	OnReceiving(ctx context.Context, e T) (T, error)
	OnStateChanged(ctx context.Context, state envelope.SessionState)
}

// ModuleFuncs adapts plain functions to Module. Nil functions pass the
// envelope through. Use it by pointer so that the list can remove it.
type ModuleFuncs[T Kindable] struct {
	Sending      func(ctx context.Context, e T) (T, error)
	Receiving    func(ctx context.Context, e T) (T, error)
	StateChanged func(ctx context.Context, state envelope.SessionState)
}

// OnSending implements Module.
func (f *ModuleFuncs[T]) OnSending(ctx context.Context, e T) (T, error) {
	if f.Sending == nil {
		return e, nil
	}
	return f.Sending(ctx, e)
}

// OnReceiving implements Module.
func (f *ModuleFuncs[T]) OnReceiving(ctx context.Context, e T) (T, error) {
	if f.Receiving == nil {
		return e, nil
	}
	return f.Receiving(ctx, e)
}

// OnStateChanged implements Module.
func (f *ModuleFuncs[T]) OnStateChanged(ctx context.Context, state envelope.SessionState) {
	if f.StateChanged != nil {
		f.StateChanged(ctx, state)
	}
}

// ModuleList is the ordered list of modules for one envelope kind.
// Dispatch works on a snapshot, so a module may send on its own channel
// or change the list from inside a callback. Once Remove returns, no new
// callback starts on the removed module, including in dispatches already
// in flight; a callback that is already running completes.
type ModuleList[T Kindable] struct {
	mu      sync.RWMutex
	modules []Module[T]
}

// Add appends m to the list.
func (l *ModuleList[T]) Add(m Module[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]Module[T], len(l.modules), len(l.modules)+1)
	copy(next, l.modules)
	l.modules = append(next, m)
}

// Remove deletes the first occurrence of m and reports whether it was
// present.
func (l *ModuleList[T]) Remove(m Module[T]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.modules {
		if existing == m {
			next := make([]Module[T], 0, len(l.modules)-1)
			next = append(next, l.modules[:i]...)
			l.modules = append(next, l.modules[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether m is in the list.
func (l *ModuleList[T]) Contains(m Module[T]) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Contains(l.modules, m)
}

// Len returns the number of modules.
func (l *ModuleList[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.modules)
}

func (l *ModuleList[T]) snapshot() []Module[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.modules
}

func (l *ModuleList[T]) sending(ctx context.Context, e T) (T, error) {
	var zero T
	for _, m := range l.snapshot() {
		if !l.Contains(m) {
			continue
		}
		next, err := m.OnSending(ctx, e)
		if err != nil {
			return zero, err
		}
		if next == zero {
			return zero, nil
		}
		e = next
	}
	return e, nil
}

func (l *ModuleList[T]) receiving(ctx context.Context, e T) (T, error) {
	var zero T
	for _, m := range l.snapshot() {
		if !l.Contains(m) {
			continue
		}
		next, err := m.OnReceiving(ctx, e)
		if err != nil {
			return zero, err
		}
		if next == zero {
			return zero, nil
		}
		e = next
	}
	return e, nil
}

func (l *ModuleList[T]) stateChanged(ctx context.Context, state envelope.SessionState) {
	for _, m := range l.snapshot() {
		if l.Contains(m) {
			m.OnStateChanged(ctx, state)
		}
	}
}
