// Package dispatcher implements the typed synchronous pub/sub fabric (C3)
// that wires filesystem events and registry mutations into listener
// callbacks. It is the leaf dependency of the tailer core: registry,
// watcher and pool all publish onto a Dispatcher rather than calling each
// other directly.
package dispatcher

import (
	"sync"

	"go.uber.org/zap"
)

// Kind names an event the Dispatcher can carry. The set is fixed by the
// registry and watcher contracts (spec'd in their respective packages);
// Dispatcher itself is agnostic to the payload type.
type Kind string

const (
	KindAdd       Kind = "Add"
	KindDelete    Kind = "Delete"
	KindUpdate    Kind = "Update"
	KindNeedOpen  Kind = "NeedOpen"
	KindNeedWrite Kind = "NeedWrite"
	KindNeedClose Kind = "NeedClose"
)

// Listener receives a cloned payload for one dispatched event. Listeners
// must be safe to call from any goroutine and must not block for long:
// Dispatch invokes every registered listener synchronously, in registration
// order, on the caller's goroutine.
type Listener[T any] func(payload T)

// Dispatcher is a mapping of event name to an ordered list of listeners.
// Register never deduplicates; there is no removal API, so listener
// lifetime equals Dispatcher lifetime. The zero value is not usable; use
// New.
type Dispatcher[T any] struct {
	log       *zap.Logger
	mu        sync.RWMutex
	listeners map[Kind][]Listener[T]
}

// New builds a Dispatcher scoped to payload type T. log may be nil, in
// which case a no-op logger is used.
func New[T any](log *zap.Logger) *Dispatcher[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher[T]{
		log:       log.Named("dispatcher"),
		listeners: make(map[Kind][]Listener[T]),
	}
}

// Register appends listener to the ordered list for kind. Safe to call
// concurrently with Dispatch.
func (d *Dispatcher[T]) Register(kind Kind, listener Listener[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[kind] = append(d.listeners[kind], listener)
}

// Dispatch invokes every listener registered for kind, in registration
// order, passing payload to each. A listener panic is caught and logged;
// it does not prevent the remaining listeners from running and does not
// propagate to the caller.
func (d *Dispatcher[T]) Dispatch(kind Kind, payload T) {
	d.mu.RLock()
	// Copy the slice header under the lock so a concurrent Register doesn't
	// race with the iteration below; listeners themselves are immutable.
	listeners := d.listeners[kind]
	d.mu.RUnlock()

	for i, l := range listeners {
		d.invoke(kind, i, l, payload)
	}
}

func (d *Dispatcher[T]) invoke(kind Kind, index int, l Listener[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("listener panicked",
				zap.String("kind", string(kind)),
				zap.Int("listener_index", index),
				zap.Any("recovered", r),
			)
		}
	}()
	l(payload)
}
