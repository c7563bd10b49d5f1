package stream

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps event kinds to insertion-ordered sets of listeners.
// It is safe for concurrent use and is also what the bundled transports use
// to emit their own events.
type Registry struct {
	mu        sync.RWMutex
	listeners map[EventKind][]*Listener
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[EventKind][]*Listener),
		logger:    zerolog.Nop(),
	}
}

// SetLogger configures the logger used to report listener panics.
func (r *Registry) SetLogger(logger zerolog.Logger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Add registers l for kind. It returns false if l was already registered or is nil.
func (r *Registry) Add(kind EventKind, l *Listener) bool {
	if l == nil || l.fn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.listeners[kind], l) {
		return false
	}
	r.listeners[kind] = append(r.listeners[kind], l)
	return true
}

// Remove unregisters l for kind. It returns false if l was not registered.
func (r *Registry) Remove(kind EventKind, l *Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.listeners[kind]
	idx := slices.Index(list, l)
	if idx < 0 {
		return false
	}
	// Copy so snapshots handed out to in-progress dispatches stay intact.
	r.listeners[kind] = slices.Delete(slices.Clone(list), idx, idx+1)
	return true
}

// Len returns the number of listeners registered for kind.
func (r *Registry) Len(kind EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[kind])
}

// Clear removes every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.listeners = make(map[EventKind][]*Listener)
	r.mu.Unlock()
}

// Dispatch delivers ev to the listeners registered for ev.Kind at the time of
// the call. A panicking listener is logged and does not stop delivery to the rest.
func (r *Registry) Dispatch(ev Event) {
	r.mu.RLock()
	list := r.listeners[ev.Kind]
	logger := r.logger
	r.mu.RUnlock()

	for _, l := range list {
		r.deliver(logger, l, ev)
	}
}

func (r *Registry) deliver(logger zerolog.Logger, l *Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().
				Str("event", ev.Kind.String()).
				Str("url", ev.URL).
				Err(fmt.Errorf("%v", rec)).
				Msg("listener panicked")
		}
	}()
	l.fn(ev)
}
