package billing

import (
	"context"
	"fmt"
)

// HandlerFunc reacts to one event kind.
type HandlerFunc func(ctx context.Context, event *Event) error

// Outcome reports what the router did with an event.
type Outcome struct {
	Handled bool
}

// Router dispatches events to the handler registered for their kind.
// The table is fixed at construction and safe for concurrent use.
type Router struct {
	handlers map[EventKind]HandlerFunc
}

// NewRouter creates a router from a kind -> handler table.
// Entries for KindUnhandled and nil handlers are ignored.
func NewRouter(handlers map[EventKind]HandlerFunc) *Router {
	table := make(map[EventKind]HandlerFunc, len(handlers))
	for kind, h := range handlers {
		if kind == KindUnhandled || h == nil {
			continue
		}
		table[kind] = h
	}
	return &Router{handlers: table}
}

// Handles reports whether a handler is registered for kind.
func (r *Router) Handles(kind EventKind) bool {
	_, ok := r.handlers[kind]
	return ok
}

// Dispatch invokes the handler for event.Kind exactly once.
// Events without a handler are acknowledged with Handled=false.
func (r *Router) Dispatch(ctx context.Context, event *Event) (Outcome, error) {
	if event == nil {
		return Outcome{}, fmt.Errorf("%w: nil event", ErrMalformedPayload)
	}
	h, ok := r.handlers[event.Kind]
	if !ok {
		return Outcome{Handled: false}, nil
	}
	if err := h(ctx, event); err != nil {
		return Outcome{Handled: true}, &HandlerFailedError{Type: event.Type, Cause: err}
	}
	return Outcome{Handled: true}, nil
}
