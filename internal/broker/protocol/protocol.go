// Package protocol implements the typed message handler chain used by the
// broker. Handlers are consulted in registration order; the first one that
// accepts a message processes it and may produce a reply.
package protocol

import (
	"context"
	"sync"

	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// Handler processes one class of inter-agent message.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string
	// CanHandle reports whether this handler accepts the message.
	CanHandle(msg *v1.Message) bool
	// Handle processes the message. A non-nil reply is re-enqueued by the
	// broker as a fresh message with metadata.replyTo set.
	Handle(ctx context.Context, msg *v1.Message) (*v1.Message, error)
}

// Registry is an explicitly constructed, ordered handler chain. It is passed
// by reference into the broker so tests can inject their own handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a handler to the chain.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Route finds the first handler accepting the message. ok is false when no
// handler matches.
func (r *Registry) Route(msg *v1.Message) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.CanHandle(msg) {
			return h, true
		}
	}
	return nil, false
}

// Names lists the registered handlers in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		names[i] = h.Name()
	}
	return names
}
