// Package delivery routes user-visible notices to the surface that owns a
// window (e.g. "telegram:", "cli:").
package delivery

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/storyloom/internal/types"
)

// Handler delivers a notice to the window it belongs to.
type Handler func(window types.WindowID, message string) error

// Registry routes notices to the appropriate handler based on window id
// prefix. The longest matching prefix wins; "" matches every window.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
}

// Register adds a handler for window ids starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the window prefix and calls it.
// Returns an error if no handler is registered for the window.
func (r *Registry) Deliver(window types.WindowID, message string) error {
	r.mu.RLock()
	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(window), prefix) && (handler == nil || len(prefix) > len(best)) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("no delivery handler for window: %s", window)
	}
	return handler(window, message)
}

// Notify implements types.Notifier. Delivery failures are logged.
func (r *Registry) Notify(window types.WindowID, message string) {
	if err := r.Deliver(window, message); err != nil {
		r.logger.Warn("notice not delivered", "window", string(window), "error", err)
	}
}
