package instance

import (
	"context"
	"errors"
	"sync"
)

// ExitHooks collects cleanup functions to run once when the owning program
// exits. It is owned by the caller; nothing is registered globally.
type ExitHooks struct {
	mu    sync.Mutex
	hooks []func(context.Context) error
	ran   bool
}

// Add registers fn. Hooks run in reverse registration order.
func (h *ExitHooks) Add(fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, fn)
}

// Len reports the number of registered hooks.
func (h *ExitHooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run executes every hook once, newest first, and joins their errors.
// Later calls are no-ops.
func (h *ExitHooks) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		return nil
	}
	h.ran = true
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterExit arranges for the instance to be stopped, and deleted when
// withDelete is set, when hooks run.
func (m *Manager) RegisterExit(hooks *ExitHooks, withDelete bool) {
	hooks.Add(func(ctx context.Context) error {
		if err := m.Stop(ctx, "exit"); err != nil {
			return err
		}
		if withDelete {
			return m.Delete(ctx)
		}
		return nil
	})
}
