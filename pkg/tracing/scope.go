package tracing

import (
	"context"
	"sync"
)

// ScopeHolder implements the ambient current-context mechanics shared by the
// engine implementations: Activate swaps the current context in, the
// returned Scope restores the previous one on Close. The holder serializes
// access to the ambient slot.
type ScopeHolder struct {
	mtx     sync.Mutex
	current context.Context
}

// Activate makes ctx current until the returned Scope is closed. Close
// restores whatever was current before this call and is safe to call more
// than once; only the first call takes effect.
func (h *ScopeHolder) Activate(ctx context.Context) Scope {
	h.mtx.Lock()
	prev := h.current
	h.current = ctx
	h.mtx.Unlock()

	s := &holderScope{holder: h, prev: prev}
	return s
}

// Current returns the active context, or context.Background when nothing
// has been activated.
func (h *ScopeHolder) Current() context.Context {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.current == nil {
		return context.Background()
	}
	return h.current
}

type holderScope struct {
	holder *ScopeHolder
	prev   context.Context
	once   sync.Once
}

// Close implements Scope.
func (s *holderScope) Close() {
	s.once.Do(func() {
		s.holder.mtx.Lock()
		s.holder.current = s.prev
		s.holder.mtx.Unlock()
	})
}
