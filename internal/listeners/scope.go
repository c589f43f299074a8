package listeners

import (
	"context"
	"sync"
)

// Scope is a re-armable cancellation scope. Strategies use it to implement
// Start and Cancel independently of the timer's own run context.
//
// The zero value is unarmed: Join on an unarmed scope only follows the
// caller's context.
type Scope struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Arm replaces any previous scope with a fresh one.
func (s *Scope) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// Cancel ends the current scope. Idempotent.
func (s *Scope) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Join returns a context that ends when either ctx or the scope ends.
// The returned release func must be called.
func (s *Scope) Join(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	scope := s.ctx
	s.mu.Unlock()

	joined, cancel := context.WithCancel(ctx)
	if scope == nil {
		return joined, cancel
	}
	if scope.Err() != nil {
		cancel()
		return joined, cancel
	}
	stop := context.AfterFunc(scope, cancel)
	return joined, func() {
		stop()
		cancel()
	}
}
