package mux

import "context"

// Limiter bounds the number of concurrent forwarding units. A nil
// *Limiter (max <= 0) never blocks.
type Limiter struct {
	sem chan struct{}
}

func NewLimiter(max int) *Limiter {
	if max <= 0 {
		return nil
	}
	return &Limiter{sem: make(chan struct{}, max)}
}

// Acquire reserves one slot, waiting until one frees up or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire attempts to reserve a slot without blocking.
func (l *Limiter) TryAcquire() bool {
	if l == nil {
		return true
	}
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot. Releasing an empty limiter is a no-op.
func (l *Limiter) Release() {
	if l == nil {
		return
	}
	select {
	case <-l.sem:
	default:
	}
}
