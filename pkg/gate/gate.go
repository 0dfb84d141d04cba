// Package gate provides a counting permit pool that bounds the number of
// simultaneous in-flight operations.
package gate

import "context"

// Gate is a counting semaphore backed by a buffered channel. Acquire blocks
// until a permit frees; Release must be called exactly once per successful
// Acquire, on every exit path.
type Gate struct {
	permits chan struct{}
}

// New creates a gate with the given number of permits. Sizes below one are
// clamped to one.
func New(size int) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{permits: make(chan struct{}, size)}
}

// Acquire takes a permit, blocking until one is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit. Releasing without a matching Acquire panics,
// since it indicates a bookkeeping bug that would inflate the pool.
func (g *Gate) Release() {
	select {
	case <-g.permits:
	default:
		panic("gate: release without a held permit")
	}
}

// Size returns the total number of permits.
func (g *Gate) Size() int {
	return cap(g.permits)
}

// InUse returns the number of permits currently held.
func (g *Gate) InUse() int {
	return len(g.permits)
}
