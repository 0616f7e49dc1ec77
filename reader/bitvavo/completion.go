package bitvavo

import (
	"context"
	"sync"
)

// Completion is a one-shot boolean result. It is resolved exactly once; later
// Resolve calls return ErrAlreadyResolved instead of changing the outcome.
// Wait and Result may be called any number of times from any goroutine.
type Completion struct {
	once sync.Once
	done chan struct{}
	ok   bool
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolved returns a completion that already carries ok.
func Resolved(ok bool) *Completion {
	c := NewCompletion()
	_ = c.Resolve(ok)
	return c
}

func (c *Completion) Resolve(ok bool) error {
	err := ErrAlreadyResolved
	c.once.Do(func() {
		c.ok = ok
		close(c.done)
		err = nil
	})
	return err
}

// Done is closed once the completion is resolved.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the completion resolves or ctx ends.
func (c *Completion) Wait(ctx context.Context) (bool, error) {
	select {
	case <-c.done:
		return c.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Result reports the outcome without blocking. resolved is false while the
// completion is still pending.
func (c *Completion) Result() (ok bool, resolved bool) {
	select {
	case <-c.done:
		return c.ok, true
	default:
		return false, false
	}
}
