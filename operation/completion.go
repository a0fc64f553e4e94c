package operation

import (
	"context"
	"sync"
)

// Terminal is handed out once per operation, to whichever caller moved it
// out of Pending. Deliver is the only way to settle the Completion.
type Terminal struct {
	state   State
	err     error
	once    sync.Once
	deliver func()
}

// State returns the terminal state that was reached.
func (t *Terminal) State() State {
	return t.state
}

// Err returns the error the completion will be rejected with, if any.
func (t *Terminal) Err() error {
	return t.err
}

// Deliver resolves or rejects the completion. Calling it on a nil Terminal
// is a no-op.
func (t *Terminal) Deliver() {
	if t == nil {
		return
	}
	t.once.Do(t.deliver)
}

// Completion is the caller-facing result of an operation. It is settled
// exactly once.
type Completion[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

func (c *Completion[T]) resolve(value T) {
	c.once.Do(func() {
		c.value = value
		close(c.done)
	})
}

func (c *Completion[T]) reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed once the completion is settled.
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the completion is settled or ctx is done.
// Abandoning the wait does not cancel the operation.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
