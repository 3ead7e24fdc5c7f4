// Package singleflight provides the in-flight fetch record shared by all
// callers that miss on the same key while a read is outstanding.
package singleflight

import (
	"context"
	"sync"
)

// Call is one in-flight operation with a counted set of waiters.
//
// Concurrency notes:
//   - The creator is the first waiter. Others Join while the call is open.
//   - Resolve publishes (val, err) and closes done; publishing
//     happens-before close(done), so reads after <-done see final values.
//   - A waiter whose ctx ends before Resolve leaves the call. When the last
//     waiter leaves, the operation's own context is cancelled; while anyone
//     is still waiting the operation runs to completion.
type Call[V any] struct {
	done chan struct{}

	mu      sync.Mutex
	waiters int
	settled bool
	cancel  context.CancelFunc

	val V
	err error
}

// New returns an open Call with one waiter (the creator). cancel aborts the
// underlying operation and is invoked when every waiter has left; it may be nil.
func New[V any](cancel context.CancelFunc) *Call[V] {
	return &Call[V]{done: make(chan struct{}), waiters: 1, cancel: cancel}
}

// Join registers another waiter. It returns false if the call has already
// been resolved or abandoned, in which case the caller must not Wait on it.
func (c *Call[V]) Join() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled || c.waiters == 0 {
		return false
	}
	c.waiters++
	return true
}

// Wait blocks until the call resolves or ctx ends. If ctx ends first the
// waiter leaves; a result that raced with the cancellation is still returned
// so that no delivered share is lost.
func (c *Call[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		<-c.done
		return c.val, c.err
	}
	c.waiters--
	abandon := c.waiters == 0
	c.mu.Unlock()

	if abandon && c.cancel != nil {
		c.cancel()
	}
	var zero V
	return zero, ctx.Err()
}

// Resolve publishes the result, wakes every waiter and returns how many
// waiters were still attached. Only the first call has an effect; later
// calls return 0.
func (c *Call[V]) Resolve(v V, err error) int {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return 0
	}
	c.settled = true
	c.val, c.err = v, err
	n := c.waiters
	c.mu.Unlock()

	close(c.done)
	return n
}

// Done returns a channel closed once the call is resolved.
func (c *Call[V]) Done() <-chan struct{} { return c.done }

// Waiters returns the current number of attached waiters.
func (c *Call[V]) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters
}
