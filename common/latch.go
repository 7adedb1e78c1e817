package common

import "sync"

// Latch is a signal that can be waited on, and triggered only once.
// Multiple waiters are all released when the latch triggers.
type Latch struct {
	once sync.Once
	done chan struct{}
}

// NewLatch creates an un-triggered Latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger the latch, releasing all waiters. Can be called more than once,
// subsequent calls are no-ops.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.done) })
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.done
}

// WaitChan returns the channel that is closed when the latch triggers, for
// use in select statements.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.done
}

// Test returns whether the latch has already been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// LatchWithValue is a Latch that also carries a value, set at trigger time.
// Only the first Trigger call sets the value.
type LatchWithValue[T any] struct {
	latch Latch
	value T
}

// NewLatchWithValue creates an un-triggered LatchWithValue.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: Latch{done: make(chan struct{})}}
}

// Trigger the latch with the given value. Calls after the first are
// discarded.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.once.Do(func() {
		l.value = value
		close(l.latch.done)
	})
}

// Wait blocks until the latch is triggered and returns the value it was
// triggered with.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// WaitChan returns the channel closed when the latch triggers, for use in
// select statements. Once it is closed, Wait returns without blocking.
func (l *LatchWithValue[T]) WaitChan() <-chan struct{} {
	return l.latch.WaitChan()
}

// Test returns whether the latch has already been triggered, without blocking.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}
