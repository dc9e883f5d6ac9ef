package engine

import "sync"

// Canceler stops future ticks. Cancel must be safe to call more than once.
type Canceler interface {
	Cancel()
}

// Timer is the run's single cancellation point for dispatch ticks.
type Timer struct {
	once sync.Once
	ch   chan struct{}
}

func NewTimer() *Timer {
	return &Timer{ch: make(chan struct{})}
}

func (t *Timer) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

func (t *Timer) Cancelled() <-chan struct{} {
	return t.ch
}

func (t *Timer) IsCancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}
