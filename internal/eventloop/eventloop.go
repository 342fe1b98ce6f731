// Package eventloop serializes all game-state mutation onto a single
// goroutine. Session ticks, matchmaking ticks, and inbound message handlers
// all run here, so none of them need locks, but none of them may block.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs submitted closures one at a time in submission order.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
}

// New creates a loop with the given inbox capacity.
func New(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Loop{
		tasks: make(chan func(), capacity),
		quit:  make(chan struct{}),
	}
}

// Run processes tasks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.quit)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Submit enqueues fn for execution on the loop. Returns false if the loop
// has shut down or the inbox is full; callers treat a false return as a
// dropped message, never as a reason to block.
func (l *Loop) Submit(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	default:
		return false
	}
}

// Task is a scheduled callback that can be cancelled. Cancellation is safe
// from the loop itself: a fire already in flight becomes a no-op.
type Task struct {
	cancelled atomic.Bool
	stop      func()
}

// Cancel prevents any future (and any queued-but-unexecuted) fire.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	if t.stop != nil {
		t.stop()
	}
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// After schedules fn to run on the loop once after d.
func (l *Loop) After(d time.Duration, fn func()) *Task {
	task := &Task{}
	timer := time.AfterFunc(d, func() {
		l.Submit(func() {
			if task.cancelled.Load() {
				return
			}
			fn()
		})
	})
	task.stop = func() { timer.Stop() }
	return task
}

// Every schedules fn to run on the loop at a fixed interval until cancelled.
func (l *Loop) Every(d time.Duration, fn func()) *Task {
	task := &Task{}
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	var once sync.Once
	task.stop = func() {
		ticker.Stop()
		once.Do(func() { close(done) })
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case <-l.quit:
				return
			case <-ticker.C:
				l.Submit(func() {
					if task.cancelled.Load() {
						return
					}
					fn()
				})
			}
		}
	}()
	return task
}
