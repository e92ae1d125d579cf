// Package mainloop runs callbacks on one designated goroutine.
//
// It stands in for a UI thread: any goroutine may Dispatch, and the loop's
// owner runs queued callbacks in order with Step or Run. A session created
// with session.WithDispatch(loop.Dispatch) delivers every record there.
package mainloop

import (
	"context"
	"sync"

	"github.com/go-drift/propbridge/pkg/errors"
)

// Loop is a callback queue drained by a single goroutine.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// New creates an empty loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Dispatch schedules callback to run on the loop goroutine and is safe to
// call from any goroutine. A nil callback is ignored.
func (l *Loop) Dispatch(callback func()) {
	if callback == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, callback)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending reports whether callbacks are queued.
func (l *Loop) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) > 0
}

// Step runs the callbacks queued so far and returns how many ran. Callbacks
// dispatched while stepping wait for the next Step. A panicking callback is
// reported and does not stop the rest.
func (l *Loop) Step() int {
	l.mu.Lock()
	callbacks := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, cb := range callbacks {
		run(cb)
	}
	return len(callbacks)
}

func run(cb func()) {
	defer errors.Recover("mainloop.Step")
	cb()
}

// Run makes the calling goroutine the loop goroutine until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			for l.Step() > 0 {
			}
		}
	}
}
