// Package engine keeps the local audio graph in step with the remote
// server and turns user intents into remote operations.
package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var ErrLoopStopped = errors.New("dispatch loop stopped")

// Scheduler runs fn on the dispatch loop after d. The returned function,
// called on the loop, guarantees fn does not run afterwards.
type Scheduler interface {
	After(d time.Duration, fn func()) (stop func())
}

// Loop serializes all engine work onto one goroutine. Other goroutines hand
// work in with Post or Call.
type Loop struct {
	tasks chan func()
	done  chan struct{}
}

func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Post queues fn. It reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case <-l.done:
		return false
	case l.tasks <- fn:
		return true
	}
}

func (l *Loop) After(d time.Duration, fn func()) func() {
	var stopped atomic.Bool
	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			// The timer may have fired and queued this before stop ran.
			if !stopped.Load() {
				fn()
			}
		})
	})
	return func() {
		stopped.Store(true)
		timer.Stop()
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued work until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Drain runs work that is already queued. It is meant for shutdown paths
// after Run has returned.
func (l *Loop) Drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}
