// Package bus serializes session work onto a single goroutine.
//
// Timers, network workers and client frames never touch session state
// directly; they post closures to a Loop, which runs them one at a time.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler schedules a callback after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancelable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Loop runs posted closures sequentially on the goroutine that calls Run.
type Loop struct {
	ch        chan func()
	stop      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// New creates a loop with the given queue depth.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loop{
		ch:     make(chan func(), buffer),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Run drains the queue until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.exited)
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case fn := <-l.ch:
			fn()
		}
	}
}

// Post enqueues fn. It returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.ch <- fn:
		return true
	case <-l.stop:
		return false
	}
}

// Do runs fn on the loop and waits for it to return.
// Must not be called from the loop goroutine.
func (l *Loop) Do(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.exited:
		return false
	}
}

// Close stops accepting work. Pending closures are discarded.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.stop) })
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.exited
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc schedules fn to run on the loop after d. Once Stop has been
// called from the loop goroutine, fn is guaranteed not to run.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return lt
}

func (lt *loopTimer) Stop() bool {
	lt.t.Stop()
	return !lt.stopped.Swap(true)
}

type tickTimer struct {
	quit    chan struct{}
	stopped atomic.Bool
}

// Every runs fn on the loop every d until stopped.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	tt := &tickTimer{quit: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(func() {
					if tt.stopped.Load() {
						return
					}
					fn()
				})
			case <-tt.quit:
				return
			case <-l.stop:
				return
			}
		}
	}()
	return tt
}

func (tt *tickTimer) Stop() bool {
	if tt.stopped.Swap(true) {
		return false
	}
	close(tt.quit)
	return true
}
