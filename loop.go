package pva

import (
	"sync"
	"sync/atomic"
)

// actionQueueSize bounds the number of pending closures a Loop will buffer
// before Dispatch starts returning ErrLoopBusy. Chosen generously since a
// single subscription rarely has more than one or two actions in flight.
const actionQueueSize = 1024

// loopAction is one closure posted to a Loop, optionally paired with a
// completion signal for Call.
type loopAction struct {
	fn   func() error
	done chan struct{}
	err  *error
}

// Loop is a single-threaded executor: exactly one goroutine (the "worker")
// runs every closure posted to it, in the order posted. All protocol state
// mutation in this package happens only from within a closure run by a Loop,
// matching pvxs' evbase/tcp_loop model (original_source/src/evhelper.cpp).
//
// Foreign goroutines interact with a Loop only through Dispatch, Call and
// Sync; they never touch subscription or channel state directly.
type Loop struct {
	actions chan loopAction
	closed  chan struct{}
	stopped chan struct{}
	once    sync.Once

	// inLoop is true for the duration of any closure currently executing on
	// the worker goroutine. Because the worker is single-threaded, a nested
	// Call from within a running closure correctly observes inLoop == true
	// and takes the inline fast path instead of deadlocking against itself.
	inLoop atomic.Bool
}

// NewLoop starts a Loop's worker goroutine and returns once it is running.
func NewLoop() *Loop {
	l := &Loop{
		actions: make(chan loopAction, actionQueueSize),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case a := <-l.actions:
			l.runAction(a)
		case <-l.closed:
			// Drain any actions already queued so Call()s in flight don't
			// hang forever, then exit.
			l.drainOnClose()
			return
		}
	}
}

func (l *Loop) drainOnClose() {
	for {
		select {
		case a := <-l.actions:
			if a.err != nil {
				*a.err = ErrLoopClosed
			}
			if a.done != nil {
				close(a.done)
			}
		default:
			return
		}
	}
}

func (l *Loop) runAction(a loopAction) {
	l.inLoop.Store(true)
	err := a.fn()
	l.inLoop.Store(false)

	if a.err != nil {
		*a.err = err
	}
	if a.done != nil {
		close(a.done)
	}
}

// Dispatch enqueues fn to run on the worker and returns immediately without
// waiting for it to run. It fails with ErrLoopClosed or ErrLoopBusy if fn
// could not be queued; in that case fn never runs.
func (l *Loop) Dispatch(fn func()) error {
	select {
	case <-l.closed:
		return ErrLoopClosed
	default:
	}
	select {
	case l.actions <- loopAction{fn: func() error { fn(); return nil }}:
		return nil
	case <-l.closed:
		return ErrLoopClosed
	default:
		return ErrLoopBusy
	}
}

// Call runs fn on the worker and blocks until it completes, returning
// whatever error fn returned. If the calling goroutine is already the
// worker (a nested Call from within a running action), fn runs inline with
// no queueing. Call returns ErrLoopClosed if the loop has already stopped.
func (l *Loop) Call(fn func() error) error {
	if l.inLoop.Load() {
		return fn()
	}

	select {
	case <-l.closed:
		return ErrLoopClosed
	default:
	}

	done := make(chan struct{})
	var callErr error
	action := loopAction{fn: fn, done: done, err: &callErr}

	select {
	case l.actions <- action:
	case <-l.closed:
		return ErrLoopClosed
	}
	<-done
	return callErr
}

// Sync blocks until every action posted before this call has run. It is a
// no-op action round-trip, used by tests to establish a clean stopping
// point.
func (l *Loop) Sync() {
	_ = l.Call(func() error { return nil })
}

// InLoop reports whether the calling goroutine is currently running inside
// a closure dispatched by this Loop.
func (l *Loop) InLoop() bool {
	return l.inLoop.Load()
}

// assertInLoop panics if called from outside the worker goroutine. Used
// internally to guard functions that must only mutate protocol state from
// the loop, mirroring pvxs' evbase::assertInLoop().
func (l *Loop) assertInLoop() {
	if !l.inLoop.Load() {
		panic("pva: operation requires running on the event loop")
	}
}

// Close requests the worker to stop and waits for it to exit. Actions still
// queued when the worker sees the request are discarded without running;
// a Call waiting on one of them returns ErrLoopClosed. Close is idempotent.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.closed) })
	<-l.stopped
}
