package goco

import (
	"runtime"
	"sync/atomic"
	"time"
)

// EventScheduler drives one EventEngine from its own goroutine
type EventScheduler struct {
	noCopy

	engine       *EventEngine
	timeout      time.Duration
	lockOSThread bool

	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	err     error // set before done is closed
}

// NewEventScheduler wraps e. timeout bounds each reactor wait, negative
// blocks until an event or Stop.
func NewEventScheduler(e *EventEngine, timeout time.Duration, lockOSThread bool) *EventScheduler {
	return &EventScheduler{
		engine:       e,
		timeout:      timeout,
		lockOSThread: lockOSThread,
		done:         make(chan struct{}),
	}
}

func (es *EventScheduler) Engine() *EventEngine { return es.engine }

// Start runs the loop on a new goroutine. Repeated calls are no-ops.
func (es *EventScheduler) Start() {
	if !es.started.CompareAndSwap(false, true) {
		return
	}
	go es.loop()
}

// Stop flags the loop and wakes a blocked wait. Idempotent.
func (es *EventScheduler) Stop() {
	if es.stopped.CompareAndSwap(false, true) {
		es.engine.Wakeup()
	}
}

// Wait blocks until the loop exited and returns its fatal error, if any
func (es *EventScheduler) Wait() error {
	if !es.started.Load() {
		return nil
	}
	<-es.done
	return es.err
}

// Err returns the fatal error once the loop has exited
func (es *EventScheduler) Err() error {
	select {
	case <-es.done:
		return es.err
	default:
		return nil
	}
}

func (es *EventScheduler) loop() {
	defer close(es.done)
	if es.lockOSThread {
		// Refer to go doc runtime.LockOSThread
		// LockOSThread will bind the current goroutine to the current OS thread T,
		// preventing other goroutines from being scheduled onto this thread T
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for !es.stopped.Load() {
		if _, err := es.engine.WaitAndDispatch(es.timeout); err != nil {
			es.engine.log.Error("%s", err.Error())
			es.err = err
			return
		}
	}
}
